package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadFileValues parses config.json into a nested map. A missing file
// yields an empty map.
func ReadFileValues(home string) (map[string]any, error) {
	data, err := os.ReadFile(ConfigFilePath(home))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	values := map[string]any{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("config file is not valid JSON: %w", err)
	}
	return values, nil
}

// FlattenValues converts a nested map into dotted keys. Arrays and scalars
// are terminal values.
func FlattenValues(values map[string]any) map[string]any {
	flat := map[string]any{}
	flattenInto(flat, "", values)
	return flat
}

func flattenInto(flat map[string]any, prefix string, values map[string]any) {
	for k, v := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(flat, key, nested)
			continue
		}
		flat[key] = v
	}
}

// SetFileValue writes one key into config.json atomically, creating the
// file and any intermediate objects as needed.
func SetFileValue(home, key string, value any) error {
	values, err := ReadFileValues(home)
	if err != nil {
		return err
	}
	setNested(values, strings.Split(key, "."), value)
	return writeFileValues(home, values)
}

// ResetFileValue removes one key from config.json. Returns true when the
// key was present.
func ResetFileValue(home, key string) (bool, error) {
	values, err := ReadFileValues(home)
	if err != nil {
		return false, err
	}
	removed := removeNested(values, strings.Split(key, "."))
	if !removed {
		return false, nil
	}
	return true, writeFileValues(home, values)
}

// ResetAllFileValues removes the config file entirely, restoring defaults.
func ResetAllFileValues(home string) error {
	err := os.Remove(ConfigFilePath(home))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove config file: %w", err)
	}
	return nil
}

func setNested(values map[string]any, path []string, value any) {
	if len(path) == 1 {
		values[path[0]] = value
		return
	}
	child, ok := values[path[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		values[path[0]] = child
	}
	setNested(child, path[1:], value)
}

func removeNested(values map[string]any, path []string) bool {
	if len(path) == 1 {
		if _, ok := values[path[0]]; !ok {
			return false
		}
		delete(values, path[0])
		return true
	}
	child, ok := values[path[0]].(map[string]any)
	if !ok {
		return false
	}
	removed := removeNested(child, path[1:])
	if removed && len(child) == 0 {
		delete(values, path[0])
	}
	return removed
}

// writeFileValues persists the nested map as pretty-printed JSON using a
// temp file and atomic rename.
func writeFileValues(home string, values map[string]any) error {
	path := ConfigFilePath(home)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
