package config

import (
	"os"
	"path/filepath"
)

const (
	configFileName = "config.json"
	databaseName   = "dork.db"
	mailboxesDir   = "mailboxes"
)

// HomeDir resolves the dork home directory: $DORK_HOME when set,
// ~/.dork otherwise.
func HomeDir() string {
	if home := os.Getenv("DORK_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".dork"
	}
	return filepath.Join(userHome, ".dork")
}

// resolveHome returns the given home or falls back to HomeDir.
func resolveHome(home string) string {
	if home != "" {
		return home
	}
	return HomeDir()
}

// ConfigFilePath returns the path of config.json under the home directory.
func ConfigFilePath(home string) string {
	return filepath.Join(resolveHome(home), configFileName)
}

// DatabasePath returns the SQLite file location, honoring database.path
// overrides from the loaded configuration.
func DatabasePath(home string, cfg *Config) string {
	if cfg != nil && cfg.Database.Path != "" {
		return cfg.Database.Path
	}
	return filepath.Join(resolveHome(home), databaseName)
}

// MailboxesPath returns the root directory holding per-endpoint maildirs.
func MailboxesPath(home string) string {
	return filepath.Join(resolveHome(home), mailboxesDir)
}

// EnsureHome creates the home directory tree if it does not exist.
func EnsureHome(home string) error {
	root := resolveHome(home)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(root, mailboxesDir), 0o755)
}
