package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Option describes one known configuration key for the CLI surface.
type Option struct {
	Key         string
	Default     any
	Description string
	// Sensitive keys trigger a warning when set from the CLI.
	Sensitive bool
}

// defaultMarkerFiles is the recognised set of files that identify an
// agent project during discovery. Overridable via mesh.markerFiles.
var defaultMarkerFiles = []string{
	"dork.json",
	".dork/agent.json",
	"CLAUDE.md",
	".claude/settings.json",
	"AGENTS.md",
	".cursorrules",
	".cursor/rules",
	"codex.md",
}

// DefaultMarkerFiles returns a copy of the built-in discovery marker set.
func DefaultMarkerFiles() []string {
	out := make([]string, len(defaultMarkerFiles))
	copy(out, defaultMarkerFiles)
	return out
}

var options = []Option{
	{Key: "server.host", Default: "127.0.0.1", Description: "HTTP listen address"},
	{Key: "server.port", Default: 4242, Description: "HTTP listen port"},
	{Key: "server.readTimeout", Default: 30, Description: "HTTP read timeout in seconds"},
	{Key: "server.writeTimeout", Default: 0, Description: "HTTP write timeout in seconds (0 = unlimited; session streams are long-lived SSE responses)"},

	{Key: "database.path", Default: "", Description: "SQLite file location (empty = <home>/dork.db)"},

	{Key: "logging.level", Default: "info", Description: "log level: debug, info, warn, error"},
	{Key: "logging.format", Default: detectDefaultLogFormat(), Description: "log format: text or json"},
	{Key: "logging.outputPath", Default: "stdout", Description: "log destination: stdout, stderr, or a file path"},

	{Key: "relay.adapterTimeout", Default: 30, Description: "adapter delivery timeout in seconds"},
	{Key: "relay.defaultMaxHops", Default: 8, Description: "default hop budget for new envelopes"},
	{Key: "relay.defaultTtl", Default: int64(300000), Description: "default envelope lifetime in milliseconds"},
	{Key: "relay.defaultCallBudget", Default: 16, Description: "default call budget for new envelopes"},
	{Key: "relay.breaker.threshold", Default: 5, Description: "consecutive failures before an endpoint breaker opens"},
	{Key: "relay.breaker.cooldown", Default: 30, Description: "base breaker cooldown in seconds"},
	{Key: "relay.breaker.maxCooldown", Default: 600, Description: "breaker cooldown cap in seconds"},

	{Key: "pulse.maxConcurrentRuns", Default: 3, Description: "global cap on concurrently executing runs"},
	{Key: "pulse.runRetention", Default: 50, Description: "run history kept per schedule"},
	{Key: "pulse.defaultMaxRuntime", Default: 0, Description: "default run timeout in seconds (0 = unbounded)"},

	{Key: "session.idleTimeout", Default: 30, Description: "in-memory session lifetime in minutes"},
	{Key: "session.boundary", Default: "", Description: "path boundary root (empty = user home)"},
	{Key: "session.runtimePath", Default: "claude", Description: "external agent CLI binary"},

	{Key: "mesh.scanRoots", Default: []string{}, Description: "default roots for agent discovery scans"},
	{Key: "mesh.maxDepth", Default: 3, Description: "default discovery walk depth"},
	{Key: "mesh.markerFiles", Default: defaultMarkerFiles, Description: "marker files that identify an agent project"},

	{Key: "adapters.telegram.enabled", Default: false, Description: "enable the Telegram adapter"},
	{Key: "adapters.telegram.token", Default: "", Description: "Telegram bot token", Sensitive: true},
	{Key: "adapters.telegram.subjectPrefix", Default: "relay.adapter.telegram", Description: "subject prefix owned by the Telegram adapter"},
	{Key: "adapters.discord.enabled", Default: false, Description: "enable the Discord adapter"},
	{Key: "adapters.discord.token", Default: "", Description: "Discord bot token", Sensitive: true},
	{Key: "adapters.discord.subjectPrefix", Default: "relay.adapter.discord", Description: "subject prefix owned by the Discord adapter"},

	{Key: "mcp.enabled", Default: true, Description: "enable the embedded tool server"},
	{Key: "mcp.port", Default: 4243, Description: "tool server port"},
}

// Options returns the full key registry sorted by key.
func Options() []Option {
	out := make([]Option, len(options))
	copy(out, options)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Lookup returns the option for a key, or false when the key is unknown.
func Lookup(key string) (Option, bool) {
	for _, opt := range options {
		if opt.Key == key {
			return opt, true
		}
	}
	return Option{}, false
}

// ParseValue converts a CLI-supplied string into the type of the option's
// default value.
func ParseValue(opt Option, raw string) (any, error) {
	switch opt.Default.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects a boolean, got %q", opt.Key, raw)
		}
		return b, nil
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer, got %q", opt.Key, raw)
		}
		return n, nil
	case int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer, got %q", opt.Key, raw)
		}
		return n, nil
	case []string:
		if strings.TrimSpace(raw) == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	default:
		return raw, nil
	}
}

// FormatValue renders a configuration value for CLI display.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", val)
	}
}
