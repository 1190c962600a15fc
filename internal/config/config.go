// Package config implements the ambient configuration layer: an
// environment-variable allow-list loader (spec.md §6.3) plus an optional
// TOML file for server lists and component defaults. Grounded on the
// teacher's TOML usage for third-party config files
// (internal/domain/integration/codex.go) and its flat Settings shape
// (internal/domain/profile/settings.go), generalized from "one
// integration's config.toml" to "dbshell's own config.toml".
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/mcp-scooter/dbshell/internal/mcp"
)

// allowedEnvVars is the small allow-list read at startup; every other
// environment variable is ignored, and none of the parent's environment
// is implicitly forwarded to spawned MCP servers or child commands.
var allowedEnvVars = []string{
	"DBSHELL_CONFIG",
	"DBSHELL_LOG_LEVEL",
	"DBSHELL_LOG_FILE",
	"DBSHELL_STATE_FILE",
	"DBSHELL_AUDIT_FILE",
	"DBSHELL_SHOW_DETAILS",
}

// Environment is the result of reading the allow-listed variables.
type Environment struct {
	ConfigPath   string
	LogLevel     string
	LogFile      string
	StateFile    string
	AuditFile    string
	ShowDetails  bool
}

// LoadEnvironment reads only the allow-listed variables from the process
// environment.
func LoadEnvironment() Environment {
	get := func(name string) string { return os.Getenv(name) }
	return Environment{
		ConfigPath:  get("DBSHELL_CONFIG"),
		LogLevel:    get("DBSHELL_LOG_LEVEL"),
		LogFile:     get("DBSHELL_LOG_FILE"),
		StateFile:   get("DBSHELL_STATE_FILE"),
		AuditFile:   get("DBSHELL_AUDIT_FILE"),
		ShowDetails: get("DBSHELL_SHOW_DETAILS") == "1" || get("DBSHELL_SHOW_DETAILS") == "true",
	}
}

// AllowedEnvVars exposes the allow-list for callers assembling a spawned
// child's environment (e.g. forwarding just DBSHELL_LOG_LEVEL, never the
// full parent environment).
func AllowedEnvVars() []string {
	out := make([]string, len(allowedEnvVars))
	copy(out, allowedEnvVars)
	return out
}

// ServerEntry is one configured MCP server, as read from the TOML file.
type ServerEntry struct {
	Name           string        `toml:"name"`
	Transport      string        `toml:"transport"` // "process" or "wasm"
	Command        string        `toml:"command,omitempty"`
	Args           []string      `toml:"args,omitempty"`
	WASMPath       string        `toml:"wasm_path,omitempty"`
	AutoReconnect  bool          `toml:"auto_reconnect"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// QueueConfig mirrors internal/queue.Config's knobs.
type QueueConfig struct {
	Concurrency  int     `toml:"concurrency"`
	MaxQueueSize int     `toml:"max_queue_size"`
	RateLimit    float64 `toml:"rate_limit"`
	Burst        int     `toml:"burst"`
}

// PipelineConfig carries pipeline-wide defaults (per-stage values still
// come from the stage registration call).
type PipelineConfig struct {
	DefaultStageTimeout time.Duration `toml:"default_stage_timeout"`
}

// StateConfig configures the state store's optional persistence.
type StateConfig struct {
	PersistPath string `toml:"persist_path,omitempty"`
	ExportYAML  string `toml:"export_yaml,omitempty"`
}

// AuditConfig configures the audit log's optional persistence.
type AuditConfig struct {
	Path string `toml:"path,omitempty"`
}

// File is the top-level shape of dbshell's TOML config file.
type File struct {
	Servers  []ServerEntry  `toml:"servers"`
	Queue    QueueConfig    `toml:"queue"`
	Pipeline PipelineConfig `toml:"pipeline"`
	State    StateConfig    `toml:"state"`
	Audit    AuditConfig    `toml:"audit"`
}

// Default returns the built-in defaults used when no config file is
// present.
func Default() File {
	return File{
		Queue: QueueConfig{Concurrency: 4, MaxQueueSize: 256, RateLimit: 20, Burst: 5},
		Pipeline: PipelineConfig{DefaultStageTimeout: 30 * time.Second},
	}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	f := Default()
	if err := toml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return f, nil
}

// ServerConfigs converts the file's server entries into mcp.ServerConfig
// values ready for Pool.Add, applying the allow-listed environment as the
// only environment forwarded to each spawned process.
func (f File) ServerConfigs(env Environment) []mcp.ServerConfig {
	var forwarded []string
	for _, name := range allowedEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			forwarded = append(forwarded, name+"="+v)
		}
	}

	out := make([]mcp.ServerConfig, 0, len(f.Servers))
	for _, s := range f.Servers {
		cfg := mcp.ServerConfig{
			Name:           s.Name,
			Command:        s.Command,
			Args:           s.Args,
			Env:            forwarded,
			WASMPath:       s.WASMPath,
			AutoReconnect:  s.AutoReconnect,
			Reconnect:      mcp.DefaultReconnectPolicy(),
			RequestTimeout: s.RequestTimeout,
		}
		if s.Transport == "wasm" {
			cfg.Transport = mcp.TransportWASM
		}
		out = append(out, cfg)
	}
	return out
}
