// Package config loads luabox settings from a YAML or TOML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultFiles are looked up in the working directory, in order, when no
// config path is given.
var DefaultFiles = []string{"luabox.yaml", "luabox.yml", "luabox.toml"}

type Config struct {
	Libs             []string `yaml:"libs,omitempty" toml:"libs,omitempty"`
	Timeout          string   `yaml:"timeout" toml:"timeout"`
	MaxOutput        int      `yaml:"max_output" toml:"max_output"`
	CallStackSize    int      `yaml:"call_stack_size" toml:"call_stack_size"`
	CompileCacheSize int      `yaml:"compile_cache_size" toml:"compile_cache_size"`

	KV      KVConfig      `yaml:"kv" toml:"kv"`
	HTTP    HTTPConfig    `yaml:"http" toml:"http"`
	FS      FSConfig      `yaml:"fs" toml:"fs"`
	WASM    WASMConfig    `yaml:"wasm" toml:"wasm"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

type KVConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Path selects a SQLite file so values outlive the process. Empty keeps
	// the store in memory.
	Path         string `yaml:"path" toml:"path"`
	MaxEntries   int    `yaml:"max_entries" toml:"max_entries"`
	MaxKeySize   int    `yaml:"max_key_size" toml:"max_key_size"`
	MaxValueSize int    `yaml:"max_value_size" toml:"max_value_size"`
}

type HTTPConfig struct {
	AllowedHosts []string `yaml:"allowed_hosts" toml:"allowed_hosts"`
	MaxURLLength int      `yaml:"max_url_length" toml:"max_url_length"`
	MaxBodySize  int64    `yaml:"max_body_size" toml:"max_body_size"`
	Timeout      string   `yaml:"timeout" toml:"timeout"`
}

type FSConfig struct {
	// Mounts use the virtual:host:mode syntax of the --mount flag.
	Mounts        []string `yaml:"mounts" toml:"mounts"`
	MaxFileSize   int64    `yaml:"max_file_size" toml:"max_file_size"`
	MaxWriteSize  int64    `yaml:"max_write_size" toml:"max_write_size"`
	MaxPathLength int      `yaml:"max_path_length" toml:"max_path_length"`
}

type WASMConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	CacheDir      string `yaml:"cache_dir" toml:"cache_dir"`
	Memory        string `yaml:"memory" toml:"memory"`
	MaxModuleSize int64  `yaml:"max_module_size" toml:"max_module_size"`
}

type ServerConfig struct {
	Port        int    `yaml:"port" toml:"port"`
	SessionTTL  string `yaml:"session_ttl" toml:"session_ttl"`
	MaxSessions int    `yaml:"max_sessions" toml:"max_sessions"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:          "30s",
		MaxOutput:        1 << 20,
		CompileCacheSize: 256,
		KV: KVConfig{
			MaxEntries:   1000,
			MaxKeySize:   256,
			MaxValueSize: 64 * 1024,
		},
		HTTP: HTTPConfig{
			MaxURLLength: 8192,
			MaxBodySize:  1 << 20,
			Timeout:      "30s",
		},
		FS: FSConfig{
			MaxFileSize:   10 << 20,
			MaxWriteSize:  10 << 20,
			MaxPathLength: 4096,
		},
		WASM: WASMConfig{
			Memory:        "16mb",
			MaxModuleSize: 32 << 20,
		},
		Server: ServerConfig{
			Port:        8080,
			SessionTTL:  "15m",
			MaxSessions: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path, or the first of DefaultFiles that exists when path is
// empty, then applies LUABOX_* environment overrides. A missing default
// file yields the defaults; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, name := range DefaultFiles {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(data, cfg)
	}
	return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}

// Save writes the config as YAML, or TOML when path ends in .toml.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = toml.Marshal(c)
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LUABOX_LIBS"); v != "" {
		c.Libs = splitList(v)
	}
	if v := os.Getenv("LUABOX_TIMEOUT"); v != "" {
		c.Timeout = v
	}
	if v := os.Getenv("LUABOX_KV"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.KV.Enabled = b
		}
	}
	if v := os.Getenv("LUABOX_KV_PATH"); v != "" {
		c.KV.Path = v
		c.KV.Enabled = true
	}
	if v := os.Getenv("LUABOX_ALLOW_HOSTS"); v != "" {
		c.HTTP.AllowedHosts = splitList(v)
	}
	if v := os.Getenv("LUABOX_MOUNTS"); v != "" {
		c.FS.Mounts = splitList(v)
	}
	if v := os.Getenv("LUABOX_WASM_CACHE_DIR"); v != "" {
		c.WASM.CacheDir = v
	}
	if v := os.Getenv("LUABOX_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("LUABOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LUABOX_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings that would only fail later at run time.
func (c *Config) Validate() error {
	for name, d := range map[string]string{
		"timeout":            c.Timeout,
		"http.timeout":       c.HTTP.Timeout,
		"server.session_ttl": c.Server.SessionTTL,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, d, err)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging.format %q (expected json or console)", c.Logging.Format)
	}
	return nil
}

func (c *Config) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

func (c *Config) GetHTTPTimeout() time.Duration {
	return parseDuration(c.HTTP.Timeout, 30*time.Second)
}

func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Server.SessionTTL, 15*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
