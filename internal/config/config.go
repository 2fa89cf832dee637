package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	EnvScriptsDir = "MCP_SERVERS_DIR"
	EnvSocketPath = "SPAWNER_SOCKET"
	EnvLogLevel   = "SPAWNER_LOG_LEVEL"
	EnvPermits    = "SPAWNER_PERMITS"
)

var ErrInvalidConfig = errors.New("invalid config")

type ScriptsConfig struct {
	Root           string   `yaml:"root" toml:"root"`
	Suffix         string   `yaml:"suffix" toml:"suffix"`
	Interpreter    []string `yaml:"interpreter" toml:"interpreter"`
	EnvPassthrough []string `yaml:"env_passthrough" toml:"env_passthrough"`
	IgnorePatterns []string `yaml:"ignore_patterns" toml:"ignore_patterns"`
}

type TimeoutConfig struct {
	Handshake time.Duration `yaml:"handshake" toml:"handshake"`
	Call      time.Duration `yaml:"call" toml:"call"`
	Grace     time.Duration `yaml:"grace" toml:"grace"`
}

type GateConfig struct {
	Permits int `yaml:"permits" toml:"permits"`
}

type ProtocolConfig struct {
	MaxLineBytes    int    `yaml:"max_line_bytes" toml:"max_line_bytes"`
	FallbackCharset string `yaml:"fallback_charset" toml:"fallback_charset"`
	StderrKB        int    `yaml:"stderr_kb" toml:"stderr_kb"`
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout" toml:"open_timeout"`
}

type CatalogConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	DBPath         string        `yaml:"db_path" toml:"db_path"`
	DebounceWindow time.Duration `yaml:"debounce_window" toml:"debounce_window"`
	MaxBatchSize   int           `yaml:"max_batch_size" toml:"max_batch_size"`
}

type DaemonConfig struct {
	SocketPath string `yaml:"socket_path" toml:"socket_path"`
	DataDir    string `yaml:"data_dir" toml:"data_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type Config struct {
	Scripts  ScriptsConfig  `yaml:"scripts" toml:"scripts"`
	Timeouts TimeoutConfig  `yaml:"timeouts" toml:"timeouts"`
	Gate     GateConfig     `yaml:"gate" toml:"gate"`
	Protocol ProtocolConfig `yaml:"protocol" toml:"protocol"`
	Circuit  CircuitConfig  `yaml:"circuit" toml:"circuit"`
	Catalog  CatalogConfig  `yaml:"catalog" toml:"catalog"`
	Daemon   DaemonConfig   `yaml:"daemon" toml:"daemon"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".mcp-spawner")

	return &Config{
		Scripts: ScriptsConfig{
			Root:        "./mcp_servers",
			Suffix:      ".py",
			Interpreter: []string{"python3", "-u"},
			IgnorePatterns: []string{
				".*",
				"__pycache__",
				"*~",
			},
		},
		Timeouts: TimeoutConfig{
			Handshake: 10 * time.Second,
			Call:      30 * time.Second,
			Grace:     5 * time.Second,
		},
		Gate: GateConfig{
			Permits: 1,
		},
		Protocol: ProtocolConfig{
			MaxLineBytes: 1 << 20,
			StderrKB:     64,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 0,
			OpenTimeout:      30 * time.Second,
		},
		Catalog: CatalogConfig{
			Enabled:        true,
			DBPath:         filepath.Join(dataDir, "catalog.db"),
			DebounceWindow: 300 * time.Millisecond,
			MaxBatchSize:   100,
		},
		Daemon: DaemonConfig{
			SocketPath: filepath.Join(dataDir, "daemon.sock"),
			DataDir:    dataDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load starts from Default, overlays the file at path when path is not empty
// and applies environment overrides last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config extension %q", ErrInvalidConfig, filepath.Ext(path))
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvScriptsDir); v != "" {
		c.Scripts.Root = v
	}
	if v := os.Getenv(EnvSocketPath); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvPermits); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvPermits, v)
		}
		c.Gate.Permits = n
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Scripts.Root == "" {
		errs = append(errs, errors.New("scripts.root is required"))
	}
	if c.Scripts.Suffix == "" {
		errs = append(errs, errors.New("scripts.suffix is required"))
	}
	if c.Timeouts.Handshake <= 0 {
		errs = append(errs, errors.New("timeouts.handshake must be positive"))
	}
	if c.Timeouts.Call <= 0 {
		errs = append(errs, errors.New("timeouts.call must be positive"))
	}
	if c.Timeouts.Grace < 0 {
		errs = append(errs, errors.New("timeouts.grace must not be negative"))
	}
	if c.Gate.Permits <= 0 {
		errs = append(errs, errors.New("gate.permits must be positive"))
	}
	if c.Protocol.MaxLineBytes <= 0 {
		errs = append(errs, errors.New("protocol.max_line_bytes must be positive"))
	}
	if c.Circuit.FailureThreshold < 0 {
		errs = append(errs, errors.New("circuit.failure_threshold must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Daemon.DataDir, 0700); err != nil {
		return err
	}
	if dir := filepath.Dir(c.Daemon.SocketPath); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	if c.Catalog.Enabled && c.Catalog.DBPath != "" {
		return os.MkdirAll(filepath.Dir(c.Catalog.DBPath), 0755)
	}
	return nil
}

// ScriptsRoot returns the absolute scripts root.
func (c *Config) ScriptsRoot() (string, error) {
	return filepath.Abs(c.Scripts.Root)
}
