package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/flownode/pkg/log"
	"github.com/cuemby/flownode/pkg/retry"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "FLOWNODE_"

// Config is the node agent configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Node    NodeConfig    `yaml:"node"`
	Runner  RunnerConfig  `yaml:"runner"`
	Channel ChannelConfig `yaml:"channel"`
	Health  HealthConfig  `yaml:"health"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig locates the server
type ServerConfig struct {
	URL         string `yaml:"url"`
	AccessToken string `yaml:"access_token"`
}

// NodeConfig describes the local node
type NodeConfig struct {
	Name           string            `yaml:"name"`
	Address        string            `yaml:"address"`
	DataDir        string            `yaml:"data_dir"`
	ConfigDir      string            `yaml:"config_dir"`
	TempPath       string            `yaml:"temp_path"`
	ForcedTempPath string            `yaml:"forced_temp_path"`
	Docker         bool              `yaml:"docker"`
	RestartCapable bool              `yaml:"restart_capable"`
	ToolMappings   map[string]string `yaml:"tool_mappings"`
}

// RunnerConfig controls job execution
type RunnerConfig struct {
	WorkerPath        string        `yaml:"worker_path"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	PreExecuteTimeout time.Duration `yaml:"pre_execute_timeout"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
	DebugPayload      bool          `yaml:"debug_payload"`
	HistoryRetention  int           `yaml:"history_retention"`
}

// ChannelConfig controls the control channel
type ChannelConfig struct {
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	InvokeTimeout     time.Duration   `yaml:"invoke_timeout"`
	InvokeAttempts    int             `yaml:"invoke_attempts"`
	ConnectWait       time.Duration   `yaml:"connect_wait"`
	RegistrationWait  time.Duration   `yaml:"registration_wait"`
	ReconnectDelays   []time.Duration `yaml:"reconnect_delays"`
}

// HealthConfig enables the local health endpoints. Empty addresses disable
// the corresponding server.
type HealthConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string          `yaml:"level"`
	JSON  bool            `yaml:"json"`
	File  *log.FileConfig `yaml:"file"`
}

// Default returns the built-in configuration
func Default() *Config {
	dataDir := defaultDataDir()
	hostname, _ := os.Hostname()

	return &Config{
		Node: NodeConfig{
			Name:    hostname,
			DataDir: dataDir,
		},
		Runner: RunnerConfig{
			PreExecuteTimeout: 30 * time.Second,
			RestartDelay:      5 * time.Second,
			HistoryRetention:  500,
		},
		Channel: ChannelConfig{
			HeartbeatInterval: 20 * time.Second,
			InvokeTimeout:     20 * time.Second,
			InvokeAttempts:    5,
			ConnectWait:       30 * time.Second,
			RegistrationWait:  20 * time.Second,
			ReconnectDelays:   append([]time.Duration(nil), retry.DefaultDelays...),
		},
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "flownode")
	}
	return "./flownode-data"
}

// Load reads the configuration and validates it
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read builds the configuration from defaults, an optional YAML file and
// FLOWNODE_* environment variables, in that order, without validating it.
// A missing file is not an error.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Logger.Debug().Str("path", path).Msg("Config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"SERVER_URL":       &c.Server.URL,
		"ACCESS_TOKEN":     &c.Server.AccessToken,
		"NODE_NAME":        &c.Node.Name,
		"NODE_ADDRESS":     &c.Node.Address,
		"DATA_DIR":         &c.Node.DataDir,
		"CONFIG_DIR":       &c.Node.ConfigDir,
		"TEMP_PATH":        &c.Node.TempPath,
		"FORCED_TEMP_PATH": &c.Node.ForcedTempPath,
		"WORKER_PATH":      &c.Runner.WorkerPath,
		"HEALTH_ADDR":      &c.Health.HTTPAddr,
		"GRPC_HEALTH_ADDR": &c.Health.GRPCAddr,
		"LOG_LEVEL":        &c.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"DOCKER":          &c.Node.Docker,
		"RESTART_CAPABLE": &c.Node.RestartCapable,
		"DEBUG_PAYLOAD":   &c.Runner.DebugPayload,
		"LOG_JSON":        &c.Log.JSON,
	}
	for name, dst := range bools {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
	}

	if v, ok := lookup(EnvPrefix + "JOB_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sJOB_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Runner.JobTimeout = d
	}
	return nil
}

// Validate checks the configuration and fills derived defaults
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if c.Node.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.Node.ConfigDir == "" {
		c.Node.ConfigDir = filepath.Join(c.Node.DataDir, "config")
	}

	if c.Channel.InvokeAttempts < 1 {
		return fmt.Errorf("invoke attempts must be at least 1, got %d", c.Channel.InvokeAttempts)
	}
	if len(c.Channel.ReconnectDelays) == 0 {
		return fmt.Errorf("reconnect delays must not be empty")
	}
	for _, d := range c.Channel.ReconnectDelays {
		if d <= 0 {
			return fmt.Errorf("reconnect delay must be positive, got %s", d)
		}
	}

	durations := map[string]time.Duration{
		"heartbeat interval":  c.Channel.HeartbeatInterval,
		"invoke timeout":      c.Channel.InvokeTimeout,
		"connect wait":        c.Channel.ConnectWait,
		"registration wait":   c.Channel.RegistrationWait,
		"pre-execute timeout": c.Runner.PreExecuteTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Runner.JobTimeout < 0 {
		return fmt.Errorf("job timeout must not be negative")
	}
	if c.Runner.HistoryRetention < 0 {
		return fmt.Errorf("history retention must not be negative")
	}
	return nil
}

// ResolveTempPath picks the temp root for jobs. The forced path wins, then
// the path the server advertises for this node, then the configured path,
// then a directory under the platform temp dir.
func ResolveTempPath(forced, advertised, configured string) string {
	for _, p := range []string{forced, advertised, configured} {
		if strings.TrimSpace(p) != "" {
			return p
		}
	}
	return filepath.Join(os.TempDir(), "flownode")
}
