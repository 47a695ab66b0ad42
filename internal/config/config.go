package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the optional settings file inside the data directory.
const FileName = "crew.toml"

type Config struct {
	DataDir            string
	DBPath             string
	UserAgentDir       string
	ProjectAgentDir    string
	UserWorkflowDir    string
	ProjectWorkflowDir string

	GatewayURL        string
	GatewayToken      string
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	ListenAddr        string
	LogLevel          string
}

// fileConfig mirrors crew.toml. Durations are Go duration strings.
type fileConfig struct {
	GatewayURL        string `toml:"gateway_url"`
	GatewayToken      string `toml:"gateway_token"`
	CommandTimeout    string `toml:"command_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	Listen            string `toml:"listen"`
	LogLevel          string `toml:"log_level"`
}

// New builds the configuration from defaults, then crew.toml in the data
// directory, then CREW_* environment variables.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("CREW_DATA_DIR", filepath.Join(homeDir, ".crew"))

	c := &Config{
		DataDir:            dataDir,
		DBPath:             filepath.Join(dataDir, "crew.db"),
		UserAgentDir:       filepath.Join(dataDir, "agents"),
		ProjectAgentDir:    ".crew/agents",
		UserWorkflowDir:    filepath.Join(dataDir, "workflows"),
		ProjectWorkflowDir: ".crew/workflows",
		GatewayURL:         "http://localhost:3000",
		CommandTimeout:     2 * time.Minute,
		HeartbeatInterval:  15 * time.Second,
		ListenAddr:         ":8088",
		LogLevel:           "info",
	}

	if err := c.loadFile(filepath.Join(dataDir, FileName)); err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	var f fileConfig
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	setString(&c.GatewayURL, f.GatewayURL)
	setString(&c.GatewayToken, f.GatewayToken)
	setString(&c.ListenAddr, f.Listen)
	setString(&c.LogLevel, f.LogLevel)
	if err := setDuration(&c.CommandTimeout, "command_timeout", f.CommandTimeout); err != nil {
		return err
	}
	return setDuration(&c.HeartbeatInterval, "heartbeat_interval", f.HeartbeatInterval)
}

func (c *Config) applyEnv() error {
	c.GatewayURL = getEnv("CREW_GATEWAY_URL", c.GatewayURL)
	c.GatewayToken = getEnv("CREW_GATEWAY_TOKEN", c.GatewayToken)
	c.ListenAddr = getEnv("CREW_LISTEN", c.ListenAddr)
	c.LogLevel = getEnv("CREW_LOG_LEVEL", c.LogLevel)
	if err := setDuration(&c.CommandTimeout, "CREW_COMMAND_TIMEOUT", os.Getenv("CREW_COMMAND_TIMEOUT")); err != nil {
		return err
	}
	return setDuration(&c.HeartbeatInterval, "CREW_HEARTBEAT_INTERVAL", os.Getenv("CREW_HEARTBEAT_INTERVAL"))
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.UserAgentDir, c.UserWorkflowDir, c.WorkspacesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// AgentDirs lists catalog overlay directories, user first so project
// definitions win.
func (c *Config) AgentDirs() []string {
	return []string{c.UserAgentDir, c.ProjectAgentDir}
}

func (c *Config) WorkflowDirs() []string {
	return []string{c.UserWorkflowDir, c.ProjectWorkflowDir}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if d < 0 {
		return fmt.Errorf("invalid %s %q: must not be negative", name, v)
	}
	*dst = d
	return nil
}
