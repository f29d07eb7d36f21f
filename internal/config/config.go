package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// Environment overrides
const (
	EnvStoreURL = "TOWERLINK_STORE_URL"
	EnvInstance = "TOWERLINK_INSTANCE"
	EnvLogLevel = "TOWERLINK_LOG_LEVEL"
)

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultNATSURL        = "nats://127.0.0.1:4222"
	defaultBucket         = "towerlink"
	defaultTimeUnit       = time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultActionTimeout  = 5 * time.Minute
	defaultHeartbeatEvery = 5
	defaultHealthPort     = 8080
)

// Command names double as store keys, so they must be valid NATS KV keys too
var commandNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config represents the top-level towerlink.yml configuration
type Config struct {
	Version  string        `yaml:"version"`
	Instance string        `yaml:"instance"`
	Store    StoreConfig   `yaml:"store"`
	Timing   *TimingConfig `yaml:"timing,omitempty"`
	Health   *HealthConfig `yaml:"health,omitempty"`
	Commands Commands      `yaml:"commands"`
}

// StoreConfig selects and addresses the shared key-value store
type StoreConfig struct {
	Backend string `yaml:"backend"`          // "redis" (default) or "nats"
	URL     string `yaml:"url,omitempty"`    // Defaults per backend
	Bucket  string `yaml:"bucket,omitempty"` // NATS KV bucket, default "towerlink"
}

// TimingConfig holds the agent's clock. One tick is one time unit; the settle
// delay after a success is three.
type TimingConfig struct {
	TimeUnit       time.Duration `yaml:"time_unit,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	ActionTimeout  time.Duration `yaml:"action_timeout,omitempty"`
	HeartbeatEvery *int          `yaml:"heartbeat_every,omitempty"` // Ticks between heartbeats (0 = disabled, default = 5)
}

// HealthConfig configures the agent's HTTP endpoints
type HealthConfig struct {
	Port *int `yaml:"port,omitempty"` // 0 = disabled, default = 8080
}

// Command is one named action and the program it runs
type Command struct {
	Name string
	Argv []string
}

// Commands keeps the order in which commands appear in the file
type Commands []Command

// UnmarshalYAML decodes a mapping of name → argv without losing its order.
func (c *Commands) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: commands must be a mapping of name to argv", node.Line)
	}

	seen := make(map[string]bool)
	commands := make(Commands, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		var argv []string
		if err := valueNode.Decode(&argv); err != nil {
			return fmt.Errorf("line %d: command '%s': argv must be a list of strings", valueNode.Line, keyNode.Value)
		}
		if seen[keyNode.Value] {
			return fmt.Errorf("line %d: duplicate command '%s'", keyNode.Line, keyNode.Value)
		}
		seen[keyNode.Value] = true
		commands = append(commands, Command{Name: keyNode.Value, Argv: argv})
	}

	*c = commands
	return nil
}

// Names returns the command names in configuration order.
func (c Commands) Names() []string {
	names := make([]string, len(c))
	for i, cmd := range c {
		names[i] = cmd.Name
	}
	return names
}

// Map returns name → argv.
func (c Commands) Map() map[string][]string {
	m := make(map[string][]string, len(c))
	for _, cmd := range c {
		m[cmd.Name] = cmd.Argv
	}
	return m
}

// Validate performs strict validation on the configuration and applies defaults
func (c *Config) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: instance
	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}

	if err := c.Store.validate(); err != nil {
		return err
	}

	// Required: at least one command
	if len(c.Commands) == 0 {
		return fmt.Errorf("no commands defined")
	}

	for _, cmd := range c.Commands {
		if err := cmd.Validate(); err != nil {
			return err
		}
	}

	if c.Timing == nil {
		c.Timing = &TimingConfig{}
	}
	if err := c.Timing.validate(); err != nil {
		return err
	}

	if c.Health == nil {
		c.Health = &HealthConfig{}
	}
	if c.Health.Port == nil {
		port := defaultHealthPort
		c.Health.Port = &port
	}
	if *c.Health.Port < 0 || *c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 0 and 65535, got %d", *c.Health.Port)
	}

	return nil
}

func (s *StoreConfig) validate() error {
	if s.Backend == "" {
		s.Backend = BackendRedis
	}

	switch s.Backend {
	case BackendRedis:
		if s.URL == "" {
			s.URL = defaultRedisURL
		}
	case BackendNATS:
		if s.URL == "" {
			s.URL = defaultNATSURL
		}
		if s.Bucket == "" {
			s.Bucket = defaultBucket
		}
		if !commandNamePattern.MatchString(s.Bucket) {
			return fmt.Errorf("store.bucket '%s' may only contain letters, digits, '-' and '_'", s.Bucket)
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be 'redis' or 'nats')", s.Backend)
	}

	return nil
}

func (t *TimingConfig) validate() error {
	if t.TimeUnit == 0 {
		t.TimeUnit = defaultTimeUnit
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = defaultConnectTimeout
	}
	if t.ActionTimeout == 0 {
		t.ActionTimeout = defaultActionTimeout
	}
	if t.HeartbeatEvery == nil {
		every := defaultHeartbeatEvery
		t.HeartbeatEvery = &every
	}

	if t.TimeUnit < 0 || t.ConnectTimeout < 0 || t.ActionTimeout < 0 {
		return fmt.Errorf("timing durations must be positive")
	}
	if *t.HeartbeatEvery < 0 {
		return fmt.Errorf("timing.heartbeat_every must be >= 0 (0 = disabled), got %d", *t.HeartbeatEvery)
	}

	return nil
}

// Validate performs validation on a single command
func (c *Command) Validate() error {
	if !commandNamePattern.MatchString(c.Name) {
		return fmt.Errorf("command '%s': name may only contain letters, digits, '-' and '_'", c.Name)
	}

	if protocol.IsReserved(c.Name) {
		return fmt.Errorf("command '%s': name collides with a reserved key", c.Name)
	}

	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return fmt.Errorf("command '%s': argv is required", c.Name)
	}

	return nil
}

// ApplyEnv overrides file settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if url, ok := lookup(EnvStoreURL); ok && url != "" {
		c.Store.URL = url
	}
	if instance, ok := lookup(EnvInstance); ok && instance != "" {
		c.Instance = instance
	}
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set are left alone.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads towerlink.yml from the specified path, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
