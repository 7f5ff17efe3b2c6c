package lab

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete laboratory configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Session SessionConfig `yaml:"session"`
	Tasks   TasksConfig   `yaml:"tasks"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Server  ServerConfig  `yaml:"server"`
}

// StoreConfig selects and configures the shared record store.
type StoreConfig struct {
	// Backend is "memory", "redis" or "postgres".
	Backend string `yaml:"backend"`

	// Prefix namespaces every key so several laboratories can share one
	// backend.
	Prefix string `yaml:"prefix"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
	Retention   time.Duration `yaml:"retention"`
}

// TasksConfig tunes the task service and worker pool.
type TasksConfig struct {
	Workers  int           `yaml:"workers"`
	TaskTTL  time.Duration `yaml:"task_ttl"`
	JoinStep time.Duration `yaml:"join_step"`
	Lease    time.Duration `yaml:"lease"`
}

// SweeperConfig tunes the expiry sweeper.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	Grace    time.Duration `yaml:"grace"`
}

// ServerConfig configures the authority-facing HTTP server.
type ServerConfig struct {
	Address string `yaml:"address"`

	// CallbackURL is the public base URL users are sent to; the session
	// id is appended.
	CallbackURL string `yaml:"callback_url"`

	// Username and Password are the HTTP Basic credentials the
	// assignment authority uses.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Metrics enables the Prometheus endpoint.
	Metrics bool `yaml:"metrics"`
}

// LoadConfig loads configuration from a file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Prefix == "" {
		cfg.Store.Prefix = "remlab"
	}
	if cfg.Tasks.Workers == 0 {
		cfg.Tasks.Workers = 4
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
}

// Validate checks the configuration for fatal errors. A misconfigured
// store is unrecoverable at runtime, so it fails startup instead.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Server.Username == "" || c.Server.Password == "" {
		return fmt.Errorf("server.username and server.password are required")
	}

	if c.Sweeper.Interval > 0 && c.Session.PollTimeout > 0 &&
		c.Sweeper.Interval > c.Session.PollTimeout/2 {
		return fmt.Errorf("sweeper.interval must be at most half of session.poll_timeout")
	}

	return nil
}
