package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fableforge/fableforge/internal/job"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Resource classes for job type requirements.
const (
	ResourceLow    = "low"
	ResourceMedium = "medium"
	ResourceHigh   = "high"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig                `yaml:"server"`
	Database DatabaseConfig              `yaml:"database"`
	RabbitMQ RabbitMQConfig              `yaml:"rabbitmq"`
	Logging  LoggingConfig               `yaml:"logging"`
	App      AppConfig                   `yaml:"app"`
	Engine   EngineConfig                `yaml:"engine"`
	JobTypes map[job.Type]*JobTypeConfig `yaml:"job_types"`
	Tiers    TierConfig                  `yaml:"tiers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds job store connection configuration.
// Driver selects the backend: "postgres" for shared multi-region
// deployments, "sqlite" for embedded single-node ones.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"` // sqlite only
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the optional job event publisher configuration.
// The engine never consumes from RabbitMQ; scheduling stays poll-based.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	Region      string `yaml:"region"`
}

// EngineConfig holds the scheduling and worker policy knobs.
type EngineConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	MaxJobsPerUser    int           `yaml:"max_jobs_per_user"`
	MaxRetries        int           `yaml:"max_retries"`
	BatchSize         int           `yaml:"batch_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RetentionDays     int           `yaml:"retention_days"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	HighLoadThreshold float64       `yaml:"high_load_threshold"`
	AgeBonusCap       float64       `yaml:"age_bonus_cap"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	GenAIBaseURL      string        `yaml:"genai_base_url"`
	GenAIAPIKey       string        `yaml:"genai_api_key"`
}

// JobTypeConfig holds per-type scheduling policy.
type JobTypeConfig struct {
	Priority          float64       `yaml:"priority"`
	ConcurrencyLimit  int           `yaml:"concurrency_limit"`
	EstimatedDuration time.Duration `yaml:"estimated_duration"`
	CPU               string        `yaml:"cpu"`
	Memory            string        `yaml:"memory"`
}

// TierConfig maps tiers to priority bonuses and users to tiers.
type TierConfig struct {
	Bonuses map[string]float64 `yaml:"bonuses"`
	Users   map[string]string  `yaml:"users"`
}

// defaultJobTypes holds the compiled-in per-type policy; YAML entries
// override field-by-field.
func defaultJobTypes() map[job.Type]*JobTypeConfig {
	return map[job.Type]*JobTypeConfig{
		job.TypeScenePlanning: {
			Priority:          6,
			ConcurrencyLimit:  4,
			EstimatedDuration: 45 * time.Second,
			CPU:               ResourceLow,
			Memory:            ResourceLow,
		},
		job.TypeImageGeneration: {
			Priority:          5,
			ConcurrencyLimit:  3,
			EstimatedDuration: 90 * time.Second,
			CPU:               ResourceMedium,
			Memory:            ResourceMedium,
		},
		job.TypeCartoonize: {
			Priority:          5,
			ConcurrencyLimit:  3,
			EstimatedDuration: 2 * time.Minute,
			CPU:               ResourceMedium,
			Memory:            ResourceMedium,
		},
		job.TypeStorybook: {
			Priority:          4,
			ConcurrencyLimit:  2,
			EstimatedDuration: 8 * time.Minute,
			CPU:               ResourceHigh,
			Memory:            ResourceHigh,
		},
		job.TypeAutoStory: {
			Priority:          6,
			ConcurrencyLimit:  4,
			EstimatedDuration: 30 * time.Second,
			CPU:               ResourceLow,
			Memory:            ResourceLow,
		},
	}
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns a configuration with all compiled-in defaults applied.
// Handy for tests and tools that only need the policy accessors.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Engine.MaxConcurrentJobs <= 0 {
		c.Engine.MaxConcurrentJobs = 10
	}
	if c.Engine.MaxJobsPerUser <= 0 {
		c.Engine.MaxJobsPerUser = 2
	}
	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = 5
	}
	if c.Engine.PollInterval <= 0 {
		c.Engine.PollInterval = 10 * time.Second
	}
	if c.Engine.RetentionDays <= 0 {
		c.Engine.RetentionDays = 7
	}
	if c.Engine.LockTTL <= 0 {
		c.Engine.LockTTL = 60 * time.Second
	}
	if c.Engine.HighLoadThreshold <= 0 {
		c.Engine.HighLoadThreshold = 0.8
	}
	if c.Engine.AgeBonusCap <= 0 {
		c.Engine.AgeBonusCap = 5
	}
	if c.Engine.ShutdownTimeout <= 0 {
		c.Engine.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}

	defaults := defaultJobTypes()
	if c.JobTypes == nil {
		c.JobTypes = defaults
	} else {
		for t, def := range defaults {
			tc, ok := c.JobTypes[t]
			if !ok {
				c.JobTypes[t] = def
				continue
			}
			if tc.Priority == 0 {
				tc.Priority = def.Priority
			}
			if tc.ConcurrencyLimit == 0 {
				tc.ConcurrencyLimit = def.ConcurrencyLimit
			}
			if tc.EstimatedDuration == 0 {
				tc.EstimatedDuration = def.EstimatedDuration
			}
			if tc.CPU == "" {
				tc.CPU = def.CPU
			}
			if tc.Memory == "" {
				tc.Memory = def.Memory
			}
		}
	}

	if c.Tiers.Bonuses == nil {
		c.Tiers.Bonuses = map[string]float64{
			"admin":   3,
			"premium": 2,
		}
	}
}

// Priority returns the base priority weight for a job type.
func (c *Config) Priority(t job.Type) float64 {
	if tc, ok := c.JobTypes[t]; ok {
		return tc.Priority
	}
	return 1
}

// ConcurrencyLimit returns the maximum simultaneous jobs of a type.
func (c *Config) ConcurrencyLimit(t job.Type) int {
	if tc, ok := c.JobTypes[t]; ok {
		return tc.ConcurrencyLimit
	}
	return 1
}

// EstimatedDuration returns the expected wall time for a type. Used only
// for stale-slot expiry, never as a hard timeout.
func (c *Config) EstimatedDuration(t job.Type) time.Duration {
	if tc, ok := c.JobTypes[t]; ok {
		return tc.EstimatedDuration
	}
	return time.Minute
}

// TypeConfig returns the resource requirements for a type.
func (c *Config) TypeConfig(t job.Type) *JobTypeConfig {
	if tc, ok := c.JobTypes[t]; ok {
		return tc
	}
	return &JobTypeConfig{
		Priority:          1,
		ConcurrencyLimit:  1,
		EstimatedDuration: time.Minute,
		CPU:               ResourceMedium,
		Memory:            ResourceMedium,
	}
}

// TierBonus returns the priority bonus for the owner of a job, 0 for
// anonymous jobs or users without a tier.
func (c *Config) TierBonus(userID string) float64 {
	if userID == "" {
		return 0
	}
	tier, ok := c.Tiers.Users[userID]
	if !ok {
		return 0
	}
	return c.Tiers.Bonuses[tier]
}

// ValidateAPIConfig checks the fields the API service depends on.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return c.validateShared()
}

// ValidateWorkerConfig checks the fields the worker service depends on.
func (c *Config) ValidateWorkerConfig() error {
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine batch_size must be greater than 0")
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine poll_interval must be greater than 0")
	}
	return c.validateShared()
}

func (c *Config) validateShared() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	for t, tc := range c.JobTypes {
		if !job.ValidType(t) {
			return fmt.Errorf("unknown job type in config: %q", t)
		}
		if tc.ConcurrencyLimit <= 0 {
			return fmt.Errorf("job type %s: concurrency_limit must be greater than 0", t)
		}
	}

	return nil
}
