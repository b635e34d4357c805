package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultGracePeriod bounds the wait between SIGTERM and SIGKILL when
	// cancelling a job's process group
	DefaultGracePeriod = 5 * time.Second
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Archive ArchiveConfig `yaml:"archive"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
	App     AppConfig     `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig holds job engine configuration
type EngineConfig struct {
	GracePeriod      time.Duration   `yaml:"grace_period"`
	MaxActiveJobs    int             `yaml:"max_active_jobs"`
	ProtectedTargets []string        `yaml:"protected_targets"`
	JobTypes         []JobTypeConfig `yaml:"job_types"`
}

// JobTypeConfig describes one registered job type. A type with a
// diff_command pauses for approval between the diff and the main command.
type JobTypeConfig struct {
	Name        string   `yaml:"name"`
	Command     []string `yaml:"command"`
	DiffCommand []string `yaml:"diff_command"`
	WorkDir     string   `yaml:"work_dir"`
}

// ArchiveConfig holds the optional terminal-job archive (PostgreSQL)
type ArchiveConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// EventsConfig holds the optional lifecycle event publisher (RabbitMQ)
type EventsConfig struct {
	Enabled        bool           `yaml:"enabled"`
	PublishTimeout time.Duration  `yaml:"publish_timeout"`
	RabbitMQ       RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
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

func (c *Config) applyDefaults() {
	if c.Engine.GracePeriod <= 0 {
		c.Engine.GracePeriod = DefaultGracePeriod
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if len(c.Engine.JobTypes) == 0 {
		return fmt.Errorf("at least one job type is required")
	}

	seen := make(map[string]bool)
	for _, jt := range c.Engine.JobTypes {
		if jt.Name == "" {
			return fmt.Errorf("job type name is required")
		}
		if seen[jt.Name] {
			return fmt.Errorf("duplicate job type: %s", jt.Name)
		}
		seen[jt.Name] = true

		if len(jt.Command) == 0 {
			return fmt.Errorf("job type %s: command is required", jt.Name)
		}
	}

	if c.Engine.MaxActiveJobs < 0 {
		return fmt.Errorf("max_active_jobs must not be negative")
	}

	if c.Archive.Enabled {
		db := c.Archive.Database
		if db.Host == "" {
			return fmt.Errorf("archive database host is required")
		}
		if db.Port < MinPort || db.Port > MaxPort {
			return fmt.Errorf("invalid archive database port: %d (must be between %d and %d)", db.Port, MinPort, MaxPort)
		}
		if db.Database == "" {
			return fmt.Errorf("archive database name is required")
		}
	}

	if c.Events.Enabled {
		mq := c.Events.RabbitMQ
		if mq.Host == "" {
			return fmt.Errorf("events rabbitmq host is required")
		}
		if mq.Port < MinPort || mq.Port > MaxPort {
			return fmt.Errorf("invalid events rabbitmq port: %d (must be between %d and %d)", mq.Port, MinPort, MaxPort)
		}
		if mq.Exchange.Name == "" {
			return fmt.Errorf("events rabbitmq exchange name is required")
		}
	}

	return nil
}
