package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver      string        `mapstructure:"driver"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	AdminRole string `mapstructure:"admin_role"`
}

// WorkflowConfig tunes the engine. It is converted into service.Config and
// handed to the engine explicitly.
type WorkflowConfig struct {
	// TokenTTL of zero issues tokens that never expire.
	TokenTTL            time.Duration `mapstructure:"token_ttl"`
	PublicBaseURL       string        `mapstructure:"public_base_url"`
	AutoApprovalEnabled bool          `mapstructure:"auto_approval_enabled"`
	DefaultTokenActions []string      `mapstructure:"default_token_actions"`
}

// CacheConfig holds the staleness bound per reference-data class.
type CacheConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	StepsTTL       time.Duration `mapstructure:"steps_ttl"`
	RolesTTL       time.Duration `mapstructure:"roles_ttl"`
	DepartmentsTTL time.Duration `mapstructure:"departments_ttl"`
	ThresholdsTTL  time.Duration `mapstructure:"thresholds_ttl"`
}

type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MaxRetry         int           `mapstructure:"max_retry"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	PurgeSchedule    string        `mapstructure:"purge_schedule"`
	PurgeRetention   time.Duration `mapstructure:"purge_retention"`
	NotificationsTTL time.Duration `mapstructure:"notifications_ttl"`
}

const envPrefix = "APPROVALS"

// Load reads configuration from defaults, an optional YAML file and
// APPROVALS_* environment variables (highest precedence). A .env file in the
// working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-approval-workflows")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "approvals")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("auth.admin_role", "workflow_admin")

	v.SetDefault("workflow.token_ttl", 72*time.Hour)
	v.SetDefault("workflow.public_base_url", "http://localhost:8086")
	v.SetDefault("workflow.auto_approval_enabled", true)
	v.SetDefault("workflow.default_token_actions", []string{"approved", "rejected"})

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.steps_ttl", 5*time.Minute)
	v.SetDefault("cache.roles_ttl", time.Minute)
	v.SetDefault("cache.departments_ttl", 5*time.Minute)
	v.SetDefault("cache.thresholds_ttl", 5*time.Minute)

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.max_retry", 8)
	v.SetDefault("worker.task_timeout", 30*time.Second)
	v.SetDefault("worker.purge_schedule", "@every 1h")
	v.SetDefault("worker.purge_retention", 30*24*time.Hour)
	v.SetDefault("worker.notifications_ttl", 24*time.Hour)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.Workflow.TokenTTL < 0 {
		return fmt.Errorf("config: workflow.token_ttl must not be negative")
	}
	return nil
}
