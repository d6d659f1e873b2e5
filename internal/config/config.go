package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Security SecurityConfig `mapstructure:"security"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	CORS     CORSConfig     `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AuthConfig struct {
	MasterKey string `mapstructure:"master_key"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type BudgetConfig struct {
	// EstimatedRequestCost is the conservative pre-check estimate used
	// before the authoritative usage is known.
	EstimatedRequestCost float64       `mapstructure:"estimated_request_cost"`
	CheckInterval        time.Duration `mapstructure:"check_interval"`
}

type SecurityConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Policy            string        `mapstructure:"policy"` // enforce | monitor | warn
	SyncTimeout       time.Duration `mapstructure:"sync_timeout"`
	AsyncTimeout      time.Duration `mapstructure:"async_timeout"`
	Workers           int           `mapstructure:"workers"`
	AutoKill          bool          `mapstructure:"auto_kill"`
	AutoKillThreshold int           `mapstructure:"auto_kill_threshold"`
	QuarantineKey     string        `mapstructure:"quarantine_key"`

	ThreatFeeds []ThreatFeedConfig `mapstructure:"threat_feeds"`
}

// ThreatFeedConfig points the threat intel detector at one external
// reputation endpoint.
type ThreatFeedConfig struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type UpstreamConfig struct {
	UnaryTimeout  time.Duration `mapstructure:"unary_timeout"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

type JournalConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the ACC_ prefix with
// underscores, e.g. ACC_DATABASE_URL, ACC_SECURITY_POLICY.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/accproxy")
	}

	v.SetEnvPrefix("ACC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 200*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.graceful_shutdown", 30*time.Second)

	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("auth.key_prefix", "acc_")

	v.SetDefault("budget.estimated_request_cost", 0.10)
	v.SetDefault("budget.check_interval", 5*time.Minute)

	v.SetDefault("security.enabled", true)
	v.SetDefault("security.policy", "enforce")
	v.SetDefault("security.sync_timeout", 100*time.Millisecond)
	v.SetDefault("security.async_timeout", 30*time.Second)
	v.SetDefault("security.workers", 4)
	v.SetDefault("security.auto_kill", true)
	v.SetDefault("security.auto_kill_threshold", 80)

	v.SetDefault("upstream.unary_timeout", 120*time.Second)
	v.SetDefault("upstream.stream_timeout", 180*time.Second)

	v.SetDefault("journal.queue_size", 4096)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.max_age", 300)
}

func (c *Config) Validate() error {
	switch c.Security.Policy {
	case "enforce", "monitor", "warn":
	default:
		return fmt.Errorf("invalid security policy %q", c.Security.Policy)
	}
	if c.Budget.EstimatedRequestCost < 0 {
		return fmt.Errorf("estimated request cost must be non-negative")
	}
	if c.Journal.QueueSize <= 0 {
		return fmt.Errorf("journal queue size must be positive")
	}
	return nil
}
