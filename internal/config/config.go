package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: MAILBRIDGE_SERVER_PORT=9090.
const EnvPrefix = "MAILBRIDGE"

// Config represents the application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Tickets   TicketsConfig   `mapstructure:"tickets"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is memory, postgres, mysql or sqlite3.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addrs       []string      `mapstructure:"addrs"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	ClusterMode bool          `mapstructure:"cluster_mode"`
	PoolSize    int           `mapstructure:"pool_size"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type WebhookConfig struct {
	Secret    string  `mapstructure:"secret"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type ProvidersConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// Support selects the SUPPORT channel: ses or smtp.
	Support string        `mapstructure:"support"`
	SES     SESConfig     `mapstructure:"ses"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Gmail   GmailConfig   `mapstructure:"gmail"`
	Graph   GraphConfig   `mapstructure:"graph"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type SESConfig struct {
	Region string `mapstructure:"region"`
	From   string `mapstructure:"from"`
}

type SMTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	AuthType   string `mapstructure:"auth_type"`
	TLSMode    string `mapstructure:"tls_mode"`
	SkipVerify bool   `mapstructure:"skip_verify"`
	From       string `mapstructure:"from"`
}

type GmailConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type GraphConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

type TicketsConfig struct {
	IDGenerator string `mapstructure:"id_generator"`
	IDLength    int    `mapstructure:"id_length"`
}

// DirectoryConfig seeds organizations and linked accounts into the memory
// driver. SQL drivers read them from their tables and ignore this section.
type DirectoryConfig struct {
	Organizations  []OrganizationSeed  `mapstructure:"organizations"`
	LinkedAccounts []LinkedAccountSeed `mapstructure:"linked_accounts"`
}

type OrganizationSeed struct {
	ID             int64  `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	RoutingAddress string `mapstructure:"routing_address"`
}

type LinkedAccountSeed struct {
	UserID      int64  `mapstructure:"user_id"`
	Provider    string `mapstructure:"provider"`
	Email       string `mapstructure:"email"`
	AccessToken string `mapstructure:"access_token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mailbridge")
	v.SetDefault("app.env", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cluster_mode", false)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "mailbridge:")
	v.SetDefault("redis.cache_ttl", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.rate_limit", 50.0)
	v.SetDefault("webhook.burst", 100)

	v.SetDefault("providers.timeout", 30*time.Second)
	v.SetDefault("providers.support", "ses")
	v.SetDefault("providers.ses.region", "")
	v.SetDefault("providers.ses.from", "")
	v.SetDefault("providers.smtp.host", "")
	v.SetDefault("providers.smtp.port", 587)
	v.SetDefault("providers.smtp.user", "")
	v.SetDefault("providers.smtp.password", "")
	v.SetDefault("providers.smtp.auth_type", "plain")
	v.SetDefault("providers.smtp.tls_mode", "starttls")
	v.SetDefault("providers.smtp.skip_verify", false)
	v.SetDefault("providers.smtp.from", "")
	v.SetDefault("providers.gmail.endpoint", "")
	v.SetDefault("providers.graph.base_url", "")
	v.SetDefault("providers.breaker.enabled", true)
	v.SetDefault("providers.breaker.max_requests", 3)
	v.SetDefault("providers.breaker.interval", time.Minute)
	v.SetDefault("providers.breaker.timeout", 30*time.Second)
	v.SetDefault("providers.breaker.consecutive_failures", 5)

	v.SetDefault("tickets.id_generator", "random")
	v.SetDefault("tickets.id_length", 8)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Manager owns the loaded configuration and swaps it atomically on reload.
type Manager struct {
	v   *viper.Viper
	mu  sync.RWMutex
	cfg *Config
}

// Load reads defaults, then configFile when given, then MAILBRIDGE_* env overrides.
func Load(configFile string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Manager{v: v, cfg: cfg}, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the current configuration (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch reloads the file on change. A config that fails to decode or validate
// is logged and the previous one kept. onChange runs after a successful swap.
func (m *Manager) Watch(logger logrus.FieldLogger, onChange func(*Config)) {
	if m.v.ConfigFileUsed() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		newCfg, err := decode(m.v)
		if err != nil {
			if logger != nil {
				logger.WithError(err).WithField("file", e.Name).Error("config reload failed")
			}
			return
		}
		m.mu.Lock()
		m.cfg = newCfg
		m.mu.Unlock()
		if logger != nil {
			logger.WithField("file", e.Name).Info("configuration reloaded")
		}
		if onChange != nil {
			onChange(newCfg)
		}
	})
	m.v.WatchConfig()
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "memory":
	case "postgres", "mysql", "sqlite3", "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Providers.Support {
	case "ses", "smtp":
	default:
		errs = append(errs, fmt.Errorf("providers.support must be ses or smtp, got %q", c.Providers.Support))
	}
	if c.Providers.Support == "smtp" && c.Providers.SMTP.Host == "" {
		errs = append(errs, errors.New("providers.smtp.host is required when providers.support is smtp"))
	}
	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is required when redis is enabled"))
	}
	if c.Tickets.IDLength < 0 {
		errs = append(errs, fmt.Errorf("tickets.id_length %d must not be negative", c.Tickets.IDLength))
	}
	for i, org := range c.Directory.Organizations {
		if strings.TrimSpace(org.RoutingAddress) == "" {
			errs = append(errs, fmt.Errorf("directory.organizations[%d].routing_address is required", i))
		}
	}
	if c.App.IsProduction() && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required in production"))
	}
	return errors.Join(errs...)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// NewLogger builds the process logger from the logging section.
func (c *LoggingConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
