package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Typing    TypingConfig    `mapstructure:"typing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Workers   WorkerConfig    `mapstructure:"workers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string             `mapstructure:"addr"`
	NodeID          string             `mapstructure:"node_id"`
	Mode            string             `mapstructure:"mode"`
	AllowedOrigins  []string           `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration      `mapstructure:"shutdown_timeout"`
	SendBuffer      int                `mapstructure:"send_buffer"`
	MaxMessageSize  int64              `mapstructure:"max_message_size"`
	WebTransport    WebTransportConfig `mapstructure:"webtransport"`
}

type WebTransportConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	CertFile        string        `mapstructure:"cert_file"`
	KeyFile         string        `mapstructure:"key_file"`
	MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RequireToken    bool          `mapstructure:"require_token"`
	ProfileCacheTTL time.Duration `mapstructure:"profile_cache_ttl"`
	ResolveTimeout  time.Duration `mapstructure:"resolve_timeout"`
}

type ChatConfig struct {
	FlushDelay       time.Duration `mapstructure:"flush_delay"`
	MaxQueue         int           `mapstructure:"max_queue"`
	Shards           int           `mapstructure:"shards"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	MaxContentLength int           `mapstructure:"max_content_length"`
}

type TypingConfig struct {
	TTL   time.Duration `mapstructure:"ttl"`
	Tick  time.Duration `mapstructure:"tick"`
	Slots int           `mapstructure:"slots"`
}

type RateLimitConfig struct {
	Backend       string        `mapstructure:"backend"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Connection    LimitClass    `mapstructure:"connection"`
	Message       LimitClass    `mapstructure:"message"`
}

type LimitClass struct {
	Window  time.Duration `mapstructure:"window"`
	Ceiling int           `mapstructure:"ceiling"`
}

type NotifyConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Channel       string        `mapstructure:"channel"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	DeadLetterMax int64         `mapstructure:"dead_letter_max"`
	Retry         RetryConfig   `mapstructure:"retry"`
	Push          GatewayConfig `mapstructure:"push"`
	Email         GatewayConfig `mapstructure:"email"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type GatewayConfig struct {
	URL        string        `mapstructure:"url"`
	Credential string        `mapstructure:"credential"`
	From       string        `mapstructure:"from"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	Burst      int           `mapstructure:"burst"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int32         `mapstructure:"max_open_conns"`
	MaxIdleConns    int32         `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds a postgres connection string for pgxpool.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
}

type WorkerConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the yaml file at path (optional), applies defaults and then the
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.max_message_size", 64*1024)
	v.SetDefault("server.webtransport.enabled", false)
	v.SetDefault("server.webtransport.addr", ":4433")
	v.SetDefault("server.webtransport.max_idle_timeout", 60*time.Second)
	v.SetDefault("server.webtransport.keep_alive_period", 15*time.Second)

	v.SetDefault("heartbeat.interval", 30*time.Second)

	v.SetDefault("auth.require_token", false)
	v.SetDefault("auth.profile_cache_ttl", 5*time.Minute)
	v.SetDefault("auth.resolve_timeout", 5*time.Second)

	v.SetDefault("chat.flush_delay", 50*time.Millisecond)
	v.SetDefault("chat.max_queue", 256)
	v.SetDefault("chat.shards", 8)
	v.SetDefault("chat.store_timeout", 5*time.Second)
	v.SetDefault("chat.max_content_length", 4000)

	v.SetDefault("typing.ttl", 3*time.Second)
	v.SetDefault("typing.tick", 100*time.Millisecond)
	v.SetDefault("typing.slots", 64)

	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.sweep_interval", 30*time.Second)
	v.SetDefault("rate_limit.connection.window", 60*time.Second)
	v.SetDefault("rate_limit.connection.ceiling", 60)
	v.SetDefault("rate_limit.message.window", 10*time.Second)
	v.SetDefault("rate_limit.message.ceiling", 30)

	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.channel", "notification_inserted")
	v.SetDefault("notify.workers", 8)
	v.SetDefault("notify.queue_size", 64)
	v.SetDefault("notify.dedup_ttl", 24*time.Hour)
	v.SetDefault("notify.dead_letter_max", 10000)
	v.SetDefault("notify.retry.max_attempts", 3)
	v.SetDefault("notify.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("notify.retry.max_delay", 10*time.Second)
	v.SetDefault("notify.push.timeout", 10*time.Second)
	v.SetDefault("notify.push.rate_per_sec", 50.0)
	v.SetDefault("notify.push.burst", 10)
	v.SetDefault("notify.email.timeout", 10*time.Second)
	v.SetDefault("notify.email.rate_per_sec", 5.0)
	v.SetDefault("notify.email.burst", 5)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "civic")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.subject_prefix", "civic.realtime")

	v.SetDefault("workers.size", 16)
	v.SetDefault("workers.queue_size", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyEnv lets the platform-wide variable names override the file, the same
// names the rest of the deployment already exports.
func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("REALTIME_ADDR", c.Server.Addr)
	c.Server.NodeID = getEnv("NODE_ID", c.Server.NodeID)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)

	c.Database.Host = getEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.User = getEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = getEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("POSTGRES_DB", c.Database.Name)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	c.Notify.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.Notify.PublicBaseURL)
	c.Notify.Push.Credential = getEnv("PUSH_GATEWAY_TOKEN", c.Notify.Push.Credential)
	c.Notify.Email.Credential = getEnv("EMAIL_API_KEY", c.Notify.Email.Credential)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Heartbeat.Interval <= 0:
		return fmt.Errorf("heartbeat.interval must be positive")
	case c.Chat.FlushDelay <= 0:
		return fmt.Errorf("chat.flush_delay must be positive")
	case c.Chat.MaxQueue <= 0 || c.Chat.Shards <= 0:
		return fmt.Errorf("chat.max_queue and chat.shards must be positive")
	case c.Typing.TTL <= 0 || c.Typing.Tick <= 0 || c.Typing.Slots <= 0:
		return fmt.Errorf("typing.ttl, typing.tick and typing.slots must be positive")
	case c.Typing.Tick > c.Typing.TTL:
		return fmt.Errorf("typing.tick must not exceed typing.ttl")
	case c.RateLimit.Backend != "memory" && c.RateLimit.Backend != "redis":
		return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	case c.RateLimit.Connection.Window <= 0 || c.RateLimit.Connection.Ceiling <= 0:
		return fmt.Errorf("rate_limit.connection needs a positive window and ceiling")
	case c.RateLimit.Message.Window <= 0 || c.RateLimit.Message.Ceiling <= 0:
		return fmt.Errorf("rate_limit.message needs a positive window and ceiling")
	case c.Notify.Workers <= 0 || c.Notify.Retry.MaxAttempts <= 0:
		return fmt.Errorf("notify.workers and notify.retry.max_attempts must be positive")
	case c.Auth.RequireToken && c.Auth.JWTSecret == "":
		return fmt.Errorf("auth.require_token needs auth.jwt_secret")
	}
	return nil
}
