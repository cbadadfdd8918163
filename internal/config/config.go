package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr      string `mapstructure:"addr"`
		LogLevel  string `mapstructure:"log_level"`
		LogFormat string `mapstructure:"log_format"` // "console" | "json"
	} `mapstructure:"server"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
		AutoMigrate  bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr            string        `mapstructure:"addr"`
		Password        string        `mapstructure:"password"`
		DB              int           `mapstructure:"db"`
		PoolSize        int           `mapstructure:"pool_size"`
		MinIdleConns    int           `mapstructure:"min_idle_conns"`
		DialTimeout     time.Duration `mapstructure:"dial_timeout"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		OpTimeout       time.Duration `mapstructure:"op_timeout"`
		MaxRetries      int           `mapstructure:"max_retries"`
		MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
		MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
	} `mapstructure:"redis"`

	// Cache TTLs are enforced by redis, not by the resolver.
	Cache struct {
		KeyPrefix   string        `mapstructure:"key_prefix"`
		LookupTTL   time.Duration `mapstructure:"lookup_ttl"`
		ResponseTTL time.Duration `mapstructure:"response_ttl"`
		NegativeTTL time.Duration `mapstructure:"negative_ttl"` // 0 disables negative caching
	} `mapstructure:"cache"`

	Store struct {
		QueryTimeout time.Duration `mapstructure:"query_timeout"`
	} `mapstructure:"store"`

	HTTP struct {
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		BrowserMaxAge  time.Duration `mapstructure:"browser_max_age"`
		CDNMaxAge      time.Duration `mapstructure:"cdn_max_age"`
		RateLimit      int           `mapstructure:"rate_limit"` // per IP per window; 0 disables
		RateWindow     time.Duration `mapstructure:"rate_window"`
	} `mapstructure:"http"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`
}

func Load() Config {
	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	setDefaults(v)
	_ = v.ReadInConfig() // optional; env can fully configure

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("unable to decode config: %w", err))
	}
	validate(&cfg)
	return cfg
}

// setDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db_name", "utm_content")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 2)
	v.SetDefault("postgres.auto_migrate", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "500ms")
	v.SetDefault("redis.read_timeout", "100ms")
	v.SetDefault("redis.write_timeout", "100ms")
	v.SetDefault("redis.op_timeout", "150ms")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.min_retry_backoff", "8ms")
	v.SetDefault("redis.max_retry_backoff", "50ms")

	v.SetDefault("cache.key_prefix", "utmc")
	v.SetDefault("cache.lookup_ttl", "720h")
	v.SetDefault("cache.response_ttl", "720h")
	v.SetDefault("cache.negative_ttl", "0s")

	v.SetDefault("store.query_timeout", "5s")

	v.SetDefault("http.request_timeout", "2s")
	v.SetDefault("http.browser_max_age", "1h")
	v.SetDefault("http.cdn_max_age", "24h")
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.rate_window", "1m")

	v.SetDefault("listener.channel", "campaign_changes")
	v.SetDefault("listener.reconnect_seconds", 5)
}

func validate(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns > c.Postgres.MaxOpenConns {
		c.Postgres.MaxIdleConns = c.Postgres.MaxOpenConns
	}
	if c.Redis.OpTimeout <= 0 {
		c.Redis.OpTimeout = 150 * time.Millisecond
	}
	if c.Redis.MaxRetries < 0 {
		c.Redis.MaxRetries = 0
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "utmc"
	}
	if c.Cache.LookupTTL <= 0 {
		c.Cache.LookupTTL = 30 * 24 * time.Hour
	}
	if c.Cache.ResponseTTL <= 0 {
		c.Cache.ResponseTTL = 30 * 24 * time.Hour
	}
	if c.Cache.NegativeTTL < 0 {
		c.Cache.NegativeTTL = 0
	}
	if c.Store.QueryTimeout <= 0 {
		c.Store.QueryTimeout = 5 * time.Second
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = 2 * time.Second
	}
	if c.HTTP.RateWindow <= 0 {
		c.HTTP.RateWindow = time.Minute
	}
	if c.Listener.Channel == "" {
		c.Listener.Channel = "campaign_changes"
	}
	if c.Listener.ReconnectSeconds <= 0 {
		c.Listener.ReconnectSeconds = 5
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }
