package config

import (
	"bytes"
	_ "embed"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig      `mapstructure:"http"`
	Log        LogConfig       `mapstructure:"log"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Delivery   DeliveryConfig  `mapstructure:"delivery"`
	Retry      RetryConfig     `mapstructure:"retry"`
	Intake     IntakeConfig    `mapstructure:"intake"`
	Cache      CacheConfig     `mapstructure:"cache"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	EventsTopic    string   `mapstructure:"events_topic"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type DeliveryConfig struct {
	UserAgent                    string        `mapstructure:"user_agent"`
	MaxResponseBodyBytes         int64         `mapstructure:"max_response_body_bytes"`
	DefaultMaxRetries            int           `mapstructure:"default_max_retries"`
	DefaultRetryBaseDelaySeconds int           `mapstructure:"default_retry_base_delay_seconds"`
	DefaultTimeoutSeconds        int           `mapstructure:"default_timeout_seconds"`
	Breaker                      BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type RetryConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	WorkerID      string        `mapstructure:"worker_id"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

type IntakeConfig struct {
	Workers int `mapstructure:"workers"`
}

type CacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// Policy returns the subscription defaults configured under delivery.*.
func (c Config) Policy() model.Policy {
	p := model.DefaultPolicy()
	if c.Delivery.DefaultMaxRetries >= 0 {
		p.MaxRetries = c.Delivery.DefaultMaxRetries
	}
	if c.Delivery.DefaultRetryBaseDelaySeconds > 0 {
		p.RetryBaseDelaySeconds = c.Delivery.DefaultRetryBaseDelaySeconds
	}
	if c.Delivery.DefaultTimeoutSeconds > 0 {
		p.TimeoutSeconds = c.Delivery.DefaultTimeoutSeconds
	}
	return p
}

// BreakerOpenFor is the breaker cool-down as a duration.
func (c Config) BreakerOpenFor() time.Duration {
	return time.Duration(c.Delivery.Breaker.OpenForMs) * time.Millisecond
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (WHGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	// env override (WHGW_MYSQL_DSN -> mysql.dsn)
	v.SetEnvPrefix("WHGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
