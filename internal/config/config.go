// Package config resolves the relay configuration from defaults, an optional
// YAML file, an optional .env file and the process environment, in that
// order of precedence.
package config

import (
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const TextCodeInvalid = "CONFIG_INVALID"

// Store backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	WebhookURL        string `mapstructure:"webhook_url"`
	Port              int    `mapstructure:"port"`
	DataDir           string `mapstructure:"data_dir"`
	StoreBackend      string `mapstructure:"store_backend"`
	DatabaseDSN       string `mapstructure:"database_dsn"`
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db"`
	RedisPrefix       string `mapstructure:"redis_prefix"`
	BridgeAddr        string `mapstructure:"bridge_addr"`
	DestinationPrefix string `mapstructure:"destination_prefix"`
	DrainIntervalMS   int    `mapstructure:"drain_interval_ms"`
	WebhookTimeoutMS  int    `mapstructure:"webhook_timeout_ms"`
	WebhookTLSCA      string `mapstructure:"webhook_tls_ca"`
	WebhookTLSCert    string `mapstructure:"webhook_tls_cert"`
	WebhookTLSKey     string `mapstructure:"webhook_tls_key"`
	Debug             bool   `mapstructure:"debug"`
	LogFormat         string `mapstructure:"log_format"`
}

// Defaults returns the configuration used for every unset key.
func Defaults() Config {
	return Config{
		Port:              3000,
		DataDir:           ".",
		StoreBackend:      BackendFile,
		RedisAddr:         "localhost:6379",
		RedisPrefix:       "webhookrelay",
		BridgeAddr:        "127.0.0.1:7000",
		DestinationPrefix: "972",
		DrainIntervalMS:   30000,
		WebhookTimeoutMS:  5000,
		LogFormat:         "text",
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.WebhookURL) == "" {
		return invalid("webhook_url is required")
	}
	u, err := url.Parse(c.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("webhook_url must be an absolute http(s) url")
	}
	if c.Port < 1 || c.Port > 65535 {
		return invalid("port must be between 1 and 65535")
	}
	switch c.StoreBackend {
	case BackendFile:
		if strings.TrimSpace(c.DataDir) == "" {
			return invalid("data_dir is required for the file backend")
		}
	case BackendSQLite, BackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return invalid("database_dsn is required for the " + c.StoreBackend + " backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return invalid("redis_addr is required for the redis backend")
		}
	default:
		return invalid("unknown store_backend " + c.StoreBackend)
	}
	if c.DrainIntervalMS <= 0 {
		return invalid("drain_interval_ms must be positive")
	}
	if c.WebhookTimeoutMS <= 0 {
		return invalid("webhook_timeout_ms must be positive")
	}
	if (c.WebhookTLSCert == "") != (c.WebhookTLSKey == "") {
		return invalid("webhook_tls_cert and webhook_tls_key must be set together")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid("log_format must be text or json")
	}
	return nil
}

func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalMS) * time.Millisecond
}

func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutMS) * time.Millisecond
}

func invalid(msg string) error {
	return goerrors.New("config: "+msg, goerrors.CategoryBadInput).
		WithTextCode(TextCodeInvalid)
}
