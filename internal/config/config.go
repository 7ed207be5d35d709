package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DATENIGHT"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "datenight.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultTokenTTL          = 24 * time.Hour
	defaultPollInterval      = 1500 * time.Millisecond
	defaultBroadcastInterval = 45 * time.Millisecond
	defaultPresenceTTL       = 30 * time.Second
	defaultShareBaseURL      = "http://localhost:8080/join"
	minimumBroadcastInterval = 10 * time.Millisecond
	minimumPollInterval      = 250 * time.Millisecond
	DatabaseDriverSQLite     = "sqlite"
	DatabaseDriverPostgres   = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseURL       string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	TokenTTL          time.Duration
	RedisAddress      string
	PresenceTTL       time.Duration
	PollInterval      time.Duration
	BroadcastInterval time.Duration
	CatalogPath       string
	ShareBaseURL      string
	AllowedOrigins    []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("redis.presence_ttl", defaultPresenceTTL)
	configViper.SetDefault("realtime.poll_interval", defaultPollInterval)
	configViper.SetDefault("realtime.broadcast_interval", defaultBroadcastInterval)
	configViper.SetDefault("share.base_url", defaultShareBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseURL:       configViper.GetString("database.url"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		PresenceTTL:       configViper.GetDuration("redis.presence_ttl"),
		PollInterval:      configViper.GetDuration("realtime.poll_interval"),
		BroadcastInterval: configViper.GetDuration("realtime.broadcast_interval"),
		CatalogPath:       strings.TrimSpace(configViper.GetString("catalog.path")),
		ShareBaseURL:      strings.TrimSpace(configViper.GetString("share.base_url")),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.PollInterval < minimumPollInterval {
		return fmt.Errorf("realtime.poll_interval must be at least %s", minimumPollInterval)
	}
	if c.BroadcastInterval < minimumBroadcastInterval {
		return fmt.Errorf("realtime.broadcast_interval must be at least %s", minimumBroadcastInterval)
	}
	if c.RedisAddress != "" && c.PresenceTTL <= 0 {
		return fmt.Errorf("redis.presence_ttl must be positive when redis.address is set")
	}
	if c.ShareBaseURL == "" {
		return fmt.Errorf("share.base_url is required")
	}
	return nil
}
