package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CASEVAULT"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "casevault.db"
	defaultLogLevel          = "info"
	defaultPortalIssuer      = "clinic-portal"
	defaultTokenTTLMinutes   = 30
	defaultLockTTLHours      = 24
	defaultSweepIntervalMins = 15
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	SigningSecret       string
	PortalSigningSecret string
	PortalIssuer        string
	TokenTTL            time.Duration
	LockTTL             time.Duration
	SweepInterval       time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("portal.issuer", defaultPortalIssuer)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("lock.ttl_hours", defaultLockTTLHours)
	configViper.SetDefault("lock.sweep_interval_minutes", defaultSweepIntervalMins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		PortalSigningSecret: configViper.GetString("portal.signing_secret"),
		PortalIssuer:        configViper.GetString("portal.issuer"),
		TokenTTL:            time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LockTTL:             time.Duration(configViper.GetInt("lock.ttl_hours")) * time.Hour,
		SweepInterval:       time.Duration(configViper.GetInt("lock.sweep_interval_minutes")) * time.Minute,
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
	if strings.TrimSpace(c.PortalSigningSecret) == "" {
		return fmt.Errorf("portal.signing_secret is required")
	}
	if strings.TrimSpace(c.PortalIssuer) == "" {
		return fmt.Errorf("portal.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock.ttl_hours must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("lock.sweep_interval_minutes must be positive")
	}
	return nil
}
