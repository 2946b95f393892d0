package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "VISUALFLOW"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "visualflow.db"
	defaultLogLevel      = "info"
	defaultCookieName    = "vf_session"
	defaultEnvironment   = "development"
	productionEnviron    = "production"
	defaultAllowedOrigin = "http://localhost:5173"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	Environment    string
	DatabasePath   string
	LogLevel       string
	SessionIssuer  string
	SessionAud     string
	SessionJWKSURL string
	SessionCookie  string
	AllowedOrigins []string
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
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("cors.allowed_origins", []string{defaultAllowedOrigin})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		Environment:    configViper.GetString("environment"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SessionIssuer:  configViper.GetString("session.issuer"),
		SessionAud:     configViper.GetString("session.audience"),
		SessionJWKSURL: configViper.GetString("session.jwks_url"),
		SessionCookie:  configViper.GetString("session.cookie_name"),
		AllowedOrigins: configViper.GetStringSlice("cors.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// IsProduction reports whether the server runs with production hardening,
// which disables the development header identity fallback.
func (c AppConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), productionEnviron)
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.IsProduction() {
		if strings.TrimSpace(c.SessionIssuer) == "" {
			return fmt.Errorf("session.issuer is required in production")
		}
		if strings.TrimSpace(c.SessionAud) == "" {
			return fmt.Errorf("session.audience is required in production")
		}
		if strings.TrimSpace(c.SessionJWKSURL) == "" {
			return fmt.Errorf("session.jwks_url is required in production")
		}
	}
	return nil
}
