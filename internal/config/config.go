// Package config loads the server binary configuration from a YAML file
// and environment variables.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the top-level binary configuration
type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Google  GoogleConfig  `yaml:"google"`
	Audit   AuditConfig   `yaml:"audit"`
}

// HTTPConfig configures the HTTP listener
type HTTPConfig struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ServerURL       string        `yaml:"server_url" env:"SERVER_URL" env-default:"http://localhost:8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"10s"`
	TrustProxy      bool          `yaml:"trust_proxy" env:"TRUST_PROXY" env-default:"false"`
	TrustedProxies  int           `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" env-default:"0"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	// Backend is "memory" or "valkey"
	Backend string `yaml:"backend" env:"STORAGE_BACKEND" env-default:"memory"`

	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the Valkey backend
type ValkeyConfig struct {
	Address   string `yaml:"address" env:"VALKEY_ADDRESS" env-default:"localhost:6379"`
	Password  string `yaml:"password" env:"VALKEY_PASSWORD"`
	DB        int    `yaml:"db" env:"VALKEY_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"VALKEY_KEY_PREFIX" env-default:"bridge:"`
}

// OAuthConfig tunes token lifetimes and throttling
type OAuthConfig struct {
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl" env-default:"1h"`
	AuthCodeTTL        time.Duration `yaml:"auth_code_ttl" env-default:"10m"`
	RateLimitPerSecond int           `yaml:"rate_limit_per_second" env-default:"10"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" env-default:"20"`
	DisableRateLimit   bool          `yaml:"disable_rate_limit" env-default:"false"`
}

// GoogleConfig configures the Google identity provider. When ClientID is
// empty the binary falls back to the mock provider, which is only suitable
// for local development.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"GOOGLE_CLIENT_SECRET"`
	RedirectURL  string `yaml:"redirect_url" env:"GOOGLE_REDIRECT_URL"`
}

// AuditConfig toggles security audit logging
type AuditConfig struct {
	Enabled bool `yaml:"enabled" env:"AUDIT_ENABLED" env-default:"true"`
}

// MustLoad loads configuration or exits. The config path comes from the
// -config flag or the CONFIG_PATH environment variable; when neither is
// set, configuration is read from environment variables alone.
func MustLoad() *Config {
	path := fetchConfigPath()

	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			panic("config file does not exist: " + path)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			panic("failed to read config: " + err.Error())
		}
		return &cfg
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		panic("failed to read config from environment: " + err.Error())
	}
	return &cfg
}

// fetchConfigPath fetches the config path from the command line flag or the
// CONFIG_PATH environment variable. Flag takes priority.
func fetchConfigPath() string {
	var path string

	flag.StringVar(&path, "config", "", "path to config file")
	flag.Parse()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	return path
}
