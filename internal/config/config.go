package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"offlinegate/internal/cache"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Origin  OriginConfig  `yaml:"origin"`
	Worker  WorkerConfig  `yaml:"worker"`
	Store   StoreConfig   `yaml:"store"`
	Install InstallConfig `yaml:"install"`
	Clients ClientsConfig `yaml:"clients"`
	Admin   AdminConfig   `yaml:"admin"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" env:"OFFLINEGATE_ADDRESS"`
	TLS             TLSConfig     `yaml:"tls"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"OFFLINEGATE_SHUTDOWN_TIMEOUT"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"OFFLINEGATE_TLS_ENABLED"`
	CertFile string `yaml:"certFile" env:"OFFLINEGATE_TLS_CERT_FILE"`
	KeyFile  string `yaml:"keyFile" env:"OFFLINEGATE_TLS_KEY_FILE"`
}

type OriginConfig struct {
	URL                string        `yaml:"url" env:"OFFLINEGATE_ORIGIN"`
	Timeout            time.Duration `yaml:"timeout" env:"OFFLINEGATE_ORIGIN_TIMEOUT"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify" env:"OFFLINEGATE_ORIGIN_INSECURE"`
}

// WorkerConfig describes the version of the shell being deployed.
type WorkerConfig struct {
	Version          string        `yaml:"version" env:"OFFLINEGATE_VERSION"`
	CachePrefix      string        `yaml:"cachePrefix" env:"OFFLINEGATE_CACHE_PREFIX"`
	Scope            string        `yaml:"scope" env:"OFFLINEGATE_SCOPE"`
	Assets           []string      `yaml:"assets" env:"OFFLINEGATE_ASSETS"`
	SkipWaiting      bool          `yaml:"skipWaiting" env:"OFFLINEGATE_SKIP_WAITING"`
	MaxBodyBytes     int64         `yaml:"maxBodyBytes" env:"OFFLINEGATE_MAX_BODY_BYTES"`
	WaitUntilTimeout time.Duration `yaml:"waitUntilTimeout" env:"OFFLINEGATE_WAIT_UNTIL_TIMEOUT"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver" env:"OFFLINEGATE_STORE_DRIVER"`
	Path       string `yaml:"path" env:"OFFLINEGATE_STORE_PATH"`
	MaxEntries int    `yaml:"maxEntries" env:"OFFLINEGATE_STORE_MAX_ENTRIES"`
}

// InstallConfig is the retry policy applied when a version fails to
// install.
type InstallConfig struct {
	MaxAttempts     uint          `yaml:"maxAttempts" env:"OFFLINEGATE_INSTALL_MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initialInterval" env:"OFFLINEGATE_INSTALL_INITIAL_INTERVAL"`
	MaxElapsed      time.Duration `yaml:"maxElapsed" env:"OFFLINEGATE_INSTALL_MAX_ELAPSED"`
}

type ClientsConfig struct {
	CookieName  string        `yaml:"cookieName" env:"OFFLINEGATE_CLIENT_COOKIE"`
	IdleTimeout time.Duration `yaml:"idleTimeout" env:"OFFLINEGATE_CLIENT_IDLE_TIMEOUT"`
}

type AdminConfig struct {
	Enabled    bool     `yaml:"enabled" env:"OFFLINEGATE_ADMIN_ENABLED"`
	AllowCIDRs []string `yaml:"allowCIDRs" env:"OFFLINEGATE_ADMIN_ALLOW_CIDRS"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"OFFLINEGATE_LOG_LEVEL"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and defaults, then validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := Finalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize applies defaults to cfg and validates it. Load calls it after
// reading the file and the environment.
func Finalize(cfg *Config) error {
	cfg.applyDefaults()
	return cfg.Validate()
}

// ApplyEnv overrides fields whose environment variable is set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}

	if cfg.Origin.Timeout <= 0 {
		cfg.Origin.Timeout = 30 * time.Second
	}

	if cfg.Worker.Version == "" {
		cfg.Worker.Version = "v1"
	}
	if cfg.Worker.CachePrefix == "" {
		cfg.Worker.CachePrefix = "orchestrator"
	}
	if cfg.Worker.Scope == "" {
		cfg.Worker.Scope = "/"
	}
	if len(cfg.Worker.Assets) == 0 {
		cfg.Worker.Assets = []string{"/", "/index.html", "/manifest.webmanifest"}
	}
	if cfg.Worker.MaxBodyBytes <= 0 {
		cfg.Worker.MaxBodyBytes = 10 << 20 // 10 MiB
	}
	if cfg.Worker.WaitUntilTimeout <= 0 {
		cfg.Worker.WaitUntilTimeout = 30 * time.Second
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Store.Driver == StoreSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = "offlinegate.db"
	}
	if cfg.Store.MaxEntries <= 0 {
		cfg.Store.MaxEntries = 1000
	}

	if cfg.Install.MaxAttempts == 0 {
		cfg.Install.MaxAttempts = 5
	}
	if cfg.Install.InitialInterval <= 0 {
		cfg.Install.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Install.MaxElapsed <= 0 {
		cfg.Install.MaxElapsed = 2 * time.Minute
	}

	if cfg.Clients.CookieName == "" {
		cfg.Clients.CookieName = "offlinegate_client"
	}
	if cfg.Clients.IdleTimeout <= 0 {
		cfg.Clients.IdleTimeout = 30 * time.Minute
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Origin.URL == "" {
		errs = append(errs, errors.New("origin.url is required"))
	} else if u, err := url.Parse(cfg.Origin.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin.url %q must be an absolute URL", cfg.Origin.URL))
	}

	if !strings.HasPrefix(cfg.Worker.Scope, "/") {
		errs = append(errs, fmt.Errorf("worker.scope %q must start with /", cfg.Worker.Scope))
	}
	if strings.ContainsAny(cfg.Worker.Version, " /") {
		errs = append(errs, fmt.Errorf("worker.version %q must not contain spaces or slashes", cfg.Worker.Version))
	}
	for _, a := range cfg.Worker.Assets {
		if !strings.HasPrefix(a, "/") {
			errs = append(errs, fmt.Errorf("worker.assets entry %q must start with /", a))
		}
	}

	switch cfg.Store.Driver {
	case StoreMemory, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be %q or %q", cfg.Store.Driver, StoreMemory, StoreSQLite))
	}

	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires certFile and keyFile"))
	}

	return errors.Join(errs...)
}

// CacheName is the cache store name for the configured version tag.
func (cfg *Config) CacheName() string {
	return cache.Name(cfg.Worker.CachePrefix, cfg.Worker.Version)
}
