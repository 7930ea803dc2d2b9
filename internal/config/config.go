// Package config loads server configuration with layered precedence
// (flags > env > project file > user file > defaults): a fresh viper.New()
// instance per load, pointed at a YAML file via SetConfigFile, and read
// back with typed Get* accessors rather than Unmarshal into a single
// shared singleton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/keboola/storage-backend/internal/errs"
)

// Config holds the settings the server binary needs to start. Field names
// mirror the env vars they bind to (DATA_DIR, ADMIN_API_KEY, ...).
type Config struct {
	DataDir    string
	AdminAPIKey string
	JWTSecret  []byte

	RESTListenAddr   string
	PGWireListenAddr string

	StatementTimeout time.Duration
	IdleTimeout      time.Duration
	WorkspaceTTL     time.Duration

	LogLevel       string
	TracingEnabled bool

	// Credentials for the external S3-compatible export destination; the
	// destination bucket/key come per-request, these come from deployment.
	ExportS3Endpoint  string
	ExportS3Region    string
	ExportS3AccessKey string
	ExportS3SecretKey string
}

func defaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("rest_listen_addr", ":8080")
	v.SetDefault("pgwire_listen_addr", ":5432")
	v.SetDefault("statement_timeout", "5m")
	v.SetDefault("idle_timeout", "1h")
	v.SetDefault("workspace_ttl", "24h")
	v.SetDefault("log_level", "info")
	v.SetDefault("tracing_enabled", false)
}

// Load reads configuration from, in ascending precedence order: built-in
// defaults, the user config file (~/.storage-backend/config.yaml), the
// project config file named by configPath (skipped when configPath is
// empty), then STORAGE_BACKEND_-prefixed environment variables (plus the
// unprefixed DATA_DIR and ADMIN_API_KEY). It does not read command-line flags; callers using
// cobra apply flag overrides on the returned Config themselves.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	defaults(v)

	if userHome, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(userHome, ".storage-backend", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			v.SetConfigFile(userConfig)
			if err := v.MergeInConfig(); err != nil {
				return nil, errs.Wrap(errs.Internal, "reading user config file", err)
			}
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, fmt.Sprintf("config file %s", configPath), err)
		}
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, errs.Wrap(errs.Internal, "reading project config file", err)
		}
	}

	v.SetEnvPrefix("STORAGE_BACKEND")
	v.AutomaticEnv()
	// DATA_DIR and ADMIN_API_KEY are also read unprefixed; the prefixed name
	// wins when both are set.
	_ = v.BindEnv("data_dir", "STORAGE_BACKEND_DATA_DIR", "DATA_DIR")
	_ = v.BindEnv("admin_api_key", "STORAGE_BACKEND_ADMIN_API_KEY", "ADMIN_API_KEY")

	cfg := &Config{
		DataDir:          v.GetString("data_dir"),
		AdminAPIKey:      v.GetString("admin_api_key"),
		JWTSecret:        []byte(v.GetString("jwt_secret")),
		RESTListenAddr:   v.GetString("rest_listen_addr"),
		PGWireListenAddr: v.GetString("pgwire_listen_addr"),
		StatementTimeout: v.GetDuration("statement_timeout"),
		IdleTimeout:      v.GetDuration("idle_timeout"),
		WorkspaceTTL:     v.GetDuration("workspace_ttl"),
		LogLevel:         v.GetString("log_level"),
		TracingEnabled:   v.GetBool("tracing_enabled"),

		ExportS3Endpoint:  v.GetString("export_s3_endpoint"),
		ExportS3Region:    v.GetString("export_s3_region"),
		ExportS3AccessKey: v.GetString("export_s3_access_key"),
		ExportS3SecretKey: v.GetString("export_s3_secret_key"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serverConfigYAML is the on-disk shape of a server config.yaml, written by
// WriteExample and read back through viper in Load.
type serverConfigYAML struct {
	DataDir          string `yaml:"data_dir"`
	AdminAPIKey      string `yaml:"admin_api_key"`
	JWTSecret        string `yaml:"jwt_secret"`
	RESTListenAddr   string `yaml:"rest_listen_addr"`
	PGWireListenAddr string `yaml:"pgwire_listen_addr"`
	StatementTimeout string `yaml:"statement_timeout"`
	IdleTimeout      string `yaml:"idle_timeout"`
	WorkspaceTTL     string `yaml:"workspace_ttl"`
	LogLevel         string `yaml:"log_level"`
	TracingEnabled   bool   `yaml:"tracing_enabled"`
}

// WriteExample writes a starter config.yaml with every recognised key at its
// default value, for `storagectl config init-server`. Secrets are left empty
// deliberately; the operator fills them in or supplies them via env.
func WriteExample(path string) error {
	example := serverConfigYAML{
		DataDir:          "./data",
		RESTListenAddr:   ":8080",
		PGWireListenAddr: ":5432",
		StatementTimeout: "5m",
		IdleTimeout:      "1h",
		WorkspaceTTL:     "24h",
		LogLevel:         "info",
	}
	out, err := yaml.Marshal(example)
	if err != nil {
		return errs.Wrap(errs.Internal, "encoding example config", err)
	}
	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.Conflict, fmt.Sprintf("%s already exists", path))
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return errs.Wrap(errs.IOFailure, "writing example config", err)
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return errs.New(errs.InvalidArgument, "data_dir must not be empty")
	}
	if len(cfg.JWTSecret) == 0 {
		return errs.New(errs.InvalidArgument, "jwt_secret is required (set STORAGE_BACKEND_JWT_SECRET or jwt_secret in config.yaml)")
	}
	if cfg.StatementTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.WorkspaceTTL <= 0 {
		return errs.New(errs.InvalidArgument, "statement_timeout, idle_timeout and workspace_ttl must be positive durations")
	}
	return nil
}
