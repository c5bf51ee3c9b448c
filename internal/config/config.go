package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Backend names accepted by SAMSUB_BACKEND.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DevTokenSecret is used when SAMSUB_TOKEN_SECRET is unset.
// Override it in any shared deployment.
const DevTokenSecret = "dev-secret-change-in-production"

// Server captures daemon configuration.
type Server struct {
	DataDir     string        `env:"SAMSUB_DATA_DIR" envDefault:"./data"`
	Backend     string        `env:"SAMSUB_BACKEND" envDefault:"file"`
	Port        string        `env:"SAMSUB_PORT" envDefault:"7001"`
	HTTPPort    string        `env:"SAMSUB_HTTP_PORT" envDefault:"7002"`
	DisableTLS  bool          `env:"SAMSUB_DISABLE_TLS" envDefault:"false"`
	TokenSecret string        `env:"SAMSUB_TOKEN_SECRET" envDefault:"dev-secret-change-in-production"`
	TokenTTL    time.Duration `env:"SAMSUB_TOKEN_TTL" envDefault:"24h"`
	// Owner, when set, initializes an uninitialized registry at startup.
	Owner     string `env:"SAMSUB_OWNER"`
	LogLevel  string `env:"SAMSUB_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SAMSUB_LOG_FORMAT" envDefault:"json"`
}

// Client captures CLI and SDK configuration.
type Client struct {
	Addr        string        `env:"SAMSUB_STORE_ADDR" envDefault:"localhost:7001"`
	Token       string        `env:"SAMSUB_TOKEN"`
	TokenSecret string        `env:"SAMSUB_TOKEN_SECRET" envDefault:"dev-secret-change-in-production"`
	TokenTTL    time.Duration `env:"SAMSUB_TOKEN_TTL" envDefault:"24h"`
	DisableTLS  bool          `env:"SAMSUB_DISABLE_TLS" envDefault:"false"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// FromEnv builds and validates a Server config so main stays lean.
func FromEnv() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// ClientFromEnv builds a Client config.
func ClientFromEnv() (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot start with.
func (s *Server) Validate() error {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	switch s.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", s.Backend, BackendFile, BackendSQLite)
	}
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("data dir is required")
	}
	if strings.TrimSpace(s.TokenSecret) == "" {
		return fmt.Errorf("token secret is required")
	}
	switch strings.ToLower(s.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", s.LogFormat)
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}
