// Package config loads and validates the service configuration from
// YAML files and NETMARK_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidPort       = errors.New("port must be between 0 and 65535")
	ErrInvalidLogLevel   = errors.New("unknown log level")
	ErrMissingGateway    = errors.New("gateway.endpoint is required")
	ErrInvalidGatewayURL = errors.New("gateway.endpoint is not a valid URL")
	ErrConnectorNoType   = errors.New("connector entry has no type")
	ErrIncompleteTLS     = errors.New("tls requires both cert_file and key_file")
	ErrMissingDatabase   = errors.New("database configuration is required")
)

// Config is the validated runtime configuration shared by the server
// subsystems. Build one through Load; the zero value is not usable.
type Config struct {
	Global     Global
	Server     Server
	Gateway    Gateway
	Database   Database
	Blackboard Blackboard
	Auth       Auth
	Compiler   Compiler
	Experiment Experiment
	Watcher    Watcher
	Cleanup    Cleanup
	Connectors map[string]Connector
	Agent      Agent

	// ConfigPath is the file the configuration was read from, empty
	// when only defaults and environment were used.
	ConfigPath string

	// Warnings collected while resolving the configuration. They are
	// logged once at startup.
	Warnings []string
}

type Global struct {
	Debug     bool
	LogLevel  slog.Level
	LogFormat string
	Quiet     bool
}

type Server struct {
	Host string
	Port int
	TLS  *TLS
}

// Addr returns the host:port bind address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type TLS struct {
	CertFile string
	KeyFile  string
}

type Gateway struct {
	// Endpoint advertised to executors.
	Endpoint string
}

type Database struct {
	DSN      string
	Endpoint string
	User     string
	Password string
	DB       string
}

// ConnString returns the pgx connection string, preferring an explicit
// DSN over the assembled endpoint fields.
func (d Database) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   d.Endpoint,
		Path:   "/" + d.DB,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String()
}

type Blackboard struct {
	Endpoint string
	Password string
	DB       int
}

type Auth struct {
	Endpoint  string
	CacheTTL  time.Duration
	CacheSize int
}

// Enabled reports whether an external validator is configured.
func (a Auth) Enabled() bool { return a.Endpoint != "" }

type Compiler struct {
	Registry string
}

type Experiment struct {
	KeepaliveTimeout time.Duration
	PreparingTimeout time.Duration
}

type Watcher struct {
	// PollInterval is the RUNNING-phase liveness tick.
	PollInterval time.Duration

	// ReadyPollInterval is the READY-phase start-detection tick.
	ReadyPollInterval time.Duration

	// DiscoveryInterval is how often the watcher looks for experiments
	// without a live watch loop.
	DiscoveryInterval time.Duration

	// LeaseInterval is the node-lease table refresh cadence.
	LeaseInterval time.Duration
}

type Cleanup struct {
	Interval time.Duration
}

// Connector is one resolved connector declaration. Settings are the
// merge of the connector's config file and inline overrides.
type Connector struct {
	Name            string
	Type            string
	Enabled         bool
	Settings        map[string]any
	GatewayEndpoint string
}

type Agent struct {
	GraphFile         string
	HeartbeatInterval time.Duration
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}
	if c.Server.TLS != nil && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return ErrIncompleteTLS
	}
	if c.Gateway.Endpoint == "" {
		return ErrMissingGateway
	}
	if u, err := url.Parse(c.Gateway.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidGatewayURL, c.Gateway.Endpoint)
	}
	if c.Database.DSN == "" && c.Database.Endpoint == "" {
		return ErrMissingDatabase
	}
	for name, connector := range c.Connectors {
		if connector.Type == "" {
			return fmt.Errorf("%w: %q", ErrConnectorNoType, name)
		}
	}
	return nil
}

// parseLogLevel maps the configuration names onto slog levels.
// WARNING and CRITICAL are accepted alongside the slog spellings.
func parseLogLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR", "CRITICAL":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, name)
	}
}
