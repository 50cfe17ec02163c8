package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/netmark-org/netmark/internal/build"
)

// Load reads the configuration through a fresh loader.
func Load(opts ...LoaderOption) (*Config, error) {
	loader := NewLoader(opts...)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Loader reads and merges configuration from the config file, the
// environment and built-in defaults.
type Loader struct {
	lock       sync.Mutex
	v          *viper.Viper
	configFile string
	warnings   []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile pins the configuration file instead of searching the
// default locations.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) { l.configFile = configFile }
}

// NewLoader creates a Loader and applies the options.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{v: viper.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load initializes viper, reads the configuration file when present,
// and builds the validated Config.
func (l *Loader) Load() (*Config, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.setupViper()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var def Definition
	if err := l.v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = l.v.ConfigFileUsed()
	cfg.Warnings = l.warnings
	return cfg, nil
}

func (l *Loader) setupViper() {
	if l.configFile == "" {
		l.v.AddConfigPath(DefaultConfigDir())
		l.v.SetConfigName("config")
	} else {
		l.v.SetConfigFile(l.configFile)
	}
	l.v.SetConfigType("yaml")

	l.v.SetEnvPrefix(strings.ToUpper(build.Slug))
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.bindEnvironmentVariables()
	l.setDefaultValues()
}

// DefaultConfigDir returns the directory searched for config.yaml,
// following the XDG convention.
func DefaultConfigDir() string {
	return filepath.Join(xdg.ConfigHome, build.Slug)
}

func (l *Loader) setDefaultValues() {
	l.v.SetDefault("host", "127.0.0.1")
	l.v.SetDefault("port", 26512)
	l.v.SetDefault("debug", false)

	l.v.SetDefault("log.level", "INFO")
	l.v.SetDefault("log.format", "text")

	l.v.SetDefault("gateway.endpoint", "http://127.0.0.1:26512")

	l.v.SetDefault("database.endpoint", "127.0.0.1:5432")
	l.v.SetDefault("database.user", build.Slug)
	l.v.SetDefault("database.db", build.Slug)

	l.v.SetDefault("blackboard.endpoint", "127.0.0.1:6379")
	l.v.SetDefault("blackboard.db", 0)

	l.v.SetDefault("auth.cache_ttl", "60s")
	l.v.SetDefault("auth.cache_size", 1024)

	l.v.SetDefault("experiment.keepalive_timeout_minutes", 10)
	l.v.SetDefault("experiment.preparing_timeout_hours", 24)

	l.v.SetDefault("watcher.poll_interval", "30s")
	l.v.SetDefault("watcher.ready_poll_interval", "5s")
	l.v.SetDefault("watcher.discovery_interval", "5s")
	l.v.SetDefault("watcher.lease_interval", "10s")

	l.v.SetDefault("cleanup.interval", "5m")

	l.v.SetDefault("agent.graph_file", build.Slug+".graph")
	l.v.SetDefault("agent.heartbeat_interval", "30s")
}

func (l *Loader) bindEnvironmentVariables() {
	l.bindEnv("host", "HOST")
	l.bindEnv("port", "PORT")
	l.bindEnv("debug", "DEBUG")

	l.bindEnv("log.level", "LOG_LEVEL")
	l.bindEnv("log.format", "LOG_FORMAT")
	l.bindEnv("log.quiet", "LOG_QUIET")

	l.bindEnv("tls.cert_file", "CERT_FILE")
	l.bindEnv("tls.key_file", "KEY_FILE")

	l.bindEnv("gateway.endpoint", "GATEWAY_ENDPOINT")

	l.bindEnv("database.dsn", "DATABASE_DSN")
	l.bindEnv("database.endpoint", "DATABASE_ENDPOINT")
	l.bindEnv("database.user", "DATABASE_USER")
	l.bindEnv("database.password", "DATABASE_PASSWORD")
	l.bindEnv("database.db", "DATABASE_DB")

	l.bindEnv("blackboard.endpoint", "BLACKBOARD_ENDPOINT")
	l.bindEnv("blackboard.password", "BLACKBOARD_PASSWORD")
	l.bindEnv("blackboard.db", "BLACKBOARD_DB")

	l.bindEnv("auth.endpoint", "AUTH_ENDPOINT")

	l.bindEnv("compiler.registry", "COMPILER_REGISTRY")

	l.bindEnv("experiment.keepalive_timeout_minutes", "KEEPALIVE_TIMEOUT_MINUTES")
	l.bindEnv("experiment.preparing_timeout_hours", "PREPARING_TIMEOUT_HOURS")

	l.bindEnv("agent.graph_file", "GRAPH_FILE")
	l.bindEnv("agent.heartbeat_interval", "HEARTBEAT_INTERVAL")
}

func (l *Loader) bindEnv(key, env string) {
	prefix := strings.ToUpper(build.Slug) + "_"
	_ = l.v.BindEnv(key, prefix+env)
}

func (l *Loader) buildConfig(def Definition) (*Config, error) {
	cfg := &Config{
		Server:     Server{Host: def.Host, Port: def.Port},
		Connectors: map[string]Connector{},
	}

	logDef := def.Log
	if logDef == nil {
		logDef = &LogDef{}
	}
	level, err := parseLogLevel(logDef.Level)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("%v, falling back to INFO", err))
	}
	cfg.Global = Global{
		Debug:     def.Debug,
		LogLevel:  level,
		LogFormat: logDef.Format,
		Quiet:     logDef.Quiet,
	}

	if def.TLS != nil {
		cfg.Server.TLS = &TLS{CertFile: def.TLS.CertFile, KeyFile: def.TLS.KeyFile}
	}
	if def.Gateway != nil {
		cfg.Gateway.Endpoint = strings.TrimRight(def.Gateway.Endpoint, "/")
	}
	if def.Database != nil {
		cfg.Database = Database(*def.Database)
	}
	if def.Blackboard != nil {
		cfg.Blackboard = Blackboard(*def.Blackboard)
	}

	cfg.Auth = Auth{CacheTTL: time.Minute, CacheSize: 1024}
	if def.Auth != nil {
		cfg.Auth.Endpoint = def.Auth.Endpoint
		if ttl := l.parseDuration("auth.cache_ttl", def.Auth.CacheTTL); ttl > 0 {
			cfg.Auth.CacheTTL = ttl
		}
		if def.Auth.CacheSize > 0 {
			cfg.Auth.CacheSize = def.Auth.CacheSize
		}
	}

	if def.Compiler != nil {
		cfg.Compiler.Registry = def.Compiler.Registry
	}

	cfg.Experiment = Experiment{
		KeepaliveTimeout: 10 * time.Minute,
		PreparingTimeout: 24 * time.Hour,
	}
	if def.Experiment != nil {
		if def.Experiment.KeepaliveTimeoutMinutes > 0 {
			cfg.Experiment.KeepaliveTimeout = time.Duration(def.Experiment.KeepaliveTimeoutMinutes) * time.Minute
		}
		if def.Experiment.PreparingTimeoutHours > 0 {
			cfg.Experiment.PreparingTimeout = time.Duration(def.Experiment.PreparingTimeoutHours) * time.Hour
		}
	}

	cfg.Watcher = Watcher{
		PollInterval:      30 * time.Second,
		ReadyPollInterval: 5 * time.Second,
		DiscoveryInterval: 5 * time.Second,
		LeaseInterval:     10 * time.Second,
	}
	if def.Watcher != nil {
		if d := l.parseDuration("watcher.poll_interval", def.Watcher.PollInterval); d > 0 {
			cfg.Watcher.PollInterval = d
		}
		if d := l.parseDuration("watcher.ready_poll_interval", def.Watcher.ReadyPollInterval); d > 0 {
			cfg.Watcher.ReadyPollInterval = d
		}
		if d := l.parseDuration("watcher.discovery_interval", def.Watcher.DiscoveryInterval); d > 0 {
			cfg.Watcher.DiscoveryInterval = d
		}
		if d := l.parseDuration("watcher.lease_interval", def.Watcher.LeaseInterval); d > 0 {
			cfg.Watcher.LeaseInterval = d
		}
	}

	cfg.Cleanup = Cleanup{Interval: 5 * time.Minute}
	if def.Cleanup != nil {
		if d := l.parseDuration("cleanup.interval", def.Cleanup.Interval); d > 0 {
			cfg.Cleanup.Interval = d
		}
	}

	for name, entry := range def.Connectors {
		connector, err := l.resolveConnector(name, entry)
		if err != nil {
			return nil, err
		}
		cfg.Connectors[name] = connector
	}

	cfg.Agent = Agent{GraphFile: build.Slug + ".graph", HeartbeatInterval: 30 * time.Second}
	if def.Agent != nil {
		if def.Agent.GraphFile != "" {
			cfg.Agent.GraphFile = def.Agent.GraphFile
		}
		if d := l.parseDuration("agent.heartbeat_interval", def.Agent.HeartbeatInterval); d > 0 {
			cfg.Agent.HeartbeatInterval = d
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseDuration parses a duration string, returning zero and recording
// a warning when invalid.
func (l *Loader) parseDuration(fieldName, value string) time.Duration {
	if value == "" {
		return 0
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("invalid %s value: %s", fieldName, value))
		return 0
	}
	return duration
}

// LoadDotEnv loads a .env file from the working directory into the
// process environment when one exists. Missing files are fine; parse
// failures surface.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load()
}
