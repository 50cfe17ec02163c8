package config

// Definition is the raw configuration shape read from YAML and the
// environment. Fields map one-to-one to configuration keys; durations
// are plain strings here and parsed during build so a typo produces a
// warning instead of a hard failure.
type Definition struct {
	// Host and Port bind the combined HTTP server (user API plus
	// executor gateway).
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	Debug bool `mapstructure:"debug"`

	Log *LogDef `mapstructure:"log"`

	// TLS enables HTTPS on the server when both files are set.
	TLS *TLSDef `mapstructure:"tls"`

	Gateway    *GatewayDef    `mapstructure:"gateway"`
	Database   *DatabaseDef   `mapstructure:"database"`
	Blackboard *BlackboardDef `mapstructure:"blackboard"`
	Auth       *AuthDef       `mapstructure:"auth"`
	Compiler   *CompilerDef   `mapstructure:"compiler"`
	Experiment *ExperimentDef `mapstructure:"experiment"`
	Watcher    *WatcherDef    `mapstructure:"watcher"`
	Cleanup    *CleanupDef    `mapstructure:"cleanup"`

	// Connectors declares the infrastructure connectors to bring up,
	// keyed by the name nodes are tagged with.
	Connectors map[string]ConnectorDef `mapstructure:"connectors"`

	Agent *AgentDef `mapstructure:"agent"`
}

type LogDef struct {
	// Level is one of DEBUG, INFO, WARNING, ERROR.
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Quiet  bool   `mapstructure:"quiet"`
}

type TLSDef struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type GatewayDef struct {
	// Endpoint is the URL executors use to reach the gateway. It is
	// baked into deployments, so it must be reachable from the nodes,
	// not just from localhost.
	Endpoint string `mapstructure:"endpoint"`
}

type DatabaseDef struct {
	// DSN overrides the individual fields when set.
	DSN      string `mapstructure:"dsn"`
	Endpoint string `mapstructure:"endpoint"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
}

type BlackboardDef struct {
	Endpoint string `mapstructure:"endpoint"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthDef struct {
	// Endpoint of the external credential validator. Empty disables
	// authentication (development mode).
	Endpoint  string `mapstructure:"endpoint"`
	CacheTTL  string `mapstructure:"cache_ttl"`
	CacheSize int    `mapstructure:"cache_size"`
}

type CompilerDef struct {
	// Registry is the image registry prefix for built environments.
	Registry string `mapstructure:"registry"`
}

type ExperimentDef struct {
	// KeepaliveTimeoutMinutes is the default executor silence budget
	// for deployments that do not set their own.
	KeepaliveTimeoutMinutes int `mapstructure:"keepalive_timeout_minutes"`

	// PreparingTimeoutHours bounds how long an experiment may sit in
	// PREPARING before it is abandoned as UNKNOWN.
	PreparingTimeoutHours int `mapstructure:"preparing_timeout_hours"`
}

type WatcherDef struct {
	PollInterval      string `mapstructure:"poll_interval"`
	ReadyPollInterval string `mapstructure:"ready_poll_interval"`
	DiscoveryInterval string `mapstructure:"discovery_interval"`
	LeaseInterval     string `mapstructure:"lease_interval"`
}

type CleanupDef struct {
	Interval string `mapstructure:"interval"`
}

// ConnectorDef declares one connector instance.
type ConnectorDef struct {
	// Enabled defaults to true; nil means enabled.
	Enabled *bool `mapstructure:"enabled"`

	// Type is the registered connector type tag (for example
	// "localhost" or "docker").
	Type string `mapstructure:"type"`

	// ConfigFile points at a YAML file with connector-specific
	// settings.
	ConfigFile string `mapstructure:"config"`

	// Settings are inline connector-specific settings; they override
	// values from ConfigFile on conflict.
	Settings map[string]any `mapstructure:"settings"`

	// Gateway optionally overrides the advertised gateway endpoint for
	// nodes behind this connector (split-horizon networks).
	Gateway *GatewayDef `mapstructure:"gateway"`
}

type AgentDef struct {
	// GraphFile is the local file checked before polling the gateway.
	GraphFile string `mapstructure:"graph_file"`

	HeartbeatInterval string `mapstructure:"heartbeat_interval"`
}
