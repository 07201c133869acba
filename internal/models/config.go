package models

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`
	Session     SessionConfig     `json:"session" yaml:"session"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Import      ImportConfig      `json:"import" yaml:"import"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Reconcile   ReconcileConfig   `json:"reconcile" yaml:"reconcile"`
	Retry       RetryConfig       `json:"retry" yaml:"retry"`
	Tracing     TracingConfig     `json:"tracing" yaml:"tracing"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFile     LogFileConfig     `json:"log_file" yaml:"log_file"`
	// VerboseLogging disables phone number masking in logs
	VerboseLogging bool `json:"verbose_logging" yaml:"verbose_logging"`
}

// ServerConfig holds the admin HTTP server settings
type ServerConfig struct {
	Port            int `json:"port" yaml:"port"`
	ReadTimeoutSec  int `json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec int `json:"write_timeout_sec" yaml:"write_timeout_sec"`
	IdleTimeoutSec  int `json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
}

// DatabaseConfig selects the descriptor store. Driver is sqlite, mysql or postgres.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// CredentialsConfig holds the credential blob store location
type CredentialsConfig struct {
	Path string `json:"path" yaml:"path"`
}

// SessionConfig holds lifecycle timings
type SessionConfig struct {
	MaxQRAttempts         int `json:"max_qr_attempts" yaml:"max_qr_attempts"`
	ReconnectDelayMs      int `json:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	ImportSettleDelayMs   int `json:"import_settle_delay_ms" yaml:"import_settle_delay_ms"`
	ImportProgressDelayMs int `json:"import_progress_delay_ms" yaml:"import_progress_delay_ms"`
	ImportStaleAfterSec   int `json:"import_stale_after_sec" yaml:"import_stale_after_sec"`
	ConnectTimeoutSec     int `json:"connect_timeout_sec" yaml:"connect_timeout_sec"`
}

// CachePolicyConfig bounds one protocol cache
type CachePolicyConfig struct {
	MaxEntries       int `json:"max_entries" yaml:"max_entries"`
	TTLSec           int `json:"ttl_sec" yaml:"ttl_sec"`
	SweepIntervalSec int `json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
}

// CacheConfig holds both protocol cache policies
type CacheConfig struct {
	Retry  CachePolicyConfig `json:"retry" yaml:"retry"`
	Recent CachePolicyConfig `json:"recent" yaml:"recent"`
}

// ImportConfig selects where finished history backlogs are written.
// Sink is "database" or "mongo".
type ImportConfig struct {
	Sink            string `json:"sink" yaml:"sink"`
	BatchSize       int    `json:"batch_size" yaml:"batch_size"`
	MongoURI        string `json:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase   string `json:"mongo_database" yaml:"mongo_database"`
	MongoCollection string `json:"mongo_collection" yaml:"mongo_collection"`
}

// NotifyConfig tunes the websocket hub
type NotifyConfig struct {
	PoolSize        int `json:"pool_size" yaml:"pool_size"`
	WriteTimeoutSec int `json:"write_timeout_sec" yaml:"write_timeout_sec"`
}

// ReconcileConfig schedules the periodic session reconciler
type ReconcileConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"`
}

// RetryConfig holds database retry backoff settings
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs" yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"max_backoff_ms"`
	MaxAttempts      int `json:"maxAttempts" yaml:"max_attempts"`
}

// TracingConfig toggles OpenTelemetry export
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	Environment  string  `json:"environment" yaml:"environment"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate"`
	UseStdout    bool    `json:"use_stdout" yaml:"use_stdout"`
}

// EngineConfig configures the bundled loopback protocol engine
type EngineConfig struct {
	AutoPair bool `json:"auto_pair" yaml:"auto_pair"`
}

// LogFileConfig enables rotated file logging when Path is set
type LogFileConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
