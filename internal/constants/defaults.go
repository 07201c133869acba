package constants

// Session lifecycle timing
const (
	DefaultMaxQRAttempts         = 3
	DefaultReconnectDelayMs      = 2000
	DefaultImportSettleDelayMs   = 2500
	DefaultImportProgressDelayMs = 500
	DefaultImportStaleAfterSec   = 45
	DefaultConnectTimeoutSec     = 25
)

// Protocol cache policies
const (
	DefaultRetryCacheMaxEntries  = 1000
	DefaultRetryCacheTTLSec      = 600
	DefaultRecentCacheMaxEntries = 1000
	DefaultRecentCacheTTLSec     = 60
	DefaultCacheSweepIntervalSec = 300
)

// Storage
const (
	DefaultDatabaseDriver        = "sqlite"
	DefaultDatabaseDSN           = "whatsmgr.db"
	DefaultCredentialsPath       = "credentials.db"
	DefaultDatabaseRetryAttempts = 3
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxSec         = 5
	DefaultImportBatchSize       = 200
	DefaultImportSink            = "database"
	DefaultMongoDatabase         = "whatsmgr"
	DefaultMongoCollection       = "imported_messages"
)

// Server and background jobs
const (
	DefaultServerPort             = 8085
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultGracefulShutdownSec    = 30
	DefaultReconcileSchedule      = "*/5 * * * *"
	DefaultNotifyPoolSize         = 64
	DefaultNotifyWriteTimeoutSec  = 5
	DefaultConfigWatchIntervalSec = 5
)

// Logging
const (
	DefaultLogLevel        = "info"
	DefaultLogMaxSizeMB    = 50
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAgeDays   = 14
	DefaultPhoneMaskLength = 4
)

// Import progress sentinels stored on the session descriptor
const (
	ImportProgressRunning  = "Running"
	ImportProgressFinished = "Finished"
)

// NumberPlaceholder is stored when the device identifier is unknown
const NumberPlaceholder = "-"
