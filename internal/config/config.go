package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"whatsmgr/internal/constants"
	"whatsmgr/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingDatabaseDSN   = models.ConfigError{Message: "missing database dsn"}
	ErrMissingCredentials   = models.ConfigError{Message: "missing credentials store path"}
	ErrUnsupportedExtension = models.ConfigError{Message: "config file must be .json, .yaml or .yml"}
)

var supportedDrivers = map[string]bool{"sqlite": true, "mysql": true, "postgres": true}

// LoadConfig reads the configuration file, fills in defaults, applies
// environment overrides and validates the result. An empty path yields the
// defaults plus environment overrides.
func LoadConfig(path string) (*models.Config, error) {
	config := baseConfig()

	if path != "" {
		file, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, err
		}
		if err := decode(path, file, config); err != nil {
			return nil, err
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Defaults returns a configuration populated from internal/constants
func Defaults() *models.Config {
	c := baseConfig()
	applyDefaults(c)
	return c
}

// baseConfig holds the defaults whose zero value is meaningful
func baseConfig() *models.Config {
	c := &models.Config{}
	c.Reconcile.Enabled = true
	c.Tracing.UseStdout = true
	c.Tracing.SampleRate = 0.1
	return c
}

func decode(path string, data []byte, c *models.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return ErrUnsupportedExtension
	}
	return nil
}

func applyDefaults(c *models.Config) {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}

	setInt(&c.Server.Port, constants.DefaultServerPort)
	setInt(&c.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec)
	setInt(&c.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec)
	setInt(&c.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec)

	setString(&c.Database.Driver, constants.DefaultDatabaseDriver)
	if c.Database.Driver == constants.DefaultDatabaseDriver {
		setString(&c.Database.DSN, constants.DefaultDatabaseDSN)
	}
	setString(&c.Credentials.Path, constants.DefaultCredentialsPath)

	setInt(&c.Session.MaxQRAttempts, constants.DefaultMaxQRAttempts)
	setInt(&c.Session.ReconnectDelayMs, constants.DefaultReconnectDelayMs)
	setInt(&c.Session.ImportSettleDelayMs, constants.DefaultImportSettleDelayMs)
	setInt(&c.Session.ImportProgressDelayMs, constants.DefaultImportProgressDelayMs)
	setInt(&c.Session.ImportStaleAfterSec, constants.DefaultImportStaleAfterSec)
	setInt(&c.Session.ConnectTimeoutSec, constants.DefaultConnectTimeoutSec)

	setInt(&c.Cache.Retry.MaxEntries, constants.DefaultRetryCacheMaxEntries)
	setInt(&c.Cache.Retry.TTLSec, constants.DefaultRetryCacheTTLSec)
	setInt(&c.Cache.Retry.SweepIntervalSec, constants.DefaultCacheSweepIntervalSec)
	setInt(&c.Cache.Recent.MaxEntries, constants.DefaultRecentCacheMaxEntries)
	setInt(&c.Cache.Recent.TTLSec, constants.DefaultRecentCacheTTLSec)
	setInt(&c.Cache.Recent.SweepIntervalSec, constants.DefaultCacheSweepIntervalSec)

	setString(&c.Import.Sink, constants.DefaultImportSink)
	setInt(&c.Import.BatchSize, constants.DefaultImportBatchSize)
	setString(&c.Import.MongoDatabase, constants.DefaultMongoDatabase)
	setString(&c.Import.MongoCollection, constants.DefaultMongoCollection)

	setInt(&c.Notify.PoolSize, constants.DefaultNotifyPoolSize)
	setInt(&c.Notify.WriteTimeoutSec, constants.DefaultNotifyWriteTimeoutSec)

	setString(&c.Reconcile.Schedule, constants.DefaultReconcileSchedule)

	setInt(&c.Retry.InitialBackoffMs, constants.DefaultBackoffInitialMs)
	setInt(&c.Retry.MaxBackoffMs, constants.DefaultBackoffMaxSec*1000)
	setInt(&c.Retry.MaxAttempts, constants.DefaultDatabaseRetryAttempts)

	setString(&c.Tracing.ServiceName, "whatsmgr")
	setString(&c.Tracing.Environment, "development")
	setString(&c.Tracing.OTLPEndpoint, "localhost:4318")

	setString(&c.LogLevel, constants.DefaultLogLevel)
	setInt(&c.LogFile.MaxSizeMB, constants.DefaultLogMaxSizeMB)
	setInt(&c.LogFile.MaxBackups, constants.DefaultLogMaxBackups)
	setInt(&c.LogFile.MaxAgeDays, constants.DefaultLogMaxAgeDays)
}

func applyEnvironmentOverrides(c *models.Config) {
	if dsn := os.Getenv("WHATSMGR_DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if driver := os.Getenv("WHATSMGR_DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if path := os.Getenv("WHATSMGR_CREDENTIALS_PATH"); path != "" {
		c.Credentials.Path = path
	}
	if level := os.Getenv("WHATSMGR_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if uri := os.Getenv("WHATSMGR_MONGO_URI"); uri != "" {
		c.Import.MongoURI = uri
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
}

func validate(c *models.Config) error {
	if !supportedDrivers[c.Database.Driver] {
		return models.ConfigError{Message: fmt.Sprintf("unsupported database driver: %s", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return ErrMissingDatabaseDSN
	}
	if c.Credentials.Path == "" {
		return ErrMissingCredentials
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid log level: %s", c.LogLevel)}
	}
	switch c.Import.Sink {
	case "database":
	case "mongo":
		if c.Import.MongoURI == "" {
			return models.ConfigError{Message: "mongo import sink requires import.mongo_uri (or WHATSMGR_MONGO_URI)"}
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unsupported import sink: %s", c.Import.Sink)}
	}
	if c.Reconcile.Enabled {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid reconcile schedule %q: %v", c.Reconcile.Schedule, err)}
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample_rate must be between 0 and 1"}
	}
	return nil
}
