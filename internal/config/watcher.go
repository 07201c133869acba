package config

import (
	"context"
	"os"
	"sync"
	"time"

	"whatsmgr/internal/constants"
	"whatsmgr/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls the configuration file and reloads it on change
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		interval:   constants.DefaultConfigWatchIntervalSec * time.Second,
		logger:     logger,
		callbacks:  make([]func(*models.Config), 0),
	}
}

// SetInterval overrides the polling interval
func (cw *ConfigWatcher) SetInterval(d time.Duration) {
	cw.interval = d
}

// Start loads the file and blocks polling it until ctx is done
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				cw.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the current configuration
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after every successful reload
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}
	if old.Reconcile.Schedule != new.Reconcile.Schedule {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Reconcile.Schedule,
			"new": new.Reconcile.Schedule,
		}).Info("Reconcile schedule changed; takes effect on restart")
	}
	if old.Database != new.Database || old.Credentials != new.Credentials {
		cw.logger.Warn("Storage settings changed; takes effect on restart")
	}
}

// ApplyLogLevel returns a callback that re-applies the configured log level
func ApplyLogLevel(logger *logrus.Logger) func(*models.Config) {
	return func(c *models.Config) {
		level, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			logger.WithError(err).Warn("Ignoring invalid log level")
			return
		}
		logger.SetLevel(level)
	}
}
