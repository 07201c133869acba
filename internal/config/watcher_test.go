package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"whatsmgr/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWatcher_Start_InvalidPath(t *testing.T) {
	watcher := NewConfigWatcher("/nonexistent/config.json", logrus.New())
	assert.Error(t, watcher.Start(context.Background()))
}

func TestConfigWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level": "info"}`), 0o600))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	watcher := NewConfigWatcher(path, logger)
	watcher.SetInterval(20 * time.Millisecond)

	var reloads int32
	watcher.OnConfigChange(func(*models.Config) { atomic.AddInt32(&reloads, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()

	require.Eventually(t, func() bool { return watcher.GetConfig() != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "info", watcher.GetConfig().LogLevel)

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level": "debug"}`), 0o600))
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", watcher.GetConfig().LogLevel)

	cancel()
	assert.NoError(t, <-done)
}

func TestConfigWatcher_CallbackPanicIsRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	watcher := NewConfigWatcher(path, logger)

	var called int32
	watcher.OnConfigChange(func(*models.Config) { panic("boom") })
	watcher.OnConfigChange(func(*models.Config) { atomic.AddInt32(&called, 1) })

	assert.NotPanics(t, watcher.reloadConfig)
	assert.Equal(t, int32(1), atomic.LoadInt32(&called))
}

func TestApplyLogLevel(t *testing.T) {
	logger := logrus.New()
	apply := ApplyLogLevel(logger)

	apply(&models.Config{LogLevel: "debug"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.SetLevel(logrus.PanicLevel)
	apply(&models.Config{LogLevel: "nonsense"})
	assert.Equal(t, logrus.PanicLevel, logger.GetLevel())
}
