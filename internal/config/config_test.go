package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/dbwire/internal/descriptor"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 60*time.Second, cfg.TxTimeout)
	assert.False(t, cfg.ParallelStartup)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadFrom_Values(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"DBWIRE_DESCRIPTOR":       "/etc/dbwire/persistence.yaml",
		"DBWIRE_LOG_LEVEL":        "debug",
		"DBWIRE_LOG_FORMAT":       "json",
		"DBWIRE_METRICS_ADDR":     ":9090",
		"DBWIRE_SHUTDOWN_TIMEOUT": "3s",
		"DBWIRE_PARALLEL_STARTUP": "true",
		"DBWIRE_TX_TIMEOUT":       "250ms",
		"LOG_LEVEL":               "error",
	})
	require.NoError(t, err)

	assert.Equal(t, "/etc/dbwire/persistence.yaml", cfg.Descriptor)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.ParallelStartup)
	assert.Equal(t, 250*time.Millisecond, cfg.TxTimeout)
}

func TestLoadFrom_Invalid(t *testing.T) {
	_, err := LoadFrom(map[string]string{"DBWIRE_LOG_LEVEL": "chatty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = LoadFrom(map[string]string{"DBWIRE_TX_TIMEOUT": "soon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger("loud", "console")
	assert.Error(t, err)
}

const ordersOnly = `
persistence-units:
  - name: orders
    jta-data-source: jdbc/shop
`

const ordersAndBilling = `
persistence-units:
  - name: orders
    jta-data-source: jdbc/other
  - name: billing
`

func TestCompare(t *testing.T) {
	a, err := descriptor.Parse([]byte(ordersOnly), descriptor.FormatYAML)
	require.NoError(t, err)
	b, err := descriptor.Parse([]byte(ordersAndBilling), descriptor.FormatYAML)
	require.NoError(t, err)

	d := Compare(a, b)
	assert.Equal(t, []string{"billing"}, d.Added)
	assert.Equal(t, []string{"orders"}, d.Changed)
	assert.Empty(t, d.Removed)

	back := Compare(b, a)
	assert.Equal(t, []string{"billing"}, back.Removed)
	assert.True(t, Compare(a, a).Empty())
}

func writeDescriptor(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persistence.yaml")
	writeDescriptor(t, path, ordersOnly)
	initial, err := descriptor.Load(path)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	w, err := NewWatcher(path, initial, zap.New(core), time.Hour)
	require.NoError(t, err)
	defer w.Close()

	var diffs []Diff
	w.OnChange(func(cur *descriptor.File, diff Diff) { diffs = append(diffs, diff) })

	w.Reload()
	assert.Empty(t, diffs, "unchanged descriptor notifies nobody")

	writeDescriptor(t, path, "persistence-units: [")
	w.Reload()
	assert.Empty(t, diffs)
	assert.Equal(t, 1, logs.FilterMessage("invalid descriptor after change, keeping previous").Len())
	assert.Same(t, initial, w.Current())

	writeDescriptor(t, path, ordersAndBilling)
	w.Reload()
	require.Len(t, diffs, 1)
	assert.Equal(t, []string{"billing"}, diffs[0].Added)
	assert.Equal(t, []string{"orders", "billing"}, w.Current().Names())
	assert.Equal(t, 1, logs.FilterMessage("descriptor changed, restart to apply").Len())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWatcher_FileEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persistence.yaml")
	writeDescriptor(t, path, ordersOnly)
	initial, err := descriptor.Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil, 10*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	var mu sync.Mutex
	var got []string
	w.OnChange(func(cur *descriptor.File, diff Diff) {
		mu.Lock()
		defer mu.Unlock()
		got = cur.Names()
	})

	writeDescriptor(t, filepath.Join(filepath.Dir(path), "unrelated.yaml"), ordersAndBilling)
	writeDescriptor(t, path, ordersAndBilling)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope", "persistence.yaml"), nil, nil, 0)
	assert.Error(t, err)
}
