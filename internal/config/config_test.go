package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/durable-go/durable/store"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  driver: sqlite
  dsn: ./durable.db
  page_size: 50
server:
  addr: 0.0.0.0:8080
  poll_timeout: 5s
log:
  level: debug
  format: json
runtime:
  termination_warmup: 75ms
  mode_aware_logging: false
`))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 50, cfg.Store.PageSize)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.PollTimeout)
	assert.Equal(t, time.Second, cfg.Server.SweepInterval, "unset keys keep defaults")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 75*time.Millisecond, cfg.Runtime.TerminationWarmup)
	require.NotNil(t, cfg.Runtime.ModeAwareLogging)
	assert.False(t, *cfg.Runtime.ModeAwareLogging)

	assert.Len(t, cfg.HandlerOptions(), 2)
	assert.Len(t, cfg.LogOptions(), 1)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Empty(t, cfg.HandlerOptions())
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":      "store:\n  drivr: memory\n",
		"unknown driver":   "store:\n  driver: postgres\n",
		"missing dsn":      "store:\n  driver: mysql\n",
		"bad format":       "log:\n  format: xml\n",
		"bad duration":     "server:\n  poll_timeout: soon\n",
		"negative results": "runtime:\n  max_result_size: -1\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndOpenStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.yaml")
	doc := "store:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "log.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	st, err := cfg.OpenStore()
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*store.SQLiteStore)
	assert.True(t, ok)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
