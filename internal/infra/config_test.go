package infra

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.EventStore.Driver)
	assert.Equal(t, uint64(50), cfg.Snapshot.Frequency)
	assert.True(t, cfg.Snapshot.InlinePrune)
	assert.Equal(t, "json", cfg.Snapshot.Codec)
	assert.Equal(t, uint(3), cfg.Engine.ConflictRetries)
	assert.Equal(t, 30*time.Second, cfg.Engine.CBTimeout)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
eventstore:
  driver: sqlite
  sqlite_path: /var/lib/agentledger/events.db
snapshot:
  driver: sqlite
  frequency: 10
  codec: cbor
  compress: zstd
logger:
  level: debug
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("SNAPSHOT_FREQUENCY", "25")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.EventStore.Driver)
	assert.Equal(t, "/var/lib/agentledger/events.db", cfg.EventStore.SQLitePath)
	assert.Equal(t, uint64(25), cfg.Snapshot.Frequency, "env overrides file")
	assert.Equal(t, "cbor", cfg.Snapshot.Codec)
	assert.Equal(t, "zstd", cfg.Snapshot.Compress)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestValidate(t *testing.T) {
	base := Config{
		EventStore: EventStoreConfig{Driver: "memory"},
		Snapshot:   SnapshotConfig{Driver: "none"},
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.EventStore.Driver = "cassandra"
	assert.Error(t, bad.Validate())

	pg := base
	pg.EventStore.Driver = "postgres"
	assert.Error(t, pg.Validate(), "postgres without database.url")
	pg.Database.URL = "postgres://localhost/agentledger"
	assert.NoError(t, pg.Validate())

	auth := base
	auth.Auth.Enabled = true
	assert.Error(t, auth.Validate())
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggerConfig{Level: "warn", Format: "json"}, "agentd", zapcore.AddSync(&buf))

	logger.Info("skipped")
	logger.Warn("snapshot rejected")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "agentd", entry["logger"])
	assert.Equal(t, "snapshot rejected", entry["msg"])
}
