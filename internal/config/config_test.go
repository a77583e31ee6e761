package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/durable-subscriptions/internal/codec"
	"github.com/notifyhub/durable-subscriptions/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, config.StoreFile, cfg.StoreBackend)
	assert.True(t, cfg.DurableQueues)
	assert.Equal(t, codec.CompressionZstd, cfg.Compression())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: "9090"
batch_size: 256
durable_queues: false
publish_timeout: 15s
max_durable_lifetime: 48h
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BATCH_SIZE", "512")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, 512, cfg.BatchSize, "environment wins over the file")
	assert.False(t, cfg.DurableQueues)
	assert.Equal(t, 15*time.Second, cfg.PublishTimeout)
	assert.Equal(t, 48*time.Hour, cfg.MaxDurableLifetime)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "postgres without url", env: map[string]string{"STORE_BACKEND": "postgres"}},
		{name: "unknown backend", env: map[string]string{"STORE_BACKEND": "redis"}},
		{name: "unknown compression", env: map[string]string{"BATCH_COMPRESSION": "lz4"}},
		{name: "zero batch size", env: map[string]string{"BATCH_SIZE": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := config.Load()
	assert.Error(t, err)
}
