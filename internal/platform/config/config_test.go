package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
listen: ":9090"
source:
  url: "http://radio.example/stream.mp3"
  read_timeout: 20s
buffer:
  storage: pool
  pool_slots: 8
  max_window: 64M
  max_chunks: 40
  preload_percent: 75
  stall_timeout: -1s
  seek_stride: 32
`), 0o644)
	require.NoError(t, err)

	cfg, err := LoadFile(path, Default())
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "http://radio.example/stream.mp3", cfg.Source.URL)
	require.Equal(t, 20*time.Second, cfg.Source.ReadTimeout)
	require.Equal(t, "pool", cfg.Buffer.Storage)
	require.Equal(t, 8, cfg.Buffer.PoolSlots)
	require.Equal(t, 40, cfg.Buffer.MaxChunks)
	require.Equal(t, 75, cfg.Buffer.PreloadPercent)
	require.Equal(t, -time.Second, cfg.Buffer.StallTimeout)
	require.Equal(t, 32, cfg.Buffer.SeekStride)
	// untouched fields keep their defaults
	require.Equal(t, 10*time.Second, cfg.Source.ConnectTimeout)
	require.Equal(t, "json", cfg.Logging.Format)

	n, err := cfg.MaxWindowBytes()
	require.NoError(t, err)
	require.Equal(t, int64(64*1024*1024), n)
}

func TestLoadFile_missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), Default())
	require.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("STREAM_URL", "http://env.example/live")
	t.Setenv("TIMESHIFT_POOL_SLOTS", "32")
	t.Setenv("TIMESHIFT_RECONNECT_DELAY", "250ms")
	t.Setenv("TIMESHIFT_QUEUE_DEPTH", "not-a-number")
	t.Setenv("TIMESHIFT_ENQUEUE_TIMEOUT", "3s")
	t.Setenv("TIMESHIFT_RESUME_MARGIN_CHUNKS", "2")
	t.Setenv("TIMESHIFT_PRELOAD_INTERVAL", "20ms")
	t.Setenv("TIMESHIFT_STALL_TIMEOUT", "45s")
	t.Setenv("TIMESHIFT_SEEK_STRIDE", "64")

	cfg := FromEnv(Default())
	require.Equal(t, "http://env.example/live", cfg.Source.URL)
	require.Equal(t, 32, cfg.Buffer.PoolSlots)
	require.Equal(t, 250*time.Millisecond, cfg.Buffer.ReconnectDelay)
	require.Equal(t, Default().Buffer.QueueDepth, cfg.Buffer.QueueDepth)
	require.Equal(t, 3*time.Second, cfg.Buffer.EnqueueTimeout)
	require.Equal(t, 2, cfg.Buffer.ResumeMarginChunks)
	require.Equal(t, 20*time.Millisecond, cfg.Buffer.PreloadInterval)
	require.Equal(t, 45*time.Second, cfg.Buffer.StallTimeout)
	require.Equal(t, 64, cfg.Buffer.SeekStride)
	// unset keys keep zero, which leaves the buffer defaults in place
	require.Zero(t, cfg.Buffer.MaxChunks)
}

func TestLoad_dotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TIMESHIFT_TEST_DOTENV=hello\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("TIMESHIFT_TEST_DOTENV") })

	require.NoError(t, Load(path))
	require.Equal(t, "hello", GetEnv("TIMESHIFT_TEST_DOTENV", ""))
}
