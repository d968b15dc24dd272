package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatrelay/relay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8887, cfg.Port)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, uint32(16*1024*1024), cfg.MaxFrameSize)
	assert.Equal(t, int64(5*1024*1024), cfg.MaxImageSize)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8887, cfg.Server.Port)

	// A documented default file was written for the operator to edit
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[server]")
	assert.Contains(t, string(data), "port = 8887")
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	content := `
[server]
host = "0.0.0.0"
port = 9999
http_port = 9191

[limits]
max_frame_bytes = 1048576
max_image_bytes = 524288
read_timeout_seconds = 5
write_timeout_seconds = 2

[storage]
upload_dir = "/var/lib/relay/images"
index_path = "/var/lib/relay/images.db"

[logging]
data_dir = "/var/log/relay"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 9191, cfg.Server.HTTPPort)
	assert.Equal(t, 1048576, cfg.Limits.MaxFrameBytes)
	assert.Equal(t, 524288, cfg.Limits.MaxImageBytes)
	assert.Equal(t, "/var/lib/relay/images", cfg.Storage.UploadDir)
	assert.Equal(t, "/var/log/relay", cfg.Logging.DataDir)

	runtime := cfg.ToServerConfig()
	assert.Equal(t, uint32(1048576), runtime.MaxFrameSize)
	assert.Equal(t, 5*time.Second, runtime.ReadTimeout)
	assert.Equal(t, 2*time.Second, runtime.WriteTimeout)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nport ="), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_SERVER_HOST", "10.0.0.5")
	t.Setenv("RELAY_SERVER_PORT", "7777")
	t.Setenv("RELAY_LIMITS_MAX_IMAGE_BYTES", "1024")
	t.Setenv("RELAY_STORAGE_UPLOAD_DIR", "/tmp/uploads")

	cfg := applyEnvOverrides(DefaultTOMLConfig())

	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 1024, cfg.Limits.MaxImageBytes)
	assert.Equal(t, "/tmp/uploads", cfg.Storage.UploadDir)

	// Untouched keys keep their file values
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "not-a-port")

	cfg := applyEnvOverrides(DefaultTOMLConfig())
	assert.Equal(t, 8887, cfg.Server.Port)
}

func TestDefaultConfigIsCallableInline(t *testing.T) {
	// DefaultConfig chains the conversion off a function return; the
	// conversion must stay callable on an unaddressable value.
	cfg := DefaultTOMLConfig().ToServerConfig()
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestFrameLimitClampedToCodecMaximum(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Limits.MaxFrameBytes = 64 * 1024 * 1024

	runtime := cfg.ToServerConfig()
	assert.Equal(t, uint32(protocol.MaxFrameSize), runtime.MaxFrameSize,
		"inbound limit never exceeds what the codec can emit")
}

func TestToServerConfigBackfillsDefaults(t *testing.T) {
	var empty TOMLConfig
	cfg := empty.ToServerConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8887, cfg.Port)
	assert.Equal(t, uint32(16*1024*1024), cfg.MaxFrameSize)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "~/.relay", cfg.DataDir)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expanded, err := expandHome("~/.relay/relay.toml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".relay/relay.toml"), expanded)

	// Absolute paths pass through untouched
	expanded, err = expandHome("/etc/relay.toml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/relay.toml", expanded)
}
