package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chatrelay/relay/pkg/protocol"
)

// TOMLConfig represents the structure of the relay config file.
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Storage StorageSection `toml:"storage"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	HTTPPort int    `toml:"http_port"`
}

type LimitsSection struct {
	MaxFrameBytes       int `toml:"max_frame_bytes"`
	MaxImageBytes       int `toml:"max_image_bytes"`
	ReadTimeoutSeconds  int `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

type StorageSection struct {
	UploadDir string `toml:"upload_dir"`
	IndexPath string `toml:"index_path"`
}

type LoggingSection struct {
	DataDir string `toml:"data_dir"`
}

// DefaultTOMLConfig returns the default configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:     "localhost",
			Port:     8887,
			HTTPPort: 9090,
		},
		Limits: LimitsSection{
			MaxFrameBytes:       16 * 1024 * 1024,
			MaxImageBytes:       5 * 1024 * 1024,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 10,
		},
		Storage: StorageSection{
			UploadDir: "~/.relay/uploaded_images",
			IndexPath: "~/.relay/images.db",
		},
		Logging: LoggingSection{
			DataDir: "~/.relay",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default
// file if none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Best effort: if the default file can't be written we still run.
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies RELAY_SECTION_KEY environment overrides.
// Example: RELAY_SERVER_PORT=9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("RELAY_SERVER_HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("RELAY_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("RELAY_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("RELAY_LIMITS_MAX_FRAME_BYTES"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxFrameBytes = limit
		}
	}
	if val := os.Getenv("RELAY_LIMITS_MAX_IMAGE_BYTES"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxImageBytes = limit
		}
	}
	if val := os.Getenv("RELAY_LIMITS_READ_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Limits.ReadTimeoutSeconds = seconds
		}
	}
	if val := os.Getenv("RELAY_LIMITS_WRITE_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Limits.WriteTimeoutSeconds = seconds
		}
	}
	if val := os.Getenv("RELAY_STORAGE_UPLOAD_DIR"); val != "" {
		config.Storage.UploadDir = val
	}
	if val := os.Getenv("RELAY_STORAGE_INDEX_PATH"); val != "" {
		config.Storage.IndexPath = val
	}
	if val := os.Getenv("RELAY_LOGGING_DATA_DIR"); val != "" {
		config.Logging.DataDir = val
	}
	return config
}

// writeDefaultConfig writes a documented default config file.
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Relay Server Configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables can override these settings:
# RELAY_SECTION_KEY (e.g. RELAY_SERVER_PORT=9000)

[server]
# Bind address for TCP client connections
host = "localhost"
port = 8887

# Port for the internal HTTP server (/metrics, /health, /ws)
# Set to 0 to disable
http_port = 9090

[limits]
# Maximum frame payload size in bytes
max_frame_bytes = 16777216

# Maximum image size accepted by the blob store
max_image_bytes = 5242880

# Read timeout per blocking receive; sessions poll for shutdown at this
# interval
read_timeout_seconds = 30

# Write timeout per broadcast delivery; a peer slower than this is
# dropped
write_timeout_seconds = 10

[storage]
# Directory where received images are persisted
upload_dir = "~/.relay/uploaded_images"

# SQLite index of stored images
index_path = "~/.relay/images.db"

[logging]
# Directory for server logs and per-run session event logs
data_dir = "~/.relay"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ServerConfig is the flattened runtime configuration.
type ServerConfig struct {
	Host         string
	Port         int
	HTTPPort     int
	MaxFrameSize uint32
	MaxImageSize int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	UploadDir    string
	IndexPath    string
	DataDir      string
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() ServerConfig {
	return DefaultTOMLConfig().ToServerConfig()
}

// ToServerConfig converts the file representation to runtime form,
// filling gaps with defaults.
func (c TOMLConfig) ToServerConfig() ServerConfig {
	defaults := DefaultTOMLConfig()

	cfg := ServerConfig{
		Host:         c.Server.Host,
		Port:         c.Server.Port,
		HTTPPort:     c.Server.HTTPPort,
		MaxFrameSize: uint32(c.Limits.MaxFrameBytes),
		MaxImageSize: int64(c.Limits.MaxImageBytes),
		ReadTimeout:  time.Duration(c.Limits.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second,
		UploadDir:    c.Storage.UploadDir,
		IndexPath:    c.Storage.IndexPath,
		DataDir:      c.Logging.DataDir,
	}

	if cfg.Host == "" {
		cfg.Host = defaults.Server.Host
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.Server.Port
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = uint32(defaults.Limits.MaxFrameBytes)
	}
	if cfg.MaxImageSize == 0 {
		cfg.MaxImageSize = int64(defaults.Limits.MaxImageBytes)
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Duration(defaults.Limits.ReadTimeoutSeconds) * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Duration(defaults.Limits.WriteTimeoutSeconds) * time.Second
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = defaults.Storage.UploadDir
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = defaults.Storage.IndexPath
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.Logging.DataDir
	}

	// The wire codec caps outbound frames at protocol.MaxFrameSize, so
	// accepting inbound frames above it would take messages the broker
	// can never re-broadcast.
	if cfg.MaxFrameSize > protocol.MaxFrameSize {
		cfg.MaxFrameSize = protocol.MaxFrameSize
	}

	return cfg
}

// expandHome expands a leading ~/ to the user home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
