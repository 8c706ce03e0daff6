package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "blechat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "BLE_CHAT_DATA_DIR"
	// BackendBlueZ drives a local Bluetooth controller through BlueZ.
	BackendBlueZ = "bluez"
	// BackendLAN emulates both radio roles over the local network.
	BackendLAN = "lan"
	// DefaultBlueZAdapter is the controller used when none is configured.
	DefaultBlueZAdapter = "hci0"
	// DefaultAdvertisedName is the acceptor label seen by scanning peers.
	DefaultAdvertisedName = "BLE-Receiver"
	// DefaultEventBuffer is the UI event channel capacity.
	DefaultEventBuffer = 64
	// DefaultLogLevel is used when the configured level is empty or invalid.
	DefaultLogLevel = "info"

	configFileName = "config.json"
	logFileName    = "blechat.log"
	historyDBName  = "history.db"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	RadioBackend   string `json:"radio_backend"`
	BlueZAdapter   string `json:"bluez_adapter"`
	AdvertisedName string `json:"advertised_name"`
	LANPort        int    `json:"lan_port"`
	LogFile        string `json:"log_file"`
	LogLevel       string `json:"log_level"`
	HistoryEnabled *bool  `json:"history_enabled,omitempty"`
	HistoryPath    string `json:"history_path"`
	// HistoryRetentionDays prunes older transcript entries. Zero keeps all.
	HistoryRetentionDays int `json:"history_retention_days"`
	EventBuffer          int `json:"event_buffer"`
}

// History reports whether the chat transcript is persisted.
func (c *DeviceConfig) History() bool {
	return c.HistoryEnabled == nil || *c.HistoryEnabled
}

// Level parses LogLevel, falling back to info.
func (c *DeviceConfig) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Validate checks values that cannot be defaulted.
func (c *DeviceConfig) Validate() error {
	switch c.RadioBackend {
	case BackendBlueZ, BackendLAN:
	default:
		return fmt.Errorf("unsupported radio backend %q", c.RadioBackend)
	}
	if c.LANPort < 0 || c.LANPort > 65535 {
		return fmt.Errorf("lan port %d out of range", c.LANPort)
	}
	if strings.TrimSpace(c.AdvertisedName) == "" {
		return errors.New("advertised name is required")
	}
	if c.HistoryRetentionDays < 0 {
		return fmt.Errorf("history retention %d days must not be negative", c.HistoryRetentionDays)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BLE_CHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the data directory and its logs folder.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "logs")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config
// and its path. Missing fields of an existing file are back-filled and saved.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %q: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultBackend() string {
	if runtime.GOOS == "linux" {
		return BackendBlueZ
	}
	return BackendLAN
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "BLE Chat Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.RadioBackend))
	if backend == "" {
		backend = defaultBackend()
	}
	if cfg.RadioBackend != backend {
		cfg.RadioBackend = backend
		updated = true
	}

	if cfg.BlueZAdapter == "" {
		cfg.BlueZAdapter = DefaultBlueZAdapter
		updated = true
	}
	if strings.TrimSpace(cfg.AdvertisedName) == "" {
		cfg.AdvertisedName = DefaultAdvertisedName
		updated = true
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(dataDir, "logs", logFileName)
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.HistoryEnabled == nil {
		enabled := true
		cfg.HistoryEnabled = &enabled
		updated = true
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = filepath.Join(dataDir, historyDBName)
		updated = true
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
		updated = true
	}

	return updated
}
