package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.AdvertisedName != DefaultAdvertisedName {
		t.Fatalf("expected advertised name %q, got %q", DefaultAdvertisedName, firstCfg.AdvertisedName)
	}
	if firstCfg.EventBuffer != DefaultEventBuffer {
		t.Fatalf("expected event buffer %d, got %d", DefaultEventBuffer, firstCfg.EventBuffer)
	}
	if !firstCfg.History() {
		t.Fatalf("expected history enabled by default")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "logs")); err != nil {
		t.Fatalf("expected logs directory to exist: %v", err)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.RadioBackend != firstCfg.RadioBackend {
		t.Fatalf("expected stable backend, got %q then %q", firstCfg.RadioBackend, secondCfg.RadioBackend)
	}
}

func TestLoadOrCreateBackfillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	disabled := false
	partial := &DeviceConfig{
		DeviceID:       "existing-device",
		RadioBackend:   "LAN",
		LANPort:        9999,
		HistoryEnabled: &disabled,
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "existing-device" {
		t.Fatalf("expected existing device ID to be kept, got %q", cfg.DeviceID)
	}
	if cfg.RadioBackend != BackendLAN {
		t.Fatalf("expected backend to normalize to %q, got %q", BackendLAN, cfg.RadioBackend)
	}
	if cfg.LANPort != 9999 {
		t.Fatalf("expected fixed lan port to be retained, got %d", cfg.LANPort)
	}
	if cfg.History() {
		t.Fatalf("expected explicit history opt-out to be retained")
	}
	if cfg.BlueZAdapter != DefaultBlueZAdapter || cfg.LogFile == "" || cfg.HistoryPath == "" {
		t.Fatalf("expected defaults to be back-filled, got %+v", cfg)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.AdvertisedName != DefaultAdvertisedName {
		t.Fatalf("expected back-filled config to be saved, got %+v", reloaded)
	}
}

func TestLoadOrCreateRejectsUnknownBackend(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	if err := Save(ConfigPath(tempDir), &DeviceConfig{RadioBackend: "zigbee"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestLevelParsesConfiguredLevel(t *testing.T) {
	cfg := &DeviceConfig{LogLevel: "debug"}
	if got := cfg.Level(); got != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", got)
	}
	cfg.LogLevel = "loud"
	if got := cfg.Level(); got != slog.LevelInfo {
		t.Fatalf("expected info fallback, got %v", got)
	}
}
