package config

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/test.img")

	if cfg.Version != CurrentConfigVersion {
		t.Errorf("expected version %d, got %d", CurrentConfigVersion, cfg.Version)
	}
	if cfg.PhysBlockSize != 512 {
		t.Errorf("expected physical block size 512, got %d", cfg.PhysBlockSize)
	}
	if cfg.ImageSize != 50*1024*1024 {
		t.Errorf("expected image size 50MB, got %d", cfg.ImageSize)
	}
	if cfg.KeySize != 8 || cfg.ValueSize != 16 {
		t.Errorf("expected 8/16 record sizes, got %d/%d", cfg.KeySize, cfg.ValueSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{"invalid version", func(c *Config) { c.Version = 0 }, "invalid version 0"},
		{"empty image path", func(c *Config) { c.ImagePath = "" }, "image path not specified"},
		{"odd block size", func(c *Config) { c.PhysBlockSize = 600 }, "physical block size"},
		{"small block size", func(c *Config) { c.PhysBlockSize = 256 }, "physical block size"},
		{"unaligned image", func(c *Config) { c.ImageSize = 1000 }, "image size"},
		{"fs block below sector", func(c *Config) { c.FSBlockSize = 256 }, "filesystem block size"},
		{"zero ag blocks", func(c *Config) { c.AGBlocks = 0 }, "AG blocks"},
		{"long name", func(c *Config) { c.FSName = strings.Repeat("x", 13) }, "filesystem name"},
		{"key larger than value", func(c *Config) { c.KeySize = 32 }, "key size"},
		{"zero timeout", func(c *Config) { c.RemoteTimeoutMs = 0 }, "remote timeout"},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }, "unknown log level"},
		{"bad telemetry", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SampleRate = 2
		}, "telemetry"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig("/tmp/test.img")
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.expected) {
				t.Errorf("expected error containing %q, got %q", tc.expected, err.Error())
			}
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", DefaultConfigFileName)

	cfg := NewDefaultConfig(filepath.Join(dir, "disk.img"))
	cfg.Update(func(c *Config) {
		c.AGBlocks = 2048
		c.FSName = "scratch"
		c.UseMMap = true
	})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.AGBlocks != 2048 || loaded.FSName != "scratch" || !loaded.UseMMap {
		t.Errorf("loaded config does not match saved one: %+v", loaded)
	}
	if loaded.ImagePath != cfg.ImagePath {
		t.Errorf("expected image path %s, got %s", cfg.ImagePath, loaded.ImagePath)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := NewDefaultConfig("")
	if err := cfg.Save(filepath.Join(t.TempDir(), "c.json")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("POUNDFS_IMAGE", "/var/tmp/env.img")
	t.Setenv("POUNDFS_IMAGE_SIZE", "1048576")
	t.Setenv("POUNDFS_LOG_LEVEL", "debug")
	t.Setenv("POUNDFS_LISTEN_ADDRESS", "127.0.0.1:7000")
	t.Setenv("POUNDFS_TELEMETRY_ENABLED", "true")

	cfg := NewDefaultConfig("/tmp/test.img")
	cfg.LoadFromEnv()

	if cfg.ImagePath != "/var/tmp/env.img" {
		t.Errorf("unexpected image path %s", cfg.ImagePath)
	}
	if cfg.ImageSize != 1048576 {
		t.Errorf("unexpected image size %d", cfg.ImageSize)
	}
	if cfg.LogLevel != "debug" || cfg.ListenAddress != "127.0.0.1:7000" {
		t.Errorf("unexpected overrides: %s %s", cfg.LogLevel, cfg.ListenAddress)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("expected telemetry override to apply")
	}
}
