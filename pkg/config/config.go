package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/poundfs/poundfs/pkg/common/log"
	"github.com/poundfs/poundfs/pkg/telemetry"
)

const (
	DefaultConfigFileName = "poundfs.json"
	DefaultImageName      = "poundfs.img"
	CurrentConfigVersion  = 1

	DefaultPhysBlockSize = 512
	DefaultFSBlockSize   = 4096
	DefaultAGBlocks      = 10240
	DefaultImageSize     = 50 * 1024 * 1024
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config not found")
)

type Config struct {
	Version int `json:"version"`

	// Backing image
	ImagePath     string `json:"image_path"`
	ImageSize     int64  `json:"image_size"`
	UseMMap       bool   `json:"use_mmap"`
	PhysBlockSize int    `json:"phys_block_size"`

	// Formatting
	FSBlockSize uint32 `json:"fs_block_size"`
	AGBlocks    uint32 `json:"ag_blocks"`
	FSName      string `json:"fs_name"`

	// Record store
	RootBlock uint64 `json:"root_block"`
	KeySize   int    `json:"key_size"`
	ValueSize int    `json:"value_size"`

	// Remote block device
	ListenAddress   string `json:"listen_address"`
	RemoteTimeoutMs int64  `json:"remote_timeout_ms"`

	LogLevel  string           `json:"log_level"`
	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(imagePath string) *Config {
	return &Config{
		Version: CurrentConfigVersion,

		ImagePath:     imagePath,
		ImageSize:     DefaultImageSize,
		PhysBlockSize: DefaultPhysBlockSize,

		FSBlockSize: DefaultFSBlockSize,
		AGBlocks:    DefaultAGBlocks,
		FSName:      "poundfs",

		RootBlock: 0,
		KeySize:   8,
		ValueSize: 16,

		ListenAddress:   "localhost:50061",
		RemoteTimeoutMs: 5000,

		LogLevel:  "info",
		Telemetry: telemetry.DefaultConfig(),
	}
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.ImagePath == "" {
		return fmt.Errorf("%w: image path not specified", ErrInvalidConfig)
	}

	if c.PhysBlockSize < 512 || !isPowerOfTwo(uint64(c.PhysBlockSize)) {
		return fmt.Errorf("%w: physical block size must be a power of two >= 512", ErrInvalidConfig)
	}

	if c.ImageSize <= 0 || c.ImageSize%int64(c.PhysBlockSize) != 0 {
		return fmt.Errorf("%w: image size must be a positive multiple of the physical block size", ErrInvalidConfig)
	}

	if !isPowerOfTwo(uint64(c.FSBlockSize)) || c.FSBlockSize < uint32(c.PhysBlockSize) {
		return fmt.Errorf("%w: filesystem block size must be a power of two >= physical block size", ErrInvalidConfig)
	}

	if c.AGBlocks == 0 {
		return fmt.Errorf("%w: AG blocks must be positive", ErrInvalidConfig)
	}

	if len(c.FSName) > 12 {
		return fmt.Errorf("%w: filesystem name longer than 12 bytes", ErrInvalidConfig)
	}

	if c.KeySize <= 0 || c.ValueSize < c.KeySize {
		return fmt.Errorf("%w: key size must be positive and not exceed value size", ErrInvalidConfig)
	}

	if c.RemoteTimeoutMs <= 0 {
		return fmt.Errorf("%w: remote timeout must be positive", ErrInvalidConfig)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// LoadConfig reads and validates a JSON config file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig("")
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to path through a temp file and rename
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// LoadFromEnv applies POUNDFS_* overrides, including the telemetry ones
func (c *Config) LoadFromEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if val := os.Getenv("POUNDFS_IMAGE"); val != "" {
		c.ImagePath = val
	}

	if val := os.Getenv("POUNDFS_IMAGE_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.ImageSize = size
		}
	}

	if val := os.Getenv("POUNDFS_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}

	if val := os.Getenv("POUNDFS_LISTEN_ADDRESS"); val != "" {
		c.ListenAddress = val
	}

	c.Telemetry.LoadFromEnv()
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
