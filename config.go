package tidestore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AllocationConfig describes a store to be created with AllocateFile.
type AllocationConfig struct {
	// Path is the data file path. The catalog is created beside it.
	Path string `yaml:"path"`

	// BlockSize is the requested block size in bytes. It is rounded up to
	// the next 64 KiB multiple. Zero is rejected.
	BlockSize uint32 `yaml:"block_size"`

	// BlockCount is the number of blocks in the pool.
	BlockCount uint32 `yaml:"block_count"`
}

// Allocate creates the store described by the configuration.
func (c AllocationConfig) Allocate() error {
	return AllocateFile(c.Path, c.BlockSize, c.BlockCount)
}

// LoadAllocationConfig reads an AllocationConfig from a YAML file.
func LoadAllocationConfig(path string) (AllocationConfig, error) {
	var c AllocationConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read allocation config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse allocation config: %w", err)
	}
	return c, nil
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	// AutoReclaim recycles the oldest finalized block when the pool is
	// exhausted instead of failing the write with ErrNoFreeBlocks.
	AutoReclaim bool `yaml:"auto_reclaim"`

	// SyncOnRollover fsyncs the data file whenever a full block is
	// finalized. Default: true.
	SyncOnRollover bool `yaml:"sync_on_rollover"`

	// Encryption configures optional at-rest payload encryption.
	// If nil or Enabled is false, payloads are stored in the clear.
	Encryption *EncryptionConfig `yaml:"encryption"`
}

// DefaultWriterConfig returns a configuration with sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		AutoReclaim:    false,
		SyncOnRollover: true,
	}
}

// LoadWriterConfig reads a WriterConfig from a YAML file.
func LoadWriterConfig(path string) (WriterConfig, error) {
	c := DefaultWriterConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read writer config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse writer config: %w", err)
	}
	return c, nil
}
