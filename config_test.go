package tidestore

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAllocationConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "alloc.yaml", `
path: /var/lib/tidestore/data.tds
block_size: 131072
block_count: 1024
`)

	c, err := LoadAllocationConfig(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Path != "/var/lib/tidestore/data.tds" {
		t.Errorf("path %q", c.Path)
	}
	if c.BlockSize != 131072 {
		t.Errorf("block size %d", c.BlockSize)
	}
	if c.BlockCount != 1024 {
		t.Errorf("block count %d", c.BlockCount)
	}
}

func TestAllocationConfigAllocate(t *testing.T) {
	dir := t.TempDir()
	c := AllocationConfig{
		Path:       filepath.Join(dir, "store.tds"),
		BlockSize:  64 * 1024,
		BlockCount: 2,
	}
	if err := c.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := os.Stat(c.Path); err != nil {
		t.Errorf("data file: %v", err)
	}
}

func TestDefaultWriterConfig(t *testing.T) {
	c := DefaultWriterConfig()
	if c.AutoReclaim {
		t.Error("auto-reclaim on by default")
	}
	if !c.SyncOnRollover {
		t.Error("sync on rollover off by default")
	}
	if c.Encryption != nil {
		t.Error("encryption set by default")
	}
}

func TestLoadWriterConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "writer.yaml", `
auto_reclaim: true
encryption:
  enabled: true
  key_password: swordfish
`)

	c, err := LoadWriterConfig(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.AutoReclaim {
		t.Error("auto_reclaim not applied")
	}
	// Fields absent from the file keep their defaults.
	if !c.SyncOnRollover {
		t.Error("sync_on_rollover default lost")
	}
	if c.Encryption == nil || !c.Encryption.Enabled || c.Encryption.KeyPassword != "swordfish" {
		t.Errorf("encryption %+v", c.Encryption)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadAllocationConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing allocation config file accepted")
	}
	bad := writeFile(t, dir, "bad.yaml", "block_size: [not a number")
	if _, err := LoadAllocationConfig(bad); err == nil {
		t.Error("malformed allocation config accepted")
	}
	if _, err := LoadWriterConfig(bad); err == nil {
		t.Error("malformed writer config accepted")
	}
}
