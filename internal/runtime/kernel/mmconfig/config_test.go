package mmconfig

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/orizon-lang/vmcore/internal/errors"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "vm.json")
	cfg := Default()
	cfg.CPUs = 2
	cfg.ReclaimPolicy = ReclaimFIFO
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.CPUs != 2 || got.ReclaimPolicy != ReclaimFIFO || got.UserSpace != cfg.UserSpace {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.json")
	if err := os.WriteFile(path, []byte(`{"cpus": 8}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CPUs != 8 || cfg.FaultRetries != 3 || cfg.ReclaimPolicy != ReclaimLRU {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no cpus", func(c *Config) { c.CPUs = 0 }},
		{"too many cpus", func(c *Config) { c.CPUs = 65 }},
		{"unaligned user base", func(c *Config) { c.UserSpace.Base++ }},
		{"empty kernel space", func(c *Config) { c.KernelSpace.Size = 0 }},
		{"overlap", func(c *Config) { c.KernelSpace = c.UserSpace }},
		{"negative retries", func(c *Config) { c.FaultRetries = -1 }},
		{"unknown policy", func(c *Config) { c.ReclaimPolicy = "random" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("accepted invalid config")
			}
			if !stderrors.Is(err, errors.ErrInvalidArgument) && !stderrors.Is(err, errors.ErrInvalidSize) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}
