// Package mmconfig holds the memory manager configuration: boot-time layout
// settings plus the tunables that may be changed while the system runs.
package mmconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orizon-lang/vmcore/internal/errors"
)

// ReclaimPolicy selects which clean file pages are dropped first.
type ReclaimPolicy string

const (
	// ReclaimLRU drops the page whose last fault is oldest.
	ReclaimLRU ReclaimPolicy = "lru"
	// ReclaimFIFO drops the page that was read in first.
	ReclaimFIFO ReclaimPolicy = "fifo"
)

// Span is a virtual address window.
type Span struct {
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

// End returns the first address past the span.
func (s Span) End() uint64 { return s.Base + s.Size }

// Tunables may be swapped at runtime.
type Tunables struct {
	// FaultRetries bounds how many purge-and-retry rounds an out-of-memory
	// fault gets before it is reported.
	FaultRetries    int           `json:"fault_retries"`
	PurgeOnPressure bool          `json:"purge_on_pressure"`
	ReclaimPolicy   ReclaimPolicy `json:"reclaim_policy"`
	// ReclaimBatch is the number of frames one purge pass tries to recover.
	ReclaimBatch int `json:"reclaim_batch"`
}

// TelemetryConfig controls the stats endpoints.
type TelemetryConfig struct {
	Addr      string `json:"addr,omitempty"`
	HTTP3Addr string `json:"http3_addr,omitempty"`
}

// Config represents memory manager configuration
type Config struct {
	CPUs        int             `json:"cpus"`
	UserSpace   Span            `json:"user_space"`
	KernelSpace Span            `json:"kernel_space"`
	LogLevel    string          `json:"log_level"`
	Telemetry   TelemetryConfig `json:"telemetry"`
	Tunables
}

// Default returns default memory manager configuration
func Default() *Config {
	return &Config{
		CPUs:        4,
		UserSpace:   Span{Base: 0x0000_0000_0040_0000, Size: 0x0000_7fff_ffc0_0000},
		KernelSpace: Span{Base: 0xffff_8000_0000_0000, Size: 0x0000_0080_0000_0000},
		LogLevel:    "info",
		Tunables: Tunables{
			FaultRetries:    3,
			PurgeOnPressure: true,
			ReclaimPolicy:   ReclaimLRU,
			ReclaimBatch:    64,
		},
	}
}

// Load reads a JSON configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

const pageMask = 4096 - 1

// Validate rejects configurations the memory manager cannot boot with.
func (c *Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > 64 {
		return errors.InvalidArgument("cpus must be between 1 and 64, got %d", c.CPUs)
	}
	for name, s := range map[string]Span{"user_space": c.UserSpace, "kernel_space": c.KernelSpace} {
		if s.Size == 0 {
			return errors.InvalidSize(0, name)
		}
		if s.Base&pageMask != 0 || s.Size&pageMask != 0 {
			return errors.InvalidArgument("%s is not page aligned", name)
		}
		if s.End() < s.Base {
			return errors.InvalidArgument("%s wraps the address space", name)
		}
	}
	if c.UserSpace.Base < c.KernelSpace.End() && c.KernelSpace.Base < c.UserSpace.End() {
		return errors.InvalidArgument("user_space and kernel_space overlap")
	}
	return c.Tunables.Validate()
}

// Validate checks the runtime tunables.
func (t Tunables) Validate() error {
	if t.FaultRetries < 0 {
		return errors.InvalidArgument("fault_retries must not be negative")
	}
	if t.ReclaimBatch < 0 {
		return errors.InvalidArgument("reclaim_batch must not be negative")
	}
	switch t.ReclaimPolicy {
	case ReclaimLRU, ReclaimFIFO:
	default:
		return errors.InvalidArgument("unknown reclaim_policy %q", t.ReclaimPolicy)
	}
	return nil
}
