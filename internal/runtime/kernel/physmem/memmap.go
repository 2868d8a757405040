package physmem

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	semver "github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/vmcore/internal/errors"
)

// MemoryMapConstraint is the range of memory map versions this package reads.
const MemoryMapConstraint = "^1.0"

// MemoryType represents different types of memory
type MemoryType string

const (
	MemoryTypeRAM        MemoryType = "usable"
	MemoryTypeReserved   MemoryType = "reserved"
	MemoryTypeACPI       MemoryType = "acpi"
	MemoryTypeNVS        MemoryType = "nvs"
	MemoryTypeUnusable   MemoryType = "unusable"
	MemoryTypePersistent MemoryType = "persistent"
)

// MemoryMapEntry is one range reported by the firmware.
type MemoryMapEntry struct {
	Base   uint64     `json:"base"`
	Length uint64     `json:"length"`
	Type   MemoryType `json:"type"`
}

// End returns the first byte past the entry.
func (e MemoryMapEntry) End() uint64 { return e.Base + e.Length }

// MemoryMap is the boot-time description of physical memory.
type MemoryMap struct {
	Version string           `json:"version"`
	Entries []MemoryMapEntry `json:"entries"`
}

// DefaultMemoryMap describes ram bytes of usable memory above 1MB with the
// first megabyte reserved for firmware.
func DefaultMemoryMap(ram uint64) *MemoryMap {
	return &MemoryMap{
		Version: "1.0.0",
		Entries: []MemoryMapEntry{
			{Base: 0, Length: 0x100000, Type: MemoryTypeReserved},
			{Base: 0x100000, Length: ram, Type: MemoryTypeRAM},
		},
	}
}

// LoadMemoryMap reads and validates a JSON memory map.
func LoadMemoryMap(path string) (*MemoryMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMemoryMap(data)
}

// ParseMemoryMap decodes and validates a JSON memory map.
func ParseMemoryMap(data []byte) (*MemoryMap, error) {
	var m MemoryMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode memory map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the version and rejects overlapping entries.
func (m *MemoryMap) Validate() error {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return fmt.Errorf("memory map version: %w", err)
	}
	c, err := semver.NewConstraint(MemoryMapConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return errors.UnsupportedVersion(m.Version, MemoryMapConstraint)
	}
	entries := m.sorted()
	for i, e := range entries {
		if e.Length == 0 {
			return errors.InvalidSize(0, fmt.Sprintf("memory map entry at 0x%x", e.Base))
		}
		if e.End() < e.Base {
			return errors.InvalidArgument("memory map entry at 0x%x wraps", e.Base)
		}
		if i > 0 && entries[i-1].End() > e.Base {
			return errors.InvalidArgument("memory map entries at 0x%x and 0x%x overlap", entries[i-1].Base, e.Base)
		}
	}
	return nil
}

func (m *MemoryMap) sorted() []MemoryMapEntry {
	out := append([]MemoryMapEntry(nil), m.Entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// frameSpan is a page-aligned range of frames derived from one entry.
type frameSpan struct {
	base     FrameNumber
	count    int
	reserved bool
}

// spans converts entries into frame ranges. Usable memory is trimmed inward
// to page boundaries; anything else is widened outward. Unusable entries are
// dropped.
func (m *MemoryMap) spans() []frameSpan {
	var out []frameSpan
	for _, e := range m.sorted() {
		var first, last uint64
		switch e.Type {
		case MemoryTypeRAM:
			first = (e.Base + PageSize - 1) / PageSize
			last = e.End() / PageSize
		case MemoryTypeUnusable:
			continue
		default:
			first = e.Base / PageSize
			last = (e.End() + PageSize - 1) / PageSize
		}
		if last <= first {
			continue
		}
		reserved := e.Type != MemoryTypeRAM
		if n := len(out); n > 0 {
			prev := &out[n-1]
			prevEnd := uint64(prev.base) + uint64(prev.count)
			if first < prevEnd {
				// A widened reserved entry may share a frame with its neighbour.
				first = prevEnd
				if last <= first {
					continue
				}
			}
		}
		out = append(out, frameSpan{base: FrameNumber(first), count: int(last - first), reserved: reserved})
	}
	return out
}
