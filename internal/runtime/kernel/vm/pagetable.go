package vm

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

// PTE is one translation: the frame a virtual page maps to and the access
// the hardware allows through it.
type PTE struct {
	Frame physmem.PhysAddr
	Prot  Prot
}

// PageTable is the architecture page table of one address space. Addresses
// passed in are page aligned. Invalidate flushes the local translation for va;
// cross-core shootdown is done by the MemoryManager.
type PageTable interface {
	Map(va VirtAddr, pa physmem.PhysAddr, prot Prot) error
	Unmap(va VirtAddr) bool
	Lookup(va VirtAddr) (PTE, bool)
	Invalidate(va VirtAddr)
}

// SoftPageTable is a PageTable kept in a map. It stands in for the
// hardware walker on hosts where the memory core runs as a library.
type SoftPageTable struct {
	mu      sync.RWMutex
	entries map[VirtAddr]PTE

	invalidations atomic.Uint64
}

// NewSoftPageTable returns an empty page table.
func NewSoftPageTable() *SoftPageTable {
	return &SoftPageTable{entries: make(map[VirtAddr]PTE)}
}

func (pt *SoftPageTable) Map(va VirtAddr, pa physmem.PhysAddr, prot Prot) error {
	pt.mu.Lock()
	pt.entries[va] = PTE{Frame: pa, Prot: prot}
	pt.mu.Unlock()
	return nil
}

func (pt *SoftPageTable) Unmap(va VirtAddr) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.entries[va]; !ok {
		return false
	}
	delete(pt.entries, va)
	return true
}

func (pt *SoftPageTable) Lookup(va VirtAddr) (PTE, bool) {
	pt.mu.RLock()
	pte, ok := pt.entries[va]
	pt.mu.RUnlock()
	return pte, ok
}

func (pt *SoftPageTable) Invalidate(VirtAddr) { pt.invalidations.Add(1) }

// Len returns the number of present entries.
func (pt *SoftPageTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.entries)
}
