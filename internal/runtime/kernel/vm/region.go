package vm

import (
	"fmt"
	"strings"

	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

// RegionFlags describe how a Region was created.
type RegionFlags uint8

const (
	// RegionShared mappings are re-referenced, not copied, across fork.
	RegionShared RegionFlags = 1 << iota
	RegionStack
	RegionMmap
	// RegionSyscall regions may be passed to system calls.
	RegionSyscall
	RegionKernel
)

func (f RegionFlags) String() string {
	var parts []string
	for _, n := range []struct {
		flag RegionFlags
		name string
	}{
		{RegionShared, "shared"},
		{RegionStack, "stack"},
		{RegionMmap, "mmap"},
		{RegionSyscall, "syscall"},
		{RegionKernel, "kernel"},
	} {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "private"
	}
	return strings.Join(parts, ",")
}

// MemoryType is the caching attribute of a mapping.
type MemoryType uint8

const (
	// MemoryNormal is ordinary cacheable RAM.
	MemoryNormal MemoryType = iota
	// MemoryIO is uncached memory shared with a device.
	MemoryIO
)

func (t MemoryType) String() string {
	if t == MemoryIO {
		return "io"
	}
	return "normal"
}

// Region maps a window of one VMObject into one AddressSpace.
type Region struct {
	as     *AddressSpace
	rng    Range
	object *VMObject
	// offset is the object slot backing rng.Start.
	offset int
	flags  RegionFlags
	mtype  MemoryType
	name   string

	// guarded by as.mu
	prot   Prot
	mapped bool
}

// Range returns the virtual interval covered by the region.
func (r *Region) Range() Range { return r.rng }

// Base returns the first address of the region.
func (r *Region) Base() VirtAddr { return r.rng.Start }

// Size returns the length of the region in bytes.
func (r *Region) Size() uint64 { return r.rng.Size() }

// Object returns the backing object.
func (r *Region) Object() *VMObject { return r.object }

// Offset returns the first object slot mapped by the region.
func (r *Region) Offset() int { return r.offset }

func (r *Region) Flags() RegionFlags     { return r.flags }
func (r *Region) MemoryType() MemoryType { return r.mtype }
func (r *Region) Name() string           { return r.name }

// AddressSpace returns the owning address space.
func (r *Region) AddressSpace() *AddressSpace { return r.as }

// Prot returns the current permission mask.
func (r *Region) Prot() Prot {
	r.as.mu.RLock()
	defer r.as.mu.RUnlock()
	return r.prot
}

// ResidentPages returns how many pages of the region have a frame.
func (r *Region) ResidentPages() int {
	return r.object.ResidentPages(r.offset, r.rng.Pages())
}

func (r *Region) String() string {
	name := r.name
	if name == "" {
		name = "anon"
	}
	return fmt.Sprintf("%s %s %s", r.rng, r.flags, name)
}

func (r *Region) slotIndex(va VirtAddr) int {
	return r.offset + int((va-r.rng.Start)>>physmem.PageShift)
}

// vaForSlot returns the page mapping object slot index, if r covers it.
func (r *Region) vaForSlot(index int) (VirtAddr, bool) {
	rel := index - r.offset
	if rel < 0 || rel >= r.rng.Pages() {
		return 0, false
	}
	return r.rng.Start + VirtAddr(rel)<<physmem.PageShift, true
}

// HandleFault resolves a fault at va inside the region.
func (r *Region) HandleFault(va VirtAddr, write bool) FaultResolution {
	r.as.mu.RLock()
	defer r.as.mu.RUnlock()
	if !r.mapped || !r.rng.Contains(va) {
		return AccessViolation
	}
	return r.handleFault(va, write)
}

// handleFault runs with the address space read lock held.
func (r *Region) handleFault(va VirtAddr, write bool) FaultResolution {
	if !r.prot.Allows(write) {
		return AccessViolation
	}
	return r.object.fault(r, va.PageDown(), r.slotIndex(va), write)
}

// SetProtection changes the permission mask. Every installed translation
// is dropped so the next access faults in under the new mask.
func (r *Region) SetProtection(prot Prot) error {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	if !r.mapped {
		return fmt.Errorf("set protection of %s: region is not mapped", r.rng)
	}
	r.prot = prot
	r.as.unmapRangeLocked(r.rng)
	return nil
}
