// Package vm implements virtual memory on top of physmem: the VMObject
// variants that own page content, the Regions that map them, per-process
// AddressSpaces, and the MemoryManager that resolves page faults and keeps
// every core's TLB coherent.
package vm

import (
	"fmt"

	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

// VirtAddr is a virtual byte address.
type VirtAddr uint64

// PageDown rounds v down to its page boundary.
func (v VirtAddr) PageDown() VirtAddr { return v &^ (physmem.PageSize - 1) }

// PageUp rounds v up to the next page boundary.
func (v VirtAddr) PageUp() VirtAddr { return (v + physmem.PageSize - 1).PageDown() }

// PageOffset returns v's offset inside its page.
func (v VirtAddr) PageOffset() int { return int(v & (physmem.PageSize - 1)) }

func (v VirtAddr) String() string { return fmt.Sprintf("V0x%x", uint64(v)) }

func pageAligned(n uint64) bool { return n&(physmem.PageSize-1) == 0 }

func pagesFor(size uint64) int { return int((size + physmem.PageSize - 1) >> physmem.PageShift) }

// Prot is a permission mask.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
	ProtRW        = ProtRead | ProtWrite
)

// Allows reports whether an access of the given kind is permitted.
func (p Prot) Allows(write bool) bool {
	if write {
		return p&ProtWrite != 0
	}
	return p&ProtRead != 0
}

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Range is the half-open virtual interval [Start, End).
type Range struct {
	Start VirtAddr
	End   VirtAddr
}

// Size returns the length of the range in bytes.
func (r Range) Size() uint64 { return uint64(r.End - r.Start) }

// Pages returns the number of pages covered by r.
func (r Range) Pages() int { return pagesFor(r.Size()) }

// Contains reports whether va lies inside r.
func (r Range) Contains(va VirtAddr) bool { return va >= r.Start && va < r.End }

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

func (r Range) String() string { return fmt.Sprintf("[0x%x-0x%x)", uint64(r.Start), uint64(r.End)) }

// FaultResolution is the outcome of handling one page fault.
type FaultResolution int

const (
	// Continue means the mapping was fixed and the access should be retried.
	Continue FaultResolution = iota
	// AccessViolation is fatal to the faulting thread.
	AccessViolation
	// OutOfMemory means no frame could be found for the fault.
	OutOfMemory
)

func (r FaultResolution) String() string {
	switch r {
	case Continue:
		return "continue"
	case AccessViolation:
		return "access violation"
	case OutOfMemory:
		return "out of memory"
	default:
		return fmt.Sprintf("FaultResolution(%d)", int(r))
	}
}

// Fault is returned by the access path when a fault could not be resolved.
type Fault struct {
	Addr       VirtAddr
	Write      bool
	Resolution FaultResolution
}

func (f *Fault) Error() string {
	kind := "read"
	if f.Write {
		kind = "write"
	}
	return fmt.Sprintf("%s fault at %s: %s", kind, f.Addr, f.Resolution)
}
