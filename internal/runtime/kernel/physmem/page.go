// Package physmem manages physical page frames: the per-frame descriptor
// table, the contiguous regions of frames handed to the kernel at boot, and
// the allocator that carves frames out of them.
package physmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/vmcore/internal/errors"
)

// PageSize is the size of one frame in bytes.
const (
	PageSize  = 4096
	PageShift = 12
)

// FrameNumber is a physical address divided by PageSize.
type FrameNumber uint64

// PhysAddr is a physical byte address.
type PhysAddr uint64

// Addr returns the physical address of the first byte of the frame.
func (f FrameNumber) Addr() PhysAddr { return PhysAddr(f) << PageShift }

// Frame returns the frame containing a.
func (a PhysAddr) Frame() FrameNumber { return FrameNumber(a >> PageShift) }

// Offset returns a's offset within its frame.
func (a PhysAddr) Offset() uint64 { return uint64(a) & (PageSize - 1) }

func (a PhysAddr) String() string { return fmt.Sprintf("P0x%x", uint64(a)) }

// Page describes one physical frame. Descriptors live in their Region's
// table for the whole lifetime of the system; a *Page is a stable handle
// that any number of owners may hold once they have taken a reference.
type Page struct {
	pfn    FrameNumber
	region *Region
	data   []byte

	refs atomic.Int32

	// noReturn frames (page tables, firmware ranges, eternal boot
	// allocations) stay allocated when their count drops to zero.
	noReturn atomic.Bool

	// mu orders content accesses so a reader never observes a torn page.
	mu sync.RWMutex
}

// FrameNumber returns the frame this descriptor represents.
func (p *Page) FrameNumber() FrameNumber { return p.pfn }

// Addr returns the physical address of the frame.
func (p *Page) Addr() PhysAddr { return p.pfn.Addr() }

// Refs returns the current reference count.
func (p *Page) Refs() int32 { return p.refs.Load() }

// MayReturnToFreelist reports whether dropping the last reference frees the frame.
func (p *Page) MayReturnToFreelist() bool { return !p.noReturn.Load() }

// Ref takes an additional reference on a page the caller already holds.
func (p *Page) Ref() *Page {
	if n := p.refs.Add(1); n <= 1 {
		panic(errors.Invariant("ref of unowned frame %d (count now %d)", p.pfn, n))
	}
	return p
}

// Unref drops one reference. The frame goes back to its region when the
// last reference is dropped, unless it was marked non-returnable.
func (p *Page) Unref() {
	n := p.refs.Add(-1)
	if n < 0 {
		panic(errors.Invariant("release of frame %d with no outstanding reference", p.pfn))
	}
	if n == 0 && p.MayReturnToFreelist() {
		p.region.release(p)
	}
}

// ReadAt copies page content starting at off into b.
func (p *Page) ReadAt(b []byte, off int) int {
	p.mu.RLock()
	n := copy(b, p.data[off:])
	p.mu.RUnlock()
	return n
}

// WriteAt copies b into the page starting at off.
func (p *Page) WriteAt(b []byte, off int) int {
	p.mu.Lock()
	n := copy(p.data[off:], b)
	p.mu.Unlock()
	return n
}

// CopyFrom replaces the page content with src's content.
func (p *Page) CopyFrom(src *Page) {
	if src == p {
		return
	}
	src.mu.RLock()
	p.mu.Lock()
	copy(p.data, src.data)
	p.mu.Unlock()
	src.mu.RUnlock()
}

// Zero clears the page.
func (p *Page) Zero() {
	p.mu.Lock()
	p.region.store.zero(p.data)
	p.mu.Unlock()
}

// Bytes exposes the raw frame for typed mappings. Callers are responsible
// for their own ordering.
func (p *Page) Bytes() []byte { return p.data }

func (p *Page) String() string {
	return fmt.Sprintf("frame %d (%s, refs=%d)", p.pfn, p.Addr(), p.Refs())
}
