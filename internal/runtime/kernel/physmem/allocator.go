package physmem

import (
	"io"
	"log"
	"sort"
	"sync"

	"github.com/orizon-lang/vmcore/internal/errors"
)

// FillMode says whether a newly allocated frame must be cleared.
type FillMode bool

const (
	ZeroFill FillMode = true
	NoFill   FillMode = false
)

// Stats is a snapshot of frame accounting.
type Stats struct {
	Total     int `json:"total"`
	Free      int `json:"free"`
	Used      int `json:"used"`
	Committed int `json:"committed"`
	Reserved  int `json:"reserved"`
	Eternal   int `json:"eternal"`
}

// Allocator hands out frames from every usable Region. Each Region has its
// own lock; mu only guards the global free/committed counters, and is always
// the innermost lock taken by the memory core.
type Allocator struct {
	usable   []*Region
	reserved []*Region
	all      []*Region // sorted by base
	logger   *log.Logger

	mu        sync.Mutex
	total     int
	free      int
	committed int
	eternal   int
}

// NewAllocator builds regions from a validated memory map.
func NewAllocator(m *MemoryMap, logger *log.Logger) (*Allocator, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	a := &Allocator{logger: logger}
	for _, s := range m.spans() {
		r, err := newRegion(s.base, s.count, s.reserved)
		if err != nil {
			a.Close()
			return nil, err
		}
		if s.reserved {
			a.reserved = append(a.reserved, r)
		} else {
			r.onRelease = a.released
			a.usable = append(a.usable, r)
			a.total += s.count
			a.free += s.count
		}
		a.all = append(a.all, r)
		logger.Printf("[physmem] %s", r)
	}
	if a.total == 0 {
		a.Close()
		return nil, errors.InvalidArgument("memory map has no usable memory")
	}
	sort.Slice(a.all, func(i, j int) bool { return a.all[i].base < a.all[j].base })
	logger.Printf("[physmem] %d usable frames (%d KiB)", a.total, a.total*PageSize/1024)
	return a, nil
}

// Regions returns the usable regions.
func (a *Allocator) Regions() []*Region { return a.usable }

// PageAt returns the descriptor for the frame containing addr.
func (a *Allocator) PageAt(addr PhysAddr) (*Page, bool) {
	pfn := addr.Frame()
	i := sort.Search(len(a.all), func(i int) bool { return a.all[i].End() > pfn })
	if i == len(a.all) || !a.all[i].Contains(pfn) {
		return nil, false
	}
	return a.all[i].PageAt(pfn), true
}

// Span returns the bytes backing [addr, addr+size). The range must lie inside
// a single region so that it is contiguous in host memory.
func (a *Allocator) Span(addr PhysAddr, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.InvalidSize(uint64(size), "physical span")
	}
	first, ok := a.PageAt(addr)
	if !ok {
		return nil, errors.InvalidArgument("physical address %s is not backed by any region", addr)
	}
	last := addr + PhysAddr(size-1)
	r := first.region
	if !r.Contains(last.Frame()) {
		return nil, errors.InvalidArgument("physical span %s+%d crosses a region boundary", addr, size)
	}
	off := int(addr.Frame()-r.base)*PageSize + int(addr.Offset())
	return r.store.mem[off : off+size : off+size], nil
}

// AllocateFrame returns a frame with a reference count of one.
func (a *Allocator) AllocateFrame(fill FillMode) (*Page, error) {
	a.mu.Lock()
	if a.free-a.committed <= 0 {
		a.mu.Unlock()
		return nil, errors.OutOfMemory("allocate frame", 1)
	}
	a.free--
	a.mu.Unlock()
	return a.take(fill), nil
}

// take finds the frame already accounted for by the caller.
func (a *Allocator) take(fill FillMode) *Page {
	for _, r := range a.usable {
		if p := r.allocate(); p != nil {
			if fill == ZeroFill {
				p.Zero()
			}
			return p
		}
	}
	panic(errors.Invariant("free count promised a frame but every region is full"))
}

// AllocateContiguous returns count physically adjacent frames, first fit.
// Fragmentation is not repaired.
func (a *Allocator) AllocateContiguous(count int, fill FillMode) ([]*Page, error) {
	if count <= 0 {
		return nil, errors.InvalidSize(uint64(count), "contiguous allocation")
	}
	a.mu.Lock()
	if a.free-a.committed < count {
		a.mu.Unlock()
		return nil, errors.OutOfMemory("allocate contiguous", count)
	}
	a.free -= count
	a.mu.Unlock()
	for _, r := range a.usable {
		if pages := r.allocateContiguous(count); pages != nil {
			if fill == ZeroFill {
				for _, p := range pages {
					p.Zero()
				}
			}
			return pages, nil
		}
	}
	a.mu.Lock()
	a.free += count
	a.mu.Unlock()
	return nil, errors.OutOfMemory("allocate contiguous", count)
}

// MustAllocateEternal allocates a frame that is never handed back. It is
// for early boot, where there is no caller able to recover, so failure halts.
func (a *Allocator) MustAllocateEternal() *Page {
	p, err := a.AllocateFrame(ZeroFill)
	if err != nil {
		panic(err)
	}
	p.noReturn.Store(true)
	a.mu.Lock()
	a.eternal++
	a.mu.Unlock()
	return p
}

// Commit reserves count frames for later allocation through the returned
// Commitment.
func (a *Allocator) Commit(count int) (*Commitment, error) {
	if count < 0 {
		return nil, errors.InvalidSize(uint64(count), "commit")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free-a.committed < count {
		return nil, errors.OutOfMemory("commit", count)
	}
	a.committed += count
	return &Commitment{a: a, remaining: count}, nil
}

// Available returns the number of frames that can be allocated or committed.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free - a.committed
}

// Stats returns the current accounting.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	reserved := 0
	for _, r := range a.reserved {
		reserved += r.Count()
	}
	return Stats{
		Total:     a.total,
		Free:      a.free,
		Used:      a.total - a.free,
		Committed: a.committed,
		Reserved:  reserved,
		Eternal:   a.eternal,
	}
}

func (a *Allocator) released(n int) {
	a.mu.Lock()
	a.free += n
	a.mu.Unlock()
}

// Close releases the host memory behind every region.
func (a *Allocator) Close() error {
	var first error
	for _, r := range a.all {
		if err := r.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Commitment is a set of frames reserved ahead of time so that later
// allocations drawn from it cannot fail.
type Commitment struct {
	a  *Allocator
	mu sync.Mutex
	// remaining frames still reserved
	remaining int
}

// Remaining returns the number of frames still reserved.
func (c *Commitment) Remaining() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Take allocates one reserved frame. It falls back to an ordinary
// allocation once the reservation is used up.
func (c *Commitment) Take(fill FillMode) (*Page, error) {
	if c == nil {
		return nil, errors.InvalidArgument("take from nil commitment")
	}
	c.mu.Lock()
	if c.remaining == 0 {
		c.mu.Unlock()
		return c.a.AllocateFrame(fill)
	}
	c.remaining--
	c.mu.Unlock()

	c.a.mu.Lock()
	c.a.committed--
	c.a.free--
	c.a.mu.Unlock()
	return c.a.take(fill), nil
}

// Uncommit gives back up to count reserved frames.
func (c *Commitment) Uncommit(count int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if count > c.remaining {
		count = c.remaining
	}
	c.remaining -= count
	c.mu.Unlock()
	c.a.mu.Lock()
	c.a.committed -= count
	c.a.mu.Unlock()
}

// Grow adds count frames to the reservation.
func (c *Commitment) Grow(count int) error {
	if count <= 0 {
		return nil
	}
	c.a.mu.Lock()
	if c.a.free-c.a.committed < count {
		c.a.mu.Unlock()
		return errors.OutOfMemory("commit", count)
	}
	c.a.committed += count
	c.a.mu.Unlock()
	c.mu.Lock()
	c.remaining += count
	c.mu.Unlock()
	return nil
}

// Release returns every remaining reserved frame.
func (c *Commitment) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	n := c.remaining
	c.remaining = 0
	c.mu.Unlock()
	c.a.mu.Lock()
	c.a.committed -= n
	c.a.mu.Unlock()
}
