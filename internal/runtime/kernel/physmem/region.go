package physmem

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/orizon-lang/vmcore/internal/errors"
)

// Region is a contiguous span of frames under allocator control. Every frame
// in the span is either free (bit clear) or allocated with a reference count
// of at least one (bit set).
type Region struct {
	base     FrameNumber
	pages    []Page
	store    *Store
	reserved bool

	// onRelease is called without mu held after a frame became free.
	onRelease func(n int)

	mu     sync.Mutex
	used   []uint64
	free   int
	cursor int
}

func newRegion(base FrameNumber, count int, reserved bool) (*Region, error) {
	if count <= 0 {
		return nil, errors.InvalidSize(uint64(count), "physical region frame count")
	}
	store, err := NewStore(count)
	if err != nil {
		return nil, err
	}
	r := &Region{
		base:     base,
		pages:    make([]Page, count),
		store:    store,
		reserved: reserved,
		used:     make([]uint64, (count+63)/64),
		free:     count,
	}
	for i := range r.pages {
		p := &r.pages[i]
		p.pfn = base + FrameNumber(i)
		p.region = r
		p.data = store.frame(i)
	}
	if reserved {
		// Firmware owns reserved frames for good; mappings only borrow them.
		for i := range r.pages {
			r.setUsed(i)
			r.pages[i].refs.Store(1)
			r.pages[i].noReturn.Store(true)
		}
		r.free = 0
	}
	return r, nil
}

// Base returns the first frame of the region.
func (r *Region) Base() FrameNumber { return r.base }

// Count returns the number of frames in the region.
func (r *Region) Count() int { return len(r.pages) }

// End returns the first frame past the region.
func (r *Region) End() FrameNumber { return r.base + FrameNumber(len(r.pages)) }

// Reserved reports whether the region describes firmware-owned memory.
func (r *Region) Reserved() bool { return r.reserved }

// Contains reports whether pfn lies within the region.
func (r *Region) Contains(pfn FrameNumber) bool { return pfn >= r.base && pfn < r.End() }

// Free returns the number of free frames.
func (r *Region) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free
}

// PageAt returns the descriptor for pfn without touching its count.
func (r *Region) PageAt(pfn FrameNumber) *Page {
	if !r.Contains(pfn) {
		return nil
	}
	return &r.pages[pfn-r.base]
}

func (r *Region) String() string {
	kind := "usable"
	if r.reserved {
		kind = "reserved"
	}
	return fmt.Sprintf("%s frames [%d, %d)", kind, r.base, r.End())
}

func (r *Region) isUsed(i int) bool { return r.used[i/64]&(1<<(uint(i)%64)) != 0 }
func (r *Region) setUsed(i int)     { r.used[i/64] |= 1 << (uint(i) % 64) }
func (r *Region) clearUsed(i int)   { r.used[i/64] &^= 1 << (uint(i) % 64) }

// allocate takes one free frame using a next-fit scan of the bitmap.
func (r *Region) allocate() *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.free == 0 {
		return nil
	}
	words := len(r.used)
	start := r.cursor / 64
	for n := 0; n <= words; n++ {
		w := (start + n) % words
		avail := ^r.used[w]
		if avail == 0 {
			continue
		}
		i := w*64 + bits.TrailingZeros64(avail)
		if i >= len(r.pages) {
			continue
		}
		r.take(i)
		r.cursor = i + 1
		return &r.pages[i]
	}
	panic(errors.Invariant("%s: free count %d but bitmap is full", r, r.free))
}

// allocateContiguous takes the first run of count free frames.
func (r *Region) allocateContiguous(count int) []*Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.free < count {
		return nil
	}
	run := 0
	for i := 0; i < len(r.pages); i++ {
		if r.isUsed(i) {
			run = 0
			continue
		}
		run++
		if run < count {
			continue
		}
		first := i - count + 1
		out := make([]*Page, count)
		for j := range out {
			r.take(first + j)
			out[j] = &r.pages[first+j]
		}
		return out
	}
	return nil
}

func (r *Region) take(i int) {
	p := &r.pages[i]
	if r.isUsed(i) || p.refs.Load() != 0 {
		panic(errors.Invariant("frame %d handed out twice", p.pfn))
	}
	r.setUsed(i)
	r.free--
	p.noReturn.Store(false)
	p.refs.Store(1)
}

func (r *Region) release(p *Page) {
	i := int(p.pfn - r.base)
	r.mu.Lock()
	if !r.isUsed(i) {
		r.mu.Unlock()
		panic(errors.Invariant("frame %d released while already free", p.pfn))
	}
	r.clearUsed(i)
	r.free++
	r.mu.Unlock()
	if r.onRelease != nil {
		r.onRelease(1)
	}
}

func (r *Region) close() error { return r.store.Close() }
