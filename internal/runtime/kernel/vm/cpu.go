package vm

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

type tlbKey struct {
	asid uint32
	page VirtAddr
}

// CPU is one simulated core with its own TLB. Entries are tagged with the
// address space id, so switching spaces needs no flush.
type CPU struct {
	id int
	mm *MemoryManager

	// mu is held for the whole of one translated access, so a shootdown
	// that returns guarantees no access is still using the old entry.
	mu     sync.Mutex
	tlb    map[tlbKey]PTE
	active *AddressSpace

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newCPU(id int, mm *MemoryManager) *CPU {
	return &CPU{id: id, mm: mm, tlb: make(map[tlbKey]PTE)}
}

// ID returns the core number.
func (c *CPU) ID() int { return c.id }

// Active returns the address space last activated on this core.
func (c *CPU) Active() *AddressSpace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// TLBSize returns the number of cached translations.
func (c *CPU) TLBSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tlb)
}

// translate runs fn on the frame behind va if the current translation
// permits the access. It reports false when the access must fault.
func (c *CPU) translate(as *AddressSpace, va VirtAddr, write bool, fn func(p *physmem.Page, off int)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := tlbKey{asid: as.asid, page: va.PageDown()}
	pte, ok := c.tlb[key]
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
		// Publish this core before walking the table so a concurrent
		// mutation either shows up in the walk or shoots the entry down.
		as.cpus.Or(1 << uint(c.id))
		if pte, ok = as.pt.Lookup(key.page); !ok {
			return false
		}
		c.tlb[key] = pte
	}
	if !pte.Prot.Allows(write) {
		return false
	}
	page, ok := c.mm.alloc.PageAt(pte.Frame)
	if !ok {
		return false
	}
	fn(page, va.PageOffset())
	return true
}

func (c *CPU) invalidate(asid uint32, va VirtAddr) {
	c.mu.Lock()
	delete(c.tlb, tlbKey{asid: asid, page: va})
	c.mu.Unlock()
}

func (c *CPU) flush(asid uint32) {
	c.mu.Lock()
	for k := range c.tlb {
		if k.asid == asid {
			delete(c.tlb, k)
		}
	}
	if c.active != nil && c.active.asid == asid {
		c.active = nil
	}
	c.mu.Unlock()
}

// shootdown removes va from the TLB of every core that ever ran as and
// waits until all of them have done so.
func (mm *MemoryManager) shootdown(as *AddressSpace, va VirtAddr) {
	mask := as.cpus.Load()
	if as.kernel {
		mask = ^uint64(0)
	}
	var g errgroup.Group
	for _, c := range mm.cpus {
		if mask&(1<<uint(c.id)) == 0 {
			continue
		}
		g.Go(func() error {
			c.invalidate(as.asid, va)
			return nil
		})
	}
	_ = g.Wait()
	mm.counters.shootdowns.Add(1)
}
