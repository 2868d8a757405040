package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/vmcore/internal/errors"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

// Kind is the closed set of VMObject variants.
type Kind uint8

const (
	KindAnonymous Kind = iota
	KindPurgeable
	KindInode
	KindShared
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindPurgeable:
		return "purgeable"
	case KindInode:
		return "inode"
	case KindShared:
		return "shared"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Strategy decides when an object's frames are committed.
type Strategy uint8

const (
	// StrategyNone commits lazily at fault time; a fault may run out of memory.
	StrategyNone Strategy = iota
	// StrategyReserve reserves every frame up front and fills slots lazily.
	// Faults on reserved slots never run out of memory.
	StrategyReserve
	// StrategyAllocateNow fills every slot at creation.
	StrategyAllocateNow
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyReserve:
		return "reserve"
	case StrategyAllocateNow:
		return "allocate-now"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

type slot struct {
	page *physmem.Page
	// cow slots share their page with a fork sibling; writes must copy or
	// take sole ownership first.
	cow bool
	// purged is set when a volatile page was reclaimed and cleared by the
	// next SetVolatile(false) that covers the slot.
	purged bool
	// dirty inode pages differ from the file.
	dirty bool
	// loaded and used are fault clock ticks for reclaim ordering.
	loaded uint64
	used   uint64
}

// cowPool holds the frames committed for breaking COW sharing. One pool
// serves a whole fork family: every fork grows it by one frame per shared
// page, and every reference dropped from a frame that is still shared
// spends one frame, either on a copy or by uncommitting it.
type cowPool struct {
	c    *physmem.Commitment
	refs atomic.Int32
}

func (p *cowPool) ref() *cowPool {
	if p != nil {
		p.refs.Add(1)
	}
	return p
}

func (p *cowPool) unref() {
	if p == nil {
		return
	}
	if p.refs.Add(-1) == 0 {
		p.c.Release()
	}
}

// VMObject owns the content of a run of pages independently of where and
// how often it is mapped. Slot i is always the i-th page of the object.
type VMObject struct {
	kind     Kind
	id       uint64
	mm       *MemoryManager
	strategy Strategy
	// physical objects map frames they did not allocate (MMIO, DMA). They
	// are never purged, reclaimed or duplicated.
	physical bool
	// private inode objects never write back; a dirty slot has diverged.
	private bool
	file    *backingFile

	refs atomic.Int32

	mu        sync.Mutex
	slots     []slot
	volatile  []bool
	regions   map[*Region]struct{}
	commit    *physmem.Commitment
	cow       *cowPool
	observers []func(index int)
	dead      bool
	// retired is closed once a shared inode object has been flushed and
	// unregistered, so a new mapping of the inode can build a fresh cache.
	retired chan struct{}
	// flushing counts writebacks in flight; their slots look clean before
	// the file has the data, so nothing may be reclaimed meanwhile.
	flushing int

	loads singleflight.Group
}

func newObject(mm *MemoryManager, kind Kind, pages int, strategy Strategy) *VMObject {
	o := &VMObject{
		kind:     kind,
		id:       mm.nextObject.Add(1),
		mm:       mm,
		strategy: strategy,
		slots:    make([]slot, pages),
		regions:  make(map[*Region]struct{}),
	}
	if kind == KindPurgeable {
		o.volatile = make([]bool, pages)
	}
	o.refs.Store(1)
	return o
}

// ID returns an identifier unique for the life of the MemoryManager.
func (o *VMObject) ID() uint64 { return o.id }

// Kind returns the variant.
func (o *VMObject) Kind() Kind { return o.kind }

// Strategy returns the commit strategy.
func (o *VMObject) Strategy() Strategy { return o.strategy }

// PageCount returns the number of slots.
func (o *VMObject) PageCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.slots)
}

// Size returns the object size in bytes.
func (o *VMObject) Size() uint64 { return uint64(o.PageCount()) * physmem.PageSize }

// Shared reports whether mappings of the object are shared across fork.
func (o *VMObject) Shared() bool {
	return o.kind == KindShared || (o.kind == KindInode && !o.private)
}

func (o *VMObject) String() string {
	return fmt.Sprintf("%s object %d (%d pages)", o.kind, o.id, len(o.slots))
}

// Ref takes an additional reference.
func (o *VMObject) Ref() *VMObject {
	if n := o.refs.Add(1); n <= 1 {
		panic(errors.Invariant("ref of destroyed %s", o))
	}
	return o
}

func (o *VMObject) tryRef() bool {
	for {
		n := o.refs.Load()
		if n <= 0 {
			return false
		}
		if o.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref drops a reference. The object releases its frames and commitments
// when the last one is gone.
func (o *VMObject) Unref() {
	n := o.refs.Add(-1)
	if n < 0 {
		panic(errors.Invariant("unref of destroyed %s", o))
	}
	if n == 0 {
		o.destroy()
	}
}

func (o *VMObject) destroy() {
	if o.kind == KindInode && !o.private {
		if err := o.Writeback(context.Background()); err != nil {
			o.mm.logger.Printf("[vm] writeback of %s on last unmap: %v", o, err)
		}
	}
	o.mu.Lock()
	if len(o.regions) != 0 {
		o.mu.Unlock()
		panic(errors.Invariant("%s destroyed while still mapped by %d regions", o, len(o.regions)))
	}
	o.dead = true
	for i := range o.slots {
		o.releaseSlotLocked(&o.slots[i])
	}
	o.commit.Release()
	o.commit = nil
	o.cow.unref()
	o.cow = nil
	o.mu.Unlock()
	o.file.unref()
	o.mm.unregisterObject(o)
	if o.retired != nil {
		close(o.retired)
	}
}

// releaseSlotLocked drops the slot's frame. A frame still shared with a fork
// sibling needs one copy less, so the family pool gives that frame back.
func (o *VMObject) releaseSlotLocked(s *slot) {
	p := s.page
	if p == nil {
		return
	}
	s.page = nil
	if !s.cow || o.cow == nil {
		p.Unref()
		return
	}
	mu := o.mm.cowLock(p)
	mu.Lock()
	if p.Refs() > 1 {
		o.cow.c.Uncommit(1)
	}
	p.Unref()
	mu.Unlock()
}

// PhysicalPageFor returns the frame in slot index without allocating.
func (o *VMObject) PhysicalPageFor(index int) (*physmem.Page, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if index < 0 || index >= len(o.slots) || o.slots[index].page == nil {
		return nil, false
	}
	return o.slots[index].page, true
}

// CommitPage makes slot index present, zero filling it if it was absent.
// Concurrent calls on one slot allocate exactly one frame.
func (o *VMObject) CommitPage(index int) (*physmem.Page, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if index < 0 || index >= len(o.slots) {
		return nil, errors.InvalidArgument("slot %d out of range for %s", index, o)
	}
	if o.kind == KindInode {
		return nil, errors.InvalidArgument("inode pages are read in by faults, not committed")
	}
	s := &o.slots[index]
	if s.page != nil {
		return s.page, nil
	}
	p, err := o.allocateLocked(index)
	if err != nil {
		return nil, err
	}
	s.page = p
	s.loaded = o.mm.tick()
	return p, nil
}

// allocateLocked takes a zeroed frame for slot index, drawing from the
// object's commitment when the slot is covered by it.
func (o *VMObject) allocateLocked(index int) (*physmem.Page, error) {
	if o.commit != nil && !o.isVolatileLocked(index) && o.commit.Remaining() > 0 {
		return o.commit.Take(physmem.ZeroFill)
	}
	return o.mm.alloc.AllocateFrame(physmem.ZeroFill)
}

func (o *VMObject) isVolatileLocked(index int) bool {
	return o.volatile != nil && o.volatile[index]
}

// commitAllLocked fills every absent slot. Used by StrategyAllocateNow.
func (o *VMObject) commitAllLocked() error {
	for i := range o.slots {
		if o.slots[i].page != nil {
			continue
		}
		p, err := o.allocateLocked(i)
		if err != nil {
			return err
		}
		o.slots[i].page = p
	}
	return nil
}

// ResidentPages returns the number of present slots in [first, first+count).
func (o *VMObject) ResidentPages(first, count int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for i := first; i < first+count && i < len(o.slots); i++ {
		if o.slots[i].page != nil {
			n++
		}
	}
	return n
}

// IsDirty reports whether slot index must be written back before its frame
// can be reclaimed. Only inode objects have dirty slots.
func (o *VMObject) IsDirty(index int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return index >= 0 && index < len(o.slots) && o.slots[index].dirty
}

// MarkDirty flags a present inode slot as modified.
func (o *VMObject) MarkDirty(index int) error {
	if o.kind != KindInode {
		return errors.InvalidArgument("%s has no backing file", o)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if index < 0 || index >= len(o.slots) || o.slots[index].page == nil {
		return errors.InvalidArgument("slot %d of %s is not present", index, o)
	}
	o.slots[index].dirty = true
	return nil
}

// OnPurged registers fn to run whenever a fault refills a slot whose content
// was purged. fn runs without the object lock held.
func (o *VMObject) OnPurged(fn func(index int)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

func (o *VMObject) attach(r *Region) {
	o.mu.Lock()
	o.regions[r] = struct{}{}
	o.mu.Unlock()
}

func (o *VMObject) detach(r *Region) {
	o.mu.Lock()
	delete(o.regions, r)
	o.mu.Unlock()
}

// unmapSlotLocked removes slot index from every page table that maps it.
func (o *VMObject) unmapSlotLocked(index int) {
	for r := range o.regions {
		if va, ok := r.vaForSlot(index); ok {
			r.as.unmapPage(va)
		}
	}
}

// protectSlotLocked takes write access away from every mapping of slot index.
func (o *VMObject) protectSlotLocked(index int) {
	for r := range o.regions {
		if va, ok := r.vaForSlot(index); ok {
			r.as.protectPage(va)
		}
	}
}

// DuplicateForFork returns a copy of the object whose present slots share
// frames with o. Both sides become copy-on-write. For StrategyReserve the
// frames needed to later break the sharing are committed first, so on error
// nothing has changed.
func (o *VMObject) DuplicateForFork() (*VMObject, error) {
	if o.Shared() || o.physical {
		return nil, errors.InvalidArgument("%s cannot be duplicated for fork", o)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	present, absent := 0, 0
	for i, s := range o.slots {
		switch {
		case s.page != nil:
			present++
		case !o.isVolatileLocked(i):
			absent++
		}
	}
	var childCommit *physmem.Commitment
	if o.strategy == StrategyReserve {
		if err := o.growCOWPoolLocked(present); err != nil {
			return nil, fmt.Errorf("fork %s: %w", o, err)
		}
		c, err := o.mm.alloc.Commit(absent)
		if err != nil {
			o.cow.c.Uncommit(present)
			return nil, fmt.Errorf("fork %s: %w", o, err)
		}
		childCommit = c
	}

	child := newObject(o.mm, o.kind, len(o.slots), o.strategy)
	child.private = o.private
	child.commit = childCommit
	child.cow = o.cow.ref()
	if o.file != nil {
		child.file = o.file.ref()
	}
	if o.volatile != nil {
		copy(child.volatile, o.volatile)
	}
	for i := range o.slots {
		s := &o.slots[i]
		if s.page == nil {
			continue
		}
		child.slots[i] = slot{page: s.page.Ref(), cow: true, dirty: s.dirty, loaded: s.loaded, used: s.used}
		if !s.cow {
			s.cow = true
			o.protectSlotLocked(i)
		}
	}
	o.mm.registerObject(child)
	return child, nil
}

// growCOWPoolLocked commits n more frames to the family pool, creating it on
// the first fork.
func (o *VMObject) growCOWPoolLocked(n int) error {
	if o.cow != nil {
		return o.cow.c.Grow(n)
	}
	c, err := o.mm.alloc.Commit(n)
	if err != nil {
		return err
	}
	o.cow = &cowPool{c: c}
	o.cow.refs.Store(1)
	return nil
}

// SetVolatile marks the slots overlapping [first, first+count) volatile or
// not. Making slots volatile only makes them eligible for purging. Making
// them non-volatile reports whether any of them was purged in between and,
// for StrategyReserve, re-reserves frames for the slots that are absent.
func (o *VMObject) SetVolatile(first, count int, volatile bool) (wasPurged bool, err error) {
	if o.kind != KindPurgeable {
		return false, errors.InvalidArgument("%s is not purgeable", o)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if first < 0 || count < 0 || first+count > len(o.slots) {
		return false, errors.InvalidArgument("volatile range %d+%d outside %s", first, count, o)
	}
	changing := 0
	for i := first; i < first+count; i++ {
		if o.volatile[i] != volatile && o.slots[i].page == nil {
			changing++
		}
	}
	if o.commit != nil {
		if volatile {
			o.commit.Uncommit(changing)
		} else if err := o.commit.Grow(changing); err != nil {
			return false, err
		}
	}
	for i := first; i < first+count; i++ {
		o.volatile[i] = volatile
		if !volatile && o.slots[i].purged {
			wasPurged = true
			o.slots[i].purged = false
		}
	}
	return wasPurged, nil
}

// purgeVolatile releases every present volatile frame that no fork sibling
// shares. It returns the number of frames given back.
func (o *VMObject) purgeVolatile() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead || o.volatile == nil {
		return 0
	}
	n := 0
	for i := range o.slots {
		s := &o.slots[i]
		if !o.volatile[i] || s.page == nil || s.page.Refs() != 1 {
			continue
		}
		o.unmapSlotLocked(i)
		s.page.Unref()
		*s = slot{purged: true}
		n++
	}
	return n
}

// reclaimCandidates lists clean inode slots that can be dropped and re-read.
func (o *VMObject) reclaimCandidates(byLoad bool) []reclaimCandidate {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead {
		return nil
	}
	var out []reclaimCandidate
	for i, s := range o.slots {
		if !o.reclaimableLocked(i) {
			continue
		}
		tick := s.used
		if byLoad {
			tick = s.loaded
		}
		out = append(out, reclaimCandidate{obj: o, index: i, tick: tick})
	}
	return out
}

func (o *VMObject) reclaimableLocked(index int) bool {
	s := o.slots[index]
	return o.flushing == 0 && s.page != nil && !s.dirty && !s.cow && s.page.Refs() == 1
}

// evict drops a clean slot if it is still the page the candidate saw.
func (o *VMObject) evict(c reclaimCandidate, byLoad bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead || !o.reclaimableLocked(c.index) {
		return false
	}
	s := &o.slots[c.index]
	tick := s.used
	if byLoad {
		tick = s.loaded
	}
	if tick != c.tick {
		return false
	}
	o.unmapSlotLocked(c.index)
	s.page.Unref()
	*s = slot{}
	return true
}
