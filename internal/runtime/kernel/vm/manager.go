package vm

import (
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/vmcore/internal/errors"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/mmconfig"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
	"github.com/orizon-lang/vmcore/internal/runtime/vfs"
)

// Option configures a MemoryManager.
type Option func(*MemoryManager)

// WithLogger sets the logger for boot, pressure and fork events.
func WithLogger(l *log.Logger) Option {
	return func(mm *MemoryManager) { mm.logger = l }
}

// WithPageTableFactory replaces the page table used by new address spaces.
func WithPageTableFactory(f func() PageTable) Option {
	return func(mm *MemoryManager) { mm.newPageTable = f }
}

type counters struct {
	faults        atomic.Uint64
	zeroFills     atomic.Uint64
	inodeReads    atomic.Uint64
	purgedRefills atomic.Uint64
	cowCopies     atomic.Uint64
	cowUpgrades   atomic.Uint64
	violations    atomic.Uint64
	outOfMemory   atomic.Uint64
	retries       atomic.Uint64
	purged        atomic.Uint64
	reclaimed     atomic.Uint64
	shootdowns    atomic.Uint64
}

// FaultStats counts page faults by how they were resolved.
type FaultStats struct {
	Total        uint64 `json:"total"`
	ZeroFill     uint64 `json:"zero_fill"`
	InodeRead    uint64 `json:"inode_read"`
	PurgedRefill uint64 `json:"purged_refill"`
	COWCopy      uint64 `json:"cow_copy"`
	COWUpgrade   uint64 `json:"cow_upgrade"`
	Violations   uint64 `json:"violations"`
	OutOfMemory  uint64 `json:"out_of_memory"`
	Retries      uint64 `json:"retries"`
}

// Stats is a snapshot of the memory manager.
type Stats struct {
	Frames         physmem.Stats `json:"frames"`
	Faults         FaultStats    `json:"faults"`
	PagesPurged    uint64        `json:"pages_purged"`
	PagesReclaimed uint64        `json:"pages_reclaimed"`
	TLBShootdowns  uint64        `json:"tlb_shootdowns"`
	Objects        int           `json:"objects"`
	AddressSpaces  int           `json:"address_spaces"`
}

// MemoryManager owns physical memory, the kernel address space and the
// fault protocol. There is one per booted system.
type MemoryManager struct {
	cfg          *mmconfig.Config
	alloc        *physmem.Allocator
	logger       *log.Logger
	newPageTable func() PageTable
	tunables     atomic.Pointer[mmconfig.Tunables]

	cpus   []*CPU
	kernel *AddressSpace

	nextASID   atomic.Uint32
	nextObject atomic.Uint64
	clock      atomic.Uint64
	counters   counters

	// cowLocks serialize COW breaks and releases of shared frames, striped
	// by frame number. Taken under an object lock, never the other way.
	cowLocks [64]sync.Mutex

	// objMu guards the registries. It is never held while taking an
	// object lock.
	objMu   sync.Mutex
	objects map[uint64]*VMObject
	inodes  map[uint64]*VMObject
	spaces  map[uint32]*AddressSpace
}

// New boots a memory manager from a configuration and a memory map.
func New(cfg *mmconfig.Config, m *physmem.MemoryMap, opts ...Option) (*MemoryManager, error) {
	if cfg == nil {
		cfg = mmconfig.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mm := &MemoryManager{
		cfg:          cfg,
		logger:       log.New(io.Discard, "", 0),
		newPageTable: func() PageTable { return NewSoftPageTable() },
		objects:      make(map[uint64]*VMObject),
		inodes:       make(map[uint64]*VMObject),
		spaces:       make(map[uint32]*AddressSpace),
	}
	for _, opt := range opts {
		opt(mm)
	}
	alloc, err := physmem.NewAllocator(m, mm.logger)
	if err != nil {
		return nil, err
	}
	mm.alloc = alloc
	t := cfg.Tunables
	mm.tunables.Store(&t)
	for i := 0; i < cfg.CPUs; i++ {
		mm.cpus = append(mm.cpus, newCPU(i, mm))
	}
	ks := cfg.KernelSpace
	mm.kernel = mm.newAddressSpace(Range{Start: VirtAddr(ks.Base), End: VirtAddr(ks.End())}, true)
	mm.logger.Printf("[vm] booted: %d cpus, %d frames, kernel window %s", cfg.CPUs, alloc.Stats().Total, mm.kernel.window)
	return mm, nil
}

func (mm *MemoryManager) newAddressSpace(window Range, kernel bool) *AddressSpace {
	as := &AddressSpace{
		mm:     mm,
		asid:   mm.nextASID.Add(1),
		kernel: kernel,
		window: window,
		pt:     mm.newPageTable(),
	}
	mm.objMu.Lock()
	mm.spaces[as.asid] = as
	mm.objMu.Unlock()
	return as
}

// NewAddressSpace returns an empty user address space.
func (mm *MemoryManager) NewAddressSpace() *AddressSpace {
	us := mm.cfg.UserSpace
	return mm.newAddressSpace(Range{Start: VirtAddr(us.Base), End: VirtAddr(us.End())}, false)
}

func (mm *MemoryManager) unregisterSpace(as *AddressSpace) {
	mm.objMu.Lock()
	delete(mm.spaces, as.asid)
	mm.objMu.Unlock()
}

// KernelSpace returns the kernel address space.
func (mm *MemoryManager) KernelSpace() *AddressSpace { return mm.kernel }

// Allocator returns the physical frame allocator.
func (mm *MemoryManager) Allocator() *physmem.Allocator { return mm.alloc }

// CPU returns core i.
func (mm *MemoryManager) CPU(i int) *CPU { return mm.cpus[i] }

// CPUs returns the number of cores.
func (mm *MemoryManager) CPUs() int { return len(mm.cpus) }

// Tunables returns the tunables in effect.
func (mm *MemoryManager) Tunables() mmconfig.Tunables { return *mm.tunables.Load() }

// SetTunables swaps the runtime tunables.
func (mm *MemoryManager) SetTunables(t mmconfig.Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	mm.tunables.Store(&t)
	return nil
}

func (mm *MemoryManager) tick() uint64 { return mm.clock.Add(1) }

func (mm *MemoryManager) cowLock(p *physmem.Page) *sync.Mutex {
	return &mm.cowLocks[uint64(p.FrameNumber())%uint64(len(mm.cowLocks))]
}

func (mm *MemoryManager) registerObject(o *VMObject) {
	mm.objMu.Lock()
	mm.objects[o.id] = o
	mm.objMu.Unlock()
}

func (mm *MemoryManager) unregisterObject(o *VMObject) {
	mm.objMu.Lock()
	delete(mm.objects, o.id)
	if o.kind == KindInode && !o.private && o.file != nil {
		if cur, ok := mm.inodes[o.file.ino.ID()]; ok && cur == o {
			delete(mm.inodes, o.file.ino.ID())
		}
	}
	mm.objMu.Unlock()
}

func (mm *MemoryManager) snapshotObjects(kind Kind) []*VMObject {
	mm.objMu.Lock()
	defer mm.objMu.Unlock()
	var out []*VMObject
	for _, o := range mm.objects {
		if o.kind == kind {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (mm *MemoryManager) newAnonymousObject(kind Kind, size uint64, strategy Strategy) (*VMObject, error) {
	if size == 0 {
		return nil, errors.InvalidSize(0, kind.String()+" object")
	}
	pages := pagesFor(size)
	o := newObject(mm, kind, pages, strategy)
	switch strategy {
	case StrategyReserve:
		c, err := mm.alloc.Commit(pages)
		if err != nil {
			return nil, err
		}
		o.commit = c
	case StrategyAllocateNow:
		c, err := mm.alloc.Commit(pages)
		if err != nil {
			return nil, err
		}
		o.commit = c
		o.mu.Lock()
		err = o.commitAllLocked()
		o.mu.Unlock()
		c.Release()
		o.commit = nil
		if err != nil {
			o.Unref()
			return nil, err
		}
	}
	mm.registerObject(o)
	return o, nil
}

// NewAnonymous returns a zero-filled object. The caller owns one reference.
func (mm *MemoryManager) NewAnonymous(size uint64, strategy Strategy) (*VMObject, error) {
	return mm.newAnonymousObject(KindAnonymous, size, strategy)
}

// NewPurgeable returns an object whose ranges can be marked volatile.
func (mm *MemoryManager) NewPurgeable(size uint64, strategy Strategy) (*VMObject, error) {
	return mm.newAnonymousObject(KindPurgeable, size, strategy)
}

// NewShared returns an anonymous object that stays shared across fork.
func (mm *MemoryManager) NewShared(size uint64, strategy Strategy) (*VMObject, error) {
	return mm.newAnonymousObject(KindShared, size, strategy)
}

// InodeObject returns an object backed by the file name. Shared objects are
// the page cache of the file, so every shared mapping of one inode gets the
// same object. Private objects are a fresh clean copy each time.
//
// A shared lookup that finds the previous page cache of the inode in its
// final writeback waits for the flush, so the new cache reads current data.
func (mm *MemoryManager) InodeObject(fsys vfs.FileSystem, name string, shared bool) (*VMObject, error) {
	if shared {
		id, err := fsys.InodeNumber(name)
		if err != nil {
			return nil, err
		}
		for {
			mm.objMu.Lock()
			o, retired := mm.lookupInodeLocked(id)
			mm.objMu.Unlock()
			if o != nil {
				return o, nil
			}
			if retired == nil {
				break
			}
			<-retired
		}
	}
	ino, err := vfs.OpenInode(fsys, name)
	if err != nil {
		return nil, err
	}
	size := ino.Size()
	if size <= 0 {
		_ = ino.Close()
		return nil, errors.InvalidSize(uint64(size), "mapping of "+name)
	}
	o := newObject(mm, KindInode, pagesFor(uint64(size)), StrategyNone)
	o.private = !shared
	o.file = newBackingFile(ino)

	mm.objMu.Lock()
	if shared {
		// Lost a race with another first mapping of the same inode, or with
		// the teardown of one.
		if cur, retired := mm.lookupInodeLocked(ino.ID()); cur != nil || retired != nil {
			mm.objMu.Unlock()
			o.file.unref()
			if cur != nil {
				return cur, nil
			}
			<-retired
			return mm.InodeObject(fsys, name, shared)
		}
		o.retired = make(chan struct{})
		mm.inodes[ino.ID()] = o
	}
	mm.objects[o.id] = o
	mm.objMu.Unlock()
	return o, nil
}

// lookupInodeLocked returns a new reference to the page cache of inode id.
// If the registered cache is being torn down it returns the channel that
// closes when that is done instead.
func (mm *MemoryManager) lookupInodeLocked(id uint64) (*VMObject, <-chan struct{}) {
	o, ok := mm.inodes[id]
	switch {
	case !ok:
		return nil, nil
	case o.tryRef():
		return o, nil
	default:
		return nil, o.retired
	}
}

// physicalObject wraps frames the caller already holds a reference on.
func (mm *MemoryManager) physicalObject(pages []*physmem.Page) *VMObject {
	o := newObject(mm, KindAnonymous, len(pages), StrategyNone)
	o.physical = true
	for i, p := range pages {
		o.slots[i].page = p
	}
	mm.registerObject(o)
	return o
}

// HandlePageFault resolves a fault at va in as. Faults in the kernel window
// are resolved in the kernel space and are violations from user mode.
// Running out of memory triggers purge passes, retried while they make
// progress and at most FaultRetries times.
func (mm *MemoryManager) HandlePageFault(va VirtAddr, write, user bool, as *AddressSpace) FaultResolution {
	mm.counters.faults.Add(1)
	if mm.kernel.window.Contains(va) {
		if user {
			mm.counters.violations.Add(1)
			return AccessViolation
		}
		as = mm.kernel
	}
	if as == nil {
		mm.counters.violations.Add(1)
		return AccessViolation
	}
	t := mm.Tunables()
	for attempt := 0; ; attempt++ {
		res := as.handleFault(va, write)
		switch res {
		case AccessViolation:
			mm.counters.violations.Add(1)
			return res
		case OutOfMemory:
			if !t.PurgeOnPressure || attempt >= t.FaultRetries {
				mm.counters.outOfMemory.Add(1)
				return res
			}
			mm.counters.retries.Add(1)
			if mm.RunPurgePass() == 0 {
				mm.counters.outOfMemory.Add(1)
				return res
			}
		default:
			return res
		}
	}
}

// PurgeVolatilePages releases every volatile frame of every purgeable
// object and returns how many frames were given back.
func (mm *MemoryManager) PurgeVolatilePages() int {
	total := 0
	for _, o := range mm.snapshotObjects(KindPurgeable) {
		total += o.purgeVolatile()
	}
	mm.counters.purged.Add(uint64(total))
	return total
}

// RunPurgePass reacts to memory pressure. Volatile pages go first; if that
// frees fewer than ReclaimBatch frames, clean file pages are dropped in
// ReclaimPolicy order to make up the difference.
func (mm *MemoryManager) RunPurgePass() int {
	t := mm.Tunables()
	purged := mm.PurgeVolatilePages()
	reclaimed := 0
	if want := t.ReclaimBatch - purged; want > 0 {
		reclaimed = mm.reclaimClean(want, t.ReclaimPolicy)
	}
	if purged+reclaimed > 0 {
		mm.logger.Printf("[reclaim] purged %d volatile pages, reclaimed %d clean pages", purged, reclaimed)
	}
	return purged + reclaimed
}

// Close tears down the kernel space and returns host memory. Frames still
// mapped by user address spaces become invalid.
func (mm *MemoryManager) Close() error {
	mm.kernel.Destroy()
	return mm.alloc.Close()
}

// Stats returns current counters.
func (mm *MemoryManager) Stats() Stats {
	c := &mm.counters
	mm.objMu.Lock()
	objects, spaces := len(mm.objects), len(mm.spaces)
	mm.objMu.Unlock()
	return Stats{
		Frames: mm.alloc.Stats(),
		Faults: FaultStats{
			Total:        c.faults.Load(),
			ZeroFill:     c.zeroFills.Load(),
			InodeRead:    c.inodeReads.Load(),
			PurgedRefill: c.purgedRefills.Load(),
			COWCopy:      c.cowCopies.Load(),
			COWUpgrade:   c.cowUpgrades.Load(),
			Violations:   c.violations.Load(),
			OutOfMemory:  c.outOfMemory.Load(),
			Retries:      c.retries.Load(),
		},
		PagesPurged:    c.purged.Load(),
		PagesReclaimed: c.reclaimed.Load(),
		TLBShootdowns:  c.shootdowns.Load(),
		Objects:        objects,
		AddressSpaces:  spaces,
	}
}

// AddressSpaces returns every live address space, kernel first.
func (mm *MemoryManager) AddressSpaces() []*AddressSpace {
	mm.objMu.Lock()
	defer mm.objMu.Unlock()
	out := make([]*AddressSpace, 0, len(mm.spaces))
	for _, as := range mm.spaces {
		out = append(out, as)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].asid < out[j].asid })
	return out
}
