package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/vmcore/internal/errors"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

// maxAccessAttempts bounds how often one access re-faults before giving up.
// Each attempt already includes the fault handler's own purge retries.
const maxAccessAttempts = 8

// Backing selects the object a new Region maps.
type Backing struct {
	// Object is mapped starting at Offset. A nil Object gets a fresh
	// anonymous object sized to the region.
	Object *VMObject
	Offset uint64
}

// RegionOptions carry the metadata of a new Region.
type RegionOptions struct {
	Name  string
	Flags RegionFlags
	// Strategy applies to the anonymous object created for a nil Backing.
	Strategy Strategy
	// Populate faults in every page before the region is returned.
	Populate   bool
	MemoryType MemoryType
}

// RegionInfo is a point-in-time description of one Region.
type RegionInfo struct {
	Name     string `json:"name"`
	Start    uint64 `json:"start"`
	End      uint64 `json:"end"`
	Prot     string `json:"prot"`
	Flags    string `json:"flags"`
	Memory   string `json:"memory_type"`
	Object   string `json:"object"`
	ObjectID uint64 `json:"object_id"`
	Resident int    `json:"resident_pages"`
}

// AddressSpace is one set of non-overlapping Regions and the page table
// that translates them.
type AddressSpace struct {
	mm     *MemoryManager
	asid   uint32
	kernel bool
	window Range
	pt     PageTable

	// cpus has bit i set once core i has run in the space.
	cpus atomic.Uint64

	mu        sync.RWMutex
	regions   []*Region // sorted by start
	destroyed bool
}

// ID returns the address space identifier used to tag TLB entries.
func (as *AddressSpace) ID() uint32 { return as.asid }

// Window returns the range regions may be placed in.
func (as *AddressSpace) Window() Range { return as.window }

// PageTable returns the page table of the space.
func (as *AddressSpace) PageTable() PageTable { return as.pt }

// IsKernel reports whether this is the kernel address space.
func (as *AddressSpace) IsKernel() bool { return as.kernel }

// AllocateRegion maps size bytes, rounded up to whole pages, at the lowest
// free address of the window.
func (as *AddressSpace) AllocateRegion(size uint64, prot Prot, b Backing, opts RegionOptions) (*Region, error) {
	return as.allocate(nil, size, prot, b, opts)
}

// AllocateRegionAt maps size bytes at base. It fails rather than replace
// an existing mapping.
func (as *AddressSpace) AllocateRegionAt(base VirtAddr, size uint64, prot Prot, b Backing, opts RegionOptions) (*Region, error) {
	return as.allocate(&base, size, prot, b, opts)
}

func (as *AddressSpace) allocate(at *VirtAddr, size uint64, prot Prot, b Backing, opts RegionOptions) (*Region, error) {
	if size == 0 {
		return nil, errors.InvalidSize(0, "region")
	}
	size = uint64(VirtAddr(size).PageUp())
	if size == 0 {
		return nil, errors.OutOfVirtualSpace(size)
	}
	obj, err := as.backingFor(size, b, opts)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	rng, err := as.placeLocked(at, size)
	if err != nil {
		as.mu.Unlock()
		obj.Unref()
		return nil, err
	}
	flags := opts.Flags
	if obj.Shared() {
		flags |= RegionShared
	}
	if as.kernel {
		flags |= RegionKernel
	}
	r := &Region{
		as:     as,
		rng:    rng,
		object: obj,
		offset: int(b.Offset >> physmem.PageShift),
		flags:  flags,
		mtype:  opts.MemoryType,
		name:   opts.Name,
		prot:   prot,
		mapped: true,
	}
	as.insertLocked(r)
	obj.attach(r)
	as.mu.Unlock()

	if opts.Populate {
		if err := as.populate(r); err != nil {
			_ = as.UnmapRegion(r)
			return nil, err
		}
	}
	return r, nil
}

func (as *AddressSpace) backingFor(size uint64, b Backing, opts RegionOptions) (*VMObject, error) {
	if b.Object == nil {
		if b.Offset != 0 {
			return nil, errors.InvalidArgument("offset 0x%x without a backing object", b.Offset)
		}
		return as.mm.NewAnonymous(size, opts.Strategy)
	}
	if !pageAligned(b.Offset) {
		return nil, errors.InvalidArgument("backing offset 0x%x is not page aligned", b.Offset)
	}
	if b.Offset+size > b.Object.Size() || b.Offset+size < b.Offset {
		return nil, errors.InvalidArgument("mapping of 0x%x bytes at 0x%x runs past %s", size, b.Offset, b.Object)
	}
	return b.Object.Ref(), nil
}

func (as *AddressSpace) placeLocked(at *VirtAddr, size uint64) (Range, error) {
	if as.destroyed {
		return Range{}, errors.InvalidArgument("address space %d is destroyed", as.asid)
	}
	if at == nil {
		start, ok := as.findGapLocked(size)
		if !ok {
			return Range{}, errors.OutOfVirtualSpace(size)
		}
		return Range{Start: start, End: start + VirtAddr(size)}, nil
	}
	rng := Range{Start: *at, End: *at + VirtAddr(size)}
	if !pageAligned(uint64(rng.Start)) {
		return Range{}, errors.InvalidArgument("fixed mapping at %s is not page aligned", rng.Start)
	}
	if rng.End < rng.Start || rng.Start < as.window.Start || rng.End > as.window.End {
		return Range{}, errors.InvalidArgument("fixed mapping %s outside %s", rng, as.window)
	}
	for _, r := range as.regions {
		if r.rng.Overlaps(rng) {
			return Range{}, errors.InvalidArgument("fixed mapping %s overlaps %s", rng, r)
		}
	}
	return rng, nil
}

// findGapLocked returns the lowest address with size free bytes after it.
func (as *AddressSpace) findGapLocked(size uint64) (VirtAddr, bool) {
	cursor := as.window.Start
	for _, r := range as.regions {
		if r.rng.Start > cursor && uint64(r.rng.Start-cursor) >= size {
			return cursor, true
		}
		if r.rng.End > cursor {
			cursor = r.rng.End
		}
	}
	if as.window.End > cursor && uint64(as.window.End-cursor) >= size {
		return cursor, true
	}
	return 0, false
}

func (as *AddressSpace) insertLocked(r *Region) {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].rng.Start >= r.rng.Start })
	if (i > 0 && as.regions[i-1].rng.Overlaps(r.rng)) || (i < len(as.regions) && as.regions[i].rng.Overlaps(r.rng)) {
		panic(errors.Invariant("region %s overlaps an existing region", r))
	}
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
}

func (as *AddressSpace) removeLocked(r *Region) bool {
	for i, x := range as.regions {
		if x == r {
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			return true
		}
	}
	return false
}

func (as *AddressSpace) populate(r *Region) error {
	write := r.Prot().Allows(true)
	for va := r.rng.Start; va < r.rng.End; va += physmem.PageSize {
		switch res := r.HandleFault(va, write); res {
		case Continue:
		case OutOfMemory:
			return errors.OutOfMemory("populate region", 1)
		default:
			return errors.InvalidArgument("populate %s: %s at %s", r, res, va)
		}
	}
	return nil
}

// UnmapRegion removes r, drops its translations and releases its object
// reference.
func (as *AddressSpace) UnmapRegion(r *Region) error {
	as.mu.Lock()
	if r.as != as || !as.removeLocked(r) {
		as.mu.Unlock()
		return errors.RegionNotFound(uint64(r.rng.Start))
	}
	as.unmapRangeLocked(r.rng)
	r.mapped = false
	r.object.detach(r)
	as.mu.Unlock()
	r.object.Unref()
	return nil
}

// UnmapRange removes every mapping inside [start, start+size). Regions that
// straddle an edge are split and keep their outer parts.
func (as *AddressSpace) UnmapRange(start VirtAddr, size uint64) error {
	if size == 0 {
		return errors.InvalidSize(0, "unmap")
	}
	rng := Range{Start: start.PageDown(), End: (start + VirtAddr(size)).PageUp()}
	as.mu.Lock()
	var dropped []*Region
	for _, r := range append([]*Region(nil), as.regions...) {
		if !r.rng.Overlaps(rng) {
			continue
		}
		as.removeLocked(r)
		cut := Range{Start: max(r.rng.Start, rng.Start), End: min(r.rng.End, rng.End)}
		as.unmapRangeLocked(cut)
		if r.rng.Start < cut.Start {
			as.splitLocked(r, Range{Start: r.rng.Start, End: cut.Start})
		}
		if cut.End < r.rng.End {
			as.splitLocked(r, Range{Start: cut.End, End: r.rng.End})
		}
		r.mapped = false
		r.object.detach(r)
		dropped = append(dropped, r)
	}
	as.mu.Unlock()
	for _, r := range dropped {
		r.object.Unref()
	}
	return nil
}

// splitLocked adds the part of r covering rng as a region of its own.
func (as *AddressSpace) splitLocked(r *Region, rng Range) {
	part := &Region{
		as:     as,
		rng:    rng,
		object: r.object.Ref(),
		offset: r.slotIndex(rng.Start),
		flags:  r.flags,
		mtype:  r.mtype,
		name:   r.name,
		prot:   r.prot,
		mapped: true,
	}
	r.object.attach(part)
	as.insertLocked(part)
}

// RegionContaining returns the region mapping va.
func (as *AddressSpace) RegionContaining(va VirtAddr) (*Region, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	r := as.regionContainingLocked(va)
	return r, r != nil
}

func (as *AddressSpace) regionContainingLocked(va VirtAddr) *Region {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].rng.End > va })
	if i < len(as.regions) && as.regions[i].rng.Contains(va) {
		return as.regions[i]
	}
	return nil
}

// Regions returns the regions in address order.
func (as *AddressSpace) Regions() []*Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return append([]*Region(nil), as.regions...)
}

// Snapshot describes every region for diagnostics.
func (as *AddressSpace) Snapshot() []RegionInfo {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make([]RegionInfo, 0, len(as.regions))
	for _, r := range as.regions {
		out = append(out, RegionInfo{
			Name:     r.name,
			Start:    uint64(r.rng.Start),
			End:      uint64(r.rng.End),
			Prot:     r.prot.String(),
			Flags:    r.flags.String(),
			Memory:   r.mtype.String(),
			Object:   r.object.Kind().String(),
			ObjectID: r.object.ID(),
			Resident: r.object.ResidentPages(r.offset, r.rng.Pages()),
		})
	}
	return out
}

// Activate records that cpu runs in this space from now on.
func (as *AddressSpace) Activate(cpu *CPU) {
	as.cpus.Or(1 << uint(cpu.id))
	cpu.mu.Lock()
	cpu.active = as
	cpu.mu.Unlock()
}

// handleFault looks up the region for va and resolves the fault in it.
func (as *AddressSpace) handleFault(va VirtAddr, write bool) FaultResolution {
	as.mu.RLock()
	defer as.mu.RUnlock()
	r := as.regionContainingLocked(va)
	if r == nil {
		return AccessViolation
	}
	return r.handleFault(va, write)
}

// CloneForFork returns a new address space with the same layout. Private
// regions become copy-on-write pairs and shared regions map the same
// object. Either every region is cloned or the child is torn down.
func (as *AddressSpace) CloneForFork() (*AddressSpace, error) {
	if as.kernel {
		return nil, errors.InvalidArgument("the kernel address space cannot be forked")
	}
	child := as.mm.NewAddressSpace()
	as.mu.Lock()
	defer as.mu.Unlock()
	dups := make(map[*VMObject]*VMObject)
	for _, r := range as.regions {
		obj := r.object
		var cobj *VMObject
		switch d, ok := dups[obj]; {
		case r.flags&RegionShared != 0 || obj.Shared() || obj.physical:
			cobj = obj.Ref()
		case ok:
			cobj = d.Ref()
		default:
			var err error
			if cobj, err = obj.DuplicateForFork(); err != nil {
				as.mm.logger.Printf("[vm] fork of address space %d rolled back: %v", as.asid, err)
				child.Destroy()
				return nil, err
			}
			dups[obj] = cobj
		}
		cr := &Region{
			as:     child,
			rng:    r.rng,
			object: cobj,
			offset: r.offset,
			flags:  r.flags,
			mtype:  r.mtype,
			name:   r.name,
			prot:   r.prot,
			mapped: true,
		}
		child.mu.Lock()
		child.regions = append(child.regions, cr)
		child.mu.Unlock()
		cobj.attach(cr)
	}
	return child, nil
}

// Destroy unmaps every region. The space cannot be used afterwards.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	if as.destroyed {
		as.mu.Unlock()
		return
	}
	as.destroyed = true
	regions := as.regions
	as.regions = nil
	for _, r := range regions {
		as.unmapRangeLocked(r.rng)
		r.mapped = false
		r.object.detach(r)
	}
	as.mu.Unlock()
	for _, r := range regions {
		r.object.Unref()
	}
	for _, c := range as.mm.cpus {
		c.flush(as.asid)
	}
	as.mm.unregisterSpace(as)
}

// Read copies len(buf) bytes starting at va through cpu's translations,
// faulting pages in as needed.
func (as *AddressSpace) Read(cpu *CPU, va VirtAddr, buf []byte) error {
	return as.access(cpu, va, buf, false)
}

// Write stores buf at va through cpu's translations.
func (as *AddressSpace) Write(cpu *CPU, va VirtAddr, buf []byte) error {
	return as.access(cpu, va, buf, true)
}

func (as *AddressSpace) access(cpu *CPU, va VirtAddr, buf []byte, write bool) error {
	for done := 0; done < len(buf); {
		cur := va + VirtAddr(done)
		n := min(physmem.PageSize-cur.PageOffset(), len(buf)-done)
		if err := as.accessPage(cpu, cur, buf[done:done+n], write); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (as *AddressSpace) accessPage(cpu *CPU, va VirtAddr, chunk []byte, write bool) error {
	do := func(p *physmem.Page, off int) {
		if write {
			p.WriteAt(chunk, off)
		} else {
			p.ReadAt(chunk, off)
		}
	}
	for attempt := 0; ; attempt++ {
		if cpu.translate(as, va, write, do) {
			return nil
		}
		if attempt == maxAccessAttempts {
			return &Fault{Addr: va, Write: write, Resolution: OutOfMemory}
		}
		if res := as.mm.HandlePageFault(va, write, !as.kernel, as); res != Continue {
			return &Fault{Addr: va, Write: write, Resolution: res}
		}
	}
}

func (as *AddressSpace) mapPage(va VirtAddr, p *physmem.Page, prot Prot) error {
	_, had := as.pt.Lookup(va)
	if err := as.pt.Map(va, p.Addr(), prot); err != nil {
		return err
	}
	if had {
		as.invalidate(va)
	}
	return nil
}

func (as *AddressSpace) unmapPage(va VirtAddr) {
	if as.pt.Unmap(va) {
		as.invalidate(va)
	}
}

func (as *AddressSpace) protectPage(va VirtAddr) {
	pte, ok := as.pt.Lookup(va)
	if !ok || pte.Prot&ProtWrite == 0 {
		return
	}
	_ = as.pt.Map(va, pte.Frame, pte.Prot&^ProtWrite)
	as.invalidate(va)
}

func (as *AddressSpace) unmapRangeLocked(rng Range) {
	for va := rng.Start; va < rng.End; va += physmem.PageSize {
		as.unmapPage(va)
	}
}

func (as *AddressSpace) invalidate(va VirtAddr) {
	as.pt.Invalidate(va)
	as.mm.shootdown(as, va)
}
