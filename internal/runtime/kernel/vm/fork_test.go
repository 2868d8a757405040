package vm

import (
	"bytes"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/orizon-lang/vmcore/internal/errors"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

func TestFork_CopyOnWrite(t *testing.T) {
	mm := newTestManager(t, 16)
	parent := mm.NewAddressSpace()
	r := mustRegion(t, parent, 2, ProtRW, Backing{}, RegionOptions{Name: "data"})
	c0, c1 := mm.CPU(0), mm.CPU(1)
	parent.Activate(c0)
	if err := parent.Write(c0, r.Base(), bytes.Repeat([]byte{0x5a}, 2*pageSize)); err != nil {
		t.Fatal(err)
	}

	child, err := parent.CloneForFork()
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	child.Activate(c1)
	cr, ok := child.RegionContaining(r.Base())
	if !ok || cr.Name() != "data" || cr.Object() == r.Object() {
		t.Fatalf("child region = %v", cr)
	}
	var orig [2]*physmem.Page
	for i := range orig {
		pp, _ := r.Object().PhysicalPageFor(i)
		cp, _ := cr.Object().PhysicalPageFor(i)
		if pp == nil || pp != cp {
			t.Fatalf("slot %d: parent %v child %v", i, pp, cp)
		}
		if pp.Refs() != 2 {
			t.Fatalf("slot %d refs = %d, want 2", i, pp.Refs())
		}
		orig[i] = pp
	}

	if err := child.Write(c1, cr.Base(), []byte("child")); err != nil {
		t.Fatalf("child write: %v", err)
	}
	cp0, _ := cr.Object().PhysicalPageFor(0)
	pp0, _ := r.Object().PhysicalPageFor(0)
	if cp0 == orig[0] || pp0 != orig[0] {
		t.Fatalf("copy went to the wrong side: parent %v child %v orig %v", pp0, cp0, orig[0])
	}
	if orig[0].Refs() != 1 {
		t.Fatalf("original refs = %d, want 1", orig[0].Refs())
	}
	got := make([]byte, 6)
	if err := parent.Read(c0, r.Base(), got); err != nil || !bytes.Equal(got, bytes.Repeat([]byte{0x5a}, 6)) {
		t.Fatalf("parent sees %q, %v", got, err)
	}
	if err := child.Read(c1, cr.Base(), got); err != nil || string(got) != "child\x5a" {
		t.Fatalf("child sees %q, %v", got, err)
	}

	// And the other way round.
	if err := parent.Write(c0, pageOf(r, 1), []byte("parent")); err != nil {
		t.Fatal(err)
	}
	if err := child.Read(c1, pageOf(cr, 1), got); err != nil || !bytes.Equal(got, bytes.Repeat([]byte{0x5a}, 6)) {
		t.Fatalf("child sees parent's write: %q, %v", got, err)
	}

	// Sole owner again: the child's next write upgrades in place.
	upgrades := mm.Stats().Faults.COWUpgrade
	used := mm.Stats().Frames.Used
	if err := child.Write(c1, pageOf(cr, 1), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if st := mm.Stats(); st.Faults.COWUpgrade != upgrades+1 || st.Frames.Used != used {
		t.Fatalf("expected in-place upgrade: %+v", st)
	}
	if st := mm.Stats(); st.Faults.COWCopy != 2 {
		t.Fatalf("cow copies = %d, want 2", st.Faults.COWCopy)
	}
}

func TestFork_SharedRegionStaysShared(t *testing.T) {
	mm := newTestManager(t, 16)
	parent := mm.NewAddressSpace()
	shm, err := mm.NewShared(pageSize, StrategyNone)
	if err != nil {
		t.Fatal(err)
	}
	r := mustRegion(t, parent, 1, ProtRW, Backing{Object: shm}, RegionOptions{Name: "shm"})
	shm.Unref()
	if r.Flags()&RegionShared == 0 {
		t.Fatalf("shared object mapped without the shared flag: %v", r.Flags())
	}
	child, err := parent.CloneForFork()
	if err != nil {
		t.Fatal(err)
	}
	cr, _ := child.RegionContaining(r.Base())
	if cr.Object() != r.Object() {
		t.Fatalf("shared region was copied")
	}
	if err := child.Write(mm.CPU(1), cr.Base(), []byte("hi")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 2)
	if err := parent.Read(mm.CPU(0), r.Base(), got); err != nil || string(got) != "hi" {
		t.Fatalf("parent sees %q, %v", got, err)
	}
	child.Destroy()
	if _, ok := r.Object().PhysicalPageFor(0); !ok {
		t.Fatalf("child teardown released the parent's page")
	}
}

func TestFork_RollsBackOnOutOfMemory(t *testing.T) {
	mm := newTestManager(t, 16)
	as := mm.NewAddressSpace()
	a := mustRegion(t, as, 1, ProtRW, Backing{}, RegionOptions{Name: "a", Strategy: StrategyReserve})
	b := mustRegion(t, as, 4, ProtRW, Backing{}, RegionOptions{Name: "b", Strategy: StrategyReserve})
	cpu := mm.CPU(0)
	for _, r := range []*Region{a, b} {
		if err := as.Write(cpu, r.Base(), make([]byte, r.Size())); err != nil {
			t.Fatal(err)
		}
	}
	alloc := mm.Allocator()
	var hog []*physmem.Page
	for alloc.Available() > 1 {
		p, err := alloc.AllocateFrame(physmem.NoFill)
		if err != nil {
			t.Fatal(err)
		}
		hog = append(hog, p)
	}
	defer func() {
		for _, p := range hog {
			p.Unref()
		}
	}()
	spaces := mm.Stats().AddressSpaces
	objects := mm.Stats().Objects

	child, err := as.CloneForFork()
	if !stderrors.Is(err, errors.ErrOutOfMemory) || child != nil {
		t.Fatalf("fork = %v, %v; want out of memory", child, err)
	}
	if alloc.Available() != 1 {
		t.Fatalf("rolled back fork kept commitments: available = %d", alloc.Available())
	}
	if st := mm.Stats(); st.AddressSpaces != spaces || st.Objects != objects {
		t.Fatalf("rolled back fork left state behind: %+v", st)
	}
	p, _ := a.Object().PhysicalPageFor(0)
	if p.Refs() != 1 {
		t.Fatalf("page refs after rollback = %d", p.Refs())
	}
	used := mm.Stats().Frames.Used
	if err := as.Write(cpu, a.Base(), []byte("still mine")); err != nil {
		t.Fatal(err)
	}
	if mm.Stats().Frames.Used != used {
		t.Fatalf("write after rollback copied the page")
	}
}

func TestFork_ReserveCommitsCOWFrames(t *testing.T) {
	mm := newTestManager(t, 8)
	parent := mm.NewAddressSpace()
	r := mustRegion(t, parent, 2, ProtRW, Backing{}, RegionOptions{Strategy: StrategyReserve})
	if err := parent.Write(mm.CPU(0), r.Base(), make([]byte, 2*pageSize)); err != nil {
		t.Fatal(err)
	}
	child, err := parent.CloneForFork()
	if err != nil {
		t.Fatal(err)
	}
	if c := mm.Stats().Frames.Committed; c != 2 {
		t.Fatalf("committed = %d, want one frame per shared page", c)
	}
	// Exhaust everything that is not committed; the break must still succeed.
	var hog []*physmem.Page
	for {
		p, err := mm.Allocator().AllocateFrame(physmem.NoFill)
		if err != nil {
			break
		}
		hog = append(hog, p)
	}
	cr, _ := child.RegionContaining(r.Base())
	if err := child.Write(mm.CPU(1), cr.Base(), []byte("cow")); err != nil {
		t.Fatalf("cow break under pressure: %v", err)
	}
	for _, p := range hog {
		p.Unref()
	}
	child.Destroy()
	if c := mm.Stats().Frames.Committed; c != 0 {
		t.Fatalf("committed after child exit = %d", c)
	}
}

// hogFrames allocates every frame that is neither used nor committed.
func hogFrames(t *testing.T, mm *MemoryManager) {
	t.Helper()
	var hog []*physmem.Page
	for {
		p, err := mm.Allocator().AllocateFrame(physmem.NoFill)
		if err != nil {
			break
		}
		hog = append(hog, p)
	}
	t.Cleanup(func() {
		for _, p := range hog {
			p.Unref()
		}
	})
}

func TestFork_ReforkKeepsEarlierReservation(t *testing.T) {
	mm := newTestManager(t, 16)
	parent := mm.NewAddressSpace()
	r := mustRegion(t, parent, 2, ProtRW, Backing{}, RegionOptions{Strategy: StrategyReserve})
	if err := parent.Write(mm.CPU(0), r.Base(), bytes.Repeat([]byte{0x5a}, 2*pageSize)); err != nil {
		t.Fatal(err)
	}
	first, err := parent.CloneForFork()
	if err != nil {
		t.Fatal(err)
	}
	if c := mm.Stats().Frames.Committed; c != 2 {
		t.Fatalf("committed after first fork = %d, want 2", c)
	}
	second, err := parent.CloneForFork()
	if err != nil {
		t.Fatal(err)
	}
	if c := mm.Stats().Frames.Committed; c != 4 {
		t.Fatalf("committed after second fork = %d, want 4", c)
	}
	hogFrames(t, mm)

	for i, as := range []*AddressSpace{first, second} {
		for page := 0; page < 2; page++ {
			if err := as.Write(mm.CPU(i), pageOf(r, page), []byte{byte('a' + i)}); err != nil {
				t.Fatalf("child %d page %d: cow break under pressure: %v", i, page, err)
			}
		}
	}
	if c := mm.Stats().Frames.Committed; c != 0 {
		t.Fatalf("committed after every child copied = %d", c)
	}
	// The parent is the last owner and takes its frames over in place.
	if err := parent.Write(mm.CPU(0), r.Base(), []byte{'p'}); err != nil {
		t.Fatalf("parent write: %v", err)
	}
	for i, tt := range []struct {
		as   *AddressSpace
		want byte
	}{{parent, 'p'}, {first, 'a'}, {second, 'b'}} {
		got := make([]byte, 2)
		if err := tt.as.Read(mm.CPU(0), r.Base(), got); err != nil {
			t.Fatal(err)
		}
		if got[0] != tt.want || got[1] != 0x5a {
			t.Fatalf("space %d sees %q", i, got)
		}
	}
	first.Destroy()
	second.Destroy()
	if c := mm.Stats().Frames.Committed; c != 0 {
		t.Fatalf("committed after children exit = %d", c)
	}
}

func TestFork_SiblingExitReturnsReservation(t *testing.T) {
	mm := newTestManager(t, 16)
	parent := mm.NewAddressSpace()
	r := mustRegion(t, parent, 2, ProtRW, Backing{}, RegionOptions{Strategy: StrategyReserve})
	if err := parent.Write(mm.CPU(0), r.Base(), make([]byte, 2*pageSize)); err != nil {
		t.Fatal(err)
	}
	first, err := parent.CloneForFork()
	if err != nil {
		t.Fatal(err)
	}
	second, err := parent.CloneForFork()
	if err != nil {
		t.Fatal(err)
	}
	second.Destroy()
	if c := mm.Stats().Frames.Committed; c != 2 {
		t.Fatalf("committed after one sibling exit = %d, want 2", c)
	}
	hogFrames(t, mm)
	if err := first.Write(mm.CPU(1), r.Base(), []byte("x")); err != nil {
		t.Fatalf("cow break under pressure: %v", err)
	}
	first.Destroy()
	if c := mm.Stats().Frames.Committed; c != 0 {
		t.Fatalf("committed after last child exit = %d", c)
	}
}

func TestFork_ConcurrentCOWWritesCopyOnce(t *testing.T) {
	mm := newTestManager(t, 16)
	parent := mm.NewAddressSpace()
	r := mustRegion(t, parent, 1, ProtRW, Backing{}, RegionOptions{})
	if err := parent.Write(mm.CPU(0), r.Base(), bytes.Repeat([]byte{0x5a}, pageSize)); err != nil {
		t.Fatal(err)
	}
	for iter := 0; iter < 50; iter++ {
		child, err := parent.CloneForFork()
		if err != nil {
			t.Fatal(err)
		}
		copies := mm.Stats().Faults.COWCopy
		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(cpu *CPU, off int) {
				defer wg.Done()
				<-start
				errs <- child.Write(cpu, r.Base()+VirtAddr(off), []byte{byte(0x10 + off)})
			}(mm.CPU(w), w)
		}
		close(start)
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("iter %d: write: %v", iter, err)
			}
		}
		if n := mm.Stats().Faults.COWCopy - copies; n != 1 {
			t.Fatalf("iter %d: %d copies of one shared page", iter, n)
		}
		got := make([]byte, 3)
		if err := child.Read(mm.CPU(0), r.Base(), got); err != nil {
			t.Fatal(err)
		}
		if got[0] != 0x10 || got[1] != 0x11 || got[2] != 0x5a {
			t.Fatalf("iter %d: child sees % x", iter, got)
		}
		if err := parent.Read(mm.CPU(0), r.Base(), got); err != nil || !bytes.Equal(got, []byte{0x5a, 0x5a, 0x5a}) {
			t.Fatalf("iter %d: parent sees % x, %v", iter, got, err)
		}
		child.Destroy()
	}
}

func TestDuplicateForFork_RejectsShared(t *testing.T) {
	mm := newTestManager(t, 4)
	shm, err := mm.NewShared(pageSize, StrategyNone)
	if err != nil {
		t.Fatal(err)
	}
	defer shm.Unref()
	if _, err := shm.DuplicateForFork(); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
}
