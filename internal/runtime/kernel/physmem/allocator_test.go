package physmem

import (
	stderrors "errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/orizon-lang/vmcore/internal/errors"
)

func newTestAllocator(t *testing.T, frames int) *Allocator {
	t.Helper()
	m := &MemoryMap{Version: "1.0.0", Entries: []MemoryMapEntry{
		{Base: 0x100000, Length: uint64(frames) * PageSize, Type: MemoryTypeRAM},
	}}
	a, err := NewAllocator(m, nil)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func expectInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected invariant violation, got none")
		}
		if !errors.IsInvariant(r) {
			t.Fatalf("expected invariant violation, got %v", r)
		}
	}()
	fn()
}

func TestAllocateFrame_ZeroFilledAndCounted(t *testing.T) {
	a := newTestAllocator(t, 4)
	p, err := a.AllocateFrame(ZeroFill)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p.Refs() != 1 {
		t.Fatalf("refs = %d, want 1", p.Refs())
	}
	buf := make([]byte, PageSize)
	p.ReadAt(buf, 0)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
	if st := a.Stats(); st.Free != 3 || st.Used != 1 {
		t.Fatalf("stats = %+v", st)
	}
	p.Unref()
	if st := a.Stats(); st.Free != 4 {
		t.Fatalf("free after release = %d, want 4", st.Free)
	}
}

func TestAllocateFrame_OutOfMemory(t *testing.T) {
	a := newTestAllocator(t, 2)
	for i := 0; i < 2; i++ {
		if _, err := a.AllocateFrame(NoFill); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	_, err := a.AllocateFrame(NoFill)
	if !stderrors.Is(err, errors.ErrOutOfMemory) {
		t.Fatalf("err = %v, want out of memory", err)
	}
}

func TestAllocateFrame_ReusesReleasedFrameWithZeroes(t *testing.T) {
	a := newTestAllocator(t, 1)
	p, _ := a.AllocateFrame(ZeroFill)
	p.WriteAt([]byte{1, 2, 3}, 10)
	p.Unref()
	q, err := a.AllocateFrame(ZeroFill)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if q.FrameNumber() != p.FrameNumber() {
		t.Fatalf("expected the only frame to be reused")
	}
	got := make([]byte, 3)
	q.ReadAt(got, 10)
	if got[0] != 0 || got[1] != 0 || got[2] != 0 {
		t.Fatalf("stale content %v survived zero fill", got)
	}
}

func TestRelease_TooManyTimesIsInvariantViolation(t *testing.T) {
	a := newTestAllocator(t, 2)
	p, _ := a.AllocateFrame(NoFill)
	p.Ref()
	p.Unref()
	p.Unref()
	expectInvariant(t, p.Unref)
}

func TestRef_OfFreeFrameIsInvariantViolation(t *testing.T) {
	a := newTestAllocator(t, 1)
	p, _ := a.AllocateFrame(NoFill)
	p.Unref()
	expectInvariant(t, func() { p.Ref() })
}

// Frames return to the pool exactly when every handed-out reference is gone.
func TestRefcountConservation(t *testing.T) {
	const frames = 8
	a := newTestAllocator(t, frames)
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		var held []*Page
		for i := 0; i < frames; i++ {
			p, err := a.AllocateFrame(NoFill)
			if err != nil {
				t.Fatalf("trial %d: allocate: %v", trial, err)
			}
			held = append(held, p)
			for extra := r.Intn(3); extra > 0; extra-- {
				held = append(held, p.Ref())
			}
		}
		r.Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
		for i, p := range held {
			outstanding := 0
			for _, q := range held[i:] {
				if q == p {
					outstanding++
				}
			}
			if p.Refs() != int32(outstanding) {
				t.Fatalf("trial %d: frame %d refs=%d, outstanding=%d", trial, p.FrameNumber(), p.Refs(), outstanding)
			}
			p.Unref()
		}
		if st := a.Stats(); st.Free != frames {
			t.Fatalf("trial %d: leaked frames, stats %+v", trial, st)
		}
	}
}

func TestAllocateContiguous_FirstFit(t *testing.T) {
	a := newTestAllocator(t, 8)
	var singles []*Page
	for i := 0; i < 8; i++ {
		p, _ := a.AllocateFrame(NoFill)
		singles = append(singles, p)
	}
	// Free frames 1, 3, 4, 5: the only run of three is 3..5.
	for _, i := range []int{1, 3, 4, 5} {
		singles[i].Unref()
	}
	run, err := a.AllocateContiguous(3, ZeroFill)
	if err != nil {
		t.Fatalf("contiguous: %v", err)
	}
	for i, p := range run {
		if p.FrameNumber() != singles[3].FrameNumber()+FrameNumber(i) {
			t.Fatalf("run[%d] = frame %d, want %d", i, p.FrameNumber(), singles[3].FrameNumber()+FrameNumber(i))
		}
	}
	if _, err := a.AllocateContiguous(2, NoFill); !stderrors.Is(err, errors.ErrOutOfMemory) {
		t.Fatalf("fragmented request: err = %v, want out of memory", err)
	}
	if st := a.Stats(); st.Free != 1 {
		t.Fatalf("failed contiguous request leaked accounting: %+v", st)
	}
}

func TestCommitment_ReservesFrames(t *testing.T) {
	a := newTestAllocator(t, 4)
	c, err := a.Commit(3)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if a.Available() != 1 {
		t.Fatalf("available = %d, want 1", a.Available())
	}
	if _, err := a.Commit(2); !stderrors.Is(err, errors.ErrOutOfMemory) {
		t.Fatalf("over-commit err = %v", err)
	}
	other, err := a.AllocateFrame(NoFill)
	if err != nil {
		t.Fatalf("allocate last uncommitted frame: %v", err)
	}
	if _, err := a.AllocateFrame(NoFill); !stderrors.Is(err, errors.ErrOutOfMemory) {
		t.Fatalf("committed frames were handed out to an uncommitted caller")
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Take(ZeroFill); err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}
	if c.Remaining() != 0 || a.Stats().Committed != 0 {
		t.Fatalf("commitment not drained: remaining=%d stats=%+v", c.Remaining(), a.Stats())
	}
	other.Unref()
	c2, _ := a.Commit(1)
	c2.Release()
	if a.Available() != 1 {
		t.Fatalf("released commitment not returned: available=%d", a.Available())
	}
}

func TestMustAllocateEternal_NeverReturns(t *testing.T) {
	a := newTestAllocator(t, 2)
	p := a.MustAllocateEternal()
	if p.MayReturnToFreelist() {
		t.Fatalf("eternal frame may return")
	}
	p.Unref()
	if st := a.Stats(); st.Free != 1 || st.Eternal != 1 {
		t.Fatalf("stats = %+v", st)
	}
	a.MustAllocateEternal()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected halt on exhausted eternal allocation")
		}
	}()
	a.MustAllocateEternal()
}

func TestPageAt_FindsReservedAndUsable(t *testing.T) {
	a, err := NewAllocator(DefaultMemoryMap(16*PageSize), nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	defer a.Close()
	p, ok := a.PageAt(0x1234)
	if !ok || p.FrameNumber() != 1 {
		t.Fatalf("reserved lookup = %v, %v", p, ok)
	}
	if p.Refs() != 1 || p.MayReturnToFreelist() {
		t.Fatalf("reserved frame must be pinned: %v", p)
	}
	if _, ok := a.PageAt(0x100000 + 16*PageSize); ok {
		t.Fatalf("lookup past the end succeeded")
	}
	if st := a.Stats(); st.Total != 16 || st.Reserved != 256 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestConcurrentAllocateRelease(t *testing.T) {
	a := newTestAllocator(t, 64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				p, err := a.AllocateFrame(NoFill)
				if err != nil {
					continue
				}
				p.Ref()
				p.Unref()
				p.Unref()
			}
		}()
	}
	wg.Wait()
	if st := a.Stats(); st.Free != 64 {
		t.Fatalf("stats after churn = %+v", st)
	}
}
