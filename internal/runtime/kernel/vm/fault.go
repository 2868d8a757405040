package vm

import (
	stderrors "errors"
	"strconv"

	"github.com/orizon-lang/vmcore/internal/errors"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

// fault resolves an access to slot index through region r. The caller holds
// r's address space lock for reading.
func (o *VMObject) fault(r *Region, va VirtAddr, index int, write bool) FaultResolution {
	mm := o.mm
	o.mu.Lock()
	for o.kind == KindInode && o.slots[index].page == nil {
		// Read the page without the object lock; concurrent faults on the
		// same slot share one read.
		o.mu.Unlock()
		if err := o.pageIn(index); err != nil {
			mm.logger.Printf("[vm] page-in of slot %d of %s: %v", index, o, err)
			if stderrors.Is(err, errors.ErrOutOfMemory) {
				return OutOfMemory
			}
			return AccessViolation
		}
		o.mu.Lock()
	}

	s := &o.slots[index]
	var refilled bool
	switch {
	case s.page == nil:
		p, err := o.allocateLocked(index)
		if err != nil {
			o.mu.Unlock()
			return OutOfMemory
		}
		s.page = p
		s.loaded = mm.tick()
		if s.purged {
			refilled = true
			mm.counters.purgedRefills.Add(1)
		} else {
			mm.counters.zeroFills.Add(1)
		}
	case write && s.cow:
		// Siblings break sharing of one frame one at a time, so only the
		// writers that still share it copy.
		old := s.page
		mu := mm.cowLock(old)
		mu.Lock()
		if old.Refs() > 1 {
			p, err := o.takeCOWFrameLocked()
			if err != nil {
				mu.Unlock()
				o.mu.Unlock()
				return OutOfMemory
			}
			p.CopyFrom(old)
			o.unmapSlotLocked(index)
			s.page = p
			old.Unref()
			mm.counters.cowCopies.Add(1)
		} else {
			mm.counters.cowUpgrades.Add(1)
		}
		mu.Unlock()
		s.cow = false
	}
	if write && o.kind == KindInode {
		s.dirty = true
	}
	s.used = mm.tick()

	prot := r.prot
	if s.cow || (o.kind == KindInode && !s.dirty) {
		// The next write must come back here.
		prot &^= ProtWrite
	}
	if err := r.as.mapPage(va, s.page, prot); err != nil {
		o.mu.Unlock()
		mm.logger.Printf("[vm] map %s: %v", va, err)
		return OutOfMemory
	}
	var observers []func(int)
	if refilled {
		observers = append(observers, o.observers...)
	}
	o.mu.Unlock()

	for _, fn := range observers {
		fn(index)
	}
	return Continue
}

func (o *VMObject) takeCOWFrameLocked() (*physmem.Page, error) {
	if o.cow != nil {
		return o.cow.c.Take(physmem.NoFill)
	}
	return o.mm.alloc.AllocateFrame(physmem.NoFill)
}

// pageIn reads slot index from the backing file and installs it unless a
// concurrent fault got there first.
func (o *VMObject) pageIn(index int) error {
	_, err, _ := o.loads.Do(strconv.Itoa(index), func() (interface{}, error) {
		o.mu.Lock()
		done := o.dead || o.slots[index].page != nil
		o.mu.Unlock()
		if done {
			return nil, nil
		}
		p, err := o.mm.alloc.AllocateFrame(physmem.ZeroFill)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, physmem.PageSize)
		if _, err := o.file.readPage(buf, index); err != nil {
			p.Unref()
			return nil, err
		}
		p.WriteAt(buf, 0)

		o.mu.Lock()
		defer o.mu.Unlock()
		if o.dead || o.slots[index].page != nil {
			p.Unref()
			return nil, nil
		}
		t := o.mm.tick()
		o.slots[index] = slot{page: p, loaded: t, used: t}
		o.mm.counters.inodeReads.Add(1)
		return nil, nil
	})
	return err
}
