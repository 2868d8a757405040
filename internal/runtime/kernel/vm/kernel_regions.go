package vm

import (
	"github.com/orizon-lang/vmcore/internal/errors"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

// AllocateKernelRegion maps size bytes of committed, populated memory into
// the kernel address space.
func (mm *MemoryManager) AllocateKernelRegion(size uint64, prot Prot, name string) (*Region, error) {
	return mm.kernel.AllocateRegion(size, prot, Backing{}, RegionOptions{
		Name:     name,
		Strategy: StrategyAllocateNow,
		Populate: true,
	})
}

// AllocateDMARegion maps pages physically contiguous frames into the kernel
// address space. The first frame's address is the device-visible base.
func (mm *MemoryManager) AllocateDMARegion(pages int, mtype MemoryType, name string) (*Region, physmem.PhysAddr, error) {
	frames, err := mm.alloc.AllocateContiguous(pages, physmem.ZeroFill)
	if err != nil {
		return nil, 0, err
	}
	r, err := mm.mapFrames(frames, ProtRW, mtype, name)
	if err != nil {
		return nil, 0, err
	}
	return r, frames[0].Addr(), nil
}

// MapPhysical maps the frames covering [pa, pa+size) into the kernel
// address space as io memory. The frames must already be owned, either
// reserved by firmware or allocated by the caller; the mapping holds its
// own reference.
func (mm *MemoryManager) MapPhysical(pa physmem.PhysAddr, size uint64, prot Prot, name string) (*Region, error) {
	if size == 0 {
		return nil, errors.InvalidSize(0, "physical mapping")
	}
	first := pa.Frame()
	last := (pa + physmem.PhysAddr(size) - 1).Frame()
	var frames []*physmem.Page
	for f := first; f <= last; f++ {
		p, ok := mm.alloc.PageAt(f.Addr())
		if !ok || p.Refs() == 0 {
			for _, q := range frames {
				q.Unref()
			}
			return nil, errors.InvalidArgument("frame %d is not owned and cannot be mapped", f)
		}
		frames = append(frames, p.Ref())
	}
	return mm.mapFrames(frames, prot, MemoryIO, name)
}

func (mm *MemoryManager) mapFrames(frames []*physmem.Page, prot Prot, mtype MemoryType, name string) (*Region, error) {
	obj := mm.physicalObject(frames)
	r, err := mm.kernel.AllocateRegion(uint64(len(frames))*physmem.PageSize, prot, Backing{Object: obj}, RegionOptions{
		Name:       name,
		Populate:   true,
		MemoryType: mtype,
	})
	// The region holds its own reference.
	obj.Unref()
	if err != nil {
		return nil, err
	}
	return r, nil
}
