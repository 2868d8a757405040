package vm

import (
	"unsafe"

	"github.com/orizon-lang/vmcore/internal/errors"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
)

// TypedMapping maps a physical address into the kernel space and views it
// as a T. T must not contain Go pointers; the memory behind it is not
// scanned by the garbage collector.
type TypedMapping[T any] struct {
	mm     *MemoryManager
	region *Region
	pa     physmem.PhysAddr
	ptr    *T
}

// MapTyped maps the frames holding a T at pa.
func MapTyped[T any](mm *MemoryManager, pa physmem.PhysAddr, prot Prot) (*TypedMapping[T], error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 {
		return nil, errors.InvalidSize(0, "typed mapping")
	}
	if uint64(pa)%uint64(unsafe.Alignof(zero)) != 0 {
		return nil, errors.InvalidArgument("%s is not aligned for a %d-byte aligned type", pa, unsafe.Alignof(zero))
	}
	b, err := mm.alloc.Span(pa, size)
	if err != nil {
		return nil, err
	}
	r, err := mm.MapPhysical(pa.Frame().Addr(), uint64(pa.Offset())+uint64(size), prot, "typed")
	if err != nil {
		return nil, err
	}
	return &TypedMapping[T]{mm: mm, region: r, pa: pa, ptr: (*T)(unsafe.Pointer(&b[0]))}, nil
}

// Ptr returns the typed view.
func (m *TypedMapping[T]) Ptr() *T { return m.ptr }

// PhysicalAddress returns the mapped physical address.
func (m *TypedMapping[T]) PhysicalAddress() physmem.PhysAddr { return m.pa }

// VirtualAddress returns the kernel virtual address of the value.
func (m *TypedMapping[T]) VirtualAddress() VirtAddr {
	return m.region.Base() + VirtAddr(m.pa.Offset())
}

// Region returns the kernel region backing the mapping.
func (m *TypedMapping[T]) Region() *Region { return m.region }

// Unmap removes the mapping. The pointer must not be used afterwards.
func (m *TypedMapping[T]) Unmap() error {
	m.ptr = nil
	return m.mm.kernel.UnmapRegion(m.region)
}
