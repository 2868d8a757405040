//go:build linux

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewStore maps frames*PageSize bytes of anonymous private memory.
func NewStore(frames int) (*Store, error) {
	if frames <= 0 {
		return &Store{}, nil
	}
	mem, err := unix.Mmap(-1, 0, frames*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d frames: %w", frames, err)
	}
	s := &Store{mem: mem, release: unix.Munmap}
	// MADV_DONTNEED zero-fills private anonymous memory, but only whole host
	// pages can be dropped.
	if unix.Getpagesize() == PageSize {
		s.discard = func(b []byte) error { return unix.Madvise(b, unix.MADV_DONTNEED) }
	}
	return s, nil
}
