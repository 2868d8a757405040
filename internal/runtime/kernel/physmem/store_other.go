//go:build !linux

package physmem

// NewStore allocates frames*PageSize bytes from the Go heap.
func NewStore(frames int) (*Store, error) {
	if frames <= 0 {
		return &Store{}, nil
	}
	return &Store{mem: make([]byte, frames*PageSize)}, nil
}
