package physmem

// Store is the byte array that stands in for the RAM behind one Region.
type Store struct {
	mem     []byte
	release func([]byte) error
	discard func([]byte) error
}

// Len returns the store size in bytes.
func (s *Store) Len() int { return len(s.mem) }

func (s *Store) frame(index int) []byte {
	off := index * PageSize
	return s.mem[off : off+PageSize : off+PageSize]
}

// zero clears b, preferring to hand the range back to the host so the
// next touch observes fresh zero pages.
func (s *Store) zero(b []byte) {
	if s.discard != nil && s.discard(b) == nil {
		return
	}
	clear(b)
}

// Close releases the host memory. The store must not be used afterwards.
func (s *Store) Close() error {
	if s.release == nil || s.mem == nil {
		return nil
	}
	err := s.release(s.mem)
	s.mem = nil
	return err
}
