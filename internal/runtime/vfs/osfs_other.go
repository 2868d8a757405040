//go:build !unix

package vfs

import (
	"hash/fnv"
	"path/filepath"
)

// InodeNumber hashes the absolute path; platforms without inode numbers
// have no cheaper stable identity.
func (fsys *OSFS) InodeNumber(name string) (uint64, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(abs))
	return h.Sum64(), nil
}
