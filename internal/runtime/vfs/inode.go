package vfs

import (
	"fmt"
	"sync"
)

// Inode is an open file with a stable identity. Shared file mappings of the
// same inode resolve to the same page cache.
type Inode struct {
	id   uint64
	name string

	mu sync.Mutex
	f  File
}

// OpenInode opens name on fsys for paging.
func OpenInode(fsys FileSystem, name string) (*Inode, error) {
	ino, err := fsys.InodeNumber(name)
	if err != nil {
		return nil, fmt.Errorf("inode of %s: %w", name, err)
	}
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	return &Inode{id: ino, name: name, f: f}, nil
}

// ID returns the inode number.
func (i *Inode) ID() uint64 { return i.id }

// Name returns the path the inode was opened with.
func (i *Inode) Name() string { return i.name }

// Size returns the current file length.
func (i *Inode) Size() int64 {
	st, err := i.f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

func (i *Inode) ReadAt(p []byte, off int64) (int, error) { return i.f.ReadAt(p, off) }

// WriteAt writes p at off. Writes are serialized so concurrent page
// writeback never interleaves within the file.
func (i *Inode) WriteAt(p []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.f.WriteAt(p, off)
}

// Sync flushes the file.
func (i *Inode) Sync() error { return i.f.Sync() }

// Close closes the underlying file.
func (i *Inode) Close() error { return i.f.Close() }
