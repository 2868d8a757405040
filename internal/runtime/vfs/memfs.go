package vfs

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"
)

type memFile struct {
	ino  uint64
	name string

	mu   sync.RWMutex
	data []byte
	mod  time.Time
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if end := int(off) + len(p); end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	f.mod = time.Now()
	return len(p), nil
}

func (f *memFile) Close() error { return nil }
func (f *memFile) Sync() error  { return nil }
func (f *memFile) Stat() (fs.FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return fileInfo{name: path.Base(f.name), size: int64(len(f.data)), mod: f.mod}, nil
}

type fileInfo struct {
	name string
	size int64
	mod  time.Time
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return 0o644 }
func (fi fileInfo) ModTime() time.Time { return fi.mod }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }

// MemFS is a flat in-memory filesystem. Files keep their inode number for
// as long as they exist.
type MemFS struct {
	mu      sync.RWMutex
	files   map[string]*memFile
	nextIno uint64
}

func NewMem() *MemFS { return &MemFS{files: make(map[string]*memFile), nextIno: 1} }

func norm(p string) string { return strings.TrimPrefix(Clean(p), "/") }

func (m *MemFS) lookup(name string) (*memFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := m.files[norm(name)]
	if f == nil {
		return nil, fs.ErrNotExist
	}
	return f, nil
}

func (m *MemFS) Open(name string) (File, error) { return m.lookup(name) }

// Create truncates an existing file in place or makes a new one.
func (m *MemFS) Create(name string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := norm(name)
	if f := m.files[key]; f != nil {
		f.mu.Lock()
		f.data = nil
		f.mod = time.Now()
		f.mu.Unlock()
		return f, nil
	}
	f := &memFile{ino: m.nextIno, name: key, mod: time.Now()}
	m.nextIno++
	m.files[key] = f
	return f, nil
}

// WriteFile replaces name's content, creating it if needed.
func (m *MemFS) WriteFile(name string, data []byte) error {
	f, err := m.Create(name)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(data, 0)
	return err
}

func (m *MemFS) Stat(name string) (fs.FileInfo, error) {
	f, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return f.Stat()
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := norm(name)
	if _, ok := m.files[key]; !ok {
		return fs.ErrNotExist
	}
	delete(m.files, key)
	return nil
}

func (m *MemFS) InodeNumber(name string) (uint64, error) {
	f, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	return f.ino, nil
}
