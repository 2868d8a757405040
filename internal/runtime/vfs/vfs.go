// Package vfs is the narrow file layer the memory manager pages file-backed
// objects from. It also carries the watchers used to follow configuration
// changes.
package vfs

import (
	"io"
	"io/fs"
	"path"
	"time"
)

// File represents an open file handle within a FileSystem.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Stat() (fs.FileInfo, error)
	Sync() error
}

// FileSystem abstracts the operations needed to back inode objects.
type FileSystem interface {
	// Open opens an existing file for reading and writing.
	Open(name string) (File, error)
	Create(name string) (File, error)
	Stat(name string) (fs.FileInfo, error)
	Remove(name string) error
	// InodeNumber returns an identity stable for the life of the file.
	InodeNumber(name string) (uint64, error)
}

// WatchOp indicates a change operation in the filesystem.
type WatchOp uint32

const (
	OpCreate WatchOp = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// Event describes a filesystem change event.
type Event struct {
	Path string
	Op   WatchOp
	Time time.Time
}

// Watcher provides a platform-independent file watching API.
type Watcher interface {
	Events() <-chan Event
	Errors() <-chan error
	Add(name string) error
	Remove(name string) error
	Close() error
}

// Clean returns the shortest path name equivalent to path by purely lexical processing.
func Clean(p string) string { return path.Clean(p) }
