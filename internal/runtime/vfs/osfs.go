package vfs

import (
	"io/fs"
	"os"
)

// OSFS is the host filesystem.
type OSFS struct{}

func NewOS() *OSFS { return &OSFS{} }

func (fsys *OSFS) Open(name string) (File, error)        { return os.OpenFile(name, os.O_RDWR, 0) }
func (fsys *OSFS) Create(name string) (File, error)      { return os.Create(name) }
func (fsys *OSFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (fsys *OSFS) Remove(name string) error              { return os.Remove(name) }
