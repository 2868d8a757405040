package vm

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/vmcore/internal/errors"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
	"github.com/orizon-lang/vmcore/internal/runtime/vfs"
)

// writebackConcurrency bounds parallel page writes of one object.
const writebackConcurrency = 4

// backingFile is an inode shared by an object and its fork children.
type backingFile struct {
	ino  *vfs.Inode
	refs atomic.Int32
}

func newBackingFile(ino *vfs.Inode) *backingFile {
	f := &backingFile{ino: ino}
	f.refs.Store(1)
	return f
}

func (f *backingFile) ref() *backingFile {
	f.refs.Add(1)
	return f
}

func (f *backingFile) unref() {
	if f == nil {
		return
	}
	if f.refs.Add(-1) == 0 {
		_ = f.ino.Close()
	}
}

// readPage fills buf with page index of the file. Bytes past the end of
// the file read as zero.
func (f *backingFile) readPage(buf []byte, index int) (int, error) {
	n, err := f.ino.ReadAt(buf, int64(index)*physmem.PageSize)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Inode returns the backing inode of an inode object.
func (o *VMObject) Inode() *vfs.Inode {
	if o.file == nil {
		return nil
	}
	return o.file.ino
}

// Private reports whether the object is a private file mapping.
func (o *VMObject) Private() bool { return o.private }

type dirtyPage struct {
	index int
	data  []byte
}

// Writeback writes every dirty slot of a shared inode object to its file.
// Written slots are write protected again so the next store re-dirties
// them. Slots whose write fails stay dirty.
func (o *VMObject) Writeback(ctx context.Context) error {
	if o.kind != KindInode || o.private {
		return nil
	}
	o.mu.Lock()
	o.flushing++
	var pages []dirtyPage
	for i := range o.slots {
		s := &o.slots[i]
		if s.page == nil || !s.dirty {
			continue
		}
		o.protectSlotLocked(i)
		s.dirty = false
		buf := make([]byte, physmem.PageSize)
		s.page.ReadAt(buf, 0)
		pages = append(pages, dirtyPage{index: i, data: buf})
	}
	o.mu.Unlock()
	if len(pages) == 0 {
		o.mu.Lock()
		o.flushing--
		o.mu.Unlock()
		return nil
	}

	size := o.file.ino.Size()
	failed := make([]bool, len(pages))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(writebackConcurrency)
	for i, dp := range pages {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				failed[i] = true
				return err
			}
			off := int64(dp.index) * physmem.PageSize
			data := dp.data
			// The file does not grow through its mapping.
			if rest := size - off; rest < int64(len(data)) {
				if rest <= 0 {
					return nil
				}
				data = data[:rest]
			}
			if _, err := o.file.ino.WriteAt(data, off); err != nil {
				failed[i] = true
				return errors.NewStandardError(errors.CategorySystem, "WRITEBACK_FAILED", err.Error(),
					map[string]interface{}{"inode": o.file.ino.ID(), "page": dp.index})
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = o.file.ino.Sync()
	}

	o.mu.Lock()
	o.flushing--
	for i, dp := range pages {
		if failed[i] && o.slots[dp.index].page != nil {
			o.slots[dp.index].dirty = true
		}
	}
	o.mu.Unlock()
	return err
}
