package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/orizon-lang/vmcore/internal/cli"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/vm"
	"github.com/orizon-lang/vmcore/internal/runtime/vfs"
)

const pageSize = physmem.PageSize

// workload exercises every object kind once: a private heap that is forked
// and written on both sides, a volatile cache that gets purged, and a shared
// file mapping that is written back.
type workload struct {
	mm     *vm.MemoryManager
	fsys   vfs.FileSystem
	file   string
	logger *cli.Logger
}

func (w *workload) run(ctx context.Context) error {
	cpu := w.mm.CPU(0)
	parent := w.mm.NewAddressSpace()
	defer parent.Destroy()
	parent.Activate(cpu)

	heap, err := parent.AllocateRegion(4*pageSize, vm.ProtRW, vm.Backing{}, vm.RegionOptions{Name: "heap"})
	if err != nil {
		return err
	}
	if err := parent.Write(cpu, heap.Base(), []byte("parent")); err != nil {
		return err
	}
	child, err := parent.CloneForFork()
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	defer child.Destroy()
	if err := child.Write(cpu, heap.Base(), []byte("child!")); err != nil {
		return err
	}
	got := make([]byte, 6)
	if err := parent.Read(cpu, heap.Base(), got); err != nil {
		return err
	}
	if string(got) != "parent" {
		return fmt.Errorf("copy-on-write leaked child data into parent: %q", got)
	}
	w.logger.Info("fork: parent kept %q after child write", got)

	if err := w.purgeCache(parent); err != nil {
		return err
	}
	if w.file != "" {
		if err := w.mapFile(ctx, parent); err != nil {
			return err
		}
	}
	return nil
}

func (w *workload) purgeCache(as *vm.AddressSpace) error {
	cpu := w.mm.CPU(0)
	obj, err := w.mm.NewPurgeable(8*pageSize, vm.StrategyNone)
	if err != nil {
		return err
	}
	cache, err := as.AllocateRegion(obj.Size(), vm.ProtRW, vm.Backing{Object: obj}, vm.RegionOptions{Name: "cache", Flags: vm.RegionMmap})
	obj.Unref()
	if err != nil {
		return err
	}
	defer func() { _ = as.UnmapRegion(cache) }()
	if err := as.Write(cpu, cache.Base(), bytes.Repeat([]byte{0xAB}, 8*pageSize)); err != nil {
		return err
	}
	if _, err := obj.SetVolatile(0, 8, true); err != nil {
		return err
	}
	purged := w.mm.PurgeVolatilePages()
	wasPurged, err := obj.SetVolatile(0, 8, false)
	if err != nil {
		return err
	}
	w.logger.Info("purge: released %d cache pages, reported purged=%v", purged, wasPurged)
	return nil
}

func (w *workload) mapFile(ctx context.Context, as *vm.AddressSpace) error {
	cpu := w.mm.CPU(0)
	obj, err := w.mm.InodeObject(w.fsys, w.file, true)
	if err != nil {
		return err
	}
	r, err := as.AllocateRegion(obj.Size(), vm.ProtRW, vm.Backing{Object: obj}, vm.RegionOptions{Name: w.file, Flags: vm.RegionShared})
	obj.Unref()
	if err != nil {
		return err
	}
	head := make([]byte, 16)
	if err := as.Read(cpu, r.Base(), head); err != nil {
		return err
	}
	if err := as.Write(cpu, r.Base(), []byte("vmcore")); err != nil {
		return err
	}
	if err := obj.Writeback(ctx); err != nil {
		return err
	}
	w.logger.Info("inode: mapped %s (%d bytes), wrote back page 0", w.file, obj.Size())
	return as.UnmapRegion(r)
}
