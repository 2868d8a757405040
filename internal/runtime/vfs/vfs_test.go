package vfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemFS_InodeIdentityAndIO(t *testing.T) {
	m := NewMem()
	if err := m.WriteFile("/lib/a.bin", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	a, err := OpenInode(m, "lib/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	b, err := OpenInode(m, "/lib/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() != b.ID() {
		t.Fatalf("same file opened twice has inodes %d and %d", a.ID(), b.ID())
	}
	if _, err := a.WriteAt([]byte("J"), 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := b.ReadAt(buf, 0)
	if err != io.EOF || string(buf[:n]) != "Jello" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}
	if b.Size() != 5 {
		t.Fatalf("size = %d", b.Size())
	}
	if err := m.WriteFile("other", nil); err != nil {
		t.Fatal(err)
	}
	c, _ := OpenInode(m, "other")
	if c.ID() == a.ID() {
		t.Fatalf("distinct files share inode %d", c.ID())
	}
}

func TestMemFS_WriteAtExtends(t *testing.T) {
	m := NewMem()
	f, _ := m.Create("x")
	if _, err := f.WriteAt([]byte("z"), 4096); err != nil {
		t.Fatal(err)
	}
	st, _ := m.Stat("x")
	if st.Size() != 4097 {
		t.Fatalf("size = %d", st.Size())
	}
	if err := m.Remove("x"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open("x"); err == nil {
		t.Fatal("removed file still opens")
	}
}

func TestOSFS_Inode(t *testing.T) {
	fsys := NewOS()
	p := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	ino, err := OpenInode(fsys, p)
	if err != nil {
		t.Fatal(err)
	}
	defer ino.Close()
	again, err := fsys.InodeNumber(p)
	if err != nil || again != ino.ID() {
		t.Fatalf("inode number unstable: %d vs %d (%v)", ino.ID(), again, err)
	}
	buf := make([]byte, 5)
	if _, err := ino.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
}

func TestWatcher_Polling(t *testing.T) {
	fsys := NewOS()
	p := filepath.Join(t.TempDir(), "w.txt")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	_ = os.Chtimes(p, old, old)
	w := NewSimpleWatcher(fsys)
	if err := w.Add(p); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.StartPolling(ctx, 20*time.Millisecond)
	defer w.Close()
	go func() { _ = os.WriteFile(p, []byte("x"), 0o644) }()
	select {
	case ev := <-w.Events():
		if ev.Path != p || ev.Op&OpWrite == 0 {
			t.Fatalf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timeout")
	}
}

func TestWatcher_FSNotify(t *testing.T) {
	fw, err := NewFSWatcher()
	if err != nil {
		t.Skip("fsnotify not supported: ", err)
	}
	defer fw.Close()
	dir := t.TempDir()
	if err := fw.Add(dir); err != nil {
		t.Fatal(err)
	}
	go func() { _ = os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644) }()
	select {
	case ev := <-fw.Events():
		if ev.Path == "" || ev.Op == 0 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fsnotify event")
	}
}
