//go:build unix

package vfs

import "golang.org/x/sys/unix"

// InodeNumber folds the device into the high bits so inodes on different
// filesystems do not collide.
func (fsys *OSFS) InodeNumber(name string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(name, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev)<<48 ^ uint64(st.Ino), nil
}
