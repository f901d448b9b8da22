package target

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mounter abstracts the mount syscalls used for the ramdisk path so the
// provisioner is testable without privileges.
type Mounter interface {
	MountTmpfs(mountPoint string, sizeBytes uint64) error
	Unmount(mountPoint string) error
	Statfs(path string) (totalBytes, freeBytes uint64, err error)
}

type unixMounter struct{}

// NewUnixMounter returns the host syscall implementation.
func NewUnixMounter() Mounter {
	return unixMounter{}
}

func (unixMounter) MountTmpfs(mountPoint string, sizeBytes uint64) error {
	opts := fmt.Sprintf("size=%d", sizeBytes)
	if err := unix.Mount("tmpfs", mountPoint, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("mount tmpfs at %s: %w", mountPoint, err)
	}
	return nil
}

func (unixMounter) Unmount(mountPoint string) error {
	if err := unix.Unmount(mountPoint, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", mountPoint, err)
	}
	return nil
}

func (unixMounter) Statfs(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
