//go:build unix

package diskmanager

import (
	"golang.org/x/sys/unix"
)

// mapFile maps the whole file MAP_SHARED so page copies land in the page cache
// of the file itself. Caller holds dm.mu.
func (dm *DiskManager) mapFile() error {
	data, err := unix.Mmap(int(dm.file.Fd()), 0, int(dm.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	dm.data = data
	return nil
}

func (dm *DiskManager) unmapFile() error {
	if dm.data == nil {
		return nil
	}
	err := unix.Munmap(dm.data)
	dm.data = nil
	return err
}

func (dm *DiskManager) syncFile() error {
	if dm.data == nil {
		return nil
	}
	return unix.Msync(dm.data, unix.MS_SYNC)
}
