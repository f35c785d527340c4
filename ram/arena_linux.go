//go:build linux

package ram

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// New reserves totalBytes of anonymous, mmap-backed memory to stand in
// for physical RAM. This is the path this module's tests exercise.
func New(totalBytes, pageSize int) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, totalBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("ram: mmap %d bytes: %w", totalBytes, err)
	}
	return newArena(mem, pageSize, func() error { return unix.Munmap(mem) }), nil
}
