//go:build unix

package malloc

import "golang.org/x/sys/unix"

func mmaparena(size int64) ([]byte, error) {
	prot, flags := unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE
	return unix.Mmap(-1, 0, int(size), prot, flags)
}

func munmaparena(arena []byte) error {
	return unix.Munmap(arena)
}
