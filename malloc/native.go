package malloc

import "sync"

import sigar "github.com/cloudfoundry/gosigar"

// Osmalloc obtain an arena of `size` bytes from `source`, "heap" or
// "mmap". Return ErrorOutofMemory if source cannot supply it.
func Osmalloc(source string, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, ErrorArenaTooSmall
	} else if size > sysmemory() {
		errorf("malloc: %v bytes exceeds system memory\n", size)
		return nil, ErrorOutofMemory
	}
	switch source {
	case "heap":
		return make([]byte, size), nil
	case "mmap":
		arena, err := mmaparena(size)
		if err != nil {
			errorf("malloc: mmap %s: %v\n", humanbytes(size), err)
			return nil, ErrorOutofMemory
		}
		return arena, nil
	}
	return nil, ErrorInvalidSource
}

// Osfree return arena obtained by Osmalloc back to its `source`.
func Osfree(source string, arena []byte) error {
	if source != "mmap" || len(arena) == 0 {
		return nil
	} else if err := munmaparena(arena); err != nil {
		errorf("malloc: munmap %s: %v\n", humanbytes(int64(len(arena))), err)
		return err
	}
	return nil
}

var sysonce sync.Once
var systotal int64

// sysmemory return total system memory, requests beyond it cannot be
// served by any source.
func sysmemory() int64 {
	sysonce.Do(func() {
		systotal = 1 << 48
		mem := sigar.Mem{}
		if err := mem.Get(); err == nil && mem.Total > 0 {
			systotal = int64(mem.Total)
		}
	})
	return systotal
}
