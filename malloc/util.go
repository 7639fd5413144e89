package malloc

import "fmt"
import "runtime"
import "strings"
import "unsafe"
import "path/filepath"

import humanize "github.com/dustin/go-humanize"

func panicerr(fmsg string, args ...interface{}) {
	panic(fmt.Errorf(fmsg, args...))
}

// align should be a power of two.
func alignup(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}

func aligndown(n, align int64) int64 {
	return n &^ (align - 1)
}

func ceil(divident, divisor int64) int64 {
	if divident%divisor == 0 {
		return divident / divisor
	}
	return (divident / divisor) + 1
}

func addrof(arena []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(arena)))
}

// region return the aligned offsets [start, end) usable within arena.
// Returned start is greater than end if arena is too small to align.
func region(arena []byte, align int64) (start, end int64) {
	if len(arena) == 0 {
		return 1, 0
	}
	base := int64(addrof(arena))
	start = alignup(base, align) - base
	if start >= int64(len(arena)) {
		return 1, 0
	}
	end = start + aligndown(int64(len(arena))-start, align)
	return start, end
}

// offsetof return ptr's offset relative to arena's base, can be
// negative or beyond arena for foreign pointers.
func offsetof(arena []byte, ptr unsafe.Pointer) int64 {
	return int64(uintptr(ptr)) - int64(addrof(arena))
}

// offsets passed to getword, setword and wordsat should be 8 byte
// aligned relative to an 8 byte aligned arena region.
func getword(arena []byte, off int64) uint64 {
	return *(*uint64)(unsafe.Pointer(&arena[off]))
}

func setword(arena []byte, off int64, word uint64) {
	*(*uint64)(unsafe.Pointer(&arena[off])) = word
}

func wordsat(arena []byte, off, n int64) []uint64 {
	_ = arena[off+(n*8)-1]
	return unsafe.Slice((*uint64)(unsafe.Pointer(&arena[off])), n)
}

func fill(block []byte, b byte) {
	for i := range block {
		block[i] = b
	}
}

func iszero(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}

// only application frames are reported as allocation site.
var sitepkgs = []string{
	"github.com/bnclabs/gomalloc/malloc.",
	"github.com/bnclabs/gomalloc/memory.",
}

func callsite() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isinternal(frame.Function) {
			return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		} else if !more {
			break
		}
	}
	return "unknown"
}

func isinternal(function string) bool {
	for _, prefix := range sitepkgs {
		if !strings.HasPrefix(function, prefix) {
			continue
		}
		rest := function[len(prefix):]
		for _, entry := range []string{"Test", "Benchmark", "Example"} {
			if strings.HasPrefix(rest, entry) {
				return false
			}
		}
		return true
	}
	return false
}

func humanbytes(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}
