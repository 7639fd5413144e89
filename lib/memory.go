package lib

import "unsafe"

// Bytes return a byte-slice view of `ln` bytes of memory starting at
// `ptr`. The memory should remain valid as long as slice is in scope.
func Bytes(ptr unsafe.Pointer, ln int) []byte {
	if ptr == nil || ln <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), ln)
}

// Memcpy copy memory block of length `ln` from `src` to `dst`. This
// function is useful if memory block is obtained outside golang runtime.
func Memcpy(dst, src unsafe.Pointer, ln int) int {
	return copy(Bytes(dst, ln), Bytes(src, ln))
}

// Memset fill `ln` bytes of memory starting at `ptr` with `val`.
func Memset(ptr unsafe.Pointer, val byte, ln int) {
	block := Bytes(ptr, ln)
	if len(block) == 0 {
		return
	} else if block[0] = val; len(block) == 1 {
		return
	}
	// double the filled prefix on every copy.
	for n := 1; n < len(block); n *= 2 {
		copy(block[n:], block[:n])
	}
}
