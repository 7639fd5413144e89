//go:build !unix

package malloc

// anonymous mappings are not available, fall back to heap.
func mmaparena(size int64) ([]byte, error) {
	return make([]byte, size), nil
}

func munmaparena(arena []byte) error {
	return nil
}
