package memory

import "runtime"
import "sync/atomic"

// spinlock guarding the dispatcher. Hold time is bounded by a single
// allocator operation.
type spinlock struct {
	state int64
}

func (sl *spinlock) lock() {
	for !atomic.CompareAndSwapInt64(&sl.state, 0, 1) {
		runtime.Gosched()
	}
}

func (sl *spinlock) unlock() {
	atomic.StoreInt64(&sl.state, 0)
}
