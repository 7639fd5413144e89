// Functions and methods are not thread safe.

package malloc

import "math/bits"
import "unsafe"

import s "github.com/bnclabs/gosettings"

// Tiny packs small allocations of several size classes into shared
// chunks. A chunk is Wordbits consecutive slots of "step" bytes, tracked
// by two words: `body` marks every slot held by some allocation and
// `last` marks the final slot of each allocation. An allocation of size
// class k is a run of k consecutive slots within one chunk.
type Tiny struct {
	// 64-bit aligned stats
	mallocated int64
	n_mallocs  int64
	n_frees    int64
	n_preds    int64

	arena []byte
	body  []uint64 // lives inside arena
	last  []uint64 // lives inside arena
	data  int64
	step  int64
	maxn  int64
	pred  [Wordbits]int64 // one predicted chunk per size class
	reals map[int64]int64 // requested size by offset, only in debug mode

	conf config
	sink Sink
}

// NewTiny create a tiny allocator over `arena`, slot size is taken from
// "step" setting rounded up to "align". Refer Defaultsettings().
func NewTiny(arena []byte, setts s.Settings) (*Tiny, error) {
	conf, err := parsesettings(setts)
	if err != nil {
		return nil, err
	}
	t := &Tiny{arena: arena, conf: conf, sink: Logsink()}
	t.step = alignup(conf.step, conf.align)
	start, end := region(arena, conf.align)
	if t.maxn = tinychunks(end-start, t.step, conf.align); t.maxn < 1 {
		if conf.abort {
			panicerr("tiny arena of %v bytes cannot hold a chunk", len(arena))
		}
		return nil, ErrorArenaTooSmall
	}
	t.body = wordsat(arena, start, t.maxn)
	t.last = wordsat(arena, start+(t.maxn*8), t.maxn)
	t.data = start + alignup(t.maxn*16, conf.align)
	t.Clear()
	infof("tiny: new arena %s, step %v, chunks %v\n",
		humanbytes(int64(len(arena))), t.step, t.maxn)
	return t, nil
}

// SetSink for diagnostics, default is Logsink().
func (t *Tiny) SetSink(sink Sink) {
	t.sink = sink
}

//---- operations

// Malloc implement api.Mallocer{} interface. Requests larger than
// Limit() are rejected.
func (t *Tiny) Malloc(n int64) unsafe.Pointer {
	if n <= 0 || n > t.Limit() {
		return nil
	}
	t.n_mallocs++
	k := ceil(n, t.step)
	ci, p := t.pred[k-1], int64(-1)
	if ci >= 0 {
		if p = findrun(t.body[ci], k); p >= 0 {
			t.n_preds++
		}
	}
	if p < 0 {
		if ci, p = t.scan(k); p < 0 {
			t.pred[k-1] = -1
			return nil
		}
	}
	t.body[ci] |= runmask(k) << uint64(p)
	t.last[ci] |= 1 << uint64(p+k-1)
	t.mallocated += k * t.step
	if int64(bits.OnesCount64(^t.body[ci])) >= k {
		t.pred[k-1] = ci
	} else {
		t.pred[k-1] = -1
	}
	off := t.slotoff(ci, p)
	if t.conf.debug {
		t.reals[off] = n
	}
	return unsafe.Pointer(&t.arena[off])
}

// Realloc resize memory pointed by `ptr` within its run. Return nil if
// `n` does not fit the run, in which case `ptr` is left untouched.
func (t *Tiny) Realloc(ptr unsafe.Pointer, n int64) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	ci, p, ok := t.locate(ptr, "realloc")
	if !ok || n > t.runsize(ci, p) {
		return nil
	} else if t.conf.debug {
		t.reals[t.slotoff(ci, p)] = n
	}
	return ptr
}

// Free implement api.Mallocer{} interface.
func (t *Tiny) Free(ptr unsafe.Pointer) bool {
	ci, p, ok := t.locate(ptr, "free")
	if !ok {
		return false
	}
	k := int64(bits.TrailingZeros64(t.last[ci]>>uint64(p))) + 1
	t.body[ci] &^= runmask(k) << uint64(p)
	t.last[ci] &^= 1 << uint64(p+k-1)
	t.mallocated -= k * t.step
	t.n_frees++
	if t.conf.debug {
		delete(t.reals, t.slotoff(ci, p))
	}
	t.pred[k-1] = ci
	return true
}

// Clear implement api.Mallocer{} interface.
func (t *Tiny) Clear() {
	for i := range t.body {
		t.body[i], t.last[i] = 0, 0
	}
	for i := range t.pred {
		t.pred[i] = 0
	}
	t.mallocated = 0
	t.reals = map[int64]int64{}
}

//---- query

// Limit return the largest allocation size served by this allocator.
func (t *Tiny) Limit() int64 {
	return Wordbits * t.step
}

// Chunks return the number of chunks in this arena.
func (t *Tiny) Chunks() int64 {
	return t.maxn
}

// Owns implement api.Mallocer{} interface.
func (t *Tiny) Owns(ptr unsafe.Pointer) bool {
	off := offsetof(t.arena, ptr)
	return off >= t.data && off < t.data+(t.maxn*Wordbits*t.step)
}

// Datasize implement api.Mallocer{} interface. In debug mode this is
// the size requested, otherwise the capacity of the run.
func (t *Tiny) Datasize(ptr unsafe.Pointer) int64 {
	ci, p, ok := t.locate(ptr, "datasize")
	if !ok {
		return 0
	} else if t.conf.debug {
		return t.reals[t.slotoff(ci, p)]
	}
	return t.runsize(ci, p)
}

func (t *Tiny) runsize(ci, p int64) int64 {
	return (int64(bits.TrailingZeros64(t.last[ci]>>uint64(p))) + 1) * t.step
}

// Base implement api.Chunk{} interface.
func (t *Tiny) Base() []byte {
	return t.arena
}

// Walk live allocations in address order, until callback returns false.
func (t *Tiny) Walk(callb func(ptr unsafe.Pointer, size int64) bool) {
	for ci := int64(0); ci < t.maxn; ci++ {
		body, last := t.body[ci], t.last[ci]
		for body != 0 {
			p := int64(bits.TrailingZeros64(body))
			k := int64(bits.TrailingZeros64(last>>uint64(p))) + 1
			body &^= runmask(k) << uint64(p)
			ptr := unsafe.Pointer(&t.arena[t.slotoff(ci, p)])
			if !callb(ptr, k*t.step) {
				return
			}
		}
	}
}

//---- statistics and maintenance

// Info implement api.Mallocer{} interface.
func (t *Tiny) Info() (capacity, heap, alloc, overhead int64) {
	capacity, heap = int64(len(t.arena)), t.maxn*Wordbits*t.step
	return capacity, heap, t.mallocated, capacity - heap
}

// Utilization implement api.Mallocer{} interface.
func (t *Tiny) Utilization() float64 {
	return (float64(t.mallocated) / float64(t.maxn*Wordbits*t.step)) * 100
}

// Stats return allocator counters.
func (t *Tiny) Stats() map[string]interface{} {
	return map[string]interface{}{
		"n_mallocs": t.n_mallocs,
		"n_frees":   t.n_frees,
		"n_preds":   t.n_preds,
		"chunks":    t.maxn,
		"allocated": t.mallocated,
	}
}

// Dump chunk occupancy to sink.
func (t *Tiny) Dump() {
	t.sink.Dumpf("tiny arena:%p step:%v chunks:%v limit:%v utilization:%.2f%%",
		unsafe.Pointer(unsafe.SliceData(t.arena)), t.step, t.maxn, t.Limit(),
		t.Utilization())
	for ci := int64(0); ci < t.maxn; ci++ {
		if t.body[ci] != 0 {
			t.sink.Dumpf("  %6v body %064b", ci, bits.Reverse64(t.body[ci]))
			t.sink.Dumpf("  %6v last %064b", ci, bits.Reverse64(t.last[ci]))
		}
	}
}

//---- local functions

// tinychunks solve the largest number of chunks for which the body and
// last words and the chunk slots fit within `usable` bytes.
func tinychunks(usable, step, align int64) int64 {
	if usable <= 0 {
		return 0
	}
	maxn := usable / (16 + (Wordbits * step))
	for maxn > 0 && alignup(maxn*16, align)+(maxn*Wordbits*step) > usable {
		maxn--
	}
	return maxn
}

func runmask(k int64) uint64 {
	if k >= Wordbits {
		return ^uint64(0)
	}
	return (uint64(1) << uint64(k)) - 1
}

// findrun return the lowest position of `k` consecutive free slots in
// a chunk, or -1. Positions are skipped past the highest used slot
// within a failed window.
func findrun(body uint64, k int64) int64 {
	free, mask := ^body, runmask(k)
	for p := int64(0); p+k <= Wordbits; {
		window := (free >> uint64(p)) & mask
		if window == mask {
			return p
		}
		used := ^window & mask
		p += int64(bits.Len64(used))
	}
	return -1
}

func (t *Tiny) scan(k int64) (int64, int64) {
	for ci := int64(0); ci < t.maxn; ci++ {
		if int64(bits.OnesCount64(^t.body[ci])) < k {
			continue
		} else if p := findrun(t.body[ci], k); p >= 0 {
			return ci, p
		}
	}
	return -1, -1
}

func (t *Tiny) slotoff(ci, p int64) int64 {
	return t.data + ((ci*Wordbits)+p)*t.step
}

// locate validate `ptr` as the start of a live run.
func (t *Tiny) locate(ptr unsafe.Pointer, op string) (ci, p int64, ok bool) {
	off := offsetof(t.arena, ptr) - t.data
	if ptr == nil || off < 0 || off >= t.maxn*Wordbits*t.step {
		t.misuse("%v pointer %p outside arena", op, ptr)
		return -1, -1, false
	} else if off%t.step != 0 {
		t.misuse("%v pointer %p not aligned to slot %v", op, ptr, t.step)
		return -1, -1, false
	}
	ci, p = (off/t.step)/Wordbits, (off/t.step)%Wordbits
	body, last := t.body[ci], t.last[ci]
	if body&(1<<uint64(p)) == 0 {
		t.misuse("%v pointer %p already freed", op, ptr)
		return -1, -1, false
	} else if p > 0 && body&(1<<uint64(p-1)) != 0 && last&(1<<uint64(p-1)) == 0 {
		t.misuse("%v pointer %p inside an allocation", op, ptr)
		return -1, -1, false
	}
	return ci, p, true
}

func (t *Tiny) misuse(fmsg string, args ...interface{}) {
	t.sink.Errorf("tiny: "+fmsg, args...)
	if t.conf.abort {
		t.Dump()
		panicerr("tiny: "+fmsg, args...)
	}
}
