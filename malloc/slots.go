// Functions and methods are not thread safe.

package malloc

import "math/bits"
import "unsafe"

import s "github.com/bnclabs/gosettings"

// Slots manages an arena sliced up into equal sized slots. A bitmap, one
// bit per slot, is kept in the first aligned bytes of the arena, a set
// bit means the slot is held by application.
type Slots struct {
	// 64-bit aligned stats
	mallocated int64
	n_mallocs  int64
	n_frees    int64
	n_preds    int64

	arena    []byte
	used     []uint64 // bitmap, lives inside arena
	data     int64    // offset of first slot
	step     int64
	capacity int64
	pred     int64 // predicted free slot, -1 when cleared

	conf config
	sink Sink
}

// NewSlots create a slot allocator over `arena`, slot size is taken from
// "step" setting rounded up to "align". Refer Defaultsettings().
func NewSlots(arena []byte, setts s.Settings) (*Slots, error) {
	conf, err := parsesettings(setts)
	if err != nil {
		return nil, err
	}
	st := &Slots{arena: arena, conf: conf, sink: Logsink()}
	st.step = alignup(conf.step, conf.align)
	start, end := region(arena, conf.align)
	if st.capacity = slotcapacity(end-start, st.step, conf.align); st.capacity < 1 {
		if conf.abort {
			panicerr("slots arena of %v bytes cannot hold a %v slot", len(arena), st.step)
		}
		return nil, ErrorArenaTooSmall
	}
	nwords := ceil(st.capacity, Wordbits)
	st.used = wordsat(arena, start, nwords)
	st.data = start + alignup(nwords*8, conf.align)
	st.Clear()
	infof("slots: new arena %s, step %v, capacity %v\n",
		humanbytes(int64(len(arena))), st.step, st.capacity)
	return st, nil
}

// SlotsArenasize return arena size required to hold `n` slots of
// `step` bytes, assuming an aligned arena.
func SlotsArenasize(step, n int64, align int64) int64 {
	step = alignup(step, align)
	return alignup(ceil(n, Wordbits)*8, align) + (n * step)
}

// SetSink for diagnostics, default is Logsink().
func (st *Slots) SetSink(sink Sink) {
	st.sink = sink
}

//---- operations

// Malloc implement api.Mallocer{} interface. Requests larger than slot
// size are rejected.
func (st *Slots) Malloc(n int64) unsafe.Pointer {
	if n <= 0 || n > st.step {
		return nil
	}
	st.n_mallocs++
	idx := st.pred
	if idx >= 0 && st.isset(idx) == false {
		st.n_preds++
	} else if idx = st.scan(); idx < 0 {
		return nil
	}
	st.used[idx/Wordbits] |= 1 << uint64(idx%Wordbits)
	st.mallocated += st.step
	if nx := idx + 1; nx < st.capacity && st.isset(nx) == false {
		st.pred = nx
	} else {
		st.pred = -1
	}
	return unsafe.Pointer(&st.arena[st.data+(idx*st.step)])
}

// Free implement api.Mallocer{} interface.
func (st *Slots) Free(ptr unsafe.Pointer) bool {
	idx, ok := st.indexof(ptr, "free")
	if !ok {
		return false
	} else if st.isset(idx) == false {
		st.misuse("free slot %v already freed", idx)
		return false
	}
	st.used[idx/Wordbits] &^= 1 << uint64(idx%Wordbits)
	st.mallocated -= st.step
	st.n_frees++
	st.pred = idx
	return true
}

// Clear implement api.Mallocer{} interface.
func (st *Slots) Clear() {
	for i := range st.used {
		st.used[i] = 0
	}
	// padding bits beyond capacity are never free.
	if x := st.capacity % Wordbits; x > 0 {
		st.used[len(st.used)-1] = ^uint64(0) << uint64(x)
	}
	st.mallocated, st.pred = 0, 0
}

//---- query

// Owns implement api.Mallocer{} interface.
func (st *Slots) Owns(ptr unsafe.Pointer) bool {
	off := offsetof(st.arena, ptr)
	return off >= st.data && off < st.data+(st.capacity*st.step)
}

// Datasize implement api.Mallocer{} interface.
func (st *Slots) Datasize(ptr unsafe.Pointer) int64 {
	if idx, ok := st.indexof(ptr, "datasize"); ok && st.isset(idx) {
		return st.step
	}
	return 0
}

// Base implement api.Chunk{} interface.
func (st *Slots) Base() []byte {
	return st.arena
}

// Capacity return the number of slots in this arena.
func (st *Slots) Capacity() int64 {
	return st.capacity
}

// Step return slot size.
func (st *Slots) Step() int64 {
	return st.step
}

// Walk live slots in address order, until callback returns false.
func (st *Slots) Walk(callb func(ptr unsafe.Pointer, size int64) bool) {
	for i, word := range st.used {
		if i == len(st.used)-1 {
			if x := st.capacity % Wordbits; x > 0 {
				word &= (uint64(1) << uint64(x)) - 1
			}
		}
		for word != 0 {
			bit := int64(bits.TrailingZeros64(word))
			word &= word - 1
			off := st.data + ((int64(i)*Wordbits)+bit)*st.step
			if !callb(unsafe.Pointer(&st.arena[off]), st.step) {
				return
			}
		}
	}
}

//---- statistics and maintenance

// Info implement api.Mallocer{} interface.
func (st *Slots) Info() (capacity, heap, alloc, overhead int64) {
	capacity, heap = int64(len(st.arena)), st.capacity*st.step
	return capacity, heap, st.mallocated, capacity - heap
}

// Utilization implement api.Mallocer{} interface.
func (st *Slots) Utilization() float64 {
	return (float64(st.mallocated) / float64(st.capacity*st.step)) * 100
}

// Stats return allocator counters.
func (st *Slots) Stats() map[string]interface{} {
	return map[string]interface{}{
		"n_mallocs": st.n_mallocs,
		"n_frees":   st.n_frees,
		"n_preds":   st.n_preds,
		"capacity":  st.capacity,
		"allocated": st.mallocated,
	}
}

// Dump bitmap occupancy to sink.
func (st *Slots) Dump() {
	st.sink.Dumpf("slots arena:%p step:%v capacity:%v used:%v utilization:%.2f%%",
		unsafe.Pointer(unsafe.SliceData(st.arena)), st.step, st.capacity,
		st.mallocated/st.step, st.Utilization())
	for i, word := range st.used {
		if word != 0 {
			st.sink.Dumpf("  %6v %064b", int64(i)*Wordbits, bits.Reverse64(word))
		}
	}
}

//---- local functions

// slotcapacity solve the largest capacity for which the bitmap and
// the slots fit within `usable` bytes.
func slotcapacity(usable, step, align int64) int64 {
	if usable <= 0 {
		return 0
	}
	capacity := (usable * 8) / ((step * 8) + 1)
	for capacity > 0 && alignup(ceil(capacity, Wordbits)*8, align)+capacity*step > usable {
		capacity--
	}
	return capacity
}

func (st *Slots) isset(idx int64) bool {
	return (st.used[idx/Wordbits] & (1 << uint64(idx%Wordbits))) != 0
}

// scan for the first free slot, skipping full words.
func (st *Slots) scan() int64 {
	for i, word := range st.used {
		if word == ^uint64(0) {
			continue
		}
		return (int64(i) * Wordbits) + int64(bits.TrailingZeros64(^word))
	}
	return -1
}

func (st *Slots) indexof(ptr unsafe.Pointer, op string) (int64, bool) {
	off := offsetof(st.arena, ptr) - st.data
	if ptr == nil || off < 0 || off >= st.capacity*st.step {
		st.misuse("%v pointer %p outside arena", op, ptr)
		return -1, false
	} else if off%st.step != 0 {
		st.misuse("%v pointer %p not aligned to slot %v", op, ptr, st.step)
		return -1, false
	}
	return off / st.step, true
}

func (st *Slots) misuse(fmsg string, args ...interface{}) {
	st.sink.Errorf("slots: "+fmsg, args...)
	if st.conf.abort {
		st.Dump()
		panicerr("slots: "+fmsg, args...)
	}
}
