// Functions and methods are not thread safe.

package malloc

import "math"
import "unsafe"

import s "github.com/bnclabs/gosettings"

// bit-0 of header's size word, sizes are always multiples of alignment.
const freebit = uint64(1)

// upper 16 bits of header's size word carry hdrtag, sizes are limited
// to sizemask.
const (
	hdrtag   = uint64(0xB10C) << 48
	tagmask  = uint64(0xFFFF) << 48
	sizemask = ^tagmask &^ freebit
)

// blockmagic tags every header in debug mode.
const blockmagic = uint64(0x5AFEB10C5AFEB10C)

// header words, debug mode only uses words beyond hdrsize.
const (
	hdrSize     = 0
	hdrMagic    = 8
	hdrRealsize = 16
	hdrOwner    = 24
)

// Blocks manages variable sized allocations within a single arena. Every
// block is preceded by an in-place header, and headers walked from the
// start of arena exactly span the usable region. Free blocks are found by
// first-fit with a predicted free block, adjacent free blocks are merged
// lazily while scanning and eagerly while freeing.
type Blocks struct {
	// 64-bit aligned stats
	mallocated int64 // payload bytes held by used blocks
	nblocks    int64 // number of headers in the arena
	n_mallocs  int64
	n_frees    int64
	n_reallocs int64
	n_preds    int64 // allocations served by prediction
	n_scans    int64 // full scans from start of arena
	n_fulls    int64 // requests rejected by full shortcut
	n_splits   int64
	n_merges   int64

	arena   []byte
	start   int64 // offset of first header
	end     int64 // offset past the usable region
	hdrsize int64
	pred    int64 // predicted free block, -1 when cleared
	full    int64 // largest free block after failed full scan, -1 if unset

	conf   config
	sink   Sink
	tags     []string // allocation sites, only in debug mode
	tagidx   map[string]uint64
	reserved map[uint64]bool // tags held by allocator machinery
}

// NewBlocks create a block allocator over `arena`. Arena is exclusively
// owned by the allocator until application stops using it, allocator
// never releases the arena. Refer Defaultsettings() for `setts`.
func NewBlocks(arena []byte, setts s.Settings) (*Blocks, error) {
	conf, err := parsesettings(setts)
	if err != nil {
		return nil, err
	}
	b := &Blocks{arena: arena, conf: conf, sink: Logsink()}
	b.hdrsize = alignup(8, conf.align)
	if conf.debug {
		b.hdrsize = alignup(32, conf.align)
	}
	b.start, b.end = region(arena, conf.align)
	if uint64(b.end-b.start) > sizemask {
		return nil, ErrorArenaTooLarge
	} else if b.end-b.start < b.hdrsize+conf.align {
		if conf.abort {
			panicerr("blocks arena of %v bytes cannot hold a block", len(arena))
		}
		return nil, ErrorArenaTooSmall
	}
	b.Clear()
	infof("blocks: new arena %s, header %v bytes, debug:%v\n",
		humanbytes(b.end-b.start), b.hdrsize, conf.debug)
	return b, nil
}

// SetSink for diagnostics, default is Logsink().
func (b *Blocks) SetSink(sink Sink) {
	b.sink = sink
}

//---- operations

// Malloc implement api.Mallocer{} interface.
func (b *Blocks) Malloc(n int64) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	b.n_mallocs++
	if n > b.end-b.start {
		debugf("blocks: request of %v bytes exceeds arena\n", n)
		return nil
	}
	size := alignup(n, b.conf.align)
	if b.full >= 0 && size > b.full {
		b.n_fulls++
		return nil
	}
	if off := b.mallocpred(size); off >= 0 {
		b.n_preds++
		return b.inuse(off, n)
	}
	if off := b.mallocscan(size); off >= 0 {
		return b.inuse(off, n)
	}
	debugf("blocks: cannot allocate %v bytes, full:%v\n", n, b.full)
	return nil
}

// Malloc0 same as Malloc, with allocated memory zeroed.
func (b *Blocks) Malloc0(n int64) unsafe.Pointer {
	ptr := b.Malloc(n)
	if ptr != nil {
		fill(unsafe.Slice((*byte)(ptr), n), 0)
	}
	return ptr
}

// Realloc resize memory pointed by `ptr` in place, either because
// block already has the capacity or because following free blocks can
// be merged into it. Return nil if block cannot be resized in place, in
// which case `ptr` is left untouched and application shall Malloc, copy
// and Free.
func (b *Blocks) Realloc(ptr unsafe.Pointer, n int64) unsafe.Pointer {
	if ptr == nil {
		return b.Malloc(n)
	} else if n <= 0 || n > b.end-b.start {
		return nil
	}
	off, ok := b.lookup(ptr, "realloc")
	if !ok {
		return nil
	}
	b.n_reallocs++
	size, cur := alignup(n, b.conf.align), b.hsize(off)
	if cur >= size {
		b.mark(off, n)
		return ptr
	}

	available, nx := cur, b.next(off)
	for available < size && nx < b.end && b.isfree(nx) {
		available += b.hdrsize + b.hsize(nx)
		nx = b.next(nx)
	}
	if available < size {
		return nil
	}
	// absorb free successors.
	for nx := b.next(off); nx < off+b.hdrsize+available; nx = b.next(nx) {
		if b.pred == nx {
			b.pred = -1
		}
		b.nblocks--
		b.n_merges++
	}
	b.sethdr(off, available, false)
	b.split(off, size)
	b.mallocated += b.hsize(off) - cur
	b.mark(off, n)
	return ptr
}

// Free implement api.Mallocer{} interface. Double free, foreign and
// unaligned pointers are reported to sink and ignored.
func (b *Blocks) Free(ptr unsafe.Pointer) bool {
	off, ok := b.lookup(ptr, "free")
	if !ok {
		return false
	}
	size := b.hsize(off)
	if b.conf.debug {
		b.checkcanary(off)
	}
	b.n_frees++
	b.mallocated -= size
	b.sethdr(off, size, true)
	b.coalesce(off, math.MaxInt64)
	b.pred, b.full = off, -1
	return true
}

// Clear implement api.Mallocer{} interface.
func (b *Blocks) Clear() {
	b.sethdr(b.start, b.end-b.start-b.hdrsize, true)
	b.pred, b.full = b.start, -1
	b.mallocated, b.nblocks = 0, 1
	b.tags, b.tagidx = []string{""}, map[string]uint64{"": 0}
	b.reserved = map[uint64]bool{}
}

// Reserve tag the live block behind `ptr` as held by allocator
// machinery, reserved blocks are left out of leak reports. Tags are
// recorded only in debug mode.
func (b *Blocks) Reserve(ptr unsafe.Pointer, tag string) bool {
	off, ok := b.lookup(ptr, "reserve")
	if !ok {
		return false
	} else if b.conf.debug {
		idx := b.tagof(tag)
		setword(b.arena, off+hdrOwner, idx)
		b.reserved[idx] = true
	}
	return true
}

//---- query

// Owns implement api.Mallocer{} interface.
func (b *Blocks) Owns(ptr unsafe.Pointer) bool {
	poff := offsetof(b.arena, ptr)
	return poff >= b.start+b.hdrsize && poff < b.end
}

// Datasize implement api.Mallocer{} interface. Return zero if ptr is
// not a live block.
func (b *Blocks) Datasize(ptr unsafe.Pointer) int64 {
	off, ok := b.lookup(ptr, "datasize")
	if !ok {
		return 0
	} else if b.conf.debug {
		return int64(getword(b.arena, off+hdrRealsize))
	}
	return b.hsize(off)
}

// Base implement api.Chunk{} interface.
func (b *Blocks) Base() []byte {
	return b.arena
}

// Walk live blocks in address order, until callback returns false.
func (b *Blocks) Walk(callb func(ptr unsafe.Pointer, size int64) bool) {
	for off := b.start; off < b.end; off = b.next(off) {
		if b.isfree(off) {
			continue
		}
		ptr := unsafe.Pointer(&b.arena[off+b.hdrsize])
		if !callb(ptr, b.hsize(off)) {
			return
		}
	}
}

//---- statistics and maintenance

// Info implement api.Mallocer{} interface.
func (b *Blocks) Info() (capacity, heap, alloc, overhead int64) {
	capacity, heap = int64(len(b.arena)), b.end-b.start
	padding := capacity - heap
	return capacity, heap, b.mallocated, padding + (b.nblocks * b.hdrsize)
}

// Utilization implement api.Mallocer{} interface.
func (b *Blocks) Utilization() float64 {
	return (float64(b.mallocated) / float64(b.end-b.start)) * 100
}

// Stats return allocator counters.
func (b *Blocks) Stats() map[string]interface{} {
	return map[string]interface{}{
		"n_mallocs":  b.n_mallocs,
		"n_frees":    b.n_frees,
		"n_reallocs": b.n_reallocs,
		"n_preds":    b.n_preds,
		"n_scans":    b.n_scans,
		"n_fulls":    b.n_fulls,
		"n_splits":   b.n_splits,
		"n_merges":   b.n_merges,
		"n_blocks":   b.nblocks,
		"allocated":  b.mallocated,
	}
}

//---- local functions

func (b *Blocks) hsize(off int64) int64 {
	return int64(getword(b.arena, off+hdrSize) & sizemask)
}

func (b *Blocks) istagged(off int64) bool {
	return getword(b.arena, off+hdrSize)&tagmask == hdrtag
}

// fits check that header at `off` holds an aligned, non-empty size that
// stays within the usable region.
func (b *Blocks) fits(off int64) bool {
	size := b.hsize(off)
	if size < b.conf.align || size%b.conf.align != 0 {
		return false
	}
	return size <= b.end-off-b.hdrsize
}

func (b *Blocks) isfree(off int64) bool {
	return (getword(b.arena, off+hdrSize) & freebit) != 0
}

func (b *Blocks) next(off int64) int64 {
	return off + b.hdrsize + b.hsize(off)
}

func (b *Blocks) sethdr(off, size int64, free bool) {
	word := hdrtag | uint64(size)
	if free {
		word |= freebit
	}
	setword(b.arena, off+hdrSize, word)
	if b.conf.debug {
		setword(b.arena, off+hdrMagic, blockmagic)
		if free {
			setword(b.arena, off+hdrRealsize, 0)
			setword(b.arena, off+hdrOwner, 0)
		}
	}
}

// try the predicted block with a bounded probe, merging its free
// successors if it falls short.
func (b *Blocks) mallocpred(size int64) int64 {
	off := b.pred
	if off < 0 {
		return -1
	} else if !b.isfree(off) {
		b.pred = -1
		return -1
	}
	b.coalesce(off, size)
	if b.hsize(off) < size {
		return -1
	}
	b.split(off, size)
	return off
}

// first-fit from start of arena, remembering the largest free block as
// next prediction. A failed scan arms the full shortcut.
func (b *Blocks) mallocscan(size int64) int64 {
	b.n_scans++
	maxoff, maxsize, last := int64(-1), int64(0), int64(-1)
	for off := b.start; off < b.end; off = b.next(off) {
		if !b.sane(off, last) {
			return -1
		}
		last = off
		if !b.isfree(off) {
			continue
		}
		b.coalesce(off, size)
		bsize := b.hsize(off)
		if bsize > maxsize || maxoff < 0 {
			maxoff, maxsize = off, bsize
		}
		if bsize >= size {
			b.split(off, size)
			return off
		}
	}
	b.pred, b.full = maxoff, maxsize
	return -1
}

// merge free successors into free block at `off` until it can hold
// `want` bytes or the next block is in use.
func (b *Blocks) coalesce(off, want int64) {
	for b.hsize(off) < want {
		nx := b.next(off)
		if nx >= b.end || !b.isfree(nx) {
			return
		}
		if b.pred == nx {
			b.pred = off
		}
		b.sethdr(off, b.hsize(off)+b.hdrsize+b.hsize(nx), true)
		b.nblocks--
		b.n_merges++
	}
}

// mark block at `off` as used with `size` bytes, splitting the remainder
// as a new free block if it can hold a header and a payload.
func (b *Blocks) split(off, size int64) {
	bsize := b.hsize(off)
	if left := bsize - size; left > b.hdrsize {
		b.sethdr(off, size, false)
		rem := off + b.hdrsize + size
		b.sethdr(rem, left-b.hdrsize, true)
		b.nblocks++
		b.n_splits++
		b.pred = rem
		return
	}
	b.sethdr(off, bsize, false)
	if b.pred == off {
		b.pred = -1
	}
}

func (b *Blocks) inuse(off, n int64) unsafe.Pointer {
	b.mallocated += b.hsize(off)
	b.mark(off, n)
	return unsafe.Pointer(&b.arena[off+b.hdrsize])
}

// mark records requested size and allocation site in debug mode, and
// fills the canary past requested size.
func (b *Blocks) mark(off, n int64) {
	if !b.conf.debug {
		return
	}
	setword(b.arena, off+hdrRealsize, uint64(n))
	setword(b.arena, off+hdrOwner, b.tagof(callsite()))
	payload := off + b.hdrsize
	fill(b.arena[payload+n:payload+b.hsize(off)], Poison)
}

func (b *Blocks) tagof(site string) uint64 {
	if idx, ok := b.tagidx[site]; ok {
		return idx
	}
	idx := uint64(len(b.tags))
	b.tags = append(b.tags, site)
	b.tagidx[site] = idx
	return idx
}

func (b *Blocks) owner(off int64) string {
	if !b.conf.debug {
		return ""
	} else if idx := getword(b.arena, off+hdrOwner); idx < uint64(len(b.tags)) {
		return b.tags[idx]
	}
	return "?"
}

// lookup validate `ptr` as a live block and return its header offset.
func (b *Blocks) lookup(ptr unsafe.Pointer, op string) (int64, bool) {
	if ptr == nil {
		b.misuse("%v nil pointer", op)
		return -1, false
	}
	poff := offsetof(b.arena, ptr)
	off := poff - b.hdrsize
	if off < b.start || poff >= b.end {
		b.misuse("%v pointer %p outside arena", op, ptr)
		return -1, false
	} else if (off-b.start)%b.conf.align != 0 {
		b.misuse("%v pointer %p not aligned to %v", op, ptr, b.conf.align)
		return -1, false
	} else if b.conf.debug && getword(b.arena, off+hdrMagic) != blockmagic {
		b.misuse("%v pointer %p is not a block", op, ptr)
		return -1, false
	} else if !b.istagged(off) || !b.fits(off) {
		b.misuse("%v pointer %p is not a block", op, ptr)
		return -1, false
	} else if b.isfree(off) {
		b.misuse("%v pointer %p already freed", op, ptr)
		return -1, false
	}
	return off, true
}

// sane check header at `off` while walking, `last` is the previous
// valid header or -1.
func (b *Blocks) sane(off, last int64) bool {
	if off+b.hdrsize > b.end {
		b.corrupted(off, last, "header overruns arena")
		return false
	} else if !b.istagged(off) {
		b.corrupted(off, last, "bad header tag")
		return false
	} else if b.conf.debug && getword(b.arena, off+hdrMagic) != blockmagic {
		b.corrupted(off, last, "bad magic")
		return false
	} else if size := b.hsize(off); size > b.end-off-b.hdrsize {
		b.corrupted(off, last, "size overruns arena")
		return false
	} else if size < b.conf.align || size%b.conf.align != 0 {
		b.corrupted(off, last, "unaligned size")
		return false
	}
	return true
}

func (b *Blocks) checkcanary(off int64) bool {
	n := int64(getword(b.arena, off+hdrRealsize))
	if n <= 0 || n > b.hsize(off) {
		b.sink.Errorf("blocks: block %v realsize:%v exceeds size:%v",
			off, n, b.hsize(off))
		if b.conf.abort {
			panicerr("%v, block %v realsize %v", ErrorCorrupted, off, n)
		}
		return false
	}
	payload := off + b.hdrsize
	for i, c := range b.arena[payload+n : payload+b.hsize(off)] {
		if c != Poison {
			fmsg := "blocks: overflow at block %v+%v, realsize:%v owner:%v"
			b.sink.Errorf(fmsg, off, n+int64(i), n, b.owner(off))
			if b.conf.abort {
				panicerr("%v, block %v overflown", ErrorCorrupted, off)
			}
			return false
		}
	}
	return true
}

func (b *Blocks) misuse(fmsg string, args ...interface{}) {
	b.sink.Errorf("blocks: "+fmsg, args...)
	if b.conf.abort {
		b.Dump()
		panicerr("blocks: "+fmsg, args...)
	}
}

func (b *Blocks) corrupted(off, last int64, reason string) {
	if last < 0 {
		b.sink.Errorf("blocks: corrupted header at %v: %v", off, reason)
	} else {
		fmsg := "blocks: corrupted header at %v: %v, last valid block " +
			"at %v size:%v free:%v owner:%v"
		b.sink.Errorf(fmsg, off, reason,
			last, b.hsize(last), b.isfree(last), b.owner(last))
	}
	errorf("blocks: %v at %v\n", ErrorCorrupted, off)
	if b.conf.abort {
		panicerr("%v at %v, %v", ErrorCorrupted, off, reason)
	}
}
