package memory

import "math"
import "math/bits"
import "unsafe"

import s "github.com/bnclabs/gosettings"
import humanize "github.com/dustin/go-humanize"
import "github.com/bnclabs/gomalloc/lib"
import "github.com/bnclabs/gomalloc/malloc"

// Defaultsettings for dispatcher.
//
// "align" (int64, default: 8)
//		Alignment for all memory handed out by dispatcher.
//
// "source" (string, default: "heap")
//		Where to obtain arena from, when Init is called without one, and
//		where to obtain memory from in native mode. Can be "heap" or
//		"mmap".
//
// "tiny.step" (int64, default: 16)
//		Slot size for tiny allocator, requests up to 64*tiny.step bytes
//		are served by tiny allocator.
//
// "tiny.ratio" (int64, default: 12)
//		Percentage of arena carved out for tiny allocator.
//
// "tiny.minsize" (int64, default: 4096)
//		If the carved out region is smaller than this, tiny allocator is
//		not used.
//
// "debug", "abort" (bool, default: true with -tags debug)
//		Refer malloc.Defaultsettings().
func Defaultsettings() s.Settings {
	setts := malloc.Defaultsettings()
	return s.Settings{
		"align":        setts.Int64("align"),
		"source":       setts.String("source"),
		"debug":        setts.Bool("debug"),
		"abort":        setts.Bool("abort"),
		"tiny.step":    int64(16),
		"tiny.ratio":   int64(12),
		"tiny.minsize": int64(4096),
	}
}

// dispatcher state, nil pool means uninitialized.
type dispatcher struct {
	// 64-bit aligned stats
	n_mallocs int64
	n_frees   int64
	n_rallocs int64
	n_tiny    int64 // served by tiny
	n_blocks  int64 // served by blocks
	n_native  int64 // served by native source
	n_fails   int64

	arena  []byte
	owned  bool // arena obtained from source, given back on Exit
	blocks *malloc.Blocks
	tiny   *malloc.Tiny
	native map[uintptr][]byte // live native allocations
	sizes  *lib.HistogramInt64

	source string
	align  int64
	sink   malloc.Sink
}

var mu spinlock
var pool *dispatcher

// osfree gives arenas and native buffers back to their source.
var osfree = malloc.Osfree

// Init dispatcher over `arena`. If arena is nil and size is greater than
// zero, an arena of `size` bytes is obtained from "source" and owned by
// the dispatcher. If arena is nil and size is zero, or if the arena
// cannot host the allocators, dispatcher operates in native mode and
// Init returns false. Calling Init on a pooled dispatcher, or while
// native allocations are live, is ignored and returns false, call
// Exit() first.
func Init(arena []byte, size int64, setts s.Settings) bool {
	mu.lock()
	defer mu.unlock()

	if pool != nil && (pool.blocks != nil || len(pool.native) > 0) {
		warnf("memory: already initialized\n")
		return false
	}
	setts = Defaultsettings().Mixin(setts)
	pool = newnative(setts)
	if arena == nil && size <= 0 {
		infof("memory: native mode, source %q\n", pool.source)
		return false
	}

	owned := false
	if arena == nil {
		var err error
		if arena, err = malloc.Osmalloc(pool.source, size); err != nil {
			errorf("memory: cannot obtain arena of %v bytes: %v\n", size, err)
			return false
		}
		owned = true
	} else if size > 0 && size < int64(len(arena)) {
		arena = arena[:size]
	}
	if err := pool.pooled(arena, setts); err != nil {
		errorf("memory: arena of %v bytes: %v, native mode\n", len(arena), err)
		if owned {
			osfree(pool.source, arena)
		}
		return false
	}
	pool.owned = owned
	infof("memory: pooled mode over %v, tiny:%v\n",
		humanize.Bytes(uint64(len(arena))), pool.tiny != nil)
	return true
}

// Exit releases dispatcher, its arena if owned, and every native
// allocation. Pointers handed out before are no longer valid.
func Exit() {
	mu.lock()
	defer mu.unlock()

	if pool == nil {
		return
	}
	for _, buf := range pool.native {
		osfree(pool.source, buf)
	}
	if pool.owned {
		osfree(pool.source, pool.arena)
	}
	infof("memory: exit after %v mallocs %v frees\n", pool.n_mallocs, pool.n_frees)
	pool = nil
}

// Malloc `n` bytes. Return nil if memory is not available.
func Malloc(n int64) unsafe.Pointer {
	mu.lock()
	defer mu.unlock()
	return getpool().malloc(n)
}

// Malloc0 same as Malloc, with allocated memory zeroed.
func Malloc0(n int64) unsafe.Pointer {
	mu.lock()
	defer mu.unlock()
	ptr := getpool().malloc(n)
	if ptr != nil {
		lib.Memset(ptr, 0, int(n))
	}
	return ptr
}

// Nalloc memory for `count` items of `size` bytes each. Return nil if
// count*size overflows.
func Nalloc(count, size int64) unsafe.Pointer {
	n, ok := nbytes(count, size)
	if !ok {
		return nil
	}
	return Malloc(n)
}

// Nalloc0 same as Nalloc, with allocated memory zeroed.
func Nalloc0(count, size int64) unsafe.Pointer {
	n, ok := nbytes(count, size)
	if !ok {
		return nil
	}
	return Malloc0(n)
}

// Ralloc resize memory pointed by `ptr` to `n` bytes. Returned pointer
// can be different from `ptr`, contents are preserved up to the smaller
// of the two sizes. On failure nil is returned and `ptr` is untouched.
func Ralloc(ptr unsafe.Pointer, n int64) unsafe.Pointer {
	mu.lock()
	defer mu.unlock()
	return getpool().ralloc(ptr, n)
}

// Free memory pointed by `ptr`.
func Free(ptr unsafe.Pointer) bool {
	mu.lock()
	defer mu.unlock()
	return getpool().free(ptr)
}

// Datasize return size of memory pointed by `ptr`, in debug mode this
// is the size requested for blocks.
func Datasize(ptr unsafe.Pointer) int64 {
	mu.lock()
	defer mu.unlock()
	d := getpool()
	if _, size := d.owner(ptr); size >= 0 {
		return size
	}
	return 0
}

// Datadump describe memory pointed by `ptr`, prefixed with `tag`.
func Datadump(ptr unsafe.Pointer, tag string) {
	mu.lock()
	defer mu.unlock()
	d := getpool()
	switch kind, size := d.owner(ptr); kind {
	case "blocks":
		d.blocks.Datadump(ptr, tag)
	case "tiny", "native":
		d.sink.Dumpf("%v: %v %p size:%v", tag, kind, ptr, size)
	default:
		d.sink.Errorf("memory: %v: pointer %p not allocated", tag, ptr)
	}
}

// Dump dispatcher state, and its allocators, to sink.
func Dump() {
	mu.lock()
	defer mu.unlock()
	d := getpool()
	d.sink.Dumpf("memory mode:%v native:%v live", d.mode(), len(d.native))
	if d.blocks != nil {
		d.blocks.Dump()
	}
	if d.tiny != nil {
		d.tiny.Dump()
	}
	d.sink.Dumpf("memory sizes %v", d.sizes.Logstring())
}

// SetSink for diagnostics from dispatcher and its allocators.
func SetSink(sink malloc.Sink) {
	mu.lock()
	defer mu.unlock()
	d := getpool()
	d.sink = sink
	if d.blocks != nil {
		d.blocks.SetSink(sink)
	}
	if d.tiny != nil {
		d.tiny.SetSink(sink)
	}
}

// Stats return dispatcher counters and histogram of requested sizes.
func Stats() map[string]interface{} {
	mu.lock()
	defer mu.unlock()
	d := getpool()
	stats := map[string]interface{}{
		"mode":      d.mode(),
		"n_mallocs": d.n_mallocs,
		"n_frees":   d.n_frees,
		"n_rallocs": d.n_rallocs,
		"n_tiny":    d.n_tiny,
		"n_blocks":  d.n_blocks,
		"n_native":  d.n_native,
		"n_fails":   d.n_fails,
		"sizes":     d.sizes.Fullstats(),
	}
	if d.blocks != nil {
		stats["blocks"] = d.blocks.Stats()
	}
	if d.tiny != nil {
		stats["tiny"] = d.tiny.Stats()
	}
	return stats
}

//---- local functions

// getpool lazily falls back to native mode.
func getpool() *dispatcher {
	if pool == nil {
		pool = newnative(Defaultsettings())
		debugf("memory: uninitialized, native mode\n")
	}
	return pool
}

func newnative(setts s.Settings) *dispatcher {
	return &dispatcher{
		native: make(map[uintptr][]byte),
		sizes:  lib.NewhistogramInt64(24),
		source: setts.String("source"),
		align:  setts.Int64("align"),
		sink:   malloc.Logsink(),
	}
}

// pooled carve tiny allocator out of blocks, if arena is big enough.
func (d *dispatcher) pooled(arena []byte, setts s.Settings) (err error) {
	common := s.Settings{
		"align":  setts.Int64("align"),
		"source": setts.String("source"),
		"debug":  setts.Bool("debug"),
		"abort":  setts.Bool("abort"),
	}
	if d.blocks, err = malloc.NewBlocks(arena, common); err != nil {
		return err
	}
	d.arena = arena

	_, heap, _, _ := d.blocks.Info()
	tinysize := ((heap * setts.Int64("tiny.ratio")) / 100) &^ (d.align - 1)
	if tinysize < setts.Int64("tiny.minsize") {
		return nil
	}
	ptr := d.blocks.Malloc(tinysize)
	if ptr == nil {
		return nil
	}
	d.blocks.Reserve(ptr, "tiny arena")
	tinysetts := common.Mixin(s.Settings{"step": setts.Int64("tiny.step")})
	tinyarena := lib.Bytes(ptr, int(tinysize))
	if d.tiny, err = malloc.NewTiny(tinyarena, tinysetts); err != nil {
		warnf("memory: tiny allocator over %v bytes: %v\n", tinysize, err)
		d.blocks.Free(ptr)
		d.tiny = nil
	}
	return nil
}

func (d *dispatcher) mode() string {
	if d.blocks == nil {
		return "native"
	}
	return "pooled"
}

func (d *dispatcher) malloc(n int64) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	d.n_mallocs++
	d.sizes.Add(n)
	if d.blocks == nil {
		return d.nativemalloc(n)
	}
	if d.tiny != nil && n <= d.tiny.Limit() {
		if ptr := d.tiny.Malloc(n); ptr != nil {
			d.n_tiny++
			return ptr
		}
	}
	if ptr := d.blocks.Malloc(n); ptr != nil {
		d.n_blocks++
		return ptr
	}
	d.n_fails++
	return nil
}

func (d *dispatcher) ralloc(ptr unsafe.Pointer, n int64) unsafe.Pointer {
	if ptr == nil {
		return d.malloc(n)
	} else if n <= 0 {
		return nil
	}
	kind, size := d.owner(ptr)
	switch kind {
	case "":
		d.sink.Errorf("memory: ralloc pointer %p not allocated", ptr)
		return nil
	case "blocks":
		if newptr := d.blocks.Realloc(ptr, n); newptr != nil {
			d.n_rallocs++
			return newptr
		}
	case "tiny":
		if newptr := d.tiny.Realloc(ptr, n); newptr != nil {
			d.n_rallocs++
			return newptr
		}
	}
	newptr := d.malloc(n)
	if newptr == nil {
		return nil
	}
	if size > n {
		size = n
	}
	lib.Memcpy(newptr, ptr, int(size))
	d.free(ptr)
	d.n_rallocs++
	return newptr
}

func (d *dispatcher) free(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}
	var ok bool
	switch {
	case d.tiny != nil && d.tiny.Owns(ptr):
		ok = d.tiny.Free(ptr)
	case d.blocks != nil && d.blocks.Owns(ptr):
		ok = d.blocks.Free(ptr)
	default:
		ok = d.nativefree(ptr)
	}
	if ok {
		d.n_frees++
	}
	return ok
}

// owner return allocator holding `ptr` and size of its memory, kind is
// empty if `ptr` is not live.
func (d *dispatcher) owner(ptr unsafe.Pointer) (string, int64) {
	if ptr == nil {
		return "", -1
	} else if d.tiny != nil && d.tiny.Owns(ptr) {
		if size := d.tiny.Datasize(ptr); size > 0 {
			return "tiny", size
		}
		return "", -1
	} else if d.blocks != nil && d.blocks.Owns(ptr) {
		if size := d.blocks.Datasize(ptr); size > 0 {
			return "blocks", size
		}
		return "", -1
	} else if buf, ok := d.native[uintptr(ptr)]; ok {
		return "native", int64(len(buf))
	}
	return "", -1
}

func (d *dispatcher) nativemalloc(n int64) unsafe.Pointer {
	if n > math.MaxInt64-d.align {
		d.n_fails++
		return nil
	}
	size := (n + d.align - 1) &^ (d.align - 1)
	buf, err := malloc.Osmalloc(d.source, size)
	if err != nil {
		d.n_fails++
		return nil
	}
	buf = buf[:n]
	ptr := unsafe.Pointer(&buf[0])
	d.native[uintptr(ptr)] = buf
	d.n_native++
	return ptr
}

func (d *dispatcher) nativefree(ptr unsafe.Pointer) bool {
	buf, ok := d.native[uintptr(ptr)]
	if !ok {
		d.sink.Errorf("memory: free pointer %p not allocated", ptr)
		return false
	}
	delete(d.native, uintptr(ptr))
	osfree(d.source, buf[:cap(buf)])
	return true
}

func nbytes(count, size int64) (int64, bool) {
	if count <= 0 || size <= 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || lo > math.MaxInt64 {
		errorf("memory: nalloc %v*%v overflows\n", count, size)
		return 0, false
	}
	return int64(lo), true
}
