// Functions and methods are not thread safe.

package malloc

import "sort"
import "unsafe"

import s "github.com/bnclabs/gosettings"
import "github.com/bnclabs/gomalloc/api"

// Growth manages a growable collection of chunks, each chunk is an
// arena obtained from "source" and managed by a Blocks or a Slots
// allocator as per "allocator" setting. Chunks are released only when
// the wrapper itself is released.
type Growth struct {
	// 64-bit aligned stats
	n_mallocs int64
	n_frees   int64
	n_grows   int64

	chunks []*growchunk // append only
	index  growchunks   // sorted by base address
	lastok int          // most recent chunk that served malloc

	setts s.Settings
	conf  config
	sink  Sink
}

type growchunk struct {
	arena []byte
	size  int64
	pool  api.Chunk
}

// NewGrowth create a growth wrapper, no chunk is allocated until the
// first Malloc. Refer Defaultsettings() for `setts`, "grow" is number of
// items per chunk for "slot" allocator and number of bytes per chunk
// for "block" allocator.
func NewGrowth(setts s.Settings) (*Growth, error) {
	setts = Defaultsettings().Mixin(setts)
	conf, err := parsesettings(setts)
	if err != nil {
		return nil, err
	}
	g := &Growth{setts: setts, conf: conf, sink: Logsink(), lastok: -1}
	g.chunks, g.index = make([]*growchunk, 0, 4), make(growchunks, 0, 4)
	infof("growth: new wrapper %v\n", conf)
	return g, nil
}

// SetSink for diagnostics, applies to current and future chunks.
func (g *Growth) SetSink(sink Sink) {
	g.sink = sink
	for _, chunk := range g.chunks {
		setsink(chunk.pool, sink)
	}
}

//---- operations

// Malloc implement api.Mallocer{} interface.
func (g *Growth) Malloc(n int64) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	g.n_mallocs++
	if g.lastok >= 0 {
		if ptr := g.chunks[g.lastok].pool.Malloc(n); ptr != nil {
			return ptr
		}
	}
	for i := len(g.chunks) - 1; i >= 0; i-- {
		if i == g.lastok {
			continue
		} else if ptr := g.chunks[i].pool.Malloc(n); ptr != nil {
			g.lastok = i
			return ptr
		}
	}

	chunk, err := g.newchunk()
	if err != nil {
		g.sink.Errorf("growth: cannot grow by %s: %v", humanbytes(g.chunksize()), err)
		return nil
	}
	ptr := chunk.pool.Malloc(n)
	if ptr == nil {
		Osfree(g.conf.source, chunk.arena)
		fmsg := "growth: %v byte request cannot fit a fresh %s chunk"
		g.sink.Errorf(fmsg, n, humanbytes(chunk.size))
		errorf(fmsg+"\n", n, humanbytes(chunk.size))
		if g.conf.abort {
			panicerr(fmsg, n, humanbytes(chunk.size))
		}
		return nil
	}
	g.n_grows++
	g.chunks = append(g.chunks, chunk)
	g.index = append(g.index, chunk)
	sort.Sort(g.index)
	g.lastok = len(g.chunks) - 1
	debugf("growth: grown to %v chunks\n", len(g.chunks))
	return ptr
}

// Free implement api.Mallocer{} interface.
func (g *Growth) Free(ptr unsafe.Pointer) bool {
	chunk := g.lookup(ptr)
	if chunk == nil {
		g.sink.Errorf("growth: free pointer %p not in any chunk", ptr)
		if g.conf.abort {
			panicerr("growth: free pointer %p not in any chunk", ptr)
		}
		return false
	}
	if chunk.pool.Free(ptr) {
		g.n_frees++
		return true
	}
	return false
}

// Clear implement api.Mallocer{} interface. Chunks are retained.
func (g *Growth) Clear() {
	for _, chunk := range g.chunks {
		chunk.pool.Clear()
	}
	if len(g.chunks) > 0 {
		g.lastok = 0
	}
}

// Release every chunk back to its source. Wrapper can be reused after
// release.
func (g *Growth) Release() {
	for _, chunk := range g.chunks {
		Osfree(g.conf.source, chunk.arena)
		chunk.arena, chunk.pool = nil, nil
	}
	g.chunks, g.index = g.chunks[:0], g.index[:0]
	g.lastok = -1
}

//---- query

// Chunks return number of chunks allocated so far.
func (g *Growth) Chunks() int {
	return len(g.chunks)
}

// Owns implement api.Mallocer{} interface.
func (g *Growth) Owns(ptr unsafe.Pointer) bool {
	return g.lookup(ptr) != nil
}

// Datasize implement api.Mallocer{} interface.
func (g *Growth) Datasize(ptr unsafe.Pointer) int64 {
	if chunk := g.lookup(ptr); chunk != nil {
		return chunk.pool.Datasize(ptr)
	}
	return 0
}

//---- statistics and maintenance

// Info implement api.Mallocer{} interface.
func (g *Growth) Info() (capacity, heap, alloc, overhead int64) {
	for _, chunk := range g.chunks {
		c, h, a, o := chunk.pool.Info()
		capacity, heap, alloc, overhead = capacity+c, heap+h, alloc+a, overhead+o
	}
	overhead += int64(unsafe.Sizeof(*g))
	overhead += int64(cap(g.chunks)+cap(g.index)) * int64(unsafe.Sizeof(g))
	return
}

// Utilization implement api.Mallocer{} interface.
func (g *Growth) Utilization() float64 {
	_, heap, alloc, _ := g.Info()
	if heap == 0 {
		return 0
	}
	return (float64(alloc) / float64(heap)) * 100
}

// Stats return wrapper counters.
func (g *Growth) Stats() map[string]interface{} {
	capacity, heap, alloc, overhead := g.Info()
	return map[string]interface{}{
		"n_mallocs": g.n_mallocs,
		"n_frees":   g.n_frees,
		"n_grows":   g.n_grows,
		"chunks":    int64(len(g.chunks)),
		"capacity":  capacity,
		"heap":      heap,
		"allocated": alloc,
		"overhead":  overhead,
	}
}

// Dump every chunk to sink.
func (g *Growth) Dump() {
	capacity, heap, alloc, _ := g.Info()
	g.sink.Dumpf("growth allocator:%v source:%v chunks:%v capacity:%s heap:%s allocated:%s",
		g.conf.kind, g.conf.source, len(g.chunks), humanbytes(capacity),
		humanbytes(heap), humanbytes(alloc))
	for _, chunk := range g.chunks {
		switch pool := chunk.pool.(type) {
		case *Blocks:
			pool.Dump()
		case *Slots:
			pool.Dump()
		}
	}
}

//---- local functions

func (g *Growth) chunksize() int64 {
	if g.conf.kind == "slot" {
		return SlotsArenasize(g.conf.step, g.conf.grow, g.conf.align)
	}
	return g.conf.grow
}

func (g *Growth) newchunk() (*growchunk, error) {
	size := g.chunksize()
	arena, err := Osmalloc(g.conf.source, size)
	if err != nil {
		return nil, err
	}
	var pool api.Chunk
	switch g.conf.kind {
	case "slot":
		pool, err = NewSlots(arena, g.setts)
	default:
		pool, err = NewBlocks(arena, g.setts)
	}
	if err != nil {
		Osfree(g.conf.source, arena)
		return nil, err
	}
	setsink(pool, g.sink)
	return &growchunk{arena: arena, size: size, pool: pool}, nil
}

// lookup chunk owning `ptr` using the sorted index.
func (g *Growth) lookup(ptr unsafe.Pointer) *growchunk {
	addr := uintptr(ptr)
	i := sort.Search(len(g.index), func(i int) bool {
		return addrof(g.index[i].arena) > addr
	})
	if i == 0 {
		return nil
	} else if chunk := g.index[i-1]; chunk.pool.Owns(ptr) {
		return chunk
	}
	return nil
}

func setsink(pool api.Chunk, sink Sink) {
	if p, ok := pool.(interface{ SetSink(Sink) }); ok {
		p.SetSink(sink)
	}
}

// growchunks sortable based on base address.
type growchunks []*growchunk

func (chunks growchunks) Len() int {
	return len(chunks)
}

func (chunks growchunks) Less(i, j int) bool {
	return addrof(chunks[i].arena) < addrof(chunks[j].arena)
}

func (chunks growchunks) Swap(i, j int) {
	chunks[i], chunks[j] = chunks[j], chunks[i]
}
