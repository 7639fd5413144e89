package memory

import "bytes"
import "math"
import "sync"
import "testing"
import "unsafe"

import s "github.com/bnclabs/gosettings"
import "github.com/bnclabs/gomalloc/lib"
import "github.com/bnclabs/gomalloc/malloc"
import "github.com/stretchr/testify/require"

func testsettings() s.Settings {
	return s.Settings{"debug": false, "abort": false}
}

func TestNative(t *testing.T) {
	Exit()
	defer Exit()

	ptr := Malloc(100)
	require.NotNil(t, ptr)
	require.Equal(t, "native", Stats()["mode"])
	require.Equal(t, int64(100), Datasize(ptr))
	copy(lib.Bytes(ptr, 5), "hello")

	newptr := Ralloc(ptr, 200)
	require.NotNil(t, newptr)
	require.Equal(t, "hello", string(lib.Bytes(newptr, 5)))
	require.Equal(t, int64(200), Datasize(newptr))

	buf := bytes.NewBuffer(nil)
	SetSink(malloc.Writersink(buf))
	require.False(t, Free(ptr))
	require.Contains(t, buf.String(), "not allocated")
	require.True(t, Free(newptr))
	require.Equal(t, int64(2), Stats()["n_frees"])

	// Init while native allocations are live.
	ptr = Malloc(10)
	require.False(t, Init(make([]byte, 64*1024), 0, testsettings()))
	require.True(t, Free(ptr))
	require.True(t, Init(make([]byte, 64*1024), 0, testsettings()))
	require.Equal(t, "pooled", Stats()["mode"])
}

func TestInitNative(t *testing.T) {
	Exit()
	defer Exit()

	require.False(t, Init(nil, 0, testsettings()))
	require.Equal(t, "native", Stats()["mode"])
	Exit()

	require.False(t, Init(make([]byte, 8), 0, testsettings()))
	require.Equal(t, "native", Stats()["mode"])
	ptr := Malloc(16)
	require.NotNil(t, ptr)
	require.True(t, Free(ptr))
}

func TestInitPooled(t *testing.T) {
	Exit()
	defer Exit()

	require.True(t, Init(make([]byte, 1024*1024), 0, testsettings()))
	require.False(t, Init(make([]byte, 1024*1024), 0, testsettings()))

	small, large := Malloc(10), Malloc(2000)
	require.NotNil(t, small)
	require.NotNil(t, large)
	stats := Stats()
	require.Equal(t, int64(1), stats["n_tiny"])
	require.Equal(t, int64(1), stats["n_blocks"])
	require.Equal(t, int64(16), Datasize(small))
	require.Equal(t, int64(2000), Datasize(large))

	// tiny grows within its run, then moves to blocks.
	copy(lib.Bytes(small, 10), "helloworld")
	require.Equal(t, small, Ralloc(small, 16))
	moved := Ralloc(small, 4000)
	require.NotNil(t, moved)
	require.NotEqual(t, small, moved)
	require.Equal(t, "helloworld", string(lib.Bytes(moved, 10)))
	require.Equal(t, int64(0), Datasize(small))

	require.True(t, Free(moved))
	require.True(t, Free(large))
	require.Equal(t, int64(3), Stats()["n_frees"])

	Exit()
	require.True(t, Init(nil, 64*1024, testsettings()))
	require.Equal(t, "pooled", Stats()["mode"])
	require.NotNil(t, Malloc(100))
}

func TestWithoutTiny(t *testing.T) {
	Exit()
	defer Exit()

	require.True(t, Init(make([]byte, 8192), 0, testsettings()))
	_, ok := Stats()["tiny"]
	require.False(t, ok)
	require.NotNil(t, Malloc(10))
	require.Equal(t, int64(1), Stats()["n_blocks"])
}

func TestTinyFallthrough(t *testing.T) {
	Exit()
	defer Exit()

	setts := testsettings().Mixin(s.Settings{"tiny.ratio": int64(50)})
	require.True(t, Init(make([]byte, 64*1024), 0, setts))
	chunks := Stats()["tiny"].(map[string]interface{})["chunks"].(int64)
	for i := int64(0); i < chunks; i++ {
		require.NotNil(t, Malloc(1024))
	}
	require.Equal(t, chunks, Stats()["n_tiny"])
	require.NotNil(t, Malloc(1024))
	require.Equal(t, int64(1), Stats()["n_blocks"])
}

func TestNalloc(t *testing.T) {
	Exit()
	defer Exit()
	require.True(t, Init(make([]byte, 1024*1024), 0, testsettings()))

	require.Nil(t, Nalloc(math.MaxInt64, 2))
	require.Nil(t, Nalloc(1<<32, 1<<32))
	require.Nil(t, Nalloc(0, 8))
	require.Nil(t, Nalloc0(-1, 8))

	ptr := Nalloc(4, 8)
	require.NotNil(t, ptr)
	lib.Memset(ptr, 0xAB, 32)
	require.True(t, Free(ptr))

	ptr = Nalloc0(4, 8)
	for _, c := range lib.Bytes(ptr, 32) {
		require.Equal(t, byte(0), c)
	}
	ptr = Malloc0(3000)
	for _, c := range lib.Bytes(ptr, 3000) {
		require.Equal(t, byte(0), c)
	}
}

func TestDump(t *testing.T) {
	Exit()
	defer Exit()
	require.True(t, Init(make([]byte, 1024*1024), 0, testsettings()))
	buf := bytes.NewBuffer(nil)
	SetSink(malloc.Writersink(buf))

	small, large := Malloc(10), Malloc(2000)
	Dump()
	require.Contains(t, buf.String(), "memory mode:pooled")
	require.Contains(t, buf.String(), "fragmentation:")
	require.Contains(t, buf.String(), "tiny arena:")

	buf.Reset()
	Datadump(large, "large")
	require.Contains(t, buf.String(), "large: block")
	Datadump(small, "small")
	require.Contains(t, buf.String(), "small: tiny")

	buf.Reset()
	require.False(t, Free(unsafe.Pointer(&make([]byte, 16)[0])))
	require.Contains(t, buf.String(), "not allocated")
}

func TestOversize(t *testing.T) {
	Exit()
	defer Exit()

	require.Nil(t, Malloc(math.MaxInt64))
	require.Nil(t, Malloc0(math.MaxInt64-3))
	require.Nil(t, Malloc(1<<62))
	require.Nil(t, Nalloc(1, math.MaxInt64))
	require.Equal(t, "native", Stats()["mode"])
	Exit()

	require.True(t, Init(make([]byte, 64*1024), 0, testsettings()))
	require.Nil(t, Malloc(math.MaxInt64))
	require.Nil(t, Malloc0(math.MaxInt64))
	require.Nil(t, Nalloc(1, math.MaxInt64))
	require.Nil(t, Nalloc0(math.MaxInt64, 1))
	require.Nil(t, Malloc(128*1024))

	for _, n := range []int64{10, 3000} {
		ptr := Malloc(n)
		require.NotNil(t, ptr)
		copy(lib.Bytes(ptr, 5), "hello")
		size := Datasize(ptr)
		require.Nil(t, Ralloc(ptr, math.MaxInt64))
		require.Equal(t, size, Datasize(ptr))
		require.Equal(t, "hello", string(lib.Bytes(ptr, 5)))
		require.True(t, Free(ptr))
	}
	require.Equal(t, Stats()["n_mallocs"], int64(2)+Stats()["n_fails"].(int64))
}

func TestDebugSizes(t *testing.T) {
	Exit()
	defer Exit()
	setts := s.Settings{"debug": true, "abort": false}
	require.True(t, Init(make([]byte, 1024*1024), 0, setts))
	buf := bytes.NewBuffer(nil)
	SetSink(malloc.Writersink(buf))

	small, large := Malloc(10), Malloc(2000)
	require.Equal(t, int64(1), Stats()["n_tiny"])
	require.Equal(t, int64(10), Datasize(small))
	require.Equal(t, int64(2000), Datasize(large))
	require.Equal(t, small, Ralloc(small, 16))
	require.Equal(t, int64(16), Datasize(small))

	Dump()
	require.Contains(t, buf.String(), "owner:tiny arena")
	require.NotContains(t, buf.String(), "leak tiny arena")
	require.Contains(t, buf.String(), "leak memory_test.go:")

	require.True(t, Free(small))
	require.True(t, Free(large))
	require.Equal(t, int64(0), Datasize(small))
}

func TestExitReleases(t *testing.T) {
	Exit()
	defer Exit()
	released := map[string]int{}
	osfree = func(source string, arena []byte) error {
		released[source] += len(arena)
		return malloc.Osfree(source, arena)
	}
	defer func() { osfree = malloc.Osfree }()

	// owned arena.
	setts := testsettings().Mixin(s.Settings{"source": "mmap"})
	require.True(t, Init(nil, 64*1024, setts))
	require.Equal(t, "pooled", Stats()["mode"])
	require.NotNil(t, Malloc(100))
	Exit()
	require.Equal(t, 64*1024, released["mmap"])

	// caller supplied arena is left alone.
	require.True(t, Init(make([]byte, 64*1024), 0, setts))
	Exit()
	require.Equal(t, 64*1024, released["mmap"])

	// live native buffers.
	require.NotNil(t, Malloc(10))
	require.NotNil(t, Malloc(20))
	Exit()
	require.Equal(t, 16+24, released["heap"])
}

func TestConcurrent(t *testing.T) {
	Exit()
	defer Exit()
	require.True(t, Init(make([]byte, 4*1024*1024), 0, testsettings()))

	var wg sync.WaitGroup
	errs := make(chan string, 16)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g byte) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				n := int64((i%64)*37 + 1)
				ptr := Malloc(n)
				if ptr == nil {
					errs <- "malloc failed"
					return
				}
				data := lib.Bytes(ptr, int(n))
				lib.Memset(ptr, g, int(n))
				for _, c := range data {
					if c != g {
						errs <- "memory shared between goroutines"
						return
					}
				}
				if !Free(ptr) {
					errs <- "free failed"
					return
				}
			}
		}(byte(g))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	stats := Stats()
	require.Equal(t, stats["n_mallocs"], stats["n_frees"])
}

func BenchmarkMalloc(b *testing.B) {
	Exit()
	defer Exit()
	Init(make([]byte, 16*1024*1024), 0, testsettings())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Free(Malloc(int64(i%4096) + 1))
	}
}

func BenchmarkNative(b *testing.B) {
	Exit()
	defer Exit()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Free(Malloc(int64(i%4096) + 1))
	}
}
