package malloc

import "bytes"
import "testing"
import "unsafe"
import "math/bits"
import "math/rand"

import "github.com/stretchr/testify/require"

func TestNewTiny(t *testing.T) {
	tn, err := NewTiny(make([]byte, 4096), testsettings(false))
	require.NoError(t, err)
	if x := tn.Chunks(); x != 3 {
		t.Errorf("expected %v, got %v", 3, x)
	} else if x := tn.Limit(); x != 1024 {
		t.Errorf("expected %v, got %v", 1024, x)
	}
	capacity, heap, alloc, overhead := tn.Info()
	if capacity != 4096 || heap != 3*1024 || alloc != 0 || overhead != 1024 {
		t.Errorf("unexpected info %v %v %v %v", capacity, heap, alloc, overhead)
	}

	_, err = NewTiny(make([]byte, 1000), testsettings(false))
	require.Equal(t, ErrorArenaTooSmall, err)
}

func TestTinyReuse(t *testing.T) {
	tn, err := NewTiny(make([]byte, 4096), testsettings(false))
	require.NoError(t, err)

	three, two := tn.Malloc(48), tn.Malloc(32)
	require.NotNil(t, three)
	require.Equal(t, uintptr(three)+48, uintptr(two))
	require.Equal(t, uint64(0x1F), tn.body[0])
	require.Equal(t, uint64(0x14), tn.last[0])

	require.True(t, tn.Free(three))
	require.Equal(t, three, tn.Malloc(40))
	require.Equal(t, int64(48), tn.Datasize(three))
	require.Equal(t, int64(32), tn.Datasize(two))
}

func TestTinyRunIntegrity(t *testing.T) {
	tn, err := NewTiny(make([]byte, 8192), testsettings(false))
	require.NoError(t, err)

	// some background occupancy.
	for _, n := range []int64{16, 48, 200, 16, 33} {
		require.NotNil(t, tn.Malloc(n))
	}
	for k := int64(1); k <= Wordbits; k++ {
		body := append([]uint64{}, tn.body...)
		last := append([]uint64{}, tn.last...)
		ptr := tn.Malloc(k * tn.step)
		require.NotNil(t, ptr, "class %v", k)
		require.Equal(t, k*tn.step, tn.Datasize(ptr))
		require.True(t, tn.Free(ptr))
		require.Equal(t, body, tn.body, "class %v", k)
		require.Equal(t, last, tn.last, "class %v", k)
	}
}

func TestTinyFindrun(t *testing.T) {
	testcases := []struct {
		body uint64
		k    int64
		p    int64
	}{
		{0, 1, 0},
		{0, 64, 0},
		{1, 64, -1},
		{0x6, 2, 3},
		{0x6, 1, 0},
		{0x7, 3, 3},
		{0x55, 2, 7},
		{^uint64(0), 1, -1},
		{^uint64(0) >> 1, 1, 63},
		{^uint64(0) >> 2, 2, 62},
		{0xF0F0, 4, 0},
		{0xF0FF, 5, 16},
	}
	for _, tcase := range testcases {
		if p := findrun(tcase.body, tcase.k); p != tcase.p {
			t.Errorf("%x/%v expected %v, got %v", tcase.body, tcase.k, tcase.p, p)
		}
	}
}

func TestTinyMalloc(t *testing.T) {
	tn, err := NewTiny(make([]byte, 4096), testsettings(false))
	require.NoError(t, err)

	require.Nil(t, tn.Malloc(0))
	require.Nil(t, tn.Malloc(1025))
	full := tn.Malloc(1024)
	require.NotNil(t, full)
	require.Equal(t, ^uint64(0), tn.body[0])
	require.Equal(t, uint64(1)<<63, tn.last[0])

	// chunk-0 is full, next allocation comes from chunk-1.
	ptr := tn.Malloc(1)
	require.Equal(t, uintptr(full)+1024, uintptr(ptr))
	require.True(t, tn.Owns(ptr))
	require.False(t, tn.Owns(unsafe.Pointer(&make([]byte, 8)[0])))

	tn.Clear()
	require.Equal(t, full, tn.Malloc(16))
}

func TestTinyMisuse(t *testing.T) {
	tn, err := NewTiny(make([]byte, 4096), testsettings(false))
	require.NoError(t, err)
	buf := bytes.NewBuffer(nil)
	tn.SetSink(Writersink(buf))

	ptr := tn.Malloc(48)
	require.False(t, tn.Free(unsafe.Add(ptr, 16)))
	require.Contains(t, buf.String(), "inside an allocation")
	require.False(t, tn.Free(unsafe.Add(ptr, 4)))
	require.Contains(t, buf.String(), "not aligned")

	buf.Reset()
	require.True(t, tn.Free(ptr))
	require.False(t, tn.Free(ptr))
	require.Contains(t, buf.String(), "already freed")
	require.False(t, tn.Free(nil))
	require.Equal(t, uint64(0), tn.body[0])
}

func TestTinyRandom(t *testing.T) {
	tn, err := NewTiny(make([]byte, 256*1024), testsettings(false))
	require.NoError(t, err)
	rnd := rand.New(rand.NewSource(11))

	live := map[unsafe.Pointer]int64{}
	for i := 0; i < 50000; i++ {
		if rnd.Intn(2) == 0 {
			n := int64(rnd.Intn(int(tn.Limit()/4))) + 1
			if ptr := tn.Malloc(n); ptr != nil {
				_, ok := live[ptr]
				require.False(t, ok, "run %p handed out twice", ptr)
				live[ptr] = ceil(n, tn.step) * tn.step
			}
			continue
		}
		for ptr, size := range live {
			require.Equal(t, size, tn.Datasize(ptr))
			require.True(t, tn.Free(ptr))
			delete(live, ptr)
			break
		}
	}

	var total, nbits int64
	n := 0
	tn.Walk(func(ptr unsafe.Pointer, size int64) bool {
		require.Equal(t, live[ptr], size)
		total += size
		n++
		return true
	})
	for ci := range tn.body {
		nbits += int64(bits.OnesCount64(tn.body[ci]))
		require.Equal(t, uint64(0), tn.last[ci]&^tn.body[ci])
	}
	_, _, alloc, _ := tn.Info()
	require.Equal(t, len(live), n)
	require.Equal(t, alloc, total)
	require.Equal(t, alloc, nbits*tn.step)
}

func TestTinyDump(t *testing.T) {
	tn, err := NewTiny(make([]byte, 4096), testsettings(false))
	require.NoError(t, err)
	buf := bytes.NewBuffer(nil)
	tn.SetSink(Writersink(buf))
	tn.Malloc(48)
	tn.Dump()
	require.Contains(t, buf.String(), "chunks:3 limit:1024")
	require.Contains(t, buf.String(), "body 111000")
	require.Contains(t, buf.String(), "last 001000")
}

func BenchmarkTinyMalloc(b *testing.B) {
	tn, _ := NewTiny(make([]byte, 1024*1024), testsettings(false))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if tn.Malloc(int64(i%256)+1) == nil {
			tn.Clear()
		}
	}
}

func BenchmarkTinyFree(b *testing.B) {
	tn, _ := NewTiny(make([]byte, 1024*1024), testsettings(false))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tn.Free(tn.Malloc(int64(i%256) + 1))
	}
}

func TestTinyRealloc(t *testing.T) {
	for _, debug := range []bool{false, true} {
		tn, err := NewTiny(make([]byte, 4096), testsettings(debug))
		require.NoError(t, err)
		tn.SetSink(Writersink(bytes.NewBuffer(nil)))

		ptr := tn.Malloc(10)
		require.NotNil(t, ptr)
		if x, y := tn.Datasize(ptr), map[bool]int64{false: 16, true: 10}[debug]; x != y {
			t.Errorf("expected %v, got %v", y, x)
		}
		require.Equal(t, ptr, tn.Realloc(ptr, 16))
		require.Equal(t, int64(16), tn.Datasize(ptr))
		require.Nil(t, tn.Realloc(ptr, 17))
		require.Nil(t, tn.Realloc(ptr, 0))
		require.Equal(t, ptr, tn.Realloc(ptr, 12))
		if x, y := tn.Datasize(ptr), map[bool]int64{false: 16, true: 12}[debug]; x != y {
			t.Errorf("expected %v, got %v", y, x)
		}

		require.True(t, tn.Free(ptr))
		require.Nil(t, tn.Realloc(ptr, 8))
		require.Equal(t, int64(0), tn.Datasize(ptr))
		if debug {
			require.Empty(t, tn.reals)
		}
	}
}
