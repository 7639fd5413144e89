package lib

import "testing"
import "fmt"
import "reflect"

var _ = fmt.Sprintf("dummy")

func TestHistogramInt(t *testing.T) {
	h := NewhistogramInt64(6)
	for i := 1; i <= 100; i++ {
		h.Add(int64(i))
	}

	if x, y := int64(1), h.Min(); x != y {
		t.Errorf("Min() expected %v, got %v", x, y)
	} else if x, y := int64(100), h.Max(); x != y {
		t.Errorf("Max() expected %v, got %v", x, y)
	} else if x, y := int64(100), h.Samples(); x != y {
		t.Errorf("Samples() expected %v, got %v", x, y)
	} else if x, y := int64(100*101)/2, h.Sum(); x != y {
		t.Errorf("Sum() expected %v, got %v", x, y)
	} else if x, y := h.Sum()/h.Samples(), h.Mean(); x != y {
		t.Errorf("Mean() expected %v, got %v", x, y)
	} else if x, y := int64(883), h.Variance(); x != y {
		t.Errorf("Variance() expected %v, got %v", x, y)
	} else if x, y := int64(29), h.SD(); x != y {
		t.Errorf("SD() expected %v, got %v", x, y)
	}

	ref := map[string]int64{
		"1": 1, "2": 1, "4": 2, "8": 4, "16": 8, "32": 16, "64": 32, "+": 36,
	}
	if data := h.Stats(); reflect.DeepEqual(ref, data) == false {
		t.Errorf("expected %v, got %v", ref, data)
	}

	h.Reset()
	if x := h.Samples(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if data := h.Stats(); len(data) != 0 {
		t.Errorf("unexpected %v", data)
	}

	// panic case
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		NewhistogramInt64(0)
	}()
}

func TestHistogramLogstring(t *testing.T) {
	h := NewhistogramInt64(4)
	h.Add(3)
	h.Add(100)
	ref := `{"max": 100,"mean": 51,"min": 3,"samples": 2,` +
		`"stddeviance": 49,"variance": 2403,"histogram": {"4": 1,"+": 1}}`
	if s := h.Logstring(); s != ref {
		t.Errorf("expected %v, got %v", ref, s)
	}
}

func BenchmarkHtgintAdd(b *testing.B) {
	htg := NewhistogramInt64(32)
	for i := 0; i <= b.N; i++ {
		htg.Add(int64(i))
	}
}

func BenchmarkHtgintStats(b *testing.B) {
	htg := NewhistogramInt64(32)
	for i := 0; i <= b.N; i++ {
		htg.Add(int64(i))
	}
	b.ResetTimer()
	for i := 0; i <= b.N; i++ {
		htg.Stats()
	}
}
