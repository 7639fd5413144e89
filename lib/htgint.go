package lib

import "fmt"
import "math"
import "sort"
import "strings"
import "math/bits"

// HistogramInt64 statistical histogram with power-of-two buckets,
// suitable for sampling allocation sizes that span several orders of
// magnitude. Bucket `i` counts samples in (2^(i-1), 2^i].
type HistogramInt64 struct {
	// stats
	n         int64
	minval    int64
	maxval    int64
	sum       int64
	sumsq     float64
	histogram []int64
	// setup
	init bool
}

// NewhistogramInt64 return a new histogram object, samples larger than
// 2^maxshift are counted in the last bucket.
func NewhistogramInt64(maxshift int) *HistogramInt64 {
	if maxshift < 1 || maxshift > 62 {
		panic(fmt.Errorf("histogram maxshift %v out of range", maxshift))
	}
	return &HistogramInt64{histogram: make([]int64, maxshift+2)}
}

// Add a sample to this histogram.
func (h *HistogramInt64) Add(sample int64) {
	h.n++
	h.sum += sample
	f := float64(sample)
	h.sumsq += f * f
	if h.init == false || sample < h.minval {
		h.minval = sample
		h.init = true
	}
	if h.maxval < sample {
		h.maxval = sample
	}
	h.histogram[h.bucket(sample)]++
}

func (h *HistogramInt64) bucket(sample int64) int {
	if sample <= 1 {
		return 0
	}
	i := bits.Len64(uint64(sample - 1))
	if i >= len(h.histogram) {
		return len(h.histogram) - 1
	}
	return i
}

// Min return minimum value from sample.
func (h *HistogramInt64) Min() int64 {
	return h.minval
}

// Max return maximum value from sample.
func (h *HistogramInt64) Max() int64 {
	return h.maxval
}

// Samples return total number of samples in the set.
func (h *HistogramInt64) Samples() int64 {
	return h.n
}

// Sum return the sum of all sample values.
func (h *HistogramInt64) Sum() int64 {
	return h.sum
}

// Mean return the average value of all samples.
func (h *HistogramInt64) Mean() int64 {
	if h.n == 0 {
		return 0
	}
	return int64(float64(h.sum) / float64(h.n))
}

// Variance return the squared deviation of a random sample from
// its mean.
func (h *HistogramInt64) Variance() int64 {
	if h.n == 0 {
		return 0
	}
	nF, meanF := float64(h.n), float64(h.Mean())
	return int64((h.sumsq / nF) - (meanF * meanF))
}

// SD return by how much the samples differ from the mean value of
// sample set.
func (h *HistogramInt64) SD() int64 {
	if h.n == 0 {
		return 0
	}
	return int64(math.Sqrt(float64(h.Variance())))
}

// Reset all samples.
func (h *HistogramInt64) Reset() {
	histogram := h.histogram
	for i := range histogram {
		histogram[i] = 0
	}
	*h = HistogramInt64{histogram: histogram}
}

// Stats return a map of non-empty buckets, keyed by the bucket's upper
// bound. The last bucket is keyed as "+".
func (h *HistogramInt64) Stats() map[string]int64 {
	m := make(map[string]int64)
	last := len(h.histogram) - 1
	for i, v := range h.histogram {
		if v == 0 {
			continue
		} else if i == last {
			m["+"] = v
			continue
		}
		m[fmt.Sprintf("%v", int64(1)<<uint(i))] = v
	}
	return m
}

// Fullstats includes mean,variance,stddeviance in the Stats().
func (h *HistogramInt64) Fullstats() map[string]interface{} {
	hmap := make(map[string]interface{})
	for k, v := range h.Stats() {
		hmap[k] = v
	}
	return map[string]interface{}{
		"samples":     h.Samples(),
		"min":         h.Min(),
		"max":         h.Max(),
		"mean":        h.Mean(),
		"variance":    h.Variance(),
		"stddeviance": h.SD(),
		"histogram":   hmap,
	}
}

// Logstring return Fullstats as loggable string.
func (h *HistogramInt64) Logstring() string {
	stats, keys := h.Fullstats(), []string{}
	for k := range stats {
		if k == "histogram" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ss := []string{}
	for _, key := range keys {
		ss = append(ss, fmt.Sprintf(`"%v": %v`, key, stats[key]))
	}
	hs, last := []string{}, len(h.histogram)-1
	for i, v := range h.histogram {
		if v == 0 {
			continue
		} else if i == last {
			hs = append(hs, fmt.Sprintf(`"+": %v`, v))
			continue
		}
		hs = append(hs, fmt.Sprintf(`"%v": %v`, int64(1)<<uint(i), v))
	}
	s := "{" + strings.Join(hs, ",") + "}"
	ss = append(ss, fmt.Sprintf(`"histogram": %v`, s))
	return "{" + strings.Join(ss, ",") + "}"
}
