package plb

import (
	"fmt"
	"strings"
)

// LoadEntry is a load vector indexed by global metric index.
// Reads past the end of the vector return zero, so an entry sized for fewer
// metrics behaves as if padded with zeros.
type LoadEntry []int64

// NewLoadEntry returns a zeroed entry of n metrics.
func NewLoadEntry(n int) LoadEntry { return make(LoadEntry, n) }

// Get returns the value for a metric, or zero when the entry is shorter.
func (l LoadEntry) Get(i int) int64 {
	if i < 0 || i >= len(l) {
		return 0
	}
	return l[i]
}

// Set writes one metric value. The entry must be long enough.
func (l LoadEntry) Set(i int, v int64) { l[i] = v }

// Clone returns an independent copy.
func (l LoadEntry) Clone() LoadEntry {
	if l == nil {
		return nil
	}
	out := make(LoadEntry, len(l))
	copy(out, l)
	return out
}

// Resized returns a copy of l with exactly n metrics, truncating or padding with zeros.
func (l LoadEntry) Resized(n int) LoadEntry {
	out := make(LoadEntry, n)
	copy(out, l)
	return out
}

// Add adds other element-wise into l.
func (l LoadEntry) Add(other LoadEntry) {
	for i, v := range other {
		if i < len(l) {
			l[i] += v
		}
	}
}

// Subtract subtracts other element-wise from l, clamping every component at
// zero. It reports whether any component was clamped.
func (l LoadEntry) Subtract(other LoadEntry) (clamped bool) {
	for i, v := range other {
		if i >= len(l) {
			continue
		}
		l[i] -= v
		if l[i] < 0 {
			l[i] = 0
			clamped = true
		}
	}
	return clamped
}

// IsZero reports whether every component is zero. A nil entry is zero.
func (l LoadEntry) IsZero() bool {
	for _, v := range l {
		if v != 0 {
			return false
		}
	}
	return true
}

// Equal compares two entries treating missing trailing components as zero.
func (l LoadEntry) Equal(other LoadEntry) bool {
	n := max(len(l), len(other))
	for i := 0; i < n; i++ {
		if l.Get(i) != other.Get(i) {
			return false
		}
	}
	return true
}

// Sum returns the total over all metrics.
func (l LoadEntry) Sum() int64 {
	var s int64
	for _, v := range l {
		s += v
	}
	return s
}

func (l LoadEntry) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// LoadCloner returns a clone function for use as a copy-on-write default
// cloner: nil entries become zeroed entries of metricCount metrics.
func LoadCloner(metricCount int) func(LoadEntry) LoadEntry {
	return func(l LoadEntry) LoadEntry {
		if l == nil {
			return NewLoadEntry(metricCount)
		}
		return l.Clone()
	}
}
