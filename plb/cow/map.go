// Package cow provides Map, the copy-on-write overlay container behind every
// placement tracker.
//
// A Map holds a local overlay of entries plus an optional read-only base.
// Reads check the overlay first and fall through to the base; every write
// lands in the overlay. A Map that has been used as a base is frozen: writing
// to it panics, so a base shared by several overlays (possibly on different
// goroutines) is never mutated underneath them.
package cow

import (
	"cmp"
	"slices"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Reader is the read-only view of a Map. An overlay holds its base only
// through this interface.
type Reader[K comparable, V any] interface {
	// Get returns the value for k, or the default when k is absent.
	Get(k K) V
	// Lookup returns the value for k and whether k is present.
	Lookup(k K) (V, bool)
	// Range calls fn for every present key until fn returns false.
	// Iteration order is unspecified.
	Range(fn func(k K, v V) bool)
	// Len returns the number of present keys.
	Len() int
}

type cell[V any] struct {
	val  V
	gone bool // tombstone: shadows a base entry
}

// Map is a copy-on-write map. The zero value is not usable; create one
// with New or NewNested.
type Map[K comparable, V any] struct {
	base    Reader[K, V]
	overlay map[K]*cell[V]
	def     V
	clone   func(V) V
	seed    func(V) V
	depth   int
	frozen  atomic.Bool
}

// New returns an empty map whose absent keys read as def. clone produces an
// independent copy of a value; it seeds overlay entries from the base or the
// default so that mutation never reaches a shared value.
func New[K comparable, V any](def V, clone func(V) V) *Map[K, V] {
	return &Map[K, V]{overlay: make(map[K]*cell[V]), def: def, clone: clone}
}

// NewNested is New for maps whose values are themselves overlays. When an
// entry is first written in a derived map, seed builds the new entry from the
// base's value (typically by deriving an overlay over it) instead of cloning.
func NewNested[K comparable, V any](def V, clone, seed func(V) V) *Map[K, V] {
	m := New[K, V](def, clone)
	m.seed = seed
	return m
}

// Derive returns an empty overlay over m and freezes m.
func (m *Map[K, V]) Derive() *Map[K, V] {
	m.frozen.Store(true)
	return &Map[K, V]{
		base:    m,
		overlay: make(map[K]*cell[V]),
		def:     m.def,
		clone:   m.clone,
		seed:    m.seed,
		depth:   m.depth + 1,
	}
}

// Get returns the value for k: the overlay entry, else the base's value,
// else the default. The returned value must not be modified.
func (m *Map[K, V]) Get(k K) V {
	v, _ := m.Lookup(k)
	return v
}

// Lookup returns the value for k and whether k is present.
func (m *Map[K, V]) Lookup(k K) (V, bool) {
	if c, ok := m.overlay[k]; ok {
		if c.gone {
			return m.def, false
		}
		return c.val, true
	}
	if m.base != nil {
		if v, ok := m.base.Lookup(k); ok {
			return v, true
		}
	}
	return m.def, false
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(k K) bool {
	_, ok := m.Lookup(k)
	return ok
}

// GetMut returns a pointer to the overlay entry for k, seeding it first from
// the base's value or from the default. The pointer stays valid until the
// entry is Reset or the overlay is taken.
func (m *Map[K, V]) GetMut(k K) *V {
	m.checkWritable("GetMut")
	if c, ok := m.overlay[k]; ok {
		if c.gone {
			c.val, c.gone = m.clone(m.def), false
		}
		return &c.val
	}
	c := &cell[V]{}
	if v, ok := m.baseLookup(k); ok {
		if m.seed != nil {
			c.val = m.seed(v)
		} else {
			c.val = m.clone(v)
		}
	} else {
		c.val = m.clone(m.def)
	}
	m.overlay[k] = c
	return &c.val
}

// Reset makes k read as absent again. The overlay entry is deleted when the
// base has no value for k, and replaced by a tombstone otherwise.
func (m *Map[K, V]) Reset(k K) {
	m.checkWritable("Reset")
	if _, ok := m.baseLookup(k); ok {
		m.overlay[k] = &cell[V]{val: m.def, gone: true}
		return
	}
	delete(m.overlay, k)
}

// Take moves m's overlay into a new map over the same base, leaving m with
// an empty overlay.
func (m *Map[K, V]) Take() *Map[K, V] {
	m.checkWritable("Take")
	out := &Map[K, V]{base: m.base, overlay: m.overlay, def: m.def, clone: m.clone, seed: m.seed, depth: m.depth}
	m.overlay = make(map[K]*cell[V])
	return out
}

// Clone returns a map with a deep copy of m's overlay over the same base.
func (m *Map[K, V]) Clone() *Map[K, V] {
	out := &Map[K, V]{base: m.base, overlay: make(map[K]*cell[V], len(m.overlay)), def: m.def, clone: m.clone, seed: m.seed, depth: m.depth}
	for k, c := range m.overlay {
		if c.gone {
			out.overlay[k] = &cell[V]{val: m.def, gone: true}
			continue
		}
		out.overlay[k] = &cell[V]{val: m.clone(c.val)}
	}
	return out
}

// Flatten materializes the merged view into a new base-less map. Values are
// cloned, so the result shares nothing with m's chain.
func (m *Map[K, V]) Flatten() *Map[K, V] {
	out := &Map[K, V]{overlay: make(map[K]*cell[V]), def: m.def, clone: m.clone, seed: m.seed}
	m.Range(func(k K, v V) bool {
		out.overlay[k] = &cell[V]{val: m.clone(v)}
		return true
	})
	return out
}

// Range calls fn for every present key of the merged view. Overlay entries
// shadow base entries.
func (m *Map[K, V]) Range(fn func(k K, v V) bool) {
	for k, c := range m.overlay {
		if c.gone {
			continue
		}
		if !fn(k, c.val) {
			return
		}
	}
	if m.base == nil {
		return
	}
	m.base.Range(func(k K, v V) bool {
		if _, shadowed := m.overlay[k]; shadowed {
			return true
		}
		return fn(k, v)
	})
}

// Len returns the number of present keys in the merged view.
func (m *Map[K, V]) Len() int {
	n := 0
	m.Range(func(K, V) bool {
		n++
		return true
	})
	return n
}

// OverlayLen returns the number of locally written entries, tombstones included.
func (m *Map[K, V]) OverlayLen() int { return len(m.overlay) }

// Depth returns the number of bases below m.
func (m *Map[K, V]) Depth() int { return m.depth }

// Base returns m's base, or nil.
func (m *Map[K, V]) Base() Reader[K, V] { return m.base }

// Frozen reports whether m has been used as a base.
func (m *Map[K, V]) Frozen() bool { return m.frozen.Load() }

func (m *Map[K, V]) baseLookup(k K) (V, bool) {
	if m.base == nil {
		return m.def, false
	}
	return m.base.Lookup(k)
}

func (m *Map[K, V]) checkWritable(op string) {
	if m.frozen.Load() {
		panic(errors.AssertionFailedf("Map.%s: write to a map that is the base of another overlay", op))
	}
}

// SortedKeys returns the present keys of r in ascending order.
func SortedKeys[K cmp.Ordered, V any](r Reader[K, V]) []K {
	keys := make([]K, 0)
	r.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)
	return keys
}
