package tracker

import (
	"github.com/google/btree"

	"github.com/inference-sim/plb/plb"
)

const replicaSetDegree = 8

// ReplicaSet is an ordered set of replica handles. The zero value is an
// empty set. Reads and Clone never write to the tree, so a set held by a
// frozen base may be cloned from several goroutines at once.
type ReplicaSet struct {
	t *btree.BTreeG[plb.ReplicaID]
}

// NewReplicaSet returns a set holding ids.
func NewReplicaSet(ids ...plb.ReplicaID) ReplicaSet {
	var s ReplicaSet
	for _, id := range ids {
		s.Insert(id)
	}
	return s
}

// Insert adds id and reports whether it was absent.
func (s *ReplicaSet) Insert(id plb.ReplicaID) bool {
	if s.t == nil {
		s.t = btree.NewOrderedG[plb.ReplicaID](replicaSetDegree)
	}
	_, existed := s.t.ReplaceOrInsert(id)
	return !existed
}

// Delete removes id and reports whether it was present.
func (s *ReplicaSet) Delete(id plb.ReplicaID) bool {
	if s.t == nil {
		return false
	}
	_, ok := s.t.Delete(id)
	return ok
}

// Has reports whether id is in the set.
func (s ReplicaSet) Has(id plb.ReplicaID) bool {
	return s.t != nil && s.t.Has(id)
}

// Len returns the number of replicas.
func (s ReplicaSet) Len() int {
	if s.t == nil {
		return 0
	}
	return s.t.Len()
}

// Ascend calls fn for each replica in ascending order until fn returns false.
func (s ReplicaSet) Ascend(fn func(plb.ReplicaID) bool) {
	if s.t == nil {
		return
	}
	s.t.Ascend(func(id plb.ReplicaID) bool { return fn(id) })
}

// Slice returns the replicas in ascending order.
func (s ReplicaSet) Slice() []plb.ReplicaID {
	out := make([]plb.ReplicaID, 0, s.Len())
	s.Ascend(func(id plb.ReplicaID) bool {
		out = append(out, id)
		return true
	})
	return out
}

// Clone returns an independent set with the same members. The copy is built
// by walking s; btree's own Clone marks the source as shared, which is a write.
func (s ReplicaSet) Clone() ReplicaSet {
	if s.t == nil {
		return ReplicaSet{}
	}
	t := btree.NewOrderedG[plb.ReplicaID](replicaSetDegree)
	s.t.Ascend(func(id plb.ReplicaID) bool {
		t.ReplaceOrInsert(id)
		return true
	})
	return ReplicaSet{t: t}
}
