package tracker

import (
	"github.com/cockroachdb/errors"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/cow"
)

// InBuildCountPerNode counts, per node, the replicas a movement would have to
// build from scratch there. It feeds the per-node build throttle.
type InBuildCountPerNode struct {
	arena *plb.Arena
	m     *cow.Map[plb.NodeID, int64]
}

// NewInBuildCountPerNode returns an empty tracker over arena.
func NewInBuildCountPerNode(arena *plb.Arena) *InBuildCountPerNode {
	return &InBuildCountPerNode{
		arena: arena,
		m:     cow.New[plb.NodeID, int64](0, func(v int64) int64 { return v }),
	}
}

// Derive returns an overlay over c.
func (c *InBuildCountPerNode) Derive() *InBuildCountPerNode {
	return &InBuildCountPerNode{arena: c.arena, m: c.m.Derive()}
}

// Flatten returns a base-less copy of c's merged view.
func (c *InBuildCountPerNode) Flatten() *InBuildCountPerNode {
	return &InBuildCountPerNode{arena: c.arena, m: c.m.Flatten()}
}

// Get returns the in-build count of node.
func (c *InBuildCountPerNode) Get(node plb.NodeID) int64 { return c.m.Get(node) }

// Reader exposes the underlying map read-only.
func (c *InBuildCountPerNode) Reader() cow.Reader[plb.NodeID, int64] { return c.m }

// Builds reports whether m starts a replica build on its target node: a
// stateful Move, Add or AddAndPromote onto a node where the partition had no
// replica before the pass. The partition's first replica is exempt when it
// becomes the primary, since there is nothing to build it from.
func (c *InBuildCountPerNode) Builds(m plb.Movement) bool {
	if !m.IsValid() {
		return false
	}
	switch m.Type {
	case plb.MovementMove, plb.MovementAdd, plb.MovementAddAndPromote:
	default:
		return false
	}
	if !c.arena.ServiceOf(m.Partition).IsStateful || m.SourceOrNewReplica == plb.NoReplica {
		return false
	}
	p := c.arena.Partition(m.Partition)
	if p.ExistingReplicaOn(m.TargetNode) != plb.NoReplica {
		return false
	}
	if p.ExistingReplicaCount == 0 && (c.arena.Replica(m.SourceOrNewReplica).IsPrimary() || m.Type == plb.MovementAddAndPromote) {
		return false
	}
	return true
}

// ChangeMovement undoes old and applies new. Panics when undoing would drive
// a count below zero.
func (c *InBuildCountPerNode) ChangeMovement(old, new plb.Movement) {
	if c.Builds(old) {
		if c.m.Get(old.TargetNode) <= 0 {
			panic(errors.AssertionFailedf("InBuildCountPerNode.ChangeMovement: in-build count underflow on node %d undoing %s", old.TargetNode, old))
		}
		v := c.m.GetMut(old.TargetNode)
		*v--
		if *v == 0 {
			c.m.Reset(old.TargetNode)
		}
	}
	if c.Builds(new) {
		*c.m.GetMut(new.TargetNode)++
	}
}
