package tracker

import (
	"maps"

	"github.com/cockroachdb/errors"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/cow"
)

// ApplicationNodeCount tracks how many replicas of each application sit on
// each node, for applications with a scaleout limit or a per-node capacity.
// Nodes whose count drops to zero are erased.
type ApplicationNodeCount struct {
	arena *plb.Arena
	m     *cow.Map[plb.ApplicationID, map[plb.NodeID]int]
}

func cloneCounts(c map[plb.NodeID]int) map[plb.NodeID]int {
	if c == nil {
		return make(map[plb.NodeID]int)
	}
	return maps.Clone(c)
}

// NewApplicationNodeCount returns an empty tracker over arena.
func NewApplicationNodeCount(arena *plb.Arena) *ApplicationNodeCount {
	return &ApplicationNodeCount{arena: arena, m: cow.New[plb.ApplicationID, map[plb.NodeID]int](nil, cloneCounts)}
}

// Derive returns an overlay over c.
func (c *ApplicationNodeCount) Derive() *ApplicationNodeCount {
	return &ApplicationNodeCount{arena: c.arena, m: c.m.Derive()}
}

// Flatten returns a base-less copy of c's merged view.
func (c *ApplicationNodeCount) Flatten() *ApplicationNodeCount {
	return &ApplicationNodeCount{arena: c.arena, m: c.m.Flatten()}
}

// Get returns the number of app's replicas on node.
func (c *ApplicationNodeCount) Get(app plb.ApplicationID, node plb.NodeID) int {
	return c.m.Get(app)[node]
}

// NodeCount returns the number of nodes hosting app.
func (c *ApplicationNodeCount) NodeCount(app plb.ApplicationID) int { return len(c.m.Get(app)) }

// Reader exposes the underlying map read-only. Inner maps must not be modified.
func (c *ApplicationNodeCount) Reader() cow.Reader[plb.ApplicationID, map[plb.NodeID]int] { return c.m }

// AddReplica counts r of app on node.
func (c *ApplicationNodeCount) AddReplica(app plb.ApplicationID, node plb.NodeID, r plb.ReplicaID) {
	if !counted(c.arena, r) {
		return
	}
	(*c.m.GetMut(app))[node]++
}

// RemoveReplica uncounts r of app on node. Panics below zero.
func (c *ApplicationNodeCount) RemoveReplica(app plb.ApplicationID, node plb.NodeID, r plb.ReplicaID) {
	if !counted(c.arena, r) {
		return
	}
	counts := *c.m.GetMut(app)
	switch n := counts[node]; {
	case n <= 0:
		panic(errors.AssertionFailedf("ApplicationNodeCount.RemoveReplica: no replicas of application %d on node %d", app, node))
	case n == 1:
		delete(counts, node)
	default:
		counts[node] = n - 1
	}
	if len(counts) == 0 {
		c.m.Reset(app)
	}
}

// ChangeMovement undoes old and applies new.
func (c *ApplicationNodeCount) ChangeMovement(old, new plb.Movement) {
	if app := owningApplication(c.arena, old, (*plb.ApplicationEntry).HasScaleoutOrCapacity); app != plb.NoApplication {
		undoMovement(old, c.adder(app), c.remover(app))
	}
	if app := owningApplication(c.arena, new, (*plb.ApplicationEntry).HasScaleoutOrCapacity); app != plb.NoApplication {
		applyMovement(new, c.adder(app), c.remover(app))
	}
}

func (c *ApplicationNodeCount) adder(app plb.ApplicationID) replicaOp {
	return func(n plb.NodeID, r plb.ReplicaID) { c.AddReplica(app, n, r) }
}

func (c *ApplicationNodeCount) remover(app plb.ApplicationID) replicaOp {
	return func(n plb.NodeID, r plb.ReplicaID) { c.RemoveReplica(app, n, r) }
}
