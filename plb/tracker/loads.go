package tracker

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/cow"
)

// NodeMetrics tracks the summed replica load on every node.
type NodeMetrics struct {
	arena *plb.Arena
	m     *cow.Map[plb.NodeID, plb.LoadEntry]
}

// NewNodeMetrics returns an empty tracker over arena.
func NewNodeMetrics(arena *plb.Arena) *NodeMetrics {
	return &NodeMetrics{
		arena: arena,
		m:     cow.New[plb.NodeID, plb.LoadEntry](nil, plb.LoadCloner(arena.MetricCount())),
	}
}

// Derive returns an overlay over n.
func (n *NodeMetrics) Derive() *NodeMetrics { return &NodeMetrics{arena: n.arena, m: n.m.Derive()} }

// Flatten returns a base-less copy of n's merged view.
func (n *NodeMetrics) Flatten() *NodeMetrics { return &NodeMetrics{arena: n.arena, m: n.m.Flatten()} }

// Get returns the load on node. Nodes without load read as a zero entry of
// the arena's metric count. The result must not be modified.
func (n *NodeMetrics) Get(node plb.NodeID) plb.LoadEntry {
	if l := n.m.Get(node); l != nil {
		return l
	}
	return plb.NewLoadEntry(n.arena.MetricCount())
}

// Reader exposes the underlying map read-only.
func (n *NodeMetrics) Reader() cow.Reader[plb.NodeID, plb.LoadEntry] { return n.m }

// AddReplica adds r's load to node.
func (n *NodeMetrics) AddReplica(node plb.NodeID, r plb.ReplicaID) {
	if !counted(n.arena, r) {
		return
	}
	(*n.m.GetMut(node)).Add(n.arena.ReplicaLoad(r))
}

// DeleteReplica subtracts r's load from node.
func (n *NodeMetrics) DeleteReplica(node plb.NodeID, r plb.ReplicaID) {
	if !counted(n.arena, r) {
		return
	}
	l := *n.m.GetMut(node)
	if l.Subtract(n.arena.ReplicaLoad(r)) {
		logrus.Warnf("NodeMetrics: load of node %d went negative removing replica %q", node, n.arena.Replica(r).Name)
	}
	if l.IsZero() {
		n.m.Reset(node)
	}
}

// ChangeMovement undoes old and applies new.
func (n *NodeMetrics) ChangeMovement(old, new plb.Movement) {
	undoMovement(old, n.AddReplica, n.DeleteReplica)
	applyMovement(new, n.AddReplica, n.DeleteReplica)
}

// ApplicationNodeLoads tracks the load of each application on each node, for
// applications that declare a per-node capacity.
type ApplicationNodeLoads struct {
	arena *plb.Arena
	m     *cow.Map[plb.ApplicationID, *NodeMetrics]
}

// NewApplicationNodeLoads returns an empty tracker over arena.
func NewApplicationNodeLoads(arena *plb.Arena) *ApplicationNodeLoads {
	return &ApplicationNodeLoads{
		arena: arena,
		m: cow.NewNested[plb.ApplicationID, *NodeMetrics](nil,
			func(nm *NodeMetrics) *NodeMetrics {
				if nm == nil {
					return NewNodeMetrics(arena)
				}
				return nm.Flatten()
			},
			(*NodeMetrics).Derive),
	}
}

// Derive returns an overlay over a.
func (a *ApplicationNodeLoads) Derive() *ApplicationNodeLoads {
	return &ApplicationNodeLoads{arena: a.arena, m: a.m.Derive()}
}

// Flatten returns a base-less copy of a's merged view.
func (a *ApplicationNodeLoads) Flatten() *ApplicationNodeLoads {
	return &ApplicationNodeLoads{arena: a.arena, m: a.m.Flatten()}
}

// Get returns app's load on node. The result must not be modified.
func (a *ApplicationNodeLoads) Get(app plb.ApplicationID, node plb.NodeID) plb.LoadEntry {
	if nm := a.m.Get(app); nm != nil {
		return nm.Get(node)
	}
	return plb.NewLoadEntry(a.arena.MetricCount())
}

// Nodes returns the per-node loads of app read-only, or nil when app has none.
func (a *ApplicationNodeLoads) Nodes(app plb.ApplicationID) cow.Reader[plb.NodeID, plb.LoadEntry] {
	if nm := a.m.Get(app); nm != nil {
		return nm.Reader()
	}
	return nil
}

// AddReplica adds r's load to app on node.
func (a *ApplicationNodeLoads) AddReplica(app plb.ApplicationID, node plb.NodeID, r plb.ReplicaID) {
	(*a.m.GetMut(app)).AddReplica(node, r)
}

// ChangeMovement undoes old and applies new, each against its own
// application. Applications without per-node capacity are skipped.
func (a *ApplicationNodeLoads) ChangeMovement(old, new plb.Movement) {
	if app := owningApplication(a.arena, old, (*plb.ApplicationEntry).HasPerNodeCapacity); app != plb.NoApplication {
		(*a.m.GetMut(app)).ChangeMovement(old, plb.Invalid)
	}
	if app := owningApplication(a.arena, new, (*plb.ApplicationEntry).HasPerNodeCapacity); app != plb.NoApplication {
		(*a.m.GetMut(app)).ChangeMovement(plb.Invalid, new)
	}
}
