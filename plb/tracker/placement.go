package tracker

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/cow"
)

// ReplicaPlacement maps each node to the replicas of one partition it hosts.
// Nodes without replicas have no entry.
type ReplicaPlacement map[plb.NodeID]ReplicaSet

// Clone returns an independent copy. A nil placement clones to an empty one.
func (rp ReplicaPlacement) Clone() ReplicaPlacement {
	out := make(ReplicaPlacement, len(rp))
	for n, s := range rp {
		out[n] = s.Clone()
	}
	return out
}

// Nodes returns the number of nodes hosting a replica.
func (rp ReplicaPlacement) Nodes() int { return len(rp) }

// PartitionPlacement tracks which replicas of each partition sit on which node.
type PartitionPlacement struct {
	arena *plb.Arena
	m     *cow.Map[plb.PartitionID, ReplicaPlacement]
}

// NewPartitionPlacement returns an empty tracker over arena.
func NewPartitionPlacement(arena *plb.Arena) *PartitionPlacement {
	return &PartitionPlacement{
		arena: arena,
		m:     cow.New[plb.PartitionID, ReplicaPlacement](nil, ReplicaPlacement.Clone),
	}
}

// Derive returns an overlay over p.
func (p *PartitionPlacement) Derive() *PartitionPlacement {
	return &PartitionPlacement{arena: p.arena, m: p.m.Derive()}
}

// Flatten returns a base-less copy of p's merged view.
func (p *PartitionPlacement) Flatten() *PartitionPlacement {
	return &PartitionPlacement{arena: p.arena, m: p.m.Flatten()}
}

// Get returns the placement of a partition. The result must not be modified.
func (p *PartitionPlacement) Get(pid plb.PartitionID) ReplicaPlacement { return p.m.Get(pid) }

// ReplicasOn returns the replicas of pid on node.
func (p *PartitionPlacement) ReplicasOn(pid plb.PartitionID, node plb.NodeID) ReplicaSet {
	return p.m.Get(pid)[node]
}

// Reader exposes the underlying map read-only.
func (p *PartitionPlacement) Reader() cow.Reader[plb.PartitionID, ReplicaPlacement] { return p.m }

// AddReplica places r of pid on node. No-op for NoReplica or a replica that
// should disappear.
func (p *PartitionPlacement) AddReplica(pid plb.PartitionID, node plb.NodeID, r plb.ReplicaID) {
	if !counted(p.arena, r) {
		return
	}
	rp := *p.m.GetMut(pid)
	s := rp[node]
	s.Insert(r)
	rp[node] = s
}

// DeleteReplica removes r of pid from node.
func (p *PartitionPlacement) DeleteReplica(pid plb.PartitionID, node plb.NodeID, r plb.ReplicaID) {
	if !counted(p.arena, r) {
		return
	}
	rp := *p.m.GetMut(pid)
	s := rp[node]
	if !s.Delete(r) {
		logrus.Warnf("PartitionPlacement: replica %q of partition %d not on node %d", p.arena.Replica(r).Name, pid, node)
	}
	if s.Len() == 0 {
		delete(rp, node)
	} else {
		rp[node] = s
	}
	if len(rp) == 0 {
		p.m.Reset(pid)
	}
}

// ChangeMovement undoes old and applies new.
func (p *PartitionPlacement) ChangeMovement(old, new plb.Movement) {
	undoMovement(old, p.adder(old.Partition), p.deleter(old.Partition))
	applyMovement(new, p.adder(new.Partition), p.deleter(new.Partition))
}

func (p *PartitionPlacement) adder(pid plb.PartitionID) replicaOp {
	return func(n plb.NodeID, r plb.ReplicaID) { p.AddReplica(pid, n, r) }
}

func (p *PartitionPlacement) deleter(pid plb.PartitionID) replicaOp {
	return func(n plb.NodeID, r plb.ReplicaID) { p.DeleteReplica(pid, n, r) }
}

// nodeReplicas is the per-application inner map: node -> replicas of the application.
type nodeReplicas = *cow.Map[plb.NodeID, ReplicaSet]

func newNodeReplicas() nodeReplicas {
	return cow.New[plb.NodeID, ReplicaSet](ReplicaSet{}, ReplicaSet.Clone)
}

// ApplicationPlacement tracks which replicas of each application sit on which
// node. Only applications with a scaleout limit or a per-node capacity are
// tracked.
type ApplicationPlacement struct {
	arena *plb.Arena
	m     *cow.Map[plb.ApplicationID, nodeReplicas]
}

// NewApplicationPlacement returns an empty tracker over arena.
func NewApplicationPlacement(arena *plb.Arena) *ApplicationPlacement {
	return &ApplicationPlacement{
		arena: arena,
		m: cow.NewNested[plb.ApplicationID, nodeReplicas](nil,
			func(in nodeReplicas) nodeReplicas {
				if in == nil {
					return newNodeReplicas()
				}
				return in.Flatten()
			},
			func(in nodeReplicas) nodeReplicas { return in.Derive() }),
	}
}

// Derive returns an overlay over a.
func (a *ApplicationPlacement) Derive() *ApplicationPlacement {
	return &ApplicationPlacement{arena: a.arena, m: a.m.Derive()}
}

// Flatten returns a base-less copy of a's merged view.
func (a *ApplicationPlacement) Flatten() *ApplicationPlacement {
	return &ApplicationPlacement{arena: a.arena, m: a.m.Flatten()}
}

var emptyNodeReplicas cow.Reader[plb.NodeID, ReplicaSet] = newNodeReplicas()

// Get returns the node placement of an application, read-only.
func (a *ApplicationPlacement) Get(app plb.ApplicationID) cow.Reader[plb.NodeID, ReplicaSet] {
	if in := a.m.Get(app); in != nil {
		return in
	}
	return emptyNodeReplicas
}

// NodeCount returns the number of nodes hosting replicas of app.
func (a *ApplicationPlacement) NodeCount(app plb.ApplicationID) int { return a.Get(app).Len() }

// AddReplica places r of app on node.
func (a *ApplicationPlacement) AddReplica(app plb.ApplicationID, node plb.NodeID, r plb.ReplicaID) {
	if !counted(a.arena, r) {
		return
	}
	in := *a.m.GetMut(app)
	s := in.GetMut(node)
	s.Insert(r)
}

// DeleteReplica removes r of app from node.
func (a *ApplicationPlacement) DeleteReplica(app plb.ApplicationID, node plb.NodeID, r plb.ReplicaID) {
	if !counted(a.arena, r) {
		return
	}
	in := *a.m.GetMut(app)
	s := in.GetMut(node)
	if !s.Delete(r) {
		logrus.Warnf("ApplicationPlacement: replica %q of application %d not on node %d", a.arena.Replica(r).Name, app, node)
	}
	if s.Len() == 0 {
		in.Reset(node)
	}
}

// ChangeMovement undoes old and applies new. Movements of applications
// without scaleout or capacity are ignored.
func (a *ApplicationPlacement) ChangeMovement(old, new plb.Movement) {
	if app := owningApplication(a.arena, old, (*plb.ApplicationEntry).HasScaleoutOrCapacity); app != plb.NoApplication {
		undoMovement(old, a.adder(app), a.deleter(app))
	}
	if app := owningApplication(a.arena, new, (*plb.ApplicationEntry).HasScaleoutOrCapacity); app != plb.NoApplication {
		applyMovement(new, a.adder(app), a.deleter(app))
	}
}

func (a *ApplicationPlacement) adder(app plb.ApplicationID) replicaOp {
	return func(n plb.NodeID, r plb.ReplicaID) { a.AddReplica(app, n, r) }
}

func (a *ApplicationPlacement) deleter(app plb.ApplicationID) replicaOp {
	return func(n plb.NodeID, r plb.ReplicaID) { a.DeleteReplica(app, n, r) }
}

// snapshotSets flattens a reader of replica sets into sorted slices.
func snapshotSets(r cow.Reader[plb.NodeID, ReplicaSet]) map[plb.NodeID][]plb.ReplicaID {
	out := make(map[plb.NodeID][]plb.ReplicaID)
	r.Range(func(n plb.NodeID, s ReplicaSet) bool {
		if s.Len() > 0 {
			out[n] = s.Slice()
		}
		return true
	})
	return out
}

func snapshotPlacement(rp ReplicaPlacement) map[plb.NodeID][]plb.ReplicaID {
	out := make(map[plb.NodeID][]plb.ReplicaID, len(rp))
	for n, s := range rp {
		if s.Len() > 0 {
			out[n] = s.Slice()
		}
	}
	return out
}
