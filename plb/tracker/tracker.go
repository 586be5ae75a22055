// Package tracker maintains the per-dimension aggregates of a candidate
// placement: replica placement per partition and per application, fault and
// upgrade domain trees, node loads, replica counts, reservation headroom and
// in-build throttling counts.
//
// Every tracker wraps one or more cow maps and implements
// ChangeMovement(old, new): undo old (possibly plb.Invalid), then apply new
// (possibly plb.Invalid). Derive opens an overlay whose writes never reach
// the tracker it was derived from.
package tracker

import (
	"github.com/inference-sim/plb/plb"
)

// replicaOp adds or removes one replica on one node.
type replicaOp func(node plb.NodeID, r plb.ReplicaID)

// applyMovement replays the four canonical replica changes of m. Void and a
// promote without demotion change no replica and are skipped.
func applyMovement(m plb.Movement, add, del replicaOp) {
	if !m.IsValid() || !m.HasReplicaChanges() {
		return
	}
	del(m.SourceNode, m.SourceToBeDeletedReplica())
	add(m.SourceNode, m.SourceToBeAddedReplica())
	del(m.TargetNode, m.TargetToBeDeletedReplica())
	add(m.TargetNode, m.TargetToBeAddedReplica())
}

// undoMovement reverts applyMovement in reverse order.
func undoMovement(m plb.Movement, add, del replicaOp) {
	if !m.IsValid() || !m.HasReplicaChanges() {
		return
	}
	del(m.TargetNode, m.TargetToBeAddedReplica())
	add(m.TargetNode, m.TargetToBeDeletedReplica())
	del(m.SourceNode, m.SourceToBeAddedReplica())
	add(m.SourceNode, m.SourceToBeDeletedReplica())
}

// counted reports whether r takes part in placement accounting.
func counted(a *plb.Arena, r plb.ReplicaID) bool {
	return r != plb.NoReplica && !a.Replica(r).ShouldDisappear
}

// owningApplication returns the application of m's partition when it passes
// keep, else NoApplication.
func owningApplication(a *plb.Arena, m plb.Movement, keep func(*plb.ApplicationEntry) bool) plb.ApplicationID {
	if !m.IsValid() {
		return plb.NoApplication
	}
	id := a.ApplicationOf(m.Partition)
	if id == plb.NoApplication || !keep(a.Application(id)) {
		return plb.NoApplication
	}
	return id
}
