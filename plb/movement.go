package plb

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// MovementType tags the variant of a Movement.
type MovementType int

const (
	MovementNone MovementType = iota
	MovementSwap
	MovementMove
	MovementAdd
	MovementPromote
	MovementAddAndPromote
	MovementVoid
	MovementDrop
)

var movementTypeNames = map[MovementType]string{
	MovementNone:          "None",
	MovementSwap:          "Swap",
	MovementMove:          "Move",
	MovementAdd:           "Add",
	MovementPromote:       "Promote",
	MovementAddAndPromote: "AddAndPromote",
	MovementVoid:          "Void",
	MovementDrop:          "Drop",
}

// movementTypesByName is the inverse of movementTypeNames, keyed case-insensitively by callers.
var movementTypesByName = func() map[string]MovementType {
	m := make(map[string]MovementType, len(movementTypeNames))
	for t, n := range movementTypeNames {
		m[n] = t
	}
	return m
}()

func (t MovementType) String() string {
	if n, ok := movementTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("MovementType(%d)", int(t))
}

// ParseMovementType maps a variant name ("Swap", "Move", ...) to its type.
func ParseMovementType(name string) (MovementType, bool) {
	t, ok := movementTypesByName[name]
	return t, ok
}

// Movement is one atomic relocation step between at most two (node, replica)
// pairs of one partition. The zero value is the invalid movement.
//
// Movements are only built through the New* constructors, which panic on
// illegal combinations: an illegal candidate is a bug in the caller.
type Movement struct {
	Type               MovementType
	Partition          PartitionID
	SourceOrNewReplica ReplicaID
	TargetReplica      ReplicaID
	SourceNode         NodeID
	TargetNode         NodeID
}

// Invalid is the movement that changes nothing.
var Invalid = Movement{}

// IsValid reports whether m refers to a partition.
func (m Movement) IsValid() bool { return m.Partition != NoPartition }

// NewSwap exchanges the nodes of two replicas of the same partition holding
// different roles. forUpgrade waives the movability check.
func NewSwap(a *Arena, p PartitionID, replicaA ReplicaID, nodeA NodeID, replicaB ReplicaID, nodeB NodeID, forUpgrade bool) Movement {
	if replicaA == replicaB {
		panic(errors.AssertionFailedf("NewSwap: replica %d swapped with itself", replicaA))
	}
	ra, rb := checkReplicaOf(a, "NewSwap", p, replicaA), checkReplicaOf(a, "NewSwap", p, replicaB)
	if ra.Role == rb.Role {
		panic(errors.AssertionFailedf("NewSwap: replicas %q and %q share role %s", ra.Name, rb.Name, ra.Role))
	}
	if nodeA == NoNode || nodeB == NoNode || nodeA == nodeB {
		panic(errors.AssertionFailedf("NewSwap: replicas %q and %q need distinct nodes, got %d and %d", ra.Name, rb.Name, nodeA, nodeB))
	}
	if !forUpgrade && (!ra.IsMovable || !rb.IsMovable) {
		panic(errors.AssertionFailedf("NewSwap: replicas %q and %q must both be movable", ra.Name, rb.Name))
	}
	return Movement{
		Type:               MovementSwap,
		Partition:          p,
		SourceOrNewReplica: replicaA,
		TargetReplica:      replicaB,
		SourceNode:         nodeA,
		TargetNode:         nodeB,
	}
}

// NewMove relocates a replica from one node to another.
func NewMove(a *Arena, p PartitionID, replica ReplicaID, from, to NodeID) Movement {
	r := checkReplicaOf(a, "NewMove", p, replica)
	if !r.IsMovable {
		panic(errors.AssertionFailedf("NewMove: replica %q is not movable", r.Name))
	}
	if from == NoNode || to == NoNode || from == to {
		panic(errors.AssertionFailedf("NewMove: replica %q needs distinct source and target, got %d and %d", r.Name, from, to))
	}
	return Movement{
		Type:               MovementMove,
		Partition:          p,
		SourceOrNewReplica: replica,
		SourceNode:         from,
		TargetNode:         to,
	}
}

// NewAdd places a new replica on a node.
func NewAdd(a *Arena, p PartitionID, replica ReplicaID, to NodeID) Movement {
	return newPlacement(a, "NewAdd", MovementAdd, p, replica, to)
}

// NewAddAndPromote places a new replica on a node as the partition's primary.
func NewAddAndPromote(a *Arena, p PartitionID, replica ReplicaID, to NodeID) Movement {
	return newPlacement(a, "NewAddAndPromote", MovementAddAndPromote, p, replica, to)
}

func newPlacement(a *Arena, op string, t MovementType, p PartitionID, replica ReplicaID, to NodeID) Movement {
	r := checkReplicaOf(a, op, p, replica)
	if !r.IsNew {
		panic(errors.AssertionFailedf("%s: replica %q is not new", op, r.Name))
	}
	if to == NoNode {
		panic(errors.AssertionFailedf("%s: replica %q has no target node", op, r.Name))
	}
	return Movement{
		Type:               t,
		Partition:          p,
		SourceOrNewReplica: replica,
		TargetNode:         to,
	}
}

// NewPromote makes the secondary target on node to the primary. When primary
// is not NoReplica, the current primary on primaryNode is demoted in exchange.
func NewPromote(a *Arena, p PartitionID, primary ReplicaID, primaryNode NodeID, target ReplicaID, to NodeID) Movement {
	t := checkReplicaOf(a, "NewPromote", p, target)
	if !t.IsSecondary() {
		panic(errors.AssertionFailedf("NewPromote: target replica %q is %s, not a secondary", t.Name, t.Role))
	}
	if to == NoNode {
		panic(errors.AssertionFailedf("NewPromote: target replica %q has no node", t.Name))
	}
	m := Movement{
		Type:          MovementPromote,
		Partition:     p,
		TargetReplica: target,
		TargetNode:    to,
	}
	if primary != NoReplica {
		pr := checkReplicaOf(a, "NewPromote", p, primary)
		if !pr.IsPrimary() {
			panic(errors.AssertionFailedf("NewPromote: replica %q is %s, not the primary", pr.Name, pr.Role))
		}
		if primaryNode == NoNode || primaryNode == to {
			panic(errors.AssertionFailedf("NewPromote: primary %q must sit on another node than %d", pr.Name, to))
		}
		m.SourceOrNewReplica = primary
		m.SourceNode = primaryNode
	}
	return m
}

// NewVoid cancels a pending move of the partition away from a node.
func NewVoid(a *Arena, p PartitionID, from NodeID) Movement {
	checkPartition(a, "NewVoid", p)
	return Movement{Type: MovementVoid, Partition: p, SourceNode: from}
}

// NewDrop removes a non-primary replica from its node.
func NewDrop(a *Arena, p PartitionID, replica ReplicaID, from NodeID) Movement {
	r := checkReplicaOf(a, "NewDrop", p, replica)
	if r.IsPrimary() {
		panic(errors.AssertionFailedf("NewDrop: replica %q is the primary", r.Name))
	}
	if from == NoNode {
		panic(errors.AssertionFailedf("NewDrop: replica %q has no source node", r.Name))
	}
	return Movement{
		Type:               MovementDrop,
		Partition:          p,
		SourceOrNewReplica: replica,
		SourceNode:         from,
	}
}

func checkPartition(a *Arena, op string, p PartitionID) {
	if p == NoPartition || int(p) > len(a.partitions) {
		panic(errors.AssertionFailedf("%s: unknown partition %d", op, p))
	}
}

func checkReplicaOf(a *Arena, op string, p PartitionID, id ReplicaID) *PlacementReplica {
	checkPartition(a, op, p)
	if id == NoReplica || int(id) > len(a.replicas) {
		panic(errors.AssertionFailedf("%s: unknown replica %d", op, id))
	}
	r := a.Replica(id)
	if r.Partition != p {
		panic(errors.AssertionFailedf("%s: replica %q belongs to partition %d, not %d", op, r.Name, r.Partition, p))
	}
	return r
}

// swapsPlacement reports whether m exchanges two replicas between its nodes.
func (m Movement) swapsPlacement() bool {
	return m.Type == MovementSwap || (m.Type == MovementPromote && m.SourceOrNewReplica != NoReplica)
}

// SourceToBeDeletedReplica is the replica leaving the source node.
func (m Movement) SourceToBeDeletedReplica() ReplicaID {
	switch {
	case m.swapsPlacement(), m.Type == MovementMove, m.Type == MovementDrop:
		return m.SourceOrNewReplica
	}
	return NoReplica
}

// SourceToBeAddedReplica is the replica arriving on the source node.
func (m Movement) SourceToBeAddedReplica() ReplicaID {
	if m.swapsPlacement() {
		return m.TargetReplica
	}
	return NoReplica
}

// TargetToBeDeletedReplica is the replica leaving the target node.
func (m Movement) TargetToBeDeletedReplica() ReplicaID {
	if m.swapsPlacement() {
		return m.TargetReplica
	}
	return NoReplica
}

// TargetToBeAddedReplica is the replica arriving on the target node.
func (m Movement) TargetToBeAddedReplica() ReplicaID {
	switch {
	case m.swapsPlacement(), m.Type == MovementMove, m.Type == MovementAdd, m.Type == MovementAddAndPromote:
		return m.SourceOrNewReplica
	}
	return NoReplica
}

// HasReplicaChanges reports whether any of the four canonical replicas is set.
func (m Movement) HasReplicaChanges() bool {
	return m.SourceToBeDeletedReplica() != NoReplica || m.TargetToBeAddedReplica() != NoReplica
}

// IncreasingTargetLoad reports whether the movement only adds load to its target.
func (m Movement) IncreasingTargetLoad() bool {
	switch m.Type {
	case MovementMove, MovementAdd, MovementAddAndPromote:
		return true
	}
	return false
}

// Equal compares movements on type, partition, moved replica and target node.
func (m Movement) Equal(other Movement) bool {
	return m.Type == other.Type &&
		m.Partition == other.Partition &&
		m.SourceOrNewReplica == other.SourceOrNewReplica &&
		m.TargetNode == other.TargetNode
}

func (m Movement) String() string {
	switch m.Type {
	case MovementNone:
		return "None"
	case MovementSwap:
		return fmt.Sprintf("Swap(p%d: r%d@n%d <-> r%d@n%d)", m.Partition, m.SourceOrNewReplica, m.SourceNode, m.TargetReplica, m.TargetNode)
	case MovementMove:
		return fmt.Sprintf("Move(p%d: r%d n%d -> n%d)", m.Partition, m.SourceOrNewReplica, m.SourceNode, m.TargetNode)
	case MovementPromote:
		if m.SourceOrNewReplica == NoReplica {
			return fmt.Sprintf("Promote(p%d: r%d@n%d)", m.Partition, m.TargetReplica, m.TargetNode)
		}
		return fmt.Sprintf("Promote(p%d: r%d@n%d, demote r%d@n%d)", m.Partition, m.TargetReplica, m.TargetNode, m.SourceOrNewReplica, m.SourceNode)
	case MovementVoid:
		return fmt.Sprintf("Void(p%d: n%d)", m.Partition, m.SourceNode)
	case MovementDrop:
		return fmt.Sprintf("Drop(p%d: r%d@n%d)", m.Partition, m.SourceOrNewReplica, m.SourceNode)
	default:
		return fmt.Sprintf("%s(p%d: r%d -> n%d)", m.Type, m.Partition, m.SourceOrNewReplica, m.TargetNode)
	}
}
