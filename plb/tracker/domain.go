package tracker

import (
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/cow"
)

// DomainKind selects the topology a domain structure follows.
type DomainKind int

const (
	FaultDomains DomainKind = iota
	UpgradeDomains
)

func (k DomainKind) String() string {
	if k == FaultDomains {
		return "fault"
	}
	return "upgrade"
}

// DomainNode is one node of a domain tree. ReplicaCount of an inner node is
// the sum over its children; Replicas is kept at the end of a path only.
type DomainNode struct {
	ReplicaCount int
	Replicas     []plb.ReplicaID
	Children     []*DomainNode // indexed by path segment; nil for unused segments
}

func (n *DomainNode) clone() *DomainNode {
	if n == nil {
		return nil
	}
	out := &DomainNode{ReplicaCount: n.ReplicaCount, Replicas: slices.Clone(n.Replicas)}
	if n.Children != nil {
		out.Children = make([]*DomainNode, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.clone()
		}
	}
	return out
}

func (n *DomainNode) isLeaf() bool {
	for _, c := range n.Children {
		if c != nil {
			return false
		}
	}
	return true
}

// DomainTree counts the replicas of one partition per domain.
type DomainTree struct {
	Root *DomainNode
}

// NewDomainTree returns a tree with an empty root.
func NewDomainTree() *DomainTree { return &DomainTree{Root: &DomainNode{}} }

// Clone returns a deep copy. A nil tree clones to an empty one.
func (t *DomainTree) Clone() *DomainTree {
	if t == nil {
		return NewDomainTree()
	}
	return &DomainTree{Root: t.Root.clone()}
}

// Find returns the node at path, or nil.
func (t *DomainTree) Find(path plb.DomainPath) *DomainNode {
	if t == nil {
		return nil
	}
	n := t.Root
	for _, seg := range path {
		if seg >= len(n.Children) || n.Children[seg] == nil {
			return nil
		}
		n = n.Children[seg]
	}
	return n
}

// Count returns the number of replicas under path.
func (t *DomainTree) Count(path plb.DomainPath) int {
	if n := t.Find(path); n != nil {
		return n.ReplicaCount
	}
	return 0
}

// AddReplica increments every node from the root to path and records r at
// the end of the path, creating nodes as needed.
func (t *DomainTree) AddReplica(path plb.DomainPath, r plb.ReplicaID) {
	n := t.Root
	n.ReplicaCount++
	for _, seg := range path {
		if seg >= len(n.Children) {
			n.Children = append(n.Children, make([]*DomainNode, seg+1-len(n.Children))...)
		}
		if n.Children[seg] == nil {
			n.Children[seg] = &DomainNode{}
		}
		n = n.Children[seg]
		n.ReplicaCount++
	}
	n.Replicas = append(n.Replicas, r)
}

// DeleteReplica decrements every node from the root to path and removes r
// from the end of the path. Panics when a count would go negative or r is
// not recorded there.
func (t *DomainTree) DeleteReplica(path plb.DomainPath, r plb.ReplicaID) {
	leaf := t.Find(path)
	if leaf == nil {
		panic(errors.AssertionFailedf("DomainTree.DeleteReplica: no domain at %s for replica %d", path, r))
	}
	i := slices.Index(leaf.Replicas, r)
	if i < 0 {
		panic(errors.AssertionFailedf("DomainTree.DeleteReplica: replica %d not found at %s", r, path))
	}
	n := t.Root
	decrement := func(n *DomainNode) {
		if n.ReplicaCount <= 0 {
			panic(errors.AssertionFailedf("DomainTree.DeleteReplica: replica count underflow at %s", path))
		}
		n.ReplicaCount--
	}
	decrement(n)
	for _, seg := range path {
		n = n.Children[seg]
		decrement(n)
	}
	leaf.Replicas = slices.Delete(leaf.Replicas, i, i+1)
}

// SwapReplica exchanges a at pathA with b at pathB. Counts are unchanged.
// Both paths must end at existing leaves holding the respective replica.
func (t *DomainTree) SwapReplica(pathA plb.DomainPath, a plb.ReplicaID, pathB plb.DomainPath, b plb.ReplicaID) {
	leafA, leafB := t.Find(pathA), t.Find(pathB)
	if leafA == nil || !leafA.isLeaf() {
		panic(errors.AssertionFailedf("DomainTree.SwapReplica: %s is not a leaf", pathA))
	}
	if leafB == nil || !leafB.isLeaf() {
		panic(errors.AssertionFailedf("DomainTree.SwapReplica: %s is not a leaf", pathB))
	}
	ia, ib := slices.Index(leafA.Replicas, a), slices.Index(leafB.Replicas, b)
	if ia < 0 {
		panic(errors.AssertionFailedf("DomainTree.SwapReplica: replica %d not found at %s", a, pathA))
	}
	if ib < 0 {
		panic(errors.AssertionFailedf("DomainTree.SwapReplica: replica %d not found at %s", b, pathB))
	}
	leafA.Replicas[ia] = b
	leafB.Replicas[ib] = a
}

// CheckConsistency verifies that every inner count equals the sum of its
// children and every leaf count equals its replica list length.
func (t *DomainTree) CheckConsistency() error {
	if t == nil {
		return nil
	}
	var walk func(n *DomainNode, path plb.DomainPath) error
	walk = func(n *DomainNode, path plb.DomainPath) error {
		if n.isLeaf() {
			if len(n.Replicas) != n.ReplicaCount {
				return errors.Newf("leaf %s holds %d replicas but counts %d", path, len(n.Replicas), n.ReplicaCount)
			}
			return nil
		}
		sum := len(n.Replicas)
		for i, c := range n.Children {
			if c == nil {
				continue
			}
			if err := walk(c, append(slices.Clip(path), i)); err != nil {
				return err
			}
			sum += c.ReplicaCount
		}
		if sum != n.ReplicaCount {
			return errors.Newf("domain %s counts %d but children sum to %d", path, n.ReplicaCount, sum)
		}
		return nil
	}
	return walk(t.Root, nil)
}

// Counts returns the non-zero replica count of every domain, keyed by path.
func (t *DomainTree) Counts() map[string]int {
	out := make(map[string]int)
	if t == nil {
		return out
	}
	var walk func(n *DomainNode, path plb.DomainPath)
	walk = func(n *DomainNode, path plb.DomainPath) {
		if n.ReplicaCount != 0 {
			out[path.String()] = n.ReplicaCount
		}
		for i, c := range n.Children {
			if c != nil {
				walk(c, append(slices.Clip(path), i))
			}
		}
	}
	walk(t.Root, nil)
	return out
}

// Leaves returns the sorted replicas recorded at every non-empty path end.
func (t *DomainTree) Leaves() map[string][]plb.ReplicaID {
	out := make(map[string][]plb.ReplicaID)
	if t == nil {
		return out
	}
	var walk func(n *DomainNode, path plb.DomainPath)
	walk = func(n *DomainNode, path plb.DomainPath) {
		if len(n.Replicas) > 0 {
			rs := slices.Clone(n.Replicas)
			slices.Sort(rs)
			out[path.String()] = rs
		}
		for i, c := range n.Children {
			if c != nil {
				walk(c, append(slices.Clip(path), i))
			}
		}
	}
	walk(t.Root, nil)
	return out
}

// PartitionDomainStructure keeps one domain tree per partition, for either
// fault domains or upgrade domains.
type PartitionDomainStructure struct {
	arena *plb.Arena
	kind  DomainKind
	m     *cow.Map[plb.PartitionID, *DomainTree]
}

// NewPartitionDomainStructure returns an empty structure of the given kind.
func NewPartitionDomainStructure(arena *plb.Arena, kind DomainKind) *PartitionDomainStructure {
	return &PartitionDomainStructure{
		arena: arena,
		kind:  kind,
		m:     cow.New[plb.PartitionID, *DomainTree](nil, (*DomainTree).Clone),
	}
}

// Derive returns an overlay over d.
func (d *PartitionDomainStructure) Derive() *PartitionDomainStructure {
	return &PartitionDomainStructure{arena: d.arena, kind: d.kind, m: d.m.Derive()}
}

// Flatten returns a base-less copy of d's merged view.
func (d *PartitionDomainStructure) Flatten() *PartitionDomainStructure {
	return &PartitionDomainStructure{arena: d.arena, kind: d.kind, m: d.m.Flatten()}
}

// Kind returns the topology d follows.
func (d *PartitionDomainStructure) Kind() DomainKind { return d.kind }

// Tree returns the domain tree of a partition, or nil. The tree must not be modified.
func (d *PartitionDomainStructure) Tree(pid plb.PartitionID) *DomainTree { return d.m.Get(pid) }

// Reader exposes the underlying map read-only.
func (d *PartitionDomainStructure) Reader() cow.Reader[plb.PartitionID, *DomainTree] { return d.m }

// Tracks reports whether the partition's service is accounted in d.
func (d *PartitionDomainStructure) Tracks(pid plb.PartitionID) bool {
	svc := d.arena.ServiceOf(pid)
	if svc.OnEveryNode {
		return false
	}
	return d.kind != FaultDomains || svc.FaultDomainPolicy != plb.DomainPolicyIgnore
}

func (d *PartitionDomainStructure) path(node plb.NodeID) plb.DomainPath {
	n := d.arena.Node(node)
	if d.kind == FaultDomains {
		return n.FaultDomain
	}
	return n.UpgradeDomain
}

// checkNotMoving rejects a move-in-progress replica. Such replicas are never
// counted, so reaching add, delete or swap with one means the movement was
// built wrongly upstream.
func (d *PartitionDomainStructure) checkNotMoving(op string, r plb.ReplicaID) {
	if rep := d.arena.Replica(r); rep.IsMoveInProgress {
		panic(errors.AssertionFailedf("PartitionDomainStructure.%s: replica %q is move-in-progress", op, rep.Name))
	}
}

// AddReplica counts r on node in the partition's tree.
func (d *PartitionDomainStructure) AddReplica(pid plb.PartitionID, node plb.NodeID, r plb.ReplicaID) {
	if !counted(d.arena, r) {
		return
	}
	d.checkNotMoving("AddReplica", r)
	(*d.m.GetMut(pid)).AddReplica(d.path(node), r)
}

// DeleteReplica uncounts r on node in the partition's tree.
func (d *PartitionDomainStructure) DeleteReplica(pid plb.PartitionID, node plb.NodeID, r plb.ReplicaID) {
	if !counted(d.arena, r) {
		return
	}
	d.checkNotMoving("DeleteReplica", r)
	(*d.m.GetMut(pid)).DeleteReplica(d.path(node), r)
}

// SwapReplica exchanges a on nodeA with b on nodeB. When either replica is
// not counted the swap degenerates into moving the other one.
func (d *PartitionDomainStructure) SwapReplica(pid plb.PartitionID, nodeA plb.NodeID, a plb.ReplicaID, nodeB plb.NodeID, b plb.ReplicaID) {
	ca, cb := counted(d.arena, a), counted(d.arena, b)
	switch {
	case ca && cb:
		d.checkNotMoving("SwapReplica", a)
		d.checkNotMoving("SwapReplica", b)
		pathA, pathB := d.path(nodeA), d.path(nodeB)
		if slices.Equal(pathA, pathB) {
			return
		}
		(*d.m.GetMut(pid)).SwapReplica(pathA, a, pathB, b)
	case ca:
		d.DeleteReplica(pid, nodeA, a)
		d.AddReplica(pid, nodeB, a)
	case cb:
		d.DeleteReplica(pid, nodeB, b)
		d.AddReplica(pid, nodeA, b)
	}
}

// ChangeMovement undoes old and applies new.
func (d *PartitionDomainStructure) ChangeMovement(old, new plb.Movement) {
	if old.IsValid() && d.Tracks(old.Partition) {
		d.undo(old)
	}
	if new.IsValid() && d.Tracks(new.Partition) {
		d.apply(new)
	}
}

func (d *PartitionDomainStructure) apply(m plb.Movement) {
	r := m.SourceOrNewReplica
	switch m.Type {
	case plb.MovementMove:
		d.DeleteReplica(m.Partition, m.SourceNode, r)
		d.AddReplica(m.Partition, m.TargetNode, r)
	case plb.MovementAdd, plb.MovementAddAndPromote:
		d.AddReplica(m.Partition, m.TargetNode, r)
	case plb.MovementSwap, plb.MovementPromote:
		if r != plb.NoReplica {
			d.SwapReplica(m.Partition, m.SourceNode, r, m.TargetNode, m.TargetReplica)
		}
	case plb.MovementDrop:
		if !d.arena.Replica(r).IsMoveInProgress {
			d.DeleteReplica(m.Partition, m.SourceNode, r)
		}
	}
}

func (d *PartitionDomainStructure) undo(m plb.Movement) {
	r := m.SourceOrNewReplica
	switch m.Type {
	case plb.MovementMove:
		d.DeleteReplica(m.Partition, m.TargetNode, r)
		d.AddReplica(m.Partition, m.SourceNode, r)
	case plb.MovementAdd, plb.MovementAddAndPromote:
		d.DeleteReplica(m.Partition, m.TargetNode, r)
	case plb.MovementSwap, plb.MovementPromote:
		if r != plb.NoReplica {
			d.SwapReplica(m.Partition, m.SourceNode, m.TargetReplica, m.TargetNode, r)
		}
	case plb.MovementDrop:
		if !d.arena.Replica(r).IsMoveInProgress {
			d.AddReplica(m.Partition, m.SourceNode, r)
		}
	}
}

// CheckConsistency verifies the count invariant of one partition's tree.
func (d *PartitionDomainStructure) CheckConsistency(pid plb.PartitionID) error {
	if err := d.m.Get(pid).CheckConsistency(); err != nil {
		return errors.Wrapf(err, "%s domains of partition %d", d.kind, pid)
	}
	return nil
}

func (d *PartitionDomainStructure) String() string {
	return fmt.Sprintf("PartitionDomainStructure(%s, %d partitions)", d.kind, d.m.Len())
}
