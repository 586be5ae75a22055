package scenario

import (
	"math/rand"
	"slices"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/tracker"
)

// Generator draws random movements that are legal against the placement a
// TempState currently tracks. Deterministic given the same rng seed, arena
// and state.
type Generator struct {
	arena      *plb.Arena
	rng        *rand.Rand
	partitions []plb.PartitionID
}

// NewGenerator draws movements for partitions of the given services, or of
// every service when services is empty.
func NewGenerator(arena *plb.Arena, rng *rand.Rand, services []plb.ServiceID) *Generator {
	g := &Generator{arena: arena, rng: rng}
	for _, pid := range arena.Partitions() {
		if len(services) == 0 || slices.Contains(services, arena.Partition(pid).Service) {
			g.partitions = append(g.partitions, pid)
		}
	}
	return g
}

// Next returns a random legal movement, or false when no partition has one.
func (g *Generator) Next(s *tracker.TempState) (plb.Movement, bool) {
	if len(g.partitions) == 0 {
		return plb.Invalid, false
	}
	start := g.rng.Intn(len(g.partitions))
	for i := range g.partitions {
		pid := g.partitions[(start+i)%len(g.partitions)]
		if c := g.Candidates(s, pid); len(c) > 0 {
			return c[g.rng.Intn(len(c))], true
		}
	}
	return plb.Invalid, false
}

type placedReplica struct {
	replica plb.ReplicaID
	node    plb.NodeID
}

// Candidates lists every legal movement of pid against s, in a stable order.
// Move-in-progress replicas are only ever dropped.
func (g *Generator) Candidates(s *tracker.TempState, pid plb.PartitionID) []plb.Movement {
	a := g.arena
	var placed []placedReplica
	occupied := make(map[plb.NodeID]bool)
	for node, set := range s.Placement().Get(pid) {
		occupied[node] = true
		set.Ascend(func(r plb.ReplicaID) bool {
			placed = append(placed, placedReplica{replica: r, node: node})
			return true
		})
	}
	slices.SortFunc(placed, func(x, y placedReplica) int { return int(x.replica) - int(y.replica) })
	var free []plb.NodeID
	for _, n := range a.Nodes() {
		if !occupied[n] {
			free = append(free, n)
		}
	}

	var out []plb.Movement
	isPlaced := make(map[plb.ReplicaID]bool, len(placed))
	for _, p := range placed {
		isPlaced[p.replica] = true
		r := a.Replica(p.replica)
		if r.IsMovable && !r.IsMoveInProgress {
			for _, n := range free {
				out = append(out, plb.NewMove(a, pid, p.replica, p.node, n))
			}
			if r.IsSecondary() {
				out = append(out, plb.NewPromote(a, pid, plb.NoReplica, plb.NoNode, p.replica, p.node))
			}
		}
		if !r.IsPrimary() {
			out = append(out, plb.NewDrop(a, pid, p.replica, p.node))
		}
		out = append(out, plb.NewVoid(a, pid, p.node))
	}
	for i, x := range placed {
		for _, y := range placed[i+1:] {
			rx, ry := a.Replica(x.replica), a.Replica(y.replica)
			if x.node == y.node || rx.Role == ry.Role {
				continue
			}
			if !rx.IsMovable || !ry.IsMovable || rx.IsMoveInProgress || ry.IsMoveInProgress {
				continue
			}
			out = append(out, plb.NewSwap(a, pid, x.replica, x.node, y.replica, y.node, false))
			switch {
			case rx.IsPrimary() && ry.IsSecondary():
				out = append(out, plb.NewPromote(a, pid, x.replica, x.node, y.replica, y.node))
			case ry.IsPrimary() && rx.IsSecondary():
				out = append(out, plb.NewPromote(a, pid, y.replica, y.node, x.replica, x.node))
			}
		}
	}
	for _, rid := range a.Partition(pid).Replicas {
		r := a.Replica(rid)
		if !r.IsNew || r.ShouldDisappear || isPlaced[rid] {
			continue
		}
		for _, n := range free {
			out = append(out, plb.NewAdd(a, pid, rid, n))
			if r.IsPrimary() {
				out = append(out, plb.NewAddAndPromote(a, pid, rid, n))
			}
		}
	}
	return out
}
