package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/internal/testutil"
)

// buildFreshPartition: nodes A (fd /0, ud /0) and B (fd /1, ud /1); app X
// with a per-node capacity; stateful partition P with no placed replicas and
// two new replicas, r1 (primary, load 4) and r2 (secondary, load 3).
func buildFreshPartition(t *testing.T) (*plb.Arena, *testutil.Fixture) {
	t.Helper()
	f := testutil.NewFixture("cpu")
	f.Node("A", plb.DomainPath{0}, plb.DomainPath{0})
	f.Node("B", plb.DomainPath{1}, plb.DomainPath{1})
	x := f.App(plb.ApplicationEntry{Name: "X", PerNodeCapacity: testutil.Load(100)})
	svc := f.Service("S", x, 1)
	p := f.Partition("P", svc)
	f.NewReplica("r1", p, plb.RolePrimary, 4)
	f.NewReplica("r2", p, plb.RoleSecondary, 3)
	return f.Build(t), f
}

func TestScenarioA_AddTruePrimary_NotInBuild(t *testing.T) {
	// GIVEN partition P with no replicas
	arena, f := buildFreshPartition(t)
	base := NewTempState(arena, plb.DefaultSettings())
	p, a := f.Partitions["P"], f.Nodes["A"]

	// WHEN its first replica r1, the true primary, is added on A
	s := base.Probe(plb.NewAdd(arena, p, f.Replicas["r1"], a))

	// THEN A's in-build count is unchanged and P's placement on A is {r1}
	assert.Equal(t, int64(0), s.InBuild().Get(a))
	assert.Equal(t, []plb.ReplicaID{f.Replicas["r1"]}, s.Placement().ReplicasOn(p, a).Slice())
	assert.Equal(t, 0, base.Placement().ReplicasOn(p, a).Len(), "base is untouched")
}

func TestScenarioB_AddSecondary_CountsInBuildAndUndoes(t *testing.T) {
	// GIVEN scenario A accepted
	arena, f := buildFreshPartition(t)
	p, a, b := f.Partitions["P"], f.Nodes["A"], f.Nodes["B"]
	accepted := NewTempState(arena, plb.DefaultSettings()).Probe(plb.NewAdd(arena, p, f.Replicas["r1"], a))

	// WHEN secondary r2 is added on B
	addB := plb.NewAdd(arena, p, f.Replicas["r2"], b)
	s := accepted.Probe(addB)

	// THEN B's in-build count rises by one
	assert.Equal(t, int64(1), s.InBuild().Get(b))

	// WHEN the add is undone
	s.ChangeMovement(addB, plb.Invalid)

	// THEN the count is back to zero
	assert.Equal(t, int64(0), s.InBuild().Get(b))
	assert.Equal(t, 0, s.InBuild().Reader().Len())
}

func TestScenarioC_Swap_ExchangesPlacementAndLoads(t *testing.T) {
	// GIVEN r1 on A and r2 on B
	arena, f := buildFreshPartition(t)
	p, a, b := f.Partitions["P"], f.Nodes["A"], f.Nodes["B"]
	r1, r2 := f.Replicas["r1"], f.Replicas["r2"]
	x := f.Applications["X"]
	s := NewTempState(arena, plb.DefaultSettings()).
		Probe(plb.NewAdd(arena, p, r1, a)).
		Probe(plb.NewAdd(arena, p, r2, b))
	faultBefore := s.FaultDomains().Tree(p).Counts()
	require.Equal(t, int64(4), s.ApplicationNodeLoads().Get(x, a).Get(0))

	// WHEN they are swapped
	s = s.Probe(plb.NewSwap(arena, p, r1, a, r2, b, false))

	// THEN placements are exchanged
	assert.Equal(t, []plb.ReplicaID{r2}, s.Placement().ReplicasOn(p, a).Slice())
	assert.Equal(t, []plb.ReplicaID{r1}, s.Placement().ReplicasOn(p, b).Slice())
	// AND domain counts are unchanged while leaves hold the swapped replicas
	assert.Equal(t, faultBefore, s.FaultDomains().Tree(p).Counts())
	assert.Equal(t, map[string][]plb.ReplicaID{"/0": {r2}, "/1": {r1}}, s.FaultDomains().Tree(p).Leaves())
	// AND per-node application loads exchange their replica contributions
	assert.Equal(t, int64(3), s.ApplicationNodeLoads().Get(x, a).Get(0))
	assert.Equal(t, int64(4), s.ApplicationNodeLoads().Get(x, b).Get(0))
}

// buildMoveInProgress: partition Q with primary q1 on B and secondary qm on A
// that is move-in-progress.
func buildMoveInProgress(t *testing.T) (*plb.Arena, *testutil.Fixture) {
	t.Helper()
	f := testutil.NewFixture("cpu")
	a := f.Node("A", plb.DomainPath{0}, plb.DomainPath{0})
	b := f.Node("B", plb.DomainPath{1}, plb.DomainPath{1})
	f.Node("C", plb.DomainPath{2}, plb.DomainPath{2})
	svc := f.Service("S", plb.NoApplication, 1)
	q := f.Partition("Q", svc)
	f.Replica("q1", q, plb.RolePrimary, b, 2)
	f.ReplicaEntry(plb.PlacementReplica{Name: "qm", Partition: q, Role: plb.RoleSecondary, Node: a, IsMovable: true, IsMoveInProgress: true, Loads: []int64{1}})
	return f.Build(t), f
}

func TestScenarioD_DropMoveInProgress_SkipsDomainTree(t *testing.T) {
	// GIVEN a move-in-progress replica qm on A, never counted in the domain tree
	arena, f := buildMoveInProgress(t)
	q, a := f.Partitions["Q"], f.Nodes["A"]
	base := NewTempState(arena, plb.DefaultSettings())
	before := base.FaultDomains().Tree(q).Counts()
	require.Equal(t, map[string]int{"/": 1, "/1": 1}, before)

	// WHEN qm is dropped
	drop := plb.NewDrop(arena, q, f.Replicas["qm"], a)
	s := base.Probe(drop)

	// THEN the domain structure is not modified but placement is
	assert.Equal(t, before, s.FaultDomains().Tree(q).Counts())
	assert.Same(t, base.FaultDomains().Tree(q), s.FaultDomains().Tree(q), "the tree is read through from the base, never copied")
	assert.Equal(t, 0, s.Placement().ReplicasOn(q, a).Len())

	// AND undoing the drop does not add qm back to the tree
	s.ChangeMovement(drop, plb.Invalid)
	assert.Equal(t, before, s.FaultDomains().Tree(q).Counts())
	assert.True(t, s.Placement().ReplicasOn(q, a).Has(f.Replicas["qm"]))
}

func TestMoveInProgress_ReachingDomainAddOrDelete_Panics(t *testing.T) {
	// GIVEN a move-in-progress replica
	arena, f := buildMoveInProgress(t)
	q := f.Partitions["Q"]
	base := NewTempState(arena, plb.DefaultSettings())

	// WHEN it is moved instead of dropped
	move := plb.NewMove(arena, q, f.Replicas["qm"], f.Nodes["A"], f.Nodes["C"])

	// THEN the domain tracker rejects it
	assert.Panics(t, func() { base.Probe(move) })
	assert.Panics(t, func() {
		NewPartitionDomainStructure(arena, UpgradeDomains).AddReplica(q, f.Nodes["C"], f.Replicas["qm"])
	})
}

// buildReservation: nodes N, M, K; app X reserving 10 cpu per node; partition
// P with primary e0 (load 2) on M and secondary e1 (load 6) on K; partition
// P2 with a new secondary n1 (load 5).
func buildReservation(t *testing.T) (*plb.Arena, *testutil.Fixture) {
	t.Helper()
	f := testutil.NewFixture("cpu")
	f.Node("N", plb.DomainPath{0}, plb.DomainPath{0})
	m := f.Node("M", plb.DomainPath{1}, plb.DomainPath{1})
	k := f.Node("K", plb.DomainPath{2}, plb.DomainPath{2})
	x := f.App(plb.ApplicationEntry{Name: "X", Reservation: testutil.Load(10)})
	svc := f.Service("S", x, 1)
	p := f.Partition("P", svc)
	f.Replica("e0", p, plb.RolePrimary, m, 2)
	f.Replica("e1", p, plb.RoleSecondary, k, 6)
	p2 := f.Partition("P2", svc)
	f.Replica("e2", p2, plb.RolePrimary, m, 1)
	f.NewReplica("n1", p2, plb.RoleSecondary, 5)
	return f.Build(t), f
}

func TestScenarioE_ReservationHeadroom(t *testing.T) {
	arena, f := buildReservation(t)
	n, m, k := f.Nodes["N"], f.Nodes["M"], f.Nodes["K"]
	base := NewTempState(arena, plb.DefaultSettings())
	// Seeded: M hosts 2+1 of X -> 7 reserved, K hosts 6 -> 4 reserved, N hosts nothing.
	require.Equal(t, int64(7), base.ReservedLoad().Get(m).Get(0))
	require.Equal(t, int64(4), base.ReservedLoad().Get(k).Get(0))
	require.Equal(t, int64(0), base.ReservedLoad().Get(n).Get(0))

	// WHEN e1 (load 6) moves from K to N
	s := base.Probe(plb.NewMove(arena, f.Partitions["P"], f.Replicas["e1"], k, n))

	// THEN N's headroom is C - L = 10 - 6 and K no longer carries a reservation
	assert.Equal(t, int64(4), s.ReservedLoad().Get(n).Get(0))
	assert.Equal(t, int64(0), s.ReservedLoad().Get(k).Get(0))

	// WHEN n1 (load 5) is added on N, raising the load to 11 >= 10
	s = s.Probe(plb.NewAdd(arena, f.Partitions["P2"], f.Replicas["n1"], n))

	// THEN N's headroom is zero
	assert.Equal(t, int64(0), s.ReservedLoad().Get(n).Get(0))
	assert.Equal(t, int64(11), s.ApplicationNodeLoads().Get(f.Applications["X"], n).Get(0))
	assert.Equal(t, int64(7), s.ReservedLoad().Get(m).Get(0), "untouched nodes keep their headroom")
}

func TestReservedLoad_GetReservationDiff(t *testing.T) {
	arena, f := buildReservation(t)
	r := NewApplicationReservedLoad(arena, true)
	x := f.Applications["X"]
	assert.Equal(t, int64(4), r.GetReservationDiff(x, 0, 6))
	assert.Equal(t, int64(0), r.GetReservationDiff(x, 0, 10))
}
