package tracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/internal/testutil"
)

// buildCluster: five nodes over two fault domains; every node but E holds a
// replica of P before the pass, D's being one that should disappear; app X
// with scaleout and a reservation; a packing service of X and an OnEveryNode
// service without application.
func buildCluster(t *testing.T) (*plb.Arena, *testutil.Fixture) {
	t.Helper()
	f := testutil.NewFixture("cpu", "mem")
	a := f.Node("A", plb.DomainPath{0, 0}, plb.DomainPath{0})
	b := f.Node("B", plb.DomainPath{0, 1}, plb.DomainPath{1})
	c := f.Node("C", plb.DomainPath{1, 0}, plb.DomainPath{0})
	f.Node("D", plb.DomainPath{1, 1}, plb.DomainPath{1})
	f.Node("E", plb.DomainPath{1, 2}, plb.DomainPath{2})
	x := f.App(plb.ApplicationEntry{Name: "X", ScaleoutCount: 3, Reservation: testutil.Load(8, 4)})
	svc := f.ServiceEntry(plb.ServiceEntry{Name: "S", Application: x, IsStateful: true, FaultDomainPolicy: plb.DomainPolicyPacking, GlobalMetricIndices: []int{0, 1}})
	every := f.ServiceEntry(plb.ServiceEntry{Name: "E", OnEveryNode: true, GlobalMetricIndices: []int{0}})

	p := f.Partition("P", svc)
	f.Replica("p1", p, plb.RolePrimary, a, 5, 2)
	f.Replica("s1", p, plb.RoleSecondary, b, 3, 1)
	f.Replica("s2", p, plb.RoleSecondary, c, 3, 1)
	f.NewReplica("n1", p, plb.RoleSecondary, 3, 1)
	f.ReplicaEntry(plb.PlacementReplica{Name: "gone", Partition: p, Role: plb.RoleSecondary, Node: f.Nodes["D"], IsMovable: true, ShouldDisappear: true, Loads: []int64{9, 9}})

	e := f.Partition("E0", every)
	f.Replica("e1", e, plb.RoleNone, a, 1)
	return f.Build(t), f
}

type namedMovement struct {
	name string
	m    plb.Movement
}

func clusterMovements(arena *plb.Arena, f *testutil.Fixture) []namedMovement {
	p := f.Partitions["P"]
	r, n := f.Replicas, f.Nodes
	return []namedMovement{
		{"swap", plb.NewSwap(arena, p, r["p1"], n["A"], r["s1"], n["B"], false)},
		{"swap across fault domains", plb.NewSwap(arena, p, r["p1"], n["A"], r["s2"], n["C"], false)},
		{"swap with should-disappear", plb.NewSwap(arena, p, r["p1"], n["A"], r["gone"], n["D"], false)},
		{"move", plb.NewMove(arena, p, r["s1"], n["B"], n["D"])},
		{"move within fault domain", plb.NewMove(arena, p, r["s2"], n["C"], n["D"])},
		{"add", plb.NewAdd(arena, p, r["n1"], n["D"])},
		{"add onto empty node", plb.NewAdd(arena, p, r["n1"], n["E"])},
		{"move onto empty node", plb.NewMove(arena, p, r["s2"], n["C"], n["E"])},
		{"promote", plb.NewPromote(arena, p, r["p1"], n["A"], r["s2"], n["C"])},
		{"promote alone", plb.NewPromote(arena, p, plb.NoReplica, plb.NoNode, r["s1"], n["B"])},
		{"void", plb.NewVoid(arena, p, n["B"])},
		{"drop", plb.NewDrop(arena, p, r["s1"], n["B"])},
		{"drop should-disappear", plb.NewDrop(arena, p, r["gone"], n["D"])},
		{"move on every node", plb.NewMove(arena, f.Partitions["E0"], r["e1"], n["A"], n["B"])},
	}
}

func TestChangeMovement_ApplyThenUndo_RestoresEveryTracker(t *testing.T) {
	arena, f := buildCluster(t)
	base := NewTempState(arena, plb.DefaultSettings())
	want := base.Snapshot()

	for _, tt := range clusterMovements(arena, f) {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN an overlay with the movement applied
			s := base.Derive()
			s.ChangeMovement(plb.Invalid, tt.m)
			require.NoError(t, s.CheckConsistency())

			// WHEN it is undone
			s.ChangeMovement(tt.m, plb.Invalid)

			// THEN every tracker reads exactly as the base
			if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
				t.Errorf("snapshot mismatch after undo (-base +overlay):\n%s", diff)
			}
			require.NoError(t, s.CheckConsistency())
		})
	}
}

func TestChangeMovement_SwitchingCandidates_MatchesDirectProbe(t *testing.T) {
	// GIVEN every ordered pair of candidate movements
	arena, f := buildCluster(t)
	base := NewTempState(arena, plb.DefaultSettings())
	moves := clusterMovements(arena, f)

	for _, first := range moves {
		for _, second := range moves {
			// WHEN first is probed and then replaced by second in the same overlay
			s := base.Derive()
			s.ChangeMovement(plb.Invalid, first.m)
			s.ChangeMovement(first.m, second.m)

			// THEN the result equals probing second directly
			direct := base.Probe(second.m)
			if diff := cmp.Diff(direct.Snapshot(), s.Snapshot()); diff != "" {
				t.Errorf("%s then %s (-direct +switched):\n%s", first.name, second.name, diff)
			}
		}
	}
}

func TestSwap_PreservesNodeReplicaCounts(t *testing.T) {
	arena, f := buildCluster(t)
	base := NewTempState(arena, plb.DefaultSettings())
	x := f.Applications["X"]
	p := f.Partitions["P"]
	a, b := f.Nodes["A"], f.Nodes["B"]

	s := base.Probe(plb.NewSwap(arena, p, f.Replicas["p1"], a, f.Replicas["s1"], b, false))

	for _, node := range []plb.NodeID{a, b} {
		assert.Equal(t, base.ApplicationNodeCount().Get(x, node), s.ApplicationNodeCount().Get(x, node))
		assert.Equal(t, base.Placement().ReplicasOn(p, node).Len(), s.Placement().ReplicasOn(p, node).Len())
		assert.Equal(t, base.ApplicationPlacement().Get(x).Get(node).Len(), s.ApplicationPlacement().Get(x).Get(node).Len())
	}
	assert.Equal(t, base.FaultDomains().Tree(p).Counts(), s.FaultDomains().Tree(p).Counts())
	assert.Equal(t, base.UpgradeDomains().Tree(p).Counts(), s.UpgradeDomains().Tree(p).Counts())
}

func TestReservedLoad_NeverNegative(t *testing.T) {
	// GIVEN a chain of accepted movements, each probed against every candidate
	arena, f := buildCluster(t)
	s := NewTempState(arena, plb.DefaultSettings())
	moves := clusterMovements(arena, f)
	check := func(st *TempState) {
		st.ReservedLoad().Reader().Range(func(node plb.NodeID, l plb.LoadEntry) bool {
			for i, v := range l {
				assert.GreaterOrEqual(t, v, int64(0), "node %d metric %d", node, i)
			}
			return true
		})
	}

	prev := plb.Invalid
	probe := s.Derive()
	for _, nm := range moves {
		probe.ChangeMovement(prev, nm.m)
		check(probe)
		prev = nm.m
	}
	probe.ChangeMovement(prev, plb.Invalid)
	check(probe)
	assert.Empty(t, cmp.Diff(s.Snapshot(), probe.Snapshot()))
}

func TestDomainTrees_CountInvariantHolds(t *testing.T) {
	arena, f := buildCluster(t)
	p := f.Partitions["P"]
	s := NewTempState(arena, plb.DefaultSettings())

	// Seeded: p1@/0/0, s1@/0/1, s2@/1/0; gone is excluded.
	assert.Equal(t, map[string]int{"/": 3, "/0": 2, "/0/0": 1, "/0/1": 1, "/1": 1, "/1/0": 1}, s.FaultDomains().Tree(p).Counts())
	assert.Equal(t, map[string]int{"/": 3, "/0": 2, "/1": 1}, s.UpgradeDomains().Tree(p).Counts())
	// OnEveryNode services are never tracked
	assert.Nil(t, s.FaultDomains().Tree(f.Partitions["E0"]))

	s = s.Probe(plb.NewMove(arena, p, f.Replicas["s1"], f.Nodes["B"], f.Nodes["D"]))
	s = s.Probe(plb.NewAdd(arena, p, f.Replicas["n1"], f.Nodes["B"]))
	require.NoError(t, s.FaultDomains().CheckConsistency(p))
	require.NoError(t, s.UpgradeDomains().CheckConsistency(p))
	assert.Equal(t, 4, s.FaultDomains().Tree(p).Count(nil))
	assert.Equal(t, 2, s.FaultDomains().Tree(p).Count(plb.DomainPath{1}))
}

func TestInBuild_UndoWithoutApply_Panics(t *testing.T) {
	// GIVEN an add that was never applied
	arena, f := buildCluster(t)
	s := NewTempState(arena, plb.DefaultSettings()).Derive()
	add := plb.NewAdd(arena, f.Partitions["P"], f.Replicas["n1"], f.Nodes["E"])

	// WHEN the in-build tracker is asked to undo it
	// THEN the underflow is an invariant violation
	assert.Panics(t, func() { s.InBuild().ChangeMovement(add, plb.Invalid) })
	assert.True(t, s.InBuild().Builds(add))
}

func TestInBuild_ExistingReplicaOnTarget_NotCounted(t *testing.T) {
	// GIVEN s1 was on B before the pass
	arena, f := buildCluster(t)
	p := f.Partitions["P"]
	s := NewTempState(arena, plb.DefaultSettings())
	s = s.Probe(plb.NewMove(arena, p, f.Replicas["s1"], f.Nodes["B"], f.Nodes["E"]))
	assert.Equal(t, int64(1), s.InBuild().Get(f.Nodes["E"]))

	// WHEN n1 is added back on B, where the partition already had a replica
	s = s.Probe(plb.NewAdd(arena, p, f.Replicas["n1"], f.Nodes["B"]))

	// THEN B is not charged a build
	assert.Equal(t, int64(0), s.InBuild().Get(f.Nodes["B"]))
}

func TestTempState_SettingsDisableTrackers(t *testing.T) {
	arena, f := buildCluster(t)
	settings := plb.DefaultSettings()
	settings.TrackInBuild = false
	settings.TrackFaultDomains = false
	settings.TrackReservations = false
	base := NewTempState(arena, settings)
	p := f.Partitions["P"]

	s := base.Probe(plb.NewMove(arena, p, f.Replicas["s1"], f.Nodes["B"], f.Nodes["E"]))

	assert.Equal(t, int64(0), s.InBuild().Get(f.Nodes["E"]))
	assert.Equal(t, base.FaultDomains().Tree(p).Counts(), s.FaultDomains().Tree(p).Counts())
	assert.NotEqual(t, base.UpgradeDomains().Tree(p).Counts(), s.UpgradeDomains().Tree(p).Counts())
	assert.Equal(t, 1, s.ApplicationNodeCount().Get(f.Applications["X"], f.Nodes["E"]), "counts still move without reservations")
	assert.Equal(t, base.ReservedLoad().Get(f.Nodes["E"]), s.ReservedLoad().Get(f.Nodes["E"]))
}

func TestTempState_FrozenBaseRejectsWrites(t *testing.T) {
	arena, f := buildCluster(t)
	base := NewTempState(arena, plb.DefaultSettings())
	_ = base.Derive()

	assert.Panics(t, func() {
		base.ChangeMovement(plb.Invalid, plb.NewDrop(arena, f.Partitions["P"], f.Replicas["s1"], f.Nodes["B"]))
	})
}

func TestTempState_Flatten_PreservesView(t *testing.T) {
	arena, f := buildCluster(t)
	p := f.Partitions["P"]
	s := NewTempState(arena, plb.DefaultSettings()).
		Probe(plb.NewMove(arena, p, f.Replicas["s1"], f.Nodes["B"], f.Nodes["D"])).
		Probe(plb.NewAdd(arena, p, f.Replicas["n1"], f.Nodes["B"]))
	require.Equal(t, 2, s.Depth())

	flat := s.Flatten()

	assert.Equal(t, 0, flat.Depth())
	assert.Empty(t, cmp.Diff(s.Snapshot(), flat.Snapshot()))
	// the flattened state is writable and independent
	flat.ChangeMovement(plb.Invalid, plb.NewDrop(arena, p, f.Replicas["s2"], f.Nodes["C"]))
	assert.True(t, s.Placement().ReplicasOn(p, f.Nodes["C"]).Has(f.Replicas["s2"]))
}

func TestApplicationPlacement_NestedOverlayReadsBase(t *testing.T) {
	arena, f := buildCluster(t)
	x := f.Applications["X"]
	base := NewTempState(arena, plb.DefaultSettings())
	require.Equal(t, 3, base.ApplicationPlacement().NodeCount(x))

	s := base.Probe(plb.NewAdd(arena, f.Partitions["P"], f.Replicas["n1"], f.Nodes["D"]))

	assert.Equal(t, 4, s.ApplicationPlacement().NodeCount(x))
	assert.Equal(t, 3, base.ApplicationPlacement().NodeCount(x))
	assert.True(t, s.ApplicationPlacement().Get(x).Get(f.Nodes["A"]).Has(f.Replicas["p1"]))
}
