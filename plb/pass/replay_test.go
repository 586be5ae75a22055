package pass

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/internal/testutil"
	"github.com/inference-sim/plb/plb/scenario"
	"github.com/inference-sim/plb/plb/trace"
	"github.com/inference-sim/plb/plb/tracker"
)

func loadScenario(t *testing.T, name string) *scenario.Scenario {
	t.Helper()
	sc, err := scenario.Load(testutil.ScenarioPath(t, name))
	require.NoError(t, err)
	return sc
}

func checkedSettings() plb.Settings {
	s := plb.DefaultSettings()
	s.ConsistencyChecks = true
	return s
}

func node(t *testing.T, sc *scenario.Scenario, name string) plb.NodeID {
	t.Helper()
	id, ok := sc.Node(name)
	require.True(t, ok, name)
	return id
}

func TestReplay_Rolling_AcceptsAndDiscards(t *testing.T) {
	// GIVEN the rolling scenario: three accepts and two discarded probes
	sc := loadScenario(t, "rolling.yaml")
	base := tracker.NewTempState(sc.Arena, checkedSettings())
	before := base.Snapshot()

	// WHEN replayed
	res, err := Replay(context.Background(), base, sc.Steps, Options{Describe: sc.Describe})
	require.NoError(t, err)

	// THEN the counts follow the script
	assert.Equal(t, 5, res.Probes)
	assert.Equal(t, 2, res.Discarded)
	assert.Len(t, res.Accepted, 3)
	assert.Equal(t, 3, res.State.Depth())

	// AND node loads reflect only the accepted movements
	s := res.State
	assert.Equal(t, plb.LoadEntry{4, 2}, s.NodeLoads().Get(node(t, sc, "n1")))
	assert.Equal(t, plb.LoadEntry{6, 2}, s.NodeLoads().Get(node(t, sc, "n2")))
	assert.Equal(t, plb.LoadEntry{16, 6}, s.NodeLoads().Get(node(t, sc, "n3")))
	assert.Equal(t, plb.LoadEntry{11, 4}, s.NodeLoads().Get(node(t, sc, "n4")))
	assert.True(t, s.NodeLoads().Get(node(t, sc, "n5")).IsZero())

	// AND only the accepted add is in build
	assert.Equal(t, int64(1), s.InBuild().Get(node(t, sc, "n3")))
	assert.Equal(t, int64(0), s.InBuild().Get(node(t, sc, "n5")), "the discarded move to n5 left no trace")

	// AND reserved headroom follows the swapped application loads
	assert.Equal(t, int64(6), s.ReservedLoad().Get(node(t, sc, "n1")).Get(0))
	assert.Equal(t, int64(4), s.ReservedLoad().Get(node(t, sc, "n2")).Get(0))
	assert.Equal(t, int64(0), s.ReservedLoad().Get(node(t, sc, "n3")).Get(0))
	assert.Equal(t, int64(2), s.ReservedLoad().Get(node(t, sc, "n4")).Get(0))

	// AND the base state is untouched
	if diff := cmp.Diff(before, base.Snapshot()); diff != "" {
		t.Errorf("base changed (-before +after):\n%s", diff)
	}
}

func TestReplay_MaxChainDepth_FlattensWithoutChangingResult(t *testing.T) {
	// GIVEN the same script replayed with and without flattening
	sc := loadScenario(t, "rolling.yaml")
	deep, err := Replay(context.Background(), tracker.NewTempState(sc.Arena, plb.DefaultSettings()), sc.Steps, Options{})
	require.NoError(t, err)
	settings := plb.DefaultSettings()
	settings.MaxChainDepth = 1

	// WHEN every accept reaches the depth limit
	flat, err := Replay(context.Background(), tracker.NewTempState(sc.Arena, settings), sc.Steps, Options{})
	require.NoError(t, err)

	// THEN every accept flattens and the final state reads the same
	assert.Equal(t, 3, flat.Flattens)
	assert.Equal(t, 0, flat.State.Depth())
	assert.Equal(t, 0, deep.Flattens)
	if diff := cmp.Diff(deep.State.Snapshot(), flat.State.Snapshot()); diff != "" {
		t.Errorf("flattened state differs (-deep +flat):\n%s", diff)
	}
}

func TestReplay_RecordsTrace(t *testing.T) {
	sc := loadScenario(t, "rolling.yaml")
	tr := trace.NewPassTrace(trace.TraceConfig{Level: trace.TraceLevelDecisions})

	_, err := Replay(context.Background(), tracker.NewTempState(sc.Arena, plb.DefaultSettings()), sc.Steps,
		Options{Trace: tr, Describe: sc.Describe})
	require.NoError(t, err)

	require.Len(t, tr.Probes, 5)
	require.Len(t, tr.Accepts, 3)
	add := tr.Probes[0]
	assert.Equal(t, "Add(P1: p1-c -> n3)", add.Movement)
	assert.Equal(t, "n3", add.Target)
	assert.Equal(t, int64(6), add.LoadDelta)
	assert.Equal(t, int64(1), add.InBuildDelta)
	assert.True(t, add.Accepted)
	move := tr.Probes[1]
	assert.Equal(t, "n5", move.Target)
	assert.Equal(t, int64(6), move.LoadDelta)
	assert.Equal(t, int64(1), move.InBuildDelta)
	assert.False(t, move.Accepted)
	assert.Equal(t, []int{1, 2, 3}, []int{tr.Accepts[0].Depth, tr.Accepts[1].Depth, tr.Accepts[2].Depth})

	summary := trace.Summarize(tr)
	assert.Equal(t, 3, summary.AcceptedCount)
	assert.Equal(t, 2, summary.DiscardedCount)
	assert.Equal(t, int64(1), summary.InBuildStarted)
}

func TestReplay_InconsistentScript_ReturnsError(t *testing.T) {
	// GIVEN a move naming the wrong source node for p1-b
	sc := loadScenario(t, "rolling.yaml")
	p1, _ := sc.Partition("P1")
	pb, _ := sc.Replica("p1-b")
	steps := []scenario.Step{{Accept: true, Movement: plb.NewMove(sc.Arena, p1, pb, node(t, sc, "n1"), node(t, sc, "n5"))}}

	// WHEN replayed
	var err error
	require.NotPanics(t, func() {
		_, err = Replay(context.Background(), tracker.NewTempState(sc.Arena, plb.DefaultSettings()), steps, Options{Describe: sc.Describe})
	})

	// THEN the domain tracker's complaint comes back as an error
	require.Error(t, err)
	assert.ErrorContains(t, err, "step 0 Move(P1: p1-b n1 -> n5)")
}

func TestReplay_CanceledContext(t *testing.T) {
	sc := loadScenario(t, "rolling.yaml")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Replay(ctx, tracker.NewTempState(sc.Arena, plb.DefaultSettings()), sc.Steps, Options{})

	assert.ErrorIs(t, err, context.Canceled)
}
