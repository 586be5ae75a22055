package scenario

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/internal/testutil"
)

func mustLoad(t *testing.T, name string) *Scenario {
	t.Helper()
	sc, err := Load(testutil.ScenarioPath(t, name))
	require.NoError(t, err)
	return sc
}

func TestLoad_Rolling_BuildsArena(t *testing.T) {
	// GIVEN the rolling scenario
	sc := mustLoad(t, "rolling.yaml")
	a := sc.Arena

	// THEN every entity is registered
	assert.Equal(t, "rolling", sc.Name)
	assert.Equal(t, 2, a.MetricCount())
	assert.Len(t, a.Nodes(), 5)
	assert.Len(t, a.Services(), 2)
	assert.Len(t, a.Partitions(), 3)

	// AND domain names are interned per parent in order of appearance
	n3, _ := sc.Node("n3")
	n5, _ := sc.Node("n5")
	assert.Equal(t, plb.DomainPath{1, 0}, a.Node(n3).FaultDomain)
	assert.Equal(t, plb.DomainPath{1, 1}, a.Node(n5).FaultDomain)
	assert.Equal(t, plb.DomainPath{2}, a.Node(n5).UpgradeDomain)

	// AND replica flags follow the file
	c, _ := sc.Replica("p1-c")
	assert.True(t, a.Replica(c).IsNew)
	assert.True(t, a.Replica(c).IsMovable)
	mip, _ := sc.Replica("p2-b")
	assert.True(t, a.Replica(mip).IsMoveInProgress)

	// AND service-local loads land on global metrics
	c1, _ := sc.Replica("c1-a")
	assert.Equal(t, plb.LoadEntry{3, 0}, a.ReplicaLoad(c1))
}

func TestLoad_Rolling_PartitionKeys(t *testing.T) {
	sc := mustLoad(t, "rolling.yaml")
	again := mustLoad(t, "rolling.yaml")

	p1, _ := sc.Partition("P1")
	p2, _ := sc.Partition("P2")
	assert.Equal(t, "0b6c2f3e-8d1a-4f7e-9c55-2a7d3e9b1c40", sc.Arena.Partition(p2).Key)
	_, err := uuid.Parse(sc.Arena.Partition(p1).Key)
	assert.NoError(t, err, "derived keys are UUIDs")
	assert.Equal(t, sc.Arena.Partition(p1).Key, again.Arena.Partition(p1).Key, "derived keys are stable")
	assert.NotEqual(t, sc.Arena.Partition(p1).Key, sc.Arena.Partition(p2).Key)
}

func TestLoad_Rolling_ResolvesSteps(t *testing.T) {
	sc := mustLoad(t, "rolling.yaml")

	require.Len(t, sc.Steps, 5)
	assert.True(t, sc.Steps[0].Accept)
	assert.False(t, sc.Steps[1].Accept)
	assert.Equal(t, plb.MovementAdd, sc.Steps[0].Movement.Type)
	assert.Equal(t, "Add(P1: p1-c -> n3)", sc.Describe(sc.Steps[0].Movement))
	assert.Equal(t, "Move(P1: p1-b n2 -> n5)", sc.Describe(sc.Steps[1].Movement))
	assert.Equal(t, "Swap(P1: p1-a@n1 <-> p1-b@n2)", sc.Describe(sc.Steps[2].Movement))
	assert.Equal(t, "Drop(P2: p2-b@n4)", sc.Describe(sc.Steps[3].Movement))
	assert.Equal(t, "None", sc.Describe(plb.Invalid))
}

const base = `
name: broken
metrics: [cpu]
nodes:
  - {name: n1}
  - {name: n2}
services:
  - {name: s, stateful: true, metrics: [cpu]}
partitions:
  - name: P
    service: s
    replicas:
      - {name: r1, role: primary, node: n1, loads: {cpu: 1}}
      - {name: r2, role: secondary, node: n2, loads: {cpu: 1}}
      - {name: r3, role: secondary, loads: {cpu: 1}}
`

func buildYAML(t *testing.T, doc string) (*Scenario, error) {
	t.Helper()
	spec, err := ParseSpec([]byte(doc))
	require.NoError(t, err)
	return Build(spec)
}

func TestBuild_ReportsEveryProblem(t *testing.T) {
	// GIVEN a file with several independent mistakes
	doc := `
metrics: [cpu, cpu]
nodes:
  - {name: n1, capacity: {disk: 5}}
  - {name: n1}
services:
  - {name: s, application: ghost, metrics: [cpu]}
  - {name: t, fault_domain_policy: spread, metrics: [cpu]}
partitions:
  - {name: P, service: s, replicas: []}
`
	// WHEN built
	_, err := buildYAML(t, doc)

	// THEN all of them are reported
	require.Error(t, err)
	assert.GreaterOrEqual(t, len(multierr.Errors(err)), 5)
	assert.ErrorContains(t, err, `metric "cpu" declared twice`)
	assert.ErrorContains(t, err, `unknown metric "disk"`)
	assert.ErrorContains(t, err, "duplicate node name")
	assert.ErrorContains(t, err, `unknown application "ghost"`)
	assert.ErrorContains(t, err, "unknown fault_domain_policy")
}

func TestBuild_ReplicaProblems(t *testing.T) {
	doc := base + `
  - name: Q
    service: s
    key: not-a-uuid
    replicas: []
  - name: R
    service: s
    replicas:
      - {name: x1, role: leader, node: n1}
      - {name: x2, role: primary, node: n9}
      - {name: x3, role: primary, node: n1, loads: {mem: 1}}
`
	_, err := buildYAML(t, doc)

	require.Error(t, err)
	assert.ErrorContains(t, err, "key")
	assert.ErrorContains(t, err, `unknown role "leader"`)
	assert.ErrorContains(t, err, `unknown node "n9"`)
	assert.ErrorContains(t, err, `metric "mem" is not reported`)
}

func TestBuild_IllegalStep_ReturnsErrorInsteadOfPanicking(t *testing.T) {
	// GIVEN steps that name unknown entities or build illegal movements
	doc := base + `
steps:
  - {type: Swap, partition: P, replica: r2, from: n2, target_replica: r3, to: n1}
  - {type: Add, partition: P, replica: r1, to: n2}
  - {type: Move, partition: P, replica: r9, from: n1, to: n2}
  - {type: Teleport, partition: P}
  - {action: maybe, type: Void, partition: P, from: n1}
  - {type: Void, partition: Z, from: n1}
  - {action: accept, type: Void, partition: P, from: n1}
`
	// WHEN built
	var err error
	require.NotPanics(t, func() { _, err = buildYAML(t, doc) })

	// THEN each bad step is reported with its position
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 6)
	assert.ErrorContains(t, err, "steps[0]")
	assert.ErrorContains(t, err, "share role")
	assert.ErrorContains(t, err, "is not new")
	assert.ErrorContains(t, err, `unknown replica "r9"`)
	assert.ErrorContains(t, err, `unknown movement type "Teleport"`)
	assert.ErrorContains(t, err, `unknown action "maybe"`)
	assert.ErrorContains(t, err, `unknown partition "Z"`)
}

func TestParseSpec_RejectsUnknownFields(t *testing.T) {
	_, err := ParseSpec([]byte("name: x\nnodez: []\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(testutil.ScenarioPath(t, "does-not-exist.yaml"))
	assert.ErrorContains(t, err, "reading scenario")
}

func TestDomainNames_Intern(t *testing.T) {
	d := newDomainNames()
	assert.Equal(t, plb.DomainPath{0, 0}, d.Intern("/dc0/r0"))
	assert.Equal(t, plb.DomainPath{0, 1}, d.Intern("dc0/r1"))
	assert.Equal(t, plb.DomainPath{1, 0}, d.Intern("/dc1/r0/"))
	assert.Equal(t, plb.DomainPath{0, 0}, d.Intern("/dc0/r0"))
	assert.Nil(t, d.Intern(""))
	assert.Nil(t, d.Intern("/"))
}
