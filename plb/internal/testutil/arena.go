// Package testutil provides shared test infrastructure for the placement
// core. It consolidates arena fixtures, scenario file lookup and assertion
// helpers used across plb/ sub-package tests.
package testutil

import (
	"math"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/inference-sim/plb/plb"
)

// Fixture builds a small arena by name. Every entity is registered under the
// name the test uses to refer to it later.
type Fixture struct {
	B            *plb.ArenaBuilder
	Nodes        map[string]plb.NodeID
	Applications map[string]plb.ApplicationID
	Services     map[string]plb.ServiceID
	Partitions   map[string]plb.PartitionID
	Replicas     map[string]plb.ReplicaID
}

// NewFixture registers the given metrics in order.
func NewFixture(metrics ...string) *Fixture {
	f := &Fixture{
		B:            plb.NewArenaBuilder(),
		Nodes:        make(map[string]plb.NodeID),
		Applications: make(map[string]plb.ApplicationID),
		Services:     make(map[string]plb.ServiceID),
		Partitions:   make(map[string]plb.PartitionID),
		Replicas:     make(map[string]plb.ReplicaID),
	}
	for _, m := range metrics {
		f.B.AddMetric(m)
	}
	return f
}

// Node adds a node with the given fault and upgrade domain paths.
func (f *Fixture) Node(name string, fd, ud plb.DomainPath) plb.NodeID {
	id := f.B.AddNode(plb.NodeEntry{Name: name, FaultDomain: fd, UpgradeDomain: ud})
	f.Nodes[name] = id
	return id
}

// App adds an application.
func (f *Fixture) App(app plb.ApplicationEntry) plb.ApplicationID {
	id := f.B.AddApplication(app)
	f.Applications[app.Name] = id
	return id
}

// Service adds a stateful service of app reporting every global metric.
func (f *Fixture) Service(name string, app plb.ApplicationID, metricCount int) plb.ServiceID {
	return f.ServiceEntry(plb.ServiceEntry{Name: name, Application: app, IsStateful: true, GlobalMetricIndices: Indices(metricCount)})
}

// ServiceEntry adds a fully specified service.
func (f *Fixture) ServiceEntry(svc plb.ServiceEntry) plb.ServiceID {
	id := f.B.AddService(svc)
	f.Services[svc.Name] = id
	return id
}

// Partition adds a partition of svc.
func (f *Fixture) Partition(name string, svc plb.ServiceID) plb.PartitionID {
	id := f.B.AddPartition(svc, name)
	f.Partitions[name] = id
	return id
}

// Replica adds an existing, movable replica of p on node.
func (f *Fixture) Replica(name string, p plb.PartitionID, role plb.ReplicaRole, node plb.NodeID, loads ...int64) plb.ReplicaID {
	return f.ReplicaEntry(plb.PlacementReplica{Name: name, Partition: p, Role: role, Node: node, IsMovable: true, Loads: loads})
}

// NewReplica adds a new, unplaced replica of p.
func (f *Fixture) NewReplica(name string, p plb.PartitionID, role plb.ReplicaRole, loads ...int64) plb.ReplicaID {
	return f.ReplicaEntry(plb.PlacementReplica{Name: name, Partition: p, Role: role, IsNew: true, IsMovable: true, Loads: loads})
}

// ReplicaEntry adds a fully specified replica.
func (f *Fixture) ReplicaEntry(r plb.PlacementReplica) plb.ReplicaID {
	id := f.B.AddReplica(r)
	f.Replicas[r.Name] = id
	return id
}

// Build builds the arena, failing the test on error.
func (f *Fixture) Build(t *testing.T) *plb.Arena {
	t.Helper()
	a, err := f.B.Build()
	if err != nil {
		t.Fatalf("building arena: %v", err)
	}
	return a
}

// Indices returns 0..n-1.
func Indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Load builds a LoadEntry from values.
func Load(values ...int64) plb.LoadEntry { return plb.LoadEntry(values) }

// ScenarioPath resolves a file under the repository's testdata/scenarios directory.
// The path is resolved relative to this source file: plb/internal/testutil/ -> testdata/.
func ScenarioPath(t *testing.T, name string) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", "scenarios", name)
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}
