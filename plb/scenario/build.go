package scenario

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/inference-sim/plb/plb"
)

// keyNamespace seeds partition keys derived from names.
var keyNamespace = uuid.MustParse("5f1d0c1e-3a57-4c1b-9d43-0d4b6b3e2a10")

// Scenario is a built scenario: the arena of one pass and its movement script.
type Scenario struct {
	Name  string
	Arena *plb.Arena
	Steps []Step

	nodes          map[string]plb.NodeID
	partitions     map[string]plb.PartitionID
	replicas       map[string]plb.ReplicaID
	partitionNames []string
}

// Step is one resolved scripted movement.
type Step struct {
	Accept   bool
	Movement plb.Movement
}

// Node returns the handle of a node by name.
func (sc *Scenario) Node(name string) (plb.NodeID, bool) {
	id, ok := sc.nodes[name]
	return id, ok
}

// Partition returns the handle of a partition by name.
func (sc *Scenario) Partition(name string) (plb.PartitionID, bool) {
	id, ok := sc.partitions[name]
	return id, ok
}

// Replica returns the handle of a replica by name.
func (sc *Scenario) Replica(name string) (plb.ReplicaID, bool) {
	id, ok := sc.replicas[name]
	return id, ok
}

// PartitionName returns the scenario name of a partition.
func (sc *Scenario) PartitionName(id plb.PartitionID) string {
	return sc.partitionNames[id-1]
}

// Describe renders m with scenario names instead of handles.
func (sc *Scenario) Describe(m plb.Movement) string {
	a := sc.Arena
	node := func(id plb.NodeID) string {
		if id == plb.NoNode {
			return "-"
		}
		return a.Node(id).Name
	}
	replica := func(id plb.ReplicaID) string {
		if id == plb.NoReplica {
			return "-"
		}
		return a.Replica(id).Name
	}
	if !m.IsValid() {
		return m.Type.String()
	}
	p := sc.PartitionName(m.Partition)
	switch m.Type {
	case plb.MovementSwap:
		return fmt.Sprintf("Swap(%s: %s@%s <-> %s@%s)", p, replica(m.SourceOrNewReplica), node(m.SourceNode), replica(m.TargetReplica), node(m.TargetNode))
	case plb.MovementMove:
		return fmt.Sprintf("Move(%s: %s %s -> %s)", p, replica(m.SourceOrNewReplica), node(m.SourceNode), node(m.TargetNode))
	case plb.MovementPromote:
		if m.SourceOrNewReplica == plb.NoReplica {
			return fmt.Sprintf("Promote(%s: %s@%s)", p, replica(m.TargetReplica), node(m.TargetNode))
		}
		return fmt.Sprintf("Promote(%s: %s@%s, demote %s@%s)", p, replica(m.TargetReplica), node(m.TargetNode), replica(m.SourceOrNewReplica), node(m.SourceNode))
	case plb.MovementVoid:
		return fmt.Sprintf("Void(%s: %s)", p, node(m.SourceNode))
	case plb.MovementDrop:
		return fmt.Sprintf("Drop(%s: %s@%s)", p, replica(m.SourceOrNewReplica), node(m.SourceNode))
	default:
		return fmt.Sprintf("%s(%s: %s -> %s)", m.Type, p, replica(m.SourceOrNewReplica), node(m.TargetNode))
	}
}

// Build validates spec and assembles its arena and steps. Every problem found
// is reported; step problems are only looked for once the arena is valid.
func Build(spec *Spec) (*Scenario, error) {
	sc := &Scenario{
		Name:       spec.Name,
		nodes:      make(map[string]plb.NodeID),
		partitions: make(map[string]plb.PartitionID),
		replicas:   make(map[string]plb.ReplicaID),
	}
	b := plb.NewArenaBuilder()
	var errs error
	fail := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, errors.Newf(format, args...))
	}

	metrics := make(map[string]int, len(spec.Metrics))
	for _, name := range spec.Metrics {
		if _, dup := metrics[name]; dup {
			fail("metric %q declared twice", name)
			continue
		}
		metrics[name] = b.AddMetric(name)
	}
	loadEntry := func(owner string, values map[string]int64) plb.LoadEntry {
		if len(values) == 0 {
			return nil
		}
		l := plb.NewLoadEntry(len(spec.Metrics))
		for name, v := range values {
			i, ok := metrics[name]
			if !ok {
				fail("%s: unknown metric %q", owner, name)
				continue
			}
			l[i] = v
		}
		return l
	}

	faults, upgrades := newDomainNames(), newDomainNames()
	for i, n := range spec.Nodes {
		owner := fmt.Sprintf("nodes[%d] %q", i, n.Name)
		if n.Name == "" {
			fail("nodes[%d]: name is required", i)
			continue
		}
		if _, dup := sc.nodes[n.Name]; dup {
			fail("%s: duplicate node name", owner)
			continue
		}
		sc.nodes[n.Name] = b.AddNode(plb.NodeEntry{
			Name:          n.Name,
			FaultDomain:   faults.Intern(n.FaultDomain),
			UpgradeDomain: upgrades.Intern(n.UpgradeDomain),
			Capacity:      loadEntry(owner, n.Capacity),
		})
	}

	apps := make(map[string]plb.ApplicationID, len(spec.Applications))
	for i, a := range spec.Applications {
		owner := fmt.Sprintf("applications[%d] %q", i, a.Name)
		if _, dup := apps[a.Name]; dup || a.Name == "" {
			fail("%s: application names must be unique and non-empty", owner)
			continue
		}
		apps[a.Name] = b.AddApplication(plb.ApplicationEntry{
			Name:            a.Name,
			ScaleoutCount:   a.Scaleout,
			PerNodeCapacity: loadEntry(owner, a.PerNodeCapacity),
			Reservation:     loadEntry(owner, a.Reservation),
		})
	}

	services := make(map[string]plb.ServiceID, len(spec.Services))
	serviceMetrics := make(map[string]map[string]int, len(spec.Services))
	for i, s := range spec.Services {
		owner := fmt.Sprintf("services[%d] %q", i, s.Name)
		if _, dup := services[s.Name]; dup || s.Name == "" {
			fail("%s: service names must be unique and non-empty", owner)
			continue
		}
		app := plb.NoApplication
		if s.Application != "" {
			id, ok := apps[s.Application]
			if !ok {
				fail("%s: unknown application %q", owner, s.Application)
				continue
			}
			app = id
		}
		if !plb.IsValidDomainPolicy(s.FaultDomainPolicy) {
			fail("%s: unknown fault_domain_policy %q; valid: nonpacking, packing, ignore, or empty", owner, s.FaultDomainPolicy)
			continue
		}
		local := make(map[string]int, len(s.Metrics))
		global := make([]int, 0, len(s.Metrics))
		for _, name := range s.Metrics {
			gi, ok := metrics[name]
			if !ok {
				fail("%s: unknown metric %q", owner, name)
				continue
			}
			local[name] = len(global)
			global = append(global, gi)
		}
		serviceMetrics[s.Name] = local
		services[s.Name] = b.AddService(plb.ServiceEntry{
			Name:                s.Name,
			Application:         app,
			IsStateful:          s.Stateful,
			OnEveryNode:         s.OnEveryNode,
			FaultDomainPolicy:   plb.DomainPolicy(s.FaultDomainPolicy),
			GlobalMetricIndices: global,
		})
	}

	for i, p := range spec.Partitions {
		owner := fmt.Sprintf("partitions[%d] %q", i, p.Name)
		if _, dup := sc.partitions[p.Name]; dup || p.Name == "" {
			fail("%s: partition names must be unique and non-empty", owner)
			continue
		}
		svc, ok := services[p.Service]
		if !ok {
			fail("%s: unknown service %q", owner, p.Service)
			continue
		}
		key := uuid.NewSHA1(keyNamespace, []byte(p.Service+"/"+p.Name)).String()
		if p.Key != "" {
			u, err := uuid.Parse(p.Key)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "%s: key", owner))
				continue
			}
			key = u.String()
		}
		if len(p.Replicas) == 0 {
			logrus.Warnf("scenario: %s has no replicas", owner)
		}
		pid := b.AddPartition(svc, key)
		sc.partitions[p.Name] = pid
		sc.partitionNames = append(sc.partitionNames, p.Name)

		local := serviceMetrics[p.Service]
		for j, r := range p.Replicas {
			rowner := fmt.Sprintf("%s replicas[%d] %q", owner, j, r.Name)
			if _, dup := sc.replicas[r.Name]; dup || r.Name == "" {
				fail("%s: replica names must be unique and non-empty", rowner)
				continue
			}
			if !validRoles[r.Role] {
				fail("%s: unknown role %q; valid: primary, secondary, none", rowner, r.Role)
				continue
			}
			node := plb.NoNode
			if r.Node != "" {
				id, ok := sc.nodes[r.Node]
				if !ok {
					fail("%s: unknown node %q", rowner, r.Node)
					continue
				}
				node = id
			}
			loads := make([]int64, len(local))
			for name, v := range r.Loads {
				k, ok := local[name]
				if !ok {
					fail("%s: metric %q is not reported by service %q", rowner, name, p.Service)
					continue
				}
				loads[k] = v
			}
			if r.Pinned && r.MoveInProgress {
				logrus.Warnf("scenario: %s is pinned but marked move-in-progress", rowner)
			}
			sc.replicas[r.Name] = b.AddReplica(plb.PlacementReplica{
				Name:             r.Name,
				Partition:        pid,
				Role:             plb.ReplicaRole(r.Role),
				Node:             node,
				Loads:            loads,
				IsNew:            node == plb.NoNode,
				IsMovable:        !r.Pinned,
				ShouldDisappear:  r.ShouldDisappear,
				IsMoveInProgress: r.MoveInProgress,
				IsToBeDropped:    r.ToBeDropped,
			})
		}
	}
	if errs != nil {
		return nil, errs
	}

	arena, err := b.Build()
	if err != nil {
		return nil, err
	}
	sc.Arena = arena

	for i, s := range spec.Steps {
		step, err := sc.resolveStep(i, s)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sc.Steps = append(sc.Steps, step)
	}
	if errs != nil {
		return nil, errs
	}
	return sc, nil
}

// resolveStep turns a scripted step into a Movement. Illegal combinations are
// reported as errors instead of the constructors' panics.
func (sc *Scenario) resolveStep(i int, s StepSpec) (step Step, err error) {
	prefix := fmt.Sprintf("steps[%d]", i)
	if !validActions[s.Action] {
		return Step{}, errors.Newf("%s: unknown action %q; valid: probe, accept", prefix, s.Action)
	}
	t, ok := plb.ParseMovementType(s.Type)
	if !ok || t == plb.MovementNone {
		return Step{}, errors.Newf("%s: unknown movement type %q", prefix, s.Type)
	}
	pid, ok := sc.partitions[s.Partition]
	if !ok {
		return Step{}, errors.Newf("%s: unknown partition %q", prefix, s.Partition)
	}

	var lookupErr error
	node := func(name string) plb.NodeID {
		if name == "" {
			return plb.NoNode
		}
		id, ok := sc.nodes[name]
		if !ok {
			lookupErr = multierr.Append(lookupErr, errors.Newf("%s: unknown node %q", prefix, name))
		}
		return id
	}
	replica := func(name string) plb.ReplicaID {
		if name == "" {
			return plb.NoReplica
		}
		id, ok := sc.replicas[name]
		if !ok {
			lookupErr = multierr.Append(lookupErr, errors.Newf("%s: unknown replica %q", prefix, name))
		}
		return id
	}
	from, to := node(s.From), node(s.To)
	r, target := replica(s.Replica), replica(s.TargetReplica)
	if lookupErr != nil {
		return Step{}, lookupErr
	}

	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = errors.Wrapf(e, "%s", prefix)
				return
			}
			err = errors.Newf("%s: %v", prefix, rec)
		}
	}()
	a := sc.Arena
	var m plb.Movement
	switch t {
	case plb.MovementSwap:
		m = plb.NewSwap(a, pid, r, from, target, to, s.ForUpgrade)
	case plb.MovementMove:
		m = plb.NewMove(a, pid, r, from, to)
	case plb.MovementAdd:
		m = plb.NewAdd(a, pid, r, to)
	case plb.MovementAddAndPromote:
		m = plb.NewAddAndPromote(a, pid, r, to)
	case plb.MovementPromote:
		m = plb.NewPromote(a, pid, r, from, target, to)
	case plb.MovementVoid:
		m = plb.NewVoid(a, pid, from)
	case plb.MovementDrop:
		m = plb.NewDrop(a, pid, r, from)
	}
	return Step{Accept: s.Action == ActionAccept, Movement: m}, nil
}
