package tracker

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/cow"
)

// TempState bundles every tracker for one candidate placement.
//
// A search loop keeps one accepted TempState as its base. To try candidates
// it calls Derive and feeds ChangeMovement(previous, candidate) into the
// overlay; to keep the last candidate it uses the overlay as the next base,
// to drop it it simply derives again. A TempState that has been derived from
// is frozen: any ChangeMovement that writes to it panics.
type TempState struct {
	arena    *plb.Arena
	settings plb.Settings

	placement      *PartitionPlacement
	appPlacement   *ApplicationPlacement
	faultDomains   *PartitionDomainStructure
	upgradeDomains *PartitionDomainStructure
	nodeLoads      *NodeMetrics
	appLoads       *ApplicationNodeLoads
	appCounts      *ApplicationNodeCount
	reserved       *ApplicationReservedLoad
	inBuild        *InBuildCountPerNode

	depth int
}

// NewTempState returns a state seeded with the arena's existing placement.
// Replicas that should disappear are left out everywhere; move-in-progress
// replicas are left out of the domain trees.
func NewTempState(arena *plb.Arena, settings plb.Settings) *TempState {
	s := &TempState{
		arena:          arena,
		settings:       settings,
		placement:      NewPartitionPlacement(arena),
		appPlacement:   NewApplicationPlacement(arena),
		faultDomains:   NewPartitionDomainStructure(arena, FaultDomains),
		upgradeDomains: NewPartitionDomainStructure(arena, UpgradeDomains),
		nodeLoads:      NewNodeMetrics(arena),
		appLoads:       NewApplicationNodeLoads(arena),
		appCounts:      NewApplicationNodeCount(arena),
		reserved:       NewApplicationReservedLoad(arena, settings.ConsistencyChecks),
		inBuild:        NewInBuildCountPerNode(arena),
	}

	seeded := 0
	for _, pid := range arena.Partitions() {
		p := arena.Partition(pid)
		app := arena.ApplicationOf(pid)
		var appEntry *plb.ApplicationEntry
		if app != plb.NoApplication {
			appEntry = arena.Application(app)
		}
		for _, rid := range p.Replicas {
			r := arena.Replica(rid)
			if r.IsNew || r.ShouldDisappear {
				continue
			}
			s.placement.AddReplica(pid, r.Node, rid)
			s.nodeLoads.AddReplica(r.Node, rid)
			if appEntry != nil && appEntry.HasScaleoutOrCapacity() {
				s.appPlacement.AddReplica(app, r.Node, rid)
				s.appCounts.AddReplica(app, r.Node, rid)
			}
			if appEntry != nil && appEntry.HasPerNodeCapacity() {
				s.appLoads.AddReplica(app, r.Node, rid)
			}
			if !r.IsMoveInProgress {
				if s.faultDomains.Tracks(pid) {
					s.faultDomains.AddReplica(pid, r.Node, rid)
				}
				if s.upgradeDomains.Tracks(pid) {
					s.upgradeDomains.AddReplica(pid, r.Node, rid)
				}
			}
			seeded++
		}
	}
	for _, app := range arena.Applications() {
		if !arena.Application(app).HasReservation() {
			continue
		}
		for _, node := range arena.Nodes() {
			s.reserved.UpdateReservedLoad(app, node, true, s.appLoads, s.appCounts)
		}
	}
	logrus.Debugf("TempState: seeded %d replicas over %d nodes", seeded, arena.NodeCount())
	return s
}

// Arena returns the entity graph the state is built on.
func (s *TempState) Arena() *plb.Arena { return s.arena }

// Settings returns the tracker toggles.
func (s *TempState) Settings() plb.Settings { return s.settings }

// Depth returns the number of bases below s.
func (s *TempState) Depth() int { return s.depth }

// Derive opens an overlay over s and freezes s.
func (s *TempState) Derive() *TempState {
	return &TempState{
		arena:          s.arena,
		settings:       s.settings,
		placement:      s.placement.Derive(),
		appPlacement:   s.appPlacement.Derive(),
		faultDomains:   s.faultDomains.Derive(),
		upgradeDomains: s.upgradeDomains.Derive(),
		nodeLoads:      s.nodeLoads.Derive(),
		appLoads:       s.appLoads.Derive(),
		appCounts:      s.appCounts.Derive(),
		reserved:       s.reserved.Derive(),
		inBuild:        s.inBuild.Derive(),
		depth:          s.depth + 1,
	}
}

// Flatten collapses the overlay chain below s into a single base-less state.
func (s *TempState) Flatten() *TempState {
	return &TempState{
		arena:          s.arena,
		settings:       s.settings,
		placement:      s.placement.Flatten(),
		appPlacement:   s.appPlacement.Flatten(),
		faultDomains:   s.faultDomains.Flatten(),
		upgradeDomains: s.upgradeDomains.Flatten(),
		nodeLoads:      s.nodeLoads.Flatten(),
		appLoads:       s.appLoads.Flatten(),
		appCounts:      s.appCounts.Flatten(),
		reserved:       s.reserved.Flatten(),
		inBuild:        s.inBuild.Flatten(),
	}
}

// ChangeMovement undoes old and applies new on every enabled tracker.
func (s *TempState) ChangeMovement(old, new plb.Movement) {
	logrus.Debugf("TempState: change %s -> %s", old, new)
	s.placement.ChangeMovement(old, new)
	s.appPlacement.ChangeMovement(old, new)
	if s.settings.TrackFaultDomains {
		s.faultDomains.ChangeMovement(old, new)
	}
	if s.settings.TrackUpgradeDomains {
		s.upgradeDomains.ChangeMovement(old, new)
	}
	s.nodeLoads.ChangeMovement(old, new)
	if s.settings.TrackReservations {
		s.reserved.ChangeMovement(old, new, s.appLoads, s.appCounts)
	} else {
		s.appLoads.ChangeMovement(old, new)
		s.appCounts.ChangeMovement(old, new)
	}
	if s.settings.TrackInBuild {
		s.inBuild.ChangeMovement(old, new)
	}
}

// Probe derives an overlay over s with m applied. Keep the result as the
// next base to accept m, or drop it to discard m.
func (s *TempState) Probe(m plb.Movement) *TempState {
	d := s.Derive()
	d.ChangeMovement(plb.Invalid, m)
	return d
}

// Placement returns the partition placement tracker.
func (s *TempState) Placement() *PartitionPlacement { return s.placement }

// ApplicationPlacement returns the application placement tracker.
func (s *TempState) ApplicationPlacement() *ApplicationPlacement { return s.appPlacement }

// FaultDomains returns the fault-domain structure.
func (s *TempState) FaultDomains() *PartitionDomainStructure { return s.faultDomains }

// UpgradeDomains returns the upgrade-domain structure.
func (s *TempState) UpgradeDomains() *PartitionDomainStructure { return s.upgradeDomains }

// NodeLoads returns the cluster-wide node load tracker.
func (s *TempState) NodeLoads() *NodeMetrics { return s.nodeLoads }

// ApplicationNodeLoads returns the per-application node load tracker.
func (s *TempState) ApplicationNodeLoads() *ApplicationNodeLoads { return s.appLoads }

// ApplicationNodeCount returns the per-application replica count tracker.
func (s *TempState) ApplicationNodeCount() *ApplicationNodeCount { return s.appCounts }

// ReservedLoad returns the reservation headroom tracker.
func (s *TempState) ReservedLoad() *ApplicationReservedLoad { return s.reserved }

// InBuild returns the in-build count tracker.
func (s *TempState) InBuild() *InBuildCountPerNode { return s.inBuild }

// CheckConsistency verifies every domain tree of s and reports all failures.
func (s *TempState) CheckConsistency() error {
	var errs error
	for _, pid := range s.arena.Partitions() {
		errs = multierr.Append(errs, s.faultDomains.CheckConsistency(pid))
		errs = multierr.Append(errs, s.upgradeDomains.CheckConsistency(pid))
	}
	s.reserved.Reader().Range(func(node plb.NodeID, l plb.LoadEntry) bool {
		for i, v := range l {
			if v < 0 {
				errs = multierr.Append(errs, errors.Newf("reserved %s on node %d is negative: %d", s.arena.MetricName(i), node, v))
			}
		}
		return true
	})
	return errs
}

// Snapshot is a plain-value copy of every aggregate in a TempState. Empty
// entries are omitted, so two states with the same logical content produce
// equal snapshots regardless of their overlay history.
type Snapshot struct {
	Placement     map[plb.PartitionID]map[plb.NodeID][]plb.ReplicaID
	AppPlacement  map[plb.ApplicationID]map[plb.NodeID][]plb.ReplicaID
	FaultCounts   map[plb.PartitionID]map[string]int
	FaultLeaves   map[plb.PartitionID]map[string][]plb.ReplicaID
	UpgradeCounts map[plb.PartitionID]map[string]int
	UpgradeLeaves map[plb.PartitionID]map[string][]plb.ReplicaID
	NodeLoads     map[plb.NodeID][]int64
	AppLoads      map[plb.ApplicationID]map[plb.NodeID][]int64
	AppCounts     map[plb.ApplicationID]map[plb.NodeID]int
	Reserved      map[plb.NodeID][]int64
	InBuild       map[plb.NodeID]int64
}

// Snapshot copies the merged view of every tracker.
func (s *TempState) Snapshot() Snapshot {
	snap := Snapshot{
		Placement:     make(map[plb.PartitionID]map[plb.NodeID][]plb.ReplicaID),
		AppPlacement:  make(map[plb.ApplicationID]map[plb.NodeID][]plb.ReplicaID),
		FaultCounts:   make(map[plb.PartitionID]map[string]int),
		FaultLeaves:   make(map[plb.PartitionID]map[string][]plb.ReplicaID),
		UpgradeCounts: make(map[plb.PartitionID]map[string]int),
		UpgradeLeaves: make(map[plb.PartitionID]map[string][]plb.ReplicaID),
		AppLoads:      make(map[plb.ApplicationID]map[plb.NodeID][]int64),
		AppCounts:     make(map[plb.ApplicationID]map[plb.NodeID]int),
		NodeLoads:     snapshotLoads(s.nodeLoads.Reader()),
		Reserved:      snapshotLoads(s.reserved.Reader()),
		InBuild:       make(map[plb.NodeID]int64),
	}
	s.placement.Reader().Range(func(pid plb.PartitionID, rp ReplicaPlacement) bool {
		if v := snapshotPlacement(rp); len(v) > 0 {
			snap.Placement[pid] = v
		}
		return true
	})
	for _, app := range s.arena.Applications() {
		if v := snapshotSets(s.appPlacement.Get(app)); len(v) > 0 {
			snap.AppPlacement[app] = v
		}
		if r := s.appLoads.Nodes(app); r != nil {
			if v := snapshotLoads(r); len(v) > 0 {
				snap.AppLoads[app] = v
			}
		}
	}
	s.faultDomains.Reader().Range(func(pid plb.PartitionID, t *DomainTree) bool {
		if c := t.Counts(); len(c) > 0 {
			snap.FaultCounts[pid] = c
			snap.FaultLeaves[pid] = t.Leaves()
		}
		return true
	})
	s.upgradeDomains.Reader().Range(func(pid plb.PartitionID, t *DomainTree) bool {
		if c := t.Counts(); len(c) > 0 {
			snap.UpgradeCounts[pid] = c
			snap.UpgradeLeaves[pid] = t.Leaves()
		}
		return true
	})
	s.appCounts.Reader().Range(func(app plb.ApplicationID, counts map[plb.NodeID]int) bool {
		out := make(map[plb.NodeID]int)
		for n, c := range counts {
			if c != 0 {
				out[n] = c
			}
		}
		if len(out) > 0 {
			snap.AppCounts[app] = out
		}
		return true
	})
	s.inBuild.Reader().Range(func(n plb.NodeID, v int64) bool {
		if v != 0 {
			snap.InBuild[n] = v
		}
		return true
	})
	return snap
}

func snapshotLoads(r cow.Reader[plb.NodeID, plb.LoadEntry]) map[plb.NodeID][]int64 {
	out := make(map[plb.NodeID][]int64)
	r.Range(func(n plb.NodeID, l plb.LoadEntry) bool {
		if !l.IsZero() {
			out[n] = []int64(l.Clone())
		}
		return true
	})
	return out
}
