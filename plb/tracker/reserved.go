package tracker

import (
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/cow"
)

// ApplicationReservedLoad tracks, per node, the capacity held back by
// application reservations beyond the load those applications actually place
// there. An application charges its reservation to a node only while it has
// at least one replica on it.
//
// The charge is a clamped function of the application's current load, so
// movements are accounted by removing the charge of every touched
// (application, node) pair, updating the underlying aggregates, and adding the
// recomputed charge back.
type ApplicationReservedLoad struct {
	arena *plb.Arena
	m     *cow.Map[plb.NodeID, plb.LoadEntry]
	// warnOnClamp logs a consistency warning when an add drives a value negative.
	warnOnClamp bool
}

// NewApplicationReservedLoad returns an empty tracker over arena.
func NewApplicationReservedLoad(arena *plb.Arena, consistencyChecks bool) *ApplicationReservedLoad {
	return &ApplicationReservedLoad{
		arena:       arena,
		m:           cow.New[plb.NodeID, plb.LoadEntry](nil, plb.LoadCloner(arena.MetricCount())),
		warnOnClamp: consistencyChecks,
	}
}

// Derive returns an overlay over r.
func (r *ApplicationReservedLoad) Derive() *ApplicationReservedLoad {
	return &ApplicationReservedLoad{arena: r.arena, m: r.m.Derive(), warnOnClamp: r.warnOnClamp}
}

// Flatten returns a base-less copy of r's merged view.
func (r *ApplicationReservedLoad) Flatten() *ApplicationReservedLoad {
	return &ApplicationReservedLoad{arena: r.arena, m: r.m.Flatten(), warnOnClamp: r.warnOnClamp}
}

// Get returns the reserved headroom on node. The result must not be modified.
func (r *ApplicationReservedLoad) Get(node plb.NodeID) plb.LoadEntry {
	if l := r.m.Get(node); l != nil {
		return l
	}
	return plb.NewLoadEntry(r.arena.MetricCount())
}

// Reader exposes the underlying map read-only.
func (r *ApplicationReservedLoad) Reader() cow.Reader[plb.NodeID, plb.LoadEntry] { return r.m }

// GetReservationDiff returns the headroom app charges for one metric given
// its actual load on a node.
func (r *ApplicationReservedLoad) GetReservationDiff(app plb.ApplicationID, metricIndex int, actualLoad int64) int64 {
	return r.arena.Application(app).ReservationDiff(metricIndex, actualLoad)
}

// UpdateReservedLoad adds (isAdd) or removes the current charge of app on node.
func (r *ApplicationReservedLoad) UpdateReservedLoad(app plb.ApplicationID, node plb.NodeID, isAdd bool,
	appLoads *ApplicationNodeLoads, appCounts *ApplicationNodeCount) {
	if appCounts.Get(app, node) == 0 {
		return
	}
	load := appLoads.Get(app, node)
	var entry plb.LoadEntry
	for i := 0; i < r.arena.MetricCount(); i++ {
		diff := r.GetReservationDiff(app, i, load.Get(i))
		if diff == 0 {
			continue
		}
		if entry == nil {
			entry = *r.m.GetMut(node)
		}
		if !isAdd {
			diff = -diff
		}
		v := entry[i] + diff
		if v < 0 {
			if isAdd && r.warnOnClamp {
				logrus.Warnf("ApplicationReservedLoad: reserved %s on node %d went negative (%d) while adding application %d",
					r.arena.MetricName(i), node, v, app)
			}
			v = 0
		}
		entry[i] = v
	}
	if entry != nil && entry.IsZero() {
		r.m.Reset(node)
	}
}

// appNode is one (application, node) pair touched by a movement.
type appNode struct {
	app  plb.ApplicationID
	node plb.NodeID
}

// touched returns the distinct (application, node) pairs of old and new
// whose application holds a reservation. At most four.
func (r *ApplicationReservedLoad) touched(old, new plb.Movement) []appNode {
	pairs := make([]appNode, 0, 4)
	for _, m := range [2]plb.Movement{old, new} {
		app := owningApplication(r.arena, m, (*plb.ApplicationEntry).HasReservation)
		if app == plb.NoApplication {
			continue
		}
		for _, node := range [2]plb.NodeID{m.SourceNode, m.TargetNode} {
			if node == plb.NoNode {
				continue
			}
			p := appNode{app: app, node: node}
			if !slices.Contains(pairs, p) {
				pairs = append(pairs, p)
			}
		}
	}
	return pairs
}

// ChangeMovement undoes old and applies new on appLoads and appCounts,
// keeping the reserved headroom of every touched node in step.
func (r *ApplicationReservedLoad) ChangeMovement(old, new plb.Movement, appLoads *ApplicationNodeLoads, appCounts *ApplicationNodeCount) {
	pairs := r.touched(old, new)
	for _, p := range pairs {
		r.UpdateReservedLoad(p.app, p.node, false, appLoads, appCounts)
	}
	appLoads.ChangeMovement(old, new)
	appCounts.ChangeMovement(old, new)
	for _, p := range pairs {
		r.UpdateReservedLoad(p.app, p.node, true, appLoads, appCounts)
	}
}
