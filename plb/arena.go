package plb

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
)

// Entity handles. Each handle is issued once by ArenaBuilder and stays valid
// for the lifetime of the Arena. The zero value of every handle means "none",
// so a zero Movement is the invalid movement.
type (
	NodeID        int32
	ApplicationID int32
	ServiceID     int32
	PartitionID   int32
	ReplicaID     int32
)

const (
	NoNode        NodeID        = 0
	NoApplication ApplicationID = 0
	NoService     ServiceID     = 0
	NoPartition   PartitionID   = 0
	NoReplica     ReplicaID     = 0
)

// ReplicaRole is the role a replica holds in its partition.
type ReplicaRole string

const (
	RoleNone      ReplicaRole = "none"
	RolePrimary   ReplicaRole = "primary"
	RoleSecondary ReplicaRole = "secondary"
)

// DomainPolicy controls how a service's replicas are spread over fault domains.
type DomainPolicy string

const (
	DomainPolicyNonPacking DomainPolicy = "nonpacking"
	DomainPolicyPacking    DomainPolicy = "packing"
	DomainPolicyIgnore     DomainPolicy = "ignore"
)

// validDomainPolicies maps accepted policy strings. Empty defaults to nonpacking.
var validDomainPolicies = map[DomainPolicy]bool{
	DomainPolicyNonPacking: true,
	DomainPolicyPacking:    true,
	DomainPolicyIgnore:     true,
	"":                     true,
}

// IsValidDomainPolicy returns true if policy is a recognized fault-domain policy.
func IsValidDomainPolicy(policy string) bool { return validDomainPolicies[DomainPolicy(policy)] }

// DomainPath locates a node in a fault-domain or upgrade-domain tree.
// Each segment is the child index at that depth, starting below the root.
// An empty path places the node directly at the root.
type DomainPath []int

func (p DomainPath) String() string {
	var sb strings.Builder
	for _, s := range p {
		fmt.Fprintf(&sb, "/%d", s)
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

func (p DomainPath) valid() bool {
	for _, s := range p {
		if s < 0 {
			return false
		}
	}
	return true
}

// NodeEntry is the static description of one cluster node.
type NodeEntry struct {
	ID            NodeID
	Name          string
	FaultDomain   DomainPath
	UpgradeDomain DomainPath
	Capacity      LoadEntry // indexed by global metric index; nil means unlimited
}

// ApplicationEntry describes application-level capacity governance.
type ApplicationEntry struct {
	ID              ApplicationID
	Name            string
	ScaleoutCount   int       // maximum number of nodes the application may use; 0 = unlimited
	PerNodeCapacity LoadEntry // per-node load cap, indexed by global metric index
	Reservation     LoadEntry // per-node capacity reserved while the application has replicas on the node
}

// HasScaleout reports whether the application limits the number of nodes it spans.
func (a *ApplicationEntry) HasScaleout() bool { return a.ScaleoutCount > 0 }

// HasReservation reports whether any metric carries a per-node reservation.
func (a *ApplicationEntry) HasReservation() bool { return !a.Reservation.IsZero() }

// HasPerNodeCapacity reports whether the application declares any per-node
// capacity. A reservation is a per-node capacity declaration as well, since it
// is charged against the application's per-node load.
func (a *ApplicationEntry) HasPerNodeCapacity() bool {
	return !a.PerNodeCapacity.IsZero() || a.HasReservation()
}

// HasScaleoutOrCapacity reports whether the application is tracked by the
// application-level placement and count trackers.
func (a *ApplicationEntry) HasScaleoutOrCapacity() bool {
	return a.HasScaleout() || a.HasPerNodeCapacity()
}

// ReservationDiff returns the headroom the application's reservation charges
// to a node for one metric, given the application's actual load there.
// Zero when the load already meets or exceeds the reservation.
func (a *ApplicationEntry) ReservationDiff(metricIndex int, actualLoad int64) int64 {
	reserved := a.Reservation.Get(metricIndex)
	if reserved > actualLoad {
		return reserved - actualLoad
	}
	return 0
}

// ServiceEntry describes one service.
type ServiceEntry struct {
	ID                  ServiceID
	Name                string
	Application         ApplicationID
	IsStateful          bool
	OnEveryNode         bool
	FaultDomainPolicy   DomainPolicy
	GlobalMetricIndices []int // service metric i -> global metric index
}

// PartitionEntry describes one partition and the replicas known for it.
type PartitionEntry struct {
	ID                   PartitionID
	Key                  string // stable external identity (uuid)
	Service              ServiceID
	Replicas             []ReplicaID // existing replicas first, then new ones
	ExistingReplicaCount int
	existingOnNode       map[NodeID]ReplicaID
}

// ExistingReplicaOn returns the existing replica of the partition placed on
// node in the original placement, or NoReplica.
func (p *PartitionEntry) ExistingReplicaOn(node NodeID) ReplicaID {
	if r, ok := p.existingOnNode[node]; ok {
		return r
	}
	return NoReplica
}

// PlacementReplica is the static description of one replica.
type PlacementReplica struct {
	ID               ReplicaID
	Name             string
	Partition        PartitionID
	Role             ReplicaRole
	Node             NodeID  // NoNode for new replicas
	Loads            []int64 // per service metric
	IsNew            bool
	IsMovable        bool
	ShouldDisappear  bool // slated for deletion; excluded from placement accounting
	IsMoveInProgress bool // mid-relocation; excluded from domain accounting
	IsToBeDropped    bool
	globalLoad       LoadEntry
}

// IsPrimary reports whether the replica holds the primary role.
func (r *PlacementReplica) IsPrimary() bool { return r.Role == RolePrimary }

// IsSecondary reports whether the replica holds the secondary role.
func (r *PlacementReplica) IsSecondary() bool { return r.Role == RoleSecondary }

// Arena owns every entity of one scheduling pass. It is immutable once built
// and safe for concurrent reads.
type Arena struct {
	metrics      []string
	metricIndex  map[string]int
	nodes        []NodeEntry
	applications []ApplicationEntry
	services     []ServiceEntry
	partitions   []PartitionEntry
	replicas     []PlacementReplica
}

// MetricCount returns the number of global metrics.
func (a *Arena) MetricCount() int { return len(a.metrics) }

// MetricName returns the name of a global metric.
func (a *Arena) MetricName(index int) string { return a.metrics[index] }

// MetricIndex returns the global index of a metric name.
func (a *Arena) MetricIndex(name string) (int, bool) {
	i, ok := a.metricIndex[name]
	return i, ok
}

// NodeCount returns the number of nodes.
func (a *Arena) NodeCount() int { return len(a.nodes) }

// Node returns the node for a handle. Panics on NoNode or an unknown handle.
func (a *Arena) Node(id NodeID) *NodeEntry { return &a.nodes[id-1] }

// Application returns the application for a handle.
func (a *Arena) Application(id ApplicationID) *ApplicationEntry { return &a.applications[id-1] }

// Service returns the service for a handle.
func (a *Arena) Service(id ServiceID) *ServiceEntry { return &a.services[id-1] }

// Partition returns the partition for a handle.
func (a *Arena) Partition(id PartitionID) *PartitionEntry { return &a.partitions[id-1] }

// Replica returns the replica for a handle.
func (a *Arena) Replica(id ReplicaID) *PlacementReplica { return &a.replicas[id-1] }

// Nodes returns all node handles in issue order.
func (a *Arena) Nodes() []NodeID {
	ids := make([]NodeID, len(a.nodes))
	for i := range a.nodes {
		ids[i] = a.nodes[i].ID
	}
	return ids
}

// Applications returns all application handles in issue order.
func (a *Arena) Applications() []ApplicationID {
	ids := make([]ApplicationID, len(a.applications))
	for i := range a.applications {
		ids[i] = a.applications[i].ID
	}
	return ids
}

// Services returns all service handles in issue order.
func (a *Arena) Services() []ServiceID {
	ids := make([]ServiceID, len(a.services))
	for i := range a.services {
		ids[i] = a.services[i].ID
	}
	return ids
}

// Partitions returns all partition handles in issue order.
func (a *Arena) Partitions() []PartitionID {
	ids := make([]PartitionID, len(a.partitions))
	for i := range a.partitions {
		ids[i] = a.partitions[i].ID
	}
	return ids
}

// ServiceOf returns the service owning a partition.
func (a *Arena) ServiceOf(p PartitionID) *ServiceEntry {
	return a.Service(a.Partition(p).Service)
}

// ApplicationOf returns the application owning a partition, or NoApplication.
func (a *Arena) ApplicationOf(p PartitionID) ApplicationID {
	return a.ServiceOf(p).Application
}

// ReplicaLoad returns the replica's load expanded to global metric indices.
// The returned entry is shared and must not be modified. NoReplica yields nil.
func (a *Arena) ReplicaLoad(r ReplicaID) LoadEntry {
	if r == NoReplica {
		return nil
	}
	return a.replicas[r-1].globalLoad
}

// ServiceDomains groups services into independent domains: services of the
// same application share node-capacity accounting and land in one domain,
// every service without an application forms its own. Domains are ordered by
// their lowest service handle.
func (a *Arena) ServiceDomains() [][]ServiceID {
	byApp := make(map[ApplicationID]int)
	var domains [][]ServiceID
	for i := range a.services {
		svc := &a.services[i]
		if svc.Application != NoApplication {
			if idx, ok := byApp[svc.Application]; ok {
				domains[idx] = append(domains[idx], svc.ID)
				continue
			}
			byApp[svc.Application] = len(domains)
		}
		domains = append(domains, []ServiceID{svc.ID})
	}
	return domains
}

// ArenaBuilder assembles an Arena. Entities are added in dependency order
// (metrics, nodes, applications, services, partitions, replicas); Build
// validates every cross reference and returns all problems found.
type ArenaBuilder struct {
	arena Arena
}

// NewArenaBuilder creates an empty builder.
func NewArenaBuilder() *ArenaBuilder {
	return &ArenaBuilder{arena: Arena{metricIndex: make(map[string]int)}}
}

// AddMetric registers a global metric and returns its index. Registering the
// same name twice returns the existing index.
func (b *ArenaBuilder) AddMetric(name string) int {
	if i, ok := b.arena.metricIndex[name]; ok {
		return i
	}
	b.arena.metricIndex[name] = len(b.arena.metrics)
	b.arena.metrics = append(b.arena.metrics, name)
	return len(b.arena.metrics) - 1
}

// AddNode registers a node. The ID field of n is ignored.
func (b *ArenaBuilder) AddNode(n NodeEntry) NodeID {
	n.ID = NodeID(len(b.arena.nodes) + 1)
	b.arena.nodes = append(b.arena.nodes, n)
	return n.ID
}

// AddApplication registers an application. The ID field of app is ignored.
func (b *ArenaBuilder) AddApplication(app ApplicationEntry) ApplicationID {
	app.ID = ApplicationID(len(b.arena.applications) + 1)
	b.arena.applications = append(b.arena.applications, app)
	return app.ID
}

// AddService registers a service. The ID field of svc is ignored.
func (b *ArenaBuilder) AddService(svc ServiceEntry) ServiceID {
	svc.ID = ServiceID(len(b.arena.services) + 1)
	if svc.FaultDomainPolicy == "" {
		svc.FaultDomainPolicy = DomainPolicyNonPacking
	}
	b.arena.services = append(b.arena.services, svc)
	return svc.ID
}

// AddPartition registers a partition of service. Replicas are attached with AddReplica.
func (b *ArenaBuilder) AddPartition(service ServiceID, key string) PartitionID {
	id := PartitionID(len(b.arena.partitions) + 1)
	b.arena.partitions = append(b.arena.partitions, PartitionEntry{
		ID:             id,
		Key:            key,
		Service:        service,
		existingOnNode: make(map[NodeID]ReplicaID),
	})
	return id
}

// AddReplica registers a replica. The ID field of r is ignored; r.Partition
// must name an already added partition.
func (b *ArenaBuilder) AddReplica(r PlacementReplica) ReplicaID {
	r.ID = ReplicaID(len(b.arena.replicas) + 1)
	if r.Role == "" {
		r.Role = RoleNone
	}
	b.arena.replicas = append(b.arena.replicas, r)
	return r.ID
}

// Build validates the assembled entities and returns the Arena. The builder
// must not be used afterwards.
func (b *ArenaBuilder) Build() (*Arena, error) {
	a := &b.arena
	var errs error
	m := len(a.metrics)

	for i := range a.nodes {
		n := &a.nodes[i]
		if len(n.Capacity) > m {
			errs = multierr.Append(errs, errors.Newf("node %q: capacity has %d metrics, arena has %d", n.Name, len(n.Capacity), m))
		}
		if !n.FaultDomain.valid() {
			errs = multierr.Append(errs, errors.Newf("node %q: negative segment in fault domain %s", n.Name, n.FaultDomain))
		}
		if !n.UpgradeDomain.valid() {
			errs = multierr.Append(errs, errors.Newf("node %q: negative segment in upgrade domain %s", n.Name, n.UpgradeDomain))
		}
	}
	for i := range a.applications {
		app := &a.applications[i]
		if app.ScaleoutCount < 0 {
			errs = multierr.Append(errs, errors.Newf("application %q: scaleout must be >= 0, got %d", app.Name, app.ScaleoutCount))
		}
		app.PerNodeCapacity = app.PerNodeCapacity.Resized(m)
		app.Reservation = app.Reservation.Resized(m)
		for j := 0; j < m; j++ {
			if app.Reservation[j] < 0 || app.PerNodeCapacity[j] < 0 {
				errs = multierr.Append(errs, errors.Newf("application %q: negative capacity for metric %q", app.Name, a.metrics[j]))
			}
		}
	}
	for i := range a.services {
		svc := &a.services[i]
		if svc.Application < NoApplication || int(svc.Application) > len(a.applications) {
			errs = multierr.Append(errs, errors.Newf("service %q: unknown application %d", svc.Name, svc.Application))
		}
		if !validDomainPolicies[svc.FaultDomainPolicy] {
			errs = multierr.Append(errs, errors.Newf("service %q: unknown fault domain policy %q", svc.Name, svc.FaultDomainPolicy))
		}
		for _, gi := range svc.GlobalMetricIndices {
			if gi < 0 || gi >= m {
				errs = multierr.Append(errs, errors.Newf("service %q: metric index %d out of range", svc.Name, gi))
			}
		}
	}
	for i := range a.partitions {
		p := &a.partitions[i]
		if p.Service <= NoService || int(p.Service) > len(a.services) {
			errs = multierr.Append(errs, errors.Newf("partition %d: unknown service %d", p.ID, p.Service))
		}
	}
	if errs != nil {
		return nil, errs
	}

	for i := range a.replicas {
		r := &a.replicas[i]
		if r.Partition <= NoPartition || int(r.Partition) > len(a.partitions) {
			errs = multierr.Append(errs, errors.Newf("replica %q: unknown partition %d", r.Name, r.Partition))
			continue
		}
		if r.Node < NoNode || int(r.Node) > len(a.nodes) {
			errs = multierr.Append(errs, errors.Newf("replica %q: unknown node %d", r.Name, r.Node))
			continue
		}
		if r.IsNew && r.Node != NoNode {
			errs = multierr.Append(errs, errors.Newf("replica %q: new replicas cannot already be placed", r.Name))
			continue
		}
		if !r.IsNew && r.Node == NoNode {
			errs = multierr.Append(errs, errors.Newf("replica %q: existing replica has no node", r.Name))
			continue
		}
		svc := a.ServiceOf(r.Partition)
		if len(r.Loads) > len(svc.GlobalMetricIndices) {
			errs = multierr.Append(errs, errors.Newf("replica %q: %d loads for %d service metrics", r.Name, len(r.Loads), len(svc.GlobalMetricIndices)))
			continue
		}
		r.globalLoad = NewLoadEntry(m)
		for j, v := range r.Loads {
			if v < 0 {
				errs = multierr.Append(errs, errors.Newf("replica %q: negative load %d", r.Name, v))
			}
			r.globalLoad[svc.GlobalMetricIndices[j]] += v
		}

		p := a.Partition(r.Partition)
		p.Replicas = append(p.Replicas, r.ID)
		if !r.IsNew {
			if prev, ok := p.existingOnNode[r.Node]; ok {
				errs = multierr.Append(errs, errors.Newf("replica %q: node %q already hosts replica %q of the same partition",
					r.Name, a.Node(r.Node).Name, a.Replica(prev).Name))
				continue
			}
			p.existingOnNode[r.Node] = r.ID
			p.ExistingReplicaCount++
		}
	}
	for i := range a.partitions {
		p := &a.partitions[i]
		// Existing replicas first keeps ExistingReplicaOn and Replicas in the same order.
		slices.SortStableFunc(p.Replicas, func(x, y ReplicaID) int {
			return boolRank(a.Replica(x).IsNew) - boolRank(a.Replica(y).IsNew)
		})
		primaries := 0
		for _, rid := range p.Replicas {
			if r := a.Replica(rid); !r.IsNew && r.IsPrimary() {
				primaries++
			}
		}
		if primaries > 1 {
			errs = multierr.Append(errs, errors.Newf("partition %d: %d existing primaries", p.ID, primaries))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return a, nil
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
