// Package scenario loads cluster scenarios from YAML: the nodes, applications,
// services, partitions and replicas of one pass, plus a script of movements to
// probe or accept against them. It also generates random valid movements for
// self-checking the trackers.
package scenario

import (
	"bytes"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Step actions.
const (
	ActionProbe  = "probe"
	ActionAccept = "accept"
)

var validActions = map[string]bool{
	ActionProbe:  true,
	ActionAccept: true,
	"":           true, // empty defaults to probe
}

var validRoles = map[string]bool{
	"primary":   true,
	"secondary": true,
	"none":      true,
	"":          true, // empty defaults to none
}

// Spec is the top-level scenario file. Loaded from YAML via Load(path).
type Spec struct {
	Name         string            `yaml:"name"`
	Metrics      []string          `yaml:"metrics"`
	Nodes        []NodeSpec        `yaml:"nodes"`
	Applications []ApplicationSpec `yaml:"applications,omitempty"`
	Services     []ServiceSpec     `yaml:"services"`
	Partitions   []PartitionSpec   `yaml:"partitions"`
	Steps        []StepSpec        `yaml:"steps,omitempty"`
}

// NodeSpec describes one node. Domains are slash-separated paths such as
// "/dc0/rack1"; an empty path places the node at the tree root.
type NodeSpec struct {
	Name          string           `yaml:"name"`
	FaultDomain   string           `yaml:"fault_domain"`
	UpgradeDomain string           `yaml:"upgrade_domain"`
	Capacity      map[string]int64 `yaml:"capacity,omitempty"`
}

// ApplicationSpec describes application-level capacity governance.
type ApplicationSpec struct {
	Name            string           `yaml:"name"`
	Scaleout        int              `yaml:"scaleout,omitempty"`
	PerNodeCapacity map[string]int64 `yaml:"per_node_capacity,omitempty"`
	Reservation     map[string]int64 `yaml:"reservation,omitempty"`
}

// ServiceSpec describes a service. Metrics lists the global metrics the
// service reports, in service-local order.
type ServiceSpec struct {
	Name              string   `yaml:"name"`
	Application       string   `yaml:"application,omitempty"`
	Stateful          bool     `yaml:"stateful"`
	OnEveryNode       bool     `yaml:"on_every_node,omitempty"`
	FaultDomainPolicy string   `yaml:"fault_domain_policy,omitempty"`
	Metrics           []string `yaml:"metrics"`
}

// PartitionSpec describes one partition. Key must be a UUID when set; when
// empty a stable key is derived from the service and partition names.
type PartitionSpec struct {
	Name     string        `yaml:"name"`
	Service  string        `yaml:"service"`
	Key      string        `yaml:"key,omitempty"`
	Replicas []ReplicaSpec `yaml:"replicas"`
}

// ReplicaSpec describes one replica. A replica without a node is new.
type ReplicaSpec struct {
	Name            string           `yaml:"name"`
	Role            string           `yaml:"role"`
	Node            string           `yaml:"node,omitempty"`
	Loads           map[string]int64 `yaml:"loads,omitempty"`
	Pinned          bool             `yaml:"pinned,omitempty"`
	ShouldDisappear bool             `yaml:"should_disappear,omitempty"`
	MoveInProgress  bool             `yaml:"move_in_progress,omitempty"`
	ToBeDropped     bool             `yaml:"to_be_dropped,omitempty"`
}

// StepSpec is one scripted movement. Which of the replica and node fields are
// required depends on Type:
//
//	Swap           replica@from <-> target_replica@to
//	Move           replica from -> to
//	Add            replica -> to
//	AddAndPromote  replica -> to
//	Promote        target_replica@to, optionally demoting replica@from
//	Void           from
//	Drop           replica@from
type StepSpec struct {
	Action        string `yaml:"action"`
	Type          string `yaml:"type"`
	Partition     string `yaml:"partition"`
	Replica       string `yaml:"replica,omitempty"`
	TargetReplica string `yaml:"target_replica,omitempty"`
	From          string `yaml:"from,omitempty"`
	To            string `yaml:"to,omitempty"`
	ForUpgrade    bool   `yaml:"for_upgrade,omitempty"`
}

// LoadSpec reads and parses a YAML scenario file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading scenario")
	}
	return ParseSpec(data)
}

// ParseSpec parses a scenario from YAML bytes.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return nil, errors.Wrap(err, "parsing scenario")
	}
	return &spec, nil
}

// Load reads, validates and builds a scenario file.
func Load(path string) (*Scenario, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}
	sc, err := Build(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "scenario %s", path)
	}
	return sc, nil
}
