// Package trace provides decision-trace recording for replayed passes.
// This package has no dependencies on plb/ or plb/tracker/; it stores pure data types.
package trace

// ProbeRecord captures a single probed movement and its effect on the target node.
type ProbeRecord struct {
	Step      int
	Domain    int
	Movement  string
	Type      string
	Partition string
	Target    string // target node name; empty when the movement has none
	// LoadDelta is the change of the target node's summed load across metrics.
	LoadDelta int64
	// InBuildDelta is the change of the target node's in-build count.
	InBuildDelta int64
	Accepted     bool
}

// AcceptRecord captures a probe kept as the new base.
type AcceptRecord struct {
	Step      int
	Domain    int
	Movement  string
	Depth     int  // overlay depth of the new base
	Flattened bool // the chain was collapsed after this accept
}
