package trace

import "slices"

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures every probe and accept.
	TraceLevelDecisions TraceLevel = "decisions"
)

var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// PassTrace collects decision records during a replay. Not safe for
// concurrent use; concurrent domains record into their own trace and Merge.
type PassTrace struct {
	Config  TraceConfig
	Probes  []ProbeRecord
	Accepts []AcceptRecord
}

// NewPassTrace creates a PassTrace ready for recording.
func NewPassTrace(config TraceConfig) *PassTrace {
	return &PassTrace{
		Config:  config,
		Probes:  make([]ProbeRecord, 0),
		Accepts: make([]AcceptRecord, 0),
	}
}

// Enabled reports whether records are kept. Safe on a nil trace.
func (pt *PassTrace) Enabled() bool {
	return pt != nil && pt.Config.Level == TraceLevelDecisions
}

// RecordProbe appends a probe record.
func (pt *PassTrace) RecordProbe(record ProbeRecord) {
	pt.Probes = append(pt.Probes, record)
}

// RecordAccept appends an accept record.
func (pt *PassTrace) RecordAccept(record AcceptRecord) {
	pt.Accepts = append(pt.Accepts, record)
}

// Merge appends other's records and re-sorts by (Domain, Step).
func (pt *PassTrace) Merge(other *PassTrace) {
	if other == nil {
		return
	}
	pt.Probes = append(pt.Probes, other.Probes...)
	pt.Accepts = append(pt.Accepts, other.Accepts...)
	slices.SortStableFunc(pt.Probes, func(a, b ProbeRecord) int {
		if a.Domain != b.Domain {
			return a.Domain - b.Domain
		}
		return a.Step - b.Step
	})
	slices.SortStableFunc(pt.Accepts, func(a, b AcceptRecord) int {
		if a.Domain != b.Domain {
			return a.Domain - b.Domain
		}
		return a.Step - b.Step
	})
}
