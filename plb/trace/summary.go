package trace

// TraceSummary aggregates statistics from a PassTrace.
type TraceSummary struct {
	TotalProbes      int
	AcceptedCount    int
	DiscardedCount   int
	Flattens         int
	MaxDepth         int
	MeanLoadDelta    float64
	InBuildStarted   int64
	TypeDistribution map[string]int // movement type -> count of probes
}

// Summarize computes aggregate statistics from a PassTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(pt *PassTrace) *TraceSummary {
	summary := &TraceSummary{
		TypeDistribution: make(map[string]int),
	}
	if pt == nil {
		return summary
	}

	summary.TotalProbes = len(pt.Probes)
	var totalDelta int64
	for _, p := range pt.Probes {
		summary.TypeDistribution[p.Type]++
		if p.Accepted {
			summary.AcceptedCount++
			summary.InBuildStarted += p.InBuildDelta
		} else {
			summary.DiscardedCount++
		}
		totalDelta += p.LoadDelta
	}
	if len(pt.Probes) > 0 {
		summary.MeanLoadDelta = float64(totalDelta) / float64(len(pt.Probes))
	}

	for _, a := range pt.Accepts {
		if a.Flattened {
			summary.Flattens++
		}
		if a.Depth > summary.MaxDepth {
			summary.MaxDepth = a.Depth
		}
	}
	return summary
}
