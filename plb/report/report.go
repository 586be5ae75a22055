// Package report aggregates a tracker state into a read-only end-of-pass
// summary of load balance and capacity bookkeeping.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/inference-sim/plb/plb/tracker"
)

// MetricBalance summarizes one metric's load over all nodes.
type MetricBalance struct {
	Metric string
	Total  int64
	Mean   float64
	StdDev float64 // sample standard deviation; 0 with fewer than two nodes
	// CV is StdDev / Mean, the usual imbalance figure; 0 when Mean is 0.
	CV       float64
	Max      int64
	MaxNode  string
	Reserved int64 // reserved headroom summed over nodes
}

// ApplicationSpread reports how many nodes an application uses.
type ApplicationSpread struct {
	Application string
	Nodes       int
	Scaleout    int // 0 = unlimited
}

// Report is the end-of-pass summary of one state.
type Report struct {
	Nodes        int
	Metrics      []MetricBalance
	InBuild      map[string]int64 // node name -> in-build replicas, non-zero only
	InBuildTotal int64
	Applications []ApplicationSpread
}

// Build computes the report of s. It only reads s.
func Build(s *tracker.TempState) *Report {
	a := s.Arena()
	nodes := a.Nodes()
	r := &Report{Nodes: len(nodes), InBuild: make(map[string]int64)}

	for mi := 0; mi < a.MetricCount(); mi++ {
		mb := MetricBalance{Metric: a.MetricName(mi), Max: math.MinInt64}
		xs := make([]float64, 0, len(nodes))
		for _, n := range nodes {
			v := s.NodeLoads().Get(n).Get(mi)
			xs = append(xs, float64(v))
			mb.Total += v
			if v > mb.Max {
				mb.Max, mb.MaxNode = v, a.Node(n).Name
			}
			mb.Reserved += s.ReservedLoad().Get(n).Get(mi)
		}
		if len(xs) == 0 {
			mb.Max = 0
		}
		mb.Mean, mb.StdDev = meanStdDev(xs)
		if mb.Mean != 0 {
			mb.CV = mb.StdDev / mb.Mean
		}
		r.Metrics = append(r.Metrics, mb)
	}

	for _, n := range nodes {
		if c := s.InBuild().Get(n); c != 0 {
			r.InBuild[a.Node(n).Name] = c
			r.InBuildTotal += c
		}
	}

	for _, app := range a.Applications() {
		entry := a.Application(app)
		if !entry.HasScaleoutOrCapacity() {
			continue
		}
		r.Applications = append(r.Applications, ApplicationSpread{
			Application: entry.Name,
			Nodes:       s.ApplicationNodeCount().NodeCount(app),
			Scaleout:    entry.ScaleoutCount,
		})
	}
	return r
}

func meanStdDev(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// Print writes the report in the same aligned layout as the CLI's other output.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Placement Report ===")
	fmt.Fprintf(w, "Nodes                : %d\n", r.Nodes)
	for _, m := range r.Metrics {
		fmt.Fprintf(w, "Metric %-14s: total %d, mean %.2f, stddev %.2f, cv %.3f, max %d on %s, reserved %d\n",
			m.Metric, m.Total, m.Mean, m.StdDev, m.CV, m.Max, m.MaxNode, m.Reserved)
	}
	fmt.Fprintf(w, "In-build replicas    : %d\n", r.InBuildTotal)
	names := make([]string, 0, len(r.InBuild))
	for n := range r.InBuild {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-19s: %d\n", n, r.InBuild[n])
	}
	for _, app := range r.Applications {
		limit := "unlimited"
		if app.Scaleout > 0 {
			limit = fmt.Sprintf("%d", app.Scaleout)
		}
		fmt.Fprintf(w, "Application %-9s: %d nodes (scaleout %s)\n", app.Application, app.Nodes, limit)
	}
}
