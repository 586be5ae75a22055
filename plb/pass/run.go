package pass

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/scenario"
	"github.com/inference-sim/plb/plb/trace"
	"github.com/inference-sim/plb/plb/tracker"
)

// RunOptions configure a concurrent run.
type RunOptions struct {
	// Parallel caps the number of domains replayed at once; <= 0 runs every
	// domain at once.
	Parallel int
	Trace    *trace.PassTrace
	Describe func(plb.Movement) string
}

// SplitSteps groups steps by the service domain of their partition, keeping
// script order within each domain. domains is arena.ServiceDomains().
func SplitSteps(arena *plb.Arena, domains [][]plb.ServiceID, steps []scenario.Step) [][]scenario.Step {
	domainOf := make(map[plb.ServiceID]int)
	for i, d := range domains {
		for _, svc := range d {
			domainOf[svc] = i
		}
	}
	out := make([][]scenario.Step, len(domains))
	for _, s := range steps {
		i := domainOf[arena.Partition(s.Movement.Partition).Service]
		out[i] = append(out[i], s)
	}
	return out
}

// Run replays steps with one goroutine per service domain. Domains own
// disjoint partitions and applications, so each replays on its own state
// built from the shared arena. Results are returned in domain order; domains
// without steps are skipped. The first failing domain cancels the others.
func Run(ctx context.Context, arena *plb.Arena, settings plb.Settings, steps []scenario.Step, opts RunOptions) ([]*Result, error) {
	domains := arena.ServiceDomains()
	perDomain := SplitSteps(arena, domains, steps)
	results := make([]*Result, len(domains))
	traces := make([]*trace.PassTrace, len(domains))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		g.SetLimit(opts.Parallel)
	}
	for i := range domains {
		if len(perDomain[i]) == 0 {
			continue
		}
		if opts.Trace.Enabled() {
			traces[i] = trace.NewPassTrace(opts.Trace.Config)
		}
		g.Go(func() error {
			base := tracker.NewTempState(arena, settings)
			res, err := Replay(gctx, base, perDomain[i], Options{Domain: i, Trace: traces[i], Describe: opts.Describe})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(results))
	for i, res := range results {
		if res == nil {
			continue
		}
		if opts.Trace.Enabled() {
			opts.Trace.Merge(traces[i])
		}
		out = append(out, res)
	}
	return out, nil
}

// Combine applies every accepted movement of results, in domain order, onto
// a fresh state over arena. Movements of different domains commute, so the
// combined state equals a serial replay of the same script.
func Combine(arena *plb.Arena, settings plb.Settings, results []*Result) (*tracker.TempState, error) {
	s := tracker.NewTempState(arena, settings)
	for _, res := range results {
		for _, m := range res.Accepted {
			if err := change(s, plb.Invalid, m); err != nil {
				return nil, errors.Wrapf(err, "domain %d: combining %s", res.Domain, m)
			}
		}
	}
	return s, nil
}
