package pass

import (
	"context"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/scenario"
	"github.com/inference-sim/plb/plb/tracker"
)

// SelfCheckOptions configure a self-check.
type SelfCheckOptions struct {
	Key      plb.PassKey
	Probes   int // random movements drawn per service domain
	Parallel int // <= 0 checks every domain at once
	// AcceptOneIn accepts on average one probe in N as the next base; <= 0 never accepts.
	AcceptOneIn int
}

// SelfCheckResult counts what a self-check exercised.
type SelfCheckResult struct {
	Probes   int
	Switches int
	Accepted int
}

type domainCheck struct {
	domain int
	gen    *scenario.Generator
	decide *rand.Rand
	result SelfCheckResult
}

// SelfCheck draws seeded random legal movements per service domain and
// verifies, for each one:
//   - applying then undoing it on a derived overlay leaves every tracker
//     reading exactly as its base;
//   - switching from it to another candidate with ChangeMovement gives the
//     same state as probing that candidate directly.
//
// Some probes are accepted as the next base, after which the domain trees
// are checked for consistency. The same key, scenario and options always
// draw the same movements.
func SelfCheck(ctx context.Context, arena *plb.Arena, settings plb.Settings, opts SelfCheckOptions) (*SelfCheckResult, error) {
	rng := plb.NewPartitionedRNG(opts.Key)
	decisions := rng.ForSubsystem(plb.SubsystemDecisions)
	var checks []*domainCheck
	for i, services := range arena.ServiceDomains() {
		checks = append(checks, &domainCheck{
			domain: i,
			gen:    scenario.NewGenerator(arena, rng.ForSubsystem(plb.SubsystemDomain(i)), services),
			decide: rand.New(rand.NewSource(decisions.Int63())),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		g.SetLimit(opts.Parallel)
	}
	for _, c := range checks {
		g.Go(func() error {
			return c.run(gctx, arena, settings, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := &SelfCheckResult{}
	for _, c := range checks {
		total.Probes += c.result.Probes
		total.Switches += c.result.Switches
		total.Accepted += c.result.Accepted
	}
	return total, nil
}

func (c *domainCheck) run(ctx context.Context, arena *plb.Arena, settings plb.Settings, opts SelfCheckOptions) error {
	cur := tracker.NewTempState(arena, settings)
	want := cur.Snapshot()
	for i := 0; i < opts.Probes; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, ok := c.gen.Next(cur)
		if !ok {
			logrus.Debugf("selfcheck: domain %d has no legal movement after %d probes", c.domain, i)
			return nil
		}
		fail := func(err error) error {
			return errors.Wrapf(err, "domain %d probe %d %s", c.domain, i, m)
		}

		s := cur.Derive()
		if err := change(s, plb.Invalid, m); err != nil {
			return fail(err)
		}
		if err := change(s, m, plb.Invalid); err != nil {
			return fail(err)
		}
		if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
			return fail(errors.AssertionFailedf("apply then undo changed the state (-base +after):\n%s", diff))
		}
		c.result.Probes++

		if alt, ok := c.gen.Next(cur); ok {
			switched := cur.Derive()
			if err := change(switched, plb.Invalid, m); err != nil {
				return fail(err)
			}
			if err := change(switched, m, alt); err != nil {
				return fail(err)
			}
			direct := cur.Derive()
			if err := change(direct, plb.Invalid, alt); err != nil {
				return fail(err)
			}
			if diff := cmp.Diff(direct.Snapshot(), switched.Snapshot()); diff != "" {
				return fail(errors.AssertionFailedf("switching to %s differs from probing it directly (-direct +switched):\n%s", alt, diff))
			}
			c.result.Switches++
		}

		if opts.AcceptOneIn <= 0 || c.decide.Intn(opts.AcceptOneIn) != 0 {
			continue
		}
		next := cur.Derive()
		if err := change(next, plb.Invalid, m); err != nil {
			return fail(err)
		}
		cur = next
		if settings.MaxChainDepth > 0 && cur.Depth() >= settings.MaxChainDepth {
			cur = cur.Flatten()
		}
		if err := cur.CheckConsistency(); err != nil {
			return fail(err)
		}
		want = cur.Snapshot()
		c.result.Accepted++
	}
	return nil
}
