// Package pass replays movement scripts against tracker states: serially, or
// one service domain per goroutine. It also self-checks the trackers with
// seeded random movements.
package pass

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/scenario"
	"github.com/inference-sim/plb/plb/trace"
	"github.com/inference-sim/plb/plb/tracker"
)

// Options configure a replay.
type Options struct {
	Domain   int
	Trace    *trace.PassTrace
	Describe func(plb.Movement) string // nil renders with Movement.String
}

func (o Options) describe(m plb.Movement) string {
	if o.Describe == nil {
		return m.String()
	}
	return o.Describe(m)
}

// Result is the outcome of replaying one script.
type Result struct {
	Domain    int
	State     *tracker.TempState
	Accepted  []plb.Movement
	Probes    int
	Discarded int
	Flattens  int
}

// Replay runs steps in order over base. Consecutive probes share one overlay
// and switch between candidates with ChangeMovement; an accept keeps the
// overlay as the new base and flattens the chain once it reaches the
// settings' MaxChainDepth. base itself is never modified.
//
// With ConsistencyChecks enabled, every discarded probe is verified to have
// left its base untouched, and the domain trees of the final state are
// checked.
func Replay(ctx context.Context, base *tracker.TempState, steps []scenario.Step, opts Options) (*Result, error) {
	settings := base.Settings()
	res := &Result{Domain: opts.Domain}
	cur := base
	var (
		scratch  *tracker.TempState
		prev     = plb.Invalid
		baseSnap tracker.Snapshot
	)
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := step.Movement
		if scratch == nil {
			if settings.ConsistencyChecks {
				baseSnap = cur.Snapshot()
			}
			scratch = cur.Derive()
		}
		logrus.Debugf("pass: domain %d step %d %s accept=%v", opts.Domain, i, opts.describe(m), step.Accept)
		if err := change(scratch, prev, m); err != nil {
			return nil, errors.Wrapf(err, "domain %d step %d %s", opts.Domain, i, opts.describe(m))
		}
		prev = m
		res.Probes++
		if opts.Trace.Enabled() {
			opts.Trace.RecordProbe(probeRecord(cur, scratch, m, i, opts, step.Accept))
		}

		if !step.Accept {
			res.Discarded++
			if settings.ConsistencyChecks {
				if diff := cmp.Diff(baseSnap, cur.Snapshot()); diff != "" {
					return nil, errors.AssertionFailedf("domain %d step %d: discarded probe changed its base (-before +after):\n%s", opts.Domain, i, diff)
				}
			}
			continue
		}

		cur, scratch, prev = scratch, nil, plb.Invalid
		res.Accepted = append(res.Accepted, m)
		flattened := false
		if settings.MaxChainDepth > 0 && cur.Depth() >= settings.MaxChainDepth {
			cur = cur.Flatten()
			flattened = true
			res.Flattens++
		}
		if opts.Trace.Enabled() {
			opts.Trace.RecordAccept(trace.AcceptRecord{
				Step:      i,
				Domain:    opts.Domain,
				Movement:  opts.describe(m),
				Depth:     cur.Depth(),
				Flattened: flattened,
			})
		}
	}
	if settings.ConsistencyChecks {
		if err := cur.CheckConsistency(); err != nil {
			return nil, errors.Wrapf(err, "domain %d", opts.Domain)
		}
	}
	res.State = cur
	return res, nil
}

func probeRecord(base, probe *tracker.TempState, m plb.Movement, step int, opts Options, accepted bool) trace.ProbeRecord {
	a := base.Arena()
	r := trace.ProbeRecord{
		Step:     step,
		Domain:   opts.Domain,
		Movement: opts.describe(m),
		Type:     m.Type.String(),
		Accepted: accepted,
	}
	if m.IsValid() {
		r.Partition = a.Partition(m.Partition).Key
	}
	if m.TargetNode != plb.NoNode {
		r.Target = a.Node(m.TargetNode).Name
		r.LoadDelta = probe.NodeLoads().Get(m.TargetNode).Sum() - base.NodeLoads().Get(m.TargetNode).Sum()
		r.InBuildDelta = probe.InBuild().Get(m.TargetNode) - base.InBuild().Get(m.TargetNode)
	}
	return r
}

// change runs ChangeMovement, returning a tracker panic as an error.
func change(s *tracker.TempState, old, new plb.Movement) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	s.ChangeMovement(old, new)
	return nil
}

func panicError(r interface{}) error {
	if e, ok := r.(error); ok {
		return e
	}
	return errors.Newf("%s", fmt.Sprint(r))
}
