package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/pass"
	"github.com/inference-sim/plb/plb/report"
	"github.com/inference-sim/plb/plb/scenario"
	"github.com/inference-sim/plb/plb/trace"
	"github.com/inference-sim/plb/plb/tracker"
)

var (
	replayParallel int    // Max service domains replayed at once
	replaySerial   bool   // Replay on a single state instead of per domain
	traceLevel     string // Decision trace verbosity
)

var replayCmd = &cobra.Command{
	Use:   "replay <scenario.yaml>",
	Short: "Replay a scenario's movement script and report the resulting placement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		return replayScenario(cmd.Context(), cmd.OutOrStdout(), args[0], settings, replayConfig{
			Parallel: replayParallel,
			Serial:   replaySerial,
			Trace:    traceLevel,
		})
	},
}

type replayConfig struct {
	Parallel int
	Serial   bool
	Trace    string
}

func replayScenario(ctx context.Context, w io.Writer, path string, settings plb.Settings, cfg replayConfig) error {
	if !trace.IsValidTraceLevel(cfg.Trace) {
		return errors.Newf("unknown trace level %q (valid: none, decisions)", cfg.Trace)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}
	var tr *trace.PassTrace
	if trace.TraceLevel(cfg.Trace) == trace.TraceLevelDecisions {
		tr = trace.NewPassTrace(trace.TraceConfig{Level: trace.TraceLevelDecisions})
	}
	logrus.Infof("replaying %s: %d steps, %d service domains", sc.Name, len(sc.Steps), len(sc.Arena.ServiceDomains()))

	var (
		results []*pass.Result
		final   *tracker.TempState
	)
	if cfg.Serial {
		res, err := pass.Replay(ctx, tracker.NewTempState(sc.Arena, settings), sc.Steps, pass.Options{Trace: tr, Describe: sc.Describe})
		if err != nil {
			return err
		}
		results, final = []*pass.Result{res}, res.State
	} else {
		results, err = pass.Run(ctx, sc.Arena, settings, sc.Steps, pass.RunOptions{Parallel: cfg.Parallel, Trace: tr, Describe: sc.Describe})
		if err != nil {
			return err
		}
		if final, err = pass.Combine(sc.Arena, settings, results); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "=== Replay %s ===\n", sc.Name)
	for _, res := range results {
		fmt.Fprintf(w, "Domain %-13d: %d probes, %d accepted, %d discarded, %d flattens\n",
			res.Domain, res.Probes, len(res.Accepted), res.Discarded, res.Flattens)
		for _, m := range res.Accepted {
			fmt.Fprintf(w, "  accepted %s\n", sc.Describe(m))
		}
	}
	if tr.Enabled() {
		printTrace(w, tr)
	}
	report.Build(final).Print(w)
	return nil
}

func printTrace(w io.Writer, tr *trace.PassTrace) {
	fmt.Fprintln(w, "=== Decision Trace ===")
	for _, p := range tr.Probes {
		verdict := "discard"
		if p.Accepted {
			verdict = "accept "
		}
		fmt.Fprintf(w, "  [d%d #%d] %s %s -> %s load %+d in-build %+d\n",
			p.Domain, p.Step, verdict, p.Movement, p.Target, p.LoadDelta, p.InBuildDelta)
	}
	summary := trace.Summarize(tr)
	fmt.Fprintf(w, "Probes               : %d (%d accepted, %d discarded)\n",
		summary.TotalProbes, summary.AcceptedCount, summary.DiscardedCount)
	fmt.Fprintf(w, "Max chain depth      : %d (%d flattens)\n", summary.MaxDepth, summary.Flattens)
	fmt.Fprintf(w, "Mean load delta      : %.2f\n", summary.MeanLoadDelta)
	fmt.Fprintf(w, "In-build started     : %d\n", summary.InBuildStarted)
	types := make([]string, 0, len(summary.TypeDistribution))
	for t := range summary.TypeDistribution {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-19s: %d\n", t, summary.TypeDistribution[t])
	}
}

func init() {
	replayCmd.Flags().IntVar(&replayParallel, "parallel", 0, "Max service domains replayed concurrently (0 = all)")
	replayCmd.Flags().BoolVar(&replaySerial, "serial", false, "Replay every step on one state in script order")
	replayCmd.Flags().StringVar(&traceLevel, "trace", "none", "Decision trace level (none, decisions)")
}
