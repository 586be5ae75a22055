package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/inference-sim/plb/plb"
	"github.com/inference-sim/plb/plb/pass"
	"github.com/inference-sim/plb/plb/scenario"
)

var (
	seed          int64 // Pass key for random movement generation
	probes        int   // Random movements per service domain
	acceptOneIn   int   // Accept one probe in N as the next base
	checkParallel int   // Max service domains checked at once
)

var selfcheckCmd = &cobra.Command{
	Use:   "selfcheck <scenario.yaml>",
	Short: "Apply, undo and switch seeded random movements and verify every tracker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		return selfCheckScenario(cmd.Context(), cmd.OutOrStdout(), args[0], settings, pass.SelfCheckOptions{
			Key:         plb.PassKey(seed),
			Probes:      probes,
			Parallel:    checkParallel,
			AcceptOneIn: acceptOneIn,
		})
	},
}

func selfCheckScenario(ctx context.Context, w io.Writer, path string, settings plb.Settings, opts pass.SelfCheckOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}
	res, err := pass.SelfCheck(ctx, sc.Arena, settings, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "selfcheck %s (key %d): %d probes, %d switches, %d accepted\n",
		sc.Name, opts.Key, res.Probes, res.Switches, res.Accepted)
	return nil
}

func init() {
	selfcheckCmd.Flags().Int64Var(&seed, "seed", 42, "Pass key for random movement generation")
	selfcheckCmd.Flags().IntVar(&probes, "probes", 200, "Random movements drawn per service domain")
	selfcheckCmd.Flags().IntVar(&acceptOneIn, "accept-one-in", 4, "Accept one probe in N as the next base (0 = never)")
	selfcheckCmd.Flags().IntVar(&checkParallel, "parallel", 0, "Max service domains checked concurrently (0 = all)")
}
