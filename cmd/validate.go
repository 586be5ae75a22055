package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/inference-sim/plb/plb/scenario"
)

var validateCmd = &cobra.Command{
	Use:   "validate <scenario.yaml>...",
	Short: "Check scenario files and the settings bundle without replaying",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadSettings(cmd); err != nil {
			return err
		}
		return validateScenarios(cmd.OutOrStdout(), args)
	},
}

// validateScenarios loads every path, printing one line per valid scenario.
// Every file is checked even when an earlier one fails.
func validateScenarios(w io.Writer, paths []string) error {
	var errs error
	for _, path := range paths {
		sc, err := scenario.Load(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		a := sc.Arena
		fmt.Fprintf(w, "ok %s: %d nodes, %d services, %d partitions, %d steps, %d service domains\n",
			sc.Name, a.NodeCount(), len(a.Services()), len(a.Partitions()), len(sc.Steps), len(a.ServiceDomains()))
	}
	return errs
}
