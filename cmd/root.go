package cmd

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/plb/plb"
)

var (
	// Flags shared by every subcommand
	logLevel          string // Log verbosity level
	settingsPath      string // Optional settings YAML bundle
	consistencyChecks bool   // Overrides Settings.ConsistencyChecks when set
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:          "plb",
	Short:        "Placement accounting for a cluster load balancer",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return errors.Newf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings resolves the settings bundle: defaults, then the --settings
// file, then an explicit --checks.
func loadSettings(cmd *cobra.Command) (plb.Settings, error) {
	s := plb.DefaultSettings()
	if settingsPath != "" {
		loaded, err := plb.LoadSettings(settingsPath)
		if err != nil {
			return s, err
		}
		s = *loaded
	}
	if cmd.Flags().Changed("checks") {
		s.ConsistencyChecks = consistencyChecks
	}
	if err := s.Validate(); err != nil {
		return s, errors.Wrap(err, "invalid settings")
	}
	logrus.Debugf("settings: %+v", s)
	return s, nil
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "Path to a settings YAML file (defaults track everything)")
	rootCmd.PersistentFlags().BoolVar(&consistencyChecks, "checks", false, "Verify discarded probes and domain trees while running")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(selfcheckCmd)
}
