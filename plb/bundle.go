package plb

import (
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Settings holds the tracker toggles for a pass, loadable from a YAML file.
// Fields absent from the YAML keep their DefaultSettings value.
type Settings struct {
	// ConsistencyChecks enables extra verification: reservation clamps in the
	// add direction are logged and domain trees are checked after replay.
	ConsistencyChecks   bool `yaml:"consistency_checks"`
	TrackFaultDomains   bool `yaml:"track_fault_domains"`
	TrackUpgradeDomains bool `yaml:"track_upgrade_domains"`
	TrackInBuild        bool `yaml:"track_in_build"`
	TrackReservations   bool `yaml:"track_reservations"`
	// MaxChainDepth is the number of promoted overlays stacked on one another
	// before the chain is flattened into a single base. 0 never flattens.
	MaxChainDepth int `yaml:"max_chain_depth"`
}

// Lookups walk the whole chain, so deep chains are refused.
const maxChainDepthLimit = 1024

// DefaultSettings tracks every dimension and flattens every 16 promotions.
func DefaultSettings() Settings {
	return Settings{
		ConsistencyChecks:   false,
		TrackFaultDomains:   true,
		TrackUpgradeDomains: true,
		TrackInBuild:        true,
		TrackReservations:   true,
		MaxChainDepth:       16,
	}
}

// LoadSettings reads and parses a YAML settings file on top of DefaultSettings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading settings")
	}
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "parsing settings")
	}
	return &s, nil
}

// Validate checks parameter ranges. Every problem is reported.
func (s *Settings) Validate() error {
	var errs error
	if s.MaxChainDepth < 0 {
		errs = multierr.Append(errs, errors.Newf("max_chain_depth must be non-negative, got %d", s.MaxChainDepth))
	}
	if s.MaxChainDepth > maxChainDepthLimit {
		errs = multierr.Append(errs, errors.Newf("max_chain_depth must be at most %d, got %d", maxChainDepthLimit, s.MaxChainDepth))
	}
	return errs
}
