package sync

import (
	"fmt"
	"time"

	"github.com/schaermu/acsync/internal/config"
	"github.com/schaermu/acsync/internal/filter"
	"github.com/schaermu/acsync/internal/integrity"
	"github.com/schaermu/acsync/internal/safeguard"
	"github.com/schaermu/acsync/internal/tree"
)

// Direction selects which tree is copied into which
type Direction int

const (
	// Replicate copies origin into destination
	Replicate Direction = iota
	// Restore copies destination back into origin
	Restore
)

func (d Direction) String() string {
	if d == Restore {
		return "restore"
	}
	return "replicate"
}

// Options configures one run
type Options struct {
	Origin      string
	Destination string
	Direction   Direction
	DryRun      bool

	PromptOverrides bool
	Oracle          safeguard.Oracle

	RuleFiles  filter.Files
	Rules      []filter.Rule
	Extensions []string
	MaxDepth   int
	Symlinks   tree.SymlinkMode

	Integrity     integrity.Level
	Checksum      integrity.Algorithm
	ModTimeWindow time.Duration
	Workers       int
}

// OptionsFromConfig maps a loaded configuration onto run options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	level, err := integrity.ParseLevel(cfg.Sync.Integrity)
	if err != nil {
		return Options{}, fmt.Errorf("sync.integrity: %w", err)
	}
	algo, err := integrity.ParseAlgorithm(cfg.Sync.Checksum)
	if err != nil {
		return Options{}, fmt.Errorf("sync.checksum: %w", err)
	}
	window, err := cfg.ModTimeWindow()
	if err != nil {
		return Options{}, err
	}

	return Options{
		Origin:          cfg.Paths.Origin,
		Destination:     cfg.Paths.Destination,
		PromptOverrides: cfg.Sync.PromptOverrides,
		RuleFiles: filter.Files{
			Include: cfg.Filters.IncludeFile,
			Exclude: cfg.Filters.ExcludeFile,
		},
		Rules:         cfg.FilterRules(),
		Extensions:    cfg.Filters.Extensions,
		MaxDepth:      cfg.Filters.MaxDepth,
		Symlinks:      tree.SymlinkMode(cfg.Sync.Symlinks),
		Integrity:     level,
		Checksum:      algo,
		ModTimeWindow: window,
		Workers:       cfg.Sync.Workers,
	}, nil
}

// Roots returns the source and destination root for the run direction
func (o Options) Roots() (src, dst string) {
	if o.Direction == Restore {
		return o.Destination, o.Origin
	}
	return o.Origin, o.Destination
}
