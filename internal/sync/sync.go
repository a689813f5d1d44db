// Package sync runs one synchronization: enumerate, plan, resolve, execute
// and summarize.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/acsync/internal/executor"
	"github.com/schaermu/acsync/internal/filter"
	"github.com/schaermu/acsync/internal/integrity"
	"github.com/schaermu/acsync/internal/plan"
	"github.com/schaermu/acsync/internal/report"
	"github.com/schaermu/acsync/internal/safeguard"
	"github.com/schaermu/acsync/internal/syncerr"
	"github.com/schaermu/acsync/internal/tree"
)

// Engine orchestrates the sync process
type Engine struct {
	fs     afero.Fs
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(fsys afero.Fs, opts Options, logger *slog.Logger) *Engine {
	if opts.Integrity == "" {
		opts.Integrity = integrity.LevelMetadata
	}
	if opts.Checksum == "" {
		opts.Checksum = integrity.SHA256
	}
	return &Engine{
		fs:     fsys,
		opts:   opts,
		logger: logger,
	}
}

// Run executes the complete sync process. The summary is returned even
// when a fatal error stops execution part way.
func (e *Engine) Run(ctx context.Context) (report.Summary, error) {
	start := time.Now()
	src, dst := e.opts.Roots()

	e.logger.Info("starting sync",
		"direction", e.opts.Direction,
		"source", src,
		"destination", dst,
		"dry_run", e.opts.DryRun)

	p, err := e.Plan(ctx)
	if err != nil {
		return report.Summary{DryRun: e.opts.DryRun}, err
	}

	counts := p.Counts()
	e.logger.Info("sync plan",
		"create", counts[plan.ActionCreate],
		"overwrite", counts[plan.ActionOverwrite],
		"conflict", counts[plan.ActionConflict],
		"skip", counts[plan.ActionSkip])

	resolver := safeguard.NewResolver(e.opts.PromptOverrides, e.opts.Oracle, e.logger)
	resolved, err := resolver.Resolve(ctx, p)
	if err != nil {
		return report.Summary{DryRun: e.opts.DryRun}, fmt.Errorf("failed to resolve conflicts: %w", err)
	}

	if e.opts.DryRun {
		e.logPlanDetails(resolved)
	}

	exec := executor.New(e.fs, src, dst,
		executor.WithDryRun(e.opts.DryRun),
		executor.WithWorkers(e.opts.Workers),
		executor.WithValidator(integrity.NewValidator(e.fs, e.opts.Integrity, e.opts.Checksum, e.opts.ModTimeWindow)),
		executor.WithLogger(e.logger),
	)
	outcomes, err := exec.Execute(ctx, resolved)
	summary := report.Build(outcomes, resolved, e.opts.DryRun, time.Since(start))
	if err != nil {
		return summary, fmt.Errorf("failed to apply sync plan: %w", err)
	}

	if e.opts.DryRun {
		e.logger.Info("dry-run complete, no changes applied")
	}
	e.logger.Info("sync completed",
		"created", summary.Created,
		"overwritten", summary.Overwritten,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"elapsed", summary.Elapsed)
	return summary, nil
}

// Plan enumerates both trees and diffs them without resolving anything
func (e *Engine) Plan(ctx context.Context) (*plan.SyncPlan, error) {
	src, dst := e.opts.Roots()

	info, err := e.fs.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, syncerr.New(syncerr.CodeConfiguration, "", "source %s does not exist", src)
		}
		return nil, syncerr.Wrap(err, syncerr.CodeEnumeration, "", fmt.Sprintf("stat source %s", src))
	}
	if !info.IsDir() {
		return nil, syncerr.New(syncerr.CodeConfiguration, "", "source %s is not a directory", src)
	}

	f := e.loadFilter()
	enumOpts := []tree.Option{
		tree.WithFilter(f),
		tree.WithMaxDepth(e.opts.MaxDepth),
		tree.WithSymlinks(e.opts.Symlinks),
	}
	if e.opts.Integrity == integrity.LevelChecksum {
		enumOpts = append(enumOpts, tree.WithChecksums(e.opts.Checksum.FileSum))
	}

	if err := ctx.Err(); err != nil {
		return nil, syncerr.Wrap(err, syncerr.CodeCancelled, "", "plan")
	}

	p, err := plan.Build(
		tree.New(e.fs, src, enumOpts...),
		tree.New(e.fs, dst, enumOpts...),
		plan.Options{ModTimeWindow: e.opts.ModTimeWindow},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync plan: %w", err)
	}
	return p, nil
}

// loadFilter reads the rule files from the origin root, whatever the
// direction, so both directions select the same entries
func (e *Engine) loadFilter() *filter.Filter {
	f, warnings := filter.Load(e.fs, e.opts.Origin, e.opts.RuleFiles, e.opts.Rules,
		filter.WithExtensions(e.opts.Extensions...))
	for _, w := range warnings {
		e.logger.Warn("ignoring filter rule", "error", w)
	}
	return f
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(resolved *safeguard.Resolved) {
	for _, it := range resolved.Items() {
		switch it.Action {
		case plan.ActionCreate:
			e.logger.Info("[dry-run] would create", "path", it.Path, "kind", it.Kind())
		case plan.ActionOverwrite:
			e.logger.Info("[dry-run] would overwrite", "path", it.Path, "reason", it.Reason,
				"authorization", resolved.Authorization(it.Path))
		case plan.ActionSkip:
			if it.Reason != "unchanged" && it.Reason != "directory exists" {
				e.logger.Debug("[dry-run] would skip", "path", it.Path, "reason", it.Reason)
			}
		}
	}
}
