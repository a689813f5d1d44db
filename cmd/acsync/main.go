package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/acsync/internal/config"
	"github.com/schaermu/acsync/internal/prompt"
	"github.com/schaermu/acsync/internal/report"
	"github.com/schaermu/acsync/internal/safeguard"
	"github.com/schaermu/acsync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	debug     bool

	// Run flags
	dryRun     bool
	back       bool
	promptFlag bool
	outputFmt  string
	noColor    bool
	integrityF string
	checksumF  string
	workers    int
	maxDepth   int
	includes   []string
	excludes   []string
	extensions []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acsync",
	Short: "Another convenient file synchronizer",
	Long: `acsync mirrors an origin directory into a destination directory and can
restore it back the other way.

It never deletes anything in the destination and never replaces a
destination file that is newer than its origin unless you confirm it.`,
	SilenceUsage: true,
}

var replicateCmd = &cobra.Command{
	Use:   "replicate [origin] [destination]",
	Short: "Copy files from an origin to a destination directory",
	Long: `Replicate compares the origin tree with the destination tree and copies
every new or changed entry into the destination.

Destination files that are newer than the origin, or that changed without a
newer timestamp, are left alone unless --prompt is given and the overwrite is
confirmed. Include and exclude rules are read from .acsync-include and
.acsync-exclude at the root of the origin.

Origin and destination default to the paths saved by "acsync setup".`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := sync.Replicate
		if back {
			direction = sync.Restore
		}
		return runSync(cmd, args, direction)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [origin] [destination]",
	Short: "Copy files back from the destination into the origin directory",
	Long: `Restore is replicate --back: entries of the destination are copied into the
origin with the same safeguards. Filter rules are still read from the origin.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args, sync.Restore)
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup <origin> <destination>",
	Short: "Save origin and destination to the configuration file",
	Long: `Setup writes the origin and destination directories to the configuration
file so replicate and restore can run without arguments. Other settings
already present in the file are kept.`,
	Args: cobra.ExactArgs(2),
	RunE: runSetup,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "acsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	initTemplateFormatting()
	rootCmd.SetUsageTemplate(usageTemplate)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/acsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "shorthand for --log-level=debug")

	for _, cmd := range []*cobra.Command{replicateCmd, restoreCmd} {
		f := cmd.Flags()
		f.BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
		f.BoolVar(&promptFlag, "prompt", false, "ask before replacing destination entries (needs a terminal)")
		f.StringVarP(&outputFmt, "output", "o", "text", "summary format (text, json, yaml)")
		f.BoolVar(&noColor, "no-color", false, "disable styled output")
		f.StringVar(&integrityF, "integrity", "", "verification after copy (none, metadata, checksum)")
		f.StringVar(&checksumF, "checksum", "", "checksum algorithm (sha256, xxhash)")
		f.IntVar(&workers, "workers", 0, "parallel copies per directory level (default: number of CPUs)")
		f.IntVar(&maxDepth, "max-depth", 0, "do not descend deeper than this many levels (0 = unlimited)")
		f.StringSliceVar(&includes, "include", nil, "additional include pattern (repeatable)")
		f.StringSliceVar(&excludes, "exclude", nil, "additional exclude pattern (repeatable)")
		f.StringSliceVar(&extensions, "ext", nil, "only copy files with these extensions")
	}
	replicateCmd.Flags().BoolVar(&back, "back", false, "restore from destination back into origin")

	// Add commands
	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string, direction sync.Direction) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	format, err := report.ParseFormat(outputFmt)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	opts, err := buildOptions(cfg, args)
	if err != nil {
		return err
	}
	opts.Direction = direction
	opts.DryRun = dryRun
	opts.Oracle = selectOracle(opts.PromptOverrides, logger)

	engine := sync.NewEngine(afero.NewOsFs(), opts, logger)
	summary, runErr := engine.Run(ctx)
	if runErr != nil {
		logger.Error("sync failed", "error", runErr)
	}

	if err := report.Render(cmd.OutOrStdout(), summary, format, noColor); err != nil {
		return fmt.Errorf("failed to render summary: %w", err)
	}
	if runErr != nil {
		return runErr
	}
	if summary.HasFailures() {
		return fmt.Errorf("%d entries failed to synchronize", summary.Failed)
	}
	return nil
}

// buildOptions merges the config file with positional arguments and flags.
// Flags win over the file.
func buildOptions(cfg *config.Config, args []string) (sync.Options, error) {
	if len(args) > 0 {
		cfg.Paths.Origin = args[0]
	}
	if len(args) > 1 {
		cfg.Paths.Destination = args[1]
	}
	if integrityF != "" {
		cfg.Sync.Integrity = integrityF
	}
	if checksumF != "" {
		cfg.Sync.Checksum = checksumF
	}
	if workers > 0 {
		cfg.Sync.Workers = workers
	}
	if maxDepth > 0 {
		cfg.Filters.MaxDepth = maxDepth
	}
	if promptFlag {
		cfg.Sync.PromptOverrides = true
	}
	cfg.Filters.Include = append(cfg.Filters.Include, includes...)
	cfg.Filters.Exclude = append(cfg.Filters.Exclude, excludes...)
	cfg.Filters.Extensions = append(cfg.Filters.Extensions, extensions...)

	if err := cfg.Validate(); err != nil {
		return sync.Options{}, fmt.Errorf("invalid options: %w", err)
	}
	if err := cfg.ValidatePaths(); err != nil {
		return sync.Options{}, err
	}

	opts, err := sync.OptionsFromConfig(cfg)
	if err != nil {
		return sync.Options{}, err
	}
	if opts.Origin, err = filepath.Abs(opts.Origin); err != nil {
		return sync.Options{}, err
	}
	if opts.Destination, err = filepath.Abs(opts.Destination); err != nil {
		return sync.Options{}, err
	}
	return opts, nil
}

// selectOracle returns the interactive console when prompting was asked for
// and stdin is a terminal; every other case denies
func selectOracle(promptOverrides bool, logger *slog.Logger) safeguard.Oracle {
	if !promptOverrides {
		return safeguard.DenyAll
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		logger.Warn("prompting requested but stdin is not a terminal, declining every overwrite")
		return safeguard.DenyAll
	}
	return prompt.NewConsole(os.Stdin, os.Stderr)
}

func runSetup(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	path := configPath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	origin, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	dest, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	cfg.Paths = config.PathsConfig{Origin: origin, Destination: dest}
	if err := cfg.ValidatePaths(); err != nil {
		return err
	}
	if info, err := os.Stat(origin); err != nil || !info.IsDir() {
		return fmt.Errorf("origin %s is not an existing directory", origin)
	}

	if err := config.Save(path, cfg); err != nil {
		return err
	}
	logger.Info("configuration saved", "path", path, "origin", origin, "destination", dest)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", formatBold("Saved"), path)
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}

	// Logs go to stderr so the summary on stdout stays machine readable
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// loadConfig reads the config file. A missing file is only an error when
// it was named explicitly.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := configPath()
	logger.Debug("loading configuration", "path", path)

	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"origin", cfg.Paths.Origin,
		"destination", cfg.Paths.Destination,
		"integrity", cfg.Sync.Integrity,
		"checksum", cfg.Sync.Checksum)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
