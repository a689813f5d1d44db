package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/acsync/internal/config"
	"github.com/schaermu/acsync/internal/integrity"
	"github.com/schaermu/acsync/internal/report"
	"github.com/schaermu/acsync/internal/safeguard"
	"github.com/schaermu/acsync/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// resetGlobals restores every flag variable once the test is done
func resetGlobals(t *testing.T) {
	t.Helper()
	saved := struct {
		cfgFile, logLevel, logFormat, outputFmt, integrityF, checksumF string
		debug, dryRun, back, promptFlag, noColor                      bool
		workers, maxDepth                                             int
		includes, excludes, extensions                                []string
	}{cfgFile, logLevel, logFormat, outputFmt, integrityF, checksumF,
		debug, dryRun, back, promptFlag, noColor,
		workers, maxDepth,
		includes, excludes, extensions}

	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = saved.cfgFile, saved.logLevel, saved.logFormat
		outputFmt, integrityF, checksumF = saved.outputFmt, saved.integrityF, saved.checksumF
		debug, dryRun, back, promptFlag, noColor = saved.debug, saved.dryRun, saved.back, saved.promptFlag, saved.noColor
		workers, maxDepth = saved.workers, saved.maxDepth
		includes, excludes, extensions = saved.includes, saved.excludes, saved.extensions
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
}

// isolateXDG points the default config location into a temp dir
func isolateXDG(t *testing.T) string {
	t.Helper()
	t.Cleanup(xdg.Reload)
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	xdg.Reload()
	return dir
}

func TestSetupLogger(t *testing.T) {
	resetGlobals(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		debug     bool
		want      slog.Level
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", want: slog.LevelDebug},
		{name: "info/json", logLevel: "info", logFormat: "json", want: slog.LevelInfo},
		{name: "warn/text", logLevel: "warn", logFormat: "text", want: slog.LevelWarn},
		{name: "error/text", logLevel: "error", logFormat: "text", want: slog.LevelError},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text", want: slog.LevelInfo},
		{name: "debug flag wins", logLevel: "error", logFormat: "text", debug: true, want: slog.LevelDebug},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat
			debug = tc.debug

			logger := setupLogger()
			require.NotNil(t, logger)
			assert.True(t, logger.Handler().Enabled(context.Background(), tc.want))
			if tc.want > slog.LevelDebug {
				assert.False(t, logger.Handler().Enabled(context.Background(), tc.want-4))
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetGlobals(t)

	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`paths:
  origin: "` + filepath.Join(tmpDir, "docs") + `"
  destination: "` + filepath.Join(tmpDir, "backup") + `"
sync:
  integrity: checksum
  checksum: xxhash
`)
	require.NoError(t, os.WriteFile(cfgPath, content, 0o600))

	cfgFile = cfgPath
	cfg, err := loadConfig(quietLogger())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmpDir, "docs"), cfg.Paths.Origin)
	assert.Equal(t, "xxhash", cfg.Sync.Checksum)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	resetGlobals(t)

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := loadConfig(quietLogger())
	assert.Error(t, err, "an explicitly named config must exist")
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	resetGlobals(t)
	isolateXDG(t)

	cfgFile = ""
	cfg, err := loadConfig(quietLogger())
	require.NoError(t, err, "a missing default config falls back to defaults")
	assert.Equal(t, config.Default(), cfg)
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	require.NotNil(t, ctx)

	cancel()

	<-ctx.Done()
	assert.Error(t, ctx.Err())
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})
	assert.Contains(t, out.String(), "acsync dev")
	assert.Contains(t, out.String(), "commit: none")
}

func TestBuildOptions(t *testing.T) {
	resetGlobals(t)
	tmp := t.TempDir()

	cfg := config.Default()
	cfg.Paths = config.PathsConfig{Origin: "/from/config", Destination: "/to/config"}
	cfg.Filters.Exclude = []string{"*.bak"}

	integrityF = "checksum"
	checksumF = "xxhash"
	workers = 3
	maxDepth = 2
	promptFlag = true
	excludes = []string{"*.tmp"}
	extensions = []string{"md"}

	opts, err := buildOptions(cfg, []string{filepath.Join(tmp, "a"), filepath.Join(tmp, "b")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "a"), opts.Origin)
	assert.Equal(t, filepath.Join(tmp, "b"), opts.Destination)
	assert.Equal(t, integrity.LevelChecksum, opts.Integrity)
	assert.Equal(t, integrity.XXHash, opts.Checksum)
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 2, opts.MaxDepth)
	assert.True(t, opts.PromptOverrides)
	assert.Len(t, opts.Rules, 2)
	assert.Equal(t, []string{"md"}, opts.Extensions)
}

func TestBuildOptions_Errors(t *testing.T) {
	resetGlobals(t)
	tmp := t.TempDir()

	_, err := buildOptions(config.Default(), nil)
	assert.Error(t, err, "no paths anywhere")

	_, err = buildOptions(config.Default(), []string{tmp, filepath.Join(tmp, "inside")})
	assert.Error(t, err, "destination nested in origin")

	checksumF = "md5"
	_, err = buildOptions(config.Default(), []string{filepath.Join(tmp, "a"), filepath.Join(tmp, "b")})
	assert.Error(t, err)
}

func TestSelectOracle_NoPrompt(t *testing.T) {
	oracle := selectOracle(false, quietLogger())
	assert.False(t, oracle.Confirm(safeguard.Request{Path: "a"}))
}

func TestReplicateCmd_JSONSummary(t *testing.T) {
	resetGlobals(t)
	isolateXDG(t)

	origin, dest := t.TempDir(), filepath.Join(t.TempDir(), "backup")
	testutil.WriteTree(t, origin, map[string]testutil.File{
		"a.txt":     {Content: "alpha"},
		"sub/b.txt": {Content: "bravo"},
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"replicate", origin, dest, "-o", "json", "--log-level", "error"})
	require.NoError(t, rootCmd.Execute())

	var summary report.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary), out.String())
	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, int64(10), summary.BytesCopied)
	assert.False(t, summary.DryRun)
	assert.Equal(t, "bravo", testutil.ReadFile(t, dest, "sub/b.txt"))
}

func TestRestoreCmd_DryRun(t *testing.T) {
	resetGlobals(t)
	isolateXDG(t)

	origin, dest := t.TempDir(), t.TempDir()
	testutil.WriteTree(t, dest, map[string]testutil.File{"lost.txt": {Content: "found"}})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"restore", origin, dest, "--dry-run", "-o", "yaml", "--log-level", "error"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "dry_run: true")
	assert.Contains(t, out.String(), "created: 1")
	assert.Empty(t, testutil.Files(t, origin))
}

func TestSetupCmd_SavesPaths(t *testing.T) {
	resetGlobals(t)

	tmp := t.TempDir()
	origin := filepath.Join(tmp, "docs")
	require.NoError(t, os.Mkdir(origin, 0o755))
	cfgPath := filepath.Join(tmp, "conf", "acsync.toml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"setup", origin, filepath.Join(tmp, "backup"), "--config", cfgPath, "--log-level", "error"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), cfgPath)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, origin, cfg.Paths.Origin)
	assert.Equal(t, filepath.Join(tmp, "backup"), cfg.Paths.Destination)
}

func TestSetupCmd_MissingOrigin(t *testing.T) {
	resetGlobals(t)

	tmp := t.TempDir()
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() { rootCmd.SetErr(nil) })
	rootCmd.SetArgs([]string{"setup", filepath.Join(tmp, "missing"), filepath.Join(tmp, "backup"),
		"--config", filepath.Join(tmp, "c.yaml")})
	assert.Error(t, rootCmd.Execute())
	assert.NoFileExists(t, filepath.Join(tmp, "c.yaml"))
}
