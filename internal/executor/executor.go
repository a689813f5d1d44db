// Package executor applies a resolved plan to the destination tree.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/acsync/internal/integrity"
	"github.com/schaermu/acsync/internal/plan"
	"github.com/schaermu/acsync/internal/safeguard"
	"github.com/schaermu/acsync/internal/syncerr"
	"github.com/schaermu/acsync/internal/tree"
)

const tempPattern = ".acsync-tmp-*"

// Result is what happened to one item
type Result int

const (
	ResultSkipped Result = iota
	ResultCopied
	ResultFailed
	ResultDryRun
)

func (r Result) String() string {
	switch r {
	case ResultSkipped:
		return "skipped"
	case ResultCopied:
		return "copied"
	case ResultFailed:
		return "failed"
	case ResultDryRun:
		return "dry-run"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Outcome records the execution of one plan item
type Outcome struct {
	Path   string
	Action plan.Action
	Result Result
	Reason string
	Bytes  int64
	Err    error
}

// Option configures an Executor
type Option func(*Executor)

// WithDryRun reports what would happen without touching the destination
func WithDryRun(dryRun bool) Option {
	return func(e *Executor) { e.dryRun = dryRun }
}

// WithWorkers bounds the number of items running at once within a depth
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithValidator verifies every copied entry at its final path
func WithValidator(v *integrity.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Executor copies entries from a source root to a destination root
type Executor struct {
	fs        afero.Fs
	srcRoot   string
	dstRoot   string
	dryRun    bool
	workers   int
	validator *integrity.Validator
	logger    *slog.Logger
}

// New creates an executor
func New(fsys afero.Fs, srcRoot, dstRoot string, opts ...Option) *Executor {
	e := &Executor{
		fs:      fsys,
		srcRoot: srcRoot,
		dstRoot: dstRoot,
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		e.validator = integrity.NewValidator(fsys, integrity.LevelMetadata, integrity.SHA256, 0)
	}
	return e
}

// Execute runs every item of the resolved plan. Items at one depth all
// finish before the next depth starts. Per-item failures are recorded as
// Failed outcomes; the returned error is only set for failures that stop
// the run, in which case the outcomes gathered so far are still returned.
func (e *Executor) Execute(ctx context.Context, resolved *safeguard.Resolved) ([]Outcome, error) {
	items := resolved.Items()
	if err := checkAuthorizations(items, resolved); err != nil {
		return nil, err
	}

	if !e.dryRun {
		if err := e.fs.MkdirAll(e.dstRoot, 0o755); err != nil {
			return nil, syncerr.Wrap(err, syncerr.CodeCopy, "", fmt.Sprintf("create destination root %s", e.dstRoot))
		}
	}

	c := &collector{outcomes: make([]*Outcome, len(items))}
	var runErr error
	for _, wave := range waves(items) {
		if err := e.runWave(ctx, wave, items, resolved, c); err != nil {
			runErr = err
			break
		}
	}

	if !e.dryRun {
		e.applyDirMetadata(items, c)
	}
	return c.list(), runErr
}

// checkAuthorizations refuses the whole plan if any item would replace a
// destination entry without authorization
func checkAuthorizations(items []plan.Item, resolved *safeguard.Resolved) error {
	for _, it := range items {
		switch it.Action {
		case plan.ActionDeleteGuarded:
			return syncerr.New(syncerr.CodeSafeguardViolation, it.Path, "refusing to delete destination entry")
		case plan.ActionOverwrite:
			if !resolved.Authorized(it.Path) {
				return syncerr.New(syncerr.CodeSafeguardViolation, it.Path, "overwrite was not authorized")
			}
		}
	}
	return nil
}

// waves groups item indexes by depth, shallowest first, keeping plan order
// within a depth
func waves(items []plan.Item) [][]int {
	byDepth := make(map[int][]int)
	var depths []int
	for i, it := range items {
		d := it.Depth()
		if _, ok := byDepth[d]; !ok {
			depths = append(depths, d)
		}
		byDepth[d] = append(byDepth[d], i)
	}
	sort.Ints(depths)

	out := make([][]int, 0, len(depths))
	for _, d := range depths {
		out = append(out, byDepth[d])
	}
	return out
}

func (e *Executor) runWave(ctx context.Context, wave []int, items []plan.Item, resolved *safeguard.Resolved, c *collector) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, idx := range wave {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			it := items[idx]
			out := e.runItem(gctx, it, resolved)
			c.add(idx, out)
			if out.Err != nil {
				if syncerr.Fatal(out.Err) {
					return out.Err
				}
				e.logger.Warn("item failed", "path", it.Path, "error", out.Err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if syncerr.CodeOf(err) != syncerr.CodeCancelled {
			return syncerr.Wrap(err, syncerr.CodeCancelled, "", "execute plan")
		}
	}
	return err
}

func (e *Executor) runItem(ctx context.Context, it plan.Item, resolved *safeguard.Resolved) Outcome {
	out := Outcome{Path: it.Path, Action: it.Action, Reason: it.Reason}

	switch it.Action {
	case plan.ActionCreate, plan.ActionOverwrite:
	default:
		out.Result = ResultSkipped
		if it.Err != nil {
			out.Result, out.Err = ResultFailed, it.Err
		}
		return out
	}

	if it.Action == plan.ActionOverwrite && !resolved.Authorized(it.Path) {
		out.Result = ResultFailed
		out.Err = syncerr.New(syncerr.CodeSafeguardViolation, it.Path, "overwrite was not authorized")
		return out
	}
	if it.Source == nil {
		out.Result = ResultFailed
		out.Err = syncerr.New(syncerr.CodePlanningInvariant, it.Path, "%s without a source entry", it.Action)
		return out
	}

	switch it.Source.Kind {
	case tree.KindDir:
		return e.createDir(it, out)
	case tree.KindSymlink:
		return e.copySymlink(it, out)
	case tree.KindFile:
		return e.copyFile(ctx, it, out)
	}
	out.Result, out.Reason = ResultSkipped, "unsupported entry kind"
	return out
}

func (e *Executor) srcPath(rel string) string {
	return filepath.Join(e.srcRoot, filepath.FromSlash(rel))
}

func (e *Executor) dstPath(rel string) string {
	return filepath.Join(e.dstRoot, filepath.FromSlash(rel))
}

func (e *Executor) createDir(it plan.Item, out Outcome) Outcome {
	if e.dryRun {
		out.Result, out.Reason = ResultDryRun, "would create directory"
		return out
	}
	if err := e.checkParents(it.Path); err != nil {
		out.Result, out.Err = ResultFailed, err
		return out
	}
	if err := e.checkAbsent(it.Path); err != nil {
		out.Result, out.Err = ResultFailed, err
		return out
	}
	if err := e.fs.Mkdir(e.dstPath(it.Path), 0o755); err != nil {
		out.Result = ResultFailed
		out.Err = syncerr.Wrap(err, syncerr.CodeCopy, it.Path, "create directory")
		return out
	}
	e.logger.Debug("created directory", "path", it.Path)
	out.Result = ResultCopied
	return out
}

// copyFile streams the source into a temp sibling of the destination and
// renames it into place once its size and checksum are confirmed
func (e *Executor) copyFile(ctx context.Context, it plan.Item, out Outcome) Outcome {
	src := *it.Source
	srcPath, dstPath := e.srcPath(it.Path), e.dstPath(it.Path)
	algo := e.validator.Algorithm()
	hashing := e.validator.Level() == integrity.LevelChecksum

	if e.dryRun {
		out.Result, out.Bytes = ResultDryRun, int64(src.Size)
		out.Reason = "would " + it.Action.String()
		sum := src.Checksum
		if hashing && sum == "" {
			var err error
			if sum, err = algo.FileSum(e.fs, srcPath); err != nil {
				out.Result = ResultFailed
				out.Err = syncerr.Wrap(err, syncerr.CodeCopy, it.Path, "read source")
				return out
			}
		}
		if sum != "" {
			out.Reason += " (" + sum + ")"
		}
		return out
	}

	fail := func(err error, msg string) Outcome {
		out.Result = ResultFailed
		if syncerr.CodeOf(err) == syncerr.CodeUnknown {
			err = syncerr.Wrap(err, syncerr.CodeCopy, it.Path, msg)
		}
		out.Err = err
		return out
	}

	if err := e.checkParents(it.Path); err != nil {
		return fail(err, "")
	}

	in, err := e.fs.Open(srcPath)
	if err != nil {
		return fail(err, "open source")
	}
	defer func() {
		_ = in.Close()
	}()

	tmp, err := afero.TempFile(e.fs, filepath.Dir(dstPath), tempPattern)
	if err != nil {
		return fail(err, "create temp file")
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = e.fs.Remove(tmpName)
		}
	}()

	h := algo.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: in})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(syncerr.Wrap(ctxErr, syncerr.CodeCancelled, it.Path, "copy interrupted"), "")
		}
		return fail(err, "copy content")
	}
	out.Bytes = n
	if uint64(n) != src.Size {
		return fail(syncerr.New(syncerr.CodeCopy, it.Path, "copied %d bytes, expected %d", n, src.Size), "")
	}
	if sum := algo.Format(h); src.Checksum != "" && sum != src.Checksum {
		return fail(syncerr.New(syncerr.CodeCopy, it.Path, "copied checksum %s, expected %s", sum, src.Checksum), "")
	}

	if err := tmp.Close(); err != nil {
		return fail(err, "close temp file")
	}
	if err := e.fs.Chmod(tmpName, src.Mode.Perm()); err != nil {
		return fail(err, "set permissions")
	}
	if err := e.fs.Chtimes(tmpName, src.ModTime, src.ModTime); err != nil {
		return fail(err, "set modification time")
	}
	if it.Action == plan.ActionCreate {
		if err := e.checkAbsent(it.Path); err != nil {
			return fail(err, "")
		}
	}
	if err := e.fs.Rename(tmpName, dstPath); err != nil {
		return fail(err, "rename into place")
	}
	renamed = true

	if res := e.validator.Verify(src, srcPath, dstPath); !res.Verified {
		return fail(res.Err(it.Path), "")
	}

	e.logger.Debug("copied file", "path", it.Path, "action", it.Action, "bytes", n)
	out.Result = ResultCopied
	return out
}

func (e *Executor) copySymlink(it plan.Item, out Outcome) Outcome {
	linker, ok := e.fs.(afero.Linker)
	if !ok {
		out.Result, out.Reason = ResultSkipped, "filesystem does not support symlinks"
		return out
	}
	if e.dryRun {
		out.Result, out.Reason = ResultDryRun, "would "+it.Action.String()+" symlink"
		return out
	}

	dstPath := e.dstPath(it.Path)
	fail := func(err error, msg string) Outcome {
		out.Result = ResultFailed
		out.Err = syncerr.Wrap(err, syncerr.CodeCopy, it.Path, msg)
		return out
	}

	if err := e.checkParents(it.Path); err != nil {
		out.Result, out.Err = ResultFailed, err
		return out
	}

	// reserve a unique sibling name for the new link
	tmp, err := afero.TempFile(e.fs, filepath.Dir(dstPath), tempPattern)
	if err != nil {
		return fail(err, "reserve temp name")
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	if err := e.fs.Remove(tmpName); err != nil {
		return fail(err, "reserve temp name")
	}

	if err := linker.SymlinkIfPossible(it.Source.LinkTarget, tmpName); err != nil {
		return fail(err, "create symlink")
	}
	if it.Action == plan.ActionCreate {
		if err := e.checkAbsent(it.Path); err != nil {
			_ = e.fs.Remove(tmpName)
			out.Result, out.Err = ResultFailed, err
			return out
		}
	}
	if err := e.fs.Rename(tmpName, dstPath); err != nil {
		_ = e.fs.Remove(tmpName)
		return fail(err, "rename into place")
	}

	if res := e.validator.Verify(*it.Source, "", dstPath); !res.Verified {
		out.Result, out.Err = ResultFailed, res.Err(it.Path)
		return out
	}
	out.Result = ResultCopied
	return out
}

// checkParents refuses to write below rel unless every ancestor between the
// destination root and rel is a real directory. A symlinked or replaced
// ancestor would redirect the write outside the destination tree.
func (e *Executor) checkParents(rel string) error {
	parent := filepath.ToSlash(filepath.Dir(filepath.FromSlash(rel)))
	if parent == "." {
		return nil
	}
	cur := e.dstRoot
	for _, seg := range strings.Split(parent, "/") {
		cur = filepath.Join(cur, seg)
		info, err := e.lstat(cur)
		if err != nil {
			return syncerr.Wrap(err, syncerr.CodeCopy, rel, "check parent directory")
		}
		if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
			return syncerr.New(syncerr.CodeCopy, rel, "refusing to write below %s: not a directory inside the destination", cur)
		}
	}
	return nil
}

// checkAbsent fails when something already sits at the path a Create is
// about to take, such as an entry that appeared after planning
func (e *Executor) checkAbsent(rel string) error {
	_, err := e.lstat(e.dstPath(rel))
	switch {
	case err == nil:
		return syncerr.New(syncerr.CodeCopy, rel, "destination entry appeared after planning, not replacing it")
	case os.IsNotExist(err):
		return nil
	default:
		return syncerr.Wrap(err, syncerr.CodeCopy, rel, "check destination")
	}
}

func (e *Executor) lstat(path string) (os.FileInfo, error) {
	if l, ok := e.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		return info, err
	}
	return e.fs.Stat(path)
}

// applyDirMetadata sets permissions and modification times of created
// directories, deepest first, once nothing else writes into them
func (e *Executor) applyDirMetadata(items []plan.Item, c *collector) {
	type dir struct {
		idx   int
		entry tree.Entry
	}
	var dirs []dir
	for i, o := range c.outcomes {
		if o == nil || o.Result != ResultCopied || o.Action != plan.ActionCreate {
			continue
		}
		if src := items[i].Source; src != nil && src.Kind == tree.KindDir {
			dirs = append(dirs, dir{idx: i, entry: *src})
		}
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		return dirs[i].entry.Depth() > dirs[j].entry.Depth()
	})

	for _, d := range dirs {
		path := e.dstPath(d.entry.Path)
		err := e.fs.Chmod(path, d.entry.Mode.Perm())
		if err == nil {
			err = e.fs.Chtimes(path, d.entry.ModTime, d.entry.ModTime)
		}
		if err != nil {
			o := c.outcomes[d.idx]
			o.Result = ResultFailed
			o.Err = syncerr.Wrap(err, syncerr.CodeCopy, d.entry.Path, "apply directory metadata")
			e.logger.Warn("item failed", "path", d.entry.Path, "error", o.Err)
		}
	}
}

// collector is the single appender for outcomes
type collector struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (c *collector) add(idx int, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[idx] = &o
}

// list returns the recorded outcomes in plan order
func (c *collector) list() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outcome, 0, len(c.outcomes))
	for _, o := range c.outcomes {
		if o != nil {
			out = append(out, *o)
		}
	}
	return out
}

// ctxReader aborts a copy once its context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
