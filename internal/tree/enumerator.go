// Package tree enumerates directory trees into deterministic Entry streams.
package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/schaermu/acsync/internal/filter"
	"github.com/schaermu/acsync/internal/syncerr"
)

// SymlinkMode controls how symbolic links are enumerated
type SymlinkMode string

const (
	// SymlinkPreserve yields links as their own kind and never follows them
	SymlinkPreserve SymlinkMode = "preserve"
	// SymlinkResolve yields what the link points to
	SymlinkResolve SymlinkMode = "resolve"
)

// ChecksumFunc computes a content checksum for a regular file
type ChecksumFunc func(fsys afero.Fs, name string) (string, error)

// Option configures an Enumerator
type Option func(*Enumerator)

// WithFilter applies include/exclude rules during the walk
func WithFilter(f *filter.Filter) Option {
	return func(e *Enumerator) { e.filter = f }
}

// WithMaxDepth stops the walk below the given depth (0 means unlimited)
func WithMaxDepth(depth int) Option {
	return func(e *Enumerator) { e.maxDepth = depth }
}

// WithChecksums computes a checksum for every regular file at visit time
func WithChecksums(fn ChecksumFunc) Option {
	return func(e *Enumerator) { e.checksum = fn }
}

// WithSymlinks sets the symlink mode (default preserve)
func WithSymlinks(mode SymlinkMode) Option {
	return func(e *Enumerator) {
		if mode != "" {
			e.symlinks = mode
		}
	}
}

// Enumerator walks a tree depth-first with children sorted by name. It is a
// single-use iterator: once Next returns false it stays exhausted.
type Enumerator struct {
	fs       afero.Fs
	root     string
	filter   *filter.Filter
	maxDepth int
	checksum ChecksumFunc
	symlinks SymlinkMode

	started bool
	done    bool
	err     error
	stack   []*frame
	queue   []Entry
}

type frame struct {
	rel     string
	abs     string
	names   []string
	idx     int
	entry   Entry
	emitted bool
	info    os.FileInfo
}

// New creates an enumerator for root on fsys
func New(fsys afero.Fs, root string, opts ...Option) *Enumerator {
	e := &Enumerator{
		fs:       fsys,
		root:     root,
		filter:   filter.All(),
		symlinks: SymlinkPreserve,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Err returns the error that ended the walk early, if any. Per-entry
// failures are not reported here; they are yielded as entries with Err set.
func (e *Enumerator) Err() error {
	return e.err
}

// Next returns the next entry, or false when the walk is over.
func (e *Enumerator) Next() (Entry, bool) {
	if !e.started {
		e.started = true
		e.start()
	}
	for {
		if len(e.queue) > 0 {
			next := e.queue[0]
			e.queue = e.queue[1:]
			return next, true
		}
		if e.done || len(e.stack) == 0 {
			e.done = true
			return Entry{}, false
		}
		e.step()
	}
}

func (e *Enumerator) start() {
	info, err := e.fs.Stat(e.root)
	if err != nil {
		if os.IsNotExist(err) {
			e.done = true
			return
		}
		e.fail(syncerr.Wrap(err, syncerr.CodeEnumeration, "", fmt.Sprintf("stat root %s", e.root)))
		return
	}
	if !info.IsDir() {
		e.fail(syncerr.New(syncerr.CodeEnumeration, "", "root %s is not a directory", e.root))
		return
	}
	names, err := e.readNames(e.root)
	if err != nil {
		e.fail(syncerr.Wrap(err, syncerr.CodeEnumeration, "", fmt.Sprintf("read root %s", e.root)))
		return
	}
	e.stack = []*frame{{abs: e.root, names: names, emitted: true, info: info}}
}

func (e *Enumerator) fail(err error) {
	e.err = err
	e.done = true
	e.stack = nil
}

// step visits one child of the innermost directory
func (e *Enumerator) step() {
	top := e.stack[len(e.stack)-1]
	if top.idx >= len(top.names) {
		e.stack = e.stack[:len(e.stack)-1]
		return
	}
	name := top.names[top.idx]
	top.idx++

	rel := name
	if top.rel != "" {
		rel = top.rel + "/" + name
	}
	abs := filepath.Join(top.abs, name)
	depth := Depth(rel)
	if e.maxDepth > 0 && depth > e.maxDepth {
		return
	}

	info, err := e.lstat(abs)
	if err != nil {
		if e.filter.Match(rel) == filter.Included {
			e.emit(Entry{Path: rel, Err: syncerr.Wrap(err, syncerr.CodeEnumeration, rel, "read metadata")})
		}
		return
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if e.symlinks == SymlinkResolve {
			e.visitResolved(rel, abs, info)
			return
		}
		e.visitSymlink(rel, abs, info)
		return
	}
	if info.IsDir() {
		e.visitDir(rel, abs, info)
		return
	}
	if !info.Mode().IsRegular() {
		// sockets, devices and pipes have no meaningful copy
		return
	}
	e.visitFile(rel, abs, info)
}

func (e *Enumerator) visitFile(rel, abs string, info os.FileInfo) {
	if e.filter.MatchFile(rel) != filter.Included {
		return
	}
	entry := Entry{
		Path:    rel,
		Kind:    KindFile,
		Size:    uint64(info.Size()),
		ModTime: info.ModTime(),
		Mode:    info.Mode().Perm(),
	}
	if e.checksum != nil {
		sum, err := e.checksum(e.fs, abs)
		if err != nil {
			entry.Err = syncerr.Wrap(err, syncerr.CodeEnumeration, rel, "compute checksum")
		}
		entry.Checksum = sum
	}
	e.emit(entry)
}

func (e *Enumerator) visitSymlink(rel, abs string, info os.FileInfo) {
	if e.filter.MatchFile(rel) != filter.Included {
		return
	}
	entry := Entry{
		Path:    rel,
		Kind:    KindSymlink,
		ModTime: info.ModTime(),
		Mode:    info.Mode().Perm(),
	}
	reader, ok := e.fs.(afero.LinkReader)
	if !ok {
		entry.Err = syncerr.New(syncerr.CodeEnumeration, rel, "filesystem cannot read symlinks")
		e.emit(entry)
		return
	}
	target, err := reader.ReadlinkIfPossible(abs)
	if err != nil {
		entry.Err = syncerr.Wrap(err, syncerr.CodeEnumeration, rel, "read symlink")
	}
	entry.LinkTarget = target
	entry.Size = uint64(len(target))
	e.emit(entry)
}

// visitResolved follows a symlink and visits its target under the link's
// path. Directory targets that are one of their own ancestors are reported
// instead of descended.
func (e *Enumerator) visitResolved(rel, abs string, linkInfo os.FileInfo) {
	target, err := e.fs.Stat(abs)
	if err != nil {
		if e.filter.Match(rel) == filter.Included {
			e.emit(Entry{Path: rel, Kind: KindSymlink, ModTime: linkInfo.ModTime(),
				Err: syncerr.Wrap(err, syncerr.CodeEnumeration, rel, "resolve symlink")})
		}
		return
	}
	if target.IsDir() {
		for _, f := range e.stack {
			if f.info != nil && os.SameFile(f.info, target) {
				if e.filter.Match(rel) == filter.Included {
					e.emit(Entry{Path: rel, Kind: KindDir, ModTime: target.ModTime(),
						Err: syncerr.New(syncerr.CodeEnumeration, rel, "symlink cycle back to %q", f.rel)})
				}
				return
			}
		}
		e.visitDir(rel, abs, target)
		return
	}
	if !target.Mode().IsRegular() {
		return
	}
	e.visitFile(rel, abs, target)
}

func (e *Enumerator) visitDir(rel, abs string, info os.FileInfo) {
	if e.filter.Prune(rel) {
		return
	}
	entry := Entry{
		Path:    rel,
		Kind:    KindDir,
		ModTime: info.ModTime(),
		Mode:    info.Mode().Perm(),
	}

	descend := e.maxDepth == 0 || Depth(rel) < e.maxDepth
	var names []string
	if descend {
		var err error
		names, err = e.readNames(abs)
		if err != nil {
			entry.Err = syncerr.Wrap(err, syncerr.CodeEnumeration, rel, "read directory")
			e.emit(entry)
			return
		}
	}

	f := &frame{rel: rel, abs: abs, names: names, entry: entry, info: info}
	e.stack = append(e.stack, f)
	if e.filter.Match(rel) == filter.Included {
		e.emit(entry)
	}
}

// emit queues entry after any ancestor directories that were held back
// because they did not match an include rule themselves.
func (e *Enumerator) emit(entry Entry) {
	for _, f := range e.stack {
		if f.emitted {
			continue
		}
		f.emitted = true
		if f.entry.Path == entry.Path {
			continue
		}
		e.queue = append(e.queue, f.entry)
	}
	e.queue = append(e.queue, entry)
}

func (e *Enumerator) lstat(name string) (os.FileInfo, error) {
	if l, ok := e.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return e.fs.Stat(name)
}

func (e *Enumerator) readNames(dir string) ([]string, error) {
	f, err := e.fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Collect drains an enumerator into a slice
func Collect(e *Enumerator) ([]Entry, error) {
	var entries []Entry
	for {
		entry, ok := e.Next()
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	return entries, e.Err()
}
