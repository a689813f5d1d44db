// Package plan diffs a source and a destination enumeration into a SyncPlan.
package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/schaermu/acsync/internal/integrity"
	"github.com/schaermu/acsync/internal/syncerr"
	"github.com/schaermu/acsync/internal/tree"
)

// Action is what a plan item proposes for its path
type Action int

const (
	ActionSkip Action = iota
	ActionCreate
	ActionOverwrite
	ActionConflict
	// ActionDeleteGuarded marks a destination entry that could only be
	// reconciled by deleting it. The planner never emits it and the
	// executor refuses it.
	ActionDeleteGuarded
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionCreate:
		return "create"
	case ActionOverwrite:
		return "overwrite"
	case ActionConflict:
		return "conflict"
	case ActionDeleteGuarded:
		return "delete-guarded"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Item is the proposed action for one relative path
type Item struct {
	Path   string
	Action Action
	Source *tree.Entry
	Dest   *tree.Entry
	// Reason explains Skip, Conflict and Overwrite decisions
	Reason string
	// Irreconcilable conflicts can never be confirmed into an overwrite
	Irreconcilable bool
	// Err carries an enumeration failure; the item is reported as failed
	Err error
}

// Kind returns the kind of the entry that would be written
func (it Item) Kind() tree.Kind {
	if it.Source != nil {
		return it.Source.Kind
	}
	if it.Dest != nil {
		return it.Dest.Kind
	}
	return tree.KindUnknown
}

// Depth returns the item's path depth
func (it Item) Depth() int {
	return tree.Depth(it.Path)
}

// SyncPlan is the ordered list of items for a run. Order is the enumeration
// order, so every directory precedes its contents.
type SyncPlan struct {
	Items []Item
}

// Counts tallies items per action
func (p *SyncPlan) Counts() map[Action]int {
	counts := make(map[Action]int)
	for _, it := range p.Items {
		counts[it.Action]++
	}
	return counts
}

// Source is a lazy, ordered stream of entries such as *tree.Enumerator
type Source interface {
	Next() (tree.Entry, bool)
	Err() error
}

// Options tune the comparison of entries present on both sides
type Options struct {
	// ModTimeWindow is the largest modification time difference still
	// treated as equal
	ModTimeWindow time.Duration
}

// Build merge-joins src and dst on relative path. Both streams must be in
// tree.ComparePaths order; anything else is a planning invariant violation.
func Build(src, dst Source, opts Options) (*SyncPlan, error) {
	p := &SyncPlan{}

	s := newCursor(src, "source")
	d := newCursor(dst, "destination")
	if err := s.advance(); err != nil {
		return nil, err
	}
	if err := d.advance(); err != nil {
		return nil, err
	}

	var b blocker
	for s.ok || d.ok {
		switch {
		case s.ok && (!d.ok || tree.ComparePaths(s.cur.Path, d.cur.Path) < 0):
			p.Items = append(p.Items, b.apply(sourceOnly(s.cur)))
			if err := s.advance(); err != nil {
				return nil, err
			}
		case d.ok && (!s.ok || tree.ComparePaths(s.cur.Path, d.cur.Path) > 0):
			p.Items = append(p.Items, b.apply(destOnly(d.cur)))
			if err := d.advance(); err != nil {
				return nil, err
			}
		default:
			p.Items = append(p.Items, b.apply(both(s.cur, d.cur, opts)))
			if err := s.advance(); err != nil {
				return nil, err
			}
			if err := d.advance(); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// blocker holds back the subtree below an irreconcilable directory. The
// destination side of such a directory is unreadable, a symlink or not a
// directory at all, so nothing may be written below it.
type blocker struct {
	path   string
	reason string
}

func (b *blocker) apply(it Item) Item {
	if b.path != "" && strings.HasPrefix(it.Path, b.path+"/") {
		it.Action, it.Irreconcilable, it.Err = ActionSkip, false, nil
		it.Reason = fmt.Sprintf("below %s: %s", b.path, b.reason)
		return it
	}
	b.path, b.reason = "", ""
	if it.Action == ActionConflict && it.Irreconcilable && it.Source != nil && it.Source.Kind == tree.KindDir {
		b.path, b.reason = it.Path, it.Reason
	}
	return it
}

// cursor wraps a Source and enforces strictly increasing paths
type cursor struct {
	src  Source
	side string
	cur  tree.Entry
	ok   bool
	seen bool
}

func newCursor(src Source, side string) *cursor {
	return &cursor{src: src, side: side}
}

func (c *cursor) advance() error {
	prev, hadPrev := c.cur, c.seen
	next, ok := c.src.Next()
	if !ok {
		c.ok = false
		if err := c.src.Err(); err != nil {
			return fmt.Errorf("enumerate %s: %w", c.side, err)
		}
		return nil
	}
	if hadPrev && tree.ComparePaths(prev.Path, next.Path) >= 0 {
		return syncerr.New(syncerr.CodePlanningInvariant, next.Path,
			"%s yielded %q after %q", c.side, next.Path, prev.Path)
	}
	c.cur, c.ok, c.seen = next, true, true
	return nil
}

func sourceOnly(e tree.Entry) Item {
	src := e
	if e.Failed() {
		return Item{Path: e.Path, Action: ActionSkip, Source: &src, Reason: "source unreadable", Err: e.Err}
	}
	return Item{Path: e.Path, Action: ActionCreate, Source: &src}
}

func destOnly(e tree.Entry) Item {
	dst := e
	return Item{Path: e.Path, Action: ActionSkip, Dest: &dst, Reason: "only in destination"}
}

func both(s, d tree.Entry, opts Options) Item {
	src, dst := s, d
	it := Item{Path: s.Path, Source: &src, Dest: &dst}

	switch {
	case s.Failed():
		it.Action, it.Reason, it.Err = ActionSkip, "source unreadable", s.Err
	case d.Failed():
		it.Action, it.Reason, it.Irreconcilable, it.Err = ActionConflict, "destination unreadable", true, d.Err
	case s.Kind != d.Kind:
		it.Action, it.Irreconcilable = ActionConflict, true
		it.Reason = fmt.Sprintf("kind mismatch: %s in source, %s in destination", s.Kind, d.Kind)
	case s.Kind == tree.KindDir:
		it.Action, it.Reason = ActionSkip, "directory exists"
	case identical(s, d, opts):
		it.Action, it.Reason = ActionSkip, "unchanged"
	case !d.ModTime.Before(s.ModTime) || integrity.SameTime(s.ModTime, d.ModTime, opts.ModTimeWindow):
		// the destination is as new or newer: never clobber it silently
		it.Action = ActionConflict
		if d.ModTime.After(s.ModTime) && !integrity.SameTime(s.ModTime, d.ModTime, opts.ModTimeWindow) {
			it.Reason = "destination is newer"
		} else {
			it.Reason = "same modification time, different content"
		}
	default:
		it.Action, it.Reason = ActionOverwrite, "destination is older"
	}
	return it
}

func identical(s, d tree.Entry, opts Options) bool {
	if s.Kind == tree.KindSymlink {
		return s.LinkTarget == d.LinkTarget
	}
	if s.Size != d.Size || !integrity.SameTime(s.ModTime, d.ModTime, opts.ModTimeWindow) {
		return false
	}
	if s.Checksum != "" && d.Checksum != "" {
		return s.Checksum == d.Checksum
	}
	return true
}
