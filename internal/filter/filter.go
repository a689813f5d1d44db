// Package filter decides which relative paths take part in a sync run.
//
// Rules come in two ordered lists. When the include list is non-empty a path
// must match one of its patterns; a path matching any exclude pattern is
// always excluded, even if an include pattern matched as well.
package filter

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Kind says whether a rule includes or excludes
type Kind int

const (
	Include Kind = iota
	Exclude
)

func (k Kind) String() string {
	if k == Exclude {
		return "exclude"
	}
	return "include"
}

// Rule is a single pattern read from a rule file or the command line
type Rule struct {
	Pattern string
	Kind    Kind
}

// Decision is the result of matching a path
type Decision int

const (
	Included Decision = iota
	Excluded
)

func (d Decision) String() string {
	if d == Excluded {
		return "excluded"
	}
	return "included"
}

// Filter evaluates rules against slash-separated relative paths. It is
// read-only after construction and safe for concurrent use.
type Filter struct {
	includes   []pattern
	excludes   []pattern
	extensions []string
}

type pattern struct {
	raw      string
	segments int
	literal  bool
}

// Option configures a Filter
type Option func(*Filter)

// WithExtensions restricts files to the given extensions ("go", ".go" and
// "*.go" are all accepted). Directories are unaffected.
func WithExtensions(exts ...string) Option {
	return func(f *Filter) {
		for _, ext := range exts {
			ext = strings.TrimSpace(ext)
			ext = strings.TrimPrefix(ext, "*")
			ext = strings.TrimPrefix(ext, ".")
			if ext != "" {
				f.extensions = append(f.extensions, "."+ext)
			}
		}
	}
}

// New builds a Filter. Invalid rules are dropped and returned as warnings.
func New(rules []Rule, opts ...Option) (*Filter, []error) {
	f := &Filter{}
	var warnings []error
	for _, r := range rules {
		p, err := compile(r.Pattern)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		if r.Kind == Exclude {
			f.excludes = append(f.excludes, p)
		} else {
			f.includes = append(f.includes, p)
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, warnings
}

// All returns a filter that includes everything
func All() *Filter {
	return &Filter{}
}

// Match applies the include and exclude lists to relPath.
func (f *Filter) Match(relPath string) Decision {
	segs, ok := split(relPath)
	if !ok {
		return Excluded
	}
	if len(segs) == 0 {
		return Included
	}
	if f.excluded(segs) {
		return Excluded
	}
	if len(f.includes) > 0 && !anyMatch(f.includes, segs, false) {
		return Excluded
	}
	return Included
}

// MatchFile is Match plus the extension restriction.
func (f *Filter) MatchFile(relPath string) Decision {
	if f.Match(relPath) == Excluded {
		return Excluded
	}
	if len(f.extensions) == 0 {
		return Included
	}
	ext := path.Ext(relPath)
	for _, want := range f.extensions {
		if ext == want {
			return Included
		}
	}
	return Excluded
}

// Prune reports whether the directory at relPath must not be descended
// into. Only exclude rules prune: an include rule may still match
// something below a directory that does not match itself.
func (f *Filter) Prune(relPath string) bool {
	segs, ok := split(relPath)
	if !ok {
		return true
	}
	return len(segs) > 0 && f.excluded(segs)
}

// HasIncludes reports whether an include list is active
func (f *Filter) HasIncludes() bool {
	return len(f.includes) > 0
}

func (f *Filter) excluded(segs []string) bool {
	return anyMatch(f.excludes, segs, true)
}

func anyMatch(patterns []pattern, segs []string, suffixDot bool) bool {
	for _, p := range patterns {
		if p.matches(segs, suffixDot) {
			return true
		}
	}
	return false
}

// matches checks a single-segment pattern against every path component and
// a multi-segment pattern against every segment prefix (subtree root).
func (p pattern) matches(segs []string, suffixDot bool) bool {
	if p.segments == 1 {
		for _, c := range segs {
			if p.literal {
				if c == p.raw {
					return true
				}
				if suffixDot && strings.HasPrefix(p.raw, ".") && strings.HasSuffix(c, p.raw) {
					return true
				}
				continue
			}
			if ok, _ := doublestar.Match(p.raw, c); ok {
				return true
			}
		}
		return false
	}

	for k := 1; k <= len(segs); k++ {
		prefix := strings.Join(segs[:k], "/")
		if p.literal {
			if prefix == p.raw {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(p.raw, prefix); ok {
			return true
		}
	}
	return false
}

// split normalizes a relative path into its segments. Absolute paths and
// paths escaping the root are rejected.
func split(relPath string) ([]string, bool) {
	p := strings.ReplaceAll(relPath, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return nil, false
	}
	p = path.Clean(p)
	if p == "." {
		return nil, true
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return nil, false
	}
	return strings.Split(p, "/"), true
}
