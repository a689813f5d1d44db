package filter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/schaermu/acsync/internal/syncerr"
)

// Default rule file names, looked up at the root of the origin tree
const (
	DefaultIncludeFile = ".acsync-include"
	DefaultExcludeFile = ".acsync-exclude"
)

// commentMarker starts a comment line in rule files
const commentMarker = "#"

func compile(raw string) (pattern, error) {
	p := strings.TrimSpace(raw)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimRight(p, "/")
	switch {
	case p == "":
		return pattern{}, syncerr.New(syncerr.CodeConfiguration, "", "empty pattern %q", raw)
	case strings.HasPrefix(p, "/"):
		return pattern{}, syncerr.New(syncerr.CodeConfiguration, "", "absolute pattern %q is not allowed", raw)
	case !doublestar.ValidatePattern(p):
		return pattern{}, syncerr.New(syncerr.CodeConfiguration, "", "invalid glob %q", raw)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return pattern{}, syncerr.New(syncerr.CodeConfiguration, "", "pattern %q must not contain empty, . or .. segments", raw)
		}
	}
	return pattern{
		raw:      p,
		segments: strings.Count(p, "/") + 1,
		literal:  !strings.ContainsAny(p, "*?[{\\"),
	}, nil
}

// ReadRules parses a rule file: one pattern per line, blank lines and lines
// starting with # are ignored. A missing file yields no rules. Lines with an
// invalid pattern are skipped and reported as warnings.
func ReadRules(fsys afero.Fs, name string, kind Kind) ([]Rule, []error, error) {
	f, err := fsys.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, syncerr.Wrap(err, syncerr.CodeConfiguration, name, "open rule file")
	}
	defer func() {
		_ = f.Close()
	}()

	var (
		rules    []Rule
		warnings []error
	)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, commentMarker) {
			continue
		}
		if _, err := compile(line); err != nil {
			warnings = append(warnings, syncerr.Wrap(err, syncerr.CodeConfiguration,
				fmt.Sprintf("%s:%d", filepath.Base(name), lineNo), "skipping malformed rule"))
			continue
		}
		rules = append(rules, Rule{Pattern: line, Kind: kind})
	}
	if err := scanner.Err(); err != nil {
		return rules, warnings, syncerr.Wrap(err, syncerr.CodeConfiguration, name, "read rule file")
	}
	return rules, warnings, nil
}

// Files names the rule files to load from a tree root
type Files struct {
	Include string
	Exclude string
}

// Load reads both rule files below root and builds a Filter from them plus
// any extra rules. Read failures are downgraded to warnings so a broken rule
// file never stops a run.
func Load(fsys afero.Fs, root string, files Files, extra []Rule, opts ...Option) (*Filter, []error) {
	if files.Include == "" {
		files.Include = DefaultIncludeFile
	}
	if files.Exclude == "" {
		files.Exclude = DefaultExcludeFile
	}

	var (
		rules    []Rule
		warnings []error
	)
	for _, rf := range []struct {
		name string
		kind Kind
	}{
		{files.Include, Include},
		{files.Exclude, Exclude},
	} {
		r, w, err := ReadRules(fsys, filepath.Join(root, rf.name), rf.kind)
		warnings = append(warnings, w...)
		if err != nil {
			warnings = append(warnings, err)
		}
		rules = append(rules, r...)
	}
	rules = append(rules, extra...)

	f, w := New(rules, opts...)
	return f, append(warnings, w...)
}
