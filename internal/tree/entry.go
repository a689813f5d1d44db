package tree

import (
	"io/fs"
	"strings"
	"time"
)

// Kind is the type of a tree entry
type Kind int

const (
	KindUnknown Kind = iota
	KindFile
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	}
	return "unknown"
}

// Entry describes one file, directory or symlink below a tree root.
// Entries are values and are never modified after enumeration.
type Entry struct {
	// Path is slash-separated and relative to the tree root
	Path       string
	Kind       Kind
	Size       uint64
	ModTime    time.Time
	Mode       fs.FileMode // permission bits only
	LinkTarget string      // symlinks in preserve mode
	Checksum   string      // empty unless checksums were requested
	Err        error       // set when metadata could not be read
}

// Name returns the last path segment
func (e Entry) Name() string {
	if i := strings.LastIndexByte(e.Path, '/'); i >= 0 {
		return e.Path[i+1:]
	}
	return e.Path
}

// Depth returns the number of path segments (1 for entries at the root)
func (e Entry) Depth() int {
	return Depth(e.Path)
}

// Failed reports whether the entry could not be read
func (e Entry) Failed() bool {
	return e.Err != nil
}

// Depth returns the number of segments of a relative path
func Depth(relPath string) int {
	if relPath == "" || relPath == "." {
		return 0
	}
	return strings.Count(relPath, "/") + 1
}

// ComparePaths orders relative paths the way the enumerator yields them:
// segment by segment, a directory before anything inside it. Plain string
// comparison is not enough ("a-b" sorts before "a/b" bytewise, but the
// walk yields "a", "a/b", "a-b").
func ComparePaths(a, b string) int {
	for {
		as, arest, amore := strings.Cut(a, "/")
		bs, brest, bmore := strings.Cut(b, "/")
		if c := strings.Compare(as, bs); c != 0 {
			return c
		}
		switch {
		case !amore && !bmore:
			return 0
		case !amore:
			return -1
		case !bmore:
			return 1
		}
		a, b = arest, brest
	}
}
