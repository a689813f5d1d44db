package integrity

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/acsync/internal/syncerr"
	"github.com/schaermu/acsync/internal/tree"
)

// Level selects how thoroughly copies are verified
type Level string

const (
	LevelNone     Level = "none"
	LevelMetadata Level = "metadata"
	LevelChecksum Level = "checksum"
)

// ParseLevel validates a level name; empty selects LevelMetadata
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case "", LevelMetadata:
		return LevelMetadata, nil
	case LevelNone:
		return LevelNone, nil
	case LevelChecksum:
		return LevelChecksum, nil
	}
	return "", fmt.Errorf("unknown integrity level %q (must be none, metadata or checksum)", s)
}

// Result is the outcome of a verification
type Result struct {
	Verified bool
	Detail   string
}

// Verified is the successful Result
var Verified = Result{Verified: true}

// Mismatch builds a failed Result
func Mismatch(format string, args ...any) Result {
	return Result{Detail: fmt.Sprintf(format, args...)}
}

// Err converts a mismatch into an IntegrityMismatch error for path
func (r Result) Err(path string) error {
	if r.Verified {
		return nil
	}
	return syncerr.New(syncerr.CodeIntegrityMismatch, path, "%s", r.Detail)
}

// Validator compares a source entry with what ended up at the destination
type Validator struct {
	fs        afero.Fs
	level     Level
	algorithm Algorithm
	window    time.Duration
}

// NewValidator creates a validator. window is the tolerated modification
// time difference for filesystems with coarse timestamps.
func NewValidator(fsys afero.Fs, level Level, algorithm Algorithm, window time.Duration) *Validator {
	if level == "" {
		level = LevelMetadata
	}
	if algorithm == "" {
		algorithm = SHA256
	}
	return &Validator{fs: fsys, level: level, algorithm: algorithm, window: window}
}

// Level returns the configured level
func (v *Validator) Level() Level {
	return v.level
}

// Algorithm returns the checksum algorithm
func (v *Validator) Algorithm() Algorithm {
	return v.algorithm
}

// Verify checks destPath against src. srcPath is only read in checksum mode
// when src carries no checksum yet.
func (v *Validator) Verify(src tree.Entry, srcPath, destPath string) Result {
	if v.level == LevelNone || src.Kind == tree.KindDir {
		return Verified
	}

	info, err := v.lstat(destPath)
	if err != nil {
		return Mismatch("stat destination: %v", err)
	}

	if src.Kind == tree.KindSymlink {
		if info.Mode()&os.ModeSymlink == 0 {
			return Mismatch("destination is not a symlink")
		}
		reader, ok := v.fs.(afero.LinkReader)
		if !ok {
			return Verified
		}
		target, err := reader.ReadlinkIfPossible(destPath)
		if err != nil {
			return Mismatch("read destination link: %v", err)
		}
		if target != src.LinkTarget {
			return Mismatch("link target %q, want %q", target, src.LinkTarget)
		}
		return Verified
	}

	if got := uint64(info.Size()); got != src.Size {
		return Mismatch("size %d, want %d", got, src.Size)
	}
	if !SameTime(info.ModTime(), src.ModTime, v.window) {
		return Mismatch("modification time %s, want %s",
			info.ModTime().Format(time.RFC3339Nano), src.ModTime.Format(time.RFC3339Nano))
	}
	if v.level != LevelChecksum {
		return Verified
	}

	want := src.Checksum
	if want == "" {
		want, err = v.algorithm.FileSum(v.fs, srcPath)
		if err != nil {
			return Mismatch("checksum source: %v", err)
		}
	}
	got, err := v.algorithm.FileSum(v.fs, destPath)
	if err != nil {
		return Mismatch("checksum destination: %v", err)
	}
	if got != want {
		return Mismatch("checksum %s, want %s", got, want)
	}
	return Verified
}

func (v *Validator) lstat(name string) (os.FileInfo, error) {
	if l, ok := v.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return v.fs.Stat(name)
}

// SameTime reports whether a and b differ by at most window
func SameTime(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
