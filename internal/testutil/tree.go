package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

// BaseTime is a fixed, second-aligned timestamp for reproducible fixtures
var BaseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// File describes a fixture file
type File struct {
	Content string
	Mode    os.FileMode
	ModTime time.Time
}

// WriteTree creates the given files below root. Keys are slash-separated
// relative paths; a key ending in "/" creates an empty directory.
func WriteTree(t *testing.T, root string, files map[string]File) {
	t.Helper()

	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, rel := range keys {
		f := files[rel]
		path := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(rel, "/")))
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(path, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir parent of %s: %v", rel, err)
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(path, []byte(f.Content), mode); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
		if err := os.Chmod(path, mode); err != nil {
			t.Fatalf("chmod %s: %v", rel, err)
		}
		mtime := f.ModTime
		if mtime.IsZero() {
			mtime = BaseTime
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", rel, err)
		}
	}
}

// Touch sets the modification time of root/rel
func Touch(t *testing.T, root, rel string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(filepath.Join(root, filepath.FromSlash(rel)), mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", rel, err)
	}
}

// ReadFile returns the content of root/rel
func ReadFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

// Snapshot records kind, mode, size and modification time of every entry
// below root, keyed by slash-separated relative path. It is used to assert
// that a run left a tree untouched.
func Snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	snap := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		size := "-"
		if !info.IsDir() {
			size = fmt.Sprint(info.Size())
		}
		snap[filepath.ToSlash(rel)] = fmt.Sprintf("%s %s %s",
			info.Mode(), size, info.ModTime().UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot %s: %v", root, err)
	}
	return snap
}

// Files lists the relative paths of regular files below root
func Files(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	for rel, desc := range Snapshot(t, root) {
		if strings.HasPrefix(desc, "-") {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out
}

// Logger returns a logger that only reports errors
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
