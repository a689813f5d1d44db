package tree

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/acsync/internal/filter"
	"github.com/schaermu/acsync/internal/syncerr"
	"github.com/schaermu/acsync/internal/testutil"
)

func paths(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func filePaths(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		if e.Kind == KindFile {
			out = append(out, e.Path)
		}
	}
	return out
}

func TestEnumerate_DeterministicDepthFirst(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]testutil.File{
		"b.txt":       {Content: "b"},
		"a/z.txt":     {Content: "z"},
		"a/b/c.txt":   {Content: "c"},
		"a-b/x.txt":   {Content: "x"},
		"empty/":      {},
		"A-upper.txt": {Content: "upper"},
	})

	entries, err := Collect(New(afero.NewOsFs(), root))
	require.NoError(t, err)

	want := []string{
		"A-upper.txt",
		"a",
		"a/b",
		"a/b/c.txt",
		"a/z.txt",
		"a-b",
		"a-b/x.txt",
		"b.txt",
		"empty",
	}
	assert.Equal(t, want, paths(entries))

	again, err := Collect(New(afero.NewOsFs(), root))
	require.NoError(t, err)
	assert.Equal(t, entries, again, "two walks of the same tree yield the same sequence")

	for i := 1; i < len(entries); i++ {
		assert.Negative(t, ComparePaths(entries[i-1].Path, entries[i].Path),
			"%s must sort before %s", entries[i-1].Path, entries[i].Path)
	}
}

func TestEnumerate_Metadata(t *testing.T) {
	root := t.TempDir()
	mtime := testutil.BaseTime.Add(-time.Hour)
	testutil.WriteTree(t, root, map[string]testutil.File{
		"dir/script.sh": {Content: "#!/bin/sh\n", Mode: 0o755, ModTime: mtime},
	})

	entries, err := Collect(New(afero.NewOsFs(), root))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	dir, file := entries[0], entries[1]
	assert.Equal(t, KindDir, dir.Kind)
	assert.Equal(t, 1, dir.Depth())

	assert.Equal(t, KindFile, file.Kind)
	assert.Equal(t, "script.sh", file.Name())
	assert.Equal(t, 2, file.Depth())
	assert.Equal(t, uint64(10), file.Size)
	assert.Equal(t, os.FileMode(0o755), file.Mode)
	assert.True(t, mtime.Equal(file.ModTime))
	assert.Empty(t, file.Checksum)
}

func TestEnumerate_FilterCorrectness(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]testutil.File{
		"src/a.rs":       {Content: "fn main() {}"},
		"target/build.o": {Content: "obj"},
		"README.md":      {Content: "readme"},
		"notes.tmp":      {Content: "scratch"},
	})

	f, warnings := filter.New([]filter.Rule{
		{Pattern: "src/", Kind: filter.Include},
		{Pattern: "README.md", Kind: filter.Include},
		{Pattern: "target", Kind: filter.Exclude},
		{Pattern: ".tmp", Kind: filter.Exclude},
	})
	require.Empty(t, warnings)

	entries, err := Collect(New(afero.NewOsFs(), root, WithFilter(f)))
	require.NoError(t, err)

	assert.Equal(t, []string{"README.md", "src/a.rs"}, filePaths(entries))
	assert.Equal(t, []string{"README.md", "src", "src/a.rs"}, paths(entries))
}

func TestEnumerate_IncludeEmitsAncestorsLazily(t *testing.T) {
	fsys := afero.NewMemMapFs()
	for _, p := range []string{"/r/docs/api/guide.md", "/r/docs/api/logo.png", "/r/other/x.png"} {
		require.NoError(t, afero.WriteFile(fsys, p, []byte("x"), 0o644))
	}

	f, _ := filter.New([]filter.Rule{{Pattern: "*.md", Kind: filter.Include}})
	entries, err := Collect(New(fsys, "/r", WithFilter(f)))
	require.NoError(t, err)

	assert.Equal(t, []string{"docs", "docs/api", "docs/api/guide.md"}, paths(entries))
}

func TestEnumerate_ExcludedDirectoryIsPruned(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/keep.txt", []byte("k"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/r/node_modules/pkg/index.js", []byte("j"), 0o644))

	f, _ := filter.New([]filter.Rule{{Pattern: "node_modules", Kind: filter.Exclude}})
	entries, err := Collect(New(fsys, "/r", WithFilter(f)))
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, paths(entries))
}

func TestEnumerate_MaxDepth(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/top.txt", nil, 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/r/a/mid.txt", nil, 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/r/a/b/deep.txt", nil, 0o644))

	entries, err := Collect(New(fsys, "/r", WithMaxDepth(2)))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a/b", "a/mid.txt", "top.txt"}, paths(entries))
}

func TestEnumerate_Checksums(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/ok.txt", []byte("ok"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/r/bad.txt", []byte("bad"), 0o644))

	sum := func(_ afero.Fs, name string) (string, error) {
		if filepath.Base(name) == "bad.txt" {
			return "", errors.New("disk on fire")
		}
		return "sum:" + filepath.Base(name), nil
	}

	entries, err := Collect(New(fsys, "/r", WithChecksums(sum)))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].Failed())
	assert.True(t, errors.Is(entries[0].Err, syncerr.ErrEnumeration))
	assert.Equal(t, "sum:ok.txt", entries[1].Checksum)
	assert.False(t, entries[1].Failed())
}

func TestEnumerate_MissingRootIsEmpty(t *testing.T) {
	entries, err := Collect(New(afero.NewMemMapFs(), "/does/not/exist"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnumerate_RootIsAFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/file", nil, 0o644))

	_, err := Collect(New(fsys, "/file"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrEnumeration))
}

func TestEnumerate_NotRestartable(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/a", nil, 0o644))

	e := New(fsys, "/r")
	first, err := Collect(e)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, ok := e.Next()
	assert.False(t, ok)
}

func TestEnumerate_UnreadableDirectoryContinues(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]testutil.File{
		"a.txt":        {Content: "a"},
		"locked/x.txt": {Content: "x"},
		"z.txt":        {Content: "z"},
	})
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	entries, err := Collect(New(afero.NewOsFs(), root))
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "locked", "z.txt"}, paths(entries))
	assert.True(t, entries[1].Failed())
	assert.False(t, entries[2].Failed())
}

func TestEnumerate_Symlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]testutil.File{
		"data/real.txt": {Content: "real"},
	})
	require.NoError(t, os.Symlink("data/real.txt", filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(".", filepath.Join(root, "data", "self")))

	t.Run("preserve", func(t *testing.T) {
		entries, err := Collect(New(afero.NewOsFs(), root))
		require.NoError(t, err)
		require.Equal(t, []string{"data", "data/real.txt", "data/self", "link.txt"}, paths(entries))

		link := entries[3]
		assert.Equal(t, KindSymlink, link.Kind)
		assert.Equal(t, "data/real.txt", link.LinkTarget)
		assert.Equal(t, KindSymlink, entries[2].Kind)
	})

	t.Run("resolve", func(t *testing.T) {
		entries, err := Collect(New(afero.NewOsFs(), root, WithSymlinks(SymlinkResolve)))
		require.NoError(t, err)
		require.Equal(t, []string{"data", "data/real.txt", "data/self", "link.txt"}, paths(entries))

		assert.True(t, entries[2].Failed(), "self-referencing link is a cycle")
		assert.Equal(t, KindFile, entries[3].Kind)
		assert.Equal(t, uint64(4), entries[3].Size)
	})
}

func TestComparePaths(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"a", "a", 0},
		{"a", "a/b", -1},
		{"a/b", "a-b", -1},
		{"a-b", "a/b", 1},
		{"a/z", "b", -1},
		{"B", "a", -1},
		{"a/b/c", "a/b", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComparePaths(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
