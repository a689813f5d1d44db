//go:build integration

package tier1

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	originDir = "origin"
	backupDir = "backup"
)

var baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestTier1Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	defer h.Cleanup()

	if err := h.Build(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	seedOrigin(t, h)

	// Subtests share the work directory and run in order
	t.Run("A_SetupSavesPaths", func(t *testing.T) {
		testSetupSavesPaths(t, h, ctx)
	})

	t.Run("B_InitialReplicate", func(t *testing.T) {
		testInitialReplicate(t, h, ctx)
	})

	t.Run("C_NoOpReplicate", func(t *testing.T) {
		testNoOpReplicate(t, h, ctx)
	})

	t.Run("D_NewerBackupIsKept", func(t *testing.T) {
		testNewerBackupIsKept(t, h, ctx)
	})

	t.Run("E_NeverDeletes", func(t *testing.T) {
		testNeverDeletes(t, h, ctx)
	})

	t.Run("F_DryRunMode", func(t *testing.T) {
		testDryRunMode(t, h, ctx)
	})

	t.Run("G_RestoreBack", func(t *testing.T) {
		testRestoreBack(t, h, ctx)
	})

	t.Run("H_TextSummary", func(t *testing.T) {
		testTextSummary(t, h, ctx)
	})
}

// seedOrigin writes a small origin tree with an exclude rule file
func seedOrigin(t *testing.T, h *Harness) {
	t.Helper()
	h.WriteFile(originDir+"/.acsync-exclude", "# editor leftovers\n.swp\nbuild/\n", baseTime)
	h.WriteFile(originDir+"/notes/todo.md", "- ship it\n", baseTime)
	h.WriteFile(originDir+"/notes/.todo.md.swp", "swap", baseTime)
	h.WriteFile(originDir+"/photos/2024/beach.jpg", strings.Repeat("j", 4096), baseTime)
	h.WriteFile(originDir+"/build/out.bin", "artifact", baseTime)
	h.WriteFile(originDir+"/readme.txt", "hello\n", baseTime)
}

func testSetupSavesPaths(t *testing.T, h *Harness, ctx context.Context) {
	stdout, _ := h.MustExec(ctx, "setup", h.Path(originDir), h.Path(backupDir))
	t.Logf("stdout: %s", stdout)

	if !strings.Contains(stdout, "config.yaml") {
		t.Errorf("setup did not report the config path: %s", stdout)
	}
}

func testInitialReplicate(t *testing.T, h *Harness, ctx context.Context) {
	// no paths: they come from the saved config
	s := h.Sync(ctx, "replicate")

	if s.Failed != 0 {
		t.Fatalf("unexpected failures: %v", s.Failures)
	}
	for _, rel := range []string{".acsync-exclude", "notes/todo.md", "photos/2024/beach.jpg", "readme.txt"} {
		if !h.FileExists(backupDir + "/" + rel) {
			t.Errorf("%s was not replicated", rel)
		}
	}
	for _, rel := range []string{"notes/.todo.md.swp", "build/out.bin"} {
		if h.FileExists(backupDir + "/" + rel) {
			t.Errorf("%s should have been excluded", rel)
		}
	}
	if s.BytesCopied < 4096 {
		t.Errorf("bytes copied = %d, want at least 4096", s.BytesCopied)
	}

	info, err := os.Stat(h.Path(backupDir + "/readme.txt"))
	if err != nil {
		t.Fatalf("stat replica: %v", err)
	}
	if !info.ModTime().Equal(baseTime) {
		t.Errorf("mtime not preserved: %v", info.ModTime())
	}
}

func testNoOpReplicate(t *testing.T, h *Harness, ctx context.Context) {
	s := h.Sync(ctx, "replicate", "--integrity", "checksum")

	if s.Created != 0 || s.Overwritten != 0 || s.Failed != 0 {
		t.Errorf("second run changed something: %+v", s)
	}
}

func testNewerBackupIsKept(t *testing.T, h *Harness, ctx context.Context) {
	h.WriteFile(backupDir+"/readme.txt", "edited in the backup\n", baseTime.Add(time.Hour))
	h.WriteFile(originDir+"/notes/todo.md", "- ship it today\n", baseTime.Add(time.Minute))

	s := h.Sync(ctx, "replicate")

	if got := h.ReadFile(backupDir + "/readme.txt"); got != "edited in the backup\n" {
		t.Errorf("newer backup file was replaced: %q", got)
	}
	if got := h.ReadFile(backupDir + "/notes/todo.md"); got != "- ship it today\n" {
		t.Errorf("older backup file was not updated: %q", got)
	}
	if s.Overwritten != 1 || s.ConflictsResolved != 1 {
		t.Errorf("summary = %+v, want 1 overwrite and 1 conflict", s)
	}

	// --prompt without a terminal declines every overwrite
	h.WriteFile(originDir+"/readme.txt", "hello again\n", baseTime.Add(2*time.Hour))
	s = h.Sync(ctx, "replicate", "--prompt")
	if s.Overwritten != 0 {
		t.Errorf("overwrite happened without confirmation: %+v", s)
	}
}

func testNeverDeletes(t *testing.T, h *Harness, ctx context.Context) {
	h.WriteFile(backupDir+"/only-in-backup.txt", "precious", baseTime)
	if err := os.Remove(h.Path(originDir + "/photos/2024/beach.jpg")); err != nil {
		t.Fatalf("remove origin file: %v", err)
	}

	h.Sync(ctx, "replicate")

	if !h.FileExists(backupDir + "/only-in-backup.txt") {
		t.Error("backup-only file was deleted")
	}
	if !h.FileExists(backupDir + "/photos/2024/beach.jpg") {
		t.Error("replica of a removed origin file was deleted")
	}
}

func testDryRunMode(t *testing.T, h *Harness, ctx context.Context) {
	h.WriteFile(originDir+"/new/plan.txt", "draft", baseTime)

	s := h.Sync(ctx, "replicate", "--dry-run")

	if !s.DryRun {
		t.Error("summary is not marked as dry run")
	}
	if s.Created != 2 {
		t.Errorf("created = %d, want 2 (directory and file)", s.Created)
	}
	if h.FileExists(backupDir + "/new/plan.txt") {
		t.Error("dry run wrote to the backup")
	}
}

func testRestoreBack(t *testing.T, h *Harness, ctx context.Context) {
	s := h.Sync(ctx, "restore")

	if s.Failed != 0 {
		t.Fatalf("unexpected failures: %v", s.Failures)
	}
	if !h.FileExists(originDir + "/photos/2024/beach.jpg") {
		t.Error("removed origin file was not restored")
	}
	if !h.FileExists(originDir + "/only-in-backup.txt") {
		t.Error("backup-only file was not restored")
	}
	if got := h.ReadFile(originDir + "/readme.txt"); got != "hello again\n" {
		t.Errorf("newer origin file was replaced: %q", got)
	}

	// replicate --back is the same operation
	s = h.Sync(ctx, "replicate", "--back")
	if s.Created != 0 || s.Overwritten != 0 {
		t.Errorf("replicate --back after restore changed something: %+v", s)
	}
}

func testTextSummary(t *testing.T, h *Harness, ctx context.Context) {
	stdout, stderr := h.MustExec(ctx, "replicate", "--no-color")
	t.Logf("stderr: %s", stderr)

	for _, want := range []string{"Created", "Overwritten", "Skipped", "Failed"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("text summary lacks %q:\n%s", want, stdout)
		}
	}
}
