package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"tpm/internal/txn"
)

func newTestStore(t *testing.T) (*Store, *txn.Transaction) {
	t.Helper()
	base := t.TempDir()
	s := &Store{
		Root:   filepath.Join(base, "store"),
		BinDir: filepath.Join(base, "bin"),
		TmpDir: filepath.Join(base, "tmp"),
		Arch:   "arm64",
	}
	if err := os.MkdirAll(s.TmpDir, 0755); err != nil {
		t.Fatal(err)
	}
	return s, txn.New(s.TmpDir)
}

func mustBegin(t *testing.T, tx *txn.Transaction) {
	t.Helper()
	if err := tx.Begin("install", "test"); err != nil {
		t.Fatal(err)
	}
}

func TestInstallToStore(t *testing.T) {
	s, tx := newTestStore(t)
	mustBegin(t, tx)

	archive := filepath.Join(t.TempDir(), "hello-1.2.3-linux-arm64.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "hello-1.2.3/", dir: true, mode: 0755},
		{name: "hello-1.2.3/hello", body: string(elfMagic) + "payload-payload", mode: 0755},
		{name: "hello-1.2.3/share/doc.txt", body: "doc", mode: 0644},
	})

	binPath, binName, err := s.InstallToStore(tx, "example", "hello", "v1.2.3", archive, "hello")
	if err != nil {
		t.Fatalf("InstallToStore failed: %v", err)
	}
	if binName != "hello" {
		t.Fatalf("binary name = %q, want hello", binName)
	}
	wantBin := filepath.Join(s.Root, "example", "hello", "1.2.3", "bin", "hello")
	if binPath != wantBin {
		t.Fatalf("binary path = %s, want %s", binPath, wantBin)
	}

	info, err := os.Stat(binPath)
	if err != nil {
		t.Fatalf("binary missing: %v", err)
	}
	if info.Mode().Perm()&0111 == 0 {
		t.Fatal("binary not executable")
	}
	if _, err := os.Stat(filepath.Join(s.Root, "example", "hello", "1.2.3", "share", "doc.txt")); err != nil {
		t.Fatalf("auxiliary tree missing: %v", err)
	}

	// manifest.json summarizes the install.
	raw, err := os.ReadFile(filepath.Join(s.Root, "example", "hello", "1.2.3", "manifest.json"))
	if err != nil {
		t.Fatalf("metadata missing: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Tool != "example/hello" || meta.Version != "v1.2.3" || meta.Architecture != "arm64" || meta.Binary != "hello" {
		t.Fatalf("metadata = %+v", meta)
	}
	tx.Commit()
}

func TestInstallToStoreRollbackRemovesEverything(t *testing.T) {
	s, tx := newTestStore(t)
	mustBegin(t, tx)

	archive := filepath.Join(t.TempDir(), "hello.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "hello", body: "bin", mode: 0755},
	})
	if _, _, err := s.InstallToStore(tx, "example", "hello", "v1.0.0", archive, "hello"); err != nil {
		t.Fatal(err)
	}
	if failed := tx.Rollback(); failed != 0 {
		t.Fatalf("rollback failed steps: %d", failed)
	}
	if _, err := os.Stat(filepath.Join(s.Root, "example")); !os.IsNotExist(err) {
		t.Fatal("store tree survived rollback")
	}
}

func TestCreateSymlink(t *testing.T) {
	s, tx := newTestStore(t)
	mustBegin(t, tx)

	target := filepath.Join(s.TmpDir, "hello-bin")
	if err := os.WriteFile(target, []byte("x"), 0755); err != nil {
		t.Fatal(err)
	}

	link, err := s.CreateSymlink(tx, target, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if link != filepath.Join(s.BinDir, "hello") {
		t.Fatalf("link path = %s", link)
	}
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		t.Fatal(err)
	}
	wantResolved, _ := filepath.EvalSymlinks(target)
	if resolved != wantResolved {
		t.Fatalf("link resolves to %s, want %s", resolved, wantResolved)
	}

	// Same target again: no-op, still fine.
	if _, err := s.CreateSymlink(tx, target, "hello"); err != nil {
		t.Fatal(err)
	}

	// Existing non-symlink gets replaced.
	other := filepath.Join(s.BinDir, "other")
	if err := os.WriteFile(other, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateSymlink(tx, target, "other"); err != nil {
		t.Fatal(err)
	}
	if info, _ := os.Lstat(other); info.Mode()&os.ModeSymlink == 0 {
		t.Fatal("non-symlink was not replaced")
	}
	tx.Commit()
}

func TestSetCurrentAndCurrentVersion(t *testing.T) {
	s, tx := newTestStore(t)
	mustBegin(t, tx)

	for _, v := range []string{"1.0.0", "1.1.0"} {
		if err := os.MkdirAll(filepath.Join(s.ToolDir("a", "b"), v, "bin"), 0755); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.SetCurrent(tx, "a", "b", "v1.0.0"); err != nil {
		t.Fatal(err)
	}
	if got := s.CurrentVersion("a", "b"); got != "1.0.0" {
		t.Fatalf("CurrentVersion = %q, want 1.0.0", got)
	}
	if err := s.SetCurrent(tx, "a", "b", "v1.1.0"); err != nil {
		t.Fatal(err)
	}
	if got := s.CurrentVersion("a", "b"); got != "1.1.0" {
		t.Fatalf("CurrentVersion after repoint = %q, want 1.1.0", got)
	}

	if err := s.SetCurrent(tx, "a", "b", "v9.9.9"); err == nil {
		t.Fatal("SetCurrent to a missing version should fail")
	}
	tx.Commit()
}

func TestInstalledVersionsSorted(t *testing.T) {
	s, _ := newTestStore(t)
	for _, v := range []string{"1.10.0", "1.2.0", "1.9.0"} {
		if err := os.MkdirAll(filepath.Join(s.ToolDir("a", "b"), v), 0755); err != nil {
			t.Fatal(err)
		}
	}
	got := s.InstalledVersions("a", "b")
	want := []string{"1.2.0", "1.9.0", "1.10.0"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("InstalledVersions = %v, want %v", got, want)
		}
	}
}

func TestCleanupOldVersionsKeepsCurrentEvenIfOldest(t *testing.T) {
	s, tx := newTestStore(t)
	mustBegin(t, tx)

	versions := []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0", "1.4.0"}
	for _, v := range versions {
		if err := os.MkdirAll(filepath.Join(s.ToolDir("a", "b"), v, "bin"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	// Current is the oldest version.
	if err := s.SetCurrent(tx, "a", "b", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	removed, err := s.CleanupOldVersions("a", "b", 3)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed %d versions, want exactly 2", removed)
	}
	remaining := s.InstalledVersions("a", "b")
	if len(remaining) != 3 {
		t.Fatalf("remaining versions %v, want 3", remaining)
	}
	if _, err := os.Stat(filepath.Join(s.ToolDir("a", "b"), "1.0.0")); err != nil {
		t.Fatal("current (oldest) version was pruned")
	}
}

func TestCleanupOldVersionsUnderKeepIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	for _, v := range []string{"1.0.0", "1.1.0"} {
		if err := os.MkdirAll(filepath.Join(s.ToolDir("a", "b"), v), 0755); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := s.CleanupOldVersions("a", "b", 3)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("removed %d, want 0", removed)
	}
}

func TestValidateFlagsBrokenState(t *testing.T) {
	s, _ := newTestStore(t)

	// Version directory without a populated bin/.
	if err := os.MkdirAll(filepath.Join(s.ToolDir("a", "b"), "1.0.0"), 0755); err != nil {
		t.Fatal(err)
	}
	// Broken current symlink.
	if err := os.Symlink(filepath.Join(s.ToolDir("a", "b"), "9.9.9"), filepath.Join(s.ToolDir("a", "b"), "current")); err != nil {
		t.Fatal(err)
	}

	errs := s.Validate()
	if len(errs) != 2 {
		t.Fatalf("Validate = %v, want 2 errors", errs)
	}
}
