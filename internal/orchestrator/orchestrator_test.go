package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tpm/internal/config"
	"tpm/internal/tpmerr"
)

func TestParseToolID(t *testing.T) {
	tests := []struct {
		in      string
		owner   string
		repo    string
		wantErr bool
	}{
		{"example/hello", "example", "hello", false},
		{"some-org/tool.name", "some-org", "tool.name", false},
		{"a_b/c_d", "a_b", "c_d", false},
		{"noslash", "", "", true},
		{"too/many/parts", "", "", true},
		{"/leading", "", "", true},
		{"trailing/", "", "", true},
		{"bad chars/repo", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := ParseToolID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseToolID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if owner != tt.owner || repo != tt.repo {
				t.Fatalf("ParseToolID(%q) = (%q, %q)", tt.in, owner, repo)
			}
		})
	}
}

// fakeHost serves a minimal GitHub-shaped release API plus asset downloads.
type fakeHost struct {
	mu       sync.Mutex
	tags     map[string]string // "owner/repo" -> latest tag
	fail     map[string]int    // "owner/repo" -> HTTP status to force
	archives map[string][]byte // asset name -> bytes
	srv      *httptest.Server
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{
		tags:     make(map[string]string),
		fail:     make(map[string]int),
		archives: make(map[string][]byte),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		parts := splitPath(r.URL.Path)
		if len(parts) < 5 {
			http.NotFound(w, r)
			return
		}
		owner, repo := parts[1], parts[2]
		id := owner + "/" + repo
		if status := h.fail[id]; status != 0 {
			w.WriteHeader(status)
			return
		}
		tag, ok := h.tags[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		asset := repo + "-linux-arm64.tar.gz"
		resp := map[string]any{
			"tag_name": tag,
			"body":     "",
			"assets": []map[string]any{{
				"name":                 asset,
				"browser_download_url": h.srv.URL + "/dl/" + asset,
				"size":                 len(h.archives[asset]),
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		name := filepath.Base(r.URL.Path)
		data, ok := h.archives[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// setRelease publishes a release for the tool with one arm64 linux asset
// wrapping a single executable named after the repo.
func (h *fakeHost) setRelease(t *testing.T, id, tag string) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	repo := splitPath(id)[1]
	h.tags[id] = tag
	h.archives[repo+"-linux-arm64.tar.gz"] = buildTarGz(t, repo, tag)
}

func buildTarGz(t *testing.T, binName, tag string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	body := append([]byte{0x7f, 'E', 'L', 'F', 2, 1}, []byte("binary for "+tag)...)
	dir := binName + "-" + tag
	if err := tw.WriteHeader(&tar.Header{Name: dir + "/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatal(err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: dir + "/" + binName, Typeflag: tar.TypeReg, Mode: 0755, Size: int64(len(body))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestOrchestrator(t *testing.T, host *fakeHost) *Orchestrator {
	t.Helper()
	base := t.TempDir()
	cfg := config.Config{
		Prefix:         base,
		BinDir:         filepath.Join(base, "bin"),
		LibDir:         filepath.Join(base, "lib", "tpm"),
		StoreRoot:      filepath.Join(base, "tpm", "store"),
		TmpDir:         filepath.Join(base, "tpm", "tmp"),
		ManifestFile:   filepath.Join(base, "home", ".tpm", "manifest"),
		Home:           filepath.Join(base, "home"),
		TimeoutSeconds: 5,
		MaxRetries:     0,
		KeepVersions:   3,
		Color:          "never",
		Arch:           "arm64",
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	o.Client.BaseURL = host.srv.URL
	o.Client.Token = ""
	return o
}

// clearCache forces the next API call past the response cache, simulating
// TTL expiry.
func clearCache(o *Orchestrator) {
	os.RemoveAll(filepath.Join(o.Cfg.TmpDir, "cache"))
}

func TestInstallIntoEmptyState(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	o := newTestOrchestrator(t, host)

	if err := o.Install("example/hello", false); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}

	storeBin := filepath.Join(o.Cfg.StoreRoot, "example", "hello", "1.2.3", "bin", "hello")
	info, err := os.Stat(storeBin)
	if err != nil {
		t.Fatalf("store binary missing: %v", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Fatal("store binary not owner-executable")
	}

	link := filepath.Join(o.Cfg.BinDir, "hello")
	li, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("PATH symlink missing: %v", err)
	}
	if li.Mode()&os.ModeSymlink == 0 {
		t.Fatal("PATH entry is not a symlink")
	}
	resolved, _ := filepath.EvalSymlinks(link)
	wantResolved, _ := filepath.EvalSymlinks(storeBin)
	if resolved != wantResolved {
		t.Fatalf("symlink resolves to %s, want %s", resolved, wantResolved)
	}

	recs := o.List()
	if len(recs) != 1 {
		t.Fatalf("manifest has %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Tool != "example/hello" || rec.Version != "v1.2.3" || rec.Binary != "hello" {
		t.Fatalf("record = %+v", rec)
	}

	// Second install without force refuses.
	if err := o.Install("example/hello", false); tpmerr.KindOf(err) != tpmerr.KindAlreadyExists {
		t.Fatalf("reinstall err = %v, want AlreadyExists", err)
	}
}

func TestFailedInstallRollsBackCleanly(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	// Corrupt the published archive: zero bytes.
	host.mu.Lock()
	host.archives["hello-linux-arm64.tar.gz"] = nil
	host.mu.Unlock()

	o := newTestOrchestrator(t, host)
	err := o.Install("example/hello", false)
	if err == nil {
		t.Fatal("install of a corrupt archive should fail")
	}
	if tpmerr.KindOf(err) != tpmerr.KindIntegrity {
		t.Fatalf("err kind = %v, want integrity (root cause)", tpmerr.KindOf(err))
	}

	if _, serr := os.Stat(filepath.Join(o.Cfg.StoreRoot, "example", "hello")); !os.IsNotExist(serr) {
		t.Fatal("store directory survived the rollback")
	}
	if _, serr := os.Lstat(filepath.Join(o.Cfg.BinDir, "hello")); !os.IsNotExist(serr) {
		t.Fatal("PATH symlink survived the rollback")
	}
	if len(o.List()) != 0 {
		t.Fatal("manifest gained a record from a failed install")
	}
	if o.Tx.Active() {
		t.Fatal("transaction still active after rollback")
	}
}

func TestUpdateReplacesCurrentKeepsPrevious(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	o := newTestOrchestrator(t, host)

	if err := o.Install("example/hello", false); err != nil {
		t.Fatal(err)
	}

	host.setRelease(t, "example/hello", "v1.2.4")
	clearCache(o)
	if err := o.Update("example/hello"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rec, err := o.Manifest.Get("example/hello")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != "v1.2.4" {
		t.Fatalf("manifest version = %q, want v1.2.4", rec.Version)
	}

	toolDir := filepath.Join(o.Cfg.StoreRoot, "example", "hello")
	for _, v := range []string{"1.2.3", "1.2.4"} {
		if _, err := os.Stat(filepath.Join(toolDir, v)); err != nil {
			t.Fatalf("version %s missing after update: %v", v, err)
		}
	}
	if got := o.Store.CurrentVersion("example", "hello"); got != "1.2.4" {
		t.Fatalf("current = %q, want 1.2.4", got)
	}
	resolved, _ := filepath.EvalSymlinks(filepath.Join(o.Cfg.BinDir, "hello"))
	wantResolved, _ := filepath.EvalSymlinks(filepath.Join(toolDir, "1.2.4", "bin", "hello"))
	if resolved != wantResolved {
		t.Fatalf("symlink resolves to %s, want the 1.2.4 binary", resolved)
	}
}

func TestUpdateSkipsWhenCurrent(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	o := newTestOrchestrator(t, host)

	if err := o.Install("example/hello", false); err != nil {
		t.Fatal(err)
	}
	clearCache(o)
	if err := o.Update("example/hello"); err != nil {
		t.Fatalf("no-op update failed: %v", err)
	}
	if got := o.Store.CurrentVersion("example", "hello"); got != "1.2.3" {
		t.Fatalf("current changed to %q", got)
	}
}

func TestUpdateAllToleratesSingleFailure(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "alpha/atool", "v1.0.0")
	host.setRelease(t, "beta/btool", "v1.0.0")
	o := newTestOrchestrator(t, host)

	if err := o.Install("alpha/atool", false); err != nil {
		t.Fatal(err)
	}
	if err := o.Install("beta/btool", false); err != nil {
		t.Fatal(err)
	}

	// A's metadata fetch now fails; B has a newer release.
	host.mu.Lock()
	host.fail["alpha/atool"] = http.StatusInternalServerError
	host.mu.Unlock()
	host.setRelease(t, "beta/btool", "v1.1.0")
	clearCache(o)

	err := o.UpdateAll()
	if err == nil {
		t.Fatal("UpdateAll should report the partial failure")
	}

	recA, _ := o.Manifest.Get("alpha/atool")
	if recA.Version != "v1.0.0" {
		t.Fatalf("failed tool's record changed: %q", recA.Version)
	}
	recB, _ := o.Manifest.Get("beta/btool")
	if recB.Version != "v1.1.0" {
		t.Fatalf("healthy tool not updated: %q", recB.Version)
	}
}

func TestRemoveLeavesNoTraces(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	o := newTestOrchestrator(t, host)

	if err := o.Install("example/hello", false); err != nil {
		t.Fatal(err)
	}
	if err := o.Remove("example/hello"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if len(o.List()) != 0 {
		t.Fatal("manifest record survived remove")
	}
	if _, err := os.Lstat(filepath.Join(o.Cfg.BinDir, "hello")); !os.IsNotExist(err) {
		t.Fatal("PATH symlink survived remove")
	}
	if err := o.Remove("example/hello"); tpmerr.KindOf(err) != tpmerr.KindNotFound {
		t.Fatalf("second remove err = %v, want NotFound", err)
	}
}

func TestRepairRestoresBrokenSymlink(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	o := newTestOrchestrator(t, host)

	if err := o.Install("example/hello", false); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(o.Cfg.BinDir, "hello")
	if err := os.Remove(link); err != nil {
		t.Fatal(err)
	}

	repaired, _, err := o.Repair()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 1 {
		t.Fatalf("repaired = %d, want 1", repaired)
	}
	rec, _ := o.Manifest.Get("example/hello")
	resolved, rerr := filepath.EvalSymlinks(link)
	if rerr != nil {
		t.Fatalf("symlink not restored: %v", rerr)
	}
	wantResolved, _ := filepath.EvalSymlinks(rec.StorePath)
	if resolved != wantResolved {
		t.Fatalf("repaired link resolves to %s, want %s", resolved, wantResolved)
	}
}

func TestManifestRoundTripAcrossProcesses(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	o := newTestOrchestrator(t, host)

	if err := o.Install("example/hello", false); err != nil {
		t.Fatal(err)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}

	// A second orchestrator over the same config sees the same state.
	o2, err := New(o.Cfg)
	if err != nil {
		t.Fatal(err)
	}
	o2.Client.BaseURL = host.srv.URL
	if !o2.Manifest.Installed("example/hello") {
		t.Fatal("record lost across save/load")
	}
	rec, _ := o2.Manifest.Get("example/hello")
	if rec.Version != "v1.2.3" || rec.Binary != "hello" {
		t.Fatalf("reloaded record = %+v", rec)
	}
}

func TestCleanupPrunesOldVersions(t *testing.T) {
	host := newFakeHost(t)
	o := newTestOrchestrator(t, host)

	// Five fake versions on disk, current pointing at the newest.
	toolDir := filepath.Join(o.Cfg.StoreRoot, "a", "b")
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0", "1.4.0"} {
		binDir := filepath.Join(toolDir, v, "bin")
		if err := os.MkdirAll(binDir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(binDir, "b"), []byte("x"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("1.4.0", filepath.Join(toolDir, "current")); err != nil {
		t.Fatal(err)
	}

	removed, err := o.Cleanup()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("cleanup removed %d, want 2", removed)
	}
	left := o.Store.InstalledVersions("a", "b")
	if len(left) != 3 {
		t.Fatalf("versions left: %v", left)
	}
}

func TestInstallWhileLockedFailsFast(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	o := newTestOrchestrator(t, host)

	// Simulate another invocation holding the tool lock.
	lockDir := filepath.Join(o.Cfg.TmpDir, "locks", "example_hello.lock")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		t.Fatal(err)
	}

	err := o.Install("example/hello", false)
	if tpmerr.KindOf(err) != tpmerr.KindBusy {
		t.Fatalf("err = %v, want busy", err)
	}

	_ = os.RemoveAll(lockDir)
	if err := o.Install("example/hello", false); err != nil {
		t.Fatalf("install after lock release failed: %v", err)
	}
}

func TestInstallForceReinstalls(t *testing.T) {
	host := newFakeHost(t)
	host.setRelease(t, "example/hello", "v1.2.3")
	o := newTestOrchestrator(t, host)

	if err := o.Install("example/hello", false); err != nil {
		t.Fatal(err)
	}
	before, _ := o.Manifest.Get("example/hello")
	time.Sleep(10 * time.Millisecond)
	if err := o.Install("example/hello", true); err != nil {
		t.Fatalf("forced reinstall failed: %v", err)
	}
	after, _ := o.Manifest.Get("example/hello")
	if after.Version != before.Version {
		t.Fatalf("version changed on reinstall: %q -> %q", before.Version, after.Version)
	}
	if len(o.List()) != 1 {
		t.Fatal("forced reinstall duplicated the manifest record")
	}
}
