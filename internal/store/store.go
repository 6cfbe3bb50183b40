// Package store manages the versioned on-disk content store:
// STORE_ROOT/<owner>/<repo>/<version>/{bin,lib,share,...} with a sibling
// "current" symlink selecting the active version, plus the PATH symlinks in
// BIN_DIR that point into it.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tpm/internal/fsutil"
	"tpm/internal/logger"
	"tpm/internal/tpmerr"
	"tpm/internal/txn"
	"tpm/internal/version"
)

// Store holds the resolved locations the layout lives under.
type Store struct {
	Root   string // STORE_ROOT
	BinDir string // where PATH symlinks are published
	TmpDir string // scratch space for extraction
	Arch   string // host arch tag, recorded in version metadata
}

// Metadata is the manifest.json written into every version directory.
type Metadata struct {
	Tool         string `json:"tool"`
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
	InstalledAt  string `json:"installed_at"`
	StorePath    string `json:"store_path"`
	Binary       string `json:"binary"`
	BinaryPath   string `json:"binary_path"`
	Files        string `json:"files"` // comma-joined relative paths
}

// ToolDir returns STORE_ROOT/<owner>/<repo>.
func (s *Store) ToolDir(owner, repo string) string {
	return filepath.Join(s.Root, owner, repo)
}

// VersionDir returns the directory for one sanitized version.
func (s *Store) VersionDir(owner, repo, ver string) string {
	return filepath.Join(s.ToolDir(owner, repo), version.Sanitize(ver))
}

// currentLink returns the path of the "current" symlink for a tool.
func (s *Store) currentLink(owner, repo string) string {
	return filepath.Join(s.ToolDir(owner, repo), "current")
}

// InstallToStore populates the version directory for (owner, repo, ver)
// from the downloaded archive: extract to scratch space, identify the
// principal binary, move it to bin/<name> with the executable bit set, copy
// any auxiliary trees (lib/, share/, completions...) alongside, and write
// the version metadata. Every mutation is recorded with the transaction.
// Returns the absolute binary path inside the store and its basename.
func (s *Store) InstallToStore(tx *txn.Transaction, owner, repo, ver, archive, expectedBinary string) (string, string, error) {
	verDir := s.VersionDir(owner, repo, ver)

	// A half-written directory from an earlier crash is purged, with its
	// content stashed for rollback.
	if fsutil.Exists(verDir) {
		logger.Warn("[WARN] Version directory %s already exists, replacing it\n", verDir)
		if err := tx.RecordRemove(verDir); err != nil {
			return "", "", err
		}
		if err := os.RemoveAll(verDir); err != nil {
			return "", "", tpmerr.Wrap(tpmerr.KindFilesystem, err, "purging %s failed", verDir)
		}
	}
	for _, dir := range []string{filepath.Join(s.Root, owner), s.ToolDir(owner, repo), verDir} {
		if err := tx.RecordMkdir(dir); err != nil {
			return "", "", err
		}
	}

	extractDir, err := os.MkdirTemp(s.TmpDir, "extract-"+repo+"-")
	if err != nil {
		return "", "", tpmerr.Wrap(tpmerr.KindFilesystem, err, "creating extraction directory failed")
	}
	defer os.RemoveAll(extractDir)

	if err := Extract(archive, extractDir); err != nil {
		return "", "", err
	}

	binSrc, err := IdentifyBinary(extractDir, expectedBinary)
	if err != nil {
		return "", "", err
	}
	binName := filepath.Base(binSrc)
	binDst := filepath.Join(verDir, "bin", binName)

	if err := tx.RecordMkdir(filepath.Join(verDir, "bin")); err != nil {
		return "", "", err
	}
	if err := tx.SafeMove(binSrc, binDst); err != nil {
		return "", "", err
	}
	if err := os.Chmod(binDst, 0755); err != nil {
		return "", "", tpmerr.Wrap(tpmerr.KindFilesystem, err, "chmod %s failed", binDst)
	}

	// Auxiliary trees ride along best-effort: a failed copy of docs or
	// completions never fails the install.
	entries, err := os.ReadDir(extractDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			src := filepath.Join(extractDir, e.Name())
			dst := filepath.Join(verDir, e.Name())
			if err := fsutil.CopyTree(src, dst); err != nil {
				logger.Warn("[WARN] Copying %s into the store failed: %v\n", e.Name(), err)
			}
		}
	}

	if err := s.writeMetadata(owner, repo, ver, verDir, binName, binDst); err != nil {
		logger.Warn("[WARN] Writing version metadata failed: %v\n", err)
	}

	logger.Debug("[DEBUG] Installed %s/%s %s into %s\n", owner, repo, ver, verDir)
	return binDst, binName, nil
}

// writeMetadata records the manifest.json summary inside the version dir.
func (s *Store) writeMetadata(owner, repo, ver, verDir, binName, binPath string) error {
	var rel []string
	_ = filepath.WalkDir(verDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if r, rerr := filepath.Rel(verDir, path); rerr == nil {
			rel = append(rel, r)
		}
		return nil
	})
	meta := Metadata{
		Tool:         owner + "/" + repo,
		Version:      ver,
		Architecture: s.Arch,
		InstalledAt:  time.Now().Format(time.RFC3339),
		StorePath:    verDir,
		Binary:       binName,
		BinaryPath:   binPath,
		Files:        strings.Join(rel, ","),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(verDir, "manifest.json"), raw, 0644)
}

// CreateSymlink publishes BIN_DIR/<name> pointing at storeBinPath. An
// existing symlink at the same resolved target is left alone; anything else
// in the way is captured by the transaction and replaced.
func (s *Store) CreateSymlink(tx *txn.Transaction, storeBinPath, name string) (string, error) {
	link := filepath.Join(s.BinDir, name)

	if info, err := os.Lstat(link); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if resolved, err := filepath.EvalSymlinks(link); err == nil {
				if want, err := filepath.EvalSymlinks(storeBinPath); err == nil && resolved == want {
					logger.Debug("[DEBUG] Symlink %s already points at %s\n", link, storeBinPath)
					return link, nil
				}
			}
			logger.Warn("[WARN] Symlink %s points elsewhere, replacing it\n", link)
		} else {
			logger.Warn("[WARN] %s exists and is not a symlink, backing it up\n", link)
		}
	}

	if err := tx.RecordMkdir(s.BinDir); err != nil {
		return "", err
	}
	if err := tx.RecordSymlink(storeBinPath, link); err != nil {
		return "", err
	}
	_ = os.Remove(link)
	if err := os.Symlink(storeBinPath, link); err != nil {
		return "", tpmerr.Wrap(tpmerr.KindFilesystem, err, "creating symlink %s failed", link)
	}
	return link, nil
}

// InstalledVersions lists the version directories for a tool, sorted
// ascending by the normalized version ordering.
func (s *Store) InstalledVersions(owner, repo string) []string {
	entries, err := os.ReadDir(s.ToolDir(owner, repo))
	if err != nil {
		return nil
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "current" {
			versions = append(versions, e.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return version.Compare(versions[i], versions[j]) < 0
	})
	return versions
}

// CurrentVersion reads the "current" symlink and returns the version
// directory name it selects, or "" when absent or broken.
func (s *Store) CurrentVersion(owner, repo string) string {
	target, err := os.Readlink(s.currentLink(owner, repo))
	if err != nil {
		return ""
	}
	if _, err := os.Stat(s.currentLink(owner, repo)); err != nil {
		return ""
	}
	return filepath.Base(target)
}

// SetCurrent atomically repoints the "current" symlink at the given
// version. It fails when the version directory does not exist.
func (s *Store) SetCurrent(tx *txn.Transaction, owner, repo, ver string) error {
	verDir := s.VersionDir(owner, repo, ver)
	if !fsutil.Exists(verDir) {
		return tpmerr.NotFoundf("version directory %s does not exist", verDir)
	}
	link := s.currentLink(owner, repo)
	if err := tx.RecordSymlink(verDir, link); err != nil {
		return err
	}
	// Build the new link aside and rename over, so "current" never dangles.
	tmp := link + ".new"
	_ = os.Remove(tmp)
	if err := os.Symlink(version.Sanitize(ver), tmp); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "creating current symlink failed")
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "repointing current symlink failed")
	}
	return nil
}

// CleanupOldVersions deletes the oldest version directories of a tool until
// at most keep remain. The current version is never deleted, regardless of
// its position in the ordering.
func (s *Store) CleanupOldVersions(owner, repo string, keep int) (int, error) {
	versions := s.InstalledVersions(owner, repo)
	if len(versions) <= keep {
		return 0, nil
	}
	current := s.CurrentVersion(owner, repo)
	budget := len(versions) - keep

	removed := 0
	for _, v := range versions {
		if removed >= budget {
			break
		}
		if v == current {
			continue
		}
		dir := filepath.Join(s.ToolDir(owner, repo), v)
		if err := os.RemoveAll(dir); err != nil {
			return removed, tpmerr.Wrap(tpmerr.KindFilesystem, err, "removing %s failed", dir)
		}
		logger.Info("[INFO] Pruned old version %s of %s/%s\n", v, owner, repo)
		removed++
	}
	return removed, nil
}

// RemoveVersion deletes one version directory through the transaction.
func (s *Store) RemoveVersion(tx *txn.Transaction, owner, repo, ver string) error {
	dir := s.VersionDir(owner, repo, ver)
	if !fsutil.Exists(dir) {
		return nil
	}
	if err := tx.RecordRemove(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "removing %s failed", dir)
	}
	return nil
}

// RemoveCurrentLink deletes the "current" symlink through the transaction.
func (s *Store) RemoveCurrentLink(tx *txn.Transaction, owner, repo string) error {
	link := s.currentLink(owner, repo)
	if !fsutil.Exists(link) {
		return nil
	}
	if err := tx.RecordSymlink("", link); err != nil {
		return err
	}
	if err := os.Remove(link); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "removing %s failed", link)
	}
	return nil
}

// PruneEmptyDirs removes the repo and owner directories when nothing is
// left in them. Best effort.
func (s *Store) PruneEmptyDirs(owner, repo string) {
	for _, dir := range []string{s.ToolDir(owner, repo), filepath.Join(s.Root, owner)} {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
}

// Tools walks the store tree and returns every (owner, repo) pair that has
// at least one version directory.
func (s *Store) Tools() [][2]string {
	var out [][2]string
	owners, err := os.ReadDir(s.Root)
	if err != nil {
		return nil
	}
	for _, o := range owners {
		if !o.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(s.Root, o.Name()))
		if err != nil {
			continue
		}
		for _, r := range repos {
			if r.IsDir() {
				out = append(out, [2]string{o.Name(), r.Name()})
			}
		}
	}
	return out
}

// Validate walks the store and flags broken "current" symlinks and version
// directories without a populated bin/. It is the mirror of the manifest's
// Validate, checked from the filesystem side.
func (s *Store) Validate() []error {
	var errs []error
	for _, tool := range s.Tools() {
		owner, repo := tool[0], tool[1]
		link := s.currentLink(owner, repo)
		if fsutil.Exists(link) {
			resolved, err := filepath.EvalSymlinks(link)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: current symlink is broken", owner, repo))
			} else {
				toolDir := s.ToolDir(owner, repo)
				if r, rerr := filepath.EvalSymlinks(toolDir); rerr == nil {
					toolDir = r
				}
				if filepath.Dir(resolved) != filepath.Clean(toolDir) {
					errs = append(errs, fmt.Errorf("%s/%s: current points outside the tool directory", owner, repo))
				}
			}
		}
		for _, v := range s.InstalledVersions(owner, repo) {
			binDir := filepath.Join(s.ToolDir(owner, repo), v, "bin")
			entries, err := os.ReadDir(binDir)
			if err != nil || len(entries) == 0 {
				errs = append(errs, fmt.Errorf("%s/%s@%s: no populated bin directory", owner, repo, v))
			}
		}
	}
	return errs
}
