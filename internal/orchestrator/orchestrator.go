// Package orchestrator composes the transaction engine, manifest, store,
// and release resolver into the user-facing operations: install, update,
// remove, repair, cleanup, info, and list.
//
// Install, update, and remove follow the same shape: take the cross-process
// lock, begin a transaction, perform the mutations through the store and
// resolver (which record compensating actions as they go), update the
// manifest, commit; Close saves the manifest afterwards. Any failure between
// begin and commit triggers a rollback and surfaces as a transaction-aborted
// error wrapping the cause. Repair and cleanup take a lock but run without a
// transaction.
package orchestrator

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"tpm/internal/config"
	"tpm/internal/github"
	"tpm/internal/lock"
	"tpm/internal/logger"
	"tpm/internal/manifest"
	"tpm/internal/store"
	"tpm/internal/tpmerr"
	"tpm/internal/txn"
	"tpm/internal/version"
)

// backupMaxAge is how long rollback backups survive after their
// transaction; the sweep on normal termination removes older ones.
const backupMaxAge = time.Hour

var toolIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ParseToolID validates and splits an owner/repo tool id.
func ParseToolID(id string) (owner, repo string, err error) {
	if !toolIDPattern.MatchString(id) {
		return "", "", tpmerr.Usagef("invalid tool id %q, expected owner/repo", id)
	}
	owner, repo, _ = strings.Cut(id, "/")
	return owner, repo, nil
}

// Orchestrator owns the construct-once core state: configuration, the
// manifest handle, the store, the resolver client, and the single
// per-process transaction.
type Orchestrator struct {
	Cfg      config.Config
	Manifest *manifest.Manifest
	Store    *store.Store
	Client   *github.Client
	Tx       *txn.Transaction

	activeLock *lock.Lock // held lock, released by the signal handler too
}

// New loads the manifest and wires up the components. Directories are
// created lazily by the operations themselves.
func New(cfg config.Config) (*Orchestrator, error) {
	m, err := manifest.Load(cfg.ManifestFile)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		Cfg:      cfg,
		Manifest: m,
		Store: &store.Store{
			Root:   cfg.StoreRoot,
			BinDir: cfg.BinDir,
			TmpDir: cfg.TmpDir,
			Arch:   cfg.Arch,
		},
		Client: github.New(
			filepath.Join(cfg.TmpDir, "cache"),
			time.Duration(cfg.TimeoutSeconds)*time.Second,
			cfg.MaxRetries,
		),
		Tx: txn.New(cfg.TmpDir),
	}, nil
}

// locksDir is where the per-tool lock directories live.
func (o *Orchestrator) locksDir() string {
	return filepath.Join(o.Cfg.TmpDir, "locks")
}

// acquire takes the cross-process lock for scope and remembers it so the
// signal handler can release it on an interrupted run.
func (o *Orchestrator) acquire(scope string) (*lock.Lock, error) {
	lk, err := lock.Acquire(o.locksDir(), scope)
	if err != nil {
		return nil, err
	}
	o.activeLock = lk
	return lk, nil
}

func (o *Orchestrator) release(lk *lock.Lock) {
	lk.Release()
	if o.activeLock == lk {
		o.activeLock = nil
	}
}

// HandleSignals installs a best-effort handler that rolls back any active
// transaction before the process dies on SIGINT, SIGTERM, or SIGHUP.
func (o *Orchestrator) HandleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-ch
		logger.Warn("\n[WARN] Caught %v\n", sig)
		if o.Tx.Active() {
			o.Tx.Rollback()
		}
		o.activeLock.Release()
		os.Exit(1)
	}()
}

// Close runs the normal-termination housekeeping: save the manifest (one
// retry on failure) and sweep stale rollback backups.
func (o *Orchestrator) Close() error {
	var saveErr error
	if o.Manifest.Dirty() {
		if saveErr = o.Manifest.Save(); saveErr != nil {
			logger.Warn("[WARN] Manifest save failed (%v), retrying once\n", saveErr)
			saveErr = o.Manifest.Save()
		}
	}
	o.Tx.SweepBackups(backupMaxAge)
	return saveErr
}

// abort rolls back the active transaction and wraps the triggering error.
func (o *Orchestrator) abort(cause error) error {
	failed := o.Tx.Rollback()
	if failed > 0 {
		logger.Error("[ERROR] Rollback left %d step(s) unrestored\n", failed)
	}
	return tpmerr.TransactionAborted(cause, failed)
}

// Install resolves the latest release of the tool, downloads and verifies
// the best asset for the host arch, populates the store, publishes the PATH
// symlink, and records the manifest entry.
func (o *Orchestrator) Install(id string, force bool) error {
	owner, repo, err := ParseToolID(id)
	if err != nil {
		return err
	}
	if o.Manifest.Installed(id) && !force {
		return tpmerr.Existsf("%s is already installed (use --force to reinstall)", id)
	}

	lk, err := o.acquire(id)
	if err != nil {
		return err
	}
	defer o.release(lk)

	release, err := o.Client.LatestRelease(owner, repo)
	if err != nil {
		return err
	}
	logger.Info("[INFO] Installing %s %s...\n", id, release.TagName)

	if err := o.Tx.Begin("install", id); err != nil {
		return err
	}
	rec, err := o.installRelease(owner, repo, release)
	if err != nil {
		return o.abort(err)
	}

	if o.Manifest.Installed(id) {
		// --force reinstall: replace the existing record.
		if err := o.Manifest.Update(id, recordPatch(rec)); err != nil {
			return o.abort(err)
		}
	} else if err := o.Manifest.Add(*rec); err != nil {
		return o.abort(err)
	}

	if err := o.Tx.Commit(); err != nil {
		return err
	}
	logger.Info("[INFO] Installed %s %s (%s)\n", id, release.TagName, rec.Binary)
	return nil
}

// installRelease is the shared install/update path: download, store,
// symlink. It runs inside an open transaction and returns the manifest
// record describing the result.
func (o *Orchestrator) installRelease(owner, repo string, release *github.Release) (*manifest.Record, error) {
	id := owner + "/" + repo

	asset, err := github.SelectAsset(release.Assets, o.Cfg.Arch)
	if err != nil {
		return nil, err
	}
	logger.Verbose("selected asset %s (%d bytes)\n", asset.Name, asset.Size)
	checksum := github.ChecksumFromBody(release.Body, asset.Name)
	if checksum == "" {
		if sums := github.ChecksumAssetName(release.Assets); sums != "" {
			logger.Debug("[DEBUG] Release ships a checksum file (%s), not fetched\n", sums)
		}
	}

	if err := os.MkdirAll(o.Cfg.TmpDir, 0755); err != nil {
		return nil, tpmerr.Wrap(tpmerr.KindFilesystem, err, "creating tmp directory failed")
	}
	archive := filepath.Join(o.Cfg.TmpDir, asset.Name)
	logger.Info("[INFO] Downloading %s...\n", asset.Name)
	if err := o.Client.DownloadAsset(o.Tx, asset.BrowserDownloadURL, archive, checksum); err != nil {
		return nil, err
	}
	defer os.Remove(archive)

	binPath, binName, err := o.Store.InstallToStore(o.Tx, owner, repo, release.TagName, archive, repo)
	if err != nil {
		return nil, err
	}
	if err := o.Store.SetCurrent(o.Tx, owner, repo, release.TagName); err != nil {
		return nil, err
	}
	link, err := o.Store.CreateSymlink(o.Tx, binPath, binName)
	if err != nil {
		return nil, err
	}

	return &manifest.Record{
		Tool:        id,
		Version:     release.TagName,
		Binary:      binName,
		StorePath:   binPath,
		SymlinkPath: link,
		Checksum:    checksum,
	}, nil
}

// recordPatch converts a record into the patch map Update consumes.
func recordPatch(rec *manifest.Record) map[string]string {
	return map[string]string{
		"version":      rec.Version,
		"binary":       rec.Binary,
		"store_path":   rec.StorePath,
		"symlink_path": rec.SymlinkPath,
		"installed_at": time.Now().Format(time.RFC3339),
		"checksum":     rec.Checksum,
		"files":        manifest.FilesOf(rec.StorePath),
	}
}

// Update brings one installed tool to the latest release. An already
// current tool is skipped. After a successful update, versions beyond the
// configured keep count are pruned.
func (o *Orchestrator) Update(id string) error {
	owner, repo, err := ParseToolID(id)
	if err != nil {
		return err
	}
	rec, err := o.Manifest.Get(id)
	if err != nil {
		return err
	}

	lk, err := o.acquire(id)
	if err != nil {
		return err
	}
	defer o.release(lk)

	release, err := o.Client.LatestRelease(owner, repo)
	if err != nil {
		return err
	}
	if version.Equal(release.TagName, rec.Version) {
		logger.Info("[INFO] %s is already at %s\n", id, rec.Version)
		return nil
	}
	logger.Info("[INFO] Updating %s %s -> %s...\n", id, rec.Version, release.TagName)

	if err := o.Tx.Begin("update", id); err != nil {
		return err
	}
	newRec, err := o.installRelease(owner, repo, release)
	if err != nil {
		return o.abort(err)
	}
	if err := o.Manifest.Update(id, recordPatch(newRec)); err != nil {
		return o.abort(err)
	}
	if err := o.Tx.Commit(); err != nil {
		return err
	}

	// Prune only after the commit so a rollback never fights the janitor.
	if _, err := o.Store.CleanupOldVersions(owner, repo, o.Cfg.KeepVersions); err != nil {
		logger.Warn("[WARN] Pruning old versions of %s failed: %v\n", id, err)
	}
	logger.Info("[INFO] Updated %s to %s\n", id, release.TagName)
	return nil
}

// UpdateAll updates every installed tool, one at a time. A per-tool failure
// is reported and counted but does not abort the remaining tools.
func (o *Orchestrator) UpdateAll() error {
	tools := o.Manifest.Tools()
	if len(tools) == 0 {
		logger.Info("[INFO] Nothing installed\n")
		return nil
	}
	failures := 0
	for _, id := range tools {
		if err := o.Update(id); err != nil {
			failures++
			logger.Error("[ERROR] Updating %s failed: %v\n", id, err)
		}
	}
	if failures > 0 {
		return tpmerr.Internalf("%d of %d update(s) failed", failures, len(tools))
	}
	return nil
}

// Remove uninstalls a tool: the PATH symlink, the current version directory
// and the current link go away inside a transaction, then the manifest
// record is dropped. Older version directories are left for cleanup.
func (o *Orchestrator) Remove(id string) error {
	owner, repo, err := ParseToolID(id)
	if err != nil {
		return err
	}
	rec, err := o.Manifest.Get(id)
	if err != nil {
		return err
	}

	lk, err := o.acquire(id)
	if err != nil {
		return err
	}
	defer o.release(lk)

	if err := o.Tx.Begin("remove", id); err != nil {
		return err
	}

	if rec.SymlinkPath != "" {
		if err := o.Tx.RecordRemove(rec.SymlinkPath); err != nil {
			return o.abort(err)
		}
		if err := os.Remove(rec.SymlinkPath); err != nil && !os.IsNotExist(err) {
			return o.abort(tpmerr.Wrap(tpmerr.KindFilesystem, err, "removing symlink failed"))
		}
	}
	if err := o.Store.RemoveVersion(o.Tx, owner, repo, rec.Version); err != nil {
		return o.abort(err)
	}
	if err := o.Store.RemoveCurrentLink(o.Tx, owner, repo); err != nil {
		return o.abort(err)
	}
	if err := o.Manifest.Remove(id); err != nil {
		return o.abort(err)
	}
	if err := o.Tx.Commit(); err != nil {
		return err
	}

	o.Store.PruneEmptyDirs(owner, repo)
	logger.Info("[INFO] Removed %s\n", id)
	return nil
}

// Repair recreates broken PATH symlinks from the manifest and reports any
// inconsistencies the store-side walk finds.
func (o *Orchestrator) Repair() (int, []error, error) {
	lk, err := o.acquire("manifest")
	if err != nil {
		return 0, nil, err
	}
	defer o.release(lk)

	repaired := o.Manifest.RepairSymlinks()
	storeErrs := append(o.Store.Validate(), o.Manifest.Validate()...)
	return repaired, storeErrs, nil
}

// Cleanup prunes old versions of every tool in the store down to the
// configured keep count.
func (o *Orchestrator) Cleanup() (int, error) {
	lk, err := o.acquire("manifest")
	if err != nil {
		return 0, err
	}
	defer o.release(lk)

	total := 0
	for _, tool := range o.Store.Tools() {
		removed, err := o.Store.CleanupOldVersions(tool[0], tool[1], o.Cfg.KeepVersions)
		if err != nil {
			logger.Warn("[WARN] Cleaning %s/%s failed: %v\n", tool[0], tool[1], err)
			continue
		}
		total += removed
	}
	return total, nil
}

// Info returns the manifest record for one tool.
func (o *Orchestrator) Info(id string) (manifest.Record, error) {
	if _, _, err := ParseToolID(id); err != nil {
		return manifest.Record{}, err
	}
	return o.Manifest.Get(id)
}

// List returns all manifest records.
func (o *Orchestrator) List() []manifest.Record {
	return o.Manifest.Records()
}

// FormatRecord renders one record for the info command.
func FormatRecord(rec manifest.Record, verbose bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)\n", rec.Tool, rec.Version, rec.Binary)
	if verbose {
		fmt.Fprintf(&b, "  store:     %s\n", rec.StorePath)
		fmt.Fprintf(&b, "  symlink:   %s\n", rec.SymlinkPath)
		fmt.Fprintf(&b, "  installed: %s\n", rec.InstalledAt)
		if rec.Checksum != "" {
			fmt.Fprintf(&b, "  checksum:  %s\n", rec.Checksum)
		}
	}
	return b.String()
}
