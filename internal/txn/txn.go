// Package txn implements the transactional mutation engine: a per-process
// log of compensating actions that can undo every filesystem change made
// during an install, update, or remove.
//
// Components register an undo step before (or while) performing each
// mutation. Commit discards the log; Rollback replays it in strict LIFO
// order. Rollback never short-circuits: a failing step is counted and the
// remaining steps still run, so as much state as possible is restored.
package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tpm/internal/fsutil"
	"tpm/internal/logger"
	"tpm/internal/tpmerr"
)

// Action is a compensating step. Actions must be idempotent; an error
// return is logged and counted but never stops the rollback.
type Action func() error

type step struct {
	desc string
	undo Action
}

// Transaction records compensating actions for one logical operation.
// At most one transaction is active per process.
type Transaction struct {
	tmpDir string // TMP_DIR from config; backups live under tmpDir/backup

	active    bool
	typ       string
	context   string
	startTime time.Time
	steps     []step
	backupDir string // transaction-scoped, so the janitor can't eat live rollback data
	backupSeq int
}

// New returns an inactive transaction bound to the given temp directory.
func New(tmpDir string) *Transaction {
	return &Transaction{tmpDir: tmpDir}
}

// Active reports whether a transaction is currently open.
func (t *Transaction) Active() bool { return t.active }

// Context returns the "type/context" label of the open transaction, for
// diagnostics.
func (t *Transaction) Context() string {
	if !t.active {
		return ""
	}
	return t.typ + "/" + t.context
}

// Begin opens a transaction of the given type ("install", "update",
// "remove") scoped to a tool id or free-form tag. It fails if another
// transaction is already active.
func (t *Transaction) Begin(typ, context string) error {
	if t.active {
		return tpmerr.Internalf("transaction %s already active, cannot begin %s/%s", t.Context(), typ, context)
	}
	t.active = true
	t.typ = typ
	t.context = context
	t.startTime = time.Now()
	t.steps = nil
	t.backupSeq = 0
	t.backupDir = filepath.Join(t.tmpDir, "backup",
		fmt.Sprintf("%s-%d", typ, t.startTime.UnixNano()))
	logger.Debug("[DEBUG] Transaction begin: %s/%s\n", typ, context)
	return nil
}

// Record appends a compensating action. Outside a transaction this logs a
// warning and does nothing.
func (t *Transaction) Record(desc string, undo Action) {
	if !t.active {
		logger.Warn("[WARN] Ignoring rollback step %q recorded outside a transaction\n", desc)
		return
	}
	t.steps = append(t.steps, step{desc: desc, undo: undo})
	logger.Debug("[DEBUG] Recorded rollback step %d: %s\n", len(t.steps), desc)
}

// Commit closes the transaction and discards the recorded actions without
// executing them. The backup directory is removed.
func (t *Transaction) Commit() error {
	if !t.active {
		return tpmerr.Internalf("commit without an active transaction")
	}
	logger.Debug("[DEBUG] Transaction commit: %s (%d steps discarded)\n", t.Context(), len(t.steps))
	if t.backupDir != "" {
		_ = os.RemoveAll(t.backupDir)
	}
	t.clear()
	return nil
}

// Rollback executes all recorded actions in LIFO order and returns the
// number of steps that failed. Individual failures (including panics) are
// logged and counted; the rollback always runs to completion and the
// transaction state is cleared regardless.
func (t *Transaction) Rollback() int {
	if !t.active {
		logger.Warn("[WARN] Rollback requested without an active transaction\n")
		return 0
	}
	logger.Info("[INFO] Rolling back %s (%d steps)...\n", t.Context(), len(t.steps))

	failed := 0
	for i := len(t.steps) - 1; i >= 0; i-- {
		s := t.steps[i]
		if err := runStep(s); err != nil {
			failed++
			logger.Error("[ERROR] Rollback step %q failed: %v\n", s.desc, err)
		} else {
			logger.Debug("[DEBUG] Rolled back: %s\n", s.desc)
		}
	}
	if failed == 0 && t.backupDir != "" {
		_ = os.RemoveAll(t.backupDir)
	}
	t.clear()
	if failed > 0 {
		logger.Warn("[WARN] Rollback finished with %d failed step(s)\n", failed)
	}
	return failed
}

// runStep isolates a single compensator so a panicking action counts as a
// failure instead of killing the rollback.
func runStep(s step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.undo()
}

func (t *Transaction) clear() {
	t.active = false
	t.typ = ""
	t.context = ""
	t.steps = nil
	t.backupDir = ""
}

// nextBackupPath returns a fresh path under the transaction's backup
// directory for stashing a file or tree about to be disturbed.
func (t *Transaction) nextBackupPath(base string) string {
	t.backupSeq++
	return filepath.Join(t.backupDir, strconv.Itoa(t.backupSeq)+"-"+base)
}

// RecordRemove prepares for the removal of path: if it exists, the current
// content is copied to the backup directory and a compensator restoring it
// is recorded. The caller performs the actual removal.
func (t *Transaction) RecordRemove(path string) error {
	if !t.active {
		logger.Warn("[WARN] RecordRemove(%s) outside a transaction, nothing recorded\n", path)
		return nil
	}
	if !fsutil.Exists(path) {
		return nil
	}
	backup := t.nextBackupPath(filepath.Base(path))
	if err := fsutil.CopyTree(path, backup); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "backup of %s failed", path)
	}
	t.Record("restore "+path, func() error {
		if !fsutil.Exists(backup) {
			return nil
		}
		_ = os.RemoveAll(path)
		return fsutil.CopyTree(backup, path)
	})
	return nil
}

// RecordSymlink captures whatever currently occupies link (a symlink, a
// regular file or directory, or nothing) so rollback restores it exactly.
// The caller then replaces or creates the link.
func (t *Transaction) RecordSymlink(target, link string) error {
	if !t.active {
		logger.Warn("[WARN] RecordSymlink(%s) outside a transaction, nothing recorded\n", link)
		return nil
	}
	info, err := os.Lstat(link)
	switch {
	case err != nil:
		// Nothing there yet: undo is plain removal.
		t.Record("remove symlink "+link, func() error {
			err := os.Remove(link)
			if os.IsNotExist(err) {
				return nil
			}
			return err
		})
	case info.Mode()&os.ModeSymlink != 0:
		old, rerr := os.Readlink(link)
		if rerr != nil {
			return tpmerr.Wrap(tpmerr.KindFilesystem, rerr, "readlink %s failed", link)
		}
		t.Record("repoint symlink "+link, func() error {
			_ = os.Remove(link)
			return os.Symlink(old, link)
		})
	default:
		// A real file or directory sits where the link goes: stash it.
		if err := t.RecordRemove(link); err != nil {
			return err
		}
	}
	return nil
}

// RecordMkdir creates path (and parents) and records a compensating removal
// only if the directory did not pre-exist, so rollback never deletes a
// directory the user already had.
func (t *Transaction) RecordMkdir(path string) error {
	if fsutil.Exists(path) {
		return nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "mkdir %s failed", path)
	}
	t.Record("rmdir "+path, func() error {
		return os.RemoveAll(path)
	})
	return nil
}

// SafeMove moves src to dst through the transaction: any pre-existing dst
// is backed up first, and the compensator moves the content back to src and
// restores the old dst. Outside a transaction the move still happens but
// nothing is recorded.
func (t *Transaction) SafeMove(src, dst string) error {
	if err := t.RecordRemove(dst); err != nil {
		return err
	}
	if err := fsutil.Move(src, dst); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "move %s to %s failed", src, dst)
	}
	t.Record("unmove "+dst, func() error {
		if !fsutil.Exists(dst) {
			return nil
		}
		return fsutil.Move(dst, src)
	})
	return nil
}

// SafeCopy copies src to dst through the transaction, restoring any
// pre-existing dst on rollback and removing the copy otherwise.
func (t *Transaction) SafeCopy(src, dst string) error {
	existed := fsutil.Exists(dst)
	if existed {
		if err := t.RecordRemove(dst); err != nil {
			return err
		}
	}
	if err := fsutil.CopyTree(src, dst); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "copy %s to %s failed", src, dst)
	}
	if !existed {
		t.Record("uncopy "+dst, func() error {
			return os.RemoveAll(dst)
		})
	}
	return nil
}

// SweepBackups deletes backup directories older than maxAge, skipping the
// active transaction's own directory. Called on normal termination.
func (t *Transaction) SweepBackups(maxAge time.Duration) {
	root := filepath.Join(t.tmpDir, "backup")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if t.active && path == t.backupDir {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		logger.Debug("[DEBUG] Sweeping stale backup %s\n", path)
		_ = os.RemoveAll(path)
	}
}
