// Package lock provides cross-process mutual exclusion via lock
// directories under TMP_DIR/locks. A directory create is atomic on every
// filesystem Termux runs on, so whoever mkdirs first owns the lock;
// everyone else fails fast instead of interleaving with a live operation.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tpm/internal/logger"
	"tpm/internal/tpmerr"
)

// Lock is one held lock. Release removes it; releasing twice is harmless.
type Lock struct {
	dir string
}

// sanitize flattens a scope name (a tool id or "manifest") into a safe
// directory name.
func sanitize(scope string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, scope)
}

// Acquire takes the exclusive lock for scope under locksDir. When another
// invocation holds it, Acquire fails immediately with a busy error naming
// the owning pid when known.
func Acquire(locksDir, scope string) (*Lock, error) {
	if err := os.MkdirAll(locksDir, 0755); err != nil {
		return nil, tpmerr.Wrap(tpmerr.KindFilesystem, err, "creating lock directory failed")
	}
	dir := filepath.Join(locksDir, sanitize(scope)+".lock")
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			owner := "unknown pid"
			if raw, rerr := os.ReadFile(filepath.Join(dir, "pid")); rerr == nil {
				owner = "pid " + strings.TrimSpace(string(raw))
			}
			return nil, tpmerr.Busyf("%s is locked by another tpm invocation (%s)", scope, owner)
		}
		return nil, tpmerr.Wrap(tpmerr.KindFilesystem, err, "acquiring lock for %s failed", scope)
	}
	_ = os.WriteFile(filepath.Join(dir, "pid"), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
	logger.Debug("[DEBUG] Acquired lock %s\n", dir)
	return &Lock{dir: dir}, nil
}

// Release drops the lock.
func (l *Lock) Release() {
	if l == nil || l.dir == "" {
		return
	}
	logger.Debug("[DEBUG] Released lock %s\n", l.dir)
	_ = os.RemoveAll(l.dir)
	l.dir = ""
}
