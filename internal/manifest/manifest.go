// Package manifest reads and writes the installed-tool manifest: a plain
// text file of key=value blocks separated by "---" lines, one block per
// installed tool, keyed by the owner/repo tool id.
//
// The file is the single persistent source of truth for what tpm manages.
// Parsing is forgiving (blocks without a tool key are skipped with a
// warning, unknown keys round-trip untouched); writing is strict (required
// fields enforced, fixed field order, 0600 mode, backup before rewrite).
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tpm/internal/logger"
	"tpm/internal/tpmerr"
)

// Known field names, in the fixed output order.
var fieldOrder = []string{
	"tool", "version", "binary", "store_path", "symlink_path",
	"installed_at", "checksum", "files",
}

// Field is one preserved unknown key=value pair.
type Field struct {
	Key   string
	Value string
}

// Record is one installed tool. Tool, Version, Binary, StorePath and
// SymlinkPath are required on write; the rest are optional. Extras holds
// unknown keys from the file so they survive a load/save round trip.
type Record struct {
	Tool        string // owner/repo, the primary key
	Version     string // release tag as published
	Binary      string // basename of the principal executable
	StorePath   string // absolute path of the executable inside the store
	SymlinkPath string // absolute path of the PATH symlink
	InstalledAt string // ISO-8601 timestamp
	Checksum    string // optional algo:hex
	Files       string // comma-joined absolute paths of this version
	Extras      []Field
}

func (r *Record) get(key string) string {
	switch key {
	case "tool":
		return r.Tool
	case "version":
		return r.Version
	case "binary":
		return r.Binary
	case "store_path":
		return r.StorePath
	case "symlink_path":
		return r.SymlinkPath
	case "installed_at":
		return r.InstalledAt
	case "checksum":
		return r.Checksum
	case "files":
		return r.Files
	}
	for _, f := range r.Extras {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

func (r *Record) set(key, value string) {
	switch key {
	case "tool":
		r.Tool = value
	case "version":
		r.Version = value
	case "binary":
		r.Binary = value
	case "store_path":
		r.StorePath = value
	case "symlink_path":
		r.SymlinkPath = value
	case "installed_at":
		r.InstalledAt = value
	case "checksum":
		r.Checksum = value
	case "files":
		r.Files = value
	default:
		for i, f := range r.Extras {
			if f.Key == key {
				r.Extras[i].Value = value
				return
			}
		}
		r.Extras = append(r.Extras, Field{Key: key, Value: value})
	}
}

// Manifest is the in-memory view of the manifest file. A dirty flag tracks
// whether the on-disk copy is stale; Save is a no-op while clean.
type Manifest struct {
	path    string
	records []*Record // insertion order preserved for output
	index   map[string]*Record
	dirty   bool
}

// Load reads the manifest at path. A missing file yields an empty manifest.
func Load(path string) (*Manifest, error) {
	m := &Manifest{path: path, index: make(map[string]*Record)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, tpmerr.Wrap(tpmerr.KindFilesystem, err, "reading manifest %s failed", path)
	}

	// Blocks are delimited by lines containing exactly "---".
	var block []string
	flush := func() {
		rec := parseBlock(block)
		block = nil
		if rec == nil {
			return
		}
		if rec.Tool == "" {
			logger.Warn("[WARN] Skipping manifest block without a tool key\n")
			return
		}
		if _, dup := m.index[rec.Tool]; dup {
			logger.Warn("[WARN] Skipping duplicate manifest entry for %s\n", rec.Tool)
			return
		}
		m.records = append(m.records, rec)
		m.index[rec.Tool] = rec
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "---" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()
	logger.Debug("[DEBUG] Loaded manifest with %d record(s) from %s\n", len(m.records), path)
	return m, nil
}

// parseBlock turns the lines of one block into a Record. Blank lines and
// comments are ignored; a block with no key=value lines returns nil.
func parseBlock(block []string) *Record {
	rec := &Record{}
	seen := false
	for _, line := range block {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		rec.set(strings.TrimSpace(key), strings.TrimSpace(value))
		seen = true
	}
	if !seen {
		return nil
	}
	return rec
}

// Dirty reports whether in-memory state differs from the on-disk file.
func (m *Manifest) Dirty() bool { return m.dirty }

// Path returns the manifest file location.
func (m *Manifest) Path() string { return m.path }

// Installed reports whether a record exists for the tool id.
func (m *Manifest) Installed(id string) bool {
	_, ok := m.index[id]
	return ok
}

// Get returns a copy of the record for id.
func (m *Manifest) Get(id string) (Record, error) {
	rec, ok := m.index[id]
	if !ok {
		return Record{}, tpmerr.NotFoundf("%s is not installed", id)
	}
	return *rec, nil
}

// Records returns copies of all records in insertion order.
func (m *Manifest) Records() []Record {
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

// Tools returns the installed tool ids, sorted.
func (m *Manifest) Tools() []string {
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Tool)
	}
	sort.Strings(out)
	return out
}

// Add inserts a new record. Required fields are tool, version, binary,
// store_path, and symlink_path. installed_at defaults to the current time;
// files defaults to a scan of the version directory containing store_path.
func (m *Manifest) Add(rec Record) error {
	for _, req := range []string{"tool", "version", "binary", "store_path", "symlink_path"} {
		if rec.get(req) == "" {
			return tpmerr.Usagef("manifest record missing required field %q", req)
		}
	}
	if _, exists := m.index[rec.Tool]; exists {
		return tpmerr.Existsf("%s already has a manifest entry", rec.Tool)
	}
	if rec.InstalledAt == "" {
		rec.InstalledAt = time.Now().Format(time.RFC3339)
	}
	if rec.Files == "" {
		rec.Files = FilesOf(rec.StorePath)
	}
	stored := rec
	m.records = append(m.records, &stored)
	m.index[stored.Tool] = &stored
	m.dirty = true
	return nil
}

// FilesOf lists every file under the version directory that holds
// store_path (its bin/ parent's parent), comma-joined. Best effort.
func FilesOf(storePath string) string {
	verDir := filepath.Dir(filepath.Dir(storePath))
	var files []string
	_ = filepath.WalkDir(verDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return strings.Join(files, ",")
}

// Update patches the record for id. The tool key itself may not change;
// unspecified fields are preserved; unknown keys land in Extras.
func (m *Manifest) Update(id string, patch map[string]string) error {
	rec, ok := m.index[id]
	if !ok {
		return tpmerr.NotFoundf("%s is not installed", id)
	}
	if newID, present := patch["tool"]; present && newID != id {
		return tpmerr.Usagef("manifest tool id cannot be changed (%s -> %s)", id, newID)
	}
	for key, value := range patch {
		if key == "tool" {
			continue
		}
		rec.set(key, value)
	}
	m.dirty = true
	return nil
}

// Remove deletes the record for id.
func (m *Manifest) Remove(id string) error {
	if _, ok := m.index[id]; !ok {
		return tpmerr.NotFoundf("%s is not installed", id)
	}
	delete(m.index, id)
	for i, r := range m.records {
		if r.Tool == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			break
		}
	}
	m.dirty = true
	return nil
}

// Save writes the manifest if dirty: a timestamped backup of the current
// file is taken first and removed once the new content is safely in place.
// The file is written 0600 through a temp file and rename.
func (m *Manifest) Save() error {
	if !m.dirty {
		logger.Debug("[DEBUG] Manifest clean, skipping save\n")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "creating manifest directory failed")
	}

	backup := ""
	if _, err := os.Stat(m.path); err == nil {
		backup = fmt.Sprintf("%s.bak.%d", m.path, time.Now().Unix())
		if err := copyFileSimple(m.path, backup); err != nil {
			return tpmerr.Wrap(tpmerr.KindFilesystem, err, "manifest backup failed")
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(m.serialize()), 0600); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "writing manifest failed")
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "replacing manifest failed")
	}
	if backup != "" {
		_ = os.Remove(backup)
	}
	m.dirty = false
	logger.Debug("[DEBUG] Saved manifest with %d record(s) to %s\n", len(m.records), m.path)
	return nil
}

func copyFileSimple(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}

// serialize renders the full file: header comment, then each block in
// insertion order separated by "---" lines. Known fields come first in
// fixed order, then preserved unknown keys; empty values are omitted.
func (m *Manifest) serialize() string {
	var b strings.Builder
	b.WriteString("# tpm manifest - do not edit while tpm is running\n")
	for i, rec := range m.records {
		if i > 0 {
			b.WriteString("---\n")
		}
		for _, key := range fieldOrder {
			if v := rec.get(key); v != "" {
				fmt.Fprintf(&b, "%s=%s\n", key, v)
			}
		}
		for _, f := range rec.Extras {
			if f.Value != "" {
				fmt.Fprintf(&b, "%s=%s\n", f.Key, f.Value)
			}
		}
	}
	return b.String()
}

// Validate checks every record: required fields present, store_path exists,
// symlink_path is a symlink resolving to store_path. It returns one error
// per violation.
func (m *Manifest) Validate() []error {
	var errs []error
	for _, rec := range m.records {
		for _, req := range []string{"tool", "version", "binary", "store_path", "symlink_path"} {
			if rec.get(req) == "" {
				errs = append(errs, fmt.Errorf("%s: missing field %q", rec.Tool, req))
			}
		}
		if rec.StorePath != "" {
			if _, err := os.Stat(rec.StorePath); err != nil {
				errs = append(errs, fmt.Errorf("%s: store path %s missing", rec.Tool, rec.StorePath))
			}
		}
		if rec.SymlinkPath != "" {
			if err := checkSymlink(rec.SymlinkPath, rec.StorePath); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", rec.Tool, err))
			}
		}
	}
	return errs
}

func checkSymlink(link, want string) error {
	info, err := os.Lstat(link)
	if err != nil {
		return fmt.Errorf("symlink %s missing", link)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%s is not a symlink", link)
	}
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		return fmt.Errorf("symlink %s is broken", link)
	}
	wantResolved, err := filepath.EvalSymlinks(want)
	if err != nil {
		wantResolved = want
	}
	if resolved != wantResolved {
		return fmt.Errorf("symlink %s points at %s, want %s", link, resolved, want)
	}
	return nil
}

// RepairSymlinks recreates every record's PATH symlink that is missing or
// pointing somewhere other than its store path. Returns the repair count.
func (m *Manifest) RepairSymlinks() int {
	repaired := 0
	for _, rec := range m.records {
		if rec.SymlinkPath == "" || rec.StorePath == "" {
			continue
		}
		if checkSymlink(rec.SymlinkPath, rec.StorePath) == nil {
			continue
		}
		_ = os.Remove(rec.SymlinkPath)
		if err := os.MkdirAll(filepath.Dir(rec.SymlinkPath), 0755); err != nil {
			logger.Error("[ERROR] Cannot create bin directory for %s: %v\n", rec.Tool, err)
			continue
		}
		if err := os.Symlink(rec.StorePath, rec.SymlinkPath); err != nil {
			logger.Error("[ERROR] Failed to repair symlink for %s: %v\n", rec.Tool, err)
			continue
		}
		logger.Info("[INFO] Repaired symlink %s -> %s\n", rec.SymlinkPath, rec.StorePath)
		repaired++
	}
	return repaired
}
