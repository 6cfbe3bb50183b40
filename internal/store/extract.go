package store

import (
	"archive/tar"    // For reading .tar archives
	"archive/zip"    // For reading .zip archives
	"compress/bzip2" // For reading .bz2 compressed data
	"compress/gzip"  // For reading .gz compressed data
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip" // For reading .7z archives
	"github.com/xi2/xz"          // For reading .xz compressed data

	"tpm/internal/fsutil"
	"tpm/internal/logger"
	"tpm/internal/tpmerr"
)

// Extract unpacks the archive at src into dest, dispatching on the filename
// suffix. Release archives routinely wrap everything in a single top-level
// directory, so tar extraction tries to strip the first path element first
// and retries without stripping when that pass fails, which a regular file
// at the top level of the archive causes. An archive with several
// top-level directories and no top-level file is stripped all the same. Zip and
// 7z have no native strip; a single top-level directory is flattened after
// extraction instead. A file with no recognized archive suffix is treated
// as a single executable blob and copied into dest under its own name.
func Extract(src, dest string) error {
	name := strings.ToLower(filepath.Base(src))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"),
		strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"),
		strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"),
		strings.HasSuffix(name, ".tar"):
		logger.Debug("[DEBUG] Extracting tar archive %s\n", src)
		if err := extractTar(src, dest, true); err != nil {
			logger.Debug("[DEBUG] Strip-top-level extraction failed (%v), retrying flat\n", err)
			if err := cleanDir(dest); err != nil {
				return err
			}
			return extractTar(src, dest, false)
		}
		return nil
	case strings.HasSuffix(name, ".zip"):
		logger.Debug("[DEBUG] Extracting zip archive %s\n", src)
		if err := extractZip(src, dest); err != nil {
			return err
		}
		return flattenSingleDir(dest)
	case strings.HasSuffix(name, ".7z"):
		logger.Debug("[DEBUG] Extracting 7z archive %s\n", src)
		if err := extract7z(src, dest); err != nil {
			return err
		}
		return flattenSingleDir(dest)
	default:
		// Not an archive: assume a bare executable published as-is.
		logger.Debug("[DEBUG] Treating %s as a single binary\n", src)
		target := filepath.Join(dest, filepath.Base(src))
		if err := fsutil.CopyFile(src, target, 0755); err != nil {
			return tpmerr.Wrap(tpmerr.KindFilesystem, err, "copying binary failed")
		}
		return nil
	}
}

// cleanDir empties dest between extraction attempts.
func cleanDir(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dest, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// safeTarget joins an archive entry name onto dest, rejecting absolute
// entries and path traversal.
func safeTarget(dest, name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", tpmerr.Integrityf("archive entry %q escapes the extraction directory", name)
	}
	return filepath.Join(dest, clean), nil
}

// stripPrefix removes the first path element from an entry name. It fails
// when the entry is a top-level regular file, which signals the archive has
// no single wrapping directory and stripping must be abandoned.
func stripPrefix(name string, isDir bool) (string, bool, error) {
	name = strings.TrimPrefix(name, "./")
	parts := strings.SplitN(name, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		if isDir {
			return "", true, nil // the wrapper directory itself, skip
		}
		return "", false, fmt.Errorf("top-level file %q, archive has no wrapping directory", name)
	}
	return parts[1], false, nil
}

// extractTar handles tar and its compressed variants, optionally stripping
// one leading path component from every entry.
func extractTar(src, dest string, strip bool) error {
	f, err := os.Open(src)
	if err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "opening archive failed")
	}
	defer f.Close()

	var reader io.Reader = f
	name := strings.ToLower(filepath.Base(src))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return tpmerr.Wrap(tpmerr.KindIntegrity, err, "corrupt gzip stream in %s", src)
		}
		defer gr.Close()
		reader = gr
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		reader = bzip2.NewReader(f)
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		xzr, err := xz.NewReader(f, 0)
		if err != nil {
			return tpmerr.Wrap(tpmerr.KindIntegrity, err, "corrupt xz stream in %s", src)
		}
		reader = xzr
	}

	tr := tar.NewReader(reader)
	extracted := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break // End of archive
		}
		if err != nil {
			return tpmerr.Wrap(tpmerr.KindIntegrity, err, "corrupt archive %s", src)
		}

		entryName := hdr.Name
		if strip {
			stripped, skip, serr := stripPrefix(entryName, hdr.Typeflag == tar.TypeDir)
			if serr != nil {
				return serr
			}
			if skip {
				continue
			}
			entryName = stripped
		}

		target, err := safeTarget(dest, entryName)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return tpmerr.Wrap(tpmerr.KindFilesystem, err, "mkdir %s failed", target)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return tpmerr.Wrap(tpmerr.KindFilesystem, err, "mkdir failed")
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return tpmerr.Wrap(tpmerr.KindFilesystem, err, "symlink %s failed", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return tpmerr.Wrap(tpmerr.KindFilesystem, err, "mkdir failed")
			}
			outFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm()|0400)
			if err != nil {
				return tpmerr.Wrap(tpmerr.KindFilesystem, err, "create %s failed", target)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return tpmerr.Wrap(tpmerr.KindIntegrity, err, "extracting %s failed", hdr.Name)
			}
			outFile.Close()
			extracted++
		}
	}
	if extracted == 0 {
		return tpmerr.Integrityf("archive %s contains no regular files", src)
	}
	return nil
}

// extractZip extracts a .zip archive without stripping.
func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return tpmerr.Wrap(tpmerr.KindIntegrity, err, "corrupt zip archive %s", src)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeTarget(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return tpmerr.Wrap(tpmerr.KindFilesystem, err, "mkdir %s failed", target)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return tpmerr.Wrap(tpmerr.KindFilesystem, err, "mkdir failed")
		}
		outFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0400)
		if err != nil {
			return tpmerr.Wrap(tpmerr.KindFilesystem, err, "create %s failed", target)
		}
		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return tpmerr.Wrap(tpmerr.KindIntegrity, err, "reading zip entry %s failed", f.Name)
		}
		_, err = io.Copy(outFile, rc)
		rc.Close()
		outFile.Close()
		if err != nil {
			return tpmerr.Wrap(tpmerr.KindIntegrity, err, "extracting %s failed", f.Name)
		}
	}
	return nil
}

// extract7z handles .7z extraction using the sevenzip library.
func extract7z(src, dest string) error {
	r, err := sevenzip.OpenReader(src)
	if err != nil {
		return tpmerr.Wrap(tpmerr.KindIntegrity, err, "corrupt 7z archive %s", src)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeTarget(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return tpmerr.Wrap(tpmerr.KindFilesystem, err, "mkdir %s failed", target)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return tpmerr.Wrap(tpmerr.KindFilesystem, err, "mkdir failed")
		}
		rc, err := f.Open()
		if err != nil {
			return tpmerr.Wrap(tpmerr.KindIntegrity, err, "reading 7z entry %s failed", f.Name)
		}
		outFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0400)
		if err != nil {
			rc.Close()
			return tpmerr.Wrap(tpmerr.KindFilesystem, err, "create %s failed", target)
		}
		_, err = io.Copy(outFile, rc)
		rc.Close()
		outFile.Close()
		if err != nil {
			return tpmerr.Wrap(tpmerr.KindIntegrity, err, "extracting %s failed", f.Name)
		}
	}
	return nil
}

// flattenSingleDir emulates strip-top-level for formats without native
// support: when dest holds exactly one entry and it is a directory, its
// contents move up one level and the wrapper is removed.
func flattenSingleDir(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}
	wrapper := filepath.Join(dest, entries[0].Name())
	inner, err := os.ReadDir(wrapper)
	if err != nil {
		return err
	}
	for _, e := range inner {
		from := filepath.Join(wrapper, e.Name())
		to := filepath.Join(dest, e.Name())
		if fsutil.Exists(to) {
			// Name collision with the wrapper itself; leave nested.
			return nil
		}
		if err := os.Rename(from, to); err != nil {
			return tpmerr.Wrap(tpmerr.KindFilesystem, err, "flattening %s failed", wrapper)
		}
	}
	return os.Remove(wrapper)
}
