package github

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tpm/internal/logger"
	"tpm/internal/tpmerr"
	"tpm/internal/txn"
)

// retryDelay is the pause between download attempts.
const retryDelay = time.Second

// ChecksumFromBody scans release notes for a digest covering assetName and
// returns it as "algo:hex", or "" when none is found. Recognized line
// shapes, the ones upstream projects actually publish:
//
//	sha256  <hex>  <asset>
//	<hex>  <asset>          (algo inferred from digest length)
//	sha256:<hex>  <asset>
func ChecksumFromBody(body, assetName string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "`|"))
		if line == "" || !strings.Contains(line, assetName) {
			continue
		}
		for _, field := range strings.Fields(line) {
			field = strings.Trim(field, "`*|")
			if algo, hexDigest, ok := strings.Cut(field, ":"); ok {
				if digestLength(algo) == len(hexDigest) && isHex(hexDigest) {
					return strings.ToLower(algo) + ":" + strings.ToLower(hexDigest)
				}
				continue
			}
			if algo := algoForLength(len(field)); algo != "" && isHex(field) {
				return algo + ":" + strings.ToLower(field)
			}
		}
	}
	return ""
}

// ChecksumAssetName returns the name of a sibling checksum file attached to
// the release (SHA256SUMS, checksums.txt, ...), or "". Recognized but not
// fetched in this version.
func ChecksumAssetName(assets []Asset) string {
	for _, a := range assets {
		lower := strings.ToLower(a.Name)
		if strings.Contains(lower, "sha256sums") || strings.Contains(lower, "checksums") ||
			strings.HasSuffix(lower, ".sha256") {
			return a.Name
		}
	}
	return ""
}

func digestLength(algo string) int {
	switch strings.ToLower(algo) {
	case "sha256":
		return 64
	case "sha1":
		return 40
	case "md5":
		return 32
	}
	return 0
}

func algoForLength(n int) string {
	switch n {
	case 64:
		return "sha256"
	case 40:
		return "sha1"
	case 32:
		return "md5"
	}
	return ""
}

func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, ch := range s {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') && (ch < 'A' || ch > 'F') {
			return false
		}
	}
	return true
}

func newDigest(algo string) hash.Hash {
	switch strings.ToLower(algo) {
	case "sha256":
		return sha256.New()
	case "sha1":
		return sha1.New()
	case "md5":
		return md5.New()
	}
	return nil
}

// DownloadAsset fetches url into outPath through a temp file, verifying the
// expected "algo:hex" checksum when one is known. The final move into place
// goes through the transaction, so a later rollback takes the download out
// of outPath again (it is moved back to its ".part" temp name).
// Transient network failures are retried (Retries attempts, one second
// apart); a checksum mismatch deletes the temp file and fails hard.
func (c *Client) DownloadAsset(tx *txn.Transaction, url, outPath, expectedChecksum string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "creating download directory failed")
	}
	tmp := outPath + ".part"

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			logger.Warn("[WARN] Download failed (%v), retrying (%d/%d)...\n", lastErr, attempt, c.Retries)
			time.Sleep(retryDelay)
		}
		lastErr = c.downloadOnce(url, tmp)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		_ = os.Remove(tmp)
		return tpmerr.Wrap(tpmerr.KindNetwork, lastErr, "downloading %s failed", url)
	}

	if expectedChecksum != "" {
		if err := verifyChecksum(tmp, expectedChecksum); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}

	if err := tx.SafeMove(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	logger.Debug("[DEBUG] Downloaded %s to %s\n", url, outPath)
	return nil
}

func (c *Client) downloadOnce(url, tmp string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Warn("[WARN] Failed to close HTTP response body: %v\n", cerr)
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// verifyChecksum compares the file at path against "algo:hex". An unknown
// algorithm is accepted with a warning, matching the shell behaviour when
// the digest utility is missing.
func verifyChecksum(path, expected string) error {
	algo, want, ok := strings.Cut(expected, ":")
	if !ok {
		logger.Warn("[WARN] Malformed checksum %q, skipping verification\n", expected)
		return nil
	}
	digest := newDigest(algo)
	if digest == nil {
		logger.Warn("[WARN] Unsupported checksum algorithm %q, skipping verification\n", algo)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "opening %s for checksum failed", path)
	}
	defer f.Close()
	if _, err := io.Copy(digest, f); err != nil {
		return tpmerr.Wrap(tpmerr.KindFilesystem, err, "hashing %s failed", path)
	}

	got := hex.EncodeToString(digest.Sum(nil))
	if !strings.EqualFold(got, want) {
		return tpmerr.Integrityf("checksum mismatch for %s: got %s:%s, want %s", filepath.Base(path), algo, got, expected)
	}
	logger.Debug("[DEBUG] Checksum verified (%s)\n", algo)
	return nil
}
