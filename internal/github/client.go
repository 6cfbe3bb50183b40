// Package github is the release resolver: it fetches release metadata from
// the GitHub REST API (with an on-disk response cache and rate-limit
// bookkeeping), scores release assets against the host architecture, and
// downloads the selected artifact with optional checksum verification.
package github

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tpm/internal/logger"
	"tpm/internal/tpmerr"
)

// cacheTTL bounds how long a cached API response is served instead of
// hitting the network again.
const cacheTTL = 5 * time.Minute

// Release is the subset of the GitHub release JSON tpm consumes.
type Release struct {
	TagName string  `json:"tag_name"` // The release tag (e.g., v1.0.0)
	Body    string  `json:"body"`     // Release notes, scanned for checksums
	Assets  []Asset `json:"assets"`
}

// Asset is one downloadable artifact attached to a release.
type Asset struct {
	Name               string `json:"name"`                 // Asset filename
	BrowserDownloadURL string `json:"browser_download_url"` // Direct download URL
	Size               int64  `json:"size"`
}

// apiError is the error-message shape GitHub returns on failures.
type apiError struct {
	Message string `json:"message"`
}

// Client talks to the release host. The zero value is not usable; construct
// with New.
type Client struct {
	BaseURL   string // https://api.github.com unless overridden (tests)
	CacheDir  string
	UserAgent string
	Token     string // optional bearer token, raises the anonymous rate limit

	Timeout time.Duration
	Retries int

	http *http.Client
}

// New builds a client with the given cache directory and network tuning.
// The HTTP client uses the connect timeout from config and an overall
// deadline of three times that, so a stalled transfer cannot hang forever.
func New(cacheDir string, timeout time.Duration, retries int) *Client {
	return &Client{
		BaseURL:   "https://api.github.com",
		CacheDir:  cacheDir,
		UserAgent: "tpm",
		Token:     strings.TrimSpace(os.Getenv("GITHUB_TOKEN")),
		Timeout:   timeout,
		Retries:   retries,
		http: &http.Client{
			Timeout: 3 * timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
			},
		},
	}
}

// cachePath maps an endpoint to its cache file: the path with every
// non-filename character flattened to underscores, so concurrent processes
// deterministically share entries.
func (c *Client) cachePath(endpoint string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return '_'
	}, strings.Trim(endpoint, "/"))
	return filepath.Join(c.CacheDir, sanitized+".json")
}

func (c *Client) ratelimitPath() string {
	return filepath.Join(c.CacheDir, "ratelimit")
}

// readRateLimit loads the persisted (remaining, reset_epoch) pair. Missing
// or malformed state reads as "unknown", which never gates a request.
func (c *Client) readRateLimit() (remaining, reset int64) {
	raw, err := os.ReadFile(c.ratelimitPath())
	if err != nil {
		return -1, 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 2 {
		return -1, 0
	}
	remaining, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return -1, 0
	}
	reset, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return -1, 0
	}
	return remaining, reset
}

func (c *Client) writeRateLimit(remaining, reset int64) {
	_ = os.MkdirAll(c.CacheDir, 0755)
	_ = os.WriteFile(c.ratelimitPath(), []byte(fmt.Sprintf("%d %d\n", remaining, reset)), 0644)
}

// apiRequest performs one GET against the API, going through the response
// cache and the rate-limit gate. It returns the response body.
func (c *Client) apiRequest(endpoint string) ([]byte, error) {
	cache := c.cachePath(endpoint)
	if info, err := os.Stat(cache); err == nil && time.Since(info.ModTime()) < cacheTTL {
		if raw, err := os.ReadFile(cache); err == nil {
			logger.Debug("[DEBUG] Cache hit for %s\n", endpoint)
			return raw, nil
		}
	}

	// Fail fast when the previous response said the quota is gone.
	if remaining, reset := c.readRateLimit(); remaining >= 0 && remaining <= 1 {
		if now := time.Now().Unix(); now < reset {
			wait := int(reset-now) + 5
			logger.Warn("[WARN] GitHub rate limit exhausted, retry in %ds\n", wait)
			return nil, tpmerr.RateLimited(wait)
		}
	}

	url := strings.TrimSuffix(c.BaseURL, "/") + endpoint
	logger.Debug("[DEBUG] GET %s\n", url)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, tpmerr.Wrap(tpmerr.KindInternal, err, "building request failed")
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, tpmerr.Wrap(tpmerr.KindNetwork, err, "request to %s failed", url)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Warn("[WARN] Failed to close HTTP response body: %v\n", cerr)
		}
	}()

	c.updateRateLimit(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tpmerr.Wrap(tpmerr.KindNetwork, err, "reading response from %s failed", url)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, tpmerr.NotFoundf("%s not found (HTTP 404)", endpoint)
	}
	if resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(string(body)), "rate limit") {
		_, reset := c.readRateLimit()
		wait := int(reset-time.Now().Unix()) + 5
		if wait < 5 {
			wait = 5
		}
		return nil, tpmerr.RateLimited(wait)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, tpmerr.Networkf("GET %s returned HTTP %d", url, resp.StatusCode)
	}

	// GitHub reports some failures as 200s with an error-shaped body.
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		var probe map[string]json.RawMessage
		if json.Unmarshal(body, &probe) == nil {
			if _, hasTag := probe["tag_name"]; !hasTag {
				return nil, tpmerr.Networkf("API error for %s: %s", endpoint, apiErr.Message)
			}
		}
	}

	if err := os.MkdirAll(c.CacheDir, 0755); err == nil {
		if werr := os.WriteFile(cache, body, 0644); werr != nil {
			logger.Debug("[DEBUG] Caching response failed: %v\n", werr)
		}
	}
	return body, nil
}

// updateRateLimit records the X-RateLimit headers from a response.
func (c *Client) updateRateLimit(h http.Header) {
	remStr := h.Get("X-RateLimit-Remaining")
	resetStr := h.Get("X-RateLimit-Reset")
	if remStr == "" || resetStr == "" {
		return
	}
	remaining, err1 := strconv.ParseInt(remStr, 10, 64)
	reset, err2 := strconv.ParseInt(resetStr, 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	logger.Debug("[DEBUG] Rate limit: %d remaining, resets at %d\n", remaining, reset)
	c.writeRateLimit(remaining, reset)
}

// LatestRelease fetches the latest published release for owner/repo.
func (c *Client) LatestRelease(owner, repo string) (*Release, error) {
	return c.fetchRelease(fmt.Sprintf("/repos/%s/%s/releases/latest", owner, repo))
}

// ReleaseByTag fetches a specific release by its tag.
func (c *Client) ReleaseByTag(owner, repo, tag string) (*Release, error) {
	return c.fetchRelease(fmt.Sprintf("/repos/%s/%s/releases/tags/%s", owner, repo, tag))
}

func (c *Client) fetchRelease(endpoint string) (*Release, error) {
	body, err := c.apiRequest(endpoint)
	if err != nil {
		return nil, err
	}
	var release Release
	if err := json.Unmarshal(body, &release); err != nil {
		return nil, tpmerr.Wrap(tpmerr.KindNetwork, err, "decoding release JSON failed")
	}
	if release.TagName == "" {
		return nil, tpmerr.NotFoundf("release at %s has no tag_name", endpoint)
	}
	logger.Debug("[DEBUG] Release %s with %d asset(s)\n", release.TagName, len(release.Assets))
	return &release, nil
}
