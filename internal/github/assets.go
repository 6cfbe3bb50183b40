package github

import (
	"strings"

	"tpm/internal/logger"
	"tpm/internal/tpmerr"
)

// assetHeuristic is one scoring rule over a lowercased asset name. The
// table is data so field-found release conventions can be tuned without
// touching the selection logic.
type assetHeuristic struct {
	name   string
	weight int
	match  func(name, arch string) bool
}

// archMatches reports whether the asset name carries the token for the
// given host arch tag. "arm" must not match arm64 assets and "x86"/"386"
// must not match x86_64 ones.
func archMatches(name, arch string) bool {
	switch arch {
	case "arm64":
		return strings.Contains(name, "arm64") || strings.Contains(name, "aarch64")
	case "arm":
		return strings.Contains(name, "arm") &&
			!strings.Contains(name, "arm64") && !strings.Contains(name, "aarch64")
	case "i686":
		return strings.Contains(name, "386") || strings.Contains(name, "i686") ||
			(strings.Contains(name, "x86") && !strings.Contains(name, "x86_64") && !strings.Contains(name, "x86-64"))
	case "x86_64":
		return strings.Contains(name, "x86_64") || strings.Contains(name, "x86-64") ||
			strings.Contains(name, "amd64")
	}
	return false
}

func containsAny(name string, tokens ...string) bool {
	for _, t := range tokens {
		if strings.Contains(name, t) {
			return true
		}
	}
	return false
}

func hasSuffixAny(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

var assetHeuristics = []assetHeuristic{
	{"arch", 50, archMatches},
	{"linux", 30, func(n, _ string) bool { return strings.Contains(n, "linux") }},
	{"gnu", 5, func(n, _ string) bool { return strings.Contains(n, "gnu") }},
	{"musl", -10, func(n, _ string) bool { return strings.Contains(n, "musl") }},
	{"darwin", -100, func(n, _ string) bool { return containsAny(n, "darwin", "macos") }},
	{"windows", -100, func(n, _ string) bool { return containsAny(n, "windows", "win") }},
	{"bsd", -50, func(n, _ string) bool { return containsAny(n, "freebsd", "openbsd", "netbsd", "dragonfly") }},
	{"source", -200, func(n, _ string) bool { return containsAny(n, "source", "src") }},
	{"debug", -150, func(n, _ string) bool { return containsAny(n, "debug", "dbg") }},
	{"static", 10, func(n, _ string) bool { return strings.Contains(n, "static") }},
	{"minimal", 5, func(n, _ string) bool { return containsAny(n, "minimal", "standalone") }},
	{"targz", 20, func(n, _ string) bool { return hasSuffixAny(n, ".tar.gz", ".tgz") }},
	{"tarx", 15, func(n, _ string) bool { return hasSuffixAny(n, ".tar.xz", ".tar.bz2") }},
	{"zip", 10, func(n, _ string) bool { return strings.HasSuffix(n, ".zip") }},
}

// ScoreAsset computes the suitability score of one asset name for the host
// arch. Names are compared lowercased.
func ScoreAsset(name, arch string) int {
	lower := strings.ToLower(name)
	score := 0
	for _, h := range assetHeuristics {
		if h.match(lower, arch) {
			score += h.weight
		}
	}
	return score
}

// foreignOS reports an asset built for a platform that can never run under
// Termux. Such assets are disqualified outright rather than merely scored
// down, so a release offering only darwin and windows builds fails cleanly.
func foreignOS(name string) bool {
	return containsAny(strings.ToLower(name), "darwin", "macos", "windows", "win32", "win64")
}

// SelectAsset picks the highest-scoring asset for the host arch. A winner
// with a negative score is accepted with a warning; no usable asset at all
// fails listing every name so the user can see what the release offers.
func SelectAsset(assets []Asset, arch string) (*Asset, error) {
	var best *Asset
	bestScore := 0
	for i := range assets {
		a := &assets[i]
		if a.Name == "" || a.BrowserDownloadURL == "" || foreignOS(a.Name) {
			continue
		}
		score := ScoreAsset(a.Name, arch)
		logger.Debug("[DEBUG] Asset %s scored %d\n", a.Name, score)
		if best == nil || score > bestScore {
			best = a
			bestScore = score
		}
	}
	if best == nil {
		names := make([]string, 0, len(assets))
		for _, a := range assets {
			names = append(names, a.Name)
		}
		return nil, tpmerr.NotFoundf("no suitable asset for %s; release offers: %s",
			arch, strings.Join(names, ", "))
	}
	if bestScore < 0 {
		logger.Warn("[WARN] Best asset %s scored %d; it may not run on this device\n", best.Name, bestScore)
	}
	logger.Debug("[DEBUG] Selected asset %s (score %d)\n", best.Name, bestScore)
	return best, nil
}
