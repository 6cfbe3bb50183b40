// Package config resolves the immutable runtime configuration: prefix
// paths, the manifest location, network tuning, color policy, and the host
// architecture tag.
//
// Precedence, lowest to highest: built-in defaults, the optional
// ~/.tpm/config.yaml override file, environment variables.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"tpm/internal/logger"
	"tpm/internal/tpmerr"
)

// DefaultPrefix is the Termux user prefix used when PREFIX is unset.
const DefaultPrefix = "/data/data/com.termux/files/usr"

// Config holds every resolved setting. Values are fixed after Load; nothing
// mutates a Config afterwards.
type Config struct {
	Prefix       string // Termux prefix, root of everything we touch
	BinDir       string // PREFIX/bin, where PATH symlinks are published
	LibDir       string // PREFIX/lib/tpm
	StoreRoot    string // PREFIX/tpm/store, the versioned content store
	TmpDir       string // PREFIX/tpm/tmp, downloads, backups, locks, cache
	ManifestFile string // HOME/.tpm/manifest
	Home         string

	TimeoutSeconds int    // network connect timeout
	MaxRetries     int    // download retry attempts
	KeepVersions   int    // versions retained per tool by cleanup
	Color          string // auto | always | never

	Arch string // host arch tag: arm64, arm, i686, x86_64
}

// fileOverrides is the shape of the optional ~/.tpm/config.yaml file.
type fileOverrides struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
	KeepVersions   int    `yaml:"keep_versions"`
	Color          string `yaml:"color"`
}

// Load builds the configuration from defaults, the optional yaml override
// file, and the environment. It fails only when the host architecture
// cannot be mapped to a supported tag.
func Load() (Config, error) {
	home := os.Getenv("HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}

	prefix := os.Getenv("PREFIX")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	cfg := Config{
		Prefix:         prefix,
		BinDir:         filepath.Join(prefix, "bin"),
		LibDir:         filepath.Join(prefix, "lib", "tpm"),
		StoreRoot:      filepath.Join(prefix, "tpm", "store"),
		TmpDir:         filepath.Join(prefix, "tpm", "tmp"),
		ManifestFile:   filepath.Join(home, ".tpm", "manifest"),
		Home:           home,
		TimeoutSeconds: 30,
		MaxRetries:     2,
		KeepVersions:   3,
		Color:          "auto",
	}

	applyFileOverrides(&cfg, filepath.Join(home, ".tpm", "config.yaml"))

	arch, err := DetectArch(os.Getenv("TERMUX_ARCH"), runtime.GOARCH)
	if err != nil {
		return Config{}, err
	}
	cfg.Arch = arch

	if os.Getenv("NO_COLOR") != "" {
		cfg.Color = "never"
	}

	return cfg, nil
}

// applyFileOverrides merges the yaml override file into cfg. A missing file
// is normal; a malformed one is reported and ignored.
func applyFileOverrides(cfg *Config, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var ov fileOverrides
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		logger.Warn("[WARN] Ignoring malformed config file %s: %v\n", path, err)
		return
	}
	if ov.TimeoutSeconds > 0 {
		cfg.TimeoutSeconds = ov.TimeoutSeconds
	}
	if ov.MaxRetries > 0 {
		cfg.MaxRetries = ov.MaxRetries
	}
	if ov.KeepVersions > 0 {
		cfg.KeepVersions = ov.KeepVersions
	}
	switch ov.Color {
	case "auto", "always", "never":
		cfg.Color = ov.Color
	case "":
	default:
		logger.Warn("[WARN] Unknown color policy %q in %s, keeping %q\n", ov.Color, path, cfg.Color)
	}
}

// DetectArch maps the host machine string to one of the supported arch
// tags. The environment hint (TERMUX_ARCH) wins over the kernel-reported
// machine string.
func DetectArch(hint, machine string) (string, error) {
	raw := strings.ToLower(strings.TrimSpace(hint))
	if raw == "" {
		raw = strings.ToLower(strings.TrimSpace(machine))
	}
	switch raw {
	case "aarch64", "arm64":
		return "arm64", nil
	case "armv7l", "arm", "armhf", "armv8":
		return "arm", nil
	case "i686", "x86", "i386", "386":
		return "i686", nil
	case "x86_64", "amd64":
		return "x86_64", nil
	}
	return "", tpmerr.Unsupportedf("unsupported architecture %q", raw)
}
