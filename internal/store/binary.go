package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"tpm/internal/logger"
	"tpm/internal/tpmerr"
)

// File kinds reported by the magic sniff.
const (
	kindUnknown = ""
	kindELF     = "elf"
	kindMachO   = "macho"
	kindScript  = "script"
)

// sniffMagic classifies a file by its leading bytes: ELF, Mach-O, or a
// "#!" script. This replaces shelling out to file(1).
func sniffMagic(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return kindUnknown
	}
	defer f.Close()

	buf := make([]byte, 4)
	n, err := f.Read(buf)
	if err != nil || n < 2 {
		return kindUnknown
	}
	buf = buf[:n]

	switch {
	case n >= 4 && bytes.Equal(buf, []byte{0x7f, 'E', 'L', 'F'}):
		return kindELF
	case n >= 4 && (bytes.Equal(buf, []byte{0xfe, 0xed, 0xfa, 0xce}) ||
		bytes.Equal(buf, []byte{0xfe, 0xed, 0xfa, 0xcf}) ||
		bytes.Equal(buf, []byte{0xce, 0xfa, 0xed, 0xfe}) ||
		bytes.Equal(buf, []byte{0xcf, 0xfa, 0xed, 0xfe}) ||
		bytes.Equal(buf, []byte{0xca, 0xfe, 0xba, 0xbe})):
		return kindMachO
	case buf[0] == '#' && buf[1] == '!':
		return kindScript
	}
	return kindUnknown
}

// excludedName filters out files that are never the principal binary:
// shared libraries, docs, common assets, and hidden files.
func excludedName(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, pat := range []string{".so", ".dylib", ".dll", ".a", ".la"} {
		if strings.HasSuffix(lower, pat) || strings.Contains(lower, pat+".") {
			return true
		}
	}
	for _, prefix := range []string{"readme", "license", "licence", "copying", "changelog", "notice"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	for _, ext := range []string{".md", ".txt", ".html", ".pdf", ".png", ".jpg", ".svg",
		".json", ".yaml", ".yml", ".toml", ".xml", ".1", ".conf", ".fish", ".bash", ".zsh", ".ps1"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// binaryHeuristic is one scoring rule. The table is data so field-found
// edge cases can be tuned without touching the selection logic.
type binaryHeuristic struct {
	name   string
	weight int
	match  func(c candidate) bool
}

type candidate struct {
	path     string // absolute
	name     string
	size     int64
	kind     string // magic sniff result
	expected string // expected basename, may be empty
}

var binaryHeuristics = []binaryHeuristic{
	{"exact-name", 100, func(c candidate) bool {
		return c.expected != "" && c.name == c.expected
	}},
	{"lowercase-name", 20, func(c candidate) bool {
		return c.name == strings.ToLower(c.name)
	}},
	{"no-dot", 15, func(c candidate) bool {
		return !strings.Contains(c.name, ".")
	}},
	{"alphanumeric", 10, func(c candidate) bool {
		for _, r := range c.name {
			if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
				return false
			}
		}
		return c.name != ""
	}},
	{"native-magic", 50, func(c candidate) bool {
		return c.kind == kindELF || c.kind == kindMachO
	}},
	{"script", -30, func(c candidate) bool {
		return c.kind == kindScript
	}},
	{"bin-dir", 25, func(c candidate) bool {
		return strings.Contains(c.path, "/bin/")
	}},
	{"sbin-dir", 20, func(c candidate) bool {
		return strings.Contains(c.path, "/sbin/")
	}},
	{"usr-tree", -10, func(c candidate) bool {
		return strings.Contains(c.path, "/usr/")
	}},
	{"plausible-size", 15, func(c candidate) bool {
		return c.size >= 10*1024 && c.size <= 50*1024*1024
	}},
}

func scoreCandidate(c candidate) int {
	score := 0
	for _, h := range binaryHeuristics {
		if h.match(c) {
			score += h.weight
		}
	}
	return score
}

// IdentifyBinary walks the extracted tree under root and picks the file
// most likely to be the tool's principal executable. Candidates are scored
// by the heuristic table; ties break toward case-insensitive containment of
// the expected basename, then toward the first file encountered. The first
// pass considers only files with an executable bit; if that leaves nothing,
// the scan repeats without the filter.
func IdentifyBinary(root, expected string) (string, error) {
	best, err := identifyPass(root, expected, true)
	if err != nil {
		return "", err
	}
	if best == "" {
		logger.Debug("[DEBUG] No executable candidates under %s, retrying without the exec-bit filter\n", root)
		best, err = identifyPass(root, expected, false)
		if err != nil {
			return "", err
		}
	}
	if best == "" {
		return "", tpmerr.NotFoundf("no binary found under %s", root)
	}
	return best, nil
}

func identifyPass(root, expected string, requireExec bool) (string, error) {
	bestPath := ""
	bestScore := 0
	bestContains := false
	lowerExpected := strings.ToLower(expected)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logger.Debug("[DEBUG] WalkDir error: %v\n", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		name := filepath.Base(path)
		if excludedName(name) {
			return nil
		}
		if requireExec && info.Mode().Perm()&0111 == 0 {
			return nil
		}

		c := candidate{
			path:     path,
			name:     name,
			size:     info.Size(),
			kind:     sniffMagic(path),
			expected: expected,
		}
		score := scoreCandidate(c)
		contains := lowerExpected != "" && strings.Contains(strings.ToLower(name), lowerExpected)
		logger.Debug("[DEBUG] Binary candidate %s scored %d\n", path, score)

		switch {
		case bestPath == "",
			score > bestScore,
			score == bestScore && contains && !bestContains:
			bestPath = path
			bestScore = score
			bestContains = contains
		}
		return nil
	})
	if err != nil {
		return "", tpmerr.Wrap(tpmerr.KindFilesystem, err, "scanning %s failed", root)
	}
	return bestPath, nil
}
