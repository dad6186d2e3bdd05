package util

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath returns an absolute, cleaned form of path. Relative paths
// are resolved against base when base is non-empty, otherwise against the
// working directory. Names keep their bytes so the result can be opened.
func NormalizePath(path, base string) string {
	if !filepath.IsAbs(path) {
		if base != "" {
			path = filepath.Join(base, path)
		} else if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return filepath.Clean(path)
}

// PathKey returns the NFC form of path. Use it where paths from different
// sources are compared; open files by the path they were found under.
func PathKey(path string) string {
	return norm.NFC.String(path)
}

// ResolvePath returns the spelling of path that exists on disk, trying it
// as given and then in NFC and NFD form. ok is false when none exists.
func ResolvePath(path string) (resolved string, ok bool) {
	for _, candidate := range []string{path, norm.NFC.String(path), norm.NFD.String(path)} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return path, false
}

// IsUnder reports whether path lies inside root (or is root itself)
func IsUnder(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// PathExists reports whether a regular file or directory exists at path
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
