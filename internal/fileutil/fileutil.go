// Package fileutil provides filesystem helpers for the local files
// subsystem. It has no protocol dependencies.
package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when a relative path escapes the base or
// references a non-whitelisted root.
var ErrForbiddenPath = errors.New("forbidden path")

// ResolveSafePath resolves rel (a slash-separated relative path) against base
// and returns the absolute path. An empty rel or "." is base itself. It rejects:
//   - paths whose first segment is not in allowedRoots (nil allows any)
//   - paths that escape base via ".." traversal or symlink
//
// rel must not have a leading slash.
func ResolveSafePath(base, rel string, allowedRoots []string) (string, error) {
	if strings.HasPrefix(rel, "/") {
		return "", ErrForbiddenPath
	}
	cleanBase := filepath.Clean(base)
	if rel == "" || rel == "." {
		if allowedRoots != nil {
			return "", ErrForbiddenPath
		}
		return cleanBase, nil
	}

	if allowedRoots != nil {
		firstSeg := strings.SplitN(rel, "/", 2)[0]
		allowed := false
		for _, r := range allowedRoots {
			if firstSeg == r {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", ErrForbiddenPath
		}
	}

	// filepath.Join cleans ".." etc.
	abs := filepath.Join(cleanBase, filepath.FromSlash(rel))
	if !Within(abs, cleanBase) {
		return "", ErrForbiddenPath
	}

	// Resolve symlinks to defeat symlink-escape attacks.
	resolved, err := resolveExisting(abs, cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	realBase, err := filepath.EvalSymlinks(cleanBase)
	if err != nil {
		realBase = cleanBase
	}
	if !Within(resolved, realBase) && !Within(resolved, cleanBase) {
		return "", ErrForbiddenPath
	}

	return abs, nil
}

// Within reports whether p is base or lies under it. Both must be clean.
func Within(p, base string) bool {
	if p == base {
		return true
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return strings.HasPrefix(p, prefix)
}

// ToSlashRel returns p relative to base as a rooted slash path ("/" for base).
func ToSlashRel(base, p string) (string, error) {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// resolveExisting walks up the path until it finds an existing ancestor, then
// evaluates symlinks on that ancestor. Returns the real path of the deepest
// existing component.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			return filepath.EvalSymlinks(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !Within(parent, base) {
			// Reached fs root or left base; base is the safe anchor.
			return base, nil
		}
		cur = parent
	}
}
