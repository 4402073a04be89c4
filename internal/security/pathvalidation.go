// Package security guards file paths that are built at runtime from
// configured directories.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapesDir is returned when a path resolves outside the directory it
// must stay in.
var ErrPathEscapesDir = errors.New("path escapes directory")

// canonical returns the absolute form of path with every symlink in its
// longest existing prefix resolved. The part that does not exist yet is
// appended unchanged.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	existing, rest := abs, ""
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

// ValidatePathWithinDirectory returns an error wrapping ErrPathEscapesDir
// when filePath, once symlinks are resolved, lies outside dir. dir must
// exist.
func ValidatePathWithinDirectory(filePath, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	canonicalDir, err := canonical(dir)
	if err != nil {
		return err
	}
	canonicalPath, err := canonical(filePath)
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(canonicalDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathEscapesDir, filePath)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscapesDir, filePath, dir)
	}
	return nil
}

// JoinWithinDirectory joins name onto dir and checks that the result stays
// inside dir.
func JoinWithinDirectory(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := ValidatePathWithinDirectory(path, dir); err != nil {
		return "", err
	}
	return path, nil
}
