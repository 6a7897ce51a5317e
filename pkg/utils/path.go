package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SanitizeKey maps a cache key to a file-name-safe string: every byte outside
// [A-Za-z0-9] becomes '_'. The mapping is not injective ("a:b" and "a/b" both
// become "a_b"); callers that derive file names from keys must detect collisions.
func SanitizeKey(key string) string {
	if key == "" {
		return "_"
	}
	b := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b[i] = c
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// ValidatePathWithinBase validates that a file path is within a specified base directory.
//
// Example usage:
//
//	if err := ValidatePathWithinBase(cacheDir, entry.Name()); err != nil {
//		continue
//	}
func ValidatePathWithinBase(base, path string) error {
	if base == "" {
		return fmt.Errorf("base path cannot be empty")
	}
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		if !strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator)) &&
			cleanPath != cleanBase {
			return fmt.Errorf("path %s is outside base directory %s", path, base)
		}
		return nil
	}

	fullPath := filepath.Join(cleanBase, cleanPath)
	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return fmt.Errorf("path %s escapes base directory %s", path, base)
	}

	return nil
}

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
// Unlike filepath.Join, this function validates that the result doesn't escape the base through
// directory traversal.
//
// Example usage:
//
//	safePath, err := SecureJoin("/var/cache/tiercache", SanitizeKey(key)+".entry")
//	if err != nil {
//		return fmt.Errorf("invalid path combination: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
