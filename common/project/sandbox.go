package project

import (
	"fmt"
	"path/filepath"
	"strings"
)

// validateRelativePath rejects manifest or input-file paths that would write
// outside the project root. Program definitions are user-supplied; a path
// like "../../etc/cron.d/job" must never reach the filesystem.
func validateRelativePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty file path")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains a null byte")
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return fmt.Errorf("absolute file path %q not allowed", path)
	}
	if len(path) >= 2 && path[1] == ':' {
		return fmt.Errorf("drive-prefixed file path %q not allowed", path)
	}

	clean := filepath.ToSlash(filepath.Clean(path))
	for _, segment := range strings.Split(clean, "/") {
		if segment == ".." {
			return fmt.Errorf("file path %q escapes the project root", path)
		}
	}
	return nil
}
