package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath validates an agent-supplied path against the session's
// working-directory root. The path must be absolute and, after
// normalization, must stay inside the root — this is the sandbox boundary,
// not an advisory check.
func (s *Session) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("invalid path: path is required")
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("invalid path: contains null byte")
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid path: must be absolute")
	}

	clean := filepath.Clean(path)
	if clean != s.Cwd && !strings.HasPrefix(clean, s.Cwd+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes session root: %s", path)
	}
	return clean, nil
}

// readTextFile returns the file content, optionally narrowed to a window of
// lines. line is 1-based; limit counts lines from there. With neither set
// the full content is returned.
func readTextFile(path string, line, limit *int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	content := string(data)
	if line == nil && limit == nil {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// writeTextFile creates parent directories as needed and replaces the file
// atomically from the caller's perspective: content lands in a temp file in
// the target directory, then renames over the destination.
func writeTextFile(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".agenthost-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
