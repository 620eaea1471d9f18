package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	basePinPattern = regexp.MustCompile(`^django==`)
	testPinPattern = regexp.MustCompile(`^[dD]jango==`)
)

// SplitDjangoPin lets tox choose the Django version for tests: the pin in
// base.txt is copied to django.txt and removed from test.txt.
func SplitDjangoPin(requirementsDir string) error {
	base, err := os.ReadFile(filepath.Join(requirementsDir, "base.txt"))
	if err != nil {
		return fmt.Errorf("failed to read base requirements: %w", err)
	}
	pins, _ := splitLines(base, basePinPattern)
	if err := writeFileAtomic(filepath.Join(requirementsDir, "django.txt"), joinLines(pins)); err != nil {
		return err
	}

	testPath := filepath.Join(requirementsDir, "test.txt")
	test, err := os.ReadFile(testPath)
	if err != nil {
		return fmt.Errorf("failed to read test requirements: %w", err)
	}
	_, rest := splitLines(test, testPinPattern)
	return writeFileAtomic(testPath, joinLines(rest))
}

// splitLines separates the lines of data that match pattern from the rest.
// Lines of any length are kept; pip-compile writes long hash lines.
func splitLines(data []byte, pattern *regexp.Regexp) (matched, rest []string) {
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if pattern.MatchString(line) {
			matched = append(matched, line)
		} else {
			rest = append(rest, line)
		}
	}
	return matched, rest
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// writeFileAtomic replaces path through a temporary file, like the
// `sed > test.tmp && mv` it stands in for.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
