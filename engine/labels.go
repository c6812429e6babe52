package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrNoLabels = errors.New("label file has no class names")

// LoadLabels reads one class name per line. Line i names class index i, so blank lines
// in the middle are kept and only trailing ones are dropped.
func LoadLabels(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	// 支持 Windows CRLF
	lines := strings.Split(string(b), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(strings.TrimRight(lines[i], "\r"))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLabels, path)
	}
	return lines, nil
}
