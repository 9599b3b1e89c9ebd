package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Writer manages artifacts for a single test run.
type Writer struct {
	RunDir string
}

// NewWriter creates the run directory.
func NewWriter(runDir string) (*Writer, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{RunDir: runDir}, nil
}

// WriteJSON writes an object to a JSON file under the run directory.
func (w *Writer) WriteJSON(name string, value any) (string, error) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", err
	}
	return w.WriteBytes(name, payload)
}

// WriteText writes a string to a file under the run directory.
func (w *Writer) WriteText(name string, data string) (string, error) {
	return w.WriteBytes(name, []byte(data))
}

// WriteBytes writes bytes to a file under the run directory. Parent
// directories in name are created as needed.
func (w *Writer) WriteBytes(name string, data []byte) (string, error) {
	path := filepath.Join(w.RunDir, filepath.FromSlash(name))
	if rel, err := filepath.Rel(w.RunDir, path); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("artifact %q escapes run directory", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// OutputName is the artifact name for the captured output of a step.
func OutputName(test, step string) string {
	return filepath.ToSlash(filepath.Join("output", SafeName(test), SafeName(step)+".log"))
}

// SafeName replaces characters that do not belong in a file name.
func SafeName(value string) string {
	cleaned := strings.Trim(unsafeChars.ReplaceAllString(value, "_"), "_")
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}
