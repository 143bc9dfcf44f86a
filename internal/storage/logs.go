package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogStorage manages saving stage logs to files, one directory per run
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog writes the output of one stage to <base>/<run>/<NN>_<stage>.log.
// Callers pass output that has already been redacted.
func (ls *LogStorage) SaveLog(runID string, index int, stage, output string) (string, error) {
	dir := ls.RunDir(runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("%02d_%s.log", index+1, sanitize(stage))
	filePath := filepath.Join(dir, filename)

	if err := os.WriteFile(filePath, []byte(output), 0o640); err != nil {
		return "", err
	}
	return filePath, nil
}

// RunDir returns the directory holding the logs of a run.
func (ls *LogStorage) RunDir(runID string) string {
	return filepath.Join(ls.BaseDir, sanitize(runID))
}

// sanitize removes special characters from names used in file paths
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		return "stage"
	}
	return string(clean)
}
