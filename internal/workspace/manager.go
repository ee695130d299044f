// Package workspace manages the per-job host directories mounted into sandboxes.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dontdude/goxec-engine/internal/domain"
)

const filePermission = 0o644

// Manager creates and removes isolated temporary directories, one per job.
type Manager struct {
	// baseDir is where workspaces are created. Empty means the OS temp dir.
	baseDir string
	logger  *slog.Logger
}

// NewManager returns a Manager rooted at baseDir.
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	return &Manager{baseDir: baseDir, logger: logger}
}

// Acquire creates a fresh directory and writes code to filename inside it.
// On failure nothing is left behind.
func (m *Manager) Acquire(jobID, filename, code string) (string, error) {
	dir, err := os.MkdirTemp(m.baseDir, "goxec-"+sanitize(jobID)+"-")
	if err != nil {
		return "", fmt.Errorf("%w: create dir: %v", domain.ErrWorkspace, err)
	}

	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, []byte(code), filePermission); err != nil {
		m.Release(dir)
		return "", fmt.Errorf("%w: write source: %v", domain.ErrWorkspace, err)
	}

	m.logger.Debug("Workspace acquired", "jobID", jobID, "path", dir)
	return dir, nil
}

// Release removes the workspace recursively. Releasing an absent workspace is a no-op.
func (m *Manager) Release(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("Failed to remove workspace", "path", dir, "error", err)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
