// Package workdir hands out per-request staging directories under a fixed
// root and removes them when the request finishes. Stages receive the
// directory through their context and may create anything inside it; nothing
// outside the request directory is ever touched.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Manager creates and removes request-scoped staging directories.
type Manager struct {
	root   string
	logger *zap.Logger
}

// NewManager builds a manager rooted at root. The root itself is created
// lazily on first Ensure.
func NewManager(root string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{root: root, logger: logger.Named("workdir")}
}

// Root returns the staging root.
func (m *Manager) Root() string { return m.root }

// Ensure creates (if needed) and returns the staging directory for a
// request. Request IDs containing path separators are rejected so a
// malformed ID can never escape the root.
func (m *Manager) Ensure(requestID string) (string, error) {
	if requestID == "" || strings.ContainsAny(requestID, `/\`) || requestID == "." || requestID == ".." {
		return "", fmt.Errorf("invalid request id %q", requestID)
	}
	dir := filepath.Join(m.root, "req_"+requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes a request's staging directory and everything in it.
// Removing a directory that was never created is not an error.
func (m *Manager) Cleanup(requestID string) error {
	if requestID == "" || strings.ContainsAny(requestID, `/\`) || requestID == "." || requestID == ".." {
		return fmt.Errorf("invalid request id %q", requestID)
	}
	dir := filepath.Join(m.root, "req_"+requestID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove staging directory: %w", err)
	}
	m.logger.Debug("staging directory removed", zap.String("dir", dir))
	return nil
}
