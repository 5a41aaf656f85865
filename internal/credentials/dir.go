// Package credentials manages the local session artifacts (the browser
// profile) that let a reconnect reuse a prior authentication.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"groupvault/internal/logging"
)

// Dir is a credential artifact directory.
type Dir struct {
	path string
}

// NewDir returns a Dir rooted at path. The directory is not created.
func NewDir(path string) *Dir {
	return &Dir{path: filepath.Clean(path)}
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// Present reports whether any artifacts exist.
func (d *Dir) Present() bool {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return false
	}
	for _, e := range entries {
		// Chrome leaves singleton lock symlinks behind that are not
		// credentials on their own.
		if strings.HasPrefix(e.Name(), "Singleton") {
			continue
		}
		return true
	}
	return false
}

// Purge removes every artifact so the next session must authenticate
// interactively.
func (d *Dir) Purge() error {
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	logging.SessionWarn("credential artifacts purged from %s", d.path)
	return nil
}

// Ensure creates the directory if missing.
func (d *Dir) Ensure() error {
	if err := os.MkdirAll(d.path, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	return nil
}
