package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Workspace owns the on-disk directories of every session: one auth
// directory holding the paired device store and one profile directory
// holding rendered pairing codes and downloaded media.
type Workspace struct {
	AuthDir    string
	ProfileDir string
}

// AuthPath returns the auth artifact directory of a session.
func (w Workspace) AuthPath(id string) string {
	return filepath.Join(w.AuthDir, id)
}

// ProfilePath returns the profile directory of a session.
func (w Workspace) ProfilePath(id string) string {
	return filepath.Join(w.ProfileDir, id)
}

// EnsureAuth creates the auth directory of a session.
func (w Workspace) EnsureAuth(id string) (string, error) {
	dir := w.AuthPath(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create auth dir: %w", err)
	}
	return dir, nil
}

// EnsureProfile creates the profile directory of a session.
func (w Workspace) EnsureProfile(id string) (string, error) {
	dir := w.ProfilePath(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}

// HasAuth reports whether a session has non-empty auth artifacts on disk.
func (w Workspace) HasAuth(id string) bool {
	entries, err := os.ReadDir(w.AuthPath(id))
	return err == nil && len(entries) > 0
}

// SessionIDs lists the sessions with an auth directory, sorted.
func (w Workspace) SessionIDs() ([]string, error) {
	entries, err := os.ReadDir(w.AuthDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan auth dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !sessionIDPattern.MatchString(e.Name()) {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveAuth erases the auth artifacts of a session.
func (w Workspace) RemoveAuth(id string) error {
	if err := os.RemoveAll(w.AuthPath(id)); err != nil {
		return fmt.Errorf("remove auth dir: %w", err)
	}
	return nil
}

// RemoveProfile erases the profile directory of a session.
func (w Workspace) RemoveProfile(id string) error {
	if err := os.RemoveAll(w.ProfilePath(id)); err != nil {
		return fmt.Errorf("remove profile dir: %w", err)
	}
	return nil
}
