package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PartSuffix is appended to the destination path to name the in-progress
// partial file. The partial is the only mutable intermediate state; the
// destination itself is only ever created by an atomic rename.
const PartSuffix = ".downloading"

// Manager handles local filesystem operations for the artifact cache
type Manager struct {
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// NewManager creates a new filesystem manager
func NewManager() *Manager {
	return &Manager{
		dirPerm:  0755,
		filePerm: 0644,
	}
}

// PartialPath returns the partial file path for a destination
func (m *Manager) PartialPath(dest string) string {
	return dest + PartSuffix
}

// EnsureParent ensures the parent directory of a destination exists
func (m *Manager) EnsureParent(dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, m.dirPerm); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	return nil
}

// FileExists checks if a file exists
func (m *Manager) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileSize returns the size of a file
func (m *Manager) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// PartialSize returns the current length of the partial file for dest,
// or 0 when no partial exists
func (m *Manager) PartialSize(dest string) (int64, error) {
	info, err := os.Stat(m.PartialPath(dest))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat partial file: %w", err)
	}
	return info.Size(), nil
}

// OpenPartial opens the partial file for dest. With resume it appends to
// existing bytes; otherwise any previous partial is truncated.
func (m *Manager) OpenPartial(dest string, resume bool) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(m.PartialPath(dest), flags, m.filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}
	return f, nil
}

// DeletePartial removes the partial file for dest
func (m *Manager) DeletePartial(dest string) error {
	if err := os.Remove(m.PartialPath(dest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete partial file: %w", err)
	}
	return nil
}

// Publish atomically renames the partial file into the destination, so no
// observer ever sees a partially-written destination
func (m *Manager) Publish(dest string) error {
	if err := os.Rename(m.PartialPath(dest), dest); err != nil {
		return fmt.Errorf("failed to publish artifact: %w", err)
	}
	return nil
}

// CleanStaleParts removes partial files under root older than the given age
func (m *Manager) CleanStaleParts(root string, olderThan time.Duration) (int, error) {
	count := 0
	threshold := time.Now().Add(-olderThan)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, PartSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(threshold) {
			if removeErr := os.Remove(path); removeErr == nil {
				count++
			}
		}
		return nil
	})
	return count, err
}
