// Package spool manages the pending and done directories.
//
// Devices drop files into the pending directory. A file stays there until
// an upload of it succeeds, and is then moved to the done directory under
// the same name, replacing any earlier file of that name.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrFinalize is returned when a transmitted file cannot be moved to done.
var ErrFinalize = errors.New("cannot move file to done")

// File is one pending file.
type File struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Spool is a pair of pending and done directories.
type Spool struct {
	pendingDir string
	doneDir    string
}

func New(pendingDir, doneDir string) *Spool {
	return &Spool{pendingDir: pendingDir, doneDir: doneDir}
}

func (s *Spool) PendingDir() string { return s.pendingDir }
func (s *Spool) DoneDir() string    { return s.doneDir }

// Ensure creates both directories if they do not exist.
func (s *Spool) Ensure() error {
	for _, dir := range []string{s.pendingDir, s.doneDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ListPending returns the regular files in the pending directory sorted by
// name. Directories and Finder metadata (.DS_Store) are left out.
func (s *Spool) ListPending() ([]File, error) {
	entries, err := os.ReadDir(s.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.pendingDir, err)
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.Contains(e.Name(), ".DS_Store") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if info.IsDir() {
			continue
		}
		files = append(files, File{
			Name:    e.Name(),
			Path:    filepath.Join(s.pendingDir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Finalize moves f into the done directory, replacing an existing file of
// the same name. Moves across filesystems fall back to copy and remove.
func (s *Spool) Finalize(f File) error {
	dst := filepath.Join(s.doneDir, f.Name)

	err := os.Rename(f.Path, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("%w: %s: %w", ErrFinalize, f.Name, err)
	}
	if err := copyReplace(f.Path, dst); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFinalize, f.Name, err)
	}
	if err := os.Remove(f.Path); err != nil {
		return fmt.Errorf("%w: %s: copied but not removed: %w", ErrFinalize, f.Name, err)
	}
	return nil
}

// copyReplace copies src next to dst, syncs it and renames it into place so
// dst is never observed half written.
func copyReplace(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
