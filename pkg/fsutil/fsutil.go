// Package fsutil holds the small filesystem primitives the cache relies on:
// scoped temporary paths, atomic writes, no-replace publication, directory
// walks and executable lookup.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// UniqueID returns a collision-resistant identifier suitable for temporary
// file names shared between unrelated processes.
func UniqueID() string {
	return uuid.NewString()
}

// HumanSize formats a byte count for diagnostics, e.g. "1.5 MiB".
func HumanSize(size int64) string {
	if size < 0 {
		return "-" + humanize.IBytes(uint64(-size))
	}
	return humanize.IBytes(uint64(size))
}

// TempFile is a uniquely named path that is removed when Remove is called.
// The file itself is not created; callers open it as they see fit.
//
//	tmp := fsutil.NewTempFile(dir, ".tmp")
//	defer tmp.Remove()
type TempFile struct {
	path string
}

// NewTempFile reserves a unique path in dir with the given extension.
// The name starts with a dot so directory walks can tell it apart from
// published files.
func NewTempFile(dir, ext string) *TempFile {
	return &TempFile{path: filepath.Join(dir, "."+UniqueID()+ext)}
}

// Path returns the reserved path.
func (t *TempFile) Path() string {
	return t.path
}

// Remove deletes the file if it still exists. It is safe to call after the
// file has been renamed away.
func (t *TempFile) Remove() {
	_ = os.Remove(t.path)
}

// WriteAtomic writes data to path so that readers observe either the old
// content or the full new content, never a partial file.
func WriteAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp := NewTempFile(filepath.Dir(path), ".tmp")
	defer tmp.Remove()

	if err := writeSynced(tmp.Path(), data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp.Path(), path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp.Path(), err)
	}
	return nil
}

// WriteSynced creates path exclusively, writes data and fsyncs it.
func WriteSynced(path string, data []byte, perm fs.FileMode) error {
	return writeSynced(path, data, perm)
}

func writeSynced(path string, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", path, closeErr)
	}
	return nil
}

// LinkNoReplace publishes src at dst without ever replacing an existing dst.
// It returns an error matching fs.ErrExist when dst is already present.
//
// A hard link is atomic and fails if the target exists, which makes it the
// preferred primitive. Filesystems without hard links fall back to a check
// followed by rename; in that window a concurrent writer may win, which is
// acceptable because racing writers publish equivalent content.
//
// src is left in place; the caller removes it.
func LinkNoReplace(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}

	if _, statErr := os.Lstat(dst); statErr == nil {
		return &fs.PathError{Op: "link", Path: dst, Err: fs.ErrExist}
	}
	if renameErr := os.Rename(src, dst); renameErr != nil {
		return fmt.Errorf("failed to publish %s (link: %v): %w", dst, err, renameErr)
	}
	return nil
}

// Canonicalize returns an absolute, cleaned version of path with symlinks
// resolved when the path exists.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if len(path) >= 2 && path[:2] == "~/" || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// ExePath describes a resolved executable.
type ExePath struct {
	// Real is the fully resolved path to the executable file.
	Real string
	// Virtual is the path found on PATH, possibly a symbolic link.
	Virtual string
	// InvokedAs is the name the caller used.
	InvokedAs string
}

// FindExecutable resolves name through PATH (or as a path when it contains a
// separator) and follows symlinks to the real file. PATH entries whose real
// file is exclude are skipped, so a wrapper installed under a tool's name
// finds the tool rather than itself. An empty exclude skips nothing.
func FindExecutable(name, exclude string) (ExePath, error) {
	if exclude != "" {
		if resolved, err := filepath.EvalSymlinks(exclude); err == nil {
			exclude = resolved
		}
		exclude = filepath.Clean(exclude)
	}

	candidates := []string{name}
	if !strings.ContainsRune(name, filepath.Separator) && !strings.ContainsRune(name, '/') {
		candidates = candidates[:0]
		for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
			if dir == "" {
				// An empty entry means the working directory, which
				// exec.LookPath refuses as well.
				continue
			}
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}

	for _, candidate := range candidates {
		virtual, err := exec.LookPath(candidate)
		if err != nil {
			continue
		}
		virtual, err = filepath.Abs(virtual)
		if err != nil {
			return ExePath{}, fmt.Errorf("failed to get absolute path: %w", err)
		}
		real, err := filepath.EvalSymlinks(virtual)
		if err != nil {
			return ExePath{}, fmt.Errorf("failed to resolve %s: %w", virtual, err)
		}
		if exclude != "" && real == exclude {
			continue
		}
		return ExePath{Real: real, Virtual: virtual, InvokedAs: name}, nil
	}
	return ExePath{}, fmt.Errorf("failed to find executable %q: %w", name, exec.ErrNotFound)
}
