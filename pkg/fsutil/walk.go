package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// FileInfo is the per-entry metadata returned by Walk.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

type filterMode int

const (
	filterAll filterMode = iota
	filterInclude
	filterExclude
)

// Filter decides which file names a walk keeps. The zero value keeps
// everything.
type Filter struct {
	str       string
	mode      filterMode
	extension bool
}

// All keeps every file.
func All() Filter { return Filter{} }

// IncludeExtension keeps only files whose extension equals ext (with dot).
func IncludeExtension(ext string) Filter {
	return Filter{str: ext, mode: filterInclude, extension: true}
}

// ExcludeExtension drops files whose extension equals ext (with dot).
func ExcludeExtension(ext string) Filter {
	return Filter{str: ext, mode: filterExclude, extension: true}
}

// IncludeSubstring keeps only files whose name contains s.
func IncludeSubstring(s string) Filter {
	return Filter{str: s, mode: filterInclude}
}

// ExcludeSubstring drops files whose name contains s.
func ExcludeSubstring(s string) Filter {
	return Filter{str: s, mode: filterExclude}
}

// Keep reports whether a file with the given base name passes the filter.
func (f Filter) Keep(name string) bool {
	if f.mode == filterAll {
		return true
	}
	var match bool
	if f.extension {
		match = filepath.Ext(name) == f.str
	} else {
		match = strings.Contains(name, f.str)
	}
	if f.mode == filterInclude {
		return match
	}
	return !match
}

// Walk recursively lists regular files under root that pass filter.
// Directories are traversed but not returned. Entries that disappear during
// the walk (concurrent deletes by other processes) are skipped.
func Walk(root string, filter Filter) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if d.IsDir() || !filter.Keep(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, FileInfo{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}
