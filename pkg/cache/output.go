package cache

import (
	"io/fs"
	"os"

	"github.com/richardartoul/toolcache/pkg/fsutil"
)

// writeOutput replaces path atomically, keeping the mode of an existing file.
func writeOutput(path string, data []byte) error {
	perm := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return fsutil.WriteAtomic(path, data, perm)
}
