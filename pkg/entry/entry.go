// Package entry serializes a cached tool result into a single framed,
// compressed blob and back.
//
// The codec knows nothing about keys, directories or eviction. Decode either
// returns a fully validated Entry or an error wrapping ErrCorruptEntry.
package entry

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrCorruptEntry is returned when a blob fails validation.
	ErrCorruptEntry = errors.New("corrupt cache entry")
	// ErrInvalidEntry is returned when an Entry cannot be encoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Artifact is one output file of a tool invocation.
type Artifact struct {
	// Path is archive-relative and uses forward slashes, e.g. "obj/foo.o".
	Path string
	Data []byte
}

// Entry is the recorded result of a successful tool invocation.
type Entry struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Artifacts []Artifact
}

// Size is the sum of captured output and artifact contents.
func (e Entry) Size() int64 {
	size := int64(len(e.Stdout) + len(e.Stderr))
	for _, a := range e.Artifacts {
		size += int64(len(a.Data))
	}
	return size
}

// Artifact returns the artifact stored under p.
func (e Entry) Artifact(p string) (Artifact, bool) {
	for _, a := range e.Artifacts {
		if a.Path == p {
			return a, true
		}
	}
	return Artifact{}, false
}

// Validate checks the artifact paths: relative, clean, forward-slash and
// unique.
func (e Entry) Validate() error {
	seen := make(map[string]bool, len(e.Artifacts))
	for _, a := range e.Artifacts {
		if err := ValidatePath(a.Path); err != nil {
			return err
		}
		if seen[a.Path] {
			return fmt.Errorf("%w: duplicate artifact %q", ErrInvalidEntry, a.Path)
		}
		seen[a.Path] = true
	}
	return nil
}

// ValidatePath reports whether p is an acceptable archive-relative path.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty artifact path", ErrInvalidEntry)
	case strings.HasPrefix(p, "/") || strings.Contains(p, "\\") || strings.ContainsRune(p, 0):
		return fmt.Errorf("%w: artifact path %q is not relative", ErrInvalidEntry, p)
	case path.Clean(p) != p:
		return fmt.Errorf("%w: artifact path %q is not clean", ErrInvalidEntry, p)
	case p == "." || p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("%w: artifact path %q escapes the archive", ErrInvalidEntry, p)
	}
	return nil
}

// Equal reports whether a and b hold the same result. Nil and empty byte
// slices compare equal.
func Equal(a, b Entry) bool {
	if a.ExitCode != b.ExitCode ||
		!bytes.Equal(a.Stdout, b.Stdout) ||
		!bytes.Equal(a.Stderr, b.Stderr) ||
		len(a.Artifacts) != len(b.Artifacts) {
		return false
	}
	for i := range a.Artifacts {
		if a.Artifacts[i].Path != b.Artifacts[i].Path ||
			!bytes.Equal(a.Artifacts[i].Data, b.Artifacts[i].Data) {
			return false
		}
	}
	return true
}
