// Package cachekey reduces a normalized tool invocation to a fixed-width
// cache key.
//
// Keys are 128-bit XXH3 digests rendered as 32 lowercase hex characters.
// XXH3 is not a cryptographic hash; the cache assumes cooperative writers and
// only needs a negligible accidental collision rate. At a billion entries the
// birthday bound for 128 bits is below 1e-20.
package cachekey

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
)

// KeyLength is the length of a rendered cache key.
const KeyLength = 32

// keyDomain separates key derivation from other uses of the hash and is
// bumped whenever the derivation changes.
const keyDomain = "toolcache/key/v1"

// ErrInvalidInput is returned for malformed descriptors.
var ErrInvalidInput = errors.New("invalid invocation descriptor")

// Input is one hash-relevant input of an invocation.
type Input struct {
	// Role names what the input is to the tool, e.g. "source" or "env:CC".
	Role string
	// Hash is the content hash of the input.
	Hash string
}

// Descriptor is the normalized identity of a tool invocation.
type Descriptor struct {
	// Command is the normalized command identity.
	Command string
	// ToolVersion marks the tool build, e.g. a hash of the executable.
	ToolVersion string
	// Inputs are the hash-relevant inputs. Their order is irrelevant.
	Inputs []Input
}

// Validate reports whether the descriptor can be keyed.
func (d Descriptor) Validate() error {
	if d.Command == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidInput)
	}
	for i, in := range d.Inputs {
		if in.Role == "" {
			return fmt.Errorf("%w: input %d has no role", ErrInvalidInput, i)
		}
		if in.Hash == "" {
			return fmt.Errorf("%w: input %q has no hash", ErrInvalidInput, in.Role)
		}
	}
	return nil
}

// BuildKey derives the cache key of d. It is a pure function of the
// descriptor: input order, time and process state do not affect it.
func BuildKey(d Descriptor) string {
	inputs := make([]Input, len(d.Inputs))
	copy(inputs, d.Inputs)
	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].Role != inputs[j].Role {
			return inputs[i].Role < inputs[j].Role
		}
		return inputs[i].Hash < inputs[j].Hash
	})

	h := xxh3.New()
	writeField(h, keyDomain)
	writeField(h, d.Command)
	writeField(h, d.ToolVersion)
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(len(inputs)))
	h.Write(count[:])
	for _, in := range inputs {
		writeField(h, in.Role)
		writeField(h, in.Hash)
	}

	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}

// writeField length-prefixes s so adjacent fields cannot run into each other.
func writeField(h *xxh3.Hasher, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.WriteString(s)
}

// ValidKey reports whether key has the shape BuildKey produces.
func ValidKey(key string) bool {
	if len(key) != KeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
