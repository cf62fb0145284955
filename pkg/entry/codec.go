package entry

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// FormatVersion is the version of the framed payload layout.
const FormatVersion uint16 = 1

var blobMagic = [4]byte{'T', 'C', 'E', '1'}

const (
	// magic | algorithm | payload length | payload checksum
	envelopeSize = 4 + 1 + 8 + 8
	// version | artifact count | declared total size
	payloadHeaderSize = 2 + 4 + 8
	// smallest possible artifact: path length + content length
	minArtifactSize = 4 + 8
)

// Encode frames e and compresses it with c.
//
// Blob layout:
//
//	"TCE1" | algorithm u8 | payload length u64 | xxhash64(payload) u64 | compressed payload
//
// Payload layout (all integers little endian):
//
//	version u16 | artifact count u32 | declared total size u64
//	{ path length u32 | path | content length u64 | content } * count
//	stdout length u64 | stdout | stderr length u64 | stderr | exit status i32
func Encode(e Entry, c Compression) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.ExitCode < math.MinInt32 || e.ExitCode > math.MaxInt32 {
		return nil, fmt.Errorf("%w: exit status %d out of range", ErrInvalidEntry, e.ExitCode)
	}

	size := payloadHeaderSize + 8 + 8 + 4 + int(e.Size())
	for _, a := range e.Artifacts {
		size += minArtifactSize + len(a.Path)
	}
	payload := make([]byte, 0, size)
	payload = binary.LittleEndian.AppendUint16(payload, FormatVersion)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(e.Artifacts)))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(e.Size()))
	for _, a := range e.Artifacts {
		payload = binary.LittleEndian.AppendUint32(payload, uint32(len(a.Path)))
		payload = append(payload, a.Path...)
		payload = binary.LittleEndian.AppendUint64(payload, uint64(len(a.Data)))
		payload = append(payload, a.Data...)
	}
	payload = binary.LittleEndian.AppendUint64(payload, uint64(len(e.Stdout)))
	payload = append(payload, e.Stdout...)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(len(e.Stderr)))
	payload = append(payload, e.Stderr...)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(e.ExitCode)))

	compressed, err := compress(c, payload)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, envelopeSize+len(compressed))
	blob = append(blob, blobMagic[:]...)
	blob = append(blob, byte(c.Algorithm))
	blob = binary.LittleEndian.AppendUint64(blob, uint64(len(payload)))
	blob = binary.LittleEndian.AppendUint64(blob, xxhash.Sum64(payload))
	blob = append(blob, compressed...)
	return blob, nil
}

// Decode reverses Encode. Any malformed input yields an error wrapping
// ErrCorruptEntry.
func Decode(blob []byte) (Entry, error) {
	if len(blob) < envelopeSize {
		return Entry{}, corrupt("blob is %d bytes, shorter than its header", len(blob))
	}
	if !bytes.Equal(blob[:4], blobMagic[:]) {
		return Entry{}, corrupt("bad magic %q", blob[:4])
	}
	algo := Algorithm(blob[4])
	payloadSize := binary.LittleEndian.Uint64(blob[5:13])
	checksum := binary.LittleEndian.Uint64(blob[13:21])

	payload, err := decompress(algo, blob[envelopeSize:], payloadSize)
	if err != nil {
		return Entry{}, corrupt("%v", err)
	}
	if algo == None {
		payload = bytes.Clone(payload)
	}
	if got := xxhash.Sum64(payload); got != checksum {
		return Entry{}, corrupt("checksum mismatch: got %016x, want %016x", got, checksum)
	}
	return decodePayload(payload)
}

func decodePayload(payload []byte) (Entry, error) {
	d := decoder{buf: payload}

	version := d.uint16()
	count := d.uint32()
	declared := d.uint64()
	if d.err != nil {
		return Entry{}, corrupt("truncated header")
	}
	if version != FormatVersion {
		return Entry{}, corrupt("unsupported format version %d", version)
	}
	if uint64(count) > uint64(d.remaining())/minArtifactSize {
		return Entry{}, corrupt("artifact count %d exceeds payload", count)
	}

	var e Entry
	var total uint64
	if count > 0 {
		e.Artifacts = make([]Artifact, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		p := d.bytes(uint64(d.uint32()))
		data := d.bytes(d.uint64())
		if d.err != nil {
			return Entry{}, corrupt("truncated artifact %d", i)
		}
		e.Artifacts = append(e.Artifacts, Artifact{Path: string(p), Data: data})
		total += uint64(len(data))
	}
	e.Stdout = d.bytes(d.uint64())
	e.Stderr = d.bytes(d.uint64())
	e.ExitCode = int(int32(d.uint32()))
	if d.err != nil {
		return Entry{}, corrupt("truncated output section")
	}
	if d.remaining() != 0 {
		return Entry{}, corrupt("%d trailing bytes", d.remaining())
	}

	total += uint64(len(e.Stdout) + len(e.Stderr))
	if total != declared {
		return Entry{}, corrupt("content totals %d bytes, header declares %d", total, declared)
	}
	if err := e.Validate(); err != nil {
		return Entry{}, corrupt("%v", err)
	}
	return e, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptEntry, fmt.Sprintf(format, args...))
}

// decoder reads little-endian fields from a buffer. After the first short
// read every accessor returns zero values and err stays set.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) bytes(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(d.remaining()) {
		d.err = fmt.Errorf("need %d bytes, have %d", n, d.remaining())
		return nil
	}
	b := d.buf[d.off : d.off+int(n) : d.off+int(n)]
	d.off += int(n)
	return b
}

func (d *decoder) uint16() uint16 {
	if b := d.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if b := d.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
