package localcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/richardartoul/toolcache/pkg/entry"
)

const (
	recordExt = ".rec"
	tempExt   = ".tmp"

	// magic | created unix nanos | blob length
	recordHeaderSize = 4 + 8 + 8
)

var recordMagic = [4]byte{'T', 'C', 'R', '1'}

// recordHeader is the fixed prefix of every record file. Last access time is
// kept in the file's mtime instead, so a hit never rewrites content.
type recordHeader struct {
	Created time.Time
	BlobLen uint64
}

func encodeRecord(created time.Time, blob []byte) []byte {
	rec := make([]byte, 0, recordHeaderSize+len(blob))
	rec = append(rec, recordMagic[:]...)
	rec = binary.LittleEndian.AppendUint64(rec, uint64(created.UnixNano()))
	rec = binary.LittleEndian.AppendUint64(rec, uint64(len(blob)))
	return append(rec, blob...)
}

func parseRecordHeader(b []byte) (recordHeader, error) {
	if len(b) < recordHeaderSize {
		return recordHeader{}, fmt.Errorf("%w: record is %d bytes, shorter than its header", entry.ErrCorruptEntry, len(b))
	}
	if !bytes.Equal(b[:4], recordMagic[:]) {
		return recordHeader{}, fmt.Errorf("%w: bad record magic %q", entry.ErrCorruptEntry, b[:4])
	}
	return recordHeader{
		Created: time.Unix(0, int64(binary.LittleEndian.Uint64(b[4:12]))),
		BlobLen: binary.LittleEndian.Uint64(b[12:20]),
	}, nil
}

// decodeRecord splits a whole record file into its header and codec blob.
func decodeRecord(rec []byte) (recordHeader, []byte, error) {
	h, err := parseRecordHeader(rec)
	if err != nil {
		return recordHeader{}, nil, err
	}
	if got := uint64(len(rec) - recordHeaderSize); got != h.BlobLen {
		return recordHeader{}, nil, fmt.Errorf("%w: record holds %d blob bytes, header declares %d",
			entry.ErrCorruptEntry, got, h.BlobLen)
	}
	return h, rec[recordHeaderSize:], nil
}

// checkRecordFile validates the header of the record at path against the
// file size without reading the blob. Sweeps use it to find truncated files.
func checkRecordFile(path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf [recordHeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return fmt.Errorf("%w: short header: %v", entry.ErrCorruptEntry, err)
	}
	h, err := parseRecordHeader(buf[:])
	if err != nil {
		return err
	}
	if size < recordHeaderSize || uint64(size-recordHeaderSize) != h.BlobLen {
		return fmt.Errorf("%w: file is %d bytes, header declares %d blob bytes",
			entry.ErrCorruptEntry, size, h.BlobLen)
	}
	return nil
}
