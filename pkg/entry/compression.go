package entry

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm selects the compressor applied to the framed payload.
type Algorithm uint8

const (
	None Algorithm = iota
	LZ4
	Zstd
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm parses "none", "lz4" or "zstd" (case-insensitive).
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression algorithm %q", s)
	}
}

// Compression configures how entries are compressed. Level 0 selects the
// algorithm's default; lz4 accepts 1-9 and zstd 1-22.
type Compression struct {
	Algorithm Algorithm
	Level     int
}

// DefaultCompression favors speed, since entries are written on the build's
// critical path.
func DefaultCompression() Compression {
	return Compression{Algorithm: LZ4}
}

// Validate checks the level against the algorithm's range.
func (c Compression) Validate() error {
	maxLevel := 0
	switch c.Algorithm {
	case None:
	case LZ4:
		maxLevel = 9
	case Zstd:
		maxLevel = 22
	default:
		return fmt.Errorf("unknown compression algorithm %s", c.Algorithm)
	}
	if c.Level < 0 || c.Level > maxLevel {
		return fmt.Errorf("compression level %d out of range for %s", c.Level, c.Algorithm)
	}
	return nil
}

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

func compress(c Compression, data []byte) ([]byte, error) {
	switch c.Algorithm {
	case None:
		return data, nil

	case LZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Levels[c.Level])); err != nil {
			return nil, fmt.Errorf("failed to configure lz4: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress: %w", err)
		}
		return buf.Bytes(), nil

	case Zstd:
		level := zstd.SpeedDefault
		if c.Level > 0 {
			level = zstd.EncoderLevelFromZstd(c.Level)
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, fmt.Errorf("failed to configure zstd: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil

	default:
		return nil, fmt.Errorf("unknown compression algorithm %s", c.Algorithm)
	}
}

// decompress inflates data and verifies it yields exactly size bytes. The
// output buffer grows with the data actually produced, so a lying size field
// cannot force a huge allocation.
func decompress(algo Algorithm, data []byte, size uint64) ([]byte, error) {
	var r io.Reader
	switch algo {
	case None:
		if uint64(len(data)) != size {
			return nil, fmt.Errorf("payload is %d bytes, header declares %d", len(data), size)
		}
		return data, nil

	case LZ4:
		r = lz4.NewReader(bytes.NewReader(data))

	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec

	default:
		return nil, fmt.Errorf("unknown compression algorithm %d", uint8(algo))
	}

	out, err := io.ReadAll(io.LimitReader(r, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s payload: %w", algo, err)
	}
	if uint64(len(out)) != size {
		return nil, fmt.Errorf("payload inflates to %d bytes, header declares %d", len(out), size)
	}
	return out, nil
}
