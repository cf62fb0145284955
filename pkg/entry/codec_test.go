package entry

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allCompressions = []Compression{
	{Algorithm: None},
	{Algorithm: LZ4},
	{Algorithm: LZ4, Level: 9},
	{Algorithm: Zstd},
	{Algorithm: Zstd, Level: 19},
}

func sampleEntries() map[string]Entry {
	big := make([]byte, 256*1024)
	rand.New(rand.NewSource(7)).Read(big)

	return map[string]Entry{
		"empty": {},
		"output only": {
			Stdout: []byte("compiling foo.c\n"),
			Stderr: []byte("warning: unused variable\n"),
		},
		"one artifact": {
			Artifacts: []Artifact{{Path: "foo.o", Data: []byte("\x7fELF object bytes")}},
		},
		"nested artifacts": {
			ExitCode: 0,
			Stdout:   []byte("ok"),
			Artifacts: []Artifact{
				{Path: "obj/foo.o", Data: []byte("object")},
				{Path: "obj/deps/foo.d", Data: []byte("foo.o: foo.c foo.h")},
				{Path: "empty.txt", Data: nil},
				{Path: "big.bin", Data: big},
			},
		},
		"nonzero exit": {ExitCode: -3, Stderr: []byte("boom")},
	}
}

func TestRoundTrip(t *testing.T) {
	for name, e := range sampleEntries() {
		for _, c := range allCompressions {
			t.Run(name+"/"+c.Algorithm.String(), func(t *testing.T) {
				blob, err := Encode(e, c)
				require.NoError(t, err)

				got, err := Decode(blob)
				require.NoError(t, err)
				assert.True(t, Equal(e, got), "decoded entry differs: %+v", got)
				assert.Equal(t, e.Size(), got.Size())
			})
		}
	}
}

func TestCompressionShrinksRedundantData(t *testing.T) {
	e := Entry{Artifacts: []Artifact{{Path: "a", Data: bytes.Repeat([]byte("abcdefgh"), 64*1024)}}}
	raw, err := Encode(e, Compression{Algorithm: None})
	require.NoError(t, err)
	for _, algo := range []Algorithm{LZ4, Zstd} {
		blob, err := Encode(e, Compression{Algorithm: algo})
		require.NoError(t, err)
		assert.Less(t, len(blob), len(raw)/10, "%s did not compress", algo)
	}
}

func TestEncodeRejectsInvalidEntries(t *testing.T) {
	bad := []Entry{
		{Artifacts: []Artifact{{Path: ""}}},
		{Artifacts: []Artifact{{Path: "/abs/foo.o"}}},
		{Artifacts: []Artifact{{Path: "../escape"}}},
		{Artifacts: []Artifact{{Path: "a/../b"}}},
		{Artifacts: []Artifact{{Path: "dir/"}}},
		{Artifacts: []Artifact{{Path: `win\path`}}},
		{Artifacts: []Artifact{{Path: "dup"}, {Path: "dup"}}},
	}
	for _, e := range bad {
		_, err := Encode(e, DefaultCompression())
		assert.ErrorIs(t, err, ErrInvalidEntry, "path %q", e.Artifacts[0].Path)
	}

	_, err := Encode(Entry{}, Compression{Algorithm: LZ4, Level: 10})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestDecodeTruncated(t *testing.T) {
	e := sampleEntries()["nested artifacts"]
	for _, c := range allCompressions {
		blob, err := Encode(e, c)
		require.NoError(t, err)

		for _, n := range []int{0, 3, envelopeSize - 1, envelopeSize, envelopeSize + 1, len(blob) / 2, len(blob) - 1} {
			_, err := Decode(blob[:n])
			assert.ErrorIs(t, err, ErrCorruptEntry, "%s truncated to %d bytes", c.Algorithm, n)
		}
	}
}

func TestDecodeDetectsBitFlips(t *testing.T) {
	e := sampleEntries()["nested artifacts"]
	blob, err := Encode(e, Compression{Algorithm: None})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		mutated := bytes.Clone(blob)
		mutated[rng.Intn(len(mutated))] ^= byte(1 + rng.Intn(255))
		_, err := Decode(mutated)
		assert.ErrorIs(t, err, ErrCorruptEntry)
	}
}

func TestDecodeRejectsStructuralLies(t *testing.T) {
	// Hand-build payloads with a valid envelope so the structure checks,
	// not the checksum, are what reject them.
	frame := func(payload []byte) []byte {
		blob, err := Encode(Entry{}, Compression{Algorithm: None})
		require.NoError(t, err)
		blob = blob[:envelopeSize]
		binary.LittleEndian.PutUint64(blob[5:13], uint64(len(payload)))
		binary.LittleEndian.PutUint64(blob[13:21], xxhash.Sum64(payload))
		return append(blob, payload...)
	}
	header := func(version uint16, count uint32, total uint64) []byte {
		b := binary.LittleEndian.AppendUint16(nil, version)
		b = binary.LittleEndian.AppendUint32(b, count)
		return binary.LittleEndian.AppendUint64(b, total)
	}
	tail := func(b []byte) []byte {
		b = binary.LittleEndian.AppendUint64(b, 0)
		b = binary.LittleEndian.AppendUint64(b, 0)
		return binary.LittleEndian.AppendUint32(b, 0)
	}

	valid := frame(tail(header(FormatVersion, 0, 0)))
	_, err := Decode(valid)
	require.NoError(t, err)

	cases := map[string][]byte{
		"version":        frame(tail(header(FormatVersion+1, 0, 0))),
		"declared total": frame(tail(header(FormatVersion, 0, 5))),
		"huge count":     frame(tail(header(FormatVersion, 1<<31, 0))),
		"trailing":       frame(append(tail(header(FormatVersion, 0, 0)), 0)),
		"bad path": frame(tail(func() []byte {
			b := header(FormatVersion, 1, 0)
			b = binary.LittleEndian.AppendUint32(b, 2)
			b = append(b, ".."...)
			return binary.LittleEndian.AppendUint64(b, 0)
		}())),
		"bad algorithm": func() []byte {
			b := bytes.Clone(valid)
			b[4] = 99
			return b
		}(),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(blob)
			assert.ErrorIs(t, err, ErrCorruptEntry)
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		garbage := make([]byte, rng.Intn(512))
		rng.Read(garbage)
		if len(garbage) >= 4 && i%2 == 0 {
			copy(garbage, blobMagic[:])
		}
		assert.NotPanics(t, func() {
			_, err := Decode(garbage)
			assert.ErrorIs(t, err, ErrCorruptEntry)
		})
	}
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]Algorithm{"none": None, "LZ4": LZ4, " zstd ": Zstd, "": None} {
		got, err := ParseAlgorithm(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseAlgorithm("brotli")
	assert.Error(t, err)
}

func TestEntryHelpers(t *testing.T) {
	e := sampleEntries()["nested artifacts"]
	a, ok := e.Artifact("obj/foo.o")
	require.True(t, ok)
	assert.Equal(t, "object", string(a.Data))
	_, ok = e.Artifact("missing")
	assert.False(t, ok)

	assert.True(t, Equal(Entry{Stdout: nil}, Entry{Stdout: []byte{}}))
	assert.False(t, Equal(Entry{ExitCode: 1}, Entry{}))
}

func BenchmarkEncodeLZ4(b *testing.B) {
	e := sampleEntries()["nested artifacts"]
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(e, Compression{Algorithm: LZ4}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeLZ4(b *testing.B) {
	blob, err := Encode(sampleEntries()["nested artifacts"], Compression{Algorithm: LZ4})
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(blob); err != nil {
			b.Fatal(err)
		}
	}
}
