package bundle

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"airlift/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testManifest() *types.Manifest {
	return &types.Manifest{
		Name:       "demo",
		Version:    "1.0.0",
		Language:   "node",
		RunCommand: "npm start",
		Ports:      []int{3000},
	}
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	project := t.TempDir()
	payload := make([]byte, 300*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	writeFile(t, project, "index.js", []byte("console.log('hi')\n"))
	writeFile(t, project, "lib/util.js", []byte("module.exports = {}\n"))
	writeFile(t, project, "assets/blob.bin", payload)
	writeFile(t, project, "empty.txt", nil)

	outPath := filepath.Join(t.TempDir(), "demo.bundle")
	result, err := codec.Encode(project, testManifest(), outPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.FileCount)
	assert.NotEmpty(t, result.Checksum)

	dest := filepath.Join(t.TempDir(), "extracted")
	manifest, err := codec.Decode(outPath, dest, false)
	require.NoError(t, err)
	assert.Equal(t, "demo", manifest.Name)
	assert.Equal(t, "npm start", manifest.RunCommand)

	for _, rel := range []string{"index.js", "lib/util.js", "assets/blob.bin", "empty.txt"} {
		want, err := os.ReadFile(filepath.Join(project, rel))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dest, rel))
		require.NoError(t, err)
		assert.Equal(t, want, got, "file %s should round-trip byte-exact", rel)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	project := t.TempDir()
	writeFile(t, project, "b.txt", []byte("bbb"))
	writeFile(t, project, "a.txt", []byte("aaa"))
	writeFile(t, project, "sub/c.txt", []byte("ccc"))

	out1 := filepath.Join(t.TempDir(), "one.bundle")
	out2 := filepath.Join(t.TempDir(), "two.bundle")

	r1, err := codec.Encode(project, testManifest(), out1, nil)
	require.NoError(t, err)
	r2, err := codec.Encode(project, testManifest(), out2, nil)
	require.NoError(t, err)

	assert.Equal(t, r1.Checksum, r2.Checksum)

	b1, err := os.ReadFile(out1)
	require.NoError(t, err)
	b2, err := os.ReadFile(out2)
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "identical trees should produce identical compressed bytes")
}

func TestEncodeExclusionScenario(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	project := t.TempDir()
	keep := make([]byte, 1024*1024)
	_, err := rand.Read(keep)
	require.NoError(t, err)

	writeFile(t, project, "cache/a.txt", []byte("0123456789"))
	writeFile(t, project, "cache/b.bin", nil)
	writeFile(t, project, "keep.txt", keep)

	outPath := filepath.Join(t.TempDir(), "scenario.bundle")
	result, err := codec.Encode(project, testManifest(), outPath, []string{"cache"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FileCount)

	dest := filepath.Join(t.TempDir(), "out")
	_, err = codec.Decode(outPath, dest, false)
	require.NoError(t, err)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Name())

	got, err := os.ReadFile(filepath.Join(dest, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, keep, got)
}

func TestEncodeRejectsInvalidManifest(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	manifest := testManifest()
	manifest.RunCommand = ""

	_, err := codec.Encode(t.TempDir(), manifest, filepath.Join(t.TempDir(), "x.bundle"), nil)
	assert.ErrorIs(t, err, types.ErrInvalidManifest)
}

func TestDecodeDestinationConflict(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	project := t.TempDir()
	writeFile(t, project, "a.txt", []byte("a"))

	outPath := filepath.Join(t.TempDir(), "demo.bundle")
	_, err := codec.Encode(project, testManifest(), outPath, nil)
	require.NoError(t, err)

	dest := t.TempDir()
	writeFile(t, dest, "existing.txt", []byte("x"))

	_, err = codec.Decode(outPath, dest, false)
	assert.ErrorIs(t, err, types.ErrDestinationConflict)

	// The overwrite flag clears the destination first.
	_, err = codec.Decode(outPath, dest, true)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "existing.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDecodeTruncatedStream(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	// Hand-build a stream whose file record declares more bytes than the
	// stream holds.
	var raw bytes.Buffer
	gz := gzip.NewWriter(&raw)

	manifestJSON := []byte(`{"name":"x","version":"1","language":"go","run_command":"go run ."}`)
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint32(len(manifestJSON))))
	_, err := gz.Write(manifestJSON)
	require.NoError(t, err)
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint32(1)))
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint32(5)))
	_, err = gz.Write([]byte("a.txt"))
	require.NoError(t, err)
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint64(4096)))
	_, err = gz.Write([]byte("short"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	bundlePath := filepath.Join(t.TempDir(), "bad.bundle")
	require.NoError(t, os.WriteFile(bundlePath, raw.Bytes(), 0644))

	_, err = codec.Decode(bundlePath, filepath.Join(t.TempDir(), "dest"), false)
	assert.ErrorIs(t, err, types.ErrCorruptBundle)
}

func TestDecodeOversizedManifest(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	var raw bytes.Buffer
	gz := gzip.NewWriter(&raw)
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint32(MaxManifestSize+1)))
	require.NoError(t, gz.Close())

	bundlePath := filepath.Join(t.TempDir(), "big.bundle")
	require.NoError(t, os.WriteFile(bundlePath, raw.Bytes(), 0644))

	_, err := codec.Validate(bundlePath)
	assert.ErrorIs(t, err, types.ErrCorruptBundle)
}

func TestDecodeRejectsPathTraversal(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	var raw bytes.Buffer
	gz := gzip.NewWriter(&raw)

	manifestJSON := []byte(`{"name":"x","version":"1","language":"go","run_command":"go run ."}`)
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint32(len(manifestJSON))))
	_, err := gz.Write(manifestJSON)
	require.NoError(t, err)
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint32(1)))
	evil := "../escape.txt"
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint32(len(evil))))
	_, err = gz.Write([]byte(evil))
	require.NoError(t, err)
	require.NoError(t, binary.Write(gz, binary.BigEndian, uint64(0)))
	require.NoError(t, gz.Close())

	bundlePath := filepath.Join(t.TempDir(), "evil.bundle")
	require.NoError(t, os.WriteFile(bundlePath, raw.Bytes(), 0644))

	_, err = codec.Decode(bundlePath, filepath.Join(t.TempDir(), "dest"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCorruptBundle))
}

func TestValidateReadsOnlyManifest(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	project := t.TempDir()
	writeFile(t, project, "main.go", []byte("package main"))

	outPath := filepath.Join(t.TempDir(), "demo.bundle")
	_, err := codec.Encode(project, testManifest(), outPath, nil)
	require.NoError(t, err)

	manifest, err := codec.Validate(outPath)
	require.NoError(t, err)
	assert.Equal(t, "demo", manifest.Name)
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int64
		expected  int
	}{
		{"empty", 0, DefaultChunkSize, 0},
		{"one byte", 1, DefaultChunkSize, 1},
		{"exact chunk", DefaultChunkSize, DefaultChunkSize, 1},
		{"chunk plus one", DefaultChunkSize + 1, DefaultChunkSize, 2},
		{"500 MiB at 4 MiB", 500 * 1024 * 1024, DefaultChunkSize, 125},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ChunkCount(tt.size, tt.chunkSize))
		})
	}
}

func TestSplitChunksAndReadChunk(t *testing.T) {
	data := make([]byte, 10*1024+17)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "file.bundle")
	require.NoError(t, os.WriteFile(path, data, 0644))

	const chunkSize = 4 * 1024
	chunks, err := SplitChunks(path, chunkSize)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	var reassembled []byte
	for _, info := range chunks {
		chunk, err := ReadChunk(path, info.Index, chunkSize)
		require.NoError(t, err)
		assert.Equal(t, info.Size, int64(len(chunk)))
		assert.NotEmpty(t, info.Checksum)
		reassembled = append(reassembled, chunk...)
	}
	assert.Equal(t, data, reassembled)

	_, err = ReadChunk(path, 3, chunkSize)
	assert.Error(t, err)
}
