package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the fixed chunk size for range-addressable transfer.
const DefaultChunkSize = 4 * 1024 * 1024

// ChunkInfo describes one fixed-size piece of a finished bundle file.
type ChunkInfo struct {
	Index    int    `json:"index"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size int64, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// SplitChunks partitions a finished bundle file into fixed-size pieces, each
// independently checksummed. The bundle file itself is not modified.
func SplitChunks(bundlePath string, chunkSize int64) ([]ChunkInfo, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat bundle: %w", err)
	}

	var chunks []ChunkInfo
	buf := make([]byte, chunkSize)
	offset := int64(0)

	for index := 0; offset < info.Size(); index++ {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// Final chunk.
		} else if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
		}
		if n == 0 {
			break
		}
		sum := sha256.Sum256(buf[:n])
		chunks = append(chunks, ChunkInfo{
			Index:    index,
			Offset:   offset,
			Size:     int64(n),
			Checksum: hex.EncodeToString(sum[:]),
		})
		offset += int64(n)
	}

	return chunks, nil
}

// ReadChunk returns the bytes of chunk index for a bundle of the given chunk
// size. Chunk i spans [i*chunkSize, min(size-1, (i+1)*chunkSize-1)].
func ReadChunk(bundlePath string, index int, chunkSize int64) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat bundle: %w", err)
	}

	offset := int64(index) * chunkSize
	if index < 0 || offset >= info.Size() {
		return nil, fmt.Errorf("chunk index %d out of range", index)
	}

	size := chunkSize
	if offset+size > info.Size() {
		size = info.Size() - offset
	}

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	return buf, nil
}

// CompressionRatio reports original/compressed, or 0 for an empty input.
func CompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 || compressedSize == 0 {
		return 0
	}
	return float64(originalSize) / float64(compressedSize)
}
