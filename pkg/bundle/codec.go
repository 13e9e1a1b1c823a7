package bundle

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"airlift/pkg/types"

	"go.uber.org/zap"
)

const (
	// MaxManifestSize caps the manifest header a decoder will accept.
	MaxManifestSize = 1 << 20

	// MaxPathLength caps a single file path record.
	MaxPathLength = 4096
)

// Codec encodes a project tree plus manifest into a single gzip-compressed
// stream and back. Wire layout, all integers big-endian:
//
//	[u32 manifestLen][manifest JSON][u32 fileCount]
//	fileCount x [u32 pathLen][path][u64 fileSize][content]
type Codec struct {
	logger *zap.Logger
}

func NewCodec(logger *zap.Logger) *Codec {
	return &Codec{logger: logger}
}

// EncodeResult describes a finished bundle file.
type EncodeResult struct {
	Path      string
	Size      int64
	Checksum  string
	FileCount int
}

// Encode packages projectRoot into a bundle file at outPath. Files are
// visited in sorted path order so the same tree always produces identical
// compressed bytes and checksum. The checksum is SHA-256 over the compressed
// stream. Output is written to a temp file and renamed on success, so a
// failed encode leaves nothing behind.
func (c *Codec) Encode(projectRoot string, manifest *types.Manifest, outPath string, extraExcludes []string) (*EncodeResult, error) {
	if !manifest.Valid() {
		return nil, fmt.Errorf("%w: name, version, language and run command are required", types.ErrInvalidManifest)
	}

	files, err := enumerateFiles(projectRoot, newExcluder(extraExcludes))
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate project files: %w", err)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".airlift-encode-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	// Running hash over the compressed output becomes the bundle checksum.
	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(tmp, hasher))

	if err := writeUint32(gz, uint32(len(manifestJSON))); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := gz.Write(manifestJSON); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := writeUint32(gz, uint32(len(files))); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write file count: %w", err)
	}

	for _, rel := range files {
		if err := c.encodeFile(gz, projectRoot, rel); err != nil {
			cleanup()
			return nil, err
		}
	}

	if err := gz.Close(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close bundle file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize bundle file: %w", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat bundle file: %w", err)
	}

	c.logger.Info("Bundle encoded",
		zap.String("project", manifest.Name),
		zap.Int("files", len(files)),
		zap.Int64("size", info.Size()))

	return &EncodeResult{
		Path:      outPath,
		Size:      info.Size(),
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
		FileCount: len(files),
	}, nil
}

func (c *Codec) encodeFile(w io.Writer, projectRoot, rel string) error {
	path := filepath.Join(projectRoot, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	if err := writeUint32(w, uint32(len(rel))); err != nil {
		return fmt.Errorf("failed to write path length for %s: %w", rel, err)
	}
	if _, err := io.WriteString(w, rel); err != nil {
		return fmt.Errorf("failed to write path %s: %w", rel, err)
	}
	if err := binary.Write(w, binary.BigEndian, uint64(info.Size())); err != nil {
		return fmt.Errorf("failed to write size for %s: %w", rel, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}
	if n != info.Size() {
		return fmt.Errorf("%w: %s changed size during encoding", types.ErrCorruptBundle, rel)
	}
	return nil
}

// Decode extracts a bundle into dest and returns its manifest. Extraction
// into a non-empty destination requires overwrite. Files are staged next to
// dest and moved into place only on success.
func (c *Codec) Decode(bundlePath, dest string, overwrite bool) (*types.Manifest, error) {
	if err := checkDestination(dest, overwrite); err != nil {
		return nil, err
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid compressed stream", types.ErrCorruptBundle)
	}
	defer gz.Close()

	manifest, err := readManifest(gz)
	if err != nil {
		return nil, err
	}

	fileCount, err := readUint32(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: missing file count", types.ErrCorruptBundle)
	}

	staging, err := os.MkdirTemp(filepath.Dir(dest), ".airlift-extract-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	for i := uint32(0); i < fileCount; i++ {
		if err := extractFile(gz, staging); err != nil {
			os.RemoveAll(staging)
			return nil, err
		}
	}

	if overwrite {
		if err := os.RemoveAll(dest); err != nil {
			os.RemoveAll(staging)
			return nil, fmt.Errorf("failed to clear destination: %w", err)
		}
	} else {
		// Destination may exist as an empty directory.
		os.Remove(dest)
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to move extracted tree into place: %w", err)
	}

	c.logger.Info("Bundle extracted",
		zap.String("project", manifest.Name),
		zap.Uint32("files", fileCount),
		zap.String("dest", dest))

	return manifest, nil
}

// Validate reads only the manifest header of a candidate bundle, without
// extracting any files.
func (c *Codec) Validate(bundlePath string) (*types.Manifest, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid compressed stream", types.ErrCorruptBundle)
	}
	defer gz.Close()

	return readManifest(gz)
}

func readManifest(r io.Reader) (*types.Manifest, error) {
	manifestLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: missing manifest header", types.ErrCorruptBundle)
	}
	if manifestLen > MaxManifestSize {
		return nil, fmt.Errorf("%w: manifest length %d exceeds limit", types.ErrCorruptBundle, manifestLen)
	}

	buf := make([]byte, manifestLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated manifest", types.ErrCorruptBundle)
	}

	var manifest types.Manifest
	if err := json.Unmarshal(buf, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest is not valid JSON", types.ErrCorruptBundle)
	}
	if !manifest.Valid() {
		return nil, fmt.Errorf("%w: name, version, language and run command are required", types.ErrInvalidManifest)
	}
	return &manifest, nil
}

func extractFile(r io.Reader, staging string) error {
	pathLen, err := readUint32(r)
	if err != nil {
		return fmt.Errorf("%w: truncated file record", types.ErrCorruptBundle)
	}
	if pathLen == 0 || pathLen > MaxPathLength {
		return fmt.Errorf("%w: invalid path length %d", types.ErrCorruptBundle, pathLen)
	}

	pathBuf := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBuf); err != nil {
		return fmt.Errorf("%w: truncated file path", types.ErrCorruptBundle)
	}
	rel := string(pathBuf)
	if !validRelPath(rel) {
		return fmt.Errorf("%w: unsafe file path %q", types.ErrCorruptBundle, rel)
	}

	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return fmt.Errorf("%w: truncated file size", types.ErrCorruptBundle)
	}

	target := filepath.Join(staging, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", rel, err)
	}
	n, err := io.Copy(out, io.LimitReader(r, int64(size)))
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if uint64(n) != size {
		// Declared length exceeds the remaining stream bytes.
		return fmt.Errorf("%w: %s declared %d bytes, stream held %d", types.ErrCorruptBundle, rel, size, n)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", rel, closeErr)
	}
	return nil
}

// enumerateFiles walks the project tree and returns slash-separated relative
// paths of every included file, sorted for deterministic output.
func enumerateFiles(projectRoot string, ex *excluder) ([]string, error) {
	var files []string
	err := filepath.WalkDir(projectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == projectRoot {
			return nil
		}
		rel, err := filepath.Rel(projectRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ex.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func checkDestination(dest string, overwrite bool) error {
	entries, err := os.ReadDir(dest)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read destination: %w", err)
	}
	if len(entries) > 0 && !overwrite {
		return fmt.Errorf("%w: %s", types.ErrDestinationConflict, dest)
	}
	return nil
}

func validRelPath(rel string) bool {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}
