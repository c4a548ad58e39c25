package pagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// BlobExt is the file extension of cached blobs.
	BlobExt = ".bin"

	// BlobPattern matches every blob file below the cache directory.
	BlobPattern = "**/*" + BlobExt

	tempFilePrefix = ".digisync-tmp-"
)

// HashOf returns the content address of data.
func HashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFromPath extracts the content hash from a blob path, or "" if path
// is not a blob file.
func HashFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, BlobExt) {
		return ""
	}
	hash := strings.TrimSuffix(base, BlobExt)
	if len(hash) != sha256.Size*2 {
		return ""
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return ""
	}
	return hash
}

// blobPath returns <dir>/<hash[:2]>/<hash>.bin.
func blobPath(dir, hash string) string {
	return filepath.Join(dir, hash[:2], hash+BlobExt)
}

// writeBlob stores data under its hash unless a blob of the same size is
// already present. The file appears atomically: it is written to a temp
// file in the same directory and renamed into place.
func writeBlob(dir, hash string, data []byte) error {
	path := blobPath(dir, hash)
	if info, err := os.Stat(path); err == nil && info.Size() == int64(len(data)) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

// readBlob reads a blob and checks its content against the hash. A missing
// or corrupted file returns fs.ErrNotExist.
func readBlob(dir, hash string) ([]byte, error) {
	data, err := os.ReadFile(blobPath(dir, hash))
	if err != nil {
		return nil, err
	}
	if HashOf(data) != hash {
		return nil, fmt.Errorf("blob %s is corrupted: %w", hash, fs.ErrNotExist)
	}
	return data, nil
}

func removeBlob(dir, hash string) error {
	err := os.Remove(blobPath(dir, hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove blob %s: %w", hash, err)
	}
	// Drop the fan-out directory once empty; failure just means it is not.
	_ = os.Remove(filepath.Dir(blobPath(dir, hash)))
	return nil
}

// listBlobs returns the hashes of all blob files under dir.
func listBlobs(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), BlobPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	hashes := make([]string, 0, len(matches))
	for _, m := range matches {
		if h := HashFromPath(m); h != "" {
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}
