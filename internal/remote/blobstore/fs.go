package blobstore

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// validHash matches a lowercase hex-encoded SHA256 hash (64 characters).
var validHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidHash reports whether s is a well-formed log hash.
func ValidHash(s string) bool {
	return validHash.MatchString(s)
}

// FSStore implements BlobStore using the local filesystem.
// Logs are gzip-compressed in a two-level directory structure using the
// first two characters of the hash as a prefix directory. The hash always
// names the uncompressed bytes.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed log store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create log root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Has checks whether a log exists.
func (s *FSStore) Has(_ context.Context, hash string) (bool, error) {
	if !validHash.MatchString(hash) {
		return false, nil
	}
	_, err := os.Stat(s.blobPath(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat log %s: %w", hash, err)
	}
	return true, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Get opens a log for reading. Returns ErrBlobNotFound if it does not exist.
func (s *FSStore) Get(_ context.Context, hash string) (io.ReadCloser, error) {
	if !validHash.MatchString(hash) {
		return nil, ErrBlobNotFound
	}

	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open log %s: %w", hash, err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open log %s: %w", hash, err)
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

// Put stores a log. The data is read from r and verified against the hash.
func (s *FSStore) Put(_ context.Context, hash string, r io.Reader) error {
	if !validHash.MatchString(hash) {
		return fmt.Errorf("invalid log hash: %q", hash)
	}
	blobPath := s.blobPath(hash)

	if _, err := os.Stat(blobPath); err == nil {
		return nil // idempotent
	}

	dir := filepath.Dir(blobPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	// Write to temp file, verify hash, rename
	tmpFile, err := os.CreateTemp(dir, ".log-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	fail := func(format string, err error) error {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf(format, err)
	}

	hasher := sha256.New()
	gz := gzip.NewWriter(tmpFile)
	if _, err := io.Copy(io.MultiWriter(gz, hasher), r); err != nil {
		return fail("write log data: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fail("compress log data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	computedHash := hex.EncodeToString(hasher.Sum(nil))
	if computedHash != hash {
		os.Remove(tmpPath)
		return fmt.Errorf("expected %s, got %s: %w", hash, computedHash, ErrHashMismatch)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename log: %w", err)
	}
	return nil
}

// Delete removes a log.
func (s *FSStore) Delete(_ context.Context, hash string) error {
	if !validHash.MatchString(hash) {
		return nil
	}
	if err := os.Remove(s.blobPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete log %s: %w", hash, err)
	}
	return nil
}

// TotalCount returns the number of stored logs.
func (s *FSStore) TotalCount(ctx context.Context) (int, error) {
	hashes, err := s.ListHashes(ctx)
	return len(hashes), err
}

// ListHashes returns all log hashes by scanning the directory tree.
// Temp files from interrupted uploads are ignored.
func (s *FSStore) ListHashes(_ context.Context) ([]string, error) {
	var hashes []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		// root/ab/cd... -> abcd...
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) == 2 && validHash.MatchString(parts[0]+parts[1]) {
			hashes = append(hashes, parts[0]+parts[1])
		}
		return nil
	})

	return hashes, err
}

func (s *FSStore) blobPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}
