package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/kilupskalvis/wfr/internal/remote/blobstore"
	"github.com/kilupskalvis/wfr/internal/remote/metastore"
)

// ErrInvalidProject is returned for project names that are not safe directory names.
var ErrInvalidProject = errors.New("invalid project name")

var validProject = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// DiskProjects opens bbolt + filesystem stores per project under one directory.
// Projects are created on first use.
type DiskProjects struct {
	dir    string
	mu     sync.RWMutex
	stores map[string]*projectEntry
	logger *slog.Logger
}

type projectEntry struct {
	meta  metastore.MetaStore
	blobs blobstore.BlobStore
}

// NewDiskProjects creates an opener rooted at dir.
func NewDiskProjects(dir string, logger *slog.Logger) (*DiskProjects, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create projects directory: %w", err)
	}
	return &DiskProjects{dir: dir, stores: make(map[string]*projectEntry), logger: logger}, nil
}

// Open returns the stores for a project, creating them if needed.
func (d *DiskProjects) Open(name string) (metastore.MetaStore, blobstore.BlobStore, error) {
	if !validProject.MatchString(name) || name == ".." {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidProject, name)
	}

	d.mu.RLock()
	entry, ok := d.stores[name]
	d.mu.RUnlock()
	if ok {
		return entry.meta, entry.blobs, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after write lock
	if entry, ok := d.stores[name]; ok {
		return entry.meta, entry.blobs, nil
	}

	projectDir := filepath.Join(d.dir, name)
	meta, err := metastore.NewBboltStore(filepath.Join(projectDir, "meta.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open metastore for %s: %w", name, err)
	}

	blobs, err := blobstore.NewFSStore(filepath.Join(projectDir, "logs"))
	if err != nil {
		meta.Close()
		return nil, nil, fmt.Errorf("open log store for %s: %w", name, err)
	}

	d.stores[name] = &projectEntry{meta: meta, blobs: blobs}
	d.logger.Info("opened project", "name", name)

	return meta, blobs, nil
}

// CloseAll closes every opened metastore.
func (d *DiskProjects) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, entry := range d.stores {
		if err := entry.meta.Close(); err != nil {
			d.logger.Error("close metastore", "project", name, "error", err)
		}
	}
	d.stores = make(map[string]*projectEntry)
}

// FileTokenStore is a JSON-file-backed TokenStore.
// last_used_at is kept in memory and written out with the next change.
type FileTokenStore struct {
	path   string
	mu     sync.RWMutex
	tokens map[string]*TokenInfo // keyed by token_hash
	logger *slog.Logger
}

// NewFileTokenStore creates a token store persisted at path.
func NewFileTokenStore(path string, logger *slog.Logger) *FileTokenStore {
	return &FileTokenStore{
		path:   path,
		tokens: make(map[string]*TokenInfo),
		logger: logger,
	}
}

// Load reads the token file. A missing file leaves the store empty.
func (s *FileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var tokens []*TokenInfo
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse token store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = make(map[string]*TokenInfo)
	for _, t := range tokens {
		s.tokens[t.TokenHash] = t
	}

	s.logger.Info("loaded tokens", "count", len(tokens))
	return nil
}

func (s *FileTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.tokens[hash]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (s *FileTokenStore) UpdateLastUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.ID == id {
			t.LastUsedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("token '%s' not found", id)
}

// save writes the token file. Callers hold s.mu.
func (s *FileTokenStore) save() error {
	tokens := make([]*TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileTokenStore) CreateToken(desc string, projects []string, permission string) (string, *TokenInfo, error) {
	rawToken := "wfr_" + generateID()
	info := &TokenInfo{
		ID:         generateID()[:12],
		TokenHash:  HashToken(rawToken),
		Desc:       desc,
		Projects:   projects,
		Permission: permission,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[info.TokenHash] = info
	if err := s.save(); err != nil {
		delete(s.tokens, info.TokenHash)
		return "", nil, fmt.Errorf("persist token: %w", err)
	}

	cp := *info
	return rawToken, &cp, nil
}

func (s *FileTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]*TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		cp := *t
		tokens = append(tokens, &cp)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
	return tokens, nil
}

func (s *FileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, t := range s.tokens {
		if t.ID == id {
			delete(s.tokens, hash)
			return s.save()
		}
	}
	return fmt.Errorf("token '%s' not found", id)
}

func generateID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
