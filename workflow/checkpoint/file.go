package checkpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

const fileSuffix = ".json"

// FileStore keeps one JSON document per thread under a base directory.
// Writes go to a temporary file that is renamed over the previous version,
// so readers never observe a partial checkpoint.
type FileStore struct {
	baseDir string
	closed  atomic.Bool
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("%w: base dir is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Thread ids contain separators such as "::" that are not portable in file
// names, so they are base64url encoded.
func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.baseDir, base64.RawURLEncoding.EncodeToString([]byte(threadID))+fileSuffix)
}

func (s *FileStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	data, err := os.ReadFile(s.path(threadID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint %q: %w", threadID, err)
	}
	return Unmarshal(data)
}

func (s *FileStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}
	data, err := Marshal(cp)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.baseDir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write checkpoint %q: %w", cp.ThreadID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync checkpoint %q: %w", cp.ThreadID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close checkpoint %q: %w", cp.ThreadID, err)
	}
	if err := os.Rename(tmpPath, s.path(cp.ThreadID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit checkpoint %q: %w", cp.ThreadID, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, threadID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := os.Remove(s.path(threadID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %q: %w", threadID, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		if id := string(raw); strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileStore) Close() error {
	s.closed.Store(true)
	return nil
}
