// Package mem is an in-process blobstore.BlobStore used by tests for
// packages that depend on a BlobStore but should not touch the filesystem
// or network (the Orchestrator, Registry, and Streamer test suites).
package mem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/blobstore"
)

// Store is a map-backed BlobStore. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	objects   map[string][]byte
	snapshots map[string][]byte

	scheduleCount int
}

func New() *Store {
	return &Store{
		objects:   make(map[string][]byte),
		snapshots: make(map[string][]byte),
	}
}

func (s *Store) PutModel(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *Store) GetModelStream(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) GetModelBytes(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.GetModelStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *Store) DeleteModel(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	delete(s.objects, key)
	return nil
}

func (s *Store) ListModels(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []blobstore.ObjectInfo
	for k, v := range s.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, blobstore.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) PushDBSnapshot(ctx context.Context, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[localPath] = []byte("snapshot-of-" + localPath)
	return nil
}

func (s *Store) FetchDBSnapshot(ctx context.Context, localPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.snapshots[localPath]; !ok {
		return fmt.Errorf("%w: no snapshot for %s", apperrors.ErrNotFound, localPath)
	}
	return nil
}

func (s *Store) ScheduleDBSnapshotSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleCount++
}

// ScheduleCount reports how many times ScheduleDBSnapshotSync was called,
// for assertions in dependent packages' tests.
func (s *Store) ScheduleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scheduleCount
}

var _ blobstore.BlobStore = (*Store)(nil)
