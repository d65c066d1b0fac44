// Package local implements blobstore.BlobStore on top of afero, for
// self-hosted deployments that opt out of the Dropbox backend
// (config.StorageLocal). Filesystem-backed persistence with atomic
// write-temp-then-rename writes.
package local

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/blobstore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const snapshotKey = "snapshots/db.sqlite"

// Store is a local-filesystem-backed blobstore.BlobStore.
type Store struct {
	fs   afero.Fs
	root string

	localDBPath string
	syncCh      chan struct{}
	doneCh      chan struct{}
}

// New constructs a local store rooted at root (created if absent). If
// localDBPath is non-empty, ScheduleDBSnapshotSync copies it to the
// snapshot key on a debounced background loop.
func New(fs afero.Fs, root, localDBPath string) (*Store, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store root: %w", err)
	}
	s := &Store{
		fs:          fs,
		root:        root,
		localDBPath: localDBPath,
		syncCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}
	if localDBPath != "" {
		go s.syncLoop()
	}
	return s, nil
}

func (s *Store) Close() {
	close(s.doneCh)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *Store) PutModel(ctx context.Context, key string, r io.Reader, size int64) error {
	p := s.path(key)
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", key, err)
	}

	tmp := p + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return s.fs.Rename(tmp, p)
}

func (s *Store) GetModelStream(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	return f, nil
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
	if err := s.fs.Remove(s.path(key)); err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	return nil
}

func (s *Store) ListModels(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	dir := s.path(prefix)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, nil
	}
	out := make([]blobstore.ObjectInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, blobstore.ObjectInfo{
			Key:          filepath.Join(prefix, e.Name()),
			Size:         e.Size(),
			LastModified: e.ModTime().Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) PushDBSnapshot(ctx context.Context, localPath string) error {
	f, err := s.fs.Open(localPath)
	if err != nil {
		// localPath lives on the real OS filesystem while s.fs may be an
		// in-memory afero.Fs in tests; fall back to the OS filesystem.
		osFS := afero.NewOsFs()
		of, oerr := osFS.Open(localPath)
		if oerr != nil {
			return fmt.Errorf("open local snapshot: %w", err)
		}
		defer of.Close()
		info, err := of.Stat()
		if err != nil {
			return err
		}
		return s.PutModel(ctx, snapshotKey, of, info.Size())
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.PutModel(ctx, snapshotKey, f, info.Size())
}

func (s *Store) FetchDBSnapshot(ctx context.Context, localPath string) error {
	data, err := s.GetModelBytes(ctx, snapshotKey)
	if err != nil {
		return err
	}
	osFS := afero.NewOsFs()
	tmp := localPath + ".tmp"
	if err := afero.WriteFile(osFS, tmp, data, 0o600); err != nil {
		return err
	}
	return osFS.Rename(tmp, localPath)
}

func (s *Store) ScheduleDBSnapshotSync() {
	select {
	case s.syncCh <- struct{}{}:
	default:
	}
}

func (s *Store) syncLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.syncCh:
			time.Sleep(2 * time.Second)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.PushDBSnapshot(ctx, s.localDBPath); err != nil {
				log.Warn().Err(err).Msg("local db snapshot sync failed")
			}
			cancel()
		}
	}
}

var _ blobstore.BlobStore = (*Store)(nil)
