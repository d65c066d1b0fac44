// Package blobstore defines the object-storage abstraction used for model
// artifacts and the periodic database-snapshot backup. Two backends ship:
// dropbox (a real REST client authenticated via internal/tokenmanager) and
// local (an afero-backed filesystem store for self-hosted/offline
// deployments), selected by config.StorageMode.
package blobstore

import (
	"context"
	"io"
)

// ObjectInfo describes one stored blob, mirroring the shape storage
// backends across the wider ecosystem expose (name/size/modtime), trimmed
// to what this system's callers actually need.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified int64 // unix seconds
}

// BlobStore is the storage abstraction the Orchestrator, Registry, and
// Streamer depend on. Paths are logical keys ("trained/model_1.0.3.bin",
// "base_model/model_latest.bin", "uploaded/model_<deviceId>_<ts>.bin", "snapshots/db.sqlite");
// each backend maps them onto its own namespace.
type BlobStore interface {
	// PutModel uploads a model artifact, overwriting any existing object at key.
	PutModel(ctx context.Context, key string, r io.Reader, size int64) error

	// GetModelStream returns a stream for the object at key. Callers must
	// Close it. Returns apperrors.ErrNotFound if the key does not exist.
	GetModelStream(ctx context.Context, key string) (io.ReadCloser, error)

	// GetModelBytes is a convenience wrapper for small artifacts (uploaded
	// models, which are size-capped by config.MaxUploadSizeMB).
	GetModelBytes(ctx context.Context, key string) ([]byte, error)

	DeleteModel(ctx context.Context, key string) error

	ListModels(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// PushDBSnapshot uploads the current SQLite file to a well-known
	// snapshot key, for disaster recovery.
	PushDBSnapshot(ctx context.Context, localPath string) error

	// FetchDBSnapshot downloads the most recent snapshot to localPath, used
	// only on cold-start when no local database file exists yet. Returns
	// apperrors.ErrNotFound if no snapshot has ever been pushed.
	FetchDBSnapshot(ctx context.Context, localPath string) error

	// ScheduleDBSnapshotSync requests an asynchronous, debounced snapshot
	// push on the next sync tick. Never blocks the caller; safe to call
	// from Store's OnCommit hook on every write.
	ScheduleDBSnapshotSync()
}
