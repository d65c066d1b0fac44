// Package registry is a thin façade over Store for model-version reads with
// blob-handle resolution, plus the retention sweep that prunes old
// versions. It owns the read-mostly base-model byte cache the Orchestrator
// invalidates on every publish.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/blobstore"
	"github.com/aiforge/aggregator/internal/config"
	"github.com/aiforge/aggregator/internal/models"
	"github.com/aiforge/aggregator/internal/store"
	"github.com/rs/zerolog/log"
)

// ResolutionKind discriminates the three ways a download can resolve.
type ResolutionKind int

const (
	KindNotFound ResolutionKind = iota
	KindStream
	KindBytes
)

// Resolution is the result of resolving a version for download.
type Resolution struct {
	Kind      ResolutionKind
	DirectURL string
	Bytes     []byte
	Filename  string
}

// directURLProvider is satisfied by blob store backends that can mint a
// short-lived redirect URL (Dropbox's get_temporary_link). Local/mem
// backends don't implement it, so the Streamer always falls back to Bytes
// for those — this is the "blob layer refuses to mint a direct URL" case.
type directURLProvider interface {
	DirectURL(ctx context.Context, key string) (string, error)
}

const bootstrapVersion = "1.0.0"
const baseModelLatestKey = "base_model/model_latest.bin"

// Registry resolves ModelVersions to downloadable content and runs the
// retention sweep.
type Registry struct {
	store store.Store
	blobs blobstore.BlobStore
	cfg   *config.Config

	cacheMu sync.RWMutex
	cached  []byte // base_model/model_latest.bin, lazily loaded
}

func New(s store.Store, b blobstore.BlobStore, cfg *config.Config) *Registry {
	return &Registry{store: s, blobs: b, cfg: cfg}
}

// Invalidate drops the cached base-model bytes. Called by the Orchestrator
// after every successful publish.
func (r *Registry) Invalidate() {
	r.cacheMu.Lock()
	r.cached = nil
	r.cacheMu.Unlock()
}

// ResolveForDownload resolves a requested version to a Stream, Bytes, or
// NotFound response. The reserved "1.0.0" version always resolves to the
// live base-model pointer, not to the seed row's own blob_ref, so "latest
// base" tracks the most recent publish.
func (r *Registry) ResolveForDownload(ctx context.Context, version string) (Resolution, error) {
	var key string
	if version == bootstrapVersion {
		key = baseModelLatestKey
	} else {
		ref, err := r.store.GetModelBlobRef(ctx, version)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return Resolution{Kind: KindNotFound}, nil
			}
			return Resolution{}, err
		}
		key = keyFromBlobRef(ref)
	}

	if dup, ok := r.blobs.(directURLProvider); ok {
		url, err := dup.DirectURL(ctx, key)
		if err == nil {
			return Resolution{Kind: KindStream, DirectURL: url, Filename: filenameFor(version)}, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			log.Warn().Err(err).Str("key", key).Msg("⚠️ direct URL mint failed, falling back to bytes")
		}
	}

	data, err := r.blobs.GetModelBytes(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Resolution{Kind: KindNotFound}, nil
		}
		return Resolution{}, err
	}
	return Resolution{Kind: KindBytes, Bytes: data, Filename: filenameFor(version)}, nil
}

// LatestBaseModelBytes returns the current base model's bytes, using the
// read-mostly cache populated on first access and invalidated on publish.
func (r *Registry) LatestBaseModelBytes(ctx context.Context) ([]byte, error) {
	r.cacheMu.RLock()
	if r.cached != nil {
		defer r.cacheMu.RUnlock()
		return r.cached, nil
	}
	r.cacheMu.RUnlock()

	data, err := r.blobs.GetModelBytes(ctx, baseModelLatestKey)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cached = data
	r.cacheMu.Unlock()
	return data, nil
}

// CopyLatestBaseModel writes the cached base model bytes to w, for serving
// paths that must stream rather than buffer.
func (r *Registry) CopyLatestBaseModel(ctx context.Context, w io.Writer) error {
	data, err := r.LatestBaseModelBytes(ctx)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

// RunRetention deletes non-base ModelVersions beyond MaxModelsToKeep
// newest, blob before row, never touching the reserved 1.0.0 seed. This is
// the same policy the Orchestrator's own retain step runs at the end of
// every training cycle; the Scheduler also drives it directly on a weekly
// tick so versions are pruned even if training cycles stop firing.
func (r *Registry) RunRetention(ctx context.Context) (purged int, err error) {
	versions, err := r.store.ListRetainableVersions(ctx)
	if err != nil {
		return 0, err
	}
	if len(versions) <= r.cfg.MaxModelsToKeep {
		return 0, nil
	}

	toDelete := versions[r.cfg.MaxModelsToKeep:]
	for _, v := range toDelete {
		if err := r.purgeOne(ctx, v); err != nil {
			log.Warn().Err(err).Str("version", v.Version).Msg("⚠️ retention: failed to purge, leaving for next sweep")
			continue
		}
		purged++
	}
	return purged, nil
}

func (r *Registry) purgeOne(ctx context.Context, v models.ModelVersion) error {
	key := keyFromBlobRef(v.BlobRef)
	if err := r.blobs.DeleteModel(ctx, key); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	if err := r.store.DeleteModelVersion(ctx, v.Version); err != nil {
		return fmt.Errorf("delete row %s: %w", v.Version, err)
	}
	log.Info().Str("version", v.Version).Msg("🗑️ retention: purged model version")
	return nil
}

func keyFromBlobRef(ref string) string {
	if i := strings.Index(ref, ":"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func filenameFor(version string) string {
	return fmt.Sprintf("model_%s.bin", version)
}
