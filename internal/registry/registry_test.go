package registry

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aiforge/aggregator/internal/blobstore/mem"
	"github.com/aiforge/aggregator/internal/config"
	"github.com/aiforge/aggregator/internal/models"
	"github.com/aiforge/aggregator/internal/store/sqlitestore"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *sqlitestore.SQLiteStore, *mem.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := sqlitestore.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	b := mem.New()
	cfg := &config.Config{MaxModelsToKeep: 2}
	return New(s, b, cfg), s, b
}

func TestResolveForDownloadBootstrapUsesLivePointerNotSeedBlobRef(t *testing.T) {
	r, _, b := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, b.PutModel(ctx, "base_model/model_latest.bin", strings.NewReader("latest-bytes"), 12))

	res, err := r.ResolveForDownload(ctx, "1.0.0")
	require.NoError(t, err)
	require.Equal(t, KindBytes, res.Kind)
	require.Equal(t, []byte("latest-bytes"), res.Bytes)
}

func TestResolveForDownloadUnknownVersionIsNotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res, err := r.ResolveForDownload(context.Background(), "1.0.999999")
	require.NoError(t, err)
	require.Equal(t, KindNotFound, res.Kind)
}

func TestResolveForDownloadPublishedVersionReadsItsOwnBlob(t *testing.T) {
	r, s, b := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, b.PutModel(ctx, "trained/model_1.0.111.bin", strings.NewReader("v111-bytes"), 10))
	require.NoError(t, s.InsertModelVersion(ctx, models.ModelVersion{
		Version:      "1.0.111",
		BlobRef:      "blob:trained/model_1.0.111.bin",
		TrainingDate: time.Now(),
		CreatedAt:    time.Now(),
	}))

	res, err := r.ResolveForDownload(ctx, "1.0.111")
	require.NoError(t, err)
	require.Equal(t, KindBytes, res.Kind)
	require.Equal(t, []byte("v111-bytes"), res.Bytes)
}

func TestLatestBaseModelBytesCachesUntilInvalidated(t *testing.T) {
	r, _, b := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, b.PutModel(ctx, "base_model/model_latest.bin", strings.NewReader("v1"), 2))
	data, err := r.LatestBaseModelBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), data)

	require.NoError(t, b.PutModel(ctx, "base_model/model_latest.bin", strings.NewReader("v2"), 2))
	stale, err := r.LatestBaseModelBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), stale, "cache should still serve the pre-invalidation bytes")

	r.Invalidate()
	fresh, err := r.LatestBaseModelBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), fresh)
}

func TestCopyLatestBaseModelWritesToWriter(t *testing.T) {
	r, _, b := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, b.PutModel(ctx, "base_model/model_latest.bin", strings.NewReader("payload"), 7))

	var buf bytes.Buffer
	require.NoError(t, r.CopyLatestBaseModel(ctx, &buf))
	require.Equal(t, "payload", buf.String())
}

func TestRunRetentionPurgesRowEvenWhenBlobAlreadyGone(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()

	for i, v := range []string{"1.0.100", "1.0.200", "1.0.300"} {
		require.NoError(t, s.InsertModelVersion(ctx, models.ModelVersion{
			Version:      v,
			BlobRef:      "blob:trained/model_" + v + ".bin", // never written to the blob store
			TrainingDate: time.Now().Add(time.Duration(i) * time.Minute),
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}

	purged, err := r.RunRetention(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged, "a missing blob must not abort the row purge")

	remaining, err := s.ListRetainableVersions(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func TestRunRetentionKeepsNewestNAndNeverTouchesBootstrap(t *testing.T) {
	r, s, b := newTestRegistry(t)
	ctx := context.Background()

	for i, v := range []string{"1.0.100", "1.0.200", "1.0.300", "1.0.400"} {
		key := "trained/model_" + v + ".bin"
		require.NoError(t, b.PutModel(ctx, key, strings.NewReader(v), int64(len(v))))
		require.NoError(t, s.InsertModelVersion(ctx, models.ModelVersion{
			Version:      v,
			BlobRef:      "blob:" + key,
			TrainingDate: time.Now().Add(time.Duration(i) * time.Minute),
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}

	purged, err := r.RunRetention(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, purged)

	remaining, err := s.ListRetainableVersions(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	_, err = s.GetModelBlobRef(ctx, "1.0.0")
	require.NoError(t, err, "bootstrap row must survive retention")
}
