package local

import (
	"bytes"
	"context"
	"testing"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetModelRoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/blobs", "")
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte("model-bytes")
	require.NoError(t, s.PutModel(ctx, "models/1.0.1.bin", bytes.NewReader(payload), int64(len(payload))))

	got, err := s.GetModelBytes(ctx, "models/1.0.1.bin")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetModelMissingReturnsNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/blobs", "")
	require.NoError(t, err)

	_, err = s.GetModelStream(context.Background(), "models/missing.bin")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteModel(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/blobs", "")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutModel(ctx, "models/x.bin", bytes.NewReader([]byte("x")), 1))
	require.NoError(t, s.DeleteModel(ctx, "models/x.bin"))

	_, err = s.GetModelStream(ctx, "models/x.bin")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListModelsSortedByKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/blobs", "")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutModel(ctx, "models/1.0.2.bin", bytes.NewReader([]byte("b")), 1))
	require.NoError(t, s.PutModel(ctx, "models/1.0.1.bin", bytes.NewReader([]byte("a")), 1))

	list, err := s.ListModels(ctx, "models")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "models/1.0.1.bin", list[0].Key)
	require.Equal(t, "models/1.0.2.bin", list[1].Key)
}

func TestFetchDBSnapshotWithoutPriorPushReturnsNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/blobs", "")
	require.NoError(t, err)

	err = s.FetchDBSnapshot(context.Background(), "/tmp/out.db")
	require.Error(t, err)
}
