package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/models"
	"github.com/aiforge/aggregator/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleInteraction(id string) models.Interaction {
	return models.Interaction{
		ID:             id,
		DeviceID:       "device-1",
		Timestamp:      time.Now().UTC(),
		UserMessage:    "hello",
		AIResponse:     "hi there",
		DetectedIntent: "greeting",
		Confidence:     0.92,
		AppVersion:     "1.2.0",
		ModelVersion:   "1.0.0",
		OSVersion:      "14",
	}
}

func TestMigrateSeedsBootstrapVersion(t *testing.T) {
	s := newTestStore(t)
	v, err := s.GetLatestVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v.Version)
}

func TestUpsertInteractionsIsAtomicAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []store.InteractionBatch{
		{Interaction: sampleInteraction("a")},
		{Interaction: sampleInteraction("b"), Feedback: &models.Feedback{InteractionID: "b", Rating: 5}},
	}
	require.NoError(t, s.UpsertInteractions(ctx, batch))

	n, err := s.CountInteractionsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Re-submitting the same IDs upserts rather than duplicating.
	require.NoError(t, s.UpsertInteractions(ctx, batch))
	n, err = s.CountInteractionsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSetUploadedStatusEnforcesValidTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := models.UploadedModel{
		ID:               "up-1",
		DeviceID:         "device-1",
		AppVersion:       "1.2.0",
		Description:      "locally retrained",
		BlobRef:          "blob:uploads/up-1.bin",
		FileSize:         1024,
		OriginalFilename: "model.bin",
		UploadDate:       time.Now().UTC(),
	}
	require.NoError(t, s.InsertUploadedModel(ctx, m))

	// pending -> incorporated directly is invalid.
	err := s.SetUploadedStatus(ctx, "up-1", models.UploadIncorporated, "1.0.1")
	require.ErrorIs(t, err, apperrors.ErrInvariant)

	require.NoError(t, s.SetUploadedStatus(ctx, "up-1", models.UploadProcessing, ""))
	require.NoError(t, s.SetUploadedStatus(ctx, "up-1", models.UploadIncorporated, "1.0.1"))

	pending, err := s.ListPendingUploaded(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSetUploadedStatusUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetUploadedStatus(context.Background(), "missing", models.UploadProcessing, "")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListRetainableVersionsExcludesBootstrap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertModelVersion(ctx, models.ModelVersion{
		Version: "1.0.1", BlobRef: "blob:models/1.0.1.bin", Accuracy: 0.8,
		TrainingDataSize: 100, TrainingDate: time.Now().UTC(),
	}))
	require.NoError(t, s.InsertModelVersion(ctx, models.ModelVersion{
		Version: "1.0.2", BlobRef: "blob:models/1.0.2.bin", Accuracy: 0.85,
		TrainingDataSize: 150, TrainingDate: time.Now().UTC(),
	}))

	versions, err := s.ListRetainableVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for _, v := range versions {
		require.NotEqual(t, "1.0.0", v.Version)
	}
	require.Equal(t, "1.0.2", versions[0].Version)
}

func TestDeleteModelVersionRejectsBootstrap(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteModelVersion(context.Background(), "1.0.0")
	require.ErrorIs(t, err, apperrors.ErrInvariant)
}

func TestDeleteModelVersionRemovesEnsembleRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertModelVersion(ctx, models.ModelVersion{
		Version: "1.0.1", BlobRef: "blob:models/1.0.1.bin", Accuracy: 0.8,
		TrainingDataSize: 100, TrainingDate: time.Now().UTC(),
	}))
	require.NoError(t, s.InsertEnsembleRecord(ctx, models.EnsembleRecord{
		Version:     "1.0.1",
		Description: "base + 2 uploaded",
		Components: []models.EnsembleComponent{
			{UploadedModelID: "up-1", DeviceID: "device-1", Weight: 0.3},
		},
	}))

	require.NoError(t, s.DeleteModelVersion(ctx, "1.0.1"))

	_, err := s.GetModelBlobRef(ctx, "1.0.1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSnapshotTrainingDataJoinsFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertInteractions(ctx, []store.InteractionBatch{
		{Interaction: sampleInteraction("a"), Feedback: &models.Feedback{InteractionID: "a", Rating: 4, Comment: "good"}},
		{Interaction: sampleInteraction("b")},
	}))

	rows, err := s.SnapshotTrainingData(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var withFeedback, withoutFeedback int
	for _, r := range rows {
		if r.Feedback != nil {
			withFeedback++
			require.Equal(t, 4, r.Feedback.Rating)
		} else {
			withoutFeedback++
		}
	}
	require.Equal(t, 1, withFeedback)
	require.Equal(t, 1, withoutFeedback)
}

func TestGetStatsAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertInteractions(ctx, []store.InteractionBatch{
		{Interaction: sampleInteraction("a"), Feedback: &models.Feedback{InteractionID: "a", Rating: 5}},
		{Interaction: sampleInteraction("b"), Feedback: &models.Feedback{InteractionID: "b", Rating: 3}},
	}))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalInteractions)
	require.Equal(t, 1, stats.UniqueDevices)
	require.InDelta(t, 4.0, stats.AverageFeedbackRating, 0.001)
	require.Equal(t, "1.0.0", stats.LatestModelVersion)
	require.Len(t, stats.TopIntents, 1)
	require.Equal(t, "greeting", stats.TopIntents[0].Intent)
	require.Equal(t, 2, stats.TopIntents[0].Count)
}

func TestMaxTrainingDateIgnoresBootstrap(t *testing.T) {
	s := newTestStore(t)
	zero, err := s.MaxTrainingDate(context.Background())
	require.NoError(t, err)
	require.True(t, zero.IsZero())
}

func TestOnCommitFiresAfterSuccessfulWrite(t *testing.T) {
	s := newTestStore(t)
	fired := 0
	s.SetOnCommit(func() { fired++ })

	require.NoError(t, s.UpsertInteractions(context.Background(), []store.InteractionBatch{
		{Interaction: sampleInteraction("a")},
	}))
	require.Equal(t, 1, fired)
}

func TestPingAndClose(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
