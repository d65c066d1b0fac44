package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aiforge/aggregator/internal/blobstore/mem"
	"github.com/aiforge/aggregator/internal/config"
	"github.com/aiforge/aggregator/internal/models"
	"github.com/aiforge/aggregator/internal/store"
	"github.com/aiforge/aggregator/internal/store/sqlitestore"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *sqlitestore.SQLiteStore, *mem.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := sqlitestore.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	b := mem.New()
	o := New(s, b, nil, cfg)
	return o, s, b
}

func testConfig() *config.Config {
	return &config.Config{
		MinTrainingData:    4,
		MaxModelsToKeep:    2,
		TPending:           2,
		THours:             12,
		TInteractions:      5,
		MaxFeatures:        200,
		NGramMin:           1,
		NGramMax:           2,
		BaseWeight:         2.0,
		UserWeight:         1.0,
		ModelVersionPrefix: "1.0.",
	}
}

func seedInteractions(t *testing.T, s store.Store, n int, intent string) {
	t.Helper()
	ctx := context.Background()
	batch := make([]store.InteractionBatch, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, store.InteractionBatch{
			Interaction: models.Interaction{
				ID:             intent + "-" + time.Now().Add(time.Duration(i)*time.Millisecond).Format("150405.000000000"),
				DeviceID:       "device-1",
				Timestamp:      time.Now(),
				UserMessage:    sampleTextFor(intent, i),
				DetectedIntent: intent,
				Confidence:     0.9,
				CreatedAt:      time.Now(),
			},
		})
	}
	require.NoError(t, s.UpsertInteractions(ctx, batch))
}

func sampleTextFor(intent string, i int) string {
	switch intent {
	case "timer":
		return "set a timer for five minutes please"
	case "weather":
		return "what is the weather like today"
	default:
		return intent
	}
}

func TestShouldTrainFiresOnPendingThreshold(t *testing.T) {
	cfg := testConfig()
	o, s, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	for i := 0; i < cfg.TPending; i++ {
		require.NoError(t, s.InsertUploadedModel(ctx, models.UploadedModel{
			ID:         "upload-" + string(rune('a'+i)),
			DeviceID:   "device-1",
			BlobRef:    "blob:uploads/upload.bin",
			UploadDate: time.Now(),
			Status:     models.UploadPending,
		}))
	}

	should, reason, err := o.shouldTrain(ctx)
	require.NoError(t, err)
	require.True(t, should)
	require.Equal(t, "pending uploads threshold", reason)
}

func TestShouldTrainDoesNotFireWithoutAnyPendingUpload(t *testing.T) {
	cfg := testConfig()
	o, _, _ := newTestOrchestrator(t, cfg)

	should, _, err := o.shouldTrain(context.Background())
	require.NoError(t, err)
	require.False(t, should, "hours/interactions branches must not fire with zero pending uploads")
}

func TestShouldTrainFiresOnHoursSinceLastTrainingWhenUploadPending(t *testing.T) {
	cfg := testConfig()
	cfg.TPending = 999
	cfg.TInteractions = 999
	cfg.THours = 0 // any elapsed time satisfies the threshold
	o, s, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.InsertUploadedModel(ctx, models.UploadedModel{
		ID:         "upload-1",
		DeviceID:   "device-1",
		BlobRef:    "blob:uploads/upload-1.bin",
		UploadDate: time.Now(),
		Status:     models.UploadPending,
	}))
	require.NoError(t, s.InsertModelVersion(ctx, models.ModelVersion{
		Version:      "1.0.1",
		TrainingDate: time.Now().Add(-time.Hour),
	}))

	should, reason, err := o.shouldTrain(ctx)
	require.NoError(t, err)
	require.True(t, should)
	require.Equal(t, "hours-since-last-training threshold", reason)
}

func TestRunCycleSkipsWhenBelowMinTrainingData(t *testing.T) {
	cfg := testConfig()
	cfg.MinTrainingData = 1000
	o, s, b := newTestOrchestrator(t, cfg)
	seedInteractions(t, s, 4, "timer")

	require.NoError(t, o.runCycle(context.Background()))

	v, err := s.GetLatestVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v.Version, "no new version should be published below the minimum")

	objs, err := b.ListModels(context.Background(), "trained/")
	require.NoError(t, err)
	require.Empty(t, objs)
}

func TestRunCycleTrainsAndPublishesVersion(t *testing.T) {
	cfg := testConfig()
	cfg.MinTrainingData = 4
	o, s, b := newTestOrchestrator(t, cfg)
	seedInteractions(t, s, 6, "timer")
	seedInteractions(t, s, 6, "weather")

	require.NoError(t, o.runCycle(context.Background()))

	v, err := s.GetLatestVersion(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, "1.0.0", v.Version)
	require.Greater(t, v.TrainingDataSize, 0)

	objs, err := b.ListModels(context.Background(), "trained/")
	require.NoError(t, err)
	require.Len(t, objs, 1)

	latestBytes, err := b.GetModelBytes(context.Background(), "base_model/model_latest.bin")
	require.NoError(t, err)
	require.NotEmpty(t, latestBytes)
}

func TestRunCycleLeavesUploadsPendingWhenBelowMinTrainingData(t *testing.T) {
	cfg := testConfig()
	cfg.MinTrainingData = 1000 // force the "insufficient data" early return
	o, s, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.InsertUploadedModel(ctx, models.UploadedModel{
		ID:         "upload-1",
		DeviceID:   "device-1",
		BlobRef:    "blob:uploads/upload-1.bin",
		UploadDate: time.Now(),
		Status:     models.UploadPending,
	}))

	require.NoError(t, o.runCycle(ctx))

	uploads, err := s.ListPendingUploaded(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 1, "upload must remain pending since the cycle aborted before markProcessing")
}

func TestFuseEnsembleMarksUndecodableUploadFailed(t *testing.T) {
	cfg := testConfig()
	o, s, b := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	require.NoError(t, b.PutModel(ctx, "uploaded/garbage.bin", strings.NewReader("not a gob stream"), 16))
	upload := models.UploadedModel{
		ID:       "upload-1",
		DeviceID: "device-1",
		BlobRef:  "blob:uploaded/garbage.bin",
	}
	require.NoError(t, s.InsertUploadedModel(ctx, upload))

	members, components, failed, incorporated := o.fuseEnsemble(ctx, nil, nil, []models.UploadedModel{upload})
	require.Len(t, members, 1)
	require.Nil(t, members[0].Classifier)
	require.Empty(t, components)
	require.Equal(t, []string{"upload-1"}, failed)
	require.Empty(t, incorporated)
}

// failOnPutBlobStore wraps a mem.Store and fails every PutModel call,
// simulating a publish-time blob write failure after uploads have already
// been marked processing.
type failOnPutBlobStore struct {
	*mem.Store
}

func (f *failOnPutBlobStore) PutModel(ctx context.Context, key string, r io.Reader, size int64) error {
	return errors.New("simulated blob write failure")
}

func TestRunCycleRollsBackProcessingUploadsToPendingOnPublishFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MinTrainingData = 4
	dir := t.TempDir()
	s, err := sqlitestore.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	b := &failOnPutBlobStore{Store: mem.New()}
	o := New(s, b, nil, cfg)
	ctx := context.Background()

	seedInteractions(t, s, 6, "timer")
	seedInteractions(t, s, 6, "weather")
	require.NoError(t, s.InsertUploadedModel(ctx, models.UploadedModel{
		ID:         "upload-1",
		DeviceID:   "device-1",
		BlobRef:    "blob:uploads/upload-1.bin",
		UploadDate: time.Now(),
		Status:     models.UploadPending,
	}))

	require.Error(t, o.runCycle(ctx), "publish must fail when every blob write errors")

	uploads, err := s.ListPendingUploaded(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 1, "upload marked processing must roll back to pending after publish fails")
	require.Equal(t, models.UploadPending, uploads[0].Status)
}

func TestNotifyCoalescesConcurrentTriggers(t *testing.T) {
	cfg := testConfig()
	o, _, _ := newTestOrchestrator(t, cfg)

	o.Notify()
	o.Notify()
	o.Notify()

	require.Len(t, o.trigger, 1, "buffered trigger channel must coalesce repeated notifications")
}
