// Package store defines the authoritative relational store interface. The
// only implementation shipped is sqlitestore, a file-backed, single-writer
// SQLite store; see internal/store/sqlitestore.
package store

import (
	"context"
	"time"

	"github.com/aiforge/aggregator/internal/models"
)

// TrainingRow is one interaction left-joined with its optional feedback,
// as consumed by the Orchestrator's snapshot-inputs step.
type TrainingRow struct {
	Interaction models.Interaction
	Feedback    *models.Feedback
}

// InteractionBatch is one atomic write: every interaction commits together
// with its optional feedback, or none do.
type InteractionBatch struct {
	Interaction models.Interaction
	Feedback    *models.Feedback // nil if none submitted
}

// Store is the primary storage interface. All handler and orchestrator code
// depends on this interface so it can be exercised against a real SQLite
// file or an in-memory :memory: database in tests.
type Store interface {
	// UpsertInteractions commits a batch of interactions (+ optional
	// feedback) atomically: either all rows are visible afterward, or none
	// are. Re-submission of an already-seen interaction ID upserts rather
	// than duplicating.
	UpsertInteractions(ctx context.Context, batch []InteractionBatch) error

	// UpsertFeedback upserts a single feedback row by interaction_id,
	// independent of the ingest batch path.
	UpsertFeedback(ctx context.Context, fb models.Feedback) error

	InsertUploadedModel(ctx context.Context, m models.UploadedModel) error

	// SetUploadedStatus enforces models.UploadStatus.ValidTransition (forward
	// moves plus the processing -> pending requeue) and optionally records
	// the incorporated version.
	SetUploadedStatus(ctx context.Context, id string, next models.UploadStatus, incorporatedInVersion string) error

	// ListPendingUploaded returns pending uploads ordered by upload_date
	// ascending, stable against concurrent inserts (snapshot at query start).
	ListPendingUploaded(ctx context.Context) ([]models.UploadedModel, error)

	CountPendingUploaded(ctx context.Context) (int, error)

	InsertModelVersion(ctx context.Context, v models.ModelVersion) error
	InsertEnsembleRecord(ctx context.Context, e models.EnsembleRecord) error

	GetLatestVersion(ctx context.Context) (models.ModelVersion, error)
	GetModelBlobRef(ctx context.Context, version string) (string, error)
	GetStats(ctx context.Context) (models.Stats, error)

	// MaxTrainingDate returns the most recent ModelVersion.training_date,
	// or the zero time if no version has ever been trained (only the
	// 1.0.0 bootstrap row exists).
	MaxTrainingDate(ctx context.Context) (time.Time, error)

	// CountInteractionsSince counts interactions with created_at after the
	// given time, used by the new-interactions trigger.
	CountInteractionsSince(ctx context.Context, since time.Time) (int, error)

	// SnapshotTrainingData returns every interaction left-joined with its
	// optional feedback, for consumption by the orchestrator's training
	// pipeline. The read executes inside a read-only transaction so it is
	// stable against concurrent writers.
	SnapshotTrainingData(ctx context.Context) ([]TrainingRow, error)

	// ListRetainableVersions returns every ModelVersion except the reserved
	// "1.0.0" bootstrap row, newest first.
	ListRetainableVersions(ctx context.Context) ([]models.ModelVersion, error)

	DeleteModelVersion(ctx context.Context, version string) error

	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}
