// Package sqlitestore implements store.Store on top of a file-backed SQLite
// database via database/sql + sqlx. A single process-wide writeMu is held
// for the duration of every mutating call before BEGIN, enforcing a
// single-writer invariant, while reads run in their own read-only
// transactions without taking writeMu. The pool holds a single connection,
// so a read waits for any open write transaction to finish.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/models"
	"github.com/aiforge/aggregator/internal/store"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OnCommit is invoked after every successful mutating commit so the caller
// can schedule a DB-snapshot push to the Blob Store. It must not block.
type OnCommit func()

// SQLiteStore is the authoritative store.Store implementation.
type SQLiteStore struct {
	db       *sqlx.DB
	writeMu  sync.Mutex
	onCommit OnCommit
	path     string
}

// Open opens (creating if absent) the SQLite database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer invariant; reads share the same conn pool by design
	return &SQLiteStore{db: db, path: path}, nil
}

// SetOnCommit registers the callback invoked after every successful write.
func (s *SQLiteStore) SetOnCommit(cb OnCommit) {
	s.onCommit = cb
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withWriteTx serializes every mutating call behind writeMu, retries
// transient failures with bounded exponential backoff (0.5-2.0s, 3
// attempts), and commits or rolls back exactly once.
func (s *SQLiteStore) withWriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	op := func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	retrier := backoff.WithMaxRetries(bo, 2) // 3 total attempts

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isInvariant(err) || errors.Is(err, apperrors.ErrInvariant) || errors.Is(err, apperrors.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(retrier, ctx))

	if err != nil {
		var perm *backoff.PermanentError
		if ok := asPermanent(err, &perm); ok {
			err = perm.Err
		}
		if errors.Is(err, apperrors.ErrInvariant) || errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if isInvariant(err) {
			return fmt.Errorf("%w: %v", apperrors.ErrInvariant, err)
		}
		return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}

	if s.onCommit != nil {
		s.onCommit()
	}
	return nil
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if ok {
		*target = pe
	}
	return ok
}

func isInvariant(err error) bool {
	// SQLite constraint violations surface as text containing "constraint";
	// these are schema/invariant violations, never retried.
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "CHECK constraint", "FOREIGN KEY constraint", "NOT NULL constraint", "UNIQUE constraint")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// UpsertInteractions commits the batch atomically: all rows or none.
func (s *SQLiteStore) UpsertInteractions(ctx context.Context, batch []store.InteractionBatch) error {
	if len(batch) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		for _, row := range batch {
			ia := row.Interaction
			if ia.CreatedAt.IsZero() {
				ia.CreatedAt = time.Now().UTC()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO interactions
					(id, device_id, timestamp, user_message, ai_response, detected_intent, confidence, app_version, model_version, os_version, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					device_id=excluded.device_id, timestamp=excluded.timestamp, user_message=excluded.user_message,
					ai_response=excluded.ai_response, detected_intent=excluded.detected_intent, confidence=excluded.confidence,
					app_version=excluded.app_version, model_version=excluded.model_version, os_version=excluded.os_version`,
				ia.ID, ia.DeviceID, ia.Timestamp, ia.UserMessage, ia.AIResponse, ia.DetectedIntent,
				ia.Confidence, ia.AppVersion, ia.ModelVersion, ia.OSVersion, ia.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert interaction %s: %w", ia.ID, err)
			}

			if row.Feedback != nil {
				if err := upsertFeedbackTx(ctx, tx, *row.Feedback); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertFeedback(ctx context.Context, fb models.Feedback) error {
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		return upsertFeedbackTx(ctx, tx, fb)
	})
}

func upsertFeedbackTx(ctx context.Context, tx *sqlx.Tx, fb models.Feedback) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO feedback (interaction_id, rating, comment)
		VALUES (?, ?, ?)
		ON CONFLICT(interaction_id) DO UPDATE SET rating=excluded.rating, comment=excluded.comment`,
		fb.InteractionID, fb.Rating, fb.Comment,
	)
	if err != nil {
		return fmt.Errorf("upsert feedback for %s: %w", fb.InteractionID, err)
	}
	return nil
}

func (s *SQLiteStore) InsertUploadedModel(ctx context.Context, m models.UploadedModel) error {
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		if m.Status == "" {
			m.Status = models.UploadPending
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO uploaded_models (id, device_id, app_version, description, blob_ref, file_size, original_filename, upload_date, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.DeviceID, m.AppVersion, m.Description, m.BlobRef, m.FileSize, m.OriginalFilename, m.UploadDate, m.Status,
		)
		if err != nil {
			return fmt.Errorf("insert uploaded model %s: %w", m.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) SetUploadedStatus(ctx context.Context, id string, next models.UploadStatus, incorporatedInVersion string) error {
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		var current models.UploadStatus
		if err := tx.GetContext(ctx, &current, `SELECT status FROM uploaded_models WHERE id = ?`, id); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: uploaded model %s", apperrors.ErrNotFound, id)
			}
			return err
		}
		if !current.ValidTransition(next) {
			return fmt.Errorf("%w: uploaded model %s cannot transition %s -> %s", apperrors.ErrInvariant, id, current, next)
		}
		if next == models.UploadIncorporated && incorporatedInVersion == "" {
			return fmt.Errorf("%w: incorporated status requires incorporated_in_version", apperrors.ErrInvariant)
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE uploaded_models SET status = ?, incorporated_in_version = ? WHERE id = ?`,
			next, nullIfEmpty(incorporatedInVersion), id,
		)
		return err
	})
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) ListPendingUploaded(ctx context.Context) ([]models.UploadedModel, error) {
	var out []models.UploadedModel
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &out, `
			SELECT id, device_id, app_version, description, blob_ref, file_size, original_filename, upload_date, status,
			       COALESCE(incorporated_in_version, '') AS incorporated_in_version
			FROM uploaded_models WHERE status = 'pending' ORDER BY upload_date ASC`)
	})
	return out, err
}

func (s *SQLiteStore) CountPendingUploaded(ctx context.Context) (int, error) {
	var n int
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM uploaded_models WHERE status = 'pending'`)
	})
	return n, err
}

func (s *SQLiteStore) InsertModelVersion(ctx context.Context, v models.ModelVersion) error {
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO model_versions (version, blob_ref, accuracy, training_data_size, training_date, created_at, export_error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.Version, v.BlobRef, v.Accuracy, v.TrainingDataSize, v.TrainingDate, v.CreatedAt, nullIfEmpty(v.ExportError),
		)
		if err != nil {
			return fmt.Errorf("insert model version %s: %w", v.Version, err)
		}
		return nil
	})
}

func (s *SQLiteStore) InsertEnsembleRecord(ctx context.Context, e models.EnsembleRecord) error {
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		blob, err := json.Marshal(e.Components)
		if err != nil {
			return fmt.Errorf("marshal ensemble components: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ensemble_records (version, description, components_json) VALUES (?, ?, ?)`,
			e.Version, e.Description, string(blob),
		)
		if err != nil {
			return fmt.Errorf("insert ensemble record %s: %w", e.Version, err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetLatestVersion(ctx context.Context) (models.ModelVersion, error) {
	var v models.ModelVersion
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &v, `
			SELECT version, blob_ref, accuracy, training_data_size, training_date, created_at, COALESCE(export_error, '') AS export_error
			FROM model_versions ORDER BY version DESC LIMIT 1`)
	})
	if err == sql.ErrNoRows {
		return v, fmt.Errorf("%w: no model versions", apperrors.ErrNotFound)
	}
	return v, err
}

func (s *SQLiteStore) GetModelBlobRef(ctx context.Context, version string) (string, error) {
	var ref string
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &ref, `SELECT blob_ref FROM model_versions WHERE version = ?`, version)
	})
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: model version %s", apperrors.ErrNotFound, version)
	}
	return ref, err
}

func (s *SQLiteStore) GetStats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &stats.TotalInteractions, `SELECT COUNT(*) FROM interactions`); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &stats.UniqueDevices, `SELECT COUNT(DISTINCT device_id) FROM interactions`); err != nil {
			return err
		}

		var avg sql.NullFloat64
		if err := tx.GetContext(ctx, &avg, `SELECT AVG(rating) FROM feedback`); err != nil {
			return err
		}
		if avg.Valid {
			stats.AverageFeedbackRating = avg.Float64
		}

		rows, err := tx.QueryxContext(ctx, `
			SELECT detected_intent, COUNT(*) as cnt FROM interactions
			GROUP BY detected_intent ORDER BY cnt DESC LIMIT 5`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ic models.IntentCount
			if err := rows.Scan(&ic.Intent, &ic.Count); err != nil {
				return err
			}
			stats.TopIntents = append(stats.TopIntents, ic)
		}

		var latest models.ModelVersion
		if err := tx.GetContext(ctx, &latest, `SELECT version, training_date FROM model_versions ORDER BY version DESC LIMIT 1`); err == nil {
			stats.LatestModelVersion = latest.Version
			if !latest.TrainingDate.IsZero() {
				td := latest.TrainingDate
				stats.LastTrainingDate = &td
			}
		} else if err != sql.ErrNoRows {
			return err
		}

		if err := tx.GetContext(ctx, &stats.TotalModels, `SELECT COUNT(*) FROM model_versions`); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &stats.IncorporatedUserModels, `SELECT COUNT(*) FROM uploaded_models WHERE status = 'incorporated'`); err != nil {
			return err
		}
		return nil
	})
	return stats, err
}

func (s *SQLiteStore) MaxTrainingDate(ctx context.Context) (time.Time, error) {
	var t sql.NullTime
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &t, `SELECT MAX(training_date) FROM model_versions WHERE version != '1.0.0'`)
	})
	if err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

func (s *SQLiteStore) CountInteractionsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM interactions WHERE created_at > ?`, since)
	})
	return n, err
}

func (s *SQLiteStore) SnapshotTrainingData(ctx context.Context) ([]store.TrainingRow, error) {
	type joined struct {
		models.Interaction
		FbRating  sql.NullInt64
		FbComment sql.NullString
	}
	var rows []joined
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, `
			SELECT i.id, i.device_id, i.timestamp, i.user_message, i.ai_response, i.detected_intent,
			       i.confidence, i.app_version, i.model_version, i.os_version, i.created_at,
			       f.rating AS fb_rating, f.comment AS fb_comment
			FROM interactions i LEFT JOIN feedback f ON f.interaction_id = i.id`)
	})
	if err != nil {
		return nil, err
	}

	out := make([]store.TrainingRow, 0, len(rows))
	for _, r := range rows {
		tr := store.TrainingRow{Interaction: r.Interaction}
		if r.FbRating.Valid {
			tr.Feedback = &models.Feedback{
				InteractionID: r.ID,
				Rating:        int(r.FbRating.Int64),
				Comment:       r.FbComment.String,
			}
		}
		out = append(out, tr)
	}
	return out, nil
}

func (s *SQLiteStore) ListRetainableVersions(ctx context.Context) ([]models.ModelVersion, error) {
	var out []models.ModelVersion
	err := s.readOnlyTx(ctx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &out, `
			SELECT version, blob_ref, accuracy, training_data_size, training_date, created_at, COALESCE(export_error, '') AS export_error
			FROM model_versions WHERE version != '1.0.0' ORDER BY version DESC`)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *SQLiteStore) DeleteModelVersion(ctx context.Context, version string) error {
	if version == "1.0.0" {
		return fmt.Errorf("%w: cannot delete reserved bootstrap version", apperrors.ErrInvariant)
	}
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ensemble_records WHERE version = ?`, version); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM model_versions WHERE version = ?`, version)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: model version %s", apperrors.ErrNotFound, version)
		}
		return nil
	})
}

// readOnlyTx runs fn inside a read-only transaction so multi-statement
// reads (GetStats, SnapshotTrainingData) observe one consistent snapshot
// even under concurrent writers.
func (s *SQLiteStore) readOnlyTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

var _ store.Store = (*SQLiteStore)(nil)

func init() {
	// goose emits its own logs by default; route them through zerolog instead
	// so aggregator logs stay structured.
	goose.SetLogger(gooseLogger{})
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	log.Fatal().Msgf(format, v...)
}
func (gooseLogger) Printf(format string, v ...interface{}) {
	log.Info().Msgf(format, v...)
}
