// Package postgres persists speaker metrics, the bucket ledger, and
// transition requests in PostgreSQL.
//
// ApplyTransition runs its three writes in one transaction, which is what
// keeps the current-bucket invariant (metrics row bucket == newest ledger
// row bucket) intact under crashes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echofix/echofix/internal/speaker"
)

// Compile-time interface check.
var _ speaker.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS speaker_metrics (
    speaker_id         TEXT         PRIMARY KEY,
    current_bucket     TEXT         NOT NULL,
    total_errors       INTEGER      NOT NULL DEFAULT 0,
    errors_rectified   INTEGER      NOT NULL DEFAULT 0,
    rectification_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    average_ser        DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality_trend      TEXT         NOT NULL DEFAULT 'stable',
    bucket_since       TIMESTAMPTZ  NOT NULL,
    updated_at         TIMESTAMPTZ  NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_history (
    id                TEXT         PRIMARY KEY,
    speaker_id        TEXT         NOT NULL,
    bucket_type       TEXT         NOT NULL,
    previous_bucket   TEXT         NOT NULL DEFAULT '',
    assigned_at       TIMESTAMPTZ  NOT NULL,
    assigned_by       TEXT         NOT NULL,
    assignment_reason TEXT         NOT NULL DEFAULT '',
    confidence_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
    metrics_snapshot  JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_bucket_history_speaker
    ON bucket_history (speaker_id, assigned_at DESC);

CREATE TABLE IF NOT EXISTS bucket_transitions (
    id           TEXT         PRIMARY KEY,
    speaker_id   TEXT         NOT NULL,
    from_bucket  TEXT         NOT NULL,
    to_bucket    TEXT         NOT NULL,
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    reason       TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL,
    requested_at TIMESTAMPTZ  NOT NULL,
    resolved_at  TIMESTAMPTZ,
    resolved_by  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bucket_transitions_pending
    ON bucket_transitions (speaker_id) WHERE status = 'pending';
`

// executor is satisfied by both *pgxpool.Pool and pgx.Tx, so the write
// helpers work inside and outside transactions.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL-backed speaker store.
type Store struct {
	pool *pgxpool.Pool
}

// New runs the schema migration and returns a Store sharing the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("speaker store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Metrics implements [speaker.Store.Metrics].
func (s *Store) Metrics(ctx context.Context, speakerID string) (speaker.PerformanceMetrics, error) {
	const q = `
		SELECT speaker_id, current_bucket, total_errors, errors_rectified,
		       rectification_rate, average_ser, quality_trend, bucket_since,
		       updated_at
		FROM   speaker_metrics
		WHERE  speaker_id = $1`

	var m speaker.PerformanceMetrics
	err := s.pool.QueryRow(ctx, q, speakerID).Scan(
		&m.SpeakerID,
		&m.CurrentBucket,
		&m.TotalErrors,
		&m.ErrorsRectified,
		&m.RectificationRate,
		&m.AverageSER,
		&m.Trend,
		&m.BucketSince,
		&m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return speaker.PerformanceMetrics{}, speaker.ErrUnknownSpeaker
	}
	if err != nil {
		return speaker.PerformanceMetrics{}, fmt.Errorf("speaker store: metrics: %w", err)
	}
	return m, nil
}

// SaveMetrics implements [speaker.Store.SaveMetrics].
func (s *Store) SaveMetrics(ctx context.Context, m speaker.PerformanceMetrics) error {
	return saveMetrics(ctx, s.pool, m)
}

func saveMetrics(ctx context.Context, db executor, m speaker.PerformanceMetrics) error {
	const q = `
		INSERT INTO speaker_metrics
		    (speaker_id, current_bucket, total_errors, errors_rectified,
		     rectification_rate, average_ser, quality_trend, bucket_since,
		     updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (speaker_id) DO UPDATE SET
		    current_bucket     = EXCLUDED.current_bucket,
		    total_errors       = EXCLUDED.total_errors,
		    errors_rectified   = EXCLUDED.errors_rectified,
		    rectification_rate = EXCLUDED.rectification_rate,
		    average_ser        = EXCLUDED.average_ser,
		    quality_trend      = EXCLUDED.quality_trend,
		    bucket_since       = EXCLUDED.bucket_since,
		    updated_at         = EXCLUDED.updated_at`

	_, err := db.Exec(ctx, q,
		m.SpeakerID, m.CurrentBucket, m.TotalErrors, m.ErrorsRectified,
		m.RectificationRate, m.AverageSER, m.Trend, m.BucketSince, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("speaker store: save metrics: %w", err)
	}
	return nil
}

// History implements [speaker.Store.History]; newest entry first.
func (s *Store) History(ctx context.Context, speakerID string) ([]speaker.HistoryEntry, error) {
	const q = `
		SELECT id, speaker_id, bucket_type, previous_bucket, assigned_at,
		       assigned_by, assignment_reason, confidence_score,
		       metrics_snapshot
		FROM   bucket_history
		WHERE  speaker_id = $1
		ORDER  BY assigned_at DESC`

	rows, err := s.pool.Query(ctx, q, speakerID)
	if err != nil {
		return nil, fmt.Errorf("speaker store: history: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (speaker.HistoryEntry, error) {
		var (
			e        speaker.HistoryEntry
			snapshot []byte
		)
		if err := row.Scan(
			&e.ID, &e.SpeakerID, &e.Bucket, &e.PreviousBucket, &e.AssignedAt,
			&e.AssignedBy, &e.Reason, &e.Confidence, &snapshot,
		); err != nil {
			return speaker.HistoryEntry{}, err
		}
		if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
			return speaker.HistoryEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("speaker store: scan history: %w", err)
	}
	return entries, nil
}

// AppendHistory implements [speaker.Store.AppendHistory].
func (s *Store) AppendHistory(ctx context.Context, e speaker.HistoryEntry) error {
	return appendHistory(ctx, s.pool, e)
}

func appendHistory(ctx context.Context, db executor, e speaker.HistoryEntry) error {
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return fmt.Errorf("speaker store: marshal snapshot: %w", err)
	}

	const q = `
		INSERT INTO bucket_history
		    (id, speaker_id, bucket_type, previous_bucket, assigned_at,
		     assigned_by, assignment_reason, confidence_score, metrics_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := db.Exec(ctx, q,
		e.ID, e.SpeakerID, e.Bucket, e.PreviousBucket, e.AssignedAt,
		e.AssignedBy, e.Reason, e.Confidence, snapshot); err != nil {
		return fmt.Errorf("speaker store: append history: %w", err)
	}
	return nil
}

// Transition implements [speaker.Store.Transition].
func (s *Store) Transition(ctx context.Context, id string) (speaker.TransitionRequest, error) {
	const q = `
		SELECT id, speaker_id, from_bucket, to_bucket, confidence, reason,
		       status, requested_at, resolved_at, resolved_by
		FROM   bucket_transitions
		WHERE  id = $1`

	var t speaker.TransitionRequest
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&t.ID, &t.SpeakerID, &t.From, &t.To, &t.Confidence, &t.Reason,
		&t.Status, &t.RequestedAt, &t.ResolvedAt, &t.ResolvedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return speaker.TransitionRequest{}, speaker.ErrTransitionNotFound
	}
	if err != nil {
		return speaker.TransitionRequest{}, fmt.Errorf("speaker store: transition: %w", err)
	}
	return t, nil
}

// PendingTransition implements [speaker.Store.PendingTransition].
func (s *Store) PendingTransition(ctx context.Context, speakerID string) (*speaker.TransitionRequest, error) {
	const q = `
		SELECT id, speaker_id, from_bucket, to_bucket, confidence, reason,
		       status, requested_at, resolved_at, resolved_by
		FROM   bucket_transitions
		WHERE  speaker_id = $1 AND status = 'pending'
		ORDER  BY requested_at DESC
		LIMIT  1`

	var t speaker.TransitionRequest
	err := s.pool.QueryRow(ctx, q, speakerID).Scan(
		&t.ID, &t.SpeakerID, &t.From, &t.To, &t.Confidence, &t.Reason,
		&t.Status, &t.RequestedAt, &t.ResolvedAt, &t.ResolvedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("speaker store: pending transition: %w", err)
	}
	return &t, nil
}

// SaveTransition implements [speaker.Store.SaveTransition].
func (s *Store) SaveTransition(ctx context.Context, t speaker.TransitionRequest) error {
	return saveTransition(ctx, s.pool, t)
}

func saveTransition(ctx context.Context, db executor, t speaker.TransitionRequest) error {
	const q = `
		INSERT INTO bucket_transitions
		    (id, speaker_id, from_bucket, to_bucket, confidence, reason,
		     status, requested_at, resolved_at, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    confidence  = EXCLUDED.confidence,
		    reason      = EXCLUDED.reason,
		    status      = EXCLUDED.status,
		    resolved_at = EXCLUDED.resolved_at,
		    resolved_by = EXCLUDED.resolved_by`

	if _, err := db.Exec(ctx, q,
		t.ID, t.SpeakerID, t.From, t.To, t.Confidence, t.Reason,
		t.Status, t.RequestedAt, t.ResolvedAt, t.ResolvedBy); err != nil {
		return fmt.Errorf("speaker store: save transition: %w", err)
	}
	return nil
}

// ApplyTransition implements [speaker.Store.ApplyTransition] in a single
// transaction.
func (s *Store) ApplyTransition(ctx context.Context, t speaker.TransitionRequest, e speaker.HistoryEntry, m speaker.PerformanceMetrics) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("speaker store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := saveTransition(ctx, tx, t); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, e); err != nil {
		return err
	}
	if err := saveMetrics(ctx, tx, m); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("speaker store: commit: %w", err)
	}
	return nil
}
