// Package postgres persists verification jobs in PostgreSQL.
//
// Close uses a conditional UPDATE (status = 'pending') so that concurrent
// verdicts on the same job resolve to exactly one winner without explicit
// locking.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echofix/echofix/internal/corrector"
	"github.com/echofix/echofix/internal/verification"
)

// Compile-time interface check.
var _ verification.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS verification_jobs (
    id              TEXT         PRIMARY KEY,
    speaker_id      TEXT         NOT NULL,
    original_draft  TEXT         NOT NULL,
    corrected_draft TEXT         NOT NULL,
    applied         JSONB        NOT NULL DEFAULT '[]',
    status          TEXT         NOT NULL,
    result          TEXT         NOT NULL DEFAULT '',
    qa_comments     TEXT         NOT NULL DEFAULT '',
    ser             DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL,
    verified_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_verification_jobs_speaker
    ON verification_jobs (speaker_id, created_at);
`

// Store is the PostgreSQL-backed job store.
type Store struct {
	pool *pgxpool.Pool
}

// New runs the schema migration and returns a Store sharing the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("verification store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Create implements [verification.Store.Create].
func (s *Store) Create(ctx context.Context, j verification.Job) error {
	applied, err := json.Marshal(j.Applied)
	if err != nil {
		return fmt.Errorf("verification store: marshal applied: %w", err)
	}

	const q = `
		INSERT INTO verification_jobs
		    (id, speaker_id, original_draft, corrected_draft, applied,
		     status, result, qa_comments, ser, created_at, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	if _, err := s.pool.Exec(ctx, q,
		j.ID, j.SpeakerID, j.OriginalDraft, j.CorrectedDraft, applied,
		j.Status, j.Result, j.QAComments, j.SER, j.CreatedAt, j.VerifiedAt); err != nil {
		return fmt.Errorf("verification store: create: %w", err)
	}
	return nil
}

// Get implements [verification.Store.Get].
func (s *Store) Get(ctx context.Context, id string) (verification.Job, error) {
	rows, err := s.pool.Query(ctx, selectJobs+` WHERE id = $1`, id)
	if err != nil {
		return verification.Job{}, fmt.Errorf("verification store: get: %w", err)
	}

	j, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return verification.Job{}, verification.ErrJobNotFound
	}
	if err != nil {
		return verification.Job{}, fmt.Errorf("verification store: scan: %w", err)
	}
	return j, nil
}

// Close implements [verification.Store.Close].
func (s *Store) Close(ctx context.Context, id string, result verification.Result, comments string, serScore float64, at time.Time) (verification.Job, error) {
	const q = `
		UPDATE verification_jobs
		SET    status = $2, result = $3, qa_comments = $4, ser = $5,
		       verified_at = $6
		WHERE  id = $1 AND status = $7`

	tag, err := s.pool.Exec(ctx, q,
		id, verification.StatusVerified, result, comments, serScore, at,
		verification.StatusPending)
	if err != nil {
		return verification.Job{}, fmt.Errorf("verification store: close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already closed; Get disambiguates.
		if _, err := s.Get(ctx, id); err != nil {
			return verification.Job{}, err
		}
		return verification.Job{}, verification.ErrJobClosed
	}
	return s.Get(ctx, id)
}

// BySpeaker implements [verification.Store.BySpeaker]; oldest first.
func (s *Store) BySpeaker(ctx context.Context, speakerID string) ([]verification.Job, error) {
	rows, err := s.pool.Query(ctx, selectJobs+` WHERE speaker_id = $1 ORDER BY created_at`, speakerID)
	if err != nil {
		return nil, fmt.Errorf("verification store: by speaker: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("verification store: scan rows: %w", err)
	}
	return jobs, nil
}

const selectJobs = `
	SELECT id, speaker_id, original_draft, corrected_draft, applied,
	       status, result, qa_comments, ser, created_at, verified_at
	FROM   verification_jobs`

func scanJob(row pgx.CollectableRow) (verification.Job, error) {
	var (
		j       verification.Job
		applied []byte
	)
	if err := row.Scan(
		&j.ID, &j.SpeakerID, &j.OriginalDraft, &j.CorrectedDraft, &applied,
		&j.Status, &j.Result, &j.QAComments, &j.SER, &j.CreatedAt, &j.VerifiedAt,
	); err != nil {
		return verification.Job{}, err
	}
	if len(applied) > 0 {
		var corrections []corrector.Applied
		if err := json.Unmarshal(applied, &corrections); err != nil {
			return verification.Job{}, err
		}
		j.Applied = corrections
	}
	return j, nil
}
