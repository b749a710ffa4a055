// Package postgres provides the PostgreSQL/pgvector-backed implementation of
// [vectorstore.Store].
//
// Patterns live in a single table with an HNSW index over the embedding
// column for fast approximate nearest-neighbour search. The pgvector
// extension must be available in the target database; [Migrate] installs it
// via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/echofix/echofix/pkg/vectorstore"
)

// Compile-time interface check.
var _ vectorstore.Store = (*Store)(nil)

// Store is the pgvector-backed pattern store. All methods are safe for
// concurrent use; the pool handles connection lifecycle.
type Store struct {
	pool   *pgxpool.Pool
	dims   int
	maxTop int
}

// Option configures a [Store].
type Option func(*Store)

// WithMaxTopK caps the topK a single Search may request. Default: 50.
func WithMaxTopK(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTop = n
		}
	}
}

// New connects to the PostgreSQL database at dsn, registers pgvector types on
// every connection, and runs [Migrate] to ensure the schema exists.
//
// dims must match the output width of the configured embedding provider
// (1536 for the default schema). Changing it after the first migration
// requires a manual schema change.
func New(ctx context.Context, dsn string, dims int, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pattern store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pattern store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pattern store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pattern store: migrate: %w", err)
	}

	s := &Store{pool: pool, dims: dims, maxTop: 50}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes the database connection. Used by the readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying connection pool so sibling stores can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Upsert implements [vectorstore.Store.Upsert].
func (s *Store) Upsert(ctx context.Context, p vectorstore.Pattern) error {
	if s.dims > 0 && len(p.Embedding) != s.dims {
		return vectorstore.ErrDimensionMismatch
	}

	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("pattern store: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO patterns
		    (id, error_text, corrected_text, embedding, embedding_model,
		     weight, active, speaker_id, metadata, created_at, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    error_text      = EXCLUDED.error_text,
		    corrected_text  = EXCLUDED.corrected_text,
		    embedding       = EXCLUDED.embedding,
		    embedding_model = EXCLUDED.embedding_model,
		    weight          = EXCLUDED.weight,
		    active          = EXCLUDED.active,
		    speaker_id      = EXCLUDED.speaker_id,
		    metadata        = EXCLUDED.metadata,
		    verified_at     = EXCLUDED.verified_at`

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, q,
		p.ID,
		p.ErrorText,
		p.CorrectedText,
		pgvector.NewVector(p.Embedding),
		p.EmbeddingModel,
		p.Weight,
		p.Active,
		p.Metadata.SpeakerID,
		meta,
		createdAt,
		p.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("pattern store: upsert: %w", wrapUnavailable(err))
	}
	return nil
}

// Get implements [vectorstore.Store.Get].
func (s *Store) Get(ctx context.Context, id string) (vectorstore.Pattern, error) {
	const q = `
		SELECT id, error_text, corrected_text, embedding, embedding_model,
		       weight, active, metadata, created_at, verified_at
		FROM   patterns
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return vectorstore.Pattern{}, fmt.Errorf("pattern store: get: %w", wrapUnavailable(err))
	}

	p, err := pgx.CollectOneRow(rows, scanPattern)
	if errors.Is(err, pgx.ErrNoRows) {
		return vectorstore.Pattern{}, vectorstore.ErrNotFound
	}
	if err != nil {
		return vectorstore.Pattern{}, fmt.Errorf("pattern store: scan: %w", err)
	}
	return p, nil
}

// Search implements [vectorstore.Store.Search]. The cosine distance operator
// (<=>) drives the HNSW index; similarity is reported as 1 - distance.
func (s *Store) Search(ctx context.Context, query []float32, filter vectorstore.Filter, topK int) ([]vectorstore.Match, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if s.dims > 0 && len(query) != s.dims {
		return nil, vectorstore.ErrDimensionMismatch
	}
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	if topK > s.maxTop {
		topK = s.maxTop
	}

	args := []any{pgvector.NewVector(query)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"active", "weight > 0"}
	if filter.SpeakerID != "" {
		conditions = append(conditions, "speaker_id = "+next(filter.SpeakerID))
	}
	if filter.ClientID != "" {
		conditions = append(conditions, "metadata->>'client_id' = "+next(filter.ClientID))
	}
	if filter.BucketType != "" {
		conditions = append(conditions, "metadata->>'bucket_type' = "+next(filter.BucketType))
	}
	if filter.AudioQuality != "" {
		conditions = append(conditions, "metadata->>'audio_quality' = "+next(filter.AudioQuality))
	}
	if filter.RequiresSpecializedKnowledge != nil {
		conditions = append(conditions,
			"COALESCE((metadata->>'requires_specialized_knowledge')::bool, false) = "+next(*filter.RequiresSpecializedKnowledge))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.Before))
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, error_text, corrected_text, embedding, embedding_model,
		       weight, active, metadata, created_at, verified_at,
		       1 - (embedding <=> $1) AS similarity
		FROM   patterns
		WHERE  %s
		ORDER  BY similarity DESC, created_at DESC
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pattern store: search: %w", wrapUnavailable(err))
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Match, error) {
		var (
			m    vectorstore.Match
			vec  pgvector.Vector
			meta []byte
		)
		if err := row.Scan(
			&m.Pattern.ID,
			&m.Pattern.ErrorText,
			&m.Pattern.CorrectedText,
			&vec,
			&m.Pattern.EmbeddingModel,
			&m.Pattern.Weight,
			&m.Pattern.Active,
			&meta,
			&m.Pattern.CreatedAt,
			&m.Pattern.VerifiedAt,
			&m.Similarity,
		); err != nil {
			return vectorstore.Match{}, err
		}
		m.Pattern.Embedding = vec.Slice()
		if err := json.Unmarshal(meta, &m.Pattern.Metadata); err != nil {
			return vectorstore.Match{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pattern store: scan rows: %w", err)
	}
	if matches == nil {
		matches = []vectorstore.Match{}
	}
	return matches, nil
}

// UpdateWeight implements [vectorstore.Store.UpdateWeight]. The clamp happens
// inside a single UPDATE statement, so concurrent adjustments to the same
// pattern serialize on the row lock and no update is lost.
func (s *Store) UpdateWeight(ctx context.Context, id string, delta float64) (float64, error) {
	const q = `
		UPDATE patterns
		SET    weight = LEAST(1.0, GREATEST(0.0, weight + $2))
		WHERE  id = $1
		RETURNING weight`

	var weight float64
	err := s.pool.QueryRow(ctx, q, id, delta).Scan(&weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, vectorstore.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("pattern store: update weight: %w", wrapUnavailable(err))
	}
	return weight, nil
}

// MarkVerified implements [vectorstore.Store.MarkVerified].
func (s *Store) MarkVerified(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE patterns
		SET    verified_at = $2
		WHERE  id = $1 AND verified_at IS NULL`

	if _, err := s.pool.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("pattern store: mark verified: %w", wrapUnavailable(err))
	}
	return nil
}

// Delete implements [vectorstore.Store.Delete] (soft delete).
func (s *Store) Delete(ctx context.Context, id string) error {
	const q = `UPDATE patterns SET active = false WHERE id = $1`

	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("pattern store: delete: %w", wrapUnavailable(err))
	}
	return nil
}

// scanPattern scans one full pattern row (no similarity column).
func scanPattern(row pgx.CollectableRow) (vectorstore.Pattern, error) {
	var (
		p    vectorstore.Pattern
		vec  pgvector.Vector
		meta []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.ErrorText,
		&p.CorrectedText,
		&vec,
		&p.EmbeddingModel,
		&p.Weight,
		&p.Active,
		&meta,
		&p.CreatedAt,
		&p.VerifiedAt,
	); err != nil {
		return vectorstore.Pattern{}, err
	}
	p.Embedding = vec.Slice()
	if err := json.Unmarshal(meta, &p.Metadata); err != nil {
		return vectorstore.Pattern{}, err
	}
	return p, nil
}

// wrapUnavailable tags connection-level failures and timeouts with
// [vectorstore.ErrUnavailable] so callers can select the degraded path.
// Caller cancellation passes through untouched.
func wrapUnavailable(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", vectorstore.ErrUnavailable, err)
}
