package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPatterns = `
CREATE TABLE IF NOT EXISTS patterns (
    id              TEXT         PRIMARY KEY,
    error_text      TEXT         NOT NULL,
    corrected_text  TEXT         NOT NULL,
    embedding       VECTOR(%d)   NOT NULL,
    embedding_model TEXT         NOT NULL DEFAULT '',
    weight          DOUBLE PRECISION NOT NULL DEFAULT 1.0
        CHECK (weight >= 0.0 AND weight <= 1.0),
    active          BOOLEAN      NOT NULL DEFAULT true,
    speaker_id      TEXT         NOT NULL DEFAULT '',
    metadata        JSONB        NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    verified_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_patterns_speaker_id
    ON patterns (speaker_id);

CREATE INDEX IF NOT EXISTS idx_patterns_created_at
    ON patterns (created_at);

CREATE INDEX IF NOT EXISTS idx_patterns_embedding_hnsw
    ON patterns USING hnsw (embedding vector_cosine_ops);
`

// Migrate installs the pgvector extension and creates the patterns table and
// its indexes. Idempotent; safe to run on every startup.
//
// dims is baked into the VECTOR column width. Changing it for an existing
// table requires a manual migration (re-embedding all stored patterns).
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("migrate: embedding dimensions must be positive, got %d", dims)
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("migrate: create extension: %w", err)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlPatterns, dims)); err != nil {
		return fmt.Errorf("migrate: patterns ddl: %w", err)
	}
	return nil
}
