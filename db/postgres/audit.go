// Package postgres stores cost suggestion apply audits in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"quote-cpq/decision/costmatch"
)

const createAuditTables = `
CREATE TABLE IF NOT EXISTS cost_apply_batches (
	batch_id     UUID PRIMARY KEY,
	quote_id     TEXT NOT NULL,
	version_id   TEXT NOT NULL,
	total_price  NUMERIC(18, 4) NOT NULL,
	total_cost   NUMERIC(18, 4) NOT NULL,
	gross_margin NUMERIC(18, 4) NOT NULL,
	applied_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS cost_apply_lines (
	batch_id       UUID NOT NULL REFERENCES cost_apply_batches (batch_id),
	item_id        TEXT NOT NULL,
	previous_cost  NUMERIC(18, 4) NOT NULL,
	new_cost       NUMERIC(18, 4) NOT NULL,
	specification  TEXT NOT NULL DEFAULT '',
	unit           TEXT NOT NULL DEFAULT '',
	lead_time_days INTEGER NOT NULL DEFAULT 0,
	cost_category  TEXT NOT NULL DEFAULT '',
	edited         BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (batch_id, item_id)
);
CREATE INDEX IF NOT EXISTS cost_apply_batches_quote_idx ON cost_apply_batches (quote_id, version_id, applied_at);
`

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// AuditStore implements costmatch.AuditSink on database/sql with the lib/pq driver.
type AuditStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ costmatch.AuditSink = (*AuditStore)(nil)

// Open connects with a lib/pq DSN and checks the connection.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*AuditStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info().Msg("postgres audit store connected")
	return &AuditStore{db: db, logger: logger}, nil
}

// NewAuditStore wraps an existing pool.
func NewAuditStore(db *sql.DB, logger zerolog.Logger) *AuditStore {
	return &AuditStore{db: db, logger: logger}
}

func (s *AuditStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the audit tables if they are missing.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createAuditTables); err != nil {
		return fmt.Errorf("failed to create audit tables: %w", err)
	}
	return nil
}

// RecordApply writes the batch header and its lines in one transaction.
// Recording the same batch twice is a no-op.
func (s *AuditStore) RecordApply(ctx context.Context, audit costmatch.ApplyAudit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cost_apply_batches (batch_id, quote_id, version_id, total_price, total_cost, gross_margin, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		audit.BatchID.String(), audit.QuoteID, audit.VersionID,
		audit.Totals.TotalPrice.String(), audit.Totals.TotalCost.String(), audit.Totals.GrossMargin.String(),
		audit.AppliedAt.UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			s.logger.Debug().Str("batch_id", audit.BatchID.String()).Msg("apply audit already recorded")
			return nil
		}
		return fmt.Errorf("failed to insert audit batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("cost_apply_lines",
		"batch_id", "item_id", "previous_cost", "new_cost",
		"specification", "unit", "lead_time_days", "cost_category", "edited",
	))
	if err != nil {
		return fmt.Errorf("failed to prepare line copy: %w", err)
	}
	for _, l := range audit.Lines {
		if _, err := stmt.ExecContext(ctx,
			audit.BatchID.String(), l.ItemID, l.PreviousCost.String(), l.NewCost.String(),
			l.Specification, l.Unit, l.LeadTimeDays, l.CostCategory, l.Edited,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy audit line %s: %w", l.ItemID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush audit lines: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close line copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit: %w", err)
	}
	s.logger.Info().
		Str("batch_id", audit.BatchID.String()).
		Str("quote_id", audit.QuoteID).
		Int("lines", len(audit.Lines)).
		Msg("apply audit recorded")
	return nil
}
