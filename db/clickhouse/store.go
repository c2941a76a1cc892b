// Package clickhouse stores cost suggestion apply audits in ClickHouse.
// One row per applied item, keyed by the apply batch.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quote-cpq/decision/costmatch"
)

// AuditRow is one item of an applied batch
type AuditRow struct {
	BatchID       uuid.UUID       `ch:"batch_id"`
	QuoteID       string          `ch:"quote_id"`
	VersionID     string          `ch:"version_id"`
	ItemID        string          `ch:"item_id"`
	PreviousCost  decimal.Decimal `ch:"previous_cost"`
	NewCost       decimal.Decimal `ch:"new_cost"`
	Specification string          `ch:"specification"`
	Unit          string          `ch:"unit"`
	LeadTimeDays  int32           `ch:"lead_time_days"`
	CostCategory  string          `ch:"cost_category"`
	Edited        bool            `ch:"edited"`
	TotalPrice    decimal.Decimal `ch:"total_price"`
	TotalCost     decimal.Decimal `ch:"total_cost"`
	GrossMargin   decimal.Decimal `ch:"gross_margin"`
	AppliedAt     time.Time       `ch:"applied_at"`
}

const createAuditTable = `
	CREATE TABLE IF NOT EXISTS cost_apply_audit (
		batch_id       UUID,
		quote_id       String,
		version_id     String,
		item_id        String,
		previous_cost  Decimal(18, 4),
		new_cost       Decimal(18, 4),
		specification  String,
		unit           String,
		lead_time_days Int32,
		cost_category  String,
		edited         UInt8,
		total_price    Decimal(18, 4),
		total_cost     Decimal(18, 4),
		gross_margin   Decimal(18, 4),
		applied_at     DateTime64(3)
	) ENGINE = MergeTree()
	ORDER BY (quote_id, version_id, applied_at, item_id)
`

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default development configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "quotecpq",
		Username: "default",
	}
}

// Store implements costmatch.AuditSink using ClickHouse
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

var _ costmatch.AuditSink = (*Store)(nil)

// NewStore opens a connection. Nothing is sent until the first call.
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the audit table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createAuditTable); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// RecordApply inserts every line of the batch in one block.
func (s *Store) RecordApply(ctx context.Context, audit costmatch.ApplyAudit) error {
	rows := Rows(audit)
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO cost_apply_audit (
			batch_id, quote_id, version_id, item_id, previous_cost, new_cost,
			specification, unit, lead_time_days, cost_category, edited,
			total_price, total_cost, gross_margin, applied_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(
			row.BatchID, row.QuoteID, row.VersionID, row.ItemID,
			row.PreviousCost, row.NewCost,
			row.Specification, row.Unit, row.LeadTimeDays, row.CostCategory,
			boolToUInt8(row.Edited),
			row.TotalPrice, row.TotalCost, row.GrossMargin, row.AppliedAt,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// ListBatch returns the rows of one apply, in item order.
func (s *Store) ListBatch(ctx context.Context, batchID uuid.UUID) ([]AuditRow, error) {
	query := `
		SELECT batch_id, quote_id, version_id, item_id, previous_cost, new_cost,
			   specification, unit, lead_time_days, cost_category, edited,
			   total_price, total_cost, gross_margin, applied_at
		FROM cost_apply_audit
		WHERE batch_id = ?
		ORDER BY item_id
	`
	rows, err := s.conn.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit batch: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var edited uint8
		if err := rows.Scan(
			&row.BatchID, &row.QuoteID, &row.VersionID, &row.ItemID,
			&row.PreviousCost, &row.NewCost,
			&row.Specification, &row.Unit, &row.LeadTimeDays, &row.CostCategory, &edited,
			&row.TotalPrice, &row.TotalCost, &row.GrossMargin, &row.AppliedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		row.Edited = edited == 1
		out = append(out, row)
	}
	return out, rows.Err()
}

// Rows flattens an audit into table rows. Batch totals repeat on every row.
func Rows(audit costmatch.ApplyAudit) []AuditRow {
	rows := make([]AuditRow, 0, len(audit.Lines))
	for _, l := range audit.Lines {
		rows = append(rows, AuditRow{
			BatchID:       audit.BatchID,
			QuoteID:       audit.QuoteID,
			VersionID:     audit.VersionID,
			ItemID:        l.ItemID,
			PreviousCost:  l.PreviousCost,
			NewCost:       l.NewCost,
			Specification: l.Specification,
			Unit:          l.Unit,
			LeadTimeDays:  int32(l.LeadTimeDays),
			CostCategory:  l.CostCategory,
			Edited:        l.Edited,
			TotalPrice:    audit.Totals.TotalPrice,
			TotalCost:     audit.Totals.TotalCost,
			GrossMargin:   audit.Totals.GrossMargin,
			AppliedAt:     audit.AppliedAt.UTC(),
		})
	}
	return rows
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
