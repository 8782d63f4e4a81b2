package recon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/donorhub/reconcile/internal/idgen"
	"github.com/donorhub/reconcile/internal/pagination"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. When tx is set, all
// statements run inside that transaction (dry-run rollback boundary) instead
// of opening their own.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore creates a new PostgreSQL-backed run store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) q() querier {
	if p.tx != nil {
		return p.tx
	}
	return p.db
}

// Migrate creates the reconciliation tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE SEQUENCE IF NOT EXISTS reconciliation_run_number_seq;

		CREATE TABLE IF NOT EXISTS reconciliation_runs (
			id                      VARCHAR(40) PRIMARY KEY,
			run_number              VARCHAR(24) NOT NULL UNIQUE,
			status                  VARCHAR(10) NOT NULL DEFAULT 'pending',
			county                  VARCHAR(120),
			period_start            TIMESTAMPTZ,
			period_end              TIMESTAMPTZ,
			started_at              TIMESTAMPTZ NOT NULL,
			completed_at            TIMESTAMPTZ,
			created_by              VARCHAR(120),
			total_matched           INTEGER NOT NULL DEFAULT 0,
			total_unmatched_app     INTEGER NOT NULL DEFAULT 0,
			total_unmatched_gateway INTEGER NOT NULL DEFAULT 0,
			total_amount_mismatch   INTEGER NOT NULL DEFAULT 0,
			total_app_amount        NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_gateway_amount    NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_discrepancy       NUMERIC(20,6) NOT NULL DEFAULT 0,
			tolerance               JSONB NOT NULL DEFAULT '{}',
			created_at              TIMESTAMPTZ DEFAULT NOW(),
			updated_at              TIMESTAMPTZ DEFAULT NOW(),
			deleted_at              TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_recon_runs_started ON reconciliation_runs(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_recon_runs_status ON reconciliation_runs(status);
		CREATE INDEX IF NOT EXISTS idx_recon_runs_county ON reconciliation_runs(county);

		CREATE TABLE IF NOT EXISTS reconciliation_items (
			id                    VARCHAR(40) PRIMARY KEY,
			run_id                VARCHAR(40) NOT NULL REFERENCES reconciliation_runs(id) ON DELETE CASCADE,
			transaction_id        VARCHAR(120) NOT NULL,
			reference             VARCHAR(255) NOT NULL,
			amount                NUMERIC(20,6) NOT NULL,
			source                VARCHAR(10) NOT NULL,
			txn_date              TIMESTAMPTZ,
			status                VARCHAR(20) NOT NULL,
			linked_transaction_id VARCHAR(120),
			seq                   BIGSERIAL,
			created_at            TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_recon_items_run ON reconciliation_items(run_id, seq);
		CREATE INDEX IF NOT EXISTS idx_recon_items_status ON reconciliation_items(run_id, status);
	`)
	return err
}

func (p *PostgresStore) NextRunNumber(ctx context.Context) (string, error) {
	var seq int64
	// Sequences advance outside transaction rollback on purpose: a dry run
	// consumes a number the same way an aborted sync run would.
	if err := p.q().QueryRowContext(ctx, `SELECT nextval('reconciliation_run_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next run number: %w", err)
	}
	return idgen.RunNumber(time.Now().UTC().Year(), seq), nil
}

// CreateRun inserts a run and its items in a single transaction.
func (p *PostgresStore) CreateRun(ctx context.Context, run *Run, items []*Item) error {
	return p.withinTx(ctx, func(tx querier) error {
		if err := insertRun(ctx, tx, run); err != nil {
			return err
		}
		return insertItems(ctx, tx, items)
	})
}

// FinalizeRun updates a pending run to its terminal state and inserts its
// items in a single transaction.
func (p *PostgresStore) FinalizeRun(ctx context.Context, run *Run, items []*Item) error {
	return p.withinTx(ctx, func(tx querier) error {
		tolerance, err := json.Marshal(run.Tolerance)
		if err != nil {
			return fmt.Errorf("marshal tolerance: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE reconciliation_runs SET
				status                  = $2,
				completed_at            = $3,
				total_matched           = $4,
				total_unmatched_app     = $5,
				total_unmatched_gateway = $6,
				total_amount_mismatch   = $7,
				total_app_amount        = $8,
				total_gateway_amount    = $9,
				total_discrepancy       = $10,
				tolerance               = $11,
				updated_at              = NOW()
			WHERE id = $1 AND deleted_at IS NULL
		`,
			run.ID, string(run.Status), nullTime(run.CompletedAt),
			run.TotalMatched, run.TotalUnmatchedApp, run.TotalUnmatchedGateway,
			run.TotalAmountMismatch, run.TotalAppAmount, run.TotalGatewayAmount,
			run.TotalDiscrepancy, tolerance,
		)
		if err != nil {
			return fmt.Errorf("finalize run: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			return ErrRunNotFound
		}
		return insertItems(ctx, tx, items)
	})
}

func (p *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := p.q().QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM reconciliation_runs
		WHERE id = $1 AND deleted_at IS NULL
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if err := p.StreamItems(ctx, id, "", func(it *Item) error {
		run.Items = append(run.Items, it)
		return nil
	}); err != nil {
		return nil, err
	}
	return run, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context, f RunFilter) ([]*Run, string, error) {
	f.Normalize()
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, "", err
	}

	where := []string{"deleted_at IS NULL"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.County != "" {
		where = append(where, "county = "+arg(f.County))
	}
	if f.From != nil {
		where = append(where, "started_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "started_at <= "+arg(*f.To))
	}
	if cursor != nil {
		where = append(where, "(started_at, id) < ("+arg(cursor.StartedAt)+", "+arg(cursor.ID)+")")
	}

	query := `
		SELECT ` + runColumns + `
		FROM reconciliation_runs
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY started_at DESC, id DESC
		LIMIT ` + arg(f.Limit+1)

	rows, err := p.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(runs, f.Limit, func(r *Run) (time.Time, string) {
		return r.StartedAt, r.ID
	})
	return page, next, nil
}

func (p *PostgresStore) DeleteRun(ctx context.Context, id string) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE reconciliation_runs
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (p *PostgresStore) Stats(ctx context.Context, from, to *time.Time) (*StatsReport, error) {
	where := []string{"deleted_at IS NULL"}
	args := []interface{}{}
	if from != nil {
		args = append(args, *from)
		where = append(where, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, *to)
		where = append(where, fmt.Sprintf("started_at <= $%d", len(args)))
	}

	rows, err := p.q().QueryContext(ctx, `
		SELECT status, COUNT(*),
			COALESCE(SUM(total_matched), 0),
			COALESCE(SUM(total_unmatched_app), 0),
			COALESCE(SUM(total_unmatched_gateway), 0),
			COALESCE(SUM(total_amount_mismatch), 0),
			COALESCE(SUM(total_discrepancy), 0)
		FROM reconciliation_runs
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY status
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	report := &StatsReport{RunsByStatus: make(map[RunStatus]int)}
	for rows.Next() {
		var status string
		var count, matched, unApp, unGw, mismatch int
		var discrepancy decimal.NullDecimal
		if err := rows.Scan(&status, &count, &matched, &unApp, &unGw, &mismatch, &discrepancy); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		report.TotalRuns += count
		report.RunsByStatus[RunStatus(status)] = count
		report.TotalMatched += matched
		report.TotalUnmatchedApp += unApp
		report.TotalUnmatchedGateway += unGw
		report.TotalAmountMismatch += mismatch
		if discrepancy.Valid {
			report.TotalDiscrepancy = report.TotalDiscrepancy.Add(discrepancy.Decimal)
		}
	}
	return report, rows.Err()
}

// StreamItems walks a run's items in insertion order, invoking fn per row as
// it is scanned. Nothing is materialized beyond the row under the cursor.
func (p *PostgresStore) StreamItems(ctx context.Context, runID string, status ItemStatus, fn func(*Item) error) error {
	var exists bool
	err := p.q().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM reconciliation_runs WHERE id = $1 AND deleted_at IS NULL)
	`, runID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return ErrRunNotFound
	}

	query := `
		SELECT id, run_id, transaction_id, reference, amount, source,
			txn_date, status, linked_transaction_id, created_at
		FROM reconciliation_items
		WHERE run_id = $1`
	args := []interface{}{runID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq`

	rows, err := p.q().QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("stream items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return fmt.Errorf("scan item: %w", err)
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return rows.Err()
}

// InRollback runs fn against a transaction-scoped store and unconditionally
// rolls the transaction back afterwards.
func (p *PostgresStore) InRollback(ctx context.Context, fn func(Store) error) error {
	if p.tx != nil {
		return fmt.Errorf("nested rollback boundary not supported")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(&PostgresStore{db: p.db, tx: tx})
}

// withinTx executes fn inside the ambient transaction if one exists,
// otherwise inside a fresh transaction committed on success.
func (p *PostgresStore) withinTx(ctx context.Context, fn func(querier) error) error {
	if p.tx != nil {
		return fn(p.tx)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const runColumns = `id, run_number, status, county, period_start, period_end,
	started_at, completed_at, created_by,
	total_matched, total_unmatched_app, total_unmatched_gateway, total_amount_mismatch,
	total_app_amount, total_gateway_amount, total_discrepancy,
	tolerance, created_at, updated_at`

func insertRun(ctx context.Context, tx querier, run *Run) error {
	tolerance, err := json.Marshal(run.Tolerance)
	if err != nil {
		return fmt.Errorf("marshal tolerance: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (
			id, run_number, status, county, period_start, period_end,
			started_at, completed_at, created_by,
			total_matched, total_unmatched_app, total_unmatched_gateway, total_amount_mismatch,
			total_app_amount, total_gateway_amount, total_discrepancy,
			tolerance, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16,
			$17, $18, $19)
	`,
		run.ID, run.RunNumber, string(run.Status), nullString(run.County),
		nullTime(run.PeriodStart), nullTime(run.PeriodEnd),
		run.StartedAt, nullTime(run.CompletedAt), nullString(run.CreatedBy),
		run.TotalMatched, run.TotalUnmatchedApp, run.TotalUnmatchedGateway, run.TotalAmountMismatch,
		run.TotalAppAmount, run.TotalGatewayAmount, run.TotalDiscrepancy,
		tolerance, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func insertItems(ctx context.Context, tx querier, items []*Item) error {
	for _, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reconciliation_items (
				id, run_id, transaction_id, reference, amount, source,
				txn_date, status, linked_transaction_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			it.ID, it.RunID, it.TransactionID, it.Reference, it.Amount, string(it.Source),
			nullTimeValue(it.Date), string(it.Status), nullString(it.LinkedTransactionID), it.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", it.ID, err)
		}
	}
	return nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	var status string
	var county, createdBy sql.NullString
	var periodStart, periodEnd, completedAt sql.NullTime
	var createdAt, updatedAt sql.NullTime
	var tolerance []byte

	err := row.Scan(
		&run.ID, &run.RunNumber, &status, &county, &periodStart, &periodEnd,
		&run.StartedAt, &completedAt, &createdBy,
		&run.TotalMatched, &run.TotalUnmatchedApp, &run.TotalUnmatchedGateway, &run.TotalAmountMismatch,
		&run.TotalAppAmount, &run.TotalGatewayAmount, &run.TotalDiscrepancy,
		&tolerance, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.Persisted = true
	run.County = county.String
	run.CreatedBy = createdBy.String
	if periodStart.Valid {
		t := periodStart.Time
		run.PeriodStart = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		run.PeriodEnd = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if createdAt.Valid {
		run.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		run.UpdatedAt = updatedAt.Time
	}
	if len(tolerance) > 0 {
		if err := json.Unmarshal(tolerance, &run.Tolerance); err != nil {
			return nil, fmt.Errorf("unmarshal tolerance: %w", err)
		}
	}
	return &run, nil
}

func scanItem(row scannable) (*Item, error) {
	var it Item
	var source, status string
	var txnDate, createdAt sql.NullTime
	var linked sql.NullString

	err := row.Scan(
		&it.ID, &it.RunID, &it.TransactionID, &it.Reference, &it.Amount, &source,
		&txnDate, &status, &linked, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	it.Source = Source(source)
	it.Status = ItemStatus(status)
	it.LinkedTransactionID = linked.String
	if txnDate.Valid {
		it.Date = txnDate.Time
	}
	if createdAt.Valid {
		it.CreatedAt = createdAt.Time
	}
	return &it, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
