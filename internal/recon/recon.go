// Package recon reconciles two independently produced transaction ledgers:
// internal application records ("app" side) and an external payment-gateway
// statement ("gateway" side).
//
// Flow:
//  1. Caller supplies both transaction sets plus tolerance options
//  2. The matcher classifies every transaction (three deterministic passes)
//  3. The aggregator computes run-level totals
//  4. The run and its items are persisted atomically (or rolled back for dry runs)
package recon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRunNotFound        = errors.New("reconciliation run not found")
	ErrJobNotFound        = errors.New("reconciliation job not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrMatchingFailed     = errors.New("matching failed")
	ErrInvalidMode        = errors.New("invalid execution mode")
	ErrQueueFull          = errors.New("reconciliation queue is full")
	ErrQueueStopped       = errors.New("reconciliation queue is stopped")
)

// Source identifies which ledger a transaction came from.
type Source string

const (
	SourceApp     Source = "app"
	SourceGateway Source = "gateway"
)

// ItemStatus is the classification outcome for one transaction within a run.
type ItemStatus string

const (
	StatusMatched          ItemStatus = "matched"
	StatusAmountMismatch   ItemStatus = "amount_mismatch"
	StatusUnmatchedApp     ItemStatus = "unmatched_app"
	StatusUnmatchedGateway ItemStatus = "unmatched_gateway"
)

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Mode selects how a triggered run executes.
type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeSync   Mode = "sync"
	ModeQueued Mode = "queued"
)

// ValidMode reports whether m is a known execution mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeDryRun, ModeSync, ModeQueued:
		return true
	}
	return false
}

// Transaction is an input record from either ledger. Transactions are
// supplied fresh per run and never persisted directly; only their
// classification outcome (Item) is stored.
type Transaction struct {
	TransactionID string          `json:"transactionId"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	Source        Source          `json:"source"`
}

// ToleranceConfig is the per-run slack allowed when comparing candidate pairs.
// It is part of the run's input, echoed onto the persisted run for audit.
type ToleranceConfig struct {
	AmountPercentageTolerance float64         `json:"amountPercentageTolerance"` // 0..1
	AmountAbsoluteTolerance   decimal.Decimal `json:"amountAbsoluteTolerance"`   // currency units
	DateToleranceDays         int             `json:"dateToleranceDays"`
	FuzzyMatchThreshold       float64         `json:"fuzzyMatchThreshold"` // 0..100
}

// DefaultTolerance returns the tolerance configuration used when a trigger
// request does not supply one.
func DefaultTolerance() ToleranceConfig {
	return ToleranceConfig{
		AmountPercentageTolerance: 0.01,
		AmountAbsoluteTolerance:   decimal.Zero,
		DateToleranceDays:         3,
		FuzzyMatchThreshold:       80,
	}
}

// ItemDecision is the matcher's classification of one transaction.
// Decisions are pure values; the orchestrator turns them into persisted Items.
type ItemDecision struct {
	TransactionID       string
	Reference           string
	Amount              decimal.Decimal
	Source              Source
	Date                time.Time
	Status              ItemStatus
	LinkedTransactionID string // counterpart id for matched/amount_mismatch, "" otherwise
}

// RunAggregates are the run-level totals derived from a run's items.
// They are persisted redundantly for fast listing but must always equal
// what summing the item set would produce.
type RunAggregates struct {
	TotalMatched          int             `json:"totalMatched"`
	TotalUnmatchedApp     int             `json:"totalUnmatchedApp"`
	TotalUnmatchedGateway int             `json:"totalUnmatchedGateway"`
	TotalAmountMismatch   int             `json:"totalAmountMismatch"`
	TotalAppAmount        decimal.Decimal `json:"totalAppAmount"`
	TotalGatewayAmount    decimal.Decimal `json:"totalGatewayAmount"`
	TotalDiscrepancy      decimal.Decimal `json:"totalDiscrepancy"`
}

// Run identifies one execution of the reconciliation algorithm.
type Run struct {
	ID          string     `json:"id"`
	RunNumber   string     `json:"runId"` // human-readable, e.g. "RUN-2025-001"
	Status      RunStatus  `json:"status"`
	County      string     `json:"county,omitempty"`
	PeriodStart *time.Time `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time `json:"periodEnd,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"` // opaque actor id, not authenticated here

	// Persisted is false for dry-run results: the run object reflects
	// computed-but-discarded state and does not exist in the store.
	Persisted bool `json:"persisted"`

	RunAggregates

	Tolerance ToleranceConfig `json:"tolerance"`
	Items     []*Item         `json:"items,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"-"`
}

// Item is one transaction's classification outcome, owned by exactly one run.
// A matched pair produces two items (one per source), each pointing at the
// other's transaction id.
type Item struct {
	ID                  string          `json:"id"`
	RunID               string          `json:"runId"`
	TransactionID       string          `json:"transactionId"`
	Reference           string          `json:"reference"`
	Amount              decimal.Decimal `json:"amount"`
	Source              Source          `json:"source"`
	Date                time.Time       `json:"date"`
	Status              ItemStatus      `json:"reconciliationStatus"`
	LinkedTransactionID string          `json:"linkedTransactionId,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// RunFilter narrows and paginates run listings.
type RunFilter struct {
	Status RunStatus  // "" for any
	From   *time.Time // startedAt >= From
	To     *time.Time // startedAt <= To
	County string     // "" for any
	Limit  int        // defaults to 50, capped at 200
	Cursor string     // opaque pagination cursor
}

// Normalize clamps filter limits to sane bounds.
func (f *RunFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
}

// StatsReport aggregates totals across all non-deleted runs in a period.
type StatsReport struct {
	TotalRuns             int               `json:"totalRuns"`
	RunsByStatus          map[RunStatus]int `json:"runsByStatus"`
	TotalMatched          int               `json:"totalMatched"`
	TotalUnmatchedApp     int               `json:"totalUnmatchedApp"`
	TotalUnmatchedGateway int               `json:"totalUnmatchedGateway"`
	TotalAmountMismatch   int               `json:"totalAmountMismatch"`
	TotalDiscrepancy      decimal.Decimal   `json:"totalDiscrepancy"`
}

// Store persists reconciliation runs and their items.
//
// CreateRun and FinalizeRun write the run and all items inside one database
// transaction: a partial failure must never leave a run visible with an
// incomplete item set.
type Store interface {
	// NextRunNumber reserves the next human-readable run number.
	// Like database sequences, reserved numbers are not returned on rollback.
	NextRunNumber(ctx context.Context) (string, error)

	// CreateRun inserts a new run and its items (items may be nil for a
	// pending run) atomically.
	CreateRun(ctx context.Context, run *Run, items []*Item) error

	// FinalizeRun updates a previously created run to its terminal state and
	// inserts its items (nil for a failed run) atomically.
	FinalizeRun(ctx context.Context, run *Run, items []*Item) error

	// GetRun returns a run with its items, or ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns non-deleted runs newest-first plus the next cursor
	// ("" when exhausted). Empty results are an empty slice, not an error.
	ListRuns(ctx context.Context, f RunFilter) ([]*Run, string, error)

	// DeleteRun soft-deletes a run and, by ownership, its items. Deleted
	// runs are retained for audit but excluded from list/stats/get.
	DeleteRun(ctx context.Context, id string) error

	// Stats aggregates run counts and item totals over non-deleted runs
	// whose startedAt falls in [from, to] (either bound may be nil).
	Stats(ctx context.Context, from, to *time.Time) (*StatsReport, error)

	// StreamItems invokes fn once per item of the run, in insertion order,
	// optionally filtered by status ("" for all). The item set is never
	// materialized in full; fn errors abort the stream.
	StreamItems(ctx context.Context, runID string, status ItemStatus, fn func(*Item) error) error

	// InRollback runs fn against a store whose writes are unconditionally
	// discarded afterwards. Used by dry-run mode.
	InRollback(ctx context.Context, fn func(Store) error) error
}

// ValidateTransactions rejects malformed input before matching begins:
// a transaction must carry an id, a reference, the expected source, and a
// non-negative amount.
func ValidateTransactions(txns []Transaction, want Source) error {
	for i, t := range txns {
		if strings.TrimSpace(t.TransactionID) == "" {
			return fmt.Errorf("%w: %s[%d] missing transaction id", ErrInvalidTransaction, want, i)
		}
		if strings.TrimSpace(t.Reference) == "" {
			return fmt.Errorf("%w: %s[%d] (%s) missing reference", ErrInvalidTransaction, want, i, t.TransactionID)
		}
		if t.Amount.IsNegative() {
			return fmt.Errorf("%w: %s[%d] (%s) negative amount %s", ErrInvalidTransaction, want, i, t.TransactionID, t.Amount)
		}
		if t.Source != "" && t.Source != want {
			return fmt.Errorf("%w: %s[%d] (%s) source %q does not belong in the %s set", ErrInvalidTransaction, want, i, t.TransactionID, t.Source, want)
		}
	}
	return nil
}
