package recon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/donorhub/reconcile/internal/idgen"
	"github.com/donorhub/reconcile/internal/metrics"
	"github.com/donorhub/reconcile/internal/traces"
)

// EventSink receives run lifecycle events. Implemented by the realtime hub;
// a nil sink disables event emission.
type EventSink interface {
	RunEvent(event string, run *Run)
}

// Run lifecycle event names emitted to the EventSink.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
)

// Service orchestrates reconciliation runs: it wires tolerance configuration
// and transaction inputs to the matcher, and persists results via the store.
type Service struct {
	store    Store
	queue    *Queue
	events   EventSink
	logger   *slog.Logger
	defaults ToleranceConfig
}

// NewService creates a new reconciliation orchestrator.
func NewService(store Store, defaults ToleranceConfig, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		defaults: defaults,
		logger:   logger,
	}
}

// AttachQueue wires the queued-mode job queue. Without one, queued triggers
// are rejected with ErrQueueStopped.
func (s *Service) AttachQueue(q *Queue) { s.queue = q }

// AttachEvents wires a run lifecycle event sink.
func (s *Service) AttachEvents(sink EventSink) { s.events = sink }

// TriggerInput carries everything needed to start one reconciliation run.
type TriggerInput struct {
	AppTxns     []Transaction
	GatewayTxns []Transaction
	Tolerance   *ToleranceConfig // nil for service defaults
	Mode        Mode
	ActorID     string
	County      string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// TriggerResult is the outcome of a trigger call. Sync and dry-run carry the
// run; queued carries only the job acknowledgment (the run does not exist
// until the job executes).
type TriggerResult struct {
	Run    *Run   `json:"run,omitempty"`
	JobID  string `json:"jobId,omitempty"`
	Queued bool   `json:"queued"`
}

// Trigger executes a reconciliation run in the requested mode.
//
// Sync runs inline and persists the run and items in one durable write.
// DryRun executes the identical path inside a transaction boundary that is
// always rolled back; the returned run carries Persisted=false. Queued
// enqueues a deferred job and returns immediately with an acknowledgment.
func (s *Service) Trigger(ctx context.Context, in TriggerInput) (*TriggerResult, error) {
	if !ValidMode(in.Mode) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, in.Mode)
	}

	ctx, span := traces.StartSpan(ctx, "recon.Trigger", traces.Mode(string(in.Mode)))
	defer span.End()

	switch in.Mode {
	case ModeSync:
		run, err := s.runOnce(ctx, in, s.store, true)
		if err != nil {
			metrics.RunsTotal.WithLabelValues(string(ModeSync), string(RunFailed)).Inc()
			return nil, err
		}
		metrics.RunsTotal.WithLabelValues(string(ModeSync), string(run.Status)).Inc()
		return &TriggerResult{Run: run}, nil

	case ModeDryRun:
		var run *Run
		err := s.store.InRollback(ctx, func(scratch Store) error {
			var innerErr error
			// Dry runs stay silent on the event stream: nothing they
			// announce would survive the rollback.
			run, innerErr = s.runOnce(ctx, in, scratch, false)
			return innerErr
		})
		if err != nil {
			metrics.RunsTotal.WithLabelValues(string(ModeDryRun), string(RunFailed)).Inc()
			return nil, err
		}
		// Everything the run wrote has been rolled back; the object only
		// previews what a sync run would have committed.
		run.Persisted = false
		metrics.RunsTotal.WithLabelValues(string(ModeDryRun), string(run.Status)).Inc()
		return &TriggerResult{Run: run}, nil

	case ModeQueued:
		if s.queue == nil {
			return nil, ErrQueueStopped
		}
		job, err := s.queue.Enqueue(in)
		if err != nil {
			return nil, err
		}
		s.logger.Info("reconciliation run queued",
			"job_id", job.ID,
			"app_txns", len(in.AppTxns),
			"gateway_txns", len(in.GatewayTxns),
		)
		return &TriggerResult{JobID: job.ID, Queued: true}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidMode, in.Mode)
}

// runOnce executes the full sync path against the given store: validate,
// match, summarize, persist atomically. Validation and matching errors
// surface to the caller with nothing persisted.
func (s *Service) runOnce(ctx context.Context, in TriggerInput, st Store, announce bool) (*Run, error) {
	if err := ValidateTransactions(in.AppTxns, SourceApp); err != nil {
		return nil, err
	}
	if err := ValidateTransactions(in.GatewayTxns, SourceGateway); err != nil {
		return nil, err
	}

	run, err := s.newRun(ctx, in, st)
	if err != nil {
		return nil, err
	}
	if announce {
		s.emit(EventRunStarted, run)
	}

	decisions, err := s.match(ctx, in)
	if err != nil {
		if announce {
			s.emit(EventRunFailed, run)
		}
		return nil, err
	}

	s.finish(run, decisions)
	if err := st.CreateRun(ctx, run, run.Items); err != nil {
		if announce {
			s.emit(EventRunFailed, run)
		}
		return nil, fmt.Errorf("persist run: %w", err)
	}

	if announce {
		s.observe(run)
		s.emit(EventRunCompleted, run)
	}
	s.logger.Info("reconciliation run completed",
		"run_id", run.ID,
		"run_number", run.RunNumber,
		"matched", run.TotalMatched,
		"mismatched", run.TotalAmountMismatch,
		"unmatched_app", run.TotalUnmatchedApp,
		"unmatched_gateway", run.TotalUnmatchedGateway,
		"discrepancy", run.TotalDiscrepancy,
	)
	return run, nil
}

// runQueued executes a deferred job. Unlike the sync path, the run row is
// created pending before anything else can fail, validation included, so
// every failure stays observable via listing/stats: the caller already
// received its acknowledgment and cannot retry synchronously.
func (s *Service) runQueued(ctx context.Context, in TriggerInput) (*Run, error) {
	ctx, span := traces.StartSpan(ctx, "recon.runQueued")
	defer span.End()

	run, err := s.newRun(ctx, in, s.store)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRun(ctx, run, nil); err != nil {
		return nil, fmt.Errorf("persist pending run: %w", err)
	}
	s.emit(EventRunStarted, run)

	if err := ValidateTransactions(in.AppTxns, SourceApp); err != nil {
		s.failRun(ctx, run)
		metrics.RunsTotal.WithLabelValues(string(ModeQueued), string(RunFailed)).Inc()
		return run, err
	}
	if err := ValidateTransactions(in.GatewayTxns, SourceGateway); err != nil {
		s.failRun(ctx, run)
		metrics.RunsTotal.WithLabelValues(string(ModeQueued), string(RunFailed)).Inc()
		return run, err
	}

	decisions, err := s.match(ctx, in)
	if err != nil {
		s.failRun(ctx, run)
		metrics.RunsTotal.WithLabelValues(string(ModeQueued), string(RunFailed)).Inc()
		return run, err
	}

	s.finish(run, decisions)
	if err := s.store.FinalizeRun(ctx, run, run.Items); err != nil {
		s.failRun(ctx, run)
		metrics.RunsTotal.WithLabelValues(string(ModeQueued), string(RunFailed)).Inc()
		return run, fmt.Errorf("persist run: %w", err)
	}

	s.observe(run)
	metrics.RunsTotal.WithLabelValues(string(ModeQueued), string(RunSuccess)).Inc()
	s.emit(EventRunCompleted, run)
	s.logger.Info("queued reconciliation run completed",
		"run_id", run.ID,
		"run_number", run.RunNumber,
		"matched", run.TotalMatched,
		"discrepancy", run.TotalDiscrepancy,
	)
	return run, nil
}

// newRun builds a pending run with a reserved run number.
func (s *Service) newRun(ctx context.Context, in TriggerInput, st Store) (*Run, error) {
	number, err := st.NextRunNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve run number: %w", err)
	}
	now := time.Now().UTC()
	return &Run{
		ID:          idgen.WithPrefix("run_"),
		RunNumber:   number,
		Status:      RunPending,
		County:      in.County,
		PeriodStart: in.PeriodStart,
		PeriodEnd:   in.PeriodEnd,
		StartedAt:   now,
		CreatedBy:   in.ActorID,
		Persisted:   true,
		Tolerance:   s.tolerance(in),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// match runs the three-pass matcher, converting a panic inside the algorithm
// into ErrMatchingFailed. The matcher is deterministic, so such a failure is
// never retried automatically.
func (s *Service) match(ctx context.Context, in TriggerInput) (decisions []ItemDecision, err error) {
	_, span := traces.StartSpan(ctx, "recon.Match",
		traces.ItemCount(len(in.AppTxns)+len(in.GatewayTxns)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in matcher", "panic", fmt.Sprint(r))
			decisions, err = nil, fmt.Errorf("%w: %v", ErrMatchingFailed, r)
		}
	}()

	start := time.Now()
	decisions = Match(in.AppTxns, in.GatewayTxns, s.tolerance(in))
	metrics.MatchDuration.Observe(time.Since(start).Seconds())
	return decisions, nil
}

// finish converts decisions into items and stamps the run success.
func (s *Service) finish(run *Run, decisions []ItemDecision) {
	now := time.Now().UTC()
	items := make([]*Item, len(decisions))
	for i, d := range decisions {
		items[i] = &Item{
			ID:                  idgen.WithPrefix("itm_"),
			RunID:               run.ID,
			TransactionID:       d.TransactionID,
			Reference:           d.Reference,
			Amount:              d.Amount,
			Source:              d.Source,
			Date:                d.Date,
			Status:              d.Status,
			LinkedTransactionID: d.LinkedTransactionID,
			CreatedAt:           now,
		}
	}
	run.RunAggregates = Summarize(decisions)
	run.Items = items
	run.Status = RunSuccess
	run.CompletedAt = &now
	run.UpdatedAt = now
}

// failRun marks a previously created run failed, best-effort.
func (s *Service) failRun(ctx context.Context, run *Run) {
	now := time.Now().UTC()
	run.Status = RunFailed
	run.CompletedAt = &now
	run.UpdatedAt = now
	run.Items = nil
	if err := s.store.FinalizeRun(ctx, run, nil); err != nil {
		s.logger.Error("failed to mark run failed", "run_id", run.ID, "error", err)
	}
	s.emit(EventRunFailed, run)
}

// GetRun returns a run with its items.
func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns non-deleted runs newest-first.
func (s *Service) ListRuns(ctx context.Context, f RunFilter) ([]*Run, string, error) {
	f.Normalize()
	return s.store.ListRuns(ctx, f)
}

// DeleteRun soft-deletes a run and its items.
func (s *Service) DeleteRun(ctx context.Context, id string) error {
	return s.store.DeleteRun(ctx, id)
}

// Stats aggregates totals across all non-deleted runs in the period.
func (s *Service) Stats(ctx context.Context, from, to *time.Time) (*StatsReport, error) {
	return s.store.Stats(ctx, from, to)
}

// ExportCSV streams a run's items as CSV to w. Returns the row count.
func (s *Service) ExportCSV(ctx context.Context, runID string, status ItemStatus, w io.Writer) (int, error) {
	return ExportRun(ctx, s.store, runID, status, w)
}

// Job returns a queued job's status, or ErrJobNotFound.
func (s *Service) Job(id string) (*Job, error) {
	if s.queue == nil {
		return nil, ErrJobNotFound
	}
	return s.queue.Job(id)
}

func (s *Service) tolerance(in TriggerInput) ToleranceConfig {
	if in.Tolerance != nil {
		return *in.Tolerance
	}
	return s.defaults
}

func (s *Service) observe(run *Run) {
	for _, it := range run.Items {
		metrics.ItemsClassifiedTotal.WithLabelValues(string(it.Status)).Inc()
	}
}

func (s *Service) emit(event string, run *Run) {
	if s.events != nil {
		s.events.RunEvent(event, run)
	}
}
