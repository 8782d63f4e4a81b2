package recon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func seedRun(t *testing.T, store Store, startedAt time.Time, status RunStatus, county string) *Run {
	t.Helper()
	ctx := context.Background()

	number, err := store.NextRunNumber(ctx)
	if err != nil {
		t.Fatalf("NextRunNumber: %v", err)
	}
	run := &Run{
		ID:        "run_" + number,
		RunNumber: number,
		Status:    status,
		County:    county,
		StartedAt: startedAt,
		Persisted: true,
		Tolerance: DefaultTolerance(),
		CreatedAt: startedAt,
		UpdatedAt: startedAt,
		RunAggregates: RunAggregates{
			TotalMatched:     2,
			TotalDiscrepancy: decimal.NewFromInt(5),
		},
	}
	items := []*Item{
		{ID: run.ID + "-i1", RunID: run.ID, TransactionID: "app-1", Reference: "INV-001",
			Amount: decimal.NewFromInt(100), Source: SourceApp, Status: StatusMatched,
			LinkedTransactionID: "gw-1", CreatedAt: startedAt},
		{ID: run.ID + "-i2", RunID: run.ID, TransactionID: "gw-1", Reference: "INV-001",
			Amount: decimal.NewFromInt(100), Source: SourceGateway, Status: StatusMatched,
			LinkedTransactionID: "app-1", CreatedAt: startedAt},
	}
	if err := store.CreateRun(ctx, run, items); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	run := seedRun(t, store, now, RunSuccess, "travis")

	got, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.RunNumber != run.RunNumber || got.County != "travis" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Items) != 2 {
		t.Errorf("items = %d, want 2", len(got.Items))
	}
}

func TestMemoryStoreGetRunNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.GetRun(context.Background(), "run_missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMemoryStoreRunNumberSequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.NextRunNumber(ctx)
	if err != nil {
		t.Fatalf("NextRunNumber: %v", err)
	}
	second, err := store.NextRunNumber(ctx)
	if err != nil {
		t.Fatalf("NextRunNumber: %v", err)
	}

	year := time.Now().UTC().Year()
	if want := fmt.Sprintf("RUN-%d-001", year); first != want {
		t.Errorf("first = %q, want %q", first, want)
	}
	if want := fmt.Sprintf("RUN-%d-002", year); second != want {
		t.Errorf("second = %q, want %q", second, want)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	seedRun(t, store, base, RunSuccess, "travis")
	seedRun(t, store, base.Add(24*time.Hour), RunFailed, "travis")
	seedRun(t, store, base.Add(48*time.Hour), RunSuccess, "bexar")

	runs, _, err := store.ListRuns(ctx, RunFilter{Status: RunSuccess})
	if err != nil {
		t.Fatalf("ListRuns by status: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("status filter: %d runs, want 2", len(runs))
	}

	runs, _, err = store.ListRuns(ctx, RunFilter{County: "bexar"})
	if err != nil {
		t.Fatalf("ListRuns by county: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("county filter: %d runs, want 1", len(runs))
	}

	from := base.Add(12 * time.Hour)
	to := base.Add(36 * time.Hour)
	runs, _, err = store.ListRuns(ctx, RunFilter{From: &from, To: &to})
	if err != nil {
		t.Fatalf("ListRuns by window: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != RunFailed {
		t.Errorf("window filter: %+v", runs)
	}
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedRun(t, store, base.Add(time.Duration(i)*time.Hour), RunSuccess, "")
	}

	runs, _, err := store.ListRuns(context.Background(), RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartedAt.After(runs[i-1].StartedAt) {
			t.Fatalf("runs not newest-first at index %d", i)
		}
	}
}

func TestMemoryStoreListPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		seedRun(t, store, base.Add(time.Duration(i)*time.Hour), RunSuccess, "")
	}

	var all []*Run
	cursor := ""
	pages := 0
	for {
		runs, next, err := store.ListRuns(ctx, RunFilter{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		all = append(all, runs...)
		pages++
		if next == "" {
			break
		}
		cursor = next
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
	}

	if len(all) != 7 {
		t.Errorf("walked %d runs, want 7", len(all))
	}
	seen := map[string]bool{}
	for _, r := range all {
		if seen[r.ID] {
			t.Errorf("run %s appeared on two pages", r.ID)
		}
		seen[r.ID] = true
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}

func TestMemoryStoreListBadCursor(t *testing.T) {
	store := NewMemoryStore()
	if _, _, err := store.ListRuns(context.Background(), RunFilter{Cursor: "not-base64!"}); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestMemoryStoreSoftDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run := seedRun(t, store, time.Now().UTC(), RunSuccess, "")

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("deleted run still visible: %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("double delete: %v", err)
	}
	err := store.StreamItems(ctx, run.ID, "", func(*Item) error { return nil })
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("items of deleted run still streamable: %v", err)
	}
}

func TestMemoryStoreStreamItemsFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run := seedRun(t, store, time.Now().UTC(), RunSuccess, "")

	var ids []string
	err := store.StreamItems(ctx, run.ID, StatusMatched, func(it *Item) error {
		ids = append(ids, it.TransactionID)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamItems: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("streamed %d items, want 2", len(ids))
	}

	ids = nil
	if err := store.StreamItems(ctx, run.ID, StatusUnmatchedApp, func(it *Item) error {
		ids = append(ids, it.TransactionID)
		return nil
	}); err != nil {
		t.Fatalf("StreamItems filtered: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("status filter leaked %d items", len(ids))
	}
}

func TestMemoryStoreStreamItemsCallbackError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run := seedRun(t, store, time.Now().UTC(), RunSuccess, "")

	calls := 0
	wantErr := errors.New("stop")
	err := store.StreamItems(ctx, run.ID, "", func(*Item) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("callback error not propagated: %v", err)
	}
	if calls != 1 {
		t.Errorf("stream continued after error, %d calls", calls)
	}
}

func TestMemoryStoreInRollback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var insideID string
	err := store.InRollback(ctx, func(scratch Store) error {
		run := seedRun(t, scratch, time.Now().UTC(), RunSuccess, "")
		insideID = run.ID

		// Visible inside the boundary.
		if _, err := scratch.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InRollback: %v", err)
	}

	if _, err := store.GetRun(ctx, insideID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("rollback leaked the run: %v", err)
	}

	// The sequence is shared, so the next number continues past the
	// rolled-back one.
	next, err := store.NextRunNumber(ctx)
	if err != nil {
		t.Fatalf("NextRunNumber: %v", err)
	}
	if strings.HasSuffix(next, "-001") {
		t.Errorf("sequence restarted after rollback: %q", next)
	}
}

func TestMemoryStoreFinalizeRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	run := &Run{ID: "run_x", RunNumber: "RUN-2025-001", Status: RunPending, StartedAt: now}
	if err := store.CreateRun(ctx, run, nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run.Status = RunSuccess
	items := []*Item{{ID: "itm_1", RunID: run.ID, TransactionID: "app-1",
		Reference: "INV-001", Amount: decimal.NewFromInt(10), Source: SourceApp, Status: StatusUnmatchedApp}}
	if err := store.FinalizeRun(ctx, run, items); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunSuccess || len(got.Items) != 1 {
		t.Errorf("finalize not applied: status=%s items=%d", got.Status, len(got.Items))
	}

	missing := &Run{ID: "run_missing"}
	if err := store.FinalizeRun(ctx, missing, nil); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("finalize of unknown run: %v", err)
	}
}
