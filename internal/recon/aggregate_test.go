package recon

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSummarizeCounts(t *testing.T) {
	app := []Transaction{
		txn("app-1", "INV-001", 100, 1, SourceApp),   // matches gw-1
		txn("app-2", "INV-002", 200, 1, SourceApp),   // mismatches gw-2
		txn("app-3", "INV-003", 50, 1, SourceApp),    // unmatched
	}
	gw := []Transaction{
		txn("gw-1", "INV-001", 100, 1, SourceGateway),
		txn("gw-2", "INV-002", 201, 1, SourceGateway),
		txn("gw-3", "INV-999", 75, 1, SourceGateway), // unmatched
	}

	agg := Summarize(Match(app, gw, DefaultTolerance()))

	// Matched pairs count both items.
	if agg.TotalMatched != 2 {
		t.Errorf("TotalMatched = %d, want 2", agg.TotalMatched)
	}
	if agg.TotalAmountMismatch != 2 {
		t.Errorf("TotalAmountMismatch = %d, want 2", agg.TotalAmountMismatch)
	}
	if agg.TotalUnmatchedApp != 1 {
		t.Errorf("TotalUnmatchedApp = %d, want 1", agg.TotalUnmatchedApp)
	}
	if agg.TotalUnmatchedGateway != 1 {
		t.Errorf("TotalUnmatchedGateway = %d, want 1", agg.TotalUnmatchedGateway)
	}

	if want := decimal.NewFromInt(350); !agg.TotalAppAmount.Equal(want) {
		t.Errorf("TotalAppAmount = %s, want %s", agg.TotalAppAmount, want)
	}
	if want := decimal.NewFromInt(376); !agg.TotalGatewayAmount.Equal(want) {
		t.Errorf("TotalGatewayAmount = %s, want %s", agg.TotalGatewayAmount, want)
	}
	if want := decimal.NewFromInt(26); !agg.TotalDiscrepancy.Equal(want) {
		t.Errorf("TotalDiscrepancy = %s, want %s", agg.TotalDiscrepancy, want)
	}
}

func TestSummarizeDiscrepancyIsAbsolute(t *testing.T) {
	decisions := []ItemDecision{
		{TransactionID: "gw-1", Amount: decimal.NewFromInt(500), Source: SourceGateway, Status: StatusUnmatchedGateway},
	}
	agg := Summarize(decisions)
	if agg.TotalDiscrepancy.IsNegative() {
		t.Errorf("discrepancy must be absolute, got %s", agg.TotalDiscrepancy)
	}
	if want := decimal.NewFromInt(500); !agg.TotalDiscrepancy.Equal(want) {
		t.Errorf("TotalDiscrepancy = %s, want %s", agg.TotalDiscrepancy, want)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	agg := Summarize(nil)
	if agg.TotalMatched != 0 || agg.TotalUnmatchedApp != 0 {
		t.Errorf("empty decision set should produce zero totals, got %+v", agg)
	}
	if !agg.TotalDiscrepancy.IsZero() {
		t.Errorf("empty discrepancy should be zero, got %s", agg.TotalDiscrepancy)
	}
}

func TestRunAggregatesMatchItemSet(t *testing.T) {
	// The persisted totals are redundant; they must always equal what the
	// item set itself sums to.
	app := []Transaction{
		txn("app-1", "A", 10, 1, SourceApp),
		txn("app-2", "B", 20, 1, SourceApp),
	}
	gw := []Transaction{
		txn("gw-1", "A", 10, 1, SourceGateway),
		txn("gw-2", "C", 30, 1, SourceGateway),
	}

	decisions := Match(app, gw, DefaultTolerance())
	agg := Summarize(decisions)

	counts := map[ItemStatus]int{}
	for _, d := range decisions {
		counts[d.Status]++
	}
	if counts[StatusMatched] != agg.TotalMatched {
		t.Errorf("matched: items %d vs aggregate %d", counts[StatusMatched], agg.TotalMatched)
	}
	if counts[StatusUnmatchedApp] != agg.TotalUnmatchedApp {
		t.Errorf("unmatched_app: items %d vs aggregate %d", counts[StatusUnmatchedApp], agg.TotalUnmatchedApp)
	}
	if counts[StatusUnmatchedGateway] != agg.TotalUnmatchedGateway {
		t.Errorf("unmatched_gateway: items %d vs aggregate %d", counts[StatusUnmatchedGateway], agg.TotalUnmatchedGateway)
	}
}
