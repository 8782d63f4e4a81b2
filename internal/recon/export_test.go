package recon

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestExportRunCSV(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	started := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	run := seedRun(t, store, started, RunSuccess, "")

	var buf bytes.Buffer
	rows, err := ExportRun(ctx, store, run.ID, "", &buf)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}
	if rows != 2 {
		t.Errorf("rows = %d, want 2", rows)
	}

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want header + 2", len(records))
	}

	header := records[0]
	want := []string{"Transaction ID", "Reference", "Amount", "Source", "Status", "Date", "Linked Transaction ID"}
	for i := range want {
		if header[i] != want[i] {
			t.Errorf("header[%d] = %q, want %q", i, header[i], want[i])
		}
	}

	first := records[1]
	if first[0] != "app-1" || first[1] != "INV-001" || first[2] != "100" {
		t.Errorf("unexpected first row: %v", first)
	}
	if first[3] != "app" || first[4] != "matched" || first[6] != "gw-1" {
		t.Errorf("unexpected first row: %v", first)
	}
}

func TestExportRunStatusFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run := seedRun(t, store, time.Now().UTC(), RunSuccess, "")

	var buf bytes.Buffer
	rows, err := ExportRun(ctx, store, run.ID, StatusUnmatchedApp, &buf)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}
	if rows != 0 {
		t.Errorf("rows = %d, want 0", rows)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("filtered export should contain only the header, got %d lines", len(lines))
	}
}

func TestExportRunNotFound(t *testing.T) {
	store := NewMemoryStore()
	var buf bytes.Buffer
	if _, err := ExportRun(context.Background(), store, "run_missing", "", &buf); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestExportItemsEmptyFields(t *testing.T) {
	items := []*Item{{
		ID:            "itm_1",
		TransactionID: "app-1",
		Reference:     "INV-001",
		Amount:        decimal.NewFromFloat(10.50),
		Source:        SourceApp,
		Status:        StatusUnmatchedApp,
		// Date zero, no linked transaction
	}}

	var buf bytes.Buffer
	rows, err := ExportItems(items, "", &buf)
	if err != nil {
		t.Fatalf("ExportItems: %v", err)
	}
	if rows != 1 {
		t.Errorf("rows = %d, want 1", rows)
	}

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	row := records[1]
	if row[5] != "" {
		t.Errorf("zero date should export empty, got %q", row[5])
	}
	if row[6] != "" {
		t.Errorf("absent link should export empty, got %q", row[6])
	}
	if row[2] != "10.5" {
		t.Errorf("amount = %q", row[2])
	}
}

func TestExportDateRFC3339(t *testing.T) {
	items := []*Item{{
		TransactionID: "gw-1",
		Reference:     "INV-001",
		Amount:        decimal.NewFromInt(5),
		Source:        SourceGateway,
		Status:        StatusUnmatchedGateway,
		Date:          time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	if _, err := ExportItems(items, "", &buf); err != nil {
		t.Fatalf("ExportItems: %v", err)
	}
	if !strings.Contains(buf.String(), "2025-06-01T10:30:00Z") {
		t.Errorf("date not RFC 3339: %s", buf.String())
	}
}
