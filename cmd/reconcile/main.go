// Command reconcile matches two CSV statements offline and writes the
// classified items as CSV. Nothing is persisted; this is the matcher run
// against files instead of the API.
//
// Usage:
//
//	go run ./cmd/reconcile -app app.csv -gateway gateway.csv > items.csv
//	go run ./cmd/reconcile -app app.csv -gateway gateway.csv -status unmatched_app
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/donorhub/reconcile/internal/recon"
)

func main() {
	var (
		appPath  = flag.String("app", "", "app ledger statement CSV (required)")
		gwPath   = flag.String("gateway", "", "payment gateway statement CSV (required)")
		fromStr  = flag.String("from", "", "period start, RFC 3339 or YYYY-MM-DD")
		toStr    = flag.String("to", "", "period end, RFC 3339 or YYYY-MM-DD")
		status   = flag.String("status", "", "only export items with this status")
		pctTol   = flag.Float64("pct-tolerance", 0.01, "amount tolerance as a fraction of the larger amount")
		absTol   = flag.String("abs-tolerance", "0", "absolute amount tolerance in currency units")
		dateTol  = flag.Int("date-tolerance", 3, "date tolerance in calendar days")
		fuzzyTol = flag.Float64("fuzzy-threshold", 80, "minimum reference similarity score (0-100)")
	)
	flag.Parse()

	if *appPath == "" || *gwPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	from, err := parseBound(*fromStr)
	if err != nil {
		log.Fatalf("bad -from: %v", err)
	}
	to, err := parseBound(*toStr)
	if err != nil {
		log.Fatalf("bad -to: %v", err)
	}

	absTolerance, err := decimal.NewFromString(*absTol)
	if err != nil {
		log.Fatalf("bad -abs-tolerance: %v", err)
	}
	cfg := recon.ToleranceConfig{
		AmountPercentageTolerance: *pctTol,
		AmountAbsoluteTolerance:   absTolerance,
		DateToleranceDays:         *dateTol,
		FuzzyMatchThreshold:       *fuzzyTol,
	}

	ctx := context.Background()
	appTxns, err := recon.NewCSVFileSource(*appPath).Load(ctx, recon.SourceApp, from, to)
	if err != nil {
		log.Fatalf("load app statement: %v", err)
	}
	gwTxns, err := recon.NewCSVFileSource(*gwPath).Load(ctx, recon.SourceGateway, from, to)
	if err != nil {
		log.Fatalf("load gateway statement: %v", err)
	}
	if err := recon.ValidateTransactions(appTxns, recon.SourceApp); err != nil {
		log.Fatalf("invalid app statement: %v", err)
	}
	if err := recon.ValidateTransactions(gwTxns, recon.SourceGateway); err != nil {
		log.Fatalf("invalid gateway statement: %v", err)
	}

	decisions := recon.Match(appTxns, gwTxns, cfg)
	items := make([]*recon.Item, 0, len(decisions))
	for _, d := range decisions {
		items = append(items, &recon.Item{
			TransactionID:       d.TransactionID,
			Reference:           d.Reference,
			Amount:              d.Amount,
			Date:                d.Date,
			Source:              d.Source,
			Status:              d.Status,
			LinkedTransactionID: d.LinkedTransactionID,
		})
	}

	rows, err := recon.ExportItems(items, recon.ItemStatus(*status), os.Stdout)
	if err != nil {
		log.Fatalf("write export: %v", err)
	}

	agg := recon.Summarize(decisions)
	fmt.Fprintf(os.Stderr,
		"app=%d gateway=%d matched=%d mismatch=%d unmatched_app=%d unmatched_gateway=%d discrepancy=%s rows=%d\n",
		len(appTxns), len(gwTxns),
		agg.TotalMatched, agg.TotalAmountMismatch,
		agg.TotalUnmatchedApp, agg.TotalUnmatchedGateway,
		agg.TotalDiscrepancy, rows)
}

func parseBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date format %q", s)
}
