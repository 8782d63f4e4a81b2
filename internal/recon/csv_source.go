package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionSource supplies one side's transactions for a run. Implemented by
// CSV statement files; request payloads bypass this and supply transactions
// directly.
type TransactionSource interface {
	Load(ctx context.Context, src Source, from, to *time.Time) ([]Transaction, error)
}

// CSVFileSource reads transactions from a CSV statement file. The header row
// names the columns; transaction_id (or id), reference, amount and date are
// recognized, any other column is ignored. Dates accept RFC 3339 or plain
// YYYY-MM-DD.
type CSVFileSource struct {
	Path string
}

var _ TransactionSource = (*CSVFileSource)(nil)

// NewCSVFileSource creates a source reading the statement at path.
func NewCSVFileSource(path string) *CSVFileSource {
	return &CSVFileSource{Path: path}
}

func (c *CSVFileSource) Load(ctx context.Context, src Source, from, to *time.Time) ([]Transaction, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open statement: %w", err)
	}
	defer func() { _ = f.Close() }()

	txns, err := ParseTransactionsCSV(f, src, from, to)
	if err != nil {
		return nil, fmt.Errorf("parse statement %s: %w", c.Path, err)
	}
	return txns, nil
}

// ParseTransactionsCSV reads transaction rows from r. Rows whose date falls
// outside [from, to] are dropped; either bound may be nil.
func ParseTransactionsCSV(r io.Reader, src Source, from, to *time.Time) ([]Transaction, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return []Transaction{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idCol, ok := cols["transaction_id"]
	if !ok {
		idCol, ok = cols["id"]
	}
	if !ok {
		return nil, fmt.Errorf("missing transaction_id column")
	}
	refCol, ok := cols["reference"]
	if !ok {
		return nil, fmt.Errorf("missing reference column")
	}
	amountCol, ok := cols["amount"]
	if !ok {
		return nil, fmt.Errorf("missing amount column")
	}
	dateCol, hasDate := cols["date"]

	var txns []Transaction
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		amount, err := decimal.NewFromString(strings.TrimSpace(record[amountCol]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad amount %q", line, record[amountCol])
		}

		var date time.Time
		if hasDate && dateCol < len(record) && strings.TrimSpace(record[dateCol]) != "" {
			date, err = parseDate(strings.TrimSpace(record[dateCol]))
			if err != nil {
				return nil, fmt.Errorf("line %d: bad date %q", line, record[dateCol])
			}
		}
		if !date.IsZero() {
			if from != nil && date.Before(*from) {
				continue
			}
			if to != nil && date.After(*to) {
				continue
			}
		}

		txns = append(txns, Transaction{
			TransactionID: strings.TrimSpace(record[idCol]),
			Reference:     strings.TrimSpace(record[refCol]),
			Amount:        amount,
			Date:          date,
			Source:        src,
		})
	}
	return txns, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}

// EmptySource is a TransactionSource with no transactions. Used when one side
// of a run has no statement for the period.
type EmptySource struct{}

func (EmptySource) Load(context.Context, Source, *time.Time, *time.Time) ([]Transaction, error) {
	return []Transaction{}, nil
}
