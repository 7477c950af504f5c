package ledger

import (
	"context"
	"errors"
	"fmt"
)

// DataSheet is the worksheet that receives purchase rows
const DataSheet = "data"

// ErrNotFound is returned by Open when no ledger exists for the month
var ErrNotFound = errors.New("ledger not found")

// Handle identifies an opened ledger document
type Handle struct {
	ID    string
	Title string
	URL   string
}

// Worksheet describes one worksheet a ledger must contain
type Worksheet struct {
	Title  string
	Header []string
}

// Schema lists the worksheets of a monthly ledger. It is applied on create
// and re-applied on open, adding only what is missing.
type Schema struct {
	Sheets []Worksheet
}

// DefaultSchema is the monthly ledger layout
var DefaultSchema = Schema{
	Sheets: []Worksheet{
		{
			Title:  DataSheet,
			Header: []string{"date", "seller", "category", "name", "price", "quantity", "sum"},
		},
	},
}

// Sink stores ledger rows in monthly documents
type Sink interface {
	// Open returns the ledger for a month key or ErrNotFound
	Open(ctx context.Context, monthKey string) (*Handle, error)

	// CreateFromSchema creates an empty ledger for a month key
	CreateFromSchema(ctx context.Context, monthKey string) (*Handle, error)

	// AppendRows appends rows after the existing content of the data sheet
	// and returns a stable link to the document
	AppendRows(ctx context.Context, h *Handle, rows [][]interface{}) (string, error)
}

// OpenOrCreate opens the month's ledger, creating it when absent
func OpenOrCreate(ctx context.Context, sink Sink, monthKey string) (*Handle, error) {
	h, err := sink.Open(ctx, monthKey)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("opening ledger %s: %w", monthKey, err)
	}

	h, err = sink.CreateFromSchema(ctx, monthKey)
	if err != nil {
		return nil, fmt.Errorf("creating ledger %s: %w", monthKey, err)
	}
	return h, nil
}

func (s Schema) missing(existing []string) []Worksheet {
	have := make(map[string]bool, len(existing))
	for _, title := range existing {
		have[title] = true
	}
	var out []Worksheet
	for _, ws := range s.Sheets {
		if !have[ws.Title] {
			out = append(out, ws)
		}
	}
	return out
}
