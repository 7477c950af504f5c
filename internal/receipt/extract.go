package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// minorUnitShift scales kopecks to roubles
const minorUnitShift = -2

// dateLayouts are the transaction date shapes seen from the lookup service
// and from exported ticket files
var dateLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"20060102T1504",
	"20060102T150405",
	"2006-01-02",
}

type ticketRecord struct {
	QR    string `json:"qr"`
	Query *struct {
		Date string `json:"date"`
	} `json:"query"`
	Organization *struct {
		Name string `json:"name"`
		Inn  string `json:"inn"`
	} `json:"organization"`
	Ticket *struct {
		Document *struct {
			Receipt *struct {
				Items []ticketItem `json:"items"`
			} `json:"receipt"`
		} `json:"document"`
	} `json:"ticket"`
}

type ticketItem struct {
	Name     *string          `json:"name"`
	Price    *decimal.Decimal `json:"price"`
	Quantity *decimal.Decimal `json:"quantity"`
	Sum      *decimal.Decimal `json:"sum"`
}

// Extraction is the result of normalizing one raw ticket record
type Extraction struct {
	Rows     []Row
	Summary  []string
	MonthKey string
}

// Extract turns a raw ticket record (one object or a list of them) into
// ledger rows. Any missing required field fails the whole record.
func Extract(raw []byte) (*Extraction, error) {
	records, err := decodeRecords(raw)
	if err != nil {
		return nil, err
	}

	out := &Extraction{}
	for i, rec := range records {
		if err := rec.validate(); err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("ticket %d", i), Err: err}
		}

		if out.MonthKey == "" {
			month, err := monthKey(rec.Query.Date)
			if err != nil {
				return nil, &ValidationError{Msg: fmt.Sprintf("ticket %d", i), Err: err}
			}
			out.MonthKey = month
		}

		seller := fmt.Sprintf("%s (inn: %s)", rec.Organization.Name, rec.Organization.Inn)
		for _, item := range rec.Ticket.Document.Receipt.Items {
			row := Row{
				Date:     rec.Query.Date,
				Seller:   seller,
				Name:     *item.Name,
				Price:    item.Price.Shift(minorUnitShift),
				Quantity: *item.Quantity,
				Sum:      item.Sum.Shift(minorUnitShift),
			}
			out.Rows = append(out.Rows, row)
			out.Summary = append(out.Summary, fmt.Sprintf("%s\n x%s = %s", row.Name, row.Quantity.String(), row.Sum.StringFixed(2)))
		}
	}

	return out, nil
}

// FingerprintFromRecord returns the scan-code string embedded in an exported
// ticket file, if any
func FingerprintFromRecord(raw []byte) (string, error) {
	records, err := decodeRecords(raw)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if rec.QR != "" {
			return NormalizeFingerprint(rec.QR)
		}
	}
	return "", &ValidationError{Msg: "ticket file has no qr field"}
}

func decodeRecords(raw []byte) ([]ticketRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &ValidationError{Msg: "empty ticket record"}
	}

	switch trimmed[0] {
	case '[':
		var records []ticketRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, &ValidationError{Msg: "decoding ticket list", Err: err}
		}
		if len(records) == 0 {
			return nil, &ValidationError{Msg: "empty ticket list"}
		}
		return records, nil
	case '{':
		var rec ticketRecord
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, &ValidationError{Msg: "decoding ticket", Err: err}
		}
		return []ticketRecord{rec}, nil
	default:
		return nil, &ValidationError{Msg: fmt.Sprintf("unexpected ticket format (expected '[' or '{', got '%c')", trimmed[0])}
	}
}

func (r *ticketRecord) validate() error {
	if r.Query == nil || r.Query.Date == "" {
		return fmt.Errorf("missing query.date")
	}
	if r.Organization == nil || r.Organization.Name == "" {
		return fmt.Errorf("missing organization.name")
	}
	if r.Organization.Inn == "" {
		return fmt.Errorf("missing organization.inn")
	}
	if r.Ticket == nil || r.Ticket.Document == nil || r.Ticket.Document.Receipt == nil || r.Ticket.Document.Receipt.Items == nil {
		return fmt.Errorf("missing ticket.document.receipt.items")
	}
	for j, item := range r.Ticket.Document.Receipt.Items {
		switch {
		case item.Name == nil:
			return fmt.Errorf("item %d: missing name", j)
		case item.Price == nil:
			return fmt.Errorf("item %d: missing price", j)
		case item.Quantity == nil:
			return fmt.Errorf("item %d: missing quantity", j)
		case item.Sum == nil:
			return fmt.Errorf("item %d: missing sum", j)
		}
	}
	return nil
}

// monthKey names the monthly ledger document for a transaction date
func monthKey(date string) (string, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return t.Format("2006-01"), nil
		}
	}
	return "", fmt.Errorf("unrecognized transaction date %q", date)
}
