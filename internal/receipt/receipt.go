package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status values stored on a ReceiptStatus row. Any other value is a failure
// descriptor.
const (
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
)

// ReceiptStatus is the persisted import state of one fingerprint
type ReceiptStatus struct {
	Fingerprint      string     `json:"fingerprint"`
	ImportStartDate  time.Time  `json:"import_start_date"`
	Status           string     `json:"status"`
	ImportFinishDate *time.Time `json:"import_finish_date,omitempty"`
	Attempts         int        `json:"attempts"`
	ErrorCode        string     `json:"error_code,omitempty"`
}

// Succeeded reports whether the row is in the terminal success state
func (s *ReceiptStatus) Succeeded() bool {
	return s.Status == StatusSucceeded
}

// InProgress reports whether an attempt has started and not yet finished
func (s *ReceiptStatus) InProgress() bool {
	return s.Status == StatusInProgress
}

// Row is one normalized purchase line ready for the ledger
type Row struct {
	Date     string          `json:"date"`
	Seller   string          `json:"seller"`
	Category string          `json:"category"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Sum      decimal.Decimal `json:"sum"`
}

// Values renders the row in ledger column order
func (r Row) Values() []interface{} {
	return []interface{}{
		r.Date,
		r.Seller,
		r.Category,
		r.Name,
		r.Price.InexactFloat64(),
		r.Quantity.InexactFloat64(),
		r.Sum.InexactFloat64(),
	}
}
