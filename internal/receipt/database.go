package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const statusBucketName = "statuses"

// StatusStore is the durable record of import attempts per fingerprint
type StatusStore interface {
	// MarkStarted upserts the row to in_progress and refreshes the start time
	MarkStarted(fingerprint string, at time.Time) error

	// Claim atomically moves an absent, failed or stale in_progress row to
	// in_progress. It returns ErrAlreadySucceeded or ErrClaimed otherwise.
	Claim(fingerprint string, at time.Time, lease time.Duration) (*ReceiptStatus, error)

	// FindSucceeded returns the row only if it is in the succeeded state
	FindSucceeded(fingerprint string) (*ReceiptStatus, error)

	// MarkFinished records the outcome of the attempt that started at
	// startedAt. It returns ErrLeaseLost if the row is no longer in_progress
	// under that start time.
	MarkFinished(fingerprint string, startedAt time.Time, status, code string, at time.Time) error

	// GetStatus returns the row for a fingerprint or ErrStatusNotFound
	GetStatus(fingerprint string) (*ReceiptStatus, error)

	// ListUnresolved returns every row whose status is not succeeded
	ListUnresolved() ([]*ReceiptStatus, error)

	// ListStatuses returns all rows
	ListStatuses() ([]*ReceiptStatus, error)

	// Close closes the underlying database
	Close() error
}

// BoltDB implements StatusStore on a bbolt file. Every mutation runs in its
// own Update transaction; bbolt serializes writers, which makes Claim a
// compare-and-swap.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (or creates) the database file
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(statusBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func getStatus(bucket *bbolt.Bucket, fingerprint string) (*ReceiptStatus, error) {
	data := bucket.Get([]byte(fingerprint))
	if data == nil {
		return nil, nil
	}
	var st ReceiptStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling status: %w", err)
	}
	return &st, nil
}

func putStatus(bucket *bbolt.Bucket, st *ReceiptStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	return bucket.Put([]byte(st.Fingerprint), data)
}

// MarkStarted upserts the row to in_progress
func (b *BoltDB) MarkStarted(fingerprint string, at time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(statusBucketName))
		st, err := getStatus(bucket, fingerprint)
		if err != nil {
			return err
		}
		if st == nil {
			st = &ReceiptStatus{Fingerprint: fingerprint}
		}
		st.Status = StatusInProgress
		st.ImportStartDate = at
		st.ImportFinishDate = nil
		return putStatus(bucket, st)
	})
}

// Claim takes the import lease on a fingerprint
func (b *BoltDB) Claim(fingerprint string, at time.Time, lease time.Duration) (*ReceiptStatus, error) {
	var claimed *ReceiptStatus
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(statusBucketName))
		st, err := getStatus(bucket, fingerprint)
		if err != nil {
			return err
		}
		if st == nil {
			st = &ReceiptStatus{Fingerprint: fingerprint}
		}
		if err := claimable(st, at, lease); err != nil {
			return err
		}
		st.Status = StatusInProgress
		st.ImportStartDate = at
		st.ImportFinishDate = nil
		st.Attempts++
		claimed = st
		return putStatus(bucket, st)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimable decides whether a new attempt may start on the row
func claimable(st *ReceiptStatus, at time.Time, lease time.Duration) error {
	if st.Succeeded() {
		return ErrAlreadySucceeded
	}
	if st.InProgress() && st.ImportStartDate.Add(lease).After(at) {
		return ErrClaimed
	}
	return nil
}

// FindSucceeded returns the row iff it succeeded
func (b *BoltDB) FindSucceeded(fingerprint string) (*ReceiptStatus, error) {
	st, err := b.GetStatus(fingerprint)
	if errors.Is(err, ErrStatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !st.Succeeded() {
		return nil, nil
	}
	return st, nil
}

// MarkFinished records the status and finish time of the attempt holding
// the row
func (b *BoltDB) MarkFinished(fingerprint string, startedAt time.Time, status, code string, at time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(statusBucketName))
		st, err := getStatus(bucket, fingerprint)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("%w: %s", ErrStatusNotFound, fingerprint)
		}
		if !st.InProgress() || !st.ImportStartDate.Equal(startedAt) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, fingerprint)
		}
		st.Status = status
		st.ErrorCode = code
		st.ImportFinishDate = &at
		return putStatus(bucket, st)
	})
}

// GetStatus retrieves a row by fingerprint
func (b *BoltDB) GetStatus(fingerprint string) (*ReceiptStatus, error) {
	var st *ReceiptStatus
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		st, err = getStatus(tx.Bucket([]byte(statusBucketName)), fingerprint)
		return err
	})
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotFound, fingerprint)
	}
	return st, nil
}

// ListUnresolved returns all rows not in the succeeded state
func (b *BoltDB) ListUnresolved() ([]*ReceiptStatus, error) {
	all, err := b.ListStatuses()
	if err != nil {
		return nil, err
	}
	unresolved := make([]*ReceiptStatus, 0, len(all))
	for _, st := range all {
		if !st.Succeeded() {
			unresolved = append(unresolved, st)
		}
	}
	return unresolved, nil
}

// ListStatuses returns all rows in key order
func (b *BoltDB) ListStatuses() ([]*ReceiptStatus, error) {
	statuses := make([]*ReceiptStatus, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(statusBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var st ReceiptStatus
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("unmarshaling status: %w", err)
			}
			statuses = append(statuses, &st)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
