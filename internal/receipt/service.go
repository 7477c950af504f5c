package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/notify"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/ticket"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options tunes the pipeline
type Options struct {
	FetchTimeout time.Duration
	SinkTimeout  time.Duration
	ClaimLease   time.Duration
}

// DefaultOptions are used for zero fields of Options
var DefaultOptions = Options{
	FetchTimeout: 60 * time.Second,
	SinkTimeout:  60 * time.Second,
	ClaimLease:   10 * time.Minute,
}

// Dependencies are the collaborators of the pipeline. Decoder, Archive and
// Notifier are optional.
type Dependencies struct {
	Store    StatusStore
	Fetcher  ticket.Fetcher
	Sink     ledger.Sink
	Archive  Archive
	Decoder  scanning.Decoder
	Notifier notify.Notifier
	Clock    TimeSource
}

// Service runs receipts through the import pipeline
type Service struct {
	store      StatusStore
	fetcher    ticket.Fetcher
	sink       ledger.Sink
	archive    Archive
	decoder    scanning.Decoder
	notifier   notify.Notifier
	timeSource TimeSource
	opts       Options
}

// NewService creates a Service, filling defaults for optional dependencies
func NewService(deps Dependencies, opts Options) *Service {
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = DefaultOptions.FetchTimeout
	}
	if opts.SinkTimeout == 0 {
		opts.SinkTimeout = DefaultOptions.SinkTimeout
	}
	if opts.ClaimLease == 0 {
		opts.ClaimLease = DefaultOptions.ClaimLease
	}

	s := &Service{
		store:      deps.Store,
		fetcher:    deps.Fetcher,
		sink:       deps.Sink,
		archive:    deps.Archive,
		decoder:    deps.Decoder,
		notifier:   deps.Notifier,
		timeSource: deps.Clock,
		opts:       opts,
	}
	if s.notifier == nil {
		s.notifier = notify.Log{}
	}
	if s.timeSource == nil {
		s.timeSource = &defaultTimeSource{}
	}
	return s
}

// loader produces the raw ticket record once the claim is held
type loader func(ctx context.Context) ([]byte, error)

// Import runs an already available raw record through the pipeline
func (s *Service) Import(ctx context.Context, fingerprint string, raw []byte) Outcome {
	fp, err := NormalizeFingerprint(fingerprint)
	if err != nil {
		return failure(fingerprint, err)
	}
	return s.process(ctx, fp, func(context.Context) ([]byte, error) {
		return raw, nil
	})
}

// ImportFingerprint validates the scan string, then fetches and imports the
// ticket. Malformed input never reaches the fetcher.
func (s *Service) ImportFingerprint(ctx context.Context, fingerprint string) Outcome {
	fp, err := NormalizeFingerprint(fingerprint)
	if err != nil {
		return failure(fingerprint, err)
	}
	return s.process(ctx, fp, func(ctx context.Context) ([]byte, error) {
		return s.fetch(ctx, fp)
	})
}

// Retry re-runs an unresolved fingerprint. A record archived by an earlier
// attempt that failed at the ledger is reused instead of fetched again.
func (s *Service) Retry(ctx context.Context, fingerprint string) Outcome {
	fp, err := NormalizeFingerprint(fingerprint)
	if err != nil {
		return failure(fingerprint, err)
	}
	return s.process(ctx, fp, func(ctx context.Context) ([]byte, error) {
		if s.archive != nil {
			if raw, err := s.archive.Get(fp); err == nil {
				slog.Debug("Reusing archived ticket", "fingerprint", fp)
				return raw, nil
			}
		}
		return s.fetch(ctx, fp)
	})
}

// ImportPhoto decodes the QR code from a photo and imports it
func (s *Service) ImportPhoto(ctx context.Context, data []byte, contentType string) Outcome {
	if s.decoder == nil {
		return failure("", &ValidationError{Msg: "photo decoding is not configured"})
	}

	fp, err := s.decoder.DecodeFingerprint(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to decode receipt photo",
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return failure("", &ValidationError{Msg: "could not read a receipt QR code from the photo", Err: err})
	}

	slog.Info("Decoded receipt photo", "fingerprint", fp)
	return s.ImportFingerprint(ctx, fp)
}

// ImportFile imports a ticket file exported from the receipt checking app
func (s *Service) ImportFile(ctx context.Context, data []byte) Outcome {
	fp, err := FingerprintFromRecord(data)
	if err != nil {
		return failure("", err)
	}
	return s.Import(ctx, fp, data)
}

func (s *Service) fetch(ctx context.Context, fp string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	raw, err := s.fetcher.FetchTicket(ctx, fp)
	if err != nil {
		return nil, &UpstreamError{Op: "fetching ticket", Err: err}
	}
	return raw, nil
}

// process is the per-fingerprint state machine: dedup gate, claim, load,
// extract, append, finish. Every failure after the claim is recorded on the
// status row before it is returned.
func (s *Service) process(ctx context.Context, fp string, load loader) Outcome {
	st, err := s.store.FindSucceeded(fp)
	if err != nil {
		return failure(fp, fmt.Errorf("checking status: %w", err))
	}
	if st != nil {
		return duplicate(st)
	}

	claimed, err := s.store.Claim(fp, s.timeSource.Now(), s.opts.ClaimLease)
	if err != nil {
		switch {
		case errors.Is(err, ErrClaimed):
			slog.Info("Receipt import already in progress", "fingerprint", fp)
			return busy(fp)
		case errors.Is(err, ErrAlreadySucceeded):
			if st, getErr := s.store.GetStatus(fp); getErr == nil {
				return duplicate(st)
			}
			return duplicate(&ReceiptStatus{Fingerprint: fp})
		default:
			return failure(fp, fmt.Errorf("claiming receipt: %w", err))
		}
	}

	startedAt := claimed.ImportStartDate

	raw, err := load(ctx)
	if err != nil {
		return s.fail(ctx, fp, startedAt, err)
	}

	extraction, err := Extract(raw)
	if err != nil {
		return s.fail(ctx, fp, startedAt, err)
	}

	if s.archive != nil {
		if _, err := s.archive.Save(fp, raw); err != nil {
			slog.Warn("Failed to archive ticket", "fingerprint", fp, "error", err)
		}
	}

	url, err := s.appendToLedger(ctx, extraction)
	if err != nil {
		return s.fail(ctx, fp, startedAt, err)
	}

	finishedAt := s.timeSource.Now()
	if err := s.store.MarkFinished(fp, startedAt, StatusSucceeded, "", finishedAt); err != nil {
		// rows are in the ledger; a retry will append them again
		slog.Error("Failed to record import success", "fingerprint", fp, "error", err)
		return failure(fp, fmt.Errorf("recording success: %w", err))
	}

	slog.Info("Imported receipt", "fingerprint", fp, "ledger", extraction.MonthKey, "rows", len(extraction.Rows))
	return success(fp, url, len(extraction.Rows), extraction.Summary, finishedAt)
}

func (s *Service) appendToLedger(ctx context.Context, extraction *Extraction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SinkTimeout)
	defer cancel()

	h, err := ledger.OpenOrCreate(ctx, s.sink, extraction.MonthKey)
	if err != nil {
		return "", &SinkError{Op: "opening ledger", Err: err}
	}

	rows := make([][]interface{}, len(extraction.Rows))
	for i, row := range extraction.Rows {
		rows[i] = row.Values()
	}

	url, err := s.sink.AppendRows(ctx, h, rows)
	if err != nil {
		return "", &SinkError{Op: "appending rows", Err: err}
	}
	return url, nil
}

// fail records the failure on the status row, reports it to the errors
// channel and returns the failure outcome. A row taken over by a newer
// attempt is left alone.
func (s *Service) fail(ctx context.Context, fp string, startedAt time.Time, cause error) Outcome {
	err := cause
	recErr := s.store.MarkFinished(fp, startedAt, cause.Error(), ErrorCode(cause), s.timeSource.Now())
	switch {
	case errors.Is(recErr, ErrLeaseLost):
		slog.Warn("Import lease lost, failure not recorded", "fingerprint", fp, "error", cause)
	case recErr != nil:
		slog.Error("Failed to record import failure", "fingerprint", fp, "error", recErr)
		err = errors.Join(cause, fmt.Errorf("recording failure: %w", recErr))
	}

	outcome := failure(fp, err)
	slog.Error("Receipt import failed", "fingerprint", fp, "code", outcome.Code(), "error", err)

	msg := fmt.Sprintf("Import of %s failed\n\n%s", fp, outcome.Detail())
	if nErr := s.notifier.Notify(context.WithoutCancel(ctx), notify.Errors, msg); nErr != nil {
		slog.Warn("Failed to send failure notification", "fingerprint", fp, "error", nErr)
	}
	return outcome
}

// GetStatus returns the status row of a fingerprint
func (s *Service) GetStatus(fingerprint string) (*ReceiptStatus, error) {
	st, err := s.store.GetStatus(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("getting status: %w", err)
	}
	return st, nil
}

// ListStatuses returns every status row
func (s *Service) ListStatuses() ([]*ReceiptStatus, error) {
	statuses, err := s.store.ListStatuses()
	if err != nil {
		return nil, fmt.Errorf("listing statuses: %w", err)
	}
	return statuses, nil
}
