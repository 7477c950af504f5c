package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-ledger/internal/notify"
)

// reportDelimiter separates per-fingerprint blocks of a sweep report
const reportDelimiter = "\n\n##########\n\n"

// RecoveryOptions tunes the recovery sweep
type RecoveryOptions struct {
	// Hour is the local hour of the daily sweep
	Hour int
	// Concurrency bounds the number of fingerprints retried at once
	Concurrency int
	// BackoffBase is the wait after the first failed attempt; each further
	// attempt doubles it up to BackoffMax
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts stops automatic retries; zero means unlimited
	MaxAttempts int
}

// DefaultRecoveryOptions are used for zero fields of RecoveryOptions
var DefaultRecoveryOptions = RecoveryOptions{
	Hour:        4,
	Concurrency: 4,
	BackoffBase: 12 * time.Hour,
	BackoffMax:  7 * 24 * time.Hour,
	MaxAttempts: 10,
}

// Recovery retries unresolved fingerprints on a daily schedule
type Recovery struct {
	service  *Service
	store    StatusStore
	notifier notify.Notifier
	clock    TimeSource
	opts     RecoveryOptions
}

// NewRecovery creates a Recovery sharing the service's store, notifier and clock
func NewRecovery(service *Service, opts RecoveryOptions) *Recovery {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultRecoveryOptions.Concurrency
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = DefaultRecoveryOptions.BackoffMax
	}
	return &Recovery{
		service:  service,
		store:    service.store,
		notifier: service.notifier,
		clock:    service.timeSource,
		opts:     opts,
	}
}

// SweepReport collects the results of one sweep
type SweepReport struct {
	RunID     string
	StartedAt time.Time
	Results   []Outcome
	// Deferred counts rows still inside their backoff window
	Deferred int
	// Review lists fingerprints that hit the attempt ceiling
	Review []string
}

// Render formats the report. Detailed reports include the error chain of
// failures and go to the operator.
func (r *SweepReport) Render(detailed bool) string {
	blocks := make([]string, 0, len(r.Results)+1)
	for _, o := range r.Results {
		tail := o.Message()
		switch {
		case o.Kind == OutcomeSuccess:
			tail = o.URL
		case detailed:
			tail = o.Detail()
		}
		blocks = append(blocks, fmt.Sprintf("Processed:\n\n%s\n\nNew status:\n\n%s\n\n%s", o.Fingerprint, reportStatus(o), tail))
	}
	if len(r.Review) > 0 {
		blocks = append(blocks, "Needs manual review:\n\n"+strings.Join(r.Review, "\n"))
	}
	return strings.Join(blocks, reportDelimiter)
}

func reportStatus(o Outcome) string {
	switch o.Kind {
	case OutcomeSuccess, OutcomeDuplicate:
		return StatusSucceeded
	case OutcomeBusy:
		return StatusInProgress
	default:
		return o.Code()
	}
}

// backoff returns the wait after the given number of failed attempts
func (r *Recovery) backoff(attempts int) time.Duration {
	if r.opts.BackoffBase <= 0 {
		return 0
	}
	d := min(r.opts.BackoffBase, r.opts.BackoffMax)
	for i := 1; i < attempts && d < r.opts.BackoffMax; i++ {
		d *= 2
		if d >= r.opts.BackoffMax || d <= 0 {
			return r.opts.BackoffMax
		}
	}
	return d
}

// due reports whether a failed row has waited out its backoff. In-progress
// rows are always handed to the pipeline, whose claim decides if the lease
// went stale.
func (r *Recovery) due(st *ReceiptStatus, now time.Time) bool {
	if st.InProgress() || st.ImportFinishDate == nil {
		return true
	}
	return !now.Before(st.ImportFinishDate.Add(r.backoff(st.Attempts)))
}

// Sweep retries every due unresolved fingerprint once. A failure of one
// fingerprint is recorded in the report and never stops the others.
func (r *Recovery) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{
		RunID:     uuid.NewString(),
		StartedAt: r.clock.Now(),
	}
	log := slog.With("run_id", report.RunID)

	rows, err := r.store.ListUnresolved()
	if err != nil {
		return nil, fmt.Errorf("listing unresolved receipts: %w", err)
	}

	var due []string
	for _, st := range rows {
		switch {
		case r.opts.MaxAttempts > 0 && st.Attempts >= r.opts.MaxAttempts && !st.InProgress():
			report.Review = append(report.Review, st.Fingerprint)
		case !r.due(st, report.StartedAt):
			report.Deferred++
		default:
			due = append(due, st.Fingerprint)
		}
	}
	sort.Strings(report.Review)

	log.Info("Recovery sweep started", "unresolved", len(rows), "due", len(due), "deferred", report.Deferred, "review", len(report.Review))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.opts.Concurrency)
	for _, fp := range due {
		g.Go(func() error {
			o := r.service.Retry(ctx, fp)
			log.Info("Recovery attempt finished", "fingerprint", fp, "outcome", o.Kind, "code", o.Code())

			mu.Lock()
			report.Results = append(report.Results, o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Fingerprint < report.Results[j].Fingerprint
	})
	return report, nil
}

// RunOnce sweeps and delivers the report to the operator and users channels
func (r *Recovery) RunOnce(ctx context.Context) (*SweepReport, error) {
	report, err := r.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	if len(report.Results) == 0 && len(report.Review) == 0 {
		slog.Info("Recovery sweep found nothing to do", "run_id", report.RunID)
		return report, nil
	}

	if err := r.notifier.Notify(ctx, notify.Operator, report.Render(true)); err != nil {
		slog.Warn("Failed to deliver sweep report", "channel", notify.Operator, "error", err)
	}
	if err := r.notifier.Notify(ctx, notify.Users, report.Render(false)); err != nil {
		slog.Warn("Failed to deliver sweep report", "channel", notify.Users, "error", err)
	}
	return report, nil
}

// nextRun returns the next occurrence of hour:00 strictly after now
func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start runs the daily sweep until ctx is cancelled
func (r *Recovery) Start(ctx context.Context) {
	slog.Info("Recovery scheduler started", "hour", r.opts.Hour, "concurrency", r.opts.Concurrency)

	for {
		now := r.clock.Now()
		timer := time.NewTimer(nextRun(now, r.opts.Hour).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Recovery scheduler stopped")
			return
		case <-timer.C:
			if _, err := r.RunOnce(ctx); err != nil {
				slog.Error("Recovery sweep failed", "error", err)
			}
		}
	}
}
