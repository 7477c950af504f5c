package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresQueryTimeout = 5 * time.Second

const statusSchema = `
create table if not exists statuses (
	fingerprint        text primary key,
	import_start_date  timestamptz not null,
	status             text not null,
	import_finish_date timestamptz,
	attempts           integer not null default 0,
	error_code         text not null default ''
)`

const statusColumns = `fingerprint, import_start_date, status, import_finish_date, attempts, error_code`

// PostgresStore implements StatusStore on a shared Postgres database, for
// deployments where more than one process imports receipts. Claim is a
// single conditional upsert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and creates the statuses table if needed
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, statusSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating statuses table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func scanStatus(row interface{ Scan(...any) error }) (*ReceiptStatus, error) {
	var (
		st     ReceiptStatus
		finish sql.NullTime
	)
	if err := row.Scan(&st.Fingerprint, &st.ImportStartDate, &st.Status, &finish, &st.Attempts, &st.ErrorCode); err != nil {
		return nil, err
	}
	if finish.Valid {
		t := finish.Time
		st.ImportFinishDate = &t
	}
	return &st, nil
}

// MarkStarted upserts the row to in_progress
func (p *PostgresStore) MarkStarted(fingerprint string, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		insert into statuses (fingerprint, import_start_date, status)
		values ($1, $2, 'in_progress')
		on conflict (fingerprint) do update
		set status = 'in_progress',
		    import_start_date = excluded.import_start_date,
		    import_finish_date = null
	`, fingerprint, at)
	if err != nil {
		return fmt.Errorf("marking started: %w", err)
	}
	return nil
}

// Claim takes the import lease on a fingerprint
func (p *PostgresStore) Claim(fingerprint string, at time.Time, lease time.Duration) (*ReceiptStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `
		insert into statuses (fingerprint, import_start_date, status, attempts)
		values ($1, $2, 'in_progress', 1)
		on conflict (fingerprint) do update
		set status = 'in_progress',
		    import_start_date = excluded.import_start_date,
		    import_finish_date = null,
		    attempts = statuses.attempts + 1
		where statuses.status <> 'succeeded'
		  and not (statuses.status = 'in_progress' and statuses.import_start_date > $3)
		returning `+statusColumns,
		fingerprint, at, at.Add(-lease))

	st, err := scanStatus(row)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claiming status: %w", err)
	}

	current, err := p.GetStatus(fingerprint)
	if err != nil {
		return nil, err
	}
	if current.Succeeded() {
		return nil, ErrAlreadySucceeded
	}
	return nil, ErrClaimed
}

// FindSucceeded returns the row iff it succeeded
func (p *PostgresStore) FindSucceeded(fingerprint string) (*ReceiptStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `select `+statusColumns+` from statuses where fingerprint = $1 and status = 'succeeded'`, fingerprint)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding succeeded status: %w", err)
	}
	return st, nil
}

// MarkFinished records the status and finish time of the attempt holding
// the row
func (p *PostgresStore) MarkFinished(fingerprint string, startedAt time.Time, status, code string, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		update statuses
		set status = $1, error_code = $2, import_finish_date = $3
		where fingerprint = $4
		  and status = 'in_progress'
		  and import_start_date = $5
	`, status, code, at, fingerprint, startedAt)
	if err != nil {
		return fmt.Errorf("marking finished: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking finished: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := p.GetStatus(fingerprint); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrLeaseLost, fingerprint)
}

// GetStatus retrieves a row by fingerprint
func (p *PostgresStore) GetStatus(fingerprint string) (*ReceiptStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `select `+statusColumns+` from statuses where fingerprint = $1`, fingerprint)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotFound, fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("getting status: %w", err)
	}
	return st, nil
}

// ListUnresolved returns all rows not in the succeeded state
func (p *PostgresStore) ListUnresolved() ([]*ReceiptStatus, error) {
	return p.list(`select ` + statusColumns + ` from statuses where status <> 'succeeded' order by fingerprint`)
}

// ListStatuses returns all rows
func (p *PostgresStore) ListStatuses() ([]*ReceiptStatus, error) {
	return p.list(`select ` + statusColumns + ` from statuses order by fingerprint`)
}

func (p *PostgresStore) list(query string) ([]*ReceiptStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing statuses: %w", err)
	}
	defer rows.Close()

	statuses := make([]*ReceiptStatus, 0)
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// Close closes the connection pool
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
