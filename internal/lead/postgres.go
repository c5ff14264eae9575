package lead

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlLeads = `
CREATE TABLE IF NOT EXISTS leads (
    call_id      TEXT         PRIMARY KEY,
    name         TEXT         NOT NULL DEFAULT '',
    email        TEXT         NOT NULL DEFAULT '',
    company      TEXT         NOT NULL DEFAULT '',
    phone        TEXT         NOT NULL DEFAULT '',
    use_case     TEXT         NOT NULL DEFAULT '',
    start_date   TEXT         NOT NULL DEFAULT '',
    deadline     TEXT         NOT NULL DEFAULT '',
    budget       TEXT         NOT NULL DEFAULT '',
    feedback     TEXT         NOT NULL DEFAULT '',
    follow_up    TEXT         NOT NULL DEFAULT '',
    booking_uid  TEXT         NOT NULL DEFAULT '',
    summary      TEXT         NOT NULL DEFAULT '',
    disposition  TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_leads_started_at
    ON leads (started_at);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    id        BIGSERIAL    PRIMARY KEY,
    call_id   TEXT         NOT NULL,
    role      TEXT         NOT NULL,
    text      TEXT         NOT NULL,
    spoken_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_call_id
    ON call_transcripts (call_id, id);
`

// PostgresStore is the production [Store], backed by a pgx connection pool.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn and ensures the lead and
// transcript tables exist. The migration is idempotent and safe to run on
// every start.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("lead store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("lead store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("lead store: ping: %w", err)
	}

	for _, stmt := range []string{ddlLeads, ddlTranscripts} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("lead store: migrate: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// Ping verifies database connectivity, for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// StartCall implements [Store].
func (s *PostgresStore) StartCall(ctx context.Context, callID string, startedAt time.Time) error {
	const q = `
		INSERT INTO leads (call_id, started_at)
		VALUES ($1, $2)
		ON CONFLICT (call_id) DO UPDATE SET started_at = EXCLUDED.started_at`

	if _, err := s.pool.Exec(ctx, q, callID, startedAt); err != nil {
		return fmt.Errorf("lead store: start call: %w", err)
	}
	return nil
}

// EndCall implements [Store].
func (s *PostgresStore) EndCall(ctx context.Context, callID string, endedAt time.Time) error {
	const q = `
		INSERT INTO leads (call_id, ended_at)
		VALUES ($1, $2)
		ON CONFLICT (call_id) DO UPDATE SET ended_at = EXCLUDED.ended_at`

	if _, err := s.pool.Exec(ctx, q, callID, endedAt); err != nil {
		return fmt.Errorf("lead store: end call: %w", err)
	}
	return nil
}

// UpsertField implements [Store]. The column name is interpolated from the
// fieldColumns whitelist only, never from caller input.
func (s *PostgresStore) UpsertField(ctx context.Context, callID, field, value string) error {
	col, ok := fieldColumns[field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	q := fmt.Sprintf(`
		INSERT INTO leads (call_id, %s)
		VALUES ($1, $2)
		ON CONFLICT (call_id) DO UPDATE SET %s = EXCLUDED.%s`, col, col, col)

	if _, err := s.pool.Exec(ctx, q, callID, value); err != nil {
		return fmt.Errorf("lead store: upsert %s: %w", field, err)
	}
	return nil
}

// AppendTranscript implements [Store]. Entries are written in one batch.
func (s *PostgresStore) AppendTranscript(ctx context.Context, callID string, entries []TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const q = `
		INSERT INTO call_transcripts (call_id, role, text, spoken_at)
		VALUES ($1, $2, $3, $4)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(q, callID, e.Role, e.Text, e.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("lead store: append transcript: %w", err)
	}
	return nil
}

// AttachSummary implements [Store].
func (s *PostgresStore) AttachSummary(ctx context.Context, callID, summary, disposition string) error {
	const q = `
		UPDATE leads
		SET    summary = $2, disposition = $3
		WHERE  call_id = $1`

	tag, err := s.pool.Exec(ctx, q, callID, summary, disposition)
	if err != nil {
		return fmt.Errorf("lead store: attach summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: call %q", ErrNotFound, callID)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, callID string) (*Lead, error) {
	const q = `
		SELECT call_id, name, email, company, phone, use_case, start_date,
		       deadline, budget, feedback, follow_up, booking_uid, summary,
		       disposition, started_at, ended_at
		FROM   leads
		WHERE  call_id = $1`

	var (
		l                  Lead
		startedAt, endedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, q, callID).Scan(
		&l.CallID, &l.Name, &l.Email, &l.Company, &l.Phone, &l.UseCase,
		&l.StartDate, &l.Deadline, &l.Budget, &l.Feedback, &l.FollowUp,
		&l.BookingUID, &l.Summary, &l.Disposition, &startedAt, &endedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: call %q", ErrNotFound, callID)
	}
	if err != nil {
		return nil, fmt.Errorf("lead store: get: %w", err)
	}
	if startedAt != nil {
		l.StartedAt = *startedAt
	}
	if endedAt != nil {
		l.EndedAt = *endedAt
	}
	return &l, nil
}

// Transcript implements [Store].
func (s *PostgresStore) Transcript(ctx context.Context, callID string) ([]TranscriptEntry, error) {
	const q = `
		SELECT role, text, spoken_at
		FROM   call_transcripts
		WHERE  call_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("lead store: transcript: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TranscriptEntry, error) {
		var e TranscriptEntry
		err := row.Scan(&e.Role, &e.Text, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("lead store: scan transcript: %w", err)
	}
	if entries == nil {
		entries = []TranscriptEntry{}
	}
	return entries, nil
}
