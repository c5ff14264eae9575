package lead_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askjohngeorge/leadline/internal/lead"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LEADLINE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LEADLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEADLINE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [lead.PostgresStore] with a clean schema and
// registers cleanup to close it.
func newTestStore(t *testing.T) *lead.PostgresStore {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS call_transcripts CASCADE",
		"DROP TABLE IF EXISTS leads CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}

	store, err := lead.NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestPostgresLeadLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.StartCall(ctx, "call-1", start); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := store.UpsertField(ctx, "call-1", lead.FieldName, "Dana Wu"); err != nil {
		t.Fatalf("UpsertField name: %v", err)
	}
	if err := store.UpsertField(ctx, "call-1", lead.FieldBudget, "500/month"); err != nil {
		t.Fatalf("UpsertField budget: %v", err)
	}
	// Re-upserting a field keeps the latest value.
	if err := store.UpsertField(ctx, "call-1", lead.FieldBudget, "750/month"); err != nil {
		t.Fatalf("UpsertField budget again: %v", err)
	}

	got, err := store.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Dana Wu" || got.Budget != "750/month" {
		t.Errorf("lead = %+v", got)
	}
	if !got.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, start)
	}

	if err := store.EndCall(ctx, "call-1", start.Add(4*time.Minute)); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := store.AttachSummary(ctx, "call-1", "Wants a receptionist agent.", "qualified"); err != nil {
		t.Fatalf("AttachSummary: %v", err)
	}
	got, _ = store.Get(ctx, "call-1")
	if got.Summary == "" || got.Disposition != "qualified" {
		t.Errorf("summary not attached: %+v", got)
	}
}

func TestPostgresUpsertBeforeStartCall(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertField(ctx, "call-2", lead.FieldUseCase, "inbound triage"); err != nil {
		t.Fatalf("UpsertField: %v", err)
	}
	got, err := store.Get(ctx, "call-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UseCase != "inbound triage" {
		t.Errorf("UseCase = %q", got.UseCase)
	}
}

func TestPostgresUnknownFieldAndMissingCall(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertField(ctx, "call-3", "shoe_size", "44"); !errors.Is(err, lead.ErrUnknownField) {
		t.Errorf("unknown field err = %v, want ErrUnknownField", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, lead.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
	if err := store.AttachSummary(ctx, "missing", "s", "d"); !errors.Is(err, lead.ErrNotFound) {
		t.Errorf("AttachSummary missing = %v, want ErrNotFound", err)
	}
}

func TestPostgresTranscript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	err := store.AppendTranscript(ctx, "call-4", []lead.TranscriptEntry{
		{Role: "assistant", Text: "Hello!", Timestamp: now},
		{Role: "user", Text: "Hi, I saw your demo.", Timestamp: now.Add(2 * time.Second)},
	})
	if err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	err = store.AppendTranscript(ctx, "call-4", []lead.TranscriptEntry{
		{Role: "assistant", Text: "Great — what caught your eye?", Timestamp: now.Add(4 * time.Second)},
	})
	if err != nil {
		t.Fatalf("AppendTranscript second batch: %v", err)
	}

	entries, err := store.Transcript(ctx, "call-4")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(entries))
	}
	if entries[0].Text != "Hello!" || entries[2].Role != "assistant" {
		t.Errorf("transcript order wrong: %+v", entries)
	}

	empty, err := store.Transcript(ctx, "no-such-call")
	if err != nil {
		t.Fatalf("Transcript empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty transcript, got %d entries", len(empty))
	}
}
