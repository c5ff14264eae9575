// Package lead persists what the assistant learns about a caller.
//
// A lead record accumulates during the call: the flow's collection handlers
// upsert fields one at a time as the caller answers (name, use case,
// timeline, budget, feedback, follow-up preference), the transcript flusher
// appends the spoken exchange, and the post-call report attaches a summary
// and disposition. [Store] has a Postgres implementation for production and
// an in-memory one for tests and DSN-less development.
package lead

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no lead record exists for a call.
var ErrNotFound = errors.New("lead: not found")

// ErrUnknownField is returned by UpsertField for a field name outside the
// known set.
var ErrUnknownField = errors.New("lead: unknown field")

// Field names accepted by [Store.UpsertField].
const (
	FieldName       = "name"
	FieldEmail      = "email"
	FieldCompany    = "company"
	FieldPhone      = "phone"
	FieldUseCase    = "use_case"
	FieldStartDate  = "start_date"
	FieldDeadline   = "deadline"
	FieldBudget     = "budget"
	FieldFeedback   = "feedback"
	FieldFollowUp   = "follow_up"
	FieldBookingUID = "booking_uid"
)

// fieldColumns whitelists field names and maps them to storage columns.
// UpsertField interpolates column names from this map only.
var fieldColumns = map[string]string{
	FieldName:       "name",
	FieldEmail:      "email",
	FieldCompany:    "company",
	FieldPhone:      "phone",
	FieldUseCase:    "use_case",
	FieldStartDate:  "start_date",
	FieldDeadline:   "deadline",
	FieldBudget:     "budget",
	FieldFeedback:   "feedback",
	FieldFollowUp:   "follow_up",
	FieldBookingUID: "booking_uid",
}

// Lead is the record built up over one call.
type Lead struct {
	CallID string

	Name    string
	Email   string
	Company string
	Phone   string

	UseCase string

	// StartDate and Deadline hold the caller's timeline answers verbatim
	// ("sometime in the spring", "before the trade show").
	StartDate string
	Deadline  string

	Budget   string
	Feedback string

	// FollowUp is the caller's preferred next step: "book" or "contact".
	FollowUp string

	// BookingUID references the calendar booking when a call was scheduled.
	BookingUID string

	// Summary and Disposition are attached by the post-call report.
	Summary     string
	Disposition string

	StartedAt time.Time
	EndedAt   time.Time
}

// Complete reports whether every qualification station collected an answer.
// A deadline is optional — many callers only give a start date.
func (l *Lead) Complete() bool {
	return l.Name != "" &&
		l.UseCase != "" &&
		l.StartDate != "" &&
		l.Budget != "" &&
		l.Feedback != "" &&
		l.FollowUp != ""
}

// TranscriptEntry is one spoken line of the call.
type TranscriptEntry struct {
	// Role is "user" or "assistant".
	Role string

	Text string

	Timestamp time.Time
}

// Store persists lead records and call transcripts. Implementations are safe
// for concurrent use.
type Store interface {
	// StartCall creates the lead record for a call, marking its start time.
	// Calling it again for the same call updates the start time.
	StartCall(ctx context.Context, callID string, startedAt time.Time) error

	// EndCall marks the call's end time.
	EndCall(ctx context.Context, callID string, endedAt time.Time) error

	// UpsertField sets a single collected field on the lead record,
	// creating the record if the flow reaches a collection handler before
	// StartCall lands. Unknown fields return [ErrUnknownField].
	UpsertField(ctx context.Context, callID, field, value string) error

	// AppendTranscript appends entries to the call transcript in order.
	AppendTranscript(ctx context.Context, callID string, entries []TranscriptEntry) error

	// AttachSummary stores the post-call summary and disposition.
	AttachSummary(ctx context.Context, callID, summary, disposition string) error

	// Get returns the lead record for a call, or [ErrNotFound].
	Get(ctx context.Context, callID string) (*Lead, error)

	// Transcript returns the call transcript in spoken order.
	Transcript(ctx context.Context, callID string) ([]TranscriptEntry, error)
}
