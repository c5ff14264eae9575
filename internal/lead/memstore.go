package lead

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory [Store] for tests and deployments without a
// database. Records live until the process exits.
//
// All methods are safe for concurrent use.
type MemStore struct {
	mu          sync.RWMutex
	leads       map[string]*Lead
	transcripts map[string][]TranscriptEntry
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		leads:       make(map[string]*Lead),
		transcripts: make(map[string][]TranscriptEntry),
	}
}

// StartCall implements [Store].
func (s *MemStore) StartCall(_ context.Context, callID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ensureLocked(callID)
	l.StartedAt = startedAt
	return nil
}

// EndCall implements [Store].
func (s *MemStore) EndCall(_ context.Context, callID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ensureLocked(callID)
	l.EndedAt = endedAt
	return nil
}

// UpsertField implements [Store].
func (s *MemStore) UpsertField(_ context.Context, callID, field, value string) error {
	if _, ok := fieldColumns[field]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ensureLocked(callID)

	switch field {
	case FieldName:
		l.Name = value
	case FieldEmail:
		l.Email = value
	case FieldCompany:
		l.Company = value
	case FieldPhone:
		l.Phone = value
	case FieldUseCase:
		l.UseCase = value
	case FieldStartDate:
		l.StartDate = value
	case FieldDeadline:
		l.Deadline = value
	case FieldBudget:
		l.Budget = value
	case FieldFeedback:
		l.Feedback = value
	case FieldFollowUp:
		l.FollowUp = value
	case FieldBookingUID:
		l.BookingUID = value
	}
	return nil
}

// AppendTranscript implements [Store].
func (s *MemStore) AppendTranscript(_ context.Context, callID string, entries []TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[callID] = append(s.transcripts[callID], entries...)
	return nil
}

// AttachSummary implements [Store].
func (s *MemStore) AttachSummary(_ context.Context, callID, summary, disposition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[callID]
	if !ok {
		return fmt.Errorf("%w: call %q", ErrNotFound, callID)
	}
	l.Summary = summary
	l.Disposition = disposition
	return nil
}

// Get implements [Store]. The returned record is a copy.
func (s *MemStore) Get(_ context.Context, callID string) (*Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[callID]
	if !ok {
		return nil, fmt.Errorf("%w: call %q", ErrNotFound, callID)
	}
	cp := *l
	return &cp, nil
}

// Transcript implements [Store].
func (s *MemStore) Transcript(_ context.Context, callID string) ([]TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.transcripts[callID]
	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// ensureLocked returns the lead record for callID, creating it if absent.
// Caller holds mu.
func (s *MemStore) ensureLocked(callID string) *Lead {
	l, ok := s.leads[callID]
	if !ok {
		l = &Lead{CallID: callID}
		s.leads[callID] = l
	}
	return l
}
