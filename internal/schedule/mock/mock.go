// Package mock provides a test double for the schedule.Scheduler interface.
//
// Use Scheduler in unit tests to feed controlled availability and booking
// results to flow handlers without a live calendar backend.
package mock

import (
	"context"
	"sync"

	"github.com/askjohngeorge/leadline/internal/schedule"
)

// Scheduler is a mock implementation of schedule.Scheduler.
// Zero values for result fields cause methods to return nil results and nil
// errors. Set Err fields to inject failures.
type Scheduler struct {
	mu sync.Mutex

	// AvailabilityResult is returned by GetAvailability.
	AvailabilityResult *schedule.Availability

	// AvailabilityErr, if non-nil, is returned by GetAvailability.
	AvailabilityErr error

	// BookingResult is returned by CreateBooking.
	BookingResult *schedule.Booking

	// BookingErr, if non-nil, is returned by CreateBooking.
	BookingErr error

	// GetAvailabilityCalls records the days argument of each call.
	GetAvailabilityCalls []int

	// CreateBookingCalls records the details of each call.
	CreateBookingCalls []schedule.BookingDetails
}

var _ schedule.Scheduler = (*Scheduler)(nil)

// GetAvailability implements schedule.Scheduler.
func (s *Scheduler) GetAvailability(_ context.Context, days int) (*schedule.Availability, error) {
	s.mu.Lock()
	s.GetAvailabilityCalls = append(s.GetAvailabilityCalls, days)
	s.mu.Unlock()

	if s.AvailabilityErr != nil {
		return nil, s.AvailabilityErr
	}
	return s.AvailabilityResult, nil
}

// CreateBooking implements schedule.Scheduler.
func (s *Scheduler) CreateBooking(_ context.Context, details schedule.BookingDetails) (*schedule.Booking, error) {
	s.mu.Lock()
	s.CreateBookingCalls = append(s.CreateBookingCalls, details)
	s.mu.Unlock()

	if s.BookingErr != nil {
		return nil, s.BookingErr
	}
	return s.BookingResult, nil
}
