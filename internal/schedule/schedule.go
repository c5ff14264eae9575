// Package schedule books discovery calls through a calendar API.
//
// The flow engine's availability and booking handlers drive a [Scheduler]:
// GetAvailability fetches open slots for the next few days grouped into
// spoken-friendly date options, and CreateBooking reserves one. The shapes
// here are presentation-oriented — dates like "Thursday, January 19" and
// times like "10:00 AM" are read out by the assistant verbatim and echoed
// back by the caller when they pick one.
package schedule

import (
	"context"
	"time"
)

// Spoken layouts. The assistant reads these aloud, so they stay free of
// zero padding.
const (
	spokenDateLayout = "Monday, January 2"
	spokenTimeLayout = "3:04 PM"
)

// Slot is a single bookable time slot.
type Slot struct {
	// Date is the spoken date the slot belongs to, e.g. "Thursday, January 19".
	Date string

	// Time is the spoken start time, e.g. "10:00 AM".
	Time string

	// Start is the exact slot start. CreateBooking wants this value.
	Start time.Time

	// Morning is true for slots starting before noon in the display zone.
	Morning bool
}

// Availability is the slot inventory for a lookahead window, grouped by
// spoken date.
type Availability struct {
	// Dates lists the spoken dates in chronological order.
	Dates []string

	// SlotsByDate maps each spoken date to its slots, earliest first.
	SlotsByDate map[string][]Slot
}

// FirstDates returns up to n dates for the assistant to offer.
func (a *Availability) FirstDates(n int) []string {
	if a == nil || n <= 0 {
		return nil
	}
	if n > len(a.Dates) {
		n = len(a.Dates)
	}
	return a.Dates[:n]
}

// MorningAfternoon returns the first morning and first afternoon slot for the
// given spoken date. Either may be nil when that half of the day is full.
func (a *Availability) MorningAfternoon(date string) (morning, afternoon *Slot) {
	if a == nil {
		return nil, nil
	}
	slots := a.SlotsByDate[date]
	for i := range slots {
		s := &slots[i]
		if s.Morning {
			if morning == nil {
				morning = s
			}
		} else if afternoon == nil {
			afternoon = s
		}
	}
	return morning, afternoon
}

// BookingDetails carries the attendee information collected during the call.
type BookingDetails struct {
	Name     string
	Email    string
	Company  string
	Phone    string
	Timezone string
	Notes    string

	// Start is the slot start time, as returned in [Slot.Start].
	Start time.Time
}

// Booking is the receipt for a created booking.
type Booking struct {
	// UID is the calendar system's booking reference.
	UID string

	// ID is the numeric booking ID, when the backend provides one.
	ID int64
}

// Scheduler checks availability and creates bookings. Implementations make a
// single attempt per call; the flow decides how a failure is presented to the
// caller.
type Scheduler interface {
	// GetAvailability fetches open slots for the next days days.
	GetAvailability(ctx context.Context, days int) (*Availability, error)

	// CreateBooking reserves the slot described by details.
	CreateBooking(ctx context.Context, details BookingDetails) (*Booking, error)
}
