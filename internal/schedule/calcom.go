package schedule

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/askjohngeorge/leadline/internal/observe"
)

const (
	// DefaultBaseURL is the Cal.com v2 API root.
	DefaultBaseURL = "https://api.cal.com/v2"

	// bookingAPIVersion pins the bookings endpoint behavior.
	bookingAPIVersion = "2024-08-13"

	defaultLookaheadDays = 7
	defaultHTTPTimeout   = 15 * time.Second
)

// CalComConfig configures a [CalCom] scheduler.
type CalComConfig struct {
	// BaseURL overrides [DefaultBaseURL]. Used by tests and self-hosted
	// deployments.
	BaseURL string

	// APIKey is the Cal.com API key. Required.
	APIKey string

	// EventTypeID identifies the bookable event type. Required.
	EventTypeID int

	// EventSlug and Username scope the availability query.
	EventSlug string
	Username  string

	// DurationMinutes is the event duration requested from the slots API.
	DurationMinutes int

	// DisplayTimezone is the IANA zone spoken dates and times are rendered
	// in. Defaults to UTC.
	DisplayTimezone string
}

// Option is a functional option for [NewCalCom].
type Option func(*CalCom)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *CalCom) { c.http = hc }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *CalCom) { c.log = log.With("component", "calcom") }
}

// WithMetrics enables booking counters on the given metrics set.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *CalCom) { c.metrics = m }
}

// CalCom implements [Scheduler] against the Cal.com v2 API. Each method makes
// a single request; callers decide whether a failure is retried or spoken
// back to the caller.
type CalCom struct {
	cfg     CalComConfig
	loc     *time.Location
	http    *http.Client
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

var _ Scheduler = (*CalCom)(nil)

// NewCalCom creates a Cal.com scheduler. APIKey and EventTypeID are required;
// DisplayTimezone must be a valid IANA zone when set.
func NewCalCom(cfg CalComConfig, opts ...Option) (*CalCom, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("calcom: APIKey must not be empty")
	}
	if cfg.EventTypeID == 0 {
		return nil, errors.New("calcom: EventTypeID must not be empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	loc := time.UTC
	if cfg.DisplayTimezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.DisplayTimezone)
		if err != nil {
			return nil, fmt.Errorf("calcom: DisplayTimezone: %w", err)
		}
	}

	c := &CalCom{
		cfg:  cfg,
		loc:  loc,
		http: &http.Client{Timeout: defaultHTTPTimeout},
		log:  slog.Default().With("component", "calcom"),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// rawSlot is one slot entry in the availability response.
type rawSlot struct {
	Time string `json:"time"`
}

// GetAvailability implements [Scheduler].
func (c *CalCom) GetAvailability(ctx context.Context, days int) (*Availability, error) {
	if days <= 0 {
		days = defaultLookaheadDays
	}

	now := c.now()
	q := url.Values{}
	q.Set("startTime", now.Format(time.RFC3339))
	q.Set("endTime", now.AddDate(0, 0, days).Format(time.RFC3339))
	q.Set("eventTypeId", strconv.Itoa(c.cfg.EventTypeID))
	if c.cfg.EventSlug != "" {
		q.Set("eventTypeSlug", c.cfg.EventSlug)
	}
	if c.cfg.DurationMinutes > 0 {
		q.Set("duration", strconv.Itoa(c.cfg.DurationMinutes))
	}
	if c.cfg.Username != "" {
		q.Set("usernameList[]", c.cfg.Username)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/slots/available?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("calcom: availability: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calcom: availability: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calcom: availability: status %d: %s", resp.StatusCode, errorBody(resp.Body))
	}

	var env struct {
		Status string `json:"status"`
		Data   struct {
			Slots map[string][]rawSlot `json:"slots"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("calcom: availability decode: %w", err)
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("calcom: availability: unexpected status %q", env.Status)
	}

	av := c.groupSlots(env.Data.Slots)
	c.log.Debug("availability fetched", "days", days, "dates", len(av.Dates))
	return av, nil
}

// groupSlots converts the raw slot map into spoken date groups, earliest
// first. Unparseable slot times are skipped.
func (c *CalCom) groupSlots(raw map[string][]rawSlot) *Availability {
	av := &Availability{SlotsByDate: make(map[string][]Slot)}
	earliest := make(map[string]time.Time)

	for _, slots := range raw {
		for _, s := range slots {
			start, err := time.Parse(time.RFC3339, s.Time)
			if err != nil {
				c.log.Warn("skipping unparseable slot", "time", s.Time, "error", err)
				continue
			}
			local := start.In(c.loc)
			date := local.Format(spokenDateLayout)
			av.SlotsByDate[date] = append(av.SlotsByDate[date], Slot{
				Date:    date,
				Time:    local.Format(spokenTimeLayout),
				Start:   start,
				Morning: local.Hour() < 12,
			})
			if t, ok := earliest[date]; !ok || start.Before(t) {
				earliest[date] = start
			}
		}
	}

	for date, slots := range av.SlotsByDate {
		slices.SortFunc(slots, func(a, b Slot) int { return a.Start.Compare(b.Start) })
		av.Dates = append(av.Dates, date)
	}
	slices.SortFunc(av.Dates, func(a, b string) int { return cmp.Compare(earliest[a].Unix(), earliest[b].Unix()) })

	return av
}

// bookingAttendee is the attendee block of a booking request.
type bookingAttendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
}

// bookingRequest is the Cal.com v2 bookings payload.
type bookingRequest struct {
	EventTypeID     int               `json:"eventTypeId"`
	Start           string            `json:"start"`
	Attendee        bookingAttendee   `json:"attendee"`
	FieldsResponses map[string]string `json:"bookingFieldsResponses,omitempty"`
}

// CreateBooking implements [Scheduler].
func (c *CalCom) CreateBooking(ctx context.Context, details BookingDetails) (*Booking, error) {
	if details.Start.IsZero() {
		return nil, errors.New("calcom: booking: Start must be set")
	}

	tz := details.Timezone
	if tz == "" {
		tz = "UTC"
	}
	body := bookingRequest{
		EventTypeID: c.cfg.EventTypeID,
		Start:       details.Start.UTC().Format(time.RFC3339),
		Attendee:    bookingAttendee{Name: details.Name, Email: details.Email, TimeZone: tz},
	}
	fields := make(map[string]string)
	if details.Company != "" {
		fields["company"] = details.Company
	}
	if details.Phone != "" {
		fields["phone"] = details.Phone
	}
	if details.Notes != "" {
		fields["notes"] = details.Notes
	}
	if len(fields) > 0 {
		body.FieldsResponses = fields
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("calcom: booking encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/bookings", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("calcom: booking: %w", err)
	}
	c.authorize(req)
	req.Header.Set("cal-api-version", bookingAPIVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordBooking(ctx, "error")
		return nil, fmt.Errorf("calcom: booking: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.recordBooking(ctx, "error")
		return nil, fmt.Errorf("calcom: booking: status %d: %s", resp.StatusCode, errorBody(resp.Body))
	}

	var env struct {
		Status string `json:"status"`
		Data   struct {
			UID string `json:"uid"`
			ID  int64  `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		c.recordBooking(ctx, "error")
		return nil, fmt.Errorf("calcom: booking decode: %w", err)
	}
	if env.Status != "success" {
		c.recordBooking(ctx, "error")
		return nil, fmt.Errorf("calcom: booking: unexpected status %q", env.Status)
	}

	c.recordBooking(ctx, "success")
	c.log.Info("booking created", "uid", env.Data.UID, "start", body.Start)
	return &Booking{UID: env.Data.UID, ID: env.Data.ID}, nil
}

func (c *CalCom) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

func (c *CalCom) recordBooking(ctx context.Context, status string) {
	if c.metrics != nil {
		c.metrics.RecordBookingCreated(ctx, status)
	}
}

// errorBody reads a bounded snippet of an error response for diagnostics.
func errorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
