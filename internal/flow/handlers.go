package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/askjohngeorge/leadline/internal/knowledge"
	"github.com/askjohngeorge/leadline/internal/lead"
	"github.com/askjohngeorge/leadline/internal/schedule"
)

// Handler names [Builtins.Register] binds. Flow definitions reference these
// in their functions' handler field.
const (
	HandlerCollectLeadFields = "collect_lead_fields"
	HandlerCheckAvailability = "check_availability"
	HandlerSelectTimeSlot    = "select_time_slot"
	HandlerConfirmBooking    = "confirm_booking"
	HandlerServiceInfo       = "service_info"
)

// Builtins are the assistant's standard tool handlers: lead field capture,
// discovery-call scheduling and service questions. One instance serves one
// call; the scheduling handlers keep per-call state (the last availability
// check) between tool calls.
type Builtins struct {
	log       *slog.Logger
	store     lead.Store
	callID    string
	scheduler schedule.Scheduler
	searcher  knowledge.Searcher
	days      int
	timezone  string
	topK      int

	mu    sync.Mutex
	avail *schedule.Availability
}

// BuiltinOption is a functional option for [NewBuiltins].
type BuiltinOption func(*Builtins)

// WithScheduler enables the availability and booking handlers. days is the
// availability lookahead; zero means seven days.
func WithScheduler(s schedule.Scheduler, days int) BuiltinOption {
	return func(b *Builtins) {
		b.scheduler = s
		if days > 0 {
			b.days = days
		}
	}
}

// WithBookingTimezone sets the attendee timezone sent with bookings.
func WithBookingTimezone(tz string) BuiltinOption {
	return func(b *Builtins) { b.timezone = tz }
}

// WithKnowledge enables the service-info handler. topK caps how many
// knowledge entries one answer may cite; zero means [knowledge.DefaultTopK].
func WithKnowledge(searcher knowledge.Searcher, topK int) BuiltinOption {
	return func(b *Builtins) {
		b.searcher = searcher
		if topK > 0 {
			b.topK = topK
		}
	}
}

// NewBuiltins creates the built-in handlers for one call.
func NewBuiltins(store lead.Store, callID string, log *slog.Logger, opts ...BuiltinOption) *Builtins {
	if log == nil {
		log = slog.Default()
	}
	b := &Builtins{
		log:    log.With("component", "flow-builtins"),
		store:  store,
		callID: callID,
		days:   7,
		topK:   knowledge.DefaultTopK,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register binds every available handler on e. Handlers whose backing
// service is not configured are left unregistered, so flows referencing
// them fail loudly at [Engine.Start].
func (b *Builtins) Register(e *Engine) {
	e.RegisterHandler(HandlerCollectLeadFields, b.collectFields)
	if b.scheduler != nil {
		e.RegisterHandler(HandlerCheckAvailability, b.checkAvailability)
		e.RegisterHandler(HandlerSelectTimeSlot, b.selectTimeSlot)
		e.RegisterHandler(HandlerConfirmBooking, b.confirmBooking)
	}
	if b.searcher != nil {
		e.RegisterHandler(HandlerServiceInfo, b.serviceInfo)
	}
}

// statusResult is the JSON shape handlers feed back to the model. Message
// carries guidance the model turns into speech.
type statusResult struct {
	Status   string            `json:"status"`
	Message  string            `json:"message,omitempty"`
	Recorded map[string]string `json:"recorded,omitempty"`
	Dates    []string          `json:"dates,omitempty"`
	Slots    []slotOption      `json:"slots,omitempty"`
}

type slotOption struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// collectFields upserts every recognised argument into the lead record.
// Unknown keys are dropped so a flow can pass the model's extra chatter
// without failing the call.
func (b *Builtins) collectFields(ctx context.Context, args map[string]any) (Result, error) {
	recorded := make(map[string]string, len(args))
	for key, v := range args {
		value := stringify(v)
		if value == "" {
			continue
		}
		err := b.store.UpsertField(ctx, b.callID, key, value)
		if errors.Is(err, lead.ErrUnknownField) {
			b.log.Debug("dropping unknown lead field", "field", key)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("record %s: %w", key, err)
		}
		recorded[key] = value
	}
	return jsonResult(statusResult{Status: "success", Recorded: recorded}), nil
}

// checkAvailability fetches open slots and offers the first two dates.
func (b *Builtins) checkAvailability(ctx context.Context, _ map[string]any) (Result, error) {
	avail, err := b.scheduler.GetAvailability(ctx, b.days)
	if err != nil {
		b.log.Warn("availability check failed", "error", err)
		return jsonResult(statusResult{
			Status:  "error",
			Message: "The scheduling system is not responding. Apologise and offer to have the team follow up by email instead.",
		}), nil
	}
	if avail == nil || len(avail.Dates) == 0 {
		return jsonResult(statusResult{
			Status:  "error",
			Message: fmt.Sprintf("No slots are open in the next %d days. Offer to have the team follow up by email.", b.days),
		}), nil
	}

	b.mu.Lock()
	b.avail = avail
	b.mu.Unlock()

	return jsonResult(statusResult{
		Status:  "success",
		Message: "Offer these dates and ask which works better.",
		Dates:   avail.FirstDates(2),
	}), nil
}

// selectTimeSlot offers the first morning and afternoon slot on the chosen
// date.
func (b *Builtins) selectTimeSlot(_ context.Context, args map[string]any) (Result, error) {
	date, _ := args["date"].(string)
	if date == "" {
		return jsonResult(statusResult{
			Status:  "error",
			Message: "No date given. Ask the caller which of the offered dates they prefer.",
		}), nil
	}

	b.mu.Lock()
	avail := b.avail
	b.mu.Unlock()
	if avail == nil {
		return jsonResult(statusResult{
			Status:  "error",
			Message: "Availability has not been checked yet. Call check_availability first.",
		}), nil
	}

	morning, afternoon := avail.MorningAfternoon(date)
	if morning == nil && afternoon == nil {
		return jsonResult(statusResult{
			Status:  "error",
			Message: "No open slots remain on that date. Check availability again and offer fresh dates.",
		}), nil
	}

	var slots []slotOption
	for _, s := range []*schedule.Slot{morning, afternoon} {
		if s != nil {
			slots = append(slots, slotOption{Date: s.Date, Time: s.Time})
		}
	}
	return jsonResult(statusResult{
		Status:  "success",
		Message: "Offer these times and ask which works better.",
		Slots:   slots,
	}), nil
}

// confirmBooking reserves the chosen slot with the attendee details from the
// lead record and stores the booking reference on the lead.
func (b *Builtins) confirmBooking(ctx context.Context, args map[string]any) (Result, error) {
	date, _ := args["date"].(string)
	timeStr, _ := args["time"].(string)
	if date == "" || timeStr == "" {
		return jsonResult(statusResult{
			Status:  "error",
			Message: "The slot is incomplete. Confirm both the date and the time with the caller.",
		}), nil
	}

	b.mu.Lock()
	avail := b.avail
	b.mu.Unlock()
	if avail == nil {
		return jsonResult(statusResult{
			Status:  "error",
			Message: "Availability has not been checked yet. Call check_availability first.",
		}), nil
	}

	var slot *schedule.Slot
	for i := range avail.SlotsByDate[date] {
		if avail.SlotsByDate[date][i].Time == timeStr {
			slot = &avail.SlotsByDate[date][i]
			break
		}
	}
	if slot == nil {
		return jsonResult(statusResult{
			Status:  "error",
			Message: "That time is not on offer anymore. Check availability again and offer fresh slots.",
		}), nil
	}

	rec, err := b.store.Get(ctx, b.callID)
	if errors.Is(err, lead.ErrNotFound) {
		rec = &lead.Lead{}
	} else if err != nil {
		return Result{}, fmt.Errorf("load lead: %w", err)
	}

	booking, err := b.scheduler.CreateBooking(ctx, schedule.BookingDetails{
		Name:     rec.Name,
		Email:    rec.Email,
		Company:  rec.Company,
		Phone:    rec.Phone,
		Timezone: b.timezone,
		Notes:    "Discovery call requested during an assistant-handled inbound call.",
		Start:    slot.Start,
	})
	if err != nil {
		b.log.Warn("booking failed", "error", err)
		return jsonResult(statusResult{
			Status:  "error",
			Message: "The booking system rejected the reservation. Apologise and offer a follow-up email instead.",
		}), nil
	}

	if err := b.store.UpsertField(ctx, b.callID, lead.FieldBookingUID, booking.UID); err != nil {
		// The booking exists either way; losing the reference is not
		// worth failing the call over.
		b.log.Warn("storing booking reference failed", "error", err)
	}

	return jsonResult(statusResult{
		Status:  "success",
		Message: fmt.Sprintf("Booked %s at %s. Confirm out loud and mention the calendar invitation.", date, timeStr),
	}), nil
}

// serviceInfo answers service questions from the knowledge store.
func (b *Builtins) serviceInfo(ctx context.Context, args map[string]any) (Result, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return jsonResult(statusResult{
			Status:  "error",
			Message: "No question given. Ask the caller what they would like to know.",
		}), nil
	}

	results, err := b.searcher.Search(ctx, query, b.topK)
	if errors.Is(err, knowledge.ErrEmpty) || (err == nil && len(results) == 0) {
		return jsonResult(statusResult{
			Status:  "error",
			Message: "Nothing on record covers that. Say so honestly and offer a follow-up email.",
		}), nil
	}
	if err != nil {
		b.log.Warn("knowledge search failed", "error", err)
		return jsonResult(statusResult{
			Status:  "error",
			Message: "The service information lookup is unavailable right now. Offer a follow-up email.",
		}), nil
	}

	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("%s: %s", r.Topic, r.Content))
	}
	return jsonResult(statusResult{
		Status:  "success",
		Message: strings.Join(lines, "\n"),
	}), nil
}

func jsonResult(v statusResult) Result {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{Content: v.Message}
	}
	return Result{Content: string(data)}
}

// stringify renders a decoded JSON argument value for storage. Numbers keep
// their shortest form, so a spoken "ten thousand" the model wrote as 10000
// stays "10000".
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
