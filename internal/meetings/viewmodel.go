// Package meetings is the view model over scheduled meetings. It enforces
// at most one scheduled meeting per lead against the local snapshot.
package meetings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/leadsync/internal/activities"
	"github.com/matheus3301/leadsync/internal/apperr"
	"github.com/matheus3301/leadsync/internal/entitystore"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/metrics"
	"github.com/matheus3301/leadsync/internal/model"
	"github.com/matheus3301/leadsync/internal/realtime"
	"github.com/matheus3301/leadsync/internal/store"
	"github.com/matheus3301/leadsync/internal/validate"
	"go.uber.org/zap"
)

// ErrMeetingExists is returned when the lead already has a scheduled meeting.
var ErrMeetingExists = errors.New("lead already has a scheduled meeting")

// ErrTerminal is returned when changing a completed or cancelled meeting.
var ErrTerminal = errors.New("meeting is closed")

// Backend is the row storage for meetings.
type Backend interface {
	ListMeetings(ctx context.Context, agentID string) ([]model.Meeting, error)
	InsertMeeting(ctx context.Context, m model.Meeting) (model.Meeting, error)
	UpdateMeeting(ctx context.Context, m model.Meeting) (model.Meeting, error)
}

// ActivityRecorder appends audit entries.
type ActivityRecorder interface {
	Record(ctx context.Context, e activities.Entry) (model.Activity, error)
}

// Identity yields the signed-in agent.
type Identity interface {
	Identity() string
}

// Deps are the collaborators of a ViewModel.
type Deps struct {
	Store      *entitystore.Store[model.Meeting]
	Backend    Backend
	Session    Identity
	Pool       *realtime.Pool
	Activities ActivityRecorder
	Validate   *validator.Validate
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// NewStore returns a meeting store ordered by scheduled time.
func NewStore() *entitystore.Store[model.Meeting] {
	return entitystore.New(model.MeetingID, entitystore.WithOrder(model.MeetingsBySchedule))
}

// ViewModel exposes meeting operations over a shared store.
type ViewModel struct {
	store      *entitystore.Store[model.Meeting]
	backend    Backend
	session    Identity
	pool       *realtime.Pool
	activities ActivityRecorder
	validate   *validator.Validate
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// createMu serializes the scheduled-meeting check with its write.
	createMu sync.Mutex

	mu     sync.Mutex
	handle *realtime.Handle
}

// New creates a view model. Missing store, validator and logger get defaults.
func New(d Deps) *ViewModel {
	if d.Store == nil {
		d.Store = NewStore()
	}
	if d.Validate == nil {
		d.Validate = validate.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &ViewModel{
		store:      d.Store,
		backend:    d.Backend,
		session:    d.Session,
		pool:       d.Pool,
		activities: d.Activities,
		validate:   d.Validate,
		logger:     d.Logger.With(zap.String("component", "meetings")),
		metrics:    d.Metrics,
	}
}

// Store exposes the shared meeting store.
func (vm *ViewModel) Store() *entitystore.Store[model.Meeting] { return vm.store }

// All returns the meetings ordered by scheduled time.
func (vm *ViewModel) All() []model.Meeting { return vm.store.All() }

// Get returns a meeting from the local snapshot.
func (vm *ViewModel) Get(id string) (model.Meeting, bool) { return vm.store.Get(id) }

// Fetch replaces the store with the agent's meetings.
func (vm *ViewModel) Fetch(ctx context.Context) error {
	rows, err := vm.backend.ListMeetings(ctx, vm.session.Identity())
	if err != nil {
		vm.logger.Error("fetch meetings", zap.Error(err))
		return apperr.BackendFailure("meetings.fetch", err)
	}
	vm.store.ReplaceAll(rows)
	return nil
}

// Input describes a meeting to schedule.
type Input struct {
	LeadID          string            `json:"lead_id" validate:"required"`
	Title           string            `json:"title" validate:"required,max=200"`
	Description     string            `json:"description" validate:"max=2000"`
	Type            model.MeetingType `json:"meeting_type" validate:"omitempty,oneof=site_visit office_meeting video_call phone_call other"`
	ScheduledAt     time.Time         `json:"scheduled_at" validate:"required"`
	DurationMinutes int               `json:"duration_minutes" validate:"gte=0,lte=1440"`
	Location        string            `json:"location" validate:"max=200"`
}

// DefaultDuration applies when an input leaves the duration unset.
const DefaultDuration = 30

// Create schedules a meeting. It is rejected with ErrMeetingExists, and
// nothing is written, when the local snapshot already holds a scheduled
// meeting for the lead.
func (vm *ViewModel) Create(ctx context.Context, in Input) (model.Meeting, error) {
	if err := vm.validate.Struct(in); err != nil {
		return model.Meeting{}, apperr.Invalid("meetings.create", validate.Message(err), err)
	}

	vm.createMu.Lock()
	defer vm.createMu.Unlock()

	if existing, ok := vm.scheduledFor(in.LeadID, ""); ok {
		vm.logger.Info("meeting exists",
			zap.String("lead_id", in.LeadID),
			zap.String("meeting_id", existing.ID))
		return model.Meeting{}, apperr.Conflicting("meetings.create",
			fmt.Sprintf("meeting %s is already scheduled for lead %s", existing.ID, in.LeadID), ErrMeetingExists)
	}

	m := model.Meeting{
		LeadID:          in.LeadID,
		AgentID:         vm.session.Identity(),
		Title:           strings.TrimSpace(in.Title),
		Description:     in.Description,
		Type:            in.Type,
		ScheduledAt:     in.ScheduledAt,
		DurationMinutes: in.DurationMinutes,
		Location:        in.Location,
		Status:          model.MeetingScheduled,
	}
	if m.Type == "" {
		m.Type = model.MeetingOther
	}
	if m.DurationMinutes == 0 {
		m.DurationMinutes = DefaultDuration
	}

	row, err := vm.backend.InsertMeeting(ctx, m)
	vm.metrics.Write("meeting", "insert", err)
	if err != nil {
		vm.logger.Error("create meeting", zap.String("lead_id", in.LeadID), zap.Error(err))
		return model.Meeting{}, apperr.BackendFailure("meetings.create", err)
	}
	vm.store.Upsert(row)
	vm.record(ctx, activities.Entry{
		LeadID:      row.LeadID,
		Type:        model.ActivityMeetingScheduled,
		Description: fmt.Sprintf("Meeting %q scheduled for %s", row.Title, row.ScheduledAt.Format(time.RFC3339)),
		NewValue:    model.Values{"scheduled_at": row.ScheduledAt.Format(time.RFC3339)},
		MeetingID:   row.ID,
	})
	return row, nil
}

// scheduledFor finds a scheduled meeting of the lead other than skipID.
func (vm *ViewModel) scheduledFor(leadID, skipID string) (model.Meeting, bool) {
	for _, m := range vm.store.All() {
		if m.LeadID == leadID && m.ID != skipID && m.Status == model.MeetingScheduled {
			return m, true
		}
	}
	return model.Meeting{}, false
}

// checkReturnToScheduled rejects moving cur back to scheduled while another
// meeting of its lead is scheduled. Callers hold createMu.
func (vm *ViewModel) checkReturnToScheduled(op string, cur model.Meeting) error {
	if cur.Status == model.MeetingScheduled {
		return nil
	}
	if existing, ok := vm.scheduledFor(cur.LeadID, cur.ID); ok {
		return apperr.Conflicting(op,
			fmt.Sprintf("meeting %s is already scheduled for lead %s", existing.ID, cur.LeadID), ErrMeetingExists)
	}
	return nil
}

// Reschedule moves a meeting to at and returns it to scheduled. Every other
// field is preserved.
func (vm *ViewModel) Reschedule(ctx context.Context, id string, at time.Time) (model.Meeting, error) {
	cur, ok := vm.store.Get(id)
	if !ok {
		return model.Meeting{}, apperr.Missing("meetings.reschedule", "meeting "+id)
	}
	if cur.Status.Terminal() {
		return model.Meeting{}, apperr.Invalid("meetings.reschedule",
			fmt.Sprintf("meeting %s is %s", id, cur.Status), ErrTerminal)
	}
	if at.IsZero() {
		return model.Meeting{}, apperr.Invalid("meetings.reschedule", "scheduled_at is required", nil)
	}

	vm.createMu.Lock()
	defer vm.createMu.Unlock()
	if err := vm.checkReturnToScheduled("meetings.reschedule", cur); err != nil {
		return model.Meeting{}, err
	}

	prev := cur.ScheduledAt
	next := cur
	next.ScheduledAt = at
	next.Status = model.MeetingScheduled

	row, err := vm.write(ctx, "meetings.reschedule", next)
	if err != nil {
		return model.Meeting{}, err
	}
	vm.record(ctx, activities.Entry{
		LeadID:      row.LeadID,
		Type:        model.ActivityMeetingRescheduled,
		Description: fmt.Sprintf("Meeting %q rescheduled from %s to %s", row.Title, prev.Format(time.RFC3339), at.Format(time.RFC3339)),
		OldValue:    model.Values{"scheduled_at": prev.Format(time.RFC3339)},
		NewValue:    model.Values{"scheduled_at": row.ScheduledAt.Format(time.RFC3339)},
		MeetingID:   row.ID,
	})
	return row, nil
}

// SetStatus writes a status transition and patches the local record.
func (vm *ViewModel) SetStatus(ctx context.Context, id string, status model.MeetingStatus) (model.Meeting, error) {
	return vm.setStatus(ctx, "meetings.set_status", id, status, nil)
}

// RecordOutcome closes a meeting as completed or cancelled with notes and
// records the outcome on the lead.
func (vm *ViewModel) RecordOutcome(ctx context.Context, id string, status model.MeetingStatus, notes string) (model.Meeting, error) {
	if status != model.MeetingCompleted && status != model.MeetingCancelled {
		return model.Meeting{}, apperr.Invalid("meetings.record_outcome",
			fmt.Sprintf("outcome must be completed or cancelled, got %q", status), nil)
	}
	row, err := vm.setStatus(ctx, "meetings.record_outcome", id, status, func(m *model.Meeting) {
		if notes != "" {
			m.Notes = notes
		}
	})
	if err != nil {
		return model.Meeting{}, err
	}
	vm.record(ctx, activities.Entry{
		LeadID:      row.LeadID,
		Type:        model.ActivityMeetingOutcome,
		Description: fmt.Sprintf("Meeting %q %s", row.Title, row.Status),
		OldValue:    model.Values{"status": string(model.MeetingScheduled)},
		NewValue:    model.Values{"status": string(row.Status), "notes": notes},
		MeetingID:   row.ID,
	})
	return row, nil
}

func (vm *ViewModel) setStatus(ctx context.Context, op, id string, status model.MeetingStatus, patch func(*model.Meeting)) (model.Meeting, error) {
	if !model.ValidMeetingStatus(string(status)) {
		return model.Meeting{}, apperr.Invalid(op, fmt.Sprintf("unknown meeting status %q", status), nil)
	}
	cur, ok := vm.store.Get(id)
	if !ok {
		return model.Meeting{}, apperr.Missing(op, "meeting "+id)
	}
	if err := model.CheckMeetingTransition(cur.Status, status); err != nil {
		return model.Meeting{}, apperr.Invalid(op, err.Error(), err)
	}
	if status == model.MeetingScheduled {
		vm.createMu.Lock()
		defer vm.createMu.Unlock()
		if err := vm.checkReturnToScheduled(op, cur); err != nil {
			return model.Meeting{}, err
		}
	}
	cur.Status = status
	if patch != nil {
		patch(&cur)
	}
	return vm.write(ctx, op, cur)
}

func (vm *ViewModel) write(ctx context.Context, op string, m model.Meeting) (model.Meeting, error) {
	row, err := vm.backend.UpdateMeeting(ctx, m)
	vm.metrics.Write("meeting", "update", err)
	if errors.Is(err, store.ErrNotFound) {
		return model.Meeting{}, apperr.Missing(op, "meeting "+m.ID)
	}
	if err != nil {
		vm.logger.Error("update meeting", zap.String("meeting_id", m.ID), zap.Error(err))
		return model.Meeting{}, apperr.BackendFailure(op, err)
	}
	vm.store.Upsert(row)
	return row, nil
}

// ForDate returns the meetings on the calendar day of day, compared in day's
// location.
func (vm *ViewModel) ForDate(day time.Time) []model.Meeting {
	y, mo, d := day.Date()
	loc := day.Location()
	var out []model.Meeting
	for _, m := range vm.store.All() {
		my, mmo, md := m.ScheduledAt.In(loc).Date()
		if my == y && mmo == mo && md == d {
			out = append(out, m)
		}
	}
	return out
}

// NextForLead returns the earliest scheduled meeting of a lead.
func (vm *ViewModel) NextForLead(leadID string) (model.Meeting, bool) {
	// The snapshot is ordered by scheduled time, so the first match wins.
	for _, m := range vm.store.All() {
		if m.LeadID == leadID && m.Status == model.MeetingScheduled {
			return m, true
		}
	}
	return model.Meeting{}, false
}

// Upcoming returns scheduled meetings with now <= ScheduledAt <= now+window.
func (vm *ViewModel) Upcoming(now time.Time, window time.Duration) []model.Meeting {
	end := now.Add(window)
	var out []model.Meeting
	for _, m := range vm.store.All() {
		if m.Status != model.MeetingScheduled {
			continue
		}
		if m.ScheduledAt.Before(now) || m.ScheduledAt.After(end) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Subscription is the feed subscription Mount acquires.
func (vm *ViewModel) Subscription() feed.Subscription {
	return feed.Subscription{
		Table:  feed.TableMeetings,
		Filter: &feed.Filter{Column: "agent_id", Value: feed.IdentityToken},
	}
}

// Mount starts merging the agent's meeting changes into the store.
func (vm *ViewModel) Mount() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.handle != nil {
		return nil
	}
	h, err := vm.pool.Acquire(vm.Subscription(), realtime.Reconcile(vm.store, realtime.ReconcileOptions[model.Meeting]{
		Logger:  vm.logger,
		Metrics: vm.metrics,
	}))
	if err != nil {
		return apperr.BackendFailure("meetings.mount", err)
	}
	vm.handle = h
	return nil
}

// Unmount releases the feed channel claim.
func (vm *ViewModel) Unmount() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.handle != nil {
		vm.handle.Release()
		vm.handle = nil
	}
}

func (vm *ViewModel) record(ctx context.Context, e activities.Entry) {
	if vm.activities == nil {
		return
	}
	if _, err := vm.activities.Record(ctx, e); err != nil {
		vm.logger.Warn("record meeting activity", zap.String("meeting_id", e.MeetingID), zap.String("type", e.Type), zap.Error(err))
	}
}
