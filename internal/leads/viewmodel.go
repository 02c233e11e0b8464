// Package leads is the view model over the agent's leads: CRUD, pipeline
// transitions, merge of duplicates and search.
package leads

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

// SearchLimit caps the number of search results.
const SearchLimit = 10

// ErrInvalidStage is returned when a status is not one of the pipeline stages.
var ErrInvalidStage = errors.New("invalid pipeline stage")

// Backend is the row storage for leads.
type Backend interface {
	ListLeads(ctx context.Context, agentID string) ([]model.Lead, error)
	InsertLead(ctx context.Context, l model.Lead) (model.Lead, error)
	UpdateLead(ctx context.Context, l model.Lead) (model.Lead, error)
	DeleteLead(ctx context.Context, id string) error
	SearchLeads(ctx context.Context, agentID, query string, limit int) ([]model.Lead, error)
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
	Store      *entitystore.Store[model.Lead]
	Backend    Backend
	Session    Identity
	Pool       *realtime.Pool
	Activities ActivityRecorder
	Validate   *validator.Validate
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// NewStore returns a lead store ordered newest first.
func NewStore() *entitystore.Store[model.Lead] {
	return entitystore.New(model.LeadID, entitystore.WithOrder(model.LeadsNewestFirst))
}

// ViewModel exposes lead operations over a shared store.
type ViewModel struct {
	store      *entitystore.Store[model.Lead]
	backend    Backend
	session    Identity
	pool       *realtime.Pool
	activities ActivityRecorder
	validate   *validator.Validate
	logger     *zap.Logger
	metrics    *metrics.Metrics

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
		logger:     d.Logger.With(zap.String("component", "leads")),
		metrics:    d.Metrics,
	}
}

// Store exposes the shared lead store.
func (vm *ViewModel) Store() *entitystore.Store[model.Lead] { return vm.store }

// All returns the leads, newest first.
func (vm *ViewModel) All() []model.Lead { return vm.store.All() }

// Get returns a lead from the local snapshot.
func (vm *ViewModel) Get(id string) (model.Lead, bool) { return vm.store.Get(id) }

// Fetch replaces the store with the agent's leads.
func (vm *ViewModel) Fetch(ctx context.Context) error {
	rows, err := vm.backend.ListLeads(ctx, vm.session.Identity())
	if err != nil {
		vm.logger.Error("fetch leads", zap.Error(err))
		return apperr.BackendFailure("leads.fetch", err)
	}
	vm.store.ReplaceAll(rows)
	return nil
}

// Input is the editable content of a lead.
type Input struct {
	Name          string               `json:"name" validate:"required,max=200"`
	Phone         string               `json:"phone" validate:"required,phone"`
	Email         string               `json:"email" validate:"omitempty,email"`
	PropertyTypes []model.PropertyType `json:"property_types" validate:"min=1,dive,oneof=apartment villa plot independent_house commercial other"`
	BudgetMin     int64                `json:"budget_min" validate:"gte=0"`
	BudgetMax     int64                `json:"budget_max" validate:"gte=0,gtefield=BudgetMin"`
	Location      string               `json:"location" validate:"max=200"`
	Source        model.Source         `json:"source" validate:"omitempty,oneof=website referral walk_in social_media property_portal cold_call other"`
	Temperature   model.Temperature    `json:"temperature" validate:"omitempty,oneof=hot warm cold"`
	FollowUpAt    *time.Time           `json:"follow_up_at"`
	Notes         string               `json:"notes" validate:"max=5000"`
	Tags          []string             `json:"tags" validate:"dive,required,max=50"`
}

func inputOf(l model.Lead) Input {
	return Input{
		Name:          l.Name,
		Phone:         l.Phone,
		Email:         l.Email,
		PropertyTypes: l.PropertyTypes,
		BudgetMin:     l.BudgetMin,
		BudgetMax:     l.BudgetMax,
		Location:      l.Location,
		Source:        l.Source,
		Temperature:   l.Temperature,
		FollowUpAt:    l.FollowUpAt,
		Notes:         l.Notes,
		Tags:          l.Tags,
	}
}

func (in Input) apply(l model.Lead) model.Lead {
	l.Name = strings.TrimSpace(in.Name)
	l.Phone = strings.TrimSpace(in.Phone)
	l.Email = strings.TrimSpace(in.Email)
	l.PropertyTypes = in.PropertyTypes
	l.BudgetMin = in.BudgetMin
	l.BudgetMax = in.BudgetMax
	l.Location = in.Location
	l.Source = in.Source
	if l.Source == "" {
		l.Source = model.SourceOther
	}
	l.Temperature = in.Temperature
	if l.Temperature == "" {
		l.Temperature = model.TemperatureWarm
	}
	l.FollowUpAt = in.FollowUpAt
	l.Notes = in.Notes
	l.Tags = in.Tags
	return l
}

func (vm *ViewModel) check(op string, in Input) error {
	if err := vm.validate.Struct(in); err != nil {
		return apperr.Invalid(op, validate.Message(err), err)
	}
	return nil
}

// Create validates and writes a new lead assigned to the signed-in agent.
func (vm *ViewModel) Create(ctx context.Context, in Input) (model.Lead, error) {
	if err := vm.check("leads.create", in); err != nil {
		return model.Lead{}, err
	}
	l := in.apply(model.Lead{AgentID: vm.session.Identity(), Status: model.StageNew})

	row, err := vm.backend.InsertLead(ctx, l)
	vm.metrics.Write("lead", "insert", err)
	if err != nil {
		vm.logger.Error("create lead", zap.Error(err))
		return model.Lead{}, apperr.BackendFailure("leads.create", err)
	}
	vm.store.Upsert(row)
	vm.record(ctx, activities.Entry{
		LeadID:      row.ID,
		Type:        model.ActivityLeadCreated,
		Description: fmt.Sprintf("Lead %s created", row.Name),
		NewValue:    model.Values{"status": string(row.Status)},
	})
	return row, nil
}

// Update replaces the editable content of a lead.
func (vm *ViewModel) Update(ctx context.Context, id string, in Input) (model.Lead, error) {
	cur, ok := vm.store.Get(id)
	if !ok {
		return model.Lead{}, apperr.Missing("leads.update", "lead "+id)
	}
	if err := vm.check("leads.update", in); err != nil {
		return model.Lead{}, err
	}
	return vm.write(ctx, "leads.update", in.apply(cur))
}

// Edit applies fn to the current content of a lead and saves the result.
func (vm *ViewModel) Edit(ctx context.Context, id string, fn func(*Input)) (model.Lead, error) {
	cur, ok := vm.store.Get(id)
	if !ok {
		return model.Lead{}, apperr.Missing("leads.edit", "lead "+id)
	}
	in := inputOf(cur)
	fn(&in)
	return vm.Update(ctx, id, in)
}

func (vm *ViewModel) write(ctx context.Context, op string, l model.Lead) (model.Lead, error) {
	row, err := vm.backend.UpdateLead(ctx, l)
	vm.metrics.Write("lead", "update", err)
	if errors.Is(err, store.ErrNotFound) {
		return model.Lead{}, apperr.Missing(op, "lead "+l.ID)
	}
	if err != nil {
		vm.logger.Error("update lead", zap.String("lead_id", l.ID), zap.Error(err))
		return model.Lead{}, apperr.BackendFailure(op, err)
	}
	vm.store.Upsert(row)
	return row, nil
}

// Delete removes a lead. The backend removes its meetings and activities.
func (vm *ViewModel) Delete(ctx context.Context, id string) error {
	err := vm.backend.DeleteLead(ctx, id)
	vm.metrics.Write("lead", "delete", err)
	if errors.Is(err, store.ErrNotFound) {
		vm.store.Remove(id)
		return apperr.Missing("leads.delete", "lead "+id)
	}
	if err != nil {
		vm.logger.Error("delete lead", zap.String("lead_id", id), zap.Error(err))
		return apperr.BackendFailure("leads.delete", err)
	}
	vm.store.Remove(id)
	return nil
}

// UpdateStatus moves a lead to another pipeline stage. A status-change
// activity is recorded only when the stage actually changed.
func (vm *ViewModel) UpdateStatus(ctx context.Context, id, status string) (model.Lead, error) {
	if !model.ValidStage(status) {
		return model.Lead{}, apperr.Invalid("leads.update_status", fmt.Sprintf("unknown stage %q", status), ErrInvalidStage)
	}
	cur, ok := vm.store.Get(id)
	if !ok {
		return model.Lead{}, apperr.Missing("leads.update_status", "lead "+id)
	}
	from, to := cur.Status, model.Stage(status)
	cur.Status = to

	row, err := vm.write(ctx, "leads.update_status", cur)
	if err != nil {
		return model.Lead{}, err
	}
	if from != to {
		vm.record(ctx, activities.Entry{
			LeadID:      id,
			Type:        model.ActivityStatusChange,
			Description: fmt.Sprintf("Status changed from %s to %s", from.Label(), to.Label()),
			OldValue:    model.Values{"status": string(from)},
			NewValue:    model.Values{"status": string(to)},
		})
	}
	return row, nil
}

// Search returns at most SearchLimit leads whose name or phone contains the
// query. A blank query returns nothing without touching the backend.
func (vm *ViewModel) Search(ctx context.Context, query string) ([]model.Lead, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	rows, err := vm.backend.SearchLeads(ctx, vm.session.Identity(), q, SearchLimit)
	if err != nil {
		vm.logger.Warn("search leads", zap.String("query", q), zap.Error(err))
		return nil, apperr.BackendFailure("leads.search", err)
	}
	if len(rows) > SearchLimit {
		rows = rows[:SearchLimit]
	}
	return rows, nil
}

// Subscription is the feed subscription Mount acquires.
func (vm *ViewModel) Subscription() feed.Subscription {
	return feed.Subscription{
		Table:  feed.TableLeads,
		Filter: &feed.Filter{Column: "agent_id", Value: feed.IdentityToken},
	}
}

// Mount starts merging the agent's lead changes into the store.
func (vm *ViewModel) Mount() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.handle != nil {
		return nil
	}
	h, err := vm.pool.Acquire(vm.Subscription(), realtime.Reconcile(vm.store, realtime.ReconcileOptions[model.Lead]{
		Logger:  vm.logger,
		Metrics: vm.metrics,
	}))
	if err != nil {
		return apperr.BackendFailure("leads.mount", err)
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

// record writes an activity. A failure is logged and does not fail the
// operation that already committed.
func (vm *ViewModel) record(ctx context.Context, e activities.Entry) {
	if vm.activities == nil {
		return
	}
	if _, err := vm.activities.Record(ctx, e); err != nil {
		vm.logger.Warn("record lead activity", zap.String("lead_id", e.LeadID), zap.String("type", e.Type), zap.Error(err))
	}
}
