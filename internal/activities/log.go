// Package activities maintains the newest-first audit log of lead activity.
package activities

import (
	"context"
	"sync"

	"github.com/matheus3301/leadsync/internal/apperr"
	"github.com/matheus3301/leadsync/internal/entitystore"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/metrics"
	"github.com/matheus3301/leadsync/internal/model"
	"github.com/matheus3301/leadsync/internal/realtime"
	"go.uber.org/zap"
)

// Backend is the row storage the log reads and writes.
type Backend interface {
	ListActivities(ctx context.Context, leadID string) ([]model.Activity, error)
	ListAgentActivities(ctx context.Context, agentID string) ([]model.Activity, error)
	InsertActivity(ctx context.Context, a model.Activity) (model.Activity, error)
}

// Identity yields the acting agent.
type Identity interface {
	Identity() string
}

// Entry is an activity to record. The acting agent comes from the session.
type Entry struct {
	LeadID      string
	Type        string
	Description string
	OldValue    model.Values
	NewValue    model.Values
	MeetingID   string
}

// Deps are the collaborators of a Log.
type Deps struct {
	Store   *entitystore.Store[model.Activity]
	Backend Backend
	Session Identity
	Pool    *realtime.Pool
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// NewStore returns an activity store ordered newest first.
func NewStore() *entitystore.Store[model.Activity] {
	return entitystore.New(model.ActivityID, entitystore.WithOrder(model.ActivitiesNewestFirst))
}

// Log is the activity view for one lead, for the signed-in agent, or for
// every lead when the scope is empty.
type Log struct {
	leadID  string
	byAgent bool
	store   *entitystore.Store[model.Activity]
	backend Backend
	session Identity
	pool    *realtime.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	handle *realtime.Handle
}

// NewLog creates a log scoped to leadID ("" for all leads). A nil store gets
// a fresh one.
func NewLog(leadID string, d Deps) *Log {
	if d.Store == nil {
		d.Store = NewStore()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Log{
		leadID:  leadID,
		store:   d.Store,
		backend: d.Backend,
		session: d.Session,
		pool:    d.Pool,
		logger:  d.Logger.With(zap.String("component", "activities"), zap.String("lead_id", leadID)),
		metrics: d.Metrics,
	}
}

// NewAgentLog creates a log of the activities recorded by the session's
// agent. The scope follows identity switches.
func NewAgentLog(d Deps) *Log {
	l := NewLog("", d)
	l.byAgent = true
	l.logger = l.logger.With(zap.String("scope", "agent"))
	return l
}

// Store exposes the underlying entity store for subscription.
func (l *Log) Store() *entitystore.Store[model.Activity] { return l.store }

// All returns the activities newest first.
func (l *Log) All() []model.Activity { return l.store.All() }

// ForLead filters the snapshot to one lead.
func (l *Log) ForLead(leadID string) []model.Activity {
	var out []model.Activity
	for _, a := range l.store.All() {
		if a.LeadID == leadID {
			out = append(out, a)
		}
	}
	return out
}

// Fetch replaces the log with the backend's rows.
func (l *Log) Fetch(ctx context.Context) error {
	var rows []model.Activity
	var err error
	if l.byAgent {
		rows, err = l.backend.ListAgentActivities(ctx, l.session.Identity())
	} else {
		rows, err = l.backend.ListActivities(ctx, l.leadID)
	}
	if err != nil {
		l.logger.Error("fetch activities", zap.Error(err))
		return apperr.BackendFailure("activities.fetch", err)
	}
	l.store.ReplaceAll(rows)
	return nil
}

// Record writes an activity tagged with the session identity and prepends
// it locally. The feed echo of the same row is absorbed by identity.
func (l *Log) Record(ctx context.Context, e Entry) (model.Activity, error) {
	if e.LeadID == "" || e.Type == "" {
		return model.Activity{}, apperr.Invalid("activities.record", "lead and type are required", nil)
	}
	row, err := l.backend.InsertActivity(ctx, model.Activity{
		LeadID:      e.LeadID,
		AgentID:     l.session.Identity(),
		Type:        e.Type,
		Description: e.Description,
		OldValue:    e.OldValue,
		NewValue:    e.NewValue,
		MeetingID:   e.MeetingID,
	})
	l.metrics.Write("activity", "insert", err)
	if err != nil {
		l.logger.Error("record activity", zap.String("type", e.Type), zap.Error(err))
		return model.Activity{}, apperr.BackendFailure("activities.record", err)
	}
	if l.inScope(row) {
		l.store.Upsert(row)
	}
	return row, nil
}

func (l *Log) inScope(a model.Activity) bool {
	if l.byAgent {
		return a.AgentID == l.session.Identity()
	}
	return l.leadID == "" || a.LeadID == l.leadID
}

// Subscription is the feed subscription this log mounts.
func (l *Log) Subscription() feed.Subscription {
	sub := feed.Subscription{Table: feed.TableActivities}
	if l.byAgent {
		sub.Filter = &feed.Filter{Column: "agent_id", Value: feed.IdentityToken}
	} else if l.leadID != "" {
		sub.Filter = &feed.Filter{Column: "lead_id", Value: l.leadID}
	}
	return sub
}

// Mount starts merging feed changes into the log. Mounting twice is a no-op.
func (l *Log) Mount() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle != nil {
		return nil
	}
	h, err := l.pool.Acquire(l.Subscription(), realtime.Reconcile(l.store, realtime.ReconcileOptions[model.Activity]{
		Logger:  l.logger,
		Metrics: l.metrics,
	}))
	if err != nil {
		return apperr.BackendFailure("activities.mount", err)
	}
	l.handle = h
	return nil
}

// Unmount releases the feed channel claim.
func (l *Log) Unmount() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle != nil {
		l.handle.Release()
		l.handle = nil
	}
}
