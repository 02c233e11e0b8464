package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/metrics"
	"github.com/matheus3301/leadsync/internal/model"
	"github.com/matheus3301/leadsync/internal/realtime"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval   = 60 * time.Second
	DefaultLeadWindow     = 15 * time.Minute
	DefaultRecentCapacity = 100
	DefaultQueueSize      = 64
)

// Config tunes a Dispatcher. Zero fields take the defaults.
type Config struct {
	PollInterval   time.Duration
	LeadWindow     time.Duration
	RecentCapacity int
	QueueSize      int
}

// MeetingSource lists scheduled meetings starting within a window.
type MeetingSource interface {
	Upcoming(now time.Time, window time.Duration) []model.Meeting
}

// Dispatcher observes the unfiltered activity feed and a reminder timer and
// hands notifications to its sinks from a single worker. Feed callbacks only
// enqueue, so a slow sink never stalls the feed.
type Dispatcher struct {
	cfg      Config
	pool     *realtime.Pool
	meetings MeetingSource
	sinks    []Sink
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	queue chan Notification

	mu       sync.Mutex
	recent   *recentSet
	handle   *realtime.Handle
	reminded *cache.Cache
}

// NewDispatcher creates a dispatcher delivering to sinks.
func NewDispatcher(cfg Config, pool *realtime.Pool, meetings MeetingSource, sinks []Sink, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeadWindow <= 0 {
		cfg.LeadWindow = DefaultLeadWindow
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = DefaultRecentCapacity
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Keys must outlive the lead window a meeting was reminded in.
	ttl := 2 * cfg.LeadWindow
	return &Dispatcher{
		cfg:      cfg,
		pool:     pool,
		meetings: meetings,
		sinks:    sinks,
		logger:   logger.With(zap.String("component", "notify")),
		metrics:  m,
		now:      time.Now,
		queue:    make(chan Notification, cfg.QueueSize),
		recent:   newRecentSet(cfg.RecentCapacity),
		reminded: cache.New(ttl, ttl),
	}
}

// Mount subscribes to activity inserts across every lead.
func (d *Dispatcher) Mount() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		return nil
	}
	h, err := d.pool.Acquire(feed.Subscription{
		Table:  feed.TableActivities,
		Events: []feed.Kind{feed.Insert},
	}, d.onActivity)
	if err != nil {
		return fmt.Errorf("subscribe activities: %w", err)
	}
	d.handle = h
	return nil
}

// Unmount releases the activity subscription.
func (d *Dispatcher) Unmount() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.Release()
		d.handle = nil
	}
}

// Run delivers queued notifications and polls for reminders until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.CheckReminders()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckReminders()
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) onActivity(c feed.Change) {
	if c.Kind != feed.Insert {
		return
	}
	var a model.Activity
	if err := json.Unmarshal(c.New, &a); err != nil || a.ID == "" {
		d.logger.Warn("drop undecodable activity", zap.Error(err))
		return
	}

	d.mu.Lock()
	fresh := d.recent.add(a.ID)
	d.mu.Unlock()
	if !fresh {
		return
	}

	d.enqueue(Notification{
		ID:         uuid.NewString(),
		Kind:       KindActivity,
		Title:      TitleFor(a.Type),
		Body:       a.Description,
		LeadID:     a.LeadID,
		ActivityID: a.ID,
		At:         d.now(),
	})
}

// CheckReminders enqueues one reminder per meeting entering the lead window
// and returns how many were queued.
func (d *Dispatcher) CheckReminders() int {
	now := d.now()
	queued := 0
	for _, m := range d.meetings.Upcoming(now, d.cfg.LeadWindow) {
		// Rescheduling changes the key, so a moved meeting is reminded again.
		key := fmt.Sprintf("%s@%d", m.ID, m.ScheduledAt.UnixMilli())
		if err := d.reminded.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			continue
		}
		mins := int(m.ScheduledAt.Sub(now).Round(time.Minute) / time.Minute)
		d.enqueue(Notification{
			ID:        uuid.NewString(),
			Kind:      KindReminder,
			Title:     "Upcoming meeting",
			Body:      fmt.Sprintf("%s starts in %d min", m.Title, mins),
			LeadID:    m.LeadID,
			MeetingID: m.ID,
			At:        now,
		})
		queued++
	}
	return queued
}

func (d *Dispatcher) enqueue(n Notification) {
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification queue full, dropping", zap.String("title", n.Title))
		if d.metrics != nil {
			d.metrics.NotificationFails.WithLabelValues("queue").Inc()
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(string(n.Kind)).Inc()
	}
	for _, s := range d.sinks {
		if err := s.Notify(ctx, n); err != nil {
			d.logger.Error("notification sink failed", zap.String("sink", s.Name()), zap.Error(err))
			if d.metrics != nil {
				d.metrics.NotificationFails.WithLabelValues(s.Name()).Inc()
			}
		}
	}
}
