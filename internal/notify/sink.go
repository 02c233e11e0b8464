package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Sink delivers notifications somewhere a user will see them.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.String("lead_id", n.LeadID),
		zap.String("meeting_id", n.MeetingID))
	return nil
}

// ToastSink holds the latest notification until it expires.
type ToastSink struct {
	mu      sync.RWMutex
	current Notification
	expires time.Time
	ttl     time.Duration
	now     func() time.Time
}

// DefaultToastTTL is how long a toast stays visible.
const DefaultToastTTL = 5 * time.Second

// NewToastSink creates a toast holder. A zero ttl uses DefaultToastTTL.
func NewToastSink(ttl time.Duration) *ToastSink {
	if ttl <= 0 {
		ttl = DefaultToastTTL
	}
	return &ToastSink{ttl: ttl, now: time.Now}
}

func (s *ToastSink) Name() string { return "toast" }

func (s *ToastSink) Notify(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = n
	s.expires = s.now().Add(s.ttl)
	return nil
}

// Current returns the visible toast, or false once it has expired.
func (s *ToastSink) Current() (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.ID == "" || s.now().After(s.expires) {
		return Notification{}, false
	}
	return s.current, true
}

// MailConfig addresses the SMTP relay for MailSink.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// MailSink emails each notification.
type MailSink struct {
	from string
	to   []string
	send func(...*gomail.Message) error
}

// NewMailSink dials the relay for every message.
func NewMailSink(cfg MailConfig) *MailSink {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &MailSink{from: cfg.From, to: cfg.To, send: d.DialAndSend}
}

// NewMailSinkWithSender sends through an existing sender.
func NewMailSinkWithSender(sender gomail.Sender, from string, to []string) *MailSink {
	return &MailSink{
		from: from,
		to:   to,
		send: func(m ...*gomail.Message) error { return gomail.Send(sender, m...) },
	}
}

func (s *MailSink) Name() string { return "mail" }

func (s *MailSink) Notify(_ context.Context, n Notification) error {
	if len(s.to) == 0 {
		return errors.New("mail sink has no recipients")
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.to...)
	m.SetHeader("Subject", n.Title)
	m.SetDateHeader("Date", n.At)
	m.SetBody("text/plain", n.Body)
	if err := s.send(m); err != nil {
		return fmt.Errorf("send notification mail: %w", err)
	}
	return nil
}

// Fanout delivers to every sink, collecting failures.
type Fanout []Sink

func (f Fanout) Name() string { return "fanout" }

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
