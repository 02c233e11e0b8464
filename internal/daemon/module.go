package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/leadsync/internal/activities"
	"github.com/matheus3301/leadsync/internal/auth"
	"github.com/matheus3301/leadsync/internal/billing"
	"github.com/matheus3301/leadsync/internal/config"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/feed/grpcfeed"
	"github.com/matheus3301/leadsync/internal/feed/redisfeed"
	"github.com/matheus3301/leadsync/internal/leads"
	"github.com/matheus3301/leadsync/internal/lock"
	"github.com/matheus3301/leadsync/internal/logging"
	"github.com/matheus3301/leadsync/internal/meetings"
	"github.com/matheus3301/leadsync/internal/metrics"
	"github.com/matheus3301/leadsync/internal/notify"
	"github.com/matheus3301/leadsync/internal/payment"
	"github.com/matheus3301/leadsync/internal/profile"
	"github.com/matheus3301/leadsync/internal/realtime"
	"github.com/matheus3301/leadsync/internal/status"
	"github.com/matheus3301/leadsync/internal/store"
	"github.com/matheus3301/leadsync/internal/validate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	// Config overrides loading config.toml; used by tests.
	Config *config.Config
	// Console receives the console log stream; nil means stderr.
	Console io.Writer
	Debug   bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideSecrets,
			provideLogger,
			provideRegistry,
			provideMetrics,
			provideStateMachine,
			provideLock,
			provideHub,
			provideRedis,
			providePublisher,
			provideStore,
			provideTransport,
			provideSession,
			providePool,
			provideValidator,
			provideActivities,
			provideLeads,
			provideMeetings,
			provideToast,
			provideDispatcher,
			provideGateway,
			provideBilling,
			NewServer,
			NewOpsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOrDefault(profile.ConfigPath())
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideSecrets() (config.Secrets, error) {
	return config.LoadSecrets(profile.EnvPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, logging.Options{Level: level, Console: p.Console})
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideStateMachine(logger *zap.Logger) *status.Machine {
	m := status.NewMachine()
	m.OnChange(func(c status.Change) {
		logger.Info("daemon state changed", zap.String("from", string(c.From)), zap.String("to", string(c.To)))
	})
	return m
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()))
	return l, nil
}

func provideHub() *feed.Hub {
	return feed.NewHub(feed.DefaultBuffer)
}

// provideRedis returns nil unless the redis transport is selected.
func provideRedis(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Feed.Transport != config.TransportRedis {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := redisfeed.Connect(ctx, cfg.Feed.RedisURL)
	if err != nil {
		return nil, err
	}
	logger.Info("redis connected")
	lc.Append(fx.StopHook(client.Close))
	return client, nil
}

// providePublisher always feeds the local hub, which backs the gRPC feed
// server. With redis the changes also go to the shared channels.
func providePublisher(cfg *config.Config, hub *feed.Hub, client *redis.Client, logger *zap.Logger) feed.Publisher {
	if client == nil {
		return hub
	}
	return feed.Publishers{hub, redisfeed.NewBridge(client, cfg.Feed.RedisPrefix, logger.Named("redisfeed"))}
}

func provideStore(p Params, cfg *config.Config, pub feed.Publisher, logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = profile.DBPath(p.ProfileName)
	}
	db, err := store.Open(dbPath, pub)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTransport(lc fx.Lifecycle, cfg *config.Config, hub *feed.Hub, client *redis.Client, logger *zap.Logger) (feed.Transport, error) {
	switch cfg.Feed.Transport {
	case config.TransportGRPC:
		conn, err := grpcfeed.Dial(cfg.Feed.Target)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(conn.Close))
		logger.Info("following remote feed", zap.String("target", cfg.Feed.Target))
		return grpcfeed.NewTransport(conn, logger.Named("grpcfeed")), nil
	case config.TransportRedis:
		return redisfeed.NewTransport(client, cfg.Feed.RedisPrefix, logger.Named("redisfeed")), nil
	default:
		return hub, nil
	}
}

func provideSession(cfg *config.Config) *auth.Session {
	return auth.NewSession(cfg.Identity)
}

func providePool(t feed.Transport, logger *zap.Logger, m *metrics.Metrics) *realtime.Pool {
	return realtime.NewPool(t, logger.Named("realtime"), m)
}

func provideValidator() *validator.Validate {
	return validate.New()
}

// provideActivities returns the signed-in agent's activity log, which also
// records the activities written by the lead and meeting view models.
func provideActivities(db *store.DB, s *auth.Session, pool *realtime.Pool, logger *zap.Logger, m *metrics.Metrics) *activities.Log {
	return activities.NewAgentLog(activities.Deps{
		Backend: db,
		Session: s,
		Pool:    pool,
		Logger:  logger,
		Metrics: m,
	})
}

func provideLeads(db *store.DB, s *auth.Session, pool *realtime.Pool, log *activities.Log, v *validator.Validate, logger *zap.Logger, m *metrics.Metrics) *leads.ViewModel {
	return leads.New(leads.Deps{
		Backend:    db,
		Session:    s,
		Pool:       pool,
		Activities: log,
		Validate:   v,
		Logger:     logger,
		Metrics:    m,
	})
}

func provideMeetings(db *store.DB, s *auth.Session, pool *realtime.Pool, log *activities.Log, v *validator.Validate, logger *zap.Logger, m *metrics.Metrics) *meetings.ViewModel {
	return meetings.New(meetings.Deps{
		Backend:    db,
		Session:    s,
		Pool:       pool,
		Activities: log,
		Validate:   v,
		Logger:     logger,
		Metrics:    m,
	})
}

func provideToast(cfg *config.Config) *notify.ToastSink {
	return notify.NewToastSink(cfg.Notifier.ToastTTL)
}

func provideDispatcher(cfg *config.Config, secrets config.Secrets, pool *realtime.Pool, mv *meetings.ViewModel, toast *notify.ToastSink, logger *zap.Logger, m *metrics.Metrics) *notify.Dispatcher {
	sinks := []notify.Sink{notify.NewLogSink(logger), toast}
	if mail := cfg.Notifier.Mail; mail.Enabled {
		sinks = append(sinks, notify.NewMailSink(notify.MailConfig{
			Host:     mail.Host,
			Port:     mail.Port,
			Username: mail.Username,
			Password: secrets.SMTPPassword,
			From:     mail.From,
			To:       mail.To,
		}))
	}
	return notify.NewDispatcher(notify.Config{
		PollInterval:   cfg.Notifier.PollInterval,
		LeadWindow:     cfg.Notifier.LeadWindow,
		RecentCapacity: cfg.Notifier.RecentCapacity,
	}, pool, mv, sinks, logger, m)
}

func provideGateway(cfg *config.Config, secrets config.Secrets) billing.Gateway {
	return payment.NewClient(cfg.Billing.GatewayURL, secrets.PaymentKeyID)
}

func provideBilling(cfg *config.Config, secrets config.Secrets, db *store.DB, gw billing.Gateway, logger *zap.Logger) *billing.Service {
	plans := cfg.Billing.PlanList()
	out := make([]billing.Plan, len(plans))
	for i, p := range plans {
		out[i] = billing.Plan{Name: p.Name, Amount: p.Amount, Currency: p.Currency, Months: p.Months}
	}
	svc := billing.NewService(db, gw, out, cfg.Billing.TrialDays, logger)
	if secrets.PaymentKeySecret != "" {
		svc.WithSigner(payment.NewSigner(secrets.PaymentKeySecret))
	}
	return svc
}

// views are the mounted consumers refreshed on every identity change.
type views struct {
	leads      *leads.ViewModel
	meetings   *meetings.ViewModel
	activities *activities.Log
}

func (v views) mount() error {
	if err := v.leads.Mount(); err != nil {
		return err
	}
	if err := v.meetings.Mount(); err != nil {
		return err
	}
	return v.activities.Mount()
}

func (v views) unmount() {
	v.activities.Unmount()
	v.meetings.Unmount()
	v.leads.Unmount()
}

// refresh refetches every view, or clears them when signed out, and moves
// the machine to the resulting state.
func (v views) refresh(ctx context.Context, signedIn bool, m *status.Machine, logger *zap.Logger) {
	if !signedIn {
		v.leads.Store().ReplaceAll(nil)
		v.meetings.Store().ReplaceAll(nil)
		v.activities.Store().ReplaceAll(nil)
		transition(m, status.SignedOut, logger)
		return
	}
	transition(m, status.Syncing, logger)
	failed := false
	if err := v.leads.Fetch(ctx); err != nil {
		logger.Error("fetch leads", zap.Error(err))
		failed = true
	}
	if err := v.meetings.Fetch(ctx); err != nil {
		logger.Error("fetch meetings", zap.Error(err))
		failed = true
	}
	if err := v.activities.Fetch(ctx); err != nil {
		logger.Error("fetch activities", zap.Error(err))
		failed = true
	}
	if failed {
		transition(m, status.Degraded, logger)
		return
	}
	transition(m, status.Ready, logger)
}

func transition(m *status.Machine, to status.State, logger *zap.Logger) {
	if err := m.Transition(to); err != nil {
		logger.Warn("state transition rejected", zap.Error(err))
	}
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Server     *Server
	Ops        *OpsServer
	Lock       *lock.Lock
	DB         *store.DB
	Session    *auth.Session
	Pool       *realtime.Pool
	Leads      *leads.ViewModel
	Meetings   *meetings.ViewModel
	Activities *activities.Log
	Dispatcher *notify.Dispatcher
	Billing    *billing.Service
	Machine    *status.Machine
	Logger     *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	v := views{leads: lp.Leads, meetings: lp.Meetings, activities: lp.Activities}
	runCtx, cancel := context.WithCancel(context.Background())
	var removeListener func()

	lp.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := start(lp, v); err != nil {
				transition(lp.Machine, status.Error, logger)
				return err
			}
			v.refresh(ctx, lp.Session.SignedIn(), lp.Machine, logger)

			removeListener = lp.Session.OnChange(func(c auth.Change) {
				logger.Info("identity changed", zap.String("from", c.From), zap.String("to", c.To))
				if err := lp.Pool.SetIdentity(c.To); err != nil {
					logger.Error("switch feed identity", zap.Error(err))
				}
				v.refresh(runCtx, c.To != "", lp.Machine, logger)
			})

			go lp.Dispatcher.Run(runCtx)
			go expireLoop(runCtx, lp.Billing, logger)

			// Start servers in background.
			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("feed server error", zap.Error(err))
				}
			}()
			go func() {
				if err := lp.Ops.Start(); err != nil {
					logger.Error("ops server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started", zap.String("identity", lp.Session.Identity()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if removeListener != nil {
				removeListener()
			}
			lp.Ops.Stop(ctx)
			lp.Dispatcher.Unmount()
			v.unmount()
			lp.Pool.Close()
			lp.Server.Stop(ctx)
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

func start(lp lifecycleParams, v views) error {
	if err := lp.Pool.SetIdentity(lp.Session.Identity()); err != nil {
		return err
	}
	if err := v.mount(); err != nil {
		return err
	}
	return lp.Dispatcher.Mount()
}

const expireInterval = time.Hour

func expireLoop(ctx context.Context, svc *billing.Service, logger *zap.Logger) {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		if n, err := svc.Expire(ctx); err != nil {
			logger.Error("expire subscriptions", zap.Error(err))
		} else if n > 0 {
			logger.Info("subscriptions expired", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
