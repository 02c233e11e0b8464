package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/leadsync/internal/apperr"
	"github.com/matheus3301/leadsync/internal/auth"
	"github.com/matheus3301/leadsync/internal/billing"
	"github.com/matheus3301/leadsync/internal/config"
	"github.com/matheus3301/leadsync/internal/realtime"
	"github.com/matheus3301/leadsync/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OpsServer serves health, metrics and session control over HTTP. A server
// without a listen address is inert.
type OpsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

type opsDeps struct {
	Profile string
	Gatherer prometheus.Gatherer
	Pool     *realtime.Pool
	Session  *auth.Session
	Machine  *status.Machine
	Billing  *billing.Service
	Logger   *zap.Logger
}

// NewOpsServer binds the ops listener.
func NewOpsServer(cfg *config.Config, p Params, reg *prometheus.Registry, pool *realtime.Pool, session *auth.Session, machine *status.Machine, svc *billing.Service, logger *zap.Logger) (*OpsServer, error) {
	s := &OpsServer{logger: logger}
	if cfg.Ops.Listen == "" {
		return s, nil
	}
	lis, err := net.Listen("tcp", cfg.Ops.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen ops %s: %w", cfg.Ops.Listen, err)
	}
	s.listener = lis
	s.srv = &http.Server{
		Handler: newOpsRouter(opsDeps{
			Profile:  p.ProfileName,
			Gatherer: reg,
			Pool:     pool,
			Session:  session,
			Machine:  machine,
			Billing:  svc,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr returns the bound address, or "" when not listening.
func (s *OpsServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves until Stop. Blocks.
func (s *OpsServer) Start() error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("ops server starting", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *OpsServer) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("ops server shutdown", zap.Error(err))
	}
}

func newOpsRouter(d opsDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := d.Machine.Current()
		code, health := http.StatusOK, "ok"
		if !state.Healthy() {
			code, health = http.StatusServiceUnavailable, "unhealthy"
		}
		writeJSON(w, code, map[string]any{
			"status":        health,
			"state":         state,
			"profile":       d.Profile,
			"identity":      d.Session.Identity(),
			"open_channels": d.Pool.Open(),
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/session", func(r chi.Router) {
		r.Put("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Identity string `json:"identity"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Identity == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identity is required"})
				return
			}
			d.Session.SignIn(body.Identity)
			writeJSON(w, http.StatusOK, map[string]string{"identity": d.Session.Identity()})
		})
		r.Delete("/", func(w http.ResponseWriter, _ *http.Request) {
			d.Session.SignOut()
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Route("/billing/{userID}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			access, err := d.Billing.Access(req.Context(), chi.URLParam(req, "userID"))
			if err != nil {
				writeError(w, d.Logger, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"has_access": access.HasAccess,
				"status":     access.Status,
				"plan":       access.Plan,
				"days_left":  access.DaysLeft,
			})
		})
		r.Post("/trial", func(w http.ResponseWriter, req *http.Request) {
			sub, err := d.Billing.StartTrial(req.Context(), chi.URLParam(req, "userID"))
			if err != nil {
				writeError(w, d.Logger, err)
				return
			}
			writeJSON(w, http.StatusOK, sub)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.NotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		logger.Error("ops request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
