package daemon

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matheus3301/leadsync/internal/auth"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/realtime"
	"github.com/matheus3301/leadsync/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (http.Handler, *status.Machine, *auth.Session) {
	t.Helper()
	pool := realtime.NewPool(feed.NewHub(4), nil, nil)
	t.Cleanup(pool.Close)
	m := status.NewMachine()
	s := auth.NewSession("")
	return newOpsRouter(opsDeps{
		Profile:  "test",
		Gatherer: prometheus.NewRegistry(),
		Pool:     pool,
		Session:  s,
		Machine:  m,
		Logger:   zap.NewNop(),
	}), m, s
}

func TestHealthzReflectsState(t *testing.T) {
	r, m, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"BOOTING"`)

	_ = m.Transition(status.Syncing)
	_ = m.Transition(status.Degraded)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

func TestSessionEndpoints(t *testing.T) {
	r, _, s := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/session", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, s.SignedIn())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/session", strings.NewReader(`{"identity":"agent-9"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-9", s.Identity())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/session", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, s.SignedIn())
}
