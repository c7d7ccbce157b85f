package cmd

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/tunnelbroker/broker/internal/metrics"
	"github.com/tunnelbroker/broker/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	_, metricsHandler, err := metrics.Handler()
	if err != nil {
		t.Fatalf("metrics.Handler() error = %v", err)
	}
	return &Server{
		log:     slog.Default(),
		store:   session.NewStore(),
		deps:    session.Deps{Metrics: metrics.NopRecorder()},
		metrics: metricsHandler,
	}
}

func TestHandleHealthz(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleSessionStatus_NotFound(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/session/missing", nil)
	rec := httptest.NewRecorder()
	srv.handleSessionStatus(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleSessionStatus_Found(t *testing.T) {
	srv := newTestServer(t)

	sess := session.New("sess-1", nil, srv.deps)
	if err := srv.store.Put(sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	req := httptest.NewRequest("GET", "/session/sess-1", nil)
	rec := httptest.NewRecorder()
	srv.handleSessionStatus(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
