package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/macjediwizard/caldavsync/internal/breaker"
)

func TestAPIRequiresToken(t *testing.T) {
	th := setupTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/activity", nil)
	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected health without auth, got %d", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	th := setupTestHandlers(t)
	b := th.breakers.For("acct-1")
	for range 5 {
		b.Record(breaker.Ticket{}, true)
	}

	w := th.do(http.MethodGet, "/health", "")
	report := decode[HealthReport](t, w)
	if report.Status != "healthy" || report.Checks["database"] != "ok" {
		t.Errorf("unexpected report %+v", report)
	}
	if len(report.OpenBreakers) != 1 || report.OpenBreakers[0] != "acct-1" {
		t.Errorf("expected open breaker to be reported, got %v", report.OpenBreakers)
	}

	th.db.Close()
	w = th.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with a closed database, got %d", w.Code)
	}
}

func TestLiveness(t *testing.T) {
	th := setupTestHandlers(t)
	w := th.do(http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if report := decode[HealthReport](t, w); report.Status != "alive" {
		t.Errorf("unexpected status %s", report.Status)
	}
}
