package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stafflow.org/internal/activity"
	"stafflow.org/internal/audit"
	"stafflow.org/internal/fingerprint"
	"stafflow.org/internal/guard"
	"stafflow.org/internal/kvstore"
	"stafflow.org/internal/session"
)

func newTestAPI(t *testing.T) (*API, kvstore.Store, *session.Validator) {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { store.Close() })

	logs := audit.New(store)
	g := guard.New(store, logs)
	binder := fingerprint.NewBinder(fingerprint.Func(func() string { return "env-a" }), store)
	sessions, err := session.New(store, binder, logs, []byte("test-secret"))
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	api := New(Deps{
		Store:       store,
		Guard:       g,
		Audit:       logs,
		Sessions:    sessions,
		Monitor:     activity.New(),
		IdleTimeout: time.Hour,
		Version:     "test",
	})
	return api, store, sessions
}

func do(t *testing.T, api *API, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	api.mux.ServeHTTP(rr, req)
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: body not JSON: %v", method, path, err)
	}
	return rr, body
}

func TestHealthz(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rr, body := do(t, api, http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", rr.Code, body)
	}
}

func TestReadyz(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rr, body := do(t, api, http.MethodGet, "/readyz")
	if rr.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz = %d %v", rr.Code, body)
	}
}

func TestAuditQueryEndpoint(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	api.deps.Audit.LogUserAction(ctx, "u1", "LEAVE_APPROVE", "leave/L1", nil)
	api.deps.Audit.LogUserAction(ctx, "u2", "LEAVE_REJECT", "leave/L2", nil)

	_, body := do(t, api, http.MethodGet, "/api/v1/audit?actor=u1")
	if body["count"] != float64(1) {
		t.Fatalf("filtered count = %v", body["count"])
	}
}

func TestLockoutStatusAndReset(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		api.deps.Guard.RecordFailure(ctx, "a@x.com")
	}

	_, body := do(t, api, http.MethodGet, "/api/v1/lockouts/a@x.com")
	if body["state"] != "locked" || body["attempts"] != float64(5) {
		t.Fatalf("lockout status = %v", body)
	}

	_, body = do(t, api, http.MethodDelete, "/api/v1/lockouts/a@x.com")
	if body["state"] != "clear" {
		t.Fatalf("reset response = %v", body)
	}
	if api.deps.Guard.IsLocked(ctx, "a@x.com") {
		t.Fatal("account still locked after admin reset")
	}
	if got := api.deps.Audit.Query(audit.Filter{Action: audit.ActionAdminReset}); len(got) != 1 {
		t.Fatalf("admin reset audited %d times", len(got))
	}
}

func TestSessionStateEndpoint(t *testing.T) {
	api, _, sessions := newTestAPI(t)
	ctx := context.Background()

	_, body := do(t, api, http.MethodGet, "/api/v1/session")
	if body["valid"] != false {
		t.Fatalf("no-session state = %v", body)
	}

	if _, err := sessions.Create(ctx, map[string]any{"userId": "u1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, body = do(t, api, http.MethodGet, "/api/v1/session")
	if body["valid"] != true {
		t.Fatalf("session state = %v", body)
	}
	if body["health"] != "healthy" {
		t.Fatalf("health = %v", body["health"])
	}
	// Fresh activity, 1h idle timeout, 5m default lead: warn in 55 minutes.
	if body["warnInSeconds"] != float64(55*60) {
		t.Fatalf("warnInSeconds = %v", body["warnInSeconds"])
	}
}

func TestSessionTouchRecordsActivity(t *testing.T) {
	api, store, _ := newTestAPI(t)

	rr, _ := do(t, api, http.MethodPost, "/api/v1/session/touch")
	if rr.Code != http.StatusOK {
		t.Fatalf("touch = %d", rr.Code)
	}
	if _, ok, _ := store.Get(context.Background(), "session:lastActivity"); !ok {
		t.Fatal("touch did not record activity")
	}

	_, body := do(t, api, http.MethodGet, "/api/v1/activity")
	if body["navigations"] != float64(1) {
		t.Fatalf("activity snapshot = %v", body)
	}
}
