// Package httpapi exposes the admin/diagnostics surface of the security
// core: health and readiness probes, metrics, audit queries, lockout
// inspection, and session state. It is an operator surface, not the
// application API; record CRUD lives elsewhere.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"stafflow.org/internal/activity"
	"stafflow.org/internal/audit"
	"stafflow.org/internal/guard"
	"stafflow.org/internal/health"
	"stafflow.org/internal/kvstore"
	"stafflow.org/internal/obs"
	"stafflow.org/internal/session"
)

const serviceName = "stafflow-guard"

const lastActivityKey = "session:lastActivity"

// ReadyProbe checks that the shared store answers reads.
type ReadyProbe struct {
	Store kvstore.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	_, _, err := rp.Store.Get(ctx, "probe")
	return err
}

// Deps carries the services the API fronts.
type Deps struct {
	Store       kvstore.Store
	Guard       *guard.Guard
	Audit       *audit.Store
	Sessions    *session.Validator
	Monitor     *activity.Monitor
	IdleTimeout time.Duration
	WarningLead time.Duration
	Version     string
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
	now  func() time.Time
}

// New wires the routes.
func New(deps Deps) *API {
	a := &API{
		mux:  http.NewServeMux(),
		deps: deps,
		now:  time.Now,
	}

	a.mux.HandleFunc("GET /healthz", a.healthz)
	a.mux.HandleFunc("GET /readyz", a.ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /api/v1/audit", a.auditQuery)
	a.mux.HandleFunc("GET /api/v1/lockouts/{account}", a.lockoutStatus)
	a.mux.HandleFunc("DELETE /api/v1/lockouts/{account}", a.lockoutReset)
	a.mux.HandleFunc("GET /api/v1/session", a.sessionState)
	a.mux.HandleFunc("POST /api/v1/session/touch", a.sessionTouch)
	a.mux.HandleFunc("GET /api/v1/activity", a.activitySnapshot)

	return a
}

// Handler returns the instrumented handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(Logging(RateLimit(a.mux, 20, 10)))
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := (ReadyProbe{Store: a.deps.Store}).Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) auditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries := a.deps.Audit.Query(audit.Filter{
		ActorID:  q.Get("actor"),
		Action:   q.Get("action"),
		Resource: q.Get("resource"),
	})
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (a *API) lockoutStatus(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	st := a.deps.Guard.Status(r.Context(), account)
	writeJSON(w, http.StatusOK, map[string]any{
		"account":          account,
		"state":            st.State.String(),
		"attempts":         st.Attempts,
		"remainingSeconds": int(st.RemainingLockout / time.Second),
	})
}

func (a *API) lockoutReset(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	a.deps.Guard.Reset(r.Context(), account)
	a.deps.Audit.Append(r.Context(), audit.Entry{
		Action:   audit.ActionAdminReset,
		Resource: "account/" + account,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"state":   guard.Clear.String(),
	})
}

func (a *API) sessionState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	valid := a.deps.Sessions.Validate(ctx)

	resp := map[string]any{"valid": valid}
	if valid {
		if rec, ok := a.deps.Sessions.Current(ctx); ok {
			resp["expiresAt"] = rec.ExpiresAt
		}
		now := a.now()
		last := a.lastActivity(ctx, now)
		rep := health.Classify(last, a.deps.IdleTimeout, now)
		resp["health"] = rep.State
		resp["minutesRemaining"] = rep.MinutesRemaining
		lead := a.deps.WarningLead
		if lead <= 0 {
			lead = health.DefaultWarningLead
		}
		resp["warnInSeconds"] = int(health.TimeUntilWarningWithLead(last, a.deps.IdleTimeout, now, lead) / time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) sessionTouch(w http.ResponseWriter, r *http.Request) {
	now := a.now().UTC()
	if err := a.deps.Store.Set(r.Context(), lastActivityKey, now.Format(time.RFC3339Nano)); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if a.deps.Monitor != nil {
		a.deps.Monitor.Navigated()
	}
	writeJSON(w, http.StatusOK, map[string]any{"lastActivity": now})
}

func (a *API) activitySnapshot(w http.ResponseWriter, r *http.Request) {
	if a.deps.Monitor == nil {
		writeJSON(w, http.StatusOK, activity.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Monitor.Snapshot())
}

// lastActivity reads the recorded activity timestamp, degrading to fallback
// when absent or unreadable.
func (a *API) lastActivity(ctx context.Context, fallback time.Time) time.Time {
	raw, ok, err := a.deps.Store.Get(ctx, lastActivityKey)
	if err != nil || !ok {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fallback
	}
	return ts
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
