package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/audit"
	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/identity"
	"github.com/platformops/admin-coordinator/internal/metrics"
	"github.com/platformops/admin-coordinator/internal/model"
	"github.com/platformops/admin-coordinator/internal/session"
	"github.com/platformops/admin-coordinator/internal/txn"
)

func newSessionTestHandlers(t *testing.T) (*SessionHandlers, *metrics.Metrics) {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	store := docstore.NewMemory()
	exec := txn.NewExecutor(store, logger)
	provider := identity.NewStaticProvider(map[string]identity.Operator{
		"op-admin":   {Email: "admin@platform.example", Role: identity.RoleAdmin},
		"op-support": {Email: "support@platform.example", Role: identity.RoleSupport},
	})
	auditor := audit.NewRecorder(store, logger)
	manager := session.NewManager(store, exec, provider, auditor, logger)

	m := newTestMetrics()
	return NewSessionHandlers(manager, logger, m, 60), m
}

func withSessionOperator(req *http.Request, uid string) *http.Request {
	if uid == "" {
		return req
	}
	return req.WithContext(identity.WithOperator(req.Context(), &identity.Operator{UID: uid}))
}

func sessionRequest(t *testing.T, handler http.HandlerFunc, method, path string, body any, uid string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(payload))
		req.ContentLength = int64(len(payload))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req = withSessionOperator(req, uid)

	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeSessionResponse(t *testing.T, rr *httptest.ResponseRecorder) sessionResponse {
	t.Helper()

	var resp sessionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestHandleSessionStart(t *testing.T) {
	h, m := newSessionTestHandlers(t)

	rr := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID:   "t-1",
		Reason:           "Investigating ticket #4821",
		EstimatedMinutes: 30,
	}, "op-admin")

	if rr.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	resp := decodeSessionResponse(t, rr)
	if resp.Session == nil {
		t.Fatal("Session is nil, want an active session")
	}
	if resp.Session.Status != model.SessionActive {
		t.Errorf("Status = %s, want %s", resp.Session.Status, model.SessionActive)
	}
	if resp.Session.TargetTenantID != "t-1" {
		t.Errorf("TargetTenantID = %s, want t-1", resp.Session.TargetTenantID)
	}
	if resp.Warning != model.WarningNone {
		t.Errorf("Warning = %s, want %s", resp.Warning, model.WarningNone)
	}

	active := testutil.ToFloat64(m.SessionsActive)
	if active != 1 {
		t.Errorf("SessionsActive = %f, want 1", active)
	}
}

func TestHandleSessionStartDefaultEstimate(t *testing.T) {
	h, _ := newSessionTestHandlers(t)

	rr := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID: "t-1",
		Reason:         "Investigating ticket #4821",
	}, "op-admin")

	if rr.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	resp := decodeSessionResponse(t, rr)
	if resp.Session.EstimatedDurationMinutes != 60 {
		t.Errorf("EstimatedDurationMinutes = %d, want the default 60",
			resp.Session.EstimatedDurationMinutes)
	}
}

func TestHandleSessionStartErrors(t *testing.T) {
	h, _ := newSessionTestHandlers(t)

	tests := []struct {
		name       string
		req        sessionStartRequest
		uid        string
		wantStatus int
	}{
		{
			name:       "unauthenticated",
			req:        sessionStartRequest{TargetTenantID: "t-1", Reason: "support"},
			uid:        "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "support role denied",
			req:        sessionStartRequest{TargetTenantID: "t-1", Reason: "support"},
			uid:        "op-support",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "unknown operator",
			req:        sessionStartRequest{TargetTenantID: "t-1", Reason: "support"},
			uid:        "op-ghost",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "missing reason",
			req:        sessionStartRequest{TargetTenantID: "t-1"},
			uid:        "op-admin",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing tenant",
			req:        sessionStartRequest{Reason: "support"},
			uid:        "op-admin",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", tt.req, tt.uid)
			if rr.Code != tt.wantStatus {
				t.Errorf("Status code = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleSessionStartConflict(t *testing.T) {
	h, _ := newSessionTestHandlers(t)

	first := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID: "t-1",
		Reason:         "support",
	}, "op-admin")
	if first.Code != http.StatusOK {
		t.Fatalf("First start status = %d, want %d", first.Code, http.StatusOK)
	}

	second := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID: "t-2",
		Reason:         "support",
	}, "op-admin")
	if second.Code != http.StatusConflict {
		t.Errorf("Second start status = %d, want %d", second.Code, http.StatusConflict)
	}
}

func TestHandleSessionCurrent(t *testing.T) {
	h, _ := newSessionTestHandlers(t)

	none := sessionRequest(t, h.HandleCurrent, "GET", "/v1/sessions/current", nil, "op-admin")
	if none.Code != http.StatusNotFound {
		t.Fatalf("Status code = %d, want %d before start", none.Code, http.StatusNotFound)
	}

	start := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID: "t-1",
		Reason:         "support",
	}, "op-admin")
	if start.Code != http.StatusOK {
		t.Fatalf("Start status = %d, want %d", start.Code, http.StatusOK)
	}
	started := decodeSessionResponse(t, start)

	rr := sessionRequest(t, h.HandleCurrent, "GET", "/v1/sessions/current", nil, "op-admin")
	if rr.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	resp := decodeSessionResponse(t, rr)
	if resp.Session.ID != started.Session.ID {
		t.Errorf("Session ID = %s, want %s", resp.Session.ID, started.Session.ID)
	}
}

func TestHandleSessionAddAction(t *testing.T) {
	h, _ := newSessionTestHandlers(t)

	start := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID: "t-1",
		Reason:         "support",
	}, "op-admin")
	if start.Code != http.StatusOK {
		t.Fatalf("Start status = %d, want %d", start.Code, http.StatusOK)
	}

	action := sessionRequest(t, h.HandleAddAction, "POST", "/v1/sessions/actions",
		sessionActionRequest{
			Action:   "page_view",
			Resource: "billing",
			Method:   "GET",
			Path:     "/billing/invoices",
		}, "op-admin")
	if action.Code != http.StatusNoContent {
		t.Fatalf("Action status = %d, want %d: %s", action.Code, http.StatusNoContent, action.Body.String())
	}

	current := decodeSessionResponse(t, sessionRequest(t, h.HandleCurrent,
		"GET", "/v1/sessions/current", nil, "op-admin"))
	if len(current.Session.Actions) != 1 {
		t.Fatalf("Actions = %d, want 1", len(current.Session.Actions))
	}
	if current.Session.Actions[0].Path != "/billing/invoices" {
		t.Errorf("Path = %s, want /billing/invoices", current.Session.Actions[0].Path)
	}
}

func TestHandleSessionAddActionNoSession(t *testing.T) {
	h, _ := newSessionTestHandlers(t)

	rr := sessionRequest(t, h.HandleAddAction, "POST", "/v1/sessions/actions",
		sessionActionRequest{Action: "page_view"}, "op-admin")
	if rr.Code != http.StatusNotFound {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestHandleSessionEnd(t *testing.T) {
	h, m := newSessionTestHandlers(t)

	start := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID: "t-1",
		Reason:         "support",
	}, "op-admin")
	if start.Code != http.StatusOK {
		t.Fatalf("Start status = %d, want %d", start.Code, http.StatusOK)
	}

	rr := sessionRequest(t, h.HandleEnd, "POST", "/v1/sessions/end",
		sessionEndRequest{Reason: "Ticket resolved"}, "op-admin")
	if rr.Code != http.StatusOK {
		t.Fatalf("End status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	resp := decodeSessionResponse(t, rr)
	if resp.Session.Status != model.SessionEnded {
		t.Errorf("Status = %s, want %s", resp.Session.Status, model.SessionEnded)
	}
	if resp.Session.EndedAt == nil {
		t.Error("EndedAt is nil, want a timestamp")
	}

	active := testutil.ToFloat64(m.SessionsActive)
	if active != 0 {
		t.Errorf("SessionsActive = %f, want 0 after end", active)
	}

	// No session remains to end.
	again := sessionRequest(t, h.HandleEnd, "POST", "/v1/sessions/end", nil, "op-admin")
	if again.Code != http.StatusNotFound {
		t.Errorf("Second end status = %d, want %d", again.Code, http.StatusNotFound)
	}
}

func TestHandleSessionEmergencyExit(t *testing.T) {
	h, _ := newSessionTestHandlers(t)

	start := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID: "t-1",
		Reason:         "support",
	}, "op-admin")
	if start.Code != http.StatusOK {
		t.Fatalf("Start status = %d, want %d", start.Code, http.StatusOK)
	}

	rr := sessionRequest(t, h.HandleEmergencyExit, "POST", "/v1/sessions/emergency-exit", nil, "op-admin")
	if rr.Code != http.StatusOK {
		t.Fatalf("Exit status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	resp := decodeSessionResponse(t, rr)
	if resp.Session.Status != model.SessionEnded {
		t.Errorf("Status = %s, want %s", resp.Session.Status, model.SessionEnded)
	}

	// The operator can start a fresh session afterwards.
	fresh := sessionRequest(t, h.HandleStart, "POST", "/v1/sessions", sessionStartRequest{
		TargetTenantID: "t-2",
		Reason:         "support",
	}, "op-admin")
	if fresh.Code != http.StatusOK {
		t.Errorf("Fresh start status = %d, want %d", fresh.Code, http.StatusOK)
	}
}

func TestHandleSessionEmergencyExitStalePointerKeepsGauge(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := docstore.NewMemory()
	exec := txn.NewExecutor(store, logger)
	provider := identity.NewStaticProvider(map[string]identity.Operator{
		"op-admin": {Email: "admin@platform.example", Role: identity.RoleAdmin},
	})
	auditor := audit.NewRecorder(store, logger)
	manager := session.NewManager(store, exec, provider, auditor, logger)
	m := newTestMetrics()
	h := NewSessionHandlers(manager, logger, m, 60)

	// A crash ended the session record but left the active pointer behind.
	ctx := context.Background()
	startedAt := time.Now().UTC().Add(-10 * time.Minute)
	endedAt := time.Now().UTC().Add(-5 * time.Minute)
	doc, err := docstore.Marshal(model.ImpersonationSession{
		ID:                       "sess-stale",
		OperatorID:               "op-admin",
		TargetTenantID:           "t-1",
		StartedAt:                startedAt,
		EndedAt:                  &endedAt,
		Reason:                   "support",
		Status:                   model.SessionEnded,
		EstimatedDurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("Failed to marshal session: %v", err)
	}
	if err := store.Set(ctx, session.Collection, "sess-stale", doc); err != nil {
		t.Fatalf("Failed to seed session: %v", err)
	}
	if err := store.Set(ctx, session.ActiveCollection, "op-admin", docstore.Document{
		"sessionId": "sess-stale",
		"startedAt": startedAt,
	}); err != nil {
		t.Fatalf("Failed to seed pointer: %v", err)
	}

	rr := sessionRequest(t, h.HandleEmergencyExit, "POST", "/v1/sessions/emergency-exit", nil, "op-admin")
	if rr.Code != http.StatusOK {
		t.Fatalf("Exit status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	// No active session was ended, so the gauge must not drift negative.
	active := testutil.ToFloat64(m.SessionsActive)
	if active != 0 {
		t.Errorf("SessionsActive = %f, want 0 after stale pointer exit", active)
	}
}

func TestHandleSessionEmergencyExitNoSession(t *testing.T) {
	h, _ := newSessionTestHandlers(t)

	rr := sessionRequest(t, h.HandleEmergencyExit, "POST", "/v1/sessions/emergency-exit", nil, "op-admin")
	if rr.Code != http.StatusNotFound {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
