package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/pkg/auth"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
	"github.com/pesio-ai/be-approval-workflows/pkg/middleware"
)

type captureDispatcher struct {
	mu     sync.Mutex
	events []service.Event
}

func (d *captureDispatcher) Dispatch(_ context.Context, events []service.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
	return nil
}

func (d *captureDispatcher) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.events {
		if e.Kind == service.EventNotifyApprover && e.UserID == userID && e.TokenID != "" {
			return e.TokenID
		}
	}
	t.Fatalf("no token for %s", userID)
	return ""
}

type apiFixture struct {
	t        *testing.T
	handler  http.Handler
	svc      *service.ApprovalRoutingService
	verifier *auth.Verifier
	events   *captureDispatcher
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.NewStore()
	store.PutUser(repository.User{ID: "emp", DepartmentID: "eng", Active: true})
	store.PutUser(repository.User{ID: "mgr", DepartmentID: "eng", Active: true})
	store.PutStep(repository.WorkflowStep{
		ID: "wf-1", WorkflowID: "wf", Sequence: 1, Name: "Manager review", Active: true,
		Policy:        repository.PolicyAnyOne,
		Assignment:    repository.AssignmentRule{Kind: repository.AssignUsers, UserIDs: []string{"mgr"}},
		RequiresToken: true,
	})

	log := logger.Nop()
	engine := service.NewWorkflowEngine(store, repository.NewReferenceReader(store), service.DefaultConfig(), log)
	events := &captureDispatcher{}
	svc := service.NewApprovalRoutingService(engine, events, nil, log)
	verifier := auth.NewVerifier("test-secret", "")

	mux := http.NewServeMux()
	NewHTTPHandler(svc, log).Register(mux)
	h := middleware.Authenticate(verifier, "/approval/")(mux)

	return &apiFixture{t: t, handler: h, svc: svc, verifier: verifier, events: events}
}

func (f *apiFixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		roles := []string{}
		if user == "root" {
			roles = append(roles, "workflow_admin")
		}
		tok, err := f.verifier.Sign(user, roles, time.Hour)
		require.NoError(f.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) submit() string {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/requests", "emp", map[string]any{
		"workflow_id": "wf", "title": "Monitor", "amount": 25000, "currency": "USD",
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decodeBody(f.t, rec)["request"].(map[string]any)
	return req["id"].(string)
}

func TestHTTP_SubmitAndApprove(t *testing.T) {
	f := newAPIFixture(t)
	id := f.submit()

	rec := f.do(http.MethodGet, "/api/v1/approvals/pending", "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["pending"], 1)

	rec = f.do(http.MethodPost, "/api/v1/requests/"+id+"/approve", "mgr", map[string]string{"notes": "fine"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "approved", body["outcome"])
	assert.Equal(t, "approved", body["request"].(map[string]any)["status"])

	rec = f.do(http.MethodPost, "/api/v1/requests/"+id+"/approve", "mgr", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/requests/"+id+"/audit", "emp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["entries"])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	id := f.submit()

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"no bearer", http.MethodGet, "/api/v1/requests/" + id, "", nil, http.StatusUnauthorized},
		{"outsider sees nothing", http.MethodGet, "/api/v1/requests/" + id, "mallory", nil, http.StatusNotFound},
		{"not assigned", http.MethodPost, "/api/v1/requests/" + id + "/approve", "emp", nil, http.StatusForbidden},
		{"rollback needs admin", http.MethodPost, "/api/v1/requests/" + id + "/rollback", "mgr", map[string]any{"to_sequence": 1, "reason": "x"}, http.StatusForbidden},
		{"unknown workflow", http.MethodPost, "/api/v1/requests", "emp", map[string]any{"workflow_id": "nope", "title": "x"}, http.StatusUnprocessableEntity},
		{"forward without target", http.MethodPost, "/api/v1/requests/" + id + "/forward", "mgr", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHTTP_MalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	tok, err := f.verifier.Sign("emp", nil, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_TokenPortal(t *testing.T) {
	f := newAPIFixture(t)
	id := f.submit()
	token := f.events.tokenFor(t, "mgr")

	rec := f.do(http.MethodGet, "/approval/"+token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody(t, rec)
	assert.Equal(t, id, view["request_id"])
	assert.Equal(t, "Manager review", view["step_name"])

	form := url.Values{"action": {"approve"}, "notes": {"ok"}}
	req := httptest.NewRequest(http.MethodPost, "/approval/"+token+"/process", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, "/approval/"+token+"/success", rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, "/approval/"+token+"/success", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// a spent link reads the same as an unknown one
	spent := f.do(http.MethodPost, "/approval/"+token+"/process", "", map[string]string{"action": "approve"})
	unknown := f.do(http.MethodGet, "/approval/does-not-exist", "", nil)
	assert.Equal(t, http.StatusGone, spent.Code)
	assert.Equal(t, http.StatusGone, unknown.Code)
	assert.Equal(t, spent.Body.String(), unknown.Body.String())
	assert.Contains(t, spent.Body.String(), tokenErrorMessage)
}

func TestHTTP_PortalRejectsUnknownAction(t *testing.T) {
	f := newAPIFixture(t)
	f.submit()
	token := f.events.tokenFor(t, "mgr")

	rec := f.do(http.MethodPost, "/approval/"+token+"/process", "", map[string]string{"action": "escalate"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a known action the link does not allow is a 400, not a dead link
	rec = f.do(http.MethodPost, "/approval/"+token+"/process", "", map[string]any{
		"action":     "forward",
		"forward_to": map[string]any{"kind": "users", "user_ids": []string{"emp"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "token_action_not_allowed", decodeBody(t, rec)["error"].(map[string]any)["reason"])

	// the link is still usable
	rec = f.do(http.MethodGet, "/approval/"+token, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTP_Delegations(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()

	rec := f.do(http.MethodPost, "/api/v1/delegations", "mgr", map[string]any{
		"delegate_id": "emp", "effective_from": now.Add(-time.Hour), "effective_until": now.Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["id"].(string)

	rec = f.do(http.MethodGet, "/api/v1/delegations", "emp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["delegations"], 1)

	rec = f.do(http.MethodDelete, "/api/v1/delegations/"+id, "mgr", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTP_AdminStepEditing(t *testing.T) {
	f := newAPIFixture(t)
	step := map[string]any{
		"workflow_id": "wf", "sequence": 2, "name": "Finance",
		"assignment": map[string]any{"kind": "users", "user_ids": []string{"mgr"}},
	}

	rec := f.do(http.MethodPut, "/api/v1/steps", "mgr", step)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPut, "/api/v1/steps", "root", step)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["id"].(string)
	assert.NotEmpty(t, id)

	rec = f.do(http.MethodDelete, "/api/v1/steps/"+id, "root", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
