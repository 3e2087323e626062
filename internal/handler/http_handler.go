package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/pkg/auth"
	apperrors "github.com/pesio-ai/be-approval-workflows/pkg/errors"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

// tokenErrorMessage is the only thing a token holder learns about a bad link.
const tokenErrorMessage = "This approval link is invalid or has expired."

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ApprovalRoutingService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.ApprovalRoutingService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log.Component("http"),
	}
}

// Register binds every route on mux. Paths under /approval/ are public.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/requests", h.SubmitRequest)
	mux.HandleFunc("GET /api/v1/requests/{id}", h.GetRequest)
	mux.HandleFunc("GET /api/v1/requests/{id}/audit", h.GetApprovalHistory)
	mux.HandleFunc("POST /api/v1/requests/{id}/approve", h.decide(repository.DecisionApproved))
	mux.HandleFunc("POST /api/v1/requests/{id}/reject", h.decide(repository.DecisionRejected))
	mux.HandleFunc("POST /api/v1/requests/{id}/forward", h.decide(repository.DecisionForwarded))
	mux.HandleFunc("POST /api/v1/requests/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/v1/requests/{id}/deliver", h.MarkDelivered)
	mux.HandleFunc("POST /api/v1/requests/{id}/delay", h.Delay)
	mux.HandleFunc("POST /api/v1/requests/{id}/rollback", h.Rollback)

	mux.HandleFunc("GET /api/v1/approvals/pending", h.GetPendingApprovals)

	mux.HandleFunc("POST /api/v1/delegations", h.CreateDelegation)
	mux.HandleFunc("GET /api/v1/delegations", h.ListDelegations)
	mux.HandleFunc("DELETE /api/v1/delegations/{id}", h.RevokeDelegation)

	mux.HandleFunc("PUT /api/v1/steps", h.UpsertStep)
	mux.HandleFunc("DELETE /api/v1/steps/{id}", h.DeactivateStep)

	mux.HandleFunc("GET /approval/{token}", h.ViewToken)
	mux.HandleFunc("POST /approval/{token}/process", h.ProcessToken)
	mux.HandleFunc("GET /approval/{token}/success", h.TokenSuccess)
}

// ── Requests ─────────────────────────────────────────────────────────────────

// SubmitRequest handles create request HTTP requests
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}

	tr, err := h.service.SubmitRequest(r.Context(), caller, service.SubmitInput{
		WorkflowID:   req.WorkflowID,
		RequesterID:  req.RequesterID,
		DepartmentID: req.DepartmentID,
		Title:        req.Title,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Payload:      req.Payload,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransitionResponse(tr))
}

// GetRequest handles get request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	details, err := h.service.GetRequest(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailsResponse(details))
}

// GetApprovalHistory returns the audit trail of a request.
func (h *HTTPHandler) GetApprovalHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	entries, err := h.service.GetApprovalHistory(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditResponse(entries)})
}

func (h *HTTPHandler) decide(decision string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := h.caller(w, r)
		if !ok {
			return
		}
		var req decisionRequest
		if !h.decode(w, r, &req) {
			return
		}
		tr, err := h.service.Decide(r.Context(), caller, service.DecisionInput{
			RequestID:   r.PathValue("id"),
			ExecutionID: req.ExecutionID,
			Decision:    decision,
			Notes:       req.Notes,
			ForwardTo:   req.ForwardTo,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransitionResponse(tr))
	}
}

// Cancel handles request withdrawal.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req noteRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.service.Cancel(r.Context(), caller, r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(tr))
}

// MarkDelivered records fulfilment of an approved request.
func (h *HTTPHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req noteRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.service.MarkDelivered(r.Context(), caller, r.PathValue("id"), req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(tr))
}

// Delay notifies the requester of a hold-up.
func (h *HTTPHandler) Delay(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req noteRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.service.Delay(r.Context(), caller, r.PathValue("id"), req.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(tr))
}

// Rollback returns a request to an earlier step.
func (h *HTTPHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req rollbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.service.Rollback(r.Context(), caller, r.PathValue("id"), req.ToSequence, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(tr))
}

// GetPendingApprovals lists the slots awaiting the caller.
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	pending, err := h.service.GetPendingApprovals(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]pendingResponse, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingResponse{
			Request:       toRequestResponse(p.Request),
			ExecutionID:   p.Execution.ID,
			StepSequence:  p.Execution.StepSequence,
			NominalUserID: p.NominalUserID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// ── Delegations ──────────────────────────────────────────────────────────────

func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req delegationRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.service.CreateDelegation(r.Context(), caller, service.CreateDelegationInput{
		PrincipalID:    req.PrincipalID,
		DelegateID:     req.DelegateID,
		Roles:          req.Roles,
		StepIDs:        req.StepIDs,
		EffectiveFrom:  req.EffectiveFrom,
		EffectiveUntil: req.EffectiveUntil,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDelegationResponse(d))
}

func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	list, err := h.service.ListDelegations(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]delegationResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toDelegationResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": out})
}

func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.service.RevokeDelegation(r.Context(), caller, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Workflow definitions ─────────────────────────────────────────────────────

func (h *HTTPHandler) UpsertStep(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req stepRequest
	if !h.decode(w, r, &req) {
		return
	}
	step := req.toStep()
	if err := h.service.UpsertStep(r.Context(), caller, step); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": step.ID})
}

func (h *HTTPHandler) DeactivateStep(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.service.DeactivateStep(r.Context(), caller, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Token portal ─────────────────────────────────────────────────────────────

// ViewToken shows what an approval link is for without consuming it.
func (h *HTTPHandler) ViewToken(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.ViewToken(r.Context(), r.PathValue("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenViewResponse{
		RequestID:      view.Request.ID,
		Title:          view.Request.Title,
		Amount:         view.Request.Amount,
		Currency:       view.Request.Currency,
		RequesterID:    view.Request.RequesterID,
		StepName:       view.StepName,
		StepSequence:   view.Claims.StepSequence,
		AllowedActions: view.Claims.AllowedActions,
		ExpiresAt:      view.Claims.ExpiresAt,
	})
}

// ProcessToken records the decision behind an approval link. Form posts are
// redirected to the success page; JSON callers get the outcome.
func (h *HTTPHandler) ProcessToken(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	form := !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")

	var req struct {
		Action    string                     `json:"action"`
		Notes     string                     `json:"notes"`
		ForwardTo *repository.AssignmentRule `json:"forward_to"`
	}
	if form {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("INVALID_INPUT", "", "Invalid form body"))
			return
		}
		req.Action = r.PostFormValue("action")
		req.Notes = r.PostFormValue("notes")
	} else if !h.decode(w, r, &req) {
		return
	}

	decision, ok := portalActions[req.Action]
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_INPUT", "invalid_decision", "action must be approve, reject or forward"))
		return
	}

	tr, err := h.service.ProcessToken(r.Context(), token, decision, req.Notes, req.ForwardTo)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if form {
		http.Redirect(w, r, "/approval/"+token+"/success", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(tr))
}

// TokenSuccess is the landing page after a link was used. The token is spent
// by then, so nothing is looked up.
func (h *HTTPHandler) TokenSuccess(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Your decision has been recorded. You can close this page."})
}

var portalActions = map[string]string{
	"approve":                    repository.DecisionApproved,
	"reject":                     repository.DecisionRejected,
	"forward":                    repository.DecisionForwarded,
	repository.DecisionApproved:  repository.DecisionApproved,
	repository.DecisionRejected:  repository.DecisionRejected,
	repository.DecisionForwarded: repository.DecisionForwarded,
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) caller(w http.ResponseWriter, r *http.Request) (*auth.UserContext, bool) {
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return uc, true
}

// decode reads a JSON body. An empty body leaves v zeroed.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_INPUT", "", "Invalid request body"))
		return false
	}
	return true
}

func errorBody(code, reason, message string) map[string]any {
	body := map[string]any{"code": code, "message": message}
	if reason != "" {
		body["reason"] = reason
	}
	return map[string]any{"error": body}
}

// writeError maps a service error onto a status code. Internal errors are
// logged and replaced with a generic message.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := httpStatus(code)
	switch {
	case code == apperrors.ErrCodeTokenInvalid:
		writeJSON(w, status, errorBody(string(code), "", tokenErrorMessage))
		return
	case status >= http.StatusInternalServerError:
		h.log.Error().Err(err).Msg("Request failed")
		writeJSON(w, status, errorBody(string(apperrors.ErrCodeInternal), "", "Internal server error"))
		return
	}
	writeJSON(w, status, errorBody(string(code), apperrors.ReasonOf(err), err.Error()))
}

func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeTokenInvalid:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
