package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wakala/paysettle/internal/correction"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/repository"
)

// CreateCorrection handles POST /api/v1/corrections/{type}.
func (h *Handlers) CreateCorrection(typ domain.CorrectionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in correction.CreateInput
		if err := decode(r, &in); err != nil {
			writeFailure(w, err)
			return
		}
		in.Actor = actorOf(r, in.Actor)
		c, err := h.corrections.Create(r.Context(), string(typ), in)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

// ListCorrections handles GET /api/v1/corrections.
// Query params: status, type, employee_id, from, to, page, limit.
func (h *Handlers) ListCorrections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.CorrectionFilter{
		Status:     q.Get("status"),
		Type:       q.Get("type"),
		EmployeeID: q.Get("employee_id"),
		From:       parseTime(q.Get("from")),
		To:         parseTime(q.Get("to")),
		Page:       parseIntDefault(q.Get("page"), 1),
		Limit:      parseIntDefault(q.Get("limit"), 50),
	}
	items, total, err := h.corrections.List(r.Context(), f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if items == nil {
		items = []domain.Correction{}
	}
	writeJSON(w, http.StatusOK, listResponse("corrections", items, total, f.Page, f.Limit))
}

// GetCorrection handles GET /api/v1/corrections/{id}.
func (h *Handlers) GetCorrection(w http.ResponseWriter, r *http.Request) {
	c, err := h.corrections.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetAudit handles GET /api/v1/corrections/{id}/audit.
func (h *Handlers) GetAudit(w http.ResponseWriter, r *http.Request) {
	events, status, err := h.corrections.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":          events,
		"replayed_status": status,
	})
}

type recoveryOptionsRequest struct {
	Actor       string       `json:"actor"`
	FixedPerPay *money.Money `json:"fixed_amount_per_pay"`
}

// RecoveryOptions handles POST /api/v1/corrections/{id}/recovery-options.
func (h *Handlers) RecoveryOptions(w http.ResponseWriter, r *http.Request) {
	var req recoveryOptionsRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	opts, err := h.corrections.RecoveryOptions(r.Context(), chi.URLParam(r, "id"), actorOf(r, req.Actor), req.FixedPerPay)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": opts})
}

type selectRecoveryRequest struct {
	Actor   string                `json:"actor"`
	Option  domain.RecoveryOption `json:"selected_recovery"`
	Consent *domain.Consent       `json:"employee_consent"`
}

// SelectRecovery handles POST /api/v1/corrections/{id}/select-recovery.
func (h *Handlers) SelectRecovery(w http.ResponseWriter, r *http.Request) {
	var req selectRecoveryRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	c, err := h.corrections.SelectRecovery(r.Context(), chi.URLParam(r, "id"), actorOf(r, req.Actor), req.Option, req.Consent)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type transitionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// Transition serves submit, approve, process, settle and cancel, which
// differ only in the service call.
func (h *Handlers) Transition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err)
			return
		}
		ctx, id, actor := r.Context(), chi.URLParam(r, "id"), actorOf(r, req.Actor)

		var (
			c   *domain.Correction
			err error
		)
		switch action {
		case "submit":
			c, err = h.corrections.Submit(ctx, id, actor)
		case "approve":
			c, err = h.corrections.Approve(ctx, id, actor)
		case "process":
			c, err = h.corrections.Process(ctx, id, actor)
		case "settle":
			c, err = h.corrections.Settle(ctx, id, actor)
		case "cancel":
			c, err = h.corrections.Cancel(ctx, id, actor, req.Reason)
		default:
			writeError(w, http.StatusNotFound, "unknown action "+action, domain.KindNotFound)
			return
		}
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}
