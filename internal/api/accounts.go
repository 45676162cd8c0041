package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/verification"
)

// RegisterAccount handles POST /api/v1/ach/bank-accounts.
func (h *Handlers) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var in verification.RegisterInput
	if err := decode(r, &in); err != nil {
		writeFailure(w, err)
		return
	}
	a, err := h.accounts.Register(r.Context(), in)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/ach/bank-accounts/{id}.
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type verifyRequest struct {
	Method domain.VerificationMethod `json:"method"`
}

// VerifyAccount handles POST /api/v1/ach/bank-accounts/{id}/verify.
func (h *Handlers) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Method == "" {
		req.Method = domain.VerifyMicroDeposits
	}
	a, err := h.accounts.Verify(r.Context(), chi.URLParam(r, "id"), req.Method)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

type confirmRequest struct {
	Amount1 money.Money `json:"amount1"`
	Amount2 money.Money `json:"amount2"`
}

// ConfirmAccount handles POST /api/v1/ach/bank-accounts/{id}/confirm.
func (h *Handlers) ConfirmAccount(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	a, err := h.accounts.Confirm(r.Context(), chi.URLParam(r, "id"), req.Amount1, req.Amount2)
	if err != nil {
		kind := domain.KindOf(err)
		if a != nil {
			writeJSON(w, statusFor(kind), map[string]any{
				"error":           err.Error(),
				"kind":            kind,
				"failed_attempts": a.FailedAttempts,
				"status":          a.Status,
			})
			return
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// SweepPrenotes handles POST /api/v1/ach/prenotes/sweep.
func (h *Handlers) SweepPrenotes(w http.ResponseWriter, r *http.Request) {
	n, err := h.accounts.SweepPrenotes(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"verified": n})
}

// ProcessReturn handles POST /api/v1/ach/returns.
func (h *Handlers) ProcessReturn(w http.ResponseWriter, r *http.Request) {
	var n domain.ReturnNotice
	if err := decode(r, &n); err != nil {
		writeFailure(w, err)
		return
	}
	out, err := h.settlement.ProcessReturn(r.Context(), n)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ProcessReturnFile handles POST /api/v1/ach/returns/file.
// Accepts multipart form with a "file" field, or the raw file as the body.
func (h *Handlers) ProcessReturnFile(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	res, err := h.settlement.ProcessReturnFile(r.Context(), data)
	if err != nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// Reconcile handles POST /api/v1/ach/reconcile.
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	done, err := h.settlement.Reconcile(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if done == nil {
		done = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"completed_corrections": done})
}

// ImportPayroll handles POST /api/v1/payroll/import.
// Accepts multipart form with a "file" field, or the raw feed as the body.
// Query param format: json (default) or csv.
func (h *Handlers) ImportPayroll(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = r.FormValue("format")
	}
	if format == "" {
		format = ingestion.FormatJSON
	}
	res, err := h.payroll.ImportPayroll(r.Context(), data, format)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
