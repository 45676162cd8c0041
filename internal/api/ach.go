package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/repository"
)

type openBatchRequest struct {
	BatchType     string `json:"batch_type"`
	EffectiveDate string `json:"effective_date"`
}

// OpenBatch handles POST /api/v1/ach/batches.
func (h *Handlers) OpenBatch(w http.ResponseWriter, r *http.Request) {
	var req openBatchRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	bt, err := domain.ParseBatchType(req.BatchType)
	if err != nil {
		writeFailure(w, err)
		return
	}
	date, err := parseDate("effective_date", req.EffectiveDate)
	if err != nil {
		writeFailure(w, err)
		return
	}
	b, err := h.builder.Open(r.Context(), bt, date)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListBatches handles GET /api/v1/ach/batches.
// Query params: batch_type, status, from, to, page, limit.
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.BatchFilter{
		BatchType: q.Get("batch_type"),
		Status:    q.Get("status"),
		From:      parseTime(q.Get("from")),
		To:        parseTime(q.Get("to")),
		Page:      parseIntDefault(q.Get("page"), 1),
		Limit:     parseIntDefault(q.Get("limit"), 50),
	}
	items, total, err := h.builder.List(r.Context(), f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if items == nil {
		items = []domain.ACHBatch{}
	}
	writeJSON(w, http.StatusOK, listResponse("batches", items, total, f.Page, f.Limit))
}

// GetBatch handles GET /api/v1/ach/batches/{id}.
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.builder.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// AppendTransaction handles POST /api/v1/ach/batches/{id}/transactions.
func (h *Handlers) AppendTransaction(w http.ResponseWriter, r *http.Request) {
	var req ach.Request
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	txn, err := h.builder.Append(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// SubmitBatch handles POST /api/v1/ach/batches/{id}/submit.
func (h *Handlers) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.builder.Submit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// SettleBatch handles POST /api/v1/ach/batches/{id}/settle.
func (h *Handlers) SettleBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.settlement.SettleBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rejectBatchRequest struct {
	ReturnCode   string `json:"return_code"`
	ReturnReason string `json:"return_reason"`
}

// RejectBatch handles POST /api/v1/ach/batches/{id}/reject.
func (h *Handlers) RejectBatch(w http.ResponseWriter, r *http.Request) {
	var req rejectBatchRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	res, err := h.settlement.RejectBatch(r.Context(), chi.URLParam(r, "id"), req.ReturnCode, req.ReturnReason)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// QueuePayroll handles POST /api/v1/ach/payroll/{id}/queue.
func (h *Handlers) QueuePayroll(w http.ResponseWriter, r *http.Request) {
	txns, err := h.builder.QueuePayroll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

type generateRequest struct {
	BatchIDs []string `json:"batch_ids"`
}

// GenerateNacha handles POST /api/v1/ach/nacha/generate.
func (h *Handlers) GenerateNacha(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	f, created, err := h.renderer.Generate(r.Context(), req.BatchIDs)
	if err != nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"file":    f,
		"created": created,
		"content": string(f.Content),
	})
}

// DownloadNacha handles GET /api/v1/ach/nacha/download/{batch_id}.
func (h *Handlers) DownloadNacha(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	f, err := h.renderer.Download(r.Context(), batchID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=us-ascii")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", batchID+".ach"))
	w.WriteHeader(http.StatusOK)
	w.Write(f.Content)
}
