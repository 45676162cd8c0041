package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/correction"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/settlement"
	"github.com/wakala/paysettle/internal/verification"
)

// Handlers holds the services behind the HTTP surface.
type Handlers struct {
	corrections *correction.Service
	builder     *ach.Builder
	renderer    *ach.Renderer
	accounts    *verification.Service
	settlement  *settlement.Service
	payroll     *ingestion.Service
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, kind domain.ErrorKind) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": string(kind)})
}

// writeFailure maps a service error onto a status code by its kind.
func writeFailure(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}
	writeError(w, status, err.Error(), kind)
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindState, domain.KindConflict, domain.KindReconciliation:
		return http.StatusConflict
	case domain.KindVerification, domain.KindFormat:
		return http.StatusUnprocessableEntity
	case domain.KindCapacity:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}

// actorOf prefers the body's actor and falls back to the X-Actor header.
func actorOf(r *http.Request, body string) string {
	if a := strings.TrimSpace(body); a != "" {
		return a
	}
	return strings.TrimSpace(r.Header.Get("X-Actor"))
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(domain.DateLayout, s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(domain.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, domain.Validationf("%s must be YYYY-MM-DD, got %q", field, s)
	}
	return t, nil
}

func listResponse(key string, items any, total, page, limit int) map[string]any {
	return map[string]any{
		key:     items,
		"total": total,
		"page":  page,
		"limit": limit,
	}
}

// readUpload returns the "file" part of a multipart form, or the raw body
// for any other content type.
func readUpload(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, domain.Validationf("failed to parse multipart form")
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, domain.Validationf("missing 'file' field")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, domain.Validationf("failed to read file")
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		return nil, domain.Validationf("failed to read body")
	}
	if len(data) == 0 {
		return nil, domain.Validationf("empty upload")
	}
	return data, nil
}
