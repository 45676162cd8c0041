package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/correction"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/settlement"
	"github.com/wakala/paysettle/internal/verification"
)

// Services are the collaborators the handlers call into.
type Services struct {
	Corrections *correction.Service
	Builder     *ach.Builder
	Renderer    *ach.Renderer
	Accounts    *verification.Service
	Settlement  *settlement.Service
	Payroll     *ingestion.Service
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(svc Services, allowedOrigins []string) http.Handler {
	h := &Handlers{
		corrections: svc.Corrections,
		builder:     svc.Builder,
		renderer:    svc.Renderer,
		accounts:    svc.Accounts,
		settlement:  svc.Settlement,
		payroll:     svc.Payroll,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Actor", "X-Request-Id"},
	}).Handler)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		// Corrections.
		r.Get("/corrections", h.ListCorrections)
		for _, t := range []domain.CorrectionType{
			domain.TypeOverpayment, domain.TypeUnderpayment, domain.TypeRetroactiveRaise,
			domain.TypeTaxCorrection, domain.TypeDeductionCorrection, domain.TypeBonusAdjustment,
		} {
			r.Post("/corrections/"+string(t), h.CreateCorrection(t))
		}
		r.Get("/corrections/{id}", h.GetCorrection)
		r.Get("/corrections/{id}/audit", h.GetAudit)
		r.Post("/corrections/{id}/recovery-options", h.RecoveryOptions)
		r.Post("/corrections/{id}/select-recovery", h.SelectRecovery)
		for _, action := range []string{"submit", "approve", "process", "settle", "cancel"} {
			r.Post("/corrections/{id}/"+action, h.Transition(action))
		}

		// Batches.
		r.Post("/ach/batches", h.OpenBatch)
		r.Get("/ach/batches", h.ListBatches)
		r.Get("/ach/batches/{id}", h.GetBatch)
		r.Post("/ach/batches/{id}/transactions", h.AppendTransaction)
		r.Post("/ach/batches/{id}/submit", h.SubmitBatch)
		r.Post("/ach/batches/{id}/settle", h.SettleBatch)
		r.Post("/ach/batches/{id}/reject", h.RejectBatch)
		r.Post("/ach/payroll/{id}/queue", h.QueuePayroll)

		// NACHA files.
		r.Post("/ach/nacha/generate", h.GenerateNacha)
		r.Get("/ach/nacha/download/{batch_id}", h.DownloadNacha)

		// Bank accounts.
		r.Post("/ach/bank-accounts", h.RegisterAccount)
		r.Get("/ach/bank-accounts/{id}", h.GetAccount)
		r.Post("/ach/bank-accounts/{id}/verify", h.VerifyAccount)
		r.Post("/ach/bank-accounts/{id}/confirm", h.ConfirmAccount)
		r.Post("/ach/prenotes/sweep", h.SweepPrenotes)

		// Returns.
		r.Post("/ach/returns", h.ProcessReturn)
		r.Post("/ach/returns/file", h.ProcessReturnFile)
		r.Post("/ach/reconcile", h.Reconcile)

		// Payroll feed.
		r.Post("/payroll/import", h.ImportPayroll)
	})

	return r
}
