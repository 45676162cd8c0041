// Package correction drives payroll corrections through their lifecycle:
// draft, submit, approve, process and settle, with a diffed audit event on
// every step.
package correction

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/recovery"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/taxsvc"
)

// SystemActor is recorded on transitions the service makes on its own.
const SystemActor = "system"

// CreateInput is the body of a create request. Payload holds the
// type-specific fields.
type CreateInput struct {
	EmployeeID        string          `json:"employee_id"`
	OriginalPayrollID string          `json:"original_payroll_id"`
	BankAccountID     string          `json:"bank_account_id"`
	Jurisdiction      string          `json:"jurisdiction"`
	Reason            string          `json:"reason"`
	Actor             string          `json:"actor"`
	Payload           json.RawMessage `json:"payload"`
}

// Service owns correction state changes.
type Service struct {
	store   *repository.Store
	tax     taxsvc.Service
	planner *recovery.Planner
	builder *ach.Builder
	now     func() time.Time
}

// NewService creates a new correction service.
func NewService(store *repository.Store, tax taxsvc.Service, planner *recovery.Planner, builder *ach.Builder) *Service {
	return &Service{store: store, tax: tax, planner: planner, builder: builder, now: time.Now}
}

// SetClock replaces the clock used for timestamps and plan dates.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create validates and stores a new draft. A referenced payroll run must
// exist, belong to the employee and predate the correction.
func (s *Service) Create(ctx context.Context, typ string, in CreateInput) (*domain.Correction, error) {
	ct, err := domain.ParseCorrectionType(typ)
	if err != nil {
		return nil, err
	}
	payload, err := domain.DecodePayload(ct, in.Payload)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	c := &domain.Correction{
		ID:                uuid.NewString(),
		Type:              ct,
		EmployeeID:        in.EmployeeID,
		CreatedBy:         in.Actor,
		CreatedAt:         now,
		Status:            domain.StatusDraft,
		Version:           1,
		OriginalPayrollID: in.OriginalPayrollID,
		BankAccountID:     in.BankAccountID,
		Jurisdiction:      in.Jurisdiction,
		Reason:            in.Reason,
		UpdatedAt:         now,
		Payload:           payload,
	}

	var run *domain.PayrollSnapshot
	if c.OriginalPayrollID != "" {
		if run, err = s.originalPayroll(ctx, c); err != nil {
			return nil, domain.WithOp("create", err)
		}
		c.PayrollFingerprint = run.Fingerprint()
		if op, ok := payload.(*domain.OverpaymentPayload); ok && op.DisposableEarnings.IsZero() {
			op.DisposableEarnings = run.DisposableEarnings()
		}
	}
	if err := s.checkAccount(ctx, c); err != nil {
		return nil, domain.WithOp("create", err)
	}
	if err := recovery.Recalculate(ctx, s.tax, c, run, now); err != nil {
		return nil, domain.WithOp("create", err)
	}
	if err := c.Validate(false); err != nil {
		return nil, domain.WithOp("create", err)
	}

	err = s.store.InTx(ctx, func(tx repository.Repos) error {
		if err := tx.Corrections.Insert(ctx, c); err != nil {
			return err
		}
		return tx.Corrections.AppendEvent(ctx, &domain.AuditEntry{
			CorrectionID: c.ID,
			Action:       domain.ActionCreate,
			ToStatus:     domain.StatusDraft,
			Actor:        c.CreatedBy,
			Reason:       c.Reason,
			At:           now,
		})
	})
	if err != nil {
		return nil, domain.WithOp("create", err)
	}
	log.Printf("[correction] created %s %s for employee %s", c.Type, c.ID, c.EmployeeID)
	return c, nil
}

// originalPayroll loads and checks the run a new correction refers to.
func (s *Service) originalPayroll(ctx context.Context, c *domain.Correction) (*domain.PayrollSnapshot, error) {
	run, err := s.store.Payroll.GetOriginalPayroll(ctx, c.OriginalPayrollID)
	if domain.IsKind(err, domain.KindNotFound) {
		return nil, domain.Validationf("original payroll %s does not exist", c.OriginalPayrollID)
	}
	if err != nil {
		return nil, err
	}
	if run.Deleted {
		return nil, domain.Validationf("original payroll %s was deleted", run.ID)
	}
	if run.EmployeeID != c.EmployeeID {
		return nil, domain.Validationf("original payroll %s belongs to another employee", run.ID)
	}
	if !run.PayDate.Before(c.CreatedAt) {
		return nil, domain.Validationf("original payroll %s (paid %s) does not precede the correction",
			run.ID, run.PayDate.Format(domain.DateLayout))
	}
	return run, nil
}

func (s *Service) checkAccount(ctx context.Context, c *domain.Correction) error {
	if c.BankAccountID == "" {
		return nil
	}
	acct, err := s.store.Accounts.GetByID(ctx, c.BankAccountID)
	if domain.IsKind(err, domain.KindNotFound) {
		return domain.Validationf("bank account %s does not exist", c.BankAccountID)
	}
	if err != nil {
		return err
	}
	if acct.OwnerID != c.EmployeeID {
		return domain.Validationf("bank account %s does not belong to employee %s", acct.ID, c.EmployeeID)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Correction, error) {
	return s.store.Corrections.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f repository.CorrectionFilter) ([]domain.Correction, int, error) {
	return s.store.Corrections.List(ctx, f)
}

// Audit returns the event history and the status it replays to.
func (s *Service) Audit(ctx context.Context, id string) ([]domain.AuditEntry, domain.CorrectionStatus, error) {
	if _, err := s.store.Corrections.GetByID(ctx, id); err != nil {
		return nil, "", err
	}
	events, err := s.store.Corrections.Events(ctx, id)
	if err != nil {
		return nil, "", err
	}
	status, err := domain.ReplayStatus(events)
	if err != nil {
		return events, "", domain.Reconciliationf("audit trail of %s does not replay: %v", id, err)
	}
	return events, status, nil
}

// RecoveryOptions proposes ranked recovery plans for a draft overpayment
// and keeps them on the payload.
func (s *Service) RecoveryOptions(ctx context.Context, id, actor string, fixedPerPay *money.Money) ([]domain.RecoveryOption, error) {
	var opts []domain.RecoveryOption
	_, err := s.mutate(ctx, id, domain.ActionUpdate, actor, "", func(c *domain.Correction) error {
		p, ok := c.Payload.(*domain.OverpaymentPayload)
		if !ok {
			return domain.Validationf("recovery options apply to overpayments, not %s", c.Type)
		}
		var err error
		if opts, err = s.planner.Options(p.NetOverpayment, disposable(p), fixedPerPay); err != nil {
			return err
		}
		p.RecoveryOptions = opts
		return nil
	})
	if err != nil {
		return nil, domain.WithOp("recovery options", err)
	}
	return opts, nil
}

// SelectRecovery records the human choice of recovery plan and, when the
// plan needs it, the employee's consent.
func (s *Service) SelectRecovery(ctx context.Context, id, actor string, opt domain.RecoveryOption, consent *domain.Consent) (*domain.Correction, error) {
	c, err := s.mutate(ctx, id, domain.ActionUpdate, actor, "", func(c *domain.Correction) error {
		p, ok := c.Payload.(*domain.OverpaymentPayload)
		if !ok {
			return domain.Validationf("select-recovery applies to overpayments, not %s", c.Type)
		}
		checked, err := s.planner.CheckSelection(opt, p.NetOverpayment, disposable(p))
		if err != nil {
			return err
		}
		p.SelectedRecovery = &checked
		if consent != nil {
			cp := *consent
			if cp.Given && cp.GivenAt.IsZero() {
				cp.GivenAt = s.now().UTC()
			}
			p.EmployeeConsent = &cp
		}
		return nil
	})
	return c, domain.WithOp("select recovery", err)
}

func disposable(p *domain.OverpaymentPayload) money.Money {
	if p.DisposableEarnings.IsPositive() {
		return p.DisposableEarnings
	}
	return p.NetOverpayment
}

// Submit recalculates withholding and moves a complete draft to review.
func (s *Service) Submit(ctx context.Context, id, actor string) (*domain.Correction, error) {
	c, err := s.mutate(ctx, id, domain.ActionSubmit, actor, "", func(c *domain.Correction) error {
		run, err := s.runFor(ctx, c)
		if err != nil {
			return err
		}
		if err := recovery.Recalculate(ctx, s.tax, c, run, s.now()); err != nil {
			return err
		}
		if err := s.checkAccount(ctx, c); err != nil {
			return err
		}
		return c.Validate(true)
	})
	return c, domain.WithOp("submit", err)
}

// Approve re-checks the original payroll and recalculates against current
// tax rules before recording the approval.
func (s *Service) Approve(ctx context.Context, id, actor string) (*domain.Correction, error) {
	c, err := s.mutate(ctx, id, domain.ActionApprove, actor, "", func(c *domain.Correction) error {
		run, err := s.reconcile(ctx, c)
		if err != nil {
			return err
		}
		if err := recovery.Recalculate(ctx, s.tax, c, run, s.now()); err != nil {
			return err
		}
		if p, ok := c.Payload.(*domain.OverpaymentPayload); ok && p.SelectedRecovery != nil {
			if err := p.SelectedRecovery.Validate(p.NetOverpayment); err != nil {
				return domain.Reconciliationf("recalculated net overpayment %s no longer matches the selected recovery: %v",
					p.NetOverpayment, err)
			}
		}
		if err := c.Validate(true); err != nil {
			return domain.Reconciliationf("correction no longer valid after recalculation: %v", err)
		}
		at := s.now().UTC()
		c.ApprovedBy = actor
		c.ApprovedAt = &at
		return nil
	})
	return c, domain.WithOp("approve", err)
}

// reconcile fails when the payroll run behind c has changed since creation.
func (s *Service) reconcile(ctx context.Context, c *domain.Correction) (*domain.PayrollSnapshot, error) {
	if c.OriginalPayrollID == "" {
		return nil, nil
	}
	run, err := s.store.Payroll.GetOriginalPayroll(ctx, c.OriginalPayrollID)
	if domain.IsKind(err, domain.KindNotFound) {
		return nil, domain.Reconciliationf("original payroll %s no longer exists", c.OriginalPayrollID)
	}
	if err != nil {
		return nil, err
	}
	switch {
	case run.Deleted:
		return nil, domain.Reconciliationf("original payroll %s was deleted", run.ID)
	case run.EmployeeID != c.EmployeeID:
		return nil, domain.Reconciliationf("original payroll %s now belongs to employee %s", run.ID, run.EmployeeID)
	case c.PayrollFingerprint != "" && run.Fingerprint() != c.PayrollFingerprint:
		return nil, domain.Reconciliationf("original payroll %s changed since the correction was created", run.ID)
	}
	return run, nil
}

func (s *Service) runFor(ctx context.Context, c *domain.Correction) (*domain.PayrollSnapshot, error) {
	if c.OriginalPayrollID == "" {
		return nil, nil
	}
	return s.store.Payroll.GetOriginalPayroll(ctx, c.OriginalPayrollID)
}

// Process hands an approved correction's ACH entries to the batch builder
// and moves it to processing in the same transaction. Types that move no
// money go to processing and wait for Settle.
func (s *Service) Process(ctx context.Context, id, actor string) (*domain.Correction, error) {
	var queued int
	c, err := s.mutateTx(ctx, id, domain.ActionProcess, actor, "", func(tx repository.Repos, c *domain.Correction) error {
		if !c.Type.Settles() {
			return nil
		}
		run, err := tx.Payroll.GetOriginalPayroll(ctx, c.OriginalPayrollID)
		if err != nil {
			return err
		}
		entries, err := s.planner.Plan(c, run, s.now())
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := s.builder.AssignTx(ctx, tx, ach.Request{
				SourceKey:      e.SourceKey,
				AccountID:      c.BankAccountID,
				Amount:         e.Amount,
				Type:           e.Type,
				Description:    e.Description,
				IndividualName: run.EmployeeName,
				IndividualID:   c.EmployeeID,
				CorrectionID:   c.ID,
			}, e.EffectiveDate, e.BatchType); err != nil {
				return err
			}
		}
		queued = len(entries)
		return nil
	})
	if err != nil {
		return nil, domain.WithOp("process", err)
	}
	log.Printf("[correction] processing %s with %d ACH entries", c.ID, queued)
	return c, nil
}

// Settle completes a processing correction that moves no money over ACH.
// ACH-settled types complete when their batches settle.
func (s *Service) Settle(ctx context.Context, id, actor string) (*domain.Correction, error) {
	c, err := s.mutate(ctx, id, domain.ActionSettle, actor, "", func(c *domain.Correction) error {
		if c.Type.Settles() {
			return domain.Statef("%s %s completes when its ACH entries settle", c.Type, c.ID)
		}
		at := s.now().UTC()
		c.CompletedAt = &at
		return nil
	})
	return c, domain.WithOp("settle", err)
}

// Cancel abandons a correction that has not started processing.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*domain.Correction, error) {
	if reason == "" {
		return nil, domain.WithOp("cancel", domain.Validationf("a cancellation reason is required"))
	}
	c, err := s.mutate(ctx, id, domain.ActionCancel, actor, reason, func(c *domain.Correction) error {
		c.CancelReason = reason
		return nil
	})
	return c, domain.WithOp("cancel", err)
}

// CompleteIfSettled moves a processing correction to completed once the
// latest attempt of every ACH entry it owns has settled. A returned entry
// that was not re-presented keeps the correction in processing. It runs inside the settlement
// transaction and reports whether the correction completed.
func (s *Service) CompleteIfSettled(ctx context.Context, tx repository.Repos, id string) (bool, error) {
	c, err := tx.Corrections.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != domain.StatusProcessing {
		return false, nil
	}
	txns, err := tx.Batches.ListByCorrection(ctx, id)
	if err != nil {
		return false, err
	}
	// Representments chain off the entry they retry; only the newest
	// attempt per original key counts.
	latest := make(map[string]domain.ACHTransaction, len(txns))
	for _, t := range txns {
		key := t.OriginKey()
		if cur, ok := latest[key]; !ok || t.Attempt > cur.Attempt {
			latest[key] = t
		}
	}
	if len(latest) == 0 {
		return false, nil
	}
	for _, t := range latest {
		if t.Status != domain.TxnSettled {
			return false, nil
		}
	}
	at := s.now().UTC()
	if err := s.apply(ctx, tx, c, domain.ActionSettle, SystemActor, "ACH settlement confirmed", func(c *domain.Correction) error {
		c.CompletedAt = &at
		return nil
	}); err != nil {
		return false, err
	}
	log.Printf("[correction] %s completed on settlement", id)
	return true, nil
}

// RecordReturn notes a bank return against a processing correction's entry.
func (s *Service) RecordReturn(ctx context.Context, tx repository.Repos, id string, notice domain.ReturnNotice) error {
	c, err := tx.Corrections.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.StatusProcessing {
		log.Printf("[correction] return %s on %s ignored, correction is %s", notice.ReturnCode, id, c.Status)
		return nil
	}
	reason := notice.ReturnCode
	if notice.ReturnReason != "" {
		reason += ": " + notice.ReturnReason
	}
	return s.apply(ctx, tx, c, domain.ActionReturn, SystemActor, reason, func(*domain.Correction) error { return nil })
}

// mutate runs fn against a copy of the correction outside any database
// transaction (fn may call the tax service), then commits the change with
// a version check and one audit event.
func (s *Service) mutate(ctx context.Context, id string, action domain.Action, actor, reason string, fn func(*domain.Correction) error) (*domain.Correction, error) {
	current, err := s.store.Corrections.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := domain.NextStatus(current.Status, action); err != nil {
		return nil, err
	}
	next, err := current.Clone()
	if err != nil {
		return nil, err
	}
	if err := fn(next); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx repository.Repos) error {
		return s.commit(ctx, tx, current, next, action, actor, reason)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// mutateTx is mutate with fn running inside the transaction.
func (s *Service) mutateTx(ctx context.Context, id string, action domain.Action, actor, reason string, fn func(repository.Repos, *domain.Correction) error) (*domain.Correction, error) {
	var out *domain.Correction
	err := s.store.InTx(ctx, func(tx repository.Repos) error {
		current, err := tx.Corrections.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if _, err := domain.NextStatus(current.Status, action); err != nil {
			return err
		}
		next, err := current.Clone()
		if err != nil {
			return err
		}
		if err := fn(tx, next); err != nil {
			return err
		}
		if err := s.commit(ctx, tx, current, next, action, actor, reason); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *Service) apply(ctx context.Context, tx repository.Repos, current *domain.Correction, action domain.Action, actor, reason string, fn func(*domain.Correction) error) error {
	next, err := current.Clone()
	if err != nil {
		return err
	}
	if err := fn(next); err != nil {
		return err
	}
	return s.commit(ctx, tx, current, next, action, actor, reason)
}

func (s *Service) commit(ctx context.Context, tx repository.Repos, before, after *domain.Correction, action domain.Action, actor, reason string) error {
	if actor == "" {
		return domain.Validationf("actor is required")
	}
	status, err := domain.NextStatus(before.Status, action)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	after.Status = status
	after.Version = before.Version + 1
	after.UpdatedAt = now
	changes, err := domain.Diff(before, after)
	if err != nil {
		return err
	}
	if err := tx.Corrections.Update(ctx, after, before.Version); err != nil {
		return err
	}
	return tx.Corrections.AppendEvent(ctx, &domain.AuditEntry{
		CorrectionID: after.ID,
		Action:       action,
		FromStatus:   before.Status,
		ToStatus:     status,
		Actor:        actor,
		Reason:       reason,
		Changes:      changes,
		At:           now,
	})
}
