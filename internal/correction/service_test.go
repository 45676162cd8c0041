package correction

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/calendar"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/recovery"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/taxsvc"
	"github.com/wakala/paysettle/internal/vault"
)

var today = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *repository.Store
	svc   *Service
	ach   *ach.Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "corrections.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := repository.NewStore(db)

	cal := calendar.New()
	builder := ach.NewBuilder(store, cal, 100, "07640125")
	clock := func() time.Time { return today }
	builder.SetClock(clock)
	planner := recovery.NewPlanner(decimal.NewFromInt(25), 14, cal)
	svc := NewService(store, taxsvc.NewFlatRate(), planner, builder)
	svc.now = clock

	// gross 2000.00 at 10% / 6% / 4% leaves 1600.00
	run := &domain.PayrollSnapshot{
		ID: "pr-1", EmployeeID: "emp-1", EmployeeName: "Ada Park",
		PayDate:     time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC),
		PeriodStart: time.Date(2026, 9, 11, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC),
		Gross:       money.MustParse("2000.00"),
		Net:         money.MustParse("1600.00"),
		Taxes: domain.TaxAmounts{
			Federal: money.MustParse("200.00"), State: money.MustParse("120.00"), FICA: money.MustParse("80.00"),
		},
		Jurisdiction: "CA",
		UpdatedAt:    today,
	}
	if err := store.Payroll.Upsert(ctx, run); err != nil {
		t.Fatalf("upsert run: %v", err)
	}

	v, err := vault.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	for _, a := range []struct {
		id, owner string
		status    domain.AccountStatus
	}{
		{"a1", "emp-1", domain.AccountVerified},
		{"a2", "emp-2", domain.AccountVerified},
		{"a3", "emp-1", domain.AccountPending},
	} {
		sealed, err := v.Seal(a.id, vault.Numbers{Routing: "021000021", Account: "9876543"})
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		err = store.Accounts.Insert(ctx, &domain.BankAccount{
			ID: a.id, OwnerID: a.owner, OwnerType: domain.OwnerEmployee, HolderName: "Ada Park",
			AccountType: domain.AccountChecking, RoutingLast4: "0021", AccountLast4: "6543",
			Status: a.status, IsPrimary: true, Sealed: sealed, Version: 1, CreatedAt: today, UpdatedAt: today,
		})
		if err != nil {
			t.Fatalf("insert account: %v", err)
		}
	}
	return &fixture{store: store, svc: svc, ach: builder}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func overpaymentInput(t *testing.T) CreateInput {
	return CreateInput{
		EmployeeID: "emp-1", OriginalPayrollID: "pr-1", BankAccountID: "a1",
		Reason: "double-paid bonus", Actor: "hr-1",
		Payload: raw(t, map[string]string{"gross_overpayment": "500.00"}),
	}
}

// readyOverpayment returns a submitted overpayment with a four-payment plan.
func (f *fixture) readyOverpayment(t *testing.T) *domain.Correction {
	t.Helper()
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "overpayment", overpaymentInput(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	opt := domain.RecoveryOption{Type: domain.RecoveryFixedAmount, AmountPerPay: money.MustParse("95.44"), NumPayments: 4}
	if _, err := f.svc.SelectRecovery(ctx, c.ID, "hr-1", opt, nil); err != nil {
		t.Fatalf("select: %v", err)
	}
	if c, err = f.svc.Submit(ctx, c.ID, "hr-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return c
}

func TestCreateOverpaymentDerivesNet(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Create(context.Background(), "overpayment", overpaymentInput(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.StatusDraft || c.Version != 1 {
		t.Fatalf("got status=%s version=%d", c.Status, c.Version)
	}
	p := c.Payload.(*domain.OverpaymentPayload)
	// 500.00 less 50.00 federal, 30.00 state and 38.25 FICA
	if p.NetOverpayment.String() != "381.75" {
		t.Fatalf("net got=%s want=381.75", p.NetOverpayment)
	}
	if p.DisposableEarnings.String() != "1600.00" {
		t.Fatalf("disposable got=%s", p.DisposableEarnings)
	}
	if c.PayrollFingerprint == "" {
		t.Fatal("fingerprint not stored")
	}
}

func TestCreateRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	future := &domain.PayrollSnapshot{
		ID: "pr-future", EmployeeID: "emp-1", PayDate: today.AddDate(0, 0, 2),
		Gross: money.MustParse("100.00"), Net: money.MustParse("100.00"), UpdatedAt: today,
	}
	if err := f.store.Payroll.Upsert(ctx, future); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tests := []struct {
		name   string
		typ    string
		mutate func(*CreateInput)
	}{
		{"unknown type", "garnishment", func(*CreateInput) {}},
		{"missing payroll", "overpayment", func(in *CreateInput) { in.OriginalPayrollID = "pr-nope" }},
		{"other employee", "overpayment", func(in *CreateInput) { in.EmployeeID = "emp-2"; in.BankAccountID = "a2" }},
		{"payroll after correction", "overpayment", func(in *CreateInput) { in.OriginalPayrollID = "pr-future" }},
		{"account of other owner", "overpayment", func(in *CreateInput) { in.BankAccountID = "a2" }},
		{"no actor", "overpayment", func(in *CreateInput) { in.Actor = "" }},
		{"bad payload", "overpayment", func(in *CreateInput) { in.Payload = json.RawMessage(`{"gross_overpayment":"-4"}`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := overpaymentInput(t)
			tt.mutate(&in)
			_, err := f.svc.Create(ctx, tt.typ, in)
			if !domain.IsKind(err, domain.KindValidation) {
				t.Fatalf("got=%v want validation error", err)
			}
		})
	}
}

func TestOverpaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.Create(ctx, "overpayment", overpaymentInput(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fixed := money.MustParse("95.44")
	opts, err := f.svc.RecoveryOptions(ctx, c.ID, "hr-1", &fixed)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	var chosen *domain.RecoveryOption
	for i := range opts {
		if opts[i].Type == domain.RecoveryFixedAmount {
			chosen = &opts[i]
		}
	}
	if chosen == nil {
		t.Fatalf("no fixed_amount option in %+v", opts)
	}
	if _, err := f.svc.Submit(ctx, c.ID, "hr-1"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("submit without selection got=%v want validation", err)
	}
	if _, err := f.svc.SelectRecovery(ctx, c.ID, "hr-1", *chosen, nil); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := f.svc.Submit(ctx, c.ID, "hr-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := f.svc.Approve(ctx, c.ID, "mgr-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.ApprovedBy != "mgr-1" || got.ApprovedAt == nil {
		t.Fatalf("approval not recorded: %+v", got)
	}
	if got, err = f.svc.Process(ctx, c.ID, "ops-1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Status != domain.StatusProcessing {
		t.Fatalf("status got=%s", got.Status)
	}

	txns, err := f.store.Batches.ListByCorrection(ctx, c.ID)
	if err != nil {
		t.Fatalf("list txns: %v", err)
	}
	if len(txns) != 4 {
		t.Fatalf("txns got=%d want=4", len(txns))
	}
	total := money.USD(0)
	for _, tx := range txns {
		if tx.Type != domain.TxnDebit || tx.AccountID != "a1" || tx.IndividualName != "Ada Park" {
			t.Fatalf("txn got=%+v", tx)
		}
		total = total.Add(tx.Amount)
	}
	if total.String() != "381.75" {
		t.Fatalf("total got=%s want=381.75", total)
	}

	if _, err := f.svc.Process(ctx, c.ID, "ops-1"); !domain.IsKind(err, domain.KindState) {
		t.Fatalf("reprocess got=%v want state error", err)
	}
	if again, _ := f.store.Batches.ListByCorrection(ctx, c.ID); len(again) != 4 {
		t.Fatalf("reprocess queued more entries: %d", len(again))
	}

	events, status, err := f.svc.Audit(ctx, c.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if status != domain.StatusProcessing {
		t.Fatalf("replayed status got=%s", status)
	}
	wantActions := []domain.Action{
		domain.ActionCreate, domain.ActionUpdate, domain.ActionUpdate,
		domain.ActionSubmit, domain.ActionApprove, domain.ActionProcess,
	}
	if len(events) != len(wantActions) {
		t.Fatalf("events got=%d want=%d", len(events), len(wantActions))
	}
	for i, a := range wantActions {
		if events[i].Action != a {
			t.Fatalf("event %d got=%s want=%s", i, events[i].Action, a)
		}
	}
	if len(events[4].Changes) == 0 {
		t.Fatal("approve event has no field changes")
	}
}

func TestApproveReconcilesPayroll(t *testing.T) {
	ctx := context.Background()

	t.Run("deleted", func(t *testing.T) {
		f := newFixture(t)
		c := f.readyOverpayment(t)
		if err := f.store.Payroll.MarkDeleted(ctx, "pr-1", today); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := f.svc.Approve(ctx, c.ID, "mgr-1"); !domain.IsKind(err, domain.KindReconciliation) {
			t.Fatalf("got=%v want reconciliation error", err)
		}
		got, _ := f.svc.Get(ctx, c.ID)
		if got.Status != domain.StatusPendingApproval {
			t.Fatalf("status got=%s", got.Status)
		}
	})

	t.Run("changed upstream", func(t *testing.T) {
		f := newFixture(t)
		c := f.readyOverpayment(t)
		run, _ := f.store.Payroll.GetOriginalPayroll(ctx, "pr-1")
		run.Gross = money.MustParse("2100.00")
		run.Net = money.MustParse("1700.00")
		if err := f.store.Payroll.Upsert(ctx, run); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := f.svc.Approve(ctx, c.ID, "mgr-1"); !domain.IsKind(err, domain.KindReconciliation) {
			t.Fatalf("got=%v want reconciliation error", err)
		}
	})
}

func TestConcurrentApproveCommitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.readyOverpayment(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Approve(ctx, c.ID, "mgr-1")
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.IsKind(err, domain.KindConflict), domain.IsKind(err, domain.KindState):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful approvals got=%d want=1", ok)
	}
	events, _ := f.store.Corrections.Events(ctx, c.ID)
	approvals := 0
	for _, e := range events {
		if e.Action == domain.ActionApprove {
			approvals++
		}
	}
	if approvals != 1 {
		t.Fatalf("approve events got=%d want=1", approvals)
	}
}

func TestStaleWriteIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.readyOverpayment(t)
	stale, _ := f.svc.Get(ctx, c.ID)

	if _, err := f.svc.Approve(ctx, c.ID, "mgr-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	next, _ := stale.Clone()
	err := f.store.InTx(ctx, func(tx repository.Repos) error {
		return f.svc.commit(ctx, tx, stale, next, domain.ActionApprove, "mgr-2", "")
	})
	if !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("got=%v want conflict", err)
	}
}

func TestProcessRollsBackOnUnverifiedAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := overpaymentInput(t)
	in.BankAccountID = "a3"
	c, err := f.svc.Create(ctx, "overpayment", in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	opt := domain.RecoveryOption{Type: domain.RecoveryFullNextCheck, AmountPerPay: money.MustParse("381.75"), NumPayments: 1}
	if _, err := f.svc.SelectRecovery(ctx, c.ID, "hr-1", opt, nil); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := f.svc.Submit(ctx, c.ID, "hr-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Approve(ctx, c.ID, "mgr-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.Process(ctx, c.ID, "ops-1"); !domain.IsKind(err, domain.KindVerification) {
		t.Fatalf("got=%v want verification error", err)
	}
	got, _ := f.svc.Get(ctx, c.ID)
	if got.Status != domain.StatusApproved {
		t.Fatalf("status got=%s want approved", got.Status)
	}
	if txns, _ := f.store.Batches.ListByCorrection(ctx, c.ID); len(txns) != 0 {
		t.Fatalf("entries leaked from rolled back process: %d", len(txns))
	}
}

func TestUnderpaymentCompletesOnSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.Create(ctx, "underpayment", CreateInput{
		EmployeeID: "emp-1", OriginalPayrollID: "pr-1", BankAccountID: "a1", Actor: "hr-1",
		Payload: raw(t, map[string]string{"gross_underpayment": "200.00", "payment_method": "separate_check"}),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []func(context.Context, string, string) (*domain.Correction, error){
		f.svc.Submit, f.svc.Approve, f.svc.Process,
	} {
		if _, err := step(ctx, c.ID, "hr-1"); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	txns, _ := f.store.Batches.ListByCorrection(ctx, c.ID)
	if len(txns) != 1 || txns[0].Type != domain.TxnCredit {
		t.Fatalf("txns got=%+v", txns)
	}
	batch, err := f.store.Batches.GetByID(ctx, txns[0].BatchID)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.BatchType != domain.BatchOffcycle || batch.EffectiveDate.Format(domain.DateLayout) != "2026-10-15" {
		t.Fatalf("batch got=%s %s", batch.BatchType, batch.EffectiveDate)
	}
	if _, err := f.svc.Settle(ctx, c.ID, "ops-1"); !domain.IsKind(err, domain.KindState) {
		t.Fatalf("manual settle got=%v want state error", err)
	}

	var done bool
	err = f.store.InTx(ctx, func(tx repository.Repos) error {
		if _, err := tx.Batches.SettleQueued(ctx, batch.ID); err != nil {
			return err
		}
		var err error
		done, err = f.svc.CompleteIfSettled(ctx, tx, c.ID)
		return err
	})
	if err != nil || !done {
		t.Fatalf("complete got=%v err=%v", done, err)
	}
	got, _ := f.svc.Get(ctx, c.ID)
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("got status=%s completed_at=%v", got.Status, got.CompletedAt)
	}
}

func TestTaxCorrectionSettlesExplicitly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.Create(ctx, "tax_correction", CreateInput{
		EmployeeID: "emp-1", OriginalPayrollID: "pr-1", Actor: "hr-1",
		Payload: raw(t, map[string]any{
			"tax_year":              2026,
			"original_withholding":  map[string]string{"federal": "200.00", "state": "120.00", "fica": "80.00"},
			"corrected_withholding": map[string]string{"federal": "180.00", "state": "120.00", "fica": "80.00"},
		}),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []func(context.Context, string, string) (*domain.Correction, error){
		f.svc.Submit, f.svc.Approve, f.svc.Process,
	} {
		if _, err := step(ctx, c.ID, "hr-1"); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if txns, _ := f.store.Batches.ListByCorrection(ctx, c.ID); len(txns) != 0 {
		t.Fatalf("tax correction queued %d entries", len(txns))
	}
	got, err := f.svc.Settle(ctx, c.ID, "ops-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status got=%s", got.Status)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.readyOverpayment(t)

	if _, err := f.svc.Cancel(ctx, c.ID, "hr-1", ""); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("no reason got=%v want validation", err)
	}
	got, err := f.svc.Cancel(ctx, c.ID, "hr-1", "employee repaid by check")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusCancelled || got.CancelReason == "" {
		t.Fatalf("got=%+v", got)
	}
	if _, err := f.svc.Approve(ctx, c.ID, "mgr-1"); !domain.IsKind(err, domain.KindState) {
		t.Fatalf("approve cancelled got=%v want state error", err)
	}
}
