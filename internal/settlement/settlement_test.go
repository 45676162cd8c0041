package settlement

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/calendar"
	"github.com/wakala/paysettle/internal/correction"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/nacha"
	"github.com/wakala/paysettle/internal/recovery"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/taxsvc"
	"github.com/wakala/paysettle/internal/vault"
	"github.com/wakala/paysettle/internal/verification"
)

var (
	today     = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	effective = time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	store       *repository.Store
	vault       *vault.Vault
	builder     *ach.Builder
	corrections *correction.Service
	svc         *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "settlement.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := repository.NewStore(db)
	v, err := vault.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	clock := func() time.Time { return today }
	cal := calendar.New()
	builder := ach.NewBuilder(store, cal, 100, "07640125")
	builder.SetClock(clock)
	accounts := verification.NewService(store, v, builder, 3, 3)
	accounts.SetClock(clock)
	corrections := correction.NewService(store, taxsvc.NewFlatRate(), recovery.NewPlanner(decimal.NewFromInt(25), 14, cal), builder)
	corrections.SetClock(clock)
	svc := NewService(store, builder, accounts, corrections, 2)
	svc.now = clock

	run := &domain.PayrollSnapshot{
		ID: "pr-1", EmployeeID: "emp-1", EmployeeName: "Ada Park",
		PayDate: time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC),
		Gross:   money.MustParse("1000.00"), Net: money.MustParse("1000.00"),
		Jurisdiction: "TX", UpdatedAt: today,
	}
	if err := store.Payroll.Upsert(ctx, run); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	f := &fixture{store: store, vault: v, builder: builder, corrections: corrections, svc: svc}
	f.account(t, "a1", domain.AccountVerified)
	return f
}

func (f *fixture) account(t *testing.T, id string, status domain.AccountStatus) {
	t.Helper()
	sealed, err := f.vault.Seal(id, vault.Numbers{Routing: "021000021", Account: "123456789"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	err = f.store.Accounts.Insert(context.Background(), &domain.BankAccount{
		ID: id, OwnerID: "emp-1", OwnerType: domain.OwnerEmployee, HolderName: "Ada Park",
		AccountType: domain.AccountChecking, RoutingLast4: "0021", AccountLast4: "6789",
		Status: status, IsPrimary: id == "a1", Sealed: sealed, Version: 1, CreatedAt: today, UpdatedAt: today,
	})
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
}

func (f *fixture) credit(t *testing.T, key string, cents int64) *domain.ACHTransaction {
	t.Helper()
	txn, err := f.builder.Assign(context.Background(), ach.Request{
		SourceKey: key, AccountID: "a1", Amount: money.USD(cents), Type: domain.TxnCredit, Description: "TEST",
	}, effective, domain.BatchPayroll)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return txn
}

// processingUnderpayment returns an underpayment whose single credit is queued.
func (f *fixture) processingUnderpayment(t *testing.T) (*domain.Correction, domain.ACHTransaction) {
	t.Helper()
	ctx := context.Background()
	payload, _ := json.Marshal(map[string]string{"gross_underpayment": "200.00"})
	c, err := f.corrections.Create(ctx, "underpayment", correction.CreateInput{
		EmployeeID: "emp-1", OriginalPayrollID: "pr-1", BankAccountID: "a1", Actor: "hr-1", Payload: payload,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []func(context.Context, string, string) (*domain.Correction, error){
		f.corrections.Submit, f.corrections.Approve, f.corrections.Process,
	} {
		if _, err := step(ctx, c.ID, "hr-1"); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	txns, err := f.store.Batches.ListByCorrection(ctx, c.ID)
	if err != nil || len(txns) != 1 {
		t.Fatalf("txns got=%d err=%v", len(txns), err)
	}
	return c, txns[0]
}

func TestInsufficientFundsRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := f.credit(t, "k1", 5000)

	out, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: txn.ID, ReturnCode: "R01", ReturnReason: "NSF"})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if out.Disposition != domain.DispositionRequeued || out.RequeuedTxnID == "" {
		t.Fatalf("outcome got=%+v", out)
	}
	retry, _ := f.store.Batches.GetTransaction(ctx, out.RequeuedTxnID)
	if retry.Attempt != 2 || retry.SourceKey != "k1:retry1" || retry.Amount.Cents != 5000 {
		t.Fatalf("retry got=%+v", retry)
	}
	batch, _ := f.store.Batches.GetByID(ctx, retry.BatchID)
	if batch.EffectiveDate.Format(domain.DateLayout) != "2026-10-15" || batch.BatchType != domain.BatchPayroll {
		t.Fatalf("retry batch got=%s %s", batch.BatchType, batch.EffectiveDate)
	}
	original, _ := f.store.Batches.GetTransaction(ctx, txn.ID)
	if original.Status != domain.TxnReturned || original.ReturnCode != "R01" {
		t.Fatalf("original got=%s %s", original.Status, original.ReturnCode)
	}

	dup, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: txn.ID, ReturnCode: "R01"})
	if err != nil || dup.Disposition != domain.DispositionDuplicate {
		t.Fatalf("duplicate got=%+v err=%v", dup, err)
	}

	// attempt 2 is represented once more, attempt 3 is final
	second, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: retry.ID, ReturnCode: "R09"})
	if err != nil || second.Disposition != domain.DispositionRequeued {
		t.Fatalf("second got=%+v err=%v", second, err)
	}
	third, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: second.RequeuedTxnID, ReturnCode: "R01"})
	if err != nil || third.Disposition != domain.DispositionReturned {
		t.Fatalf("third got=%+v err=%v", third, err)
	}
}

func TestAccountFailureReturn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, txn := f.processingUnderpayment(t)

	out, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TraceNumber: txn.TraceNumber, ReturnCode: "R03", ReturnReason: "NO ACCOUNT"})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if out.Disposition != domain.DispositionAccountFailed || out.CorrectionID != c.ID {
		t.Fatalf("outcome got=%+v", out)
	}
	acct, _ := f.store.Accounts.GetByID(ctx, "a1")
	if acct.Status != domain.AccountFailed || acct.Reverifiable() {
		t.Fatalf("account got status=%s reverifiable=%v", acct.Status, acct.Reverifiable())
	}
	events, status, err := f.corrections.Audit(ctx, c.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	last := events[len(events)-1]
	if status != domain.StatusProcessing || last.Action != domain.ActionReturn || last.Reason != "R03: NO ACCOUNT" {
		t.Fatalf("audit got status=%s last=%+v", status, last)
	}
	if _, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: txn.ID, ReturnCode: "R04"}); !domain.IsKind(err, domain.KindState) {
		t.Fatalf("second return code got=%v want state error", err)
	}
}

func TestPrenoteReturnFailsAccountReverifiably(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.account(t, "a2", domain.AccountPending)
	txn, err := f.builder.Assign(ctx, ach.Request{
		SourceKey: "verify:a2:1:prenote", AccountID: "a2", Amount: money.USD(0),
		Type: domain.TxnCredit, Description: "PRENOTE", Prenote: true,
	}, effective, domain.BatchVerification)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	out, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: txn.ID, ReturnCode: "R01"})
	if err != nil || out.Disposition != domain.DispositionAccountFailed {
		t.Fatalf("outcome got=%+v err=%v", out, err)
	}
	acct, _ := f.store.Accounts.GetByID(ctx, "a2")
	if !acct.Reverifiable() {
		t.Fatalf("account got=%+v", acct)
	}
}

func TestNotificationOfChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := f.credit(t, "k1", 5000)

	out, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: txn.ID, ReturnCode: "C01", CorrectedData: "99988877"})
	if err != nil || out.Disposition != domain.DispositionCorrected {
		t.Fatalf("outcome got=%+v err=%v", out, err)
	}
	acct, _ := f.store.Accounts.GetByID(ctx, "a1")
	n, _ := f.vault.Open(acct.ID, acct.Sealed)
	if n.Account != "99988877" || acct.AccountLast4 != "8877" {
		t.Fatalf("numbers got=%s last4=%s", n.Account, acct.AccountLast4)
	}
	got, _ := f.store.Batches.GetTransaction(ctx, txn.ID)
	if got.Status != domain.TxnQueued {
		t.Fatalf("NOC changed transaction status to %s", got.Status)
	}
}

func TestProcessReturnRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := f.credit(t, "k1", 5000)

	tests := []struct {
		name   string
		notice domain.ReturnNotice
		kind   domain.ErrorKind
	}{
		{"bad code", domain.ReturnNotice{TransactionID: txn.ID, ReturnCode: "X1"}, domain.KindValidation},
		{"no reference", domain.ReturnNotice{ReturnCode: "R01"}, domain.KindValidation},
		{"unknown trace", domain.ReturnNotice{TraceNumber: "076401259999999", ReturnCode: "R01"}, domain.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.ProcessReturn(ctx, tt.notice); !domain.IsKind(err, tt.kind) {
				t.Fatalf("got=%v want %s", err, tt.kind)
			}
		})
	}
}

func TestSettleBatchCompletesCorrection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, txn := f.processingUnderpayment(t)

	if _, err := f.svc.SettleBatch(ctx, txn.BatchID); !domain.IsKind(err, domain.KindState) {
		t.Fatalf("settle open batch got=%v want state error", err)
	}
	if _, err := f.builder.Submit(ctx, txn.BatchID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := f.svc.SettleBatch(ctx, txn.BatchID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Transactions != 1 || len(res.CompletedCorrections) != 1 || res.CompletedCorrections[0] != c.ID {
		t.Fatalf("result got=%+v", res)
	}
	if res.Batch.Status != domain.BatchSettled {
		t.Fatalf("batch status got=%s", res.Batch.Status)
	}
	got, _ := f.corrections.Get(ctx, c.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("correction status got=%s", got.Status)
	}
	if _, err := f.svc.SettleBatch(ctx, txn.BatchID); !domain.IsKind(err, domain.KindState) {
		t.Fatalf("settle twice got=%v want state error", err)
	}
}

func (f *fixture) settle(t *testing.T, batchID string) *BatchResult {
	t.Helper()
	ctx := context.Background()
	if _, err := f.builder.Submit(ctx, batchID); err != nil {
		t.Fatalf("submit %s: %v", batchID, err)
	}
	res, err := f.svc.SettleBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("settle %s: %v", batchID, err)
	}
	return res
}

// secondEntry queues another credit for c on a later date, as a second
// installment would be.
func (f *fixture) secondEntry(t *testing.T, c *domain.Correction) *domain.ACHTransaction {
	t.Helper()
	txn, err := f.builder.Assign(context.Background(), ach.Request{
		SourceKey: c.ID + ":2", AccountID: "a1", Amount: money.USD(10000), Type: domain.TxnCredit,
		Description: "CORRECTION", CorrectionID: c.ID,
	}, time.Date(2026, 10, 23, 0, 0, 0, 0, time.UTC), domain.BatchCorrection)
	if err != nil {
		t.Fatalf("assign second: %v", err)
	}
	return txn
}

func TestReturnedEntryBlocksCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, first := f.processingUnderpayment(t)
	second := f.secondEntry(t, c)

	f.settle(t, first.BatchID)
	out, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: first.ID, ReturnCode: "R10", ReturnReason: "NOT AUTHORIZED"})
	if err != nil || out.Disposition != domain.DispositionReturned {
		t.Fatalf("return got=%+v err=%v", out, err)
	}
	res := f.settle(t, second.BatchID)
	if len(res.CompletedCorrections) != 0 {
		t.Fatalf("completed got=%v want none", res.CompletedCorrections)
	}
	got, _ := f.corrections.Get(ctx, c.ID)
	if got.Status != domain.StatusProcessing {
		t.Fatalf("status got=%s want=%s", got.Status, domain.StatusProcessing)
	}
	if done, err := f.svc.Reconcile(ctx); err != nil || len(done) != 0 {
		t.Fatalf("reconcile got=%v err=%v want none", done, err)
	}
}

func TestSettledRepresentmentCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, first := f.processingUnderpayment(t)
	second := f.secondEntry(t, c)

	f.settle(t, first.BatchID)
	out, err := f.svc.ProcessReturn(ctx, domain.ReturnNotice{TransactionID: first.ID, ReturnCode: "R01"})
	if err != nil || out.Disposition != domain.DispositionRequeued {
		t.Fatalf("return got=%+v err=%v", out, err)
	}
	if res := f.settle(t, second.BatchID); len(res.CompletedCorrections) != 0 {
		t.Fatalf("completed with representment queued: %v", res.CompletedCorrections)
	}
	res := f.settle(t, out.RequeuedBatchID)
	if len(res.CompletedCorrections) != 1 || res.CompletedCorrections[0] != c.ID {
		t.Fatalf("completed got=%v want=[%s]", res.CompletedCorrections, c.ID)
	}
}

func TestRejectBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, txn := f.processingUnderpayment(t)
	if _, err := f.builder.Submit(ctx, txn.BatchID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := f.svc.RejectBatch(ctx, txn.BatchID, "", "file rejected")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Transactions != 1 || res.Batch.Status != domain.BatchReturned {
		t.Fatalf("result got=%+v", res)
	}
	if got, _ := f.store.Batches.GetTransaction(ctx, txn.ID); got.ReturnCode != "R99" {
		t.Fatalf("return code got=%s", got.ReturnCode)
	}
	events, _, _ := f.corrections.Audit(ctx, c.ID)
	if events[len(events)-1].Action != domain.ActionReturn {
		t.Fatalf("last event got=%s", events[len(events)-1].Action)
	}
}

func TestReconcileCatchesSettledCorrections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, txn := f.processingUnderpayment(t)
	err := f.store.InTx(ctx, func(tx repository.Repos) error {
		_, err := tx.Batches.SettleQueued(ctx, txn.BatchID)
		return err
	})
	if err != nil {
		t.Fatalf("settle queued: %v", err)
	}
	done, err := f.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(done) != 1 || done[0] != c.ID {
		t.Fatalf("completed got=%v", done)
	}
}

func returnFile(trace string) *nacha.File {
	return &nacha.File{
		Header: nacha.FileHeader{
			ImmediateDestination: "076401251", ImmediateOrigin: "021000021",
			DestinationName: "PAYSETTLE", OriginName: "RDFI BANK",
			CreatedAt: time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC),
		},
		Batches: []nacha.Batch{{
			Header: nacha.BatchHeader{
				CompanyName: "PAYSETTLE", CompanyID: "1234567890", EntryDescription: "RETURN",
				EffectiveDate: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), ODFI: "02100002", BatchNumber: 1,
			},
			Entries: []nacha.Entry{{
				TransactionCode: nacha.CheckingReturnCredit, RDFI: "076401251", Account: "123456789",
				Amount: 5000, IndividualName: "ADA PARK", TraceNumber: "021000020000001",
				Addenda: &nacha.Addenda{Type: nacha.AddendaReturn, Code: "R01", OriginalTrace: trace,
					OriginalRDFI: "02100002", Info: "INSUFFICIENT FUNDS"},
			}},
		}},
	}
}

func TestProcessReturnFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := f.credit(t, "k1", 5000)

	data, err := nacha.Encode(ctx, returnFile(txn.TraceNumber))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res, err := f.svc.ProcessReturnFile(ctx, data)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Duplicate || len(res.Outcomes) != 1 || res.Outcomes[0].Disposition != domain.DispositionRequeued {
		t.Fatalf("result got=%+v", res)
	}
	again, err := f.svc.ProcessReturnFile(ctx, data)
	if err != nil || !again.Duplicate {
		t.Fatalf("re-upload got=%+v err=%v", again, err)
	}

	if _, err := f.svc.ProcessReturnFile(ctx, data[:len(data)-200]); !domain.IsKind(err, domain.KindFormat) {
		t.Fatalf("truncated file got=%v want format error", err)
	}

	// an unknown trace rolls back the whole file
	other := f.credit(t, "k2", 700)
	bad := returnFile(other.TraceNumber)
	bad.Batches[0].Entries = append(bad.Batches[0].Entries, nacha.Entry{
		TransactionCode: nacha.CheckingReturnCredit, RDFI: "076401251", Account: "123456789",
		Amount: 700, IndividualName: "ADA PARK", TraceNumber: "021000020000002",
		Addenda: &nacha.Addenda{Type: nacha.AddendaReturn, Code: "R01", OriginalTrace: "076401259999999",
			OriginalRDFI: "02100002"},
	})
	data, _ = nacha.Encode(ctx, bad)
	if _, err := f.svc.ProcessReturnFile(ctx, data); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("unknown trace got=%v want not found", err)
	}
	if got, _ := f.store.Batches.GetTransaction(ctx, other.ID); got.Status != domain.TxnQueued {
		t.Fatalf("partial file applied: status=%s", got.Status)
	}
}
