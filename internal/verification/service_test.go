package verification

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/calendar"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/vault"
)

var today = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *repository.Store) {
	t.Helper()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "verify.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := repository.NewStore(db)
	v, err := vault.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	b := ach.NewBuilder(store, calendar.New(), 100, "07640125")
	b.SetClock(func() time.Time { return today })
	s := NewService(store, v, b, 3, 3)
	s.now = func() time.Time { return today }
	return s, store
}

func input() RegisterInput {
	return RegisterInput{
		OwnerID: "emp-1", HolderName: "Ada Park", AccountType: domain.AccountChecking,
		Routing: "021000021", Account: "123456789",
	}
}

func register(t *testing.T, s *Service) *domain.BankAccount {
	t.Helper()
	a, err := s.Register(context.Background(), input())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return a
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	first := register(t, s)
	if first.Status != domain.AccountPending || !first.IsPrimary {
		t.Fatalf("first account got status=%s primary=%v", first.Status, first.IsPrimary)
	}
	if first.RoutingLast4 != "0021" || first.AccountLast4 != "6789" {
		t.Fatalf("last4 got=%s/%s", first.RoutingLast4, first.AccountLast4)
	}
	n, err := s.vault.Open(first.ID, first.Sealed)
	if err != nil || n.Account != "123456789" {
		t.Fatalf("sealed numbers got=%v err=%v", n, err)
	}

	in := input()
	in.IsPrimary = true
	in.Account = "555"
	second, err := s.Register(ctx, in)
	if err != nil {
		t.Fatalf("register second: %v", err)
	}
	old, _ := store.Accounts.GetByID(ctx, first.ID)
	if old.IsPrimary || !second.IsPrimary {
		t.Fatalf("primary not moved: old=%v new=%v", old.IsPrimary, second.IsPrimary)
	}

	tests := []struct {
		name   string
		mutate func(*RegisterInput)
	}{
		{"bad check digit", func(in *RegisterInput) { in.Routing = "021000022" }},
		{"short routing", func(in *RegisterInput) { in.Routing = "0210000" }},
		{"account letters", func(in *RegisterInput) { in.Account = "12AB" }},
		{"account too long", func(in *RegisterInput) { in.Account = "123456789012345678" }},
		{"no holder", func(in *RegisterInput) { in.HolderName = " " }},
		{"account type", func(in *RegisterInput) { in.AccountType = "brokerage" }},
		{"percentage over 100", func(in *RegisterInput) {
			in.SplitType = domain.SplitPercentage
			in.SplitAmount = decimal.NewFromInt(150)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input()
			tt.mutate(&in)
			if _, err := s.Register(ctx, in); !domain.IsKind(err, domain.KindValidation) {
				t.Fatalf("got=%v want validation error", err)
			}
		})
	}
}

func TestMicroDepositsConfirmInEitherOrder(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)
	a := register(t, s)

	if _, err := s.Verify(ctx, a.ID, domain.VerifyMicroDeposits); err != nil {
		t.Fatalf("verify: %v", err)
	}
	stored, _ := store.Accounts.GetByID(ctx, a.ID)
	if len(stored.MicroDeposits) != 2 {
		t.Fatalf("deposits got=%v", stored.MicroDeposits)
	}
	for _, c := range stored.MicroDeposits {
		if c < 1 || c > 99 {
			t.Fatalf("deposit %d out of range", c)
		}
	}
	txns, _ := store.Batches.ListByAccount(ctx, a.ID)
	if len(txns) != 2 {
		t.Fatalf("verification entries got=%d", len(txns))
	}
	batch, _ := store.Batches.GetByID(ctx, txns[0].BatchID)
	if batch.BatchType != domain.BatchVerification || batch.EffectiveDate.Format(domain.DateLayout) != "2026-10-15" {
		t.Fatalf("batch got=%s %s", batch.BatchType, batch.EffectiveDate)
	}
	if _, err := s.Verify(ctx, a.ID, domain.VerifyMicroDeposits); !domain.IsKind(err, domain.KindState) {
		t.Fatalf("second verify got=%v want state error", err)
	}

	d := stored.MicroDeposits
	got, err := s.Confirm(ctx, a.ID, money.USD(d[1]), money.USD(d[0]))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != domain.AccountVerified || got.VerifiedAt == nil {
		t.Fatalf("got status=%s", got.Status)
	}
	if _, err := s.Confirm(ctx, a.ID, money.USD(d[0]), money.USD(d[1])); !domain.IsKind(err, domain.KindState) {
		t.Fatalf("confirm after verified got=%v want state error", err)
	}
}

func TestConfirmLocksAfterThreeMisses(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)
	a := register(t, s)
	if _, err := s.Verify(ctx, a.ID, domain.VerifyMicroDeposits); err != nil {
		t.Fatalf("verify: %v", err)
	}
	stored, _ := store.Accounts.GetByID(ctx, a.ID)
	d := stored.MicroDeposits
	wrong := money.USD(d[0] + d[1] + 100)

	for i := 1; i <= 3; i++ {
		got, err := s.Confirm(ctx, a.ID, wrong, wrong)
		if !domain.IsKind(err, domain.KindVerification) {
			t.Fatalf("attempt %d got=%v want verification error", i, err)
		}
		if got.FailedAttempts != i {
			t.Fatalf("attempt %d failed_attempts got=%d", i, got.FailedAttempts)
		}
	}
	locked, _ := store.Accounts.GetByID(ctx, a.ID)
	if locked.Status != domain.AccountFailed {
		t.Fatalf("status got=%s want failed", locked.Status)
	}
	if _, err := s.Confirm(ctx, a.ID, money.USD(d[0]), money.USD(d[1])); !domain.IsKind(err, domain.KindVerification) {
		t.Fatalf("4th attempt with correct amounts got=%v want verification error", err)
	}
	if _, err := s.Verify(ctx, a.ID, domain.VerifyMicroDeposits); !domain.IsKind(err, domain.KindVerification) {
		t.Fatalf("re-verify locked account got=%v want verification error", err)
	}
}

func TestPrenoteMaturesOnSweep(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)
	a := register(t, s)

	got, err := s.Verify(ctx, a.ID, domain.VerifyPrenote)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	// sent 10-15, three business days later
	if got.PrenoteMaturesAt == nil || got.PrenoteMaturesAt.Format(domain.DateLayout) != "2026-10-20" {
		t.Fatalf("matures got=%v", got.PrenoteMaturesAt)
	}
	txns, _ := store.Batches.ListByAccount(ctx, a.ID)
	if len(txns) != 1 || !txns[0].Prenote || !txns[0].Amount.IsZero() {
		t.Fatalf("prenote entry got=%+v", txns)
	}

	if n, err := s.SweepPrenotes(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep got=%d err=%v", n, err)
	}
	s.now = func() time.Time { return time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC) }
	if n, err := s.SweepPrenotes(ctx); err != nil || n != 1 {
		t.Fatalf("sweep got=%d err=%v", n, err)
	}
	verified, _ := store.Accounts.GetByID(ctx, a.ID)
	if verified.Status != domain.AccountVerified {
		t.Fatalf("status got=%s", verified.Status)
	}
}

func TestFailedPrenoteCanReverify(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)
	a := register(t, s)
	if _, err := s.Verify(ctx, a.ID, domain.VerifyPrenote); err != nil {
		t.Fatalf("verify: %v", err)
	}
	err := store.InTx(ctx, func(tx repository.Repos) error {
		return s.Fail(ctx, tx, a.ID, "R03: no account", true)
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, _ := store.Accounts.GetByID(ctx, a.ID)
	if !failed.Reverifiable() {
		t.Fatalf("prenote failure should be reverifiable: %+v", failed)
	}
	if _, err := s.Verify(ctx, a.ID, domain.VerifyPrenote); err != nil {
		t.Fatalf("re-verify: %v", err)
	}
	if txns, _ := store.Batches.ListByAccount(ctx, a.ID); len(txns) != 2 {
		t.Fatalf("prenote entries got=%d want=2", len(txns))
	}

	err = store.InTx(ctx, func(tx repository.Repos) error {
		return s.Fail(ctx, tx, a.ID, "R02: account closed", false)
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := s.Verify(ctx, a.ID, domain.VerifyPrenote); !domain.IsKind(err, domain.KindVerification) {
		t.Fatalf("re-verify after live return got=%v want verification error", err)
	}
}

func TestApplyCorrectionReseals(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)
	a := register(t, s)

	tests := []struct {
		code, data           string
		wantRouting, wantAcct string
	}{
		{"C01", "99887766", "021000021", "99887766"},
		{"C02", "011000015", "011000015", "99887766"},
		{"C03", "021000021 4455", "021000021", "4455"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := store.InTx(ctx, func(tx repository.Repos) error {
				return s.ApplyCorrection(ctx, tx, a.ID, tt.code, tt.data)
			})
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			got, _ := store.Accounts.GetByID(ctx, a.ID)
			n, err := s.vault.Open(got.ID, got.Sealed)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if n.Routing != tt.wantRouting || n.Account != tt.wantAcct {
				t.Fatalf("got=%s/%s want=%s/%s", n.Routing, n.Account, tt.wantRouting, tt.wantAcct)
			}
			if got.AccountLast4 != vault.Last4(tt.wantAcct) {
				t.Fatalf("last4 got=%s", got.AccountLast4)
			}
		})
	}
	err := store.InTx(ctx, func(tx repository.Repos) error {
		return s.ApplyCorrection(ctx, tx, a.ID, "C02", "123456789")
	})
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("bad routing got=%v want validation error", err)
	}
}
