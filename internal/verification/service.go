// Package verification registers bank accounts and proves their ownership
// with micro-deposits or a prenote before real money moves.
package verification

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/calendar"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/nacha"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/vault"
)

// RegisterInput carries full numbers; they are sealed before anything is
// stored and never echoed back.
type RegisterInput struct {
	OwnerID     string             `json:"owner_id"`
	OwnerType   domain.OwnerType   `json:"owner_type"`
	HolderName  string             `json:"holder_name"`
	AccountType domain.AccountType `json:"account_type"`
	Routing     string             `json:"routing_number"`
	Account     string             `json:"account_number"`
	IsPrimary   bool               `json:"is_primary"`
	SplitType   domain.SplitType   `json:"split_type"`
	SplitAmount decimal.Decimal    `json:"split_amount"`
}

type Service struct {
	store       *repository.Store
	vault       *vault.Vault
	builder     *ach.Builder
	cal         *calendar.Calendar
	maxAttempts int
	prenoteWait int
	now         func() time.Time
}

// NewService creates a new bank account verification service.
func NewService(store *repository.Store, v *vault.Vault, builder *ach.Builder, maxAttempts, prenoteWaitDays int) *Service {
	return &Service{
		store:       store,
		vault:       v,
		builder:     builder,
		cal:         builder.Calendar(),
		maxAttempts: maxAttempts,
		prenoteWait: prenoteWaitDays,
		now:         time.Now,
	}
}

// SetClock replaces the clock used for timestamps and sweep cutoffs.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Register stores a new pending account. The owner's first account is
// always primary; registering another primary demotes the old one.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.BankAccount, error) {
	if err := in.validate(); err != nil {
		return nil, domain.WithOp("register account", err)
	}
	now := s.now().UTC()
	a := &domain.BankAccount{
		ID:           uuid.NewString(),
		OwnerID:      in.OwnerID,
		OwnerType:    in.OwnerType,
		HolderName:   strings.TrimSpace(in.HolderName),
		AccountType:  in.AccountType,
		RoutingLast4: vault.Last4(in.Routing),
		AccountLast4: vault.Last4(in.Account),
		Status:       domain.AccountPending,
		IsPrimary:    in.IsPrimary,
		SplitType:    in.SplitType,
		SplitAmount:  in.SplitAmount,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if a.OwnerType == "" {
		a.OwnerType = domain.OwnerEmployee
	}
	sealed, err := s.vault.Seal(a.ID, vault.Numbers{Routing: in.Routing, Account: strings.TrimSpace(in.Account)})
	if err != nil {
		return nil, domain.WithOp("register account", err)
	}
	a.Sealed = sealed

	err = s.store.InTx(ctx, func(tx repository.Repos) error {
		existing, err := tx.Accounts.ListByOwner(ctx, a.OwnerID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			a.IsPrimary = true
		}
		var demote []domain.BankAccount
		for i := range existing {
			if a.IsPrimary && existing[i].IsPrimary {
				existing[i].IsPrimary = false
				demote = append(demote, existing[i])
			}
		}
		if err := domain.ValidateOwnerSplits(append(existing, *a), nil); err != nil {
			return err
		}
		for i := range demote {
			d := &demote[i]
			d.Version++
			d.UpdatedAt = now
			if err := tx.Accounts.Update(ctx, d, d.Version-1); err != nil {
				return err
			}
		}
		return tx.Accounts.Insert(ctx, a)
	})
	if err != nil {
		return nil, domain.WithOp("register account", err)
	}
	log.Printf("[verification] registered account %s for %s (%s)", a.ID, a.OwnerID,
		vault.Numbers{Routing: in.Routing, Account: in.Account})
	return a, nil
}

func (in RegisterInput) validate() error {
	if in.OwnerID == "" {
		return domain.Validationf("owner_id is required")
	}
	if strings.TrimSpace(in.HolderName) == "" {
		return domain.Validationf("holder_name is required")
	}
	switch in.OwnerType {
	case "", domain.OwnerEmployee, domain.OwnerEmployer:
	default:
		return domain.Validationf("owner_type must be employee|employer")
	}
	if in.AccountType != domain.AccountChecking && in.AccountType != domain.AccountSavings {
		return domain.Validationf("account_type must be checking|savings")
	}
	if !nacha.ValidRouting(in.Routing) {
		return domain.Validationf("routing_number %q is not a valid ABA routing number", in.Routing)
	}
	if err := vault.ValidateAccountNumber(in.Account); err != nil {
		return domain.Validationf("account_number: %v", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.BankAccount, error) {
	return s.store.Accounts.GetByID(ctx, id)
}

// Verify starts verification. Micro-deposits send two small credits; a
// prenote sends a zero-dollar entry and matures after the wait period
// unless it comes back returned.
func (s *Service) Verify(ctx context.Context, id string, method domain.VerificationMethod) (*domain.BankAccount, error) {
	var out *domain.BankAccount
	err := s.store.InTx(ctx, func(tx repository.Repos) error {
		a, err := tx.Accounts.GetByID(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case a.Status == domain.AccountVerified:
			return domain.Statef("account %s is already verified", a.ID)
		case a.Status == domain.AccountFailed && !a.Reverifiable():
			return domain.Verificationf("account %s failed verification and must be re-entered", a.ID)
		case a.Status == domain.AccountPending && a.VerificationMethod != "":
			return domain.Statef("account %s already has %s verification in flight", a.ID, a.VerificationMethod)
		}

		effective := s.cal.NextBusinessDay(s.now())
		base := fmt.Sprintf("verify:%s:%d", a.ID, a.Version)
		switch method {
		case domain.VerifyMicroDeposits:
			amounts, err := microAmounts()
			if err != nil {
				return err
			}
			for i, cents := range amounts {
				if _, err := s.builder.AssignTx(ctx, tx, ach.Request{
					SourceKey:   fmt.Sprintf("%s:%d", base, i+1),
					AccountID:   a.ID,
					Amount:      money.USD(cents),
					Type:        domain.TxnCredit,
					Description: "ACCTVERIFY",
				}, effective, domain.BatchVerification); err != nil {
					return err
				}
			}
			a.MicroDeposits = amounts
			a.PrenoteMaturesAt = nil
		case domain.VerifyPrenote:
			if _, err := s.builder.AssignTx(ctx, tx, ach.Request{
				SourceKey:   base + ":prenote",
				AccountID:   a.ID,
				Amount:      money.USD(0),
				Type:        domain.TxnCredit,
				Description: "PRENOTE",
				Prenote:     true,
			}, effective, domain.BatchVerification); err != nil {
				return err
			}
			matures := s.cal.AddBusinessDays(effective, s.prenoteWait)
			a.PrenoteMaturesAt = &matures
			a.MicroDeposits = nil
		default:
			return domain.Validationf("method must be micro_deposits|prenote")
		}
		a.VerificationMethod = method
		a.Status = domain.AccountPending
		a.FailedAttempts = 0
		a.FailureReason = ""
		if err := s.save(ctx, tx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, domain.WithOp("verify account", err)
	}
	log.Printf("[verification] started %s verification for account %s", method, id)
	return out, nil
}

// microAmounts draws two distinct amounts between 1 and 99 cents.
func microAmounts() ([]int64, error) {
	out := make([]int64, 0, 2)
	for len(out) < 2 {
		n, err := rand.Int(rand.Reader, big.NewInt(99))
		if err != nil {
			return nil, fmt.Errorf("micro-deposit amount: %w", err)
		}
		cents := n.Int64() + 1
		if len(out) == 1 && out[0] == cents {
			continue
		}
		out = append(out, cents)
	}
	return out, nil
}

// Confirm checks the two amounts the owner read off their statement, in
// either order. Each miss counts; reaching the limit locks the account.
func (s *Service) Confirm(ctx context.Context, id string, first, second money.Money) (*domain.BankAccount, error) {
	var (
		out      *domain.BankAccount
		mismatch error
	)
	err := s.store.InTx(ctx, func(tx repository.Repos) error {
		a, err := tx.Accounts.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.Status == domain.AccountFailed {
			return domain.Verificationf("account %s is locked after failed verification", a.ID)
		}
		if a.Status != domain.AccountPending || a.VerificationMethod != domain.VerifyMicroDeposits || len(a.MicroDeposits) != 2 {
			return domain.Statef("account %s has no micro-deposits awaiting confirmation", a.ID)
		}
		if a.FailedAttempts >= s.maxAttempts {
			a.Status = domain.AccountFailed
			mismatch = domain.Verificationf("account %s is locked after %d failed attempts", a.ID, a.FailedAttempts)
		} else if matches(a.MicroDeposits, first, second) {
			at := s.now().UTC()
			a.Status = domain.AccountVerified
			a.VerifiedAt = &at
			a.MicroDeposits = nil
		} else {
			a.FailedAttempts++
			left := s.maxAttempts - a.FailedAttempts
			if left <= 0 {
				a.Status = domain.AccountFailed
				a.FailureReason = "too many failed micro-deposit confirmations"
				mismatch = domain.Verificationf("amounts do not match; account %s is now locked", a.ID)
			} else {
				mismatch = domain.Verificationf("amounts do not match; %d attempts left", left)
			}
		}
		if err := s.save(ctx, tx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, domain.WithOp("confirm account", err)
	}
	if mismatch != nil {
		log.Printf("[verification] confirmation failed for account %s (%d attempts)", id, out.FailedAttempts)
		return out, domain.WithOp("confirm account", mismatch)
	}
	log.Printf("[verification] account %s verified by micro-deposits", id)
	return out, nil
}

func matches(issued []int64, first, second money.Money) bool {
	got := []int64{first.Cents, second.Cents}
	want := append([]int64(nil), issued...)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	return got[0] == want[0] && got[1] == want[1]
}

// SweepPrenotes verifies every pending prenote account whose wait ended
// without a return.
func (s *Service) SweepPrenotes(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.Accounts.ListPrenotesDue(ctx, now)
	if err != nil {
		return 0, domain.WithOp("sweep prenotes", err)
	}
	verified := 0
	for i := range due {
		a := &due[i]
		err := s.store.InTx(ctx, func(tx repository.Repos) error {
			a.Status = domain.AccountVerified
			a.VerifiedAt = &now
			return s.save(ctx, tx, a)
		})
		if domain.IsKind(err, domain.KindConflict) {
			// changed since listing, e.g. a return arrived; next sweep sees it
			continue
		}
		if err != nil {
			return verified, domain.WithOp("sweep prenotes", err)
		}
		verified++
	}
	if verified > 0 {
		log.Printf("[verification] prenote sweep verified %d accounts", verified)
	}
	return verified, nil
}

// RunSweeper runs SweepPrenotes every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepPrenotes(ctx); err != nil {
				log.Printf("[verification] prenote sweep: %v", err)
			}
		}
	}
}

// Fail marks an account failed after a bank return. A failed prenote may be
// verified again; any other failure requires re-entering the account.
func (s *Service) Fail(ctx context.Context, tx repository.Repos, id, reason string, prenote bool) error {
	a, err := tx.Accounts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == domain.AccountFailed {
		return nil
	}
	a.Status = domain.AccountFailed
	a.FailureReason = reason
	a.VerifiedAt = nil
	a.MicroDeposits = nil
	if prenote {
		a.VerificationMethod = domain.VerifyPrenote
	} else {
		a.VerificationMethod = ""
	}
	if err := s.save(ctx, tx, a); err != nil {
		return err
	}
	log.Printf("[verification] account %s failed: %s", id, reason)
	return nil
}

// ApplyCorrection reseals an account with the numbers from a notification
// of change. C01 corrects the account number, C02 the routing number and
// C03 both, routing first.
func (s *Service) ApplyCorrection(ctx context.Context, tx repository.Repos, id, code, data string) error {
	a, err := tx.Accounts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	n, err := s.vault.Open(a.ID, a.Sealed)
	if err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	data = strings.TrimSpace(data)
	switch code {
	case "C01":
		n.Account = data
	case "C02":
		n.Routing = data
	case "C03":
		if len(data) < 10 {
			return domain.Validationf("C03 corrected data %q is too short", data)
		}
		n.Routing, n.Account = data[:9], strings.TrimSpace(data[9:])
	default:
		return domain.Validationf("unsupported change code %s", code)
	}
	if !nacha.ValidRouting(n.Routing) {
		return domain.Validationf("%s corrected routing number is invalid", code)
	}
	if err := vault.ValidateAccountNumber(n.Account); err != nil {
		return domain.Validationf("%s corrected account number: %v", code, err)
	}
	if a.Sealed, err = s.vault.Seal(a.ID, n); err != nil {
		return err
	}
	a.RoutingLast4 = vault.Last4(n.Routing)
	a.AccountLast4 = vault.Last4(n.Account)
	if err := s.save(ctx, tx, a); err != nil {
		return err
	}
	log.Printf("[verification] applied %s to account %s (%s)", code, a.ID, n)
	return nil
}

func (s *Service) save(ctx context.Context, tx repository.Repos, a *domain.BankAccount) error {
	a.Version++
	a.UpdatedAt = s.now().UTC()
	return tx.Accounts.Update(ctx, a, a.Version-1)
}
