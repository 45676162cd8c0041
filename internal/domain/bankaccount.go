package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/money"
)

type OwnerType string

const (
	OwnerEmployee OwnerType = "employee"
	OwnerEmployer OwnerType = "employer"
)

type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
)

type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountVerified AccountStatus = "verified"
	AccountFailed   AccountStatus = "failed"
)

type SplitType string

const (
	SplitNone       SplitType = ""
	SplitPercentage SplitType = "percentage"
	SplitFixed      SplitType = "fixed"
	SplitRemainder  SplitType = "remainder"
)

type VerificationMethod string

const (
	VerifyMicroDeposits VerificationMethod = "micro_deposits"
	VerifyPrenote       VerificationMethod = "prenote"
)

// BankAccount never carries full numbers in memory longer than a request:
// Sealed holds them encrypted and only the last four digits are in clear.
type BankAccount struct {
	ID                 string             `json:"id"`
	OwnerID            string             `json:"owner_id"`
	OwnerType          OwnerType          `json:"owner_type"`
	HolderName         string             `json:"holder_name"`
	AccountType        AccountType        `json:"account_type"`
	RoutingLast4       string             `json:"routing_last4"`
	AccountLast4       string             `json:"account_last4"`
	Status             AccountStatus      `json:"status"`
	IsPrimary          bool               `json:"is_primary"`
	SplitType          SplitType          `json:"split_type,omitempty"`
	SplitAmount        decimal.Decimal    `json:"split_amount"`
	VerificationMethod VerificationMethod `json:"verification_method,omitempty"`
	FailedAttempts     int                `json:"failed_attempts"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	PrenoteMaturesAt   *time.Time         `json:"prenote_matures_at,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	Version            int                `json:"version"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`

	Sealed []byte `json:"-"`
	// MicroDeposits holds the issued amounts in cents; never serialized.
	MicroDeposits []int64 `json:"-"`
}

// Reverifiable reports whether a failed account may start verification again
// without being re-entered. Only prenote-return failures qualify.
func (a *BankAccount) Reverifiable() bool {
	return a.Status == AccountFailed && a.VerificationMethod == VerifyPrenote
}

func (a *BankAccount) ValidateSplit() error {
	switch a.SplitType {
	case SplitNone, SplitRemainder:
		if !a.SplitAmount.IsZero() {
			return Validationf("split_amount is not allowed for split_type %q", a.SplitType)
		}
	case SplitPercentage:
		if !a.SplitAmount.IsPositive() || a.SplitAmount.GreaterThan(decimal.NewFromInt(100)) {
			return Validationf("percentage split must be in (0, 100]")
		}
	case SplitFixed:
		if !a.SplitAmount.IsPositive() {
			return Validationf("fixed split must be positive")
		}
		if !a.SplitAmount.Shift(2).Equal(a.SplitAmount.Shift(2).Truncate(0)) {
			return Validationf("fixed split has more than two decimal places")
		}
	default:
		return Validationf("split_type must be percentage|fixed|remainder")
	}
	return nil
}

// ValidateOwnerSplits checks the set of accounts one owner holds. netPay
// may be nil when no pay figure is known (fixed totals are then unchecked).
func ValidateOwnerSplits(accounts []BankAccount, netPay *money.Money) error {
	var primaries, remainders int
	pct := decimal.Zero
	fixed := money.USD(0)
	for i := range accounts {
		a := &accounts[i]
		if err := a.ValidateSplit(); err != nil {
			return err
		}
		if a.IsPrimary {
			primaries++
		}
		switch a.SplitType {
		case SplitPercentage:
			pct = pct.Add(a.SplitAmount)
		case SplitFixed:
			fixed = fixed.Add(money.USD(a.SplitAmount.Shift(2).IntPart()))
		case SplitRemainder:
			remainders++
		}
	}
	if len(accounts) > 0 && primaries != 1 {
		return Validationf("owner must have exactly one primary account, has %d", primaries)
	}
	if remainders > 1 {
		return Validationf("owner may have at most one remainder account")
	}
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		return Validationf("percentage splits total %s%%, over 100%%", pct.String())
	}
	if netPay != nil && fixed.GreaterThan(*netPay) {
		return Validationf("fixed splits total %s, over net pay %s", fixed, *netPay)
	}
	return nil
}

// Allocation is one account's share of a paycheck.
type Allocation struct {
	AccountID string      `json:"account_id"`
	Amount    money.Money `json:"amount"`
}

// AllocateSplits distributes net across accounts: fixed amounts first, then
// percentages of net, then whatever is left goes to the remainder account
// (or the primary when none is configured). Accounts without a split only
// receive money as primary.
func AllocateSplits(net money.Money, accounts []BankAccount) ([]Allocation, error) {
	if !net.IsPositive() {
		return nil, Validationf("net pay must be positive")
	}
	if len(accounts) == 0 {
		return nil, Validationf("no accounts to allocate to")
	}
	if err := ValidateOwnerSplits(accounts, &net); err != nil {
		return nil, err
	}
	shares := make(map[string]money.Money, len(accounts))
	left := net
	for _, a := range accounts {
		if a.SplitType != SplitFixed {
			continue
		}
		amt := money.Min(money.USD(a.SplitAmount.Shift(2).IntPart()), left)
		shares[a.ID] = amt
		left = left.Sub(amt)
	}
	for _, a := range accounts {
		if a.SplitType != SplitPercentage {
			continue
		}
		amt := money.Min(net.Percent(a.SplitAmount), left)
		shares[a.ID] = amt
		left = left.Sub(amt)
	}
	if left.IsPositive() {
		sink := ""
		for _, a := range accounts {
			if a.SplitType == SplitRemainder {
				sink = a.ID
			}
		}
		if sink == "" {
			for _, a := range accounts {
				if a.IsPrimary {
					sink = a.ID
				}
			}
		}
		shares[sink] = shares[sink].Add(left)
	}
	out := make([]Allocation, 0, len(accounts))
	for _, a := range accounts {
		if amt, ok := shares[a.ID]; ok && amt.IsPositive() {
			out = append(out, Allocation{AccountID: a.ID, Amount: amt})
		}
	}
	return out, nil
}
