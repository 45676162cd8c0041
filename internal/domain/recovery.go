package domain

import "github.com/wakala/paysettle/internal/money"

type RecoveryType string

const (
	RecoveryFullNextCheck RecoveryType = "full_next_check"
	RecoveryInstallments  RecoveryType = "installments"
	RecoveryFixedAmount   RecoveryType = "fixed_amount"
)

// RecoveryOption is one way of pulling an overpayment back from the employee.
type RecoveryOption struct {
	Type            RecoveryType `json:"type"`
	AmountPerPay    money.Money  `json:"amount_per_pay"`
	NumPayments     int          `json:"num_payments"`
	RequiresConsent bool         `json:"requires_consent"`
}

// Validate checks the option covers net exactly: every installment but the
// last is AmountPerPay and the last one takes the (non-zero) remainder.
func (o RecoveryOption) Validate(net money.Money) error {
	switch o.Type {
	case RecoveryFullNextCheck, RecoveryInstallments, RecoveryFixedAmount:
	default:
		return Validationf("unknown recovery type %q", o.Type)
	}
	if o.NumPayments < 1 {
		return Validationf("num_payments must be at least 1")
	}
	if !o.AmountPerPay.IsPositive() {
		return Validationf("amount_per_pay must be positive")
	}
	if !net.IsPositive() {
		return Validationf("nothing to recover")
	}
	upper := o.AmountPerPay.MulInt(int64(o.NumPayments))
	lower := o.AmountPerPay.MulInt(int64(o.NumPayments - 1))
	if !lower.LessThan(net) || upper.LessThan(net) {
		return Validationf("%d x %s does not cover %s", o.NumPayments, o.AmountPerPay, net)
	}
	return nil
}

// Schedule expands the option into per-period amounts summing to net.
func (o RecoveryOption) Schedule(net money.Money) ([]money.Money, error) {
	if err := o.Validate(net); err != nil {
		return nil, err
	}
	out := make([]money.Money, o.NumPayments)
	for i := 0; i < o.NumPayments-1; i++ {
		out[i] = o.AmountPerPay
	}
	out[o.NumPayments-1] = net.Sub(o.AmountPerPay.MulInt(int64(o.NumPayments - 1)))
	return out, nil
}
