// Package recovery proposes how correction money moves: recovery options
// for overpayments and dated ACH entries for every settling correction.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/calendar"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/taxsvc"
)

type Planner struct {
	capPercent    decimal.Decimal
	payPeriodDays int
	cal           *calendar.Calendar
}

func NewPlanner(capPercent decimal.Decimal, payPeriodDays int, cal *calendar.Calendar) *Planner {
	return &Planner{capPercent: capPercent, payPeriodDays: payPeriodDays, cal: cal}
}

// Cap is the most that may be withheld per period without consent.
func (p *Planner) Cap(disposable money.Money) money.Money {
	return disposable.Percent(p.capPercent)
}

// Options proposes ranked recovery options for net. fixedPerPay, when
// non-nil, adds a fixed_amount plan at that rate.
func (p *Planner) Options(net, disposable money.Money, fixedPerPay *money.Money) ([]domain.RecoveryOption, error) {
	if !net.IsPositive() {
		return nil, domain.Validationf("net overpayment must be positive")
	}
	limit := p.Cap(disposable)
	var opts []domain.RecoveryOption

	opts = append(opts, domain.RecoveryOption{
		Type:            domain.RecoveryFullNextCheck,
		AmountPerPay:    net,
		NumPayments:     1,
		RequiresConsent: net.GreaterThan(limit),
	})

	if limit.IsPositive() && net.GreaterThan(limit) {
		n := ceilDiv(net.Cents, limit.Cents)
		per := money.New(ceilDiv(net.Cents, n), net.Currency)
		opt := domain.RecoveryOption{Type: domain.RecoveryInstallments, AmountPerPay: per, NumPayments: int(n)}
		if opt.Validate(net) != nil {
			opt.AmountPerPay = limit
		}
		if opt.Validate(net) == nil {
			opts = append(opts, opt)
		}
	}

	if fixedPerPay != nil {
		if !fixedPerPay.IsPositive() {
			return nil, domain.Validationf("fixed amount per pay must be positive")
		}
		per := money.Min(*fixedPerPay, net)
		opt := domain.RecoveryOption{
			Type:            domain.RecoveryFixedAmount,
			AmountPerPay:    per,
			NumPayments:     int(ceilDiv(net.Cents, per.Cents)),
			RequiresConsent: per.GreaterThan(limit),
		}
		if err := opt.Validate(net); err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}

	Rank(opts)
	return opts, nil
}

// Rank orders options: no consent needed first, then fewer payments, then
// type name.
func Rank(opts []domain.RecoveryOption) {
	sort.SliceStable(opts, func(i, j int) bool {
		a, b := opts[i], opts[j]
		if a.RequiresConsent != b.RequiresConsent {
			return !a.RequiresConsent
		}
		if a.NumPayments != b.NumPayments {
			return a.NumPayments < b.NumPayments
		}
		return a.Type < b.Type
	})
}

// CheckSelection validates a human-selected option against net and the cap.
// A selection that exceeds the cap must be marked as requiring consent.
func (p *Planner) CheckSelection(opt domain.RecoveryOption, net, disposable money.Money) (domain.RecoveryOption, error) {
	if err := opt.Validate(net); err != nil {
		return opt, err
	}
	if opt.AmountPerPay.GreaterThan(p.Cap(disposable)) {
		opt.RequiresConsent = true
	}
	return opt, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// PayDates returns the next n pay dates strictly after today, stepping the
// pay period from the original pay date and rolling to business days.
func (p *Planner) PayDates(original, today time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	d := calendar.Date(original)
	today = calendar.Date(today)
	for len(out) < n {
		d = d.AddDate(0, 0, p.payPeriodDays)
		eff := p.cal.OnOrAfter(d)
		if eff.After(today) {
			out = append(out, eff)
		}
	}
	return out
}

// Entry is one planned ACH movement for a correction.
type Entry struct {
	SourceKey     string
	Amount        money.Money
	Type          domain.TxnType
	EffectiveDate time.Time
	BatchType     domain.BatchType
	Description   string
}

// Plan lays out the ACH entries that settle c. Overpayments become one
// debit per installment; underpayments and retro pay are a single credit,
// on the next payroll or, for separate_check, off-cycle the next business day.
func (p *Planner) Plan(c *domain.Correction, run *domain.PayrollSnapshot, today time.Time) ([]Entry, error) {
	net, txnType, ok := domain.SettlementAmount(c)
	if !ok {
		return nil, nil
	}
	if !net.IsPositive() {
		return nil, domain.Validationf("correction %s has nothing to settle", c.ID)
	}
	switch pl := c.Payload.(type) {
	case *domain.OverpaymentPayload:
		if pl.SelectedRecovery == nil {
			return nil, domain.Validationf("correction %s has no selected recovery", c.ID)
		}
		amounts, err := pl.SelectedRecovery.Schedule(net)
		if err != nil {
			return nil, err
		}
		dates := p.PayDates(run.PayDate, today, len(amounts))
		out := make([]Entry, len(amounts))
		for i, amt := range amounts {
			out[i] = Entry{
				SourceKey:     fmt.Sprintf("%s:%d", c.ID, i+1),
				Amount:        amt,
				Type:          txnType,
				EffectiveDate: dates[i],
				BatchType:     domain.BatchCorrection,
				Description:   "OVERPAY",
			}
		}
		return out, nil
	case *domain.UnderpaymentPayload:
		e := Entry{SourceKey: c.ID + ":1", Amount: net, Type: txnType, Description: "UNDERPAY"}
		if pl.PaymentMethod == domain.PaymentSeparateCheck {
			e.EffectiveDate = p.cal.NextBusinessDay(today)
			e.BatchType = domain.BatchOffcycle
		} else {
			e.EffectiveDate = p.PayDates(run.PayDate, today, 1)[0]
			e.BatchType = domain.BatchPayroll
		}
		return []Entry{e}, nil
	default:
		return []Entry{{
			SourceKey:     c.ID + ":1",
			Amount:        net,
			Type:          txnType,
			EffectiveDate: p.PayDates(run.PayDate, today, 1)[0],
			BatchType:     domain.BatchPayroll,
			Description:   "RETROPAY",
		}}, nil
	}
}

// Recalculate refreshes the tax-derived fields of c against the tax
// service, using the original run's withholding method and jurisdiction.
func Recalculate(ctx context.Context, tax taxsvc.Service, c *domain.Correction, run *domain.PayrollSnapshot, asOf time.Time) error {
	taxable, ok := c.Payload.(domain.Taxable)
	if !ok {
		c.Payload.Normalize()
		return nil
	}
	jurisdiction := c.Jurisdiction
	method := ""
	if run != nil {
		method = run.TaxMethod
		if jurisdiction == "" {
			jurisdiction = run.Jurisdiction
		}
	}
	taxable.Normalize()
	amounts, err := tax.ComputeTax(ctx, taxsvc.Request{
		WageDelta:    taxable.TaxableWages(),
		Jurisdiction: jurisdiction,
		AsOf:         asOf,
		Method:       method,
	})
	if err != nil {
		return err
	}
	taxable.ApplyTax(amounts)
	return nil
}
