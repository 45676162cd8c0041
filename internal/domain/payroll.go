package domain

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/wakala/paysettle/internal/money"
)

// PayrollSnapshot is the upstream payroll run a correction refers back to.
type PayrollSnapshot struct {
	ID           string      `json:"id"`
	EmployeeID   string      `json:"employee_id"`
	EmployeeName string      `json:"employee_name"`
	PayDate      time.Time   `json:"pay_date"`
	PeriodStart  time.Time   `json:"period_start"`
	PeriodEnd    time.Time   `json:"period_end"`
	Gross        money.Money `json:"gross"`
	Net          money.Money `json:"net"`
	Taxes        TaxAmounts  `json:"taxes"`
	TaxMethod    string      `json:"tax_method"`
	Jurisdiction string      `json:"jurisdiction"`
	Deleted      bool        `json:"deleted"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Fingerprint hashes the fields a correction depends on. A correction whose
// stored fingerprint no longer matches was computed against stale data.
func (p *PayrollSnapshot) Fingerprint() string {
	s := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		p.EmployeeID,
		p.PayDate.UTC().Format(DateLayout),
		p.Gross, p.Net,
		p.Taxes.Federal, p.Taxes.State, p.Taxes.FICA,
		p.TaxMethod, p.Jurisdiction,
		p.Gross.Currency,
	)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}

func (p *PayrollSnapshot) Validate() error {
	if p.ID == "" || p.EmployeeID == "" {
		return Validationf("payroll run needs id and employee_id")
	}
	if p.PayDate.IsZero() {
		return Validationf("payroll run %s has no pay_date", p.ID)
	}
	if !p.Gross.IsPositive() {
		return Validationf("payroll run %s gross must be positive", p.ID)
	}
	if !p.Net.Equal(p.Gross.Sub(p.Taxes.Total())) {
		return Validationf("payroll run %s net %s != gross %s - taxes %s", p.ID, p.Net, p.Gross, p.Taxes.Total())
	}
	return nil
}

// DisposableEarnings approximates what the planner may draw on per period.
func (p *PayrollSnapshot) DisposableEarnings() money.Money { return p.Net }
