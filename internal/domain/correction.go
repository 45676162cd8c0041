package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/money"
)

type CorrectionType string

const (
	TypeOverpayment         CorrectionType = "overpayment"
	TypeUnderpayment        CorrectionType = "underpayment"
	TypeRetroactiveRaise    CorrectionType = "retroactive_raise"
	TypeTaxCorrection       CorrectionType = "tax_correction"
	TypeDeductionCorrection CorrectionType = "deduction_correction"
	TypeBonusAdjustment     CorrectionType = "bonus_adjustment"
)

func ParseCorrectionType(s string) (CorrectionType, error) {
	switch t := CorrectionType(s); t {
	case TypeOverpayment, TypeUnderpayment, TypeRetroactiveRaise,
		TypeTaxCorrection, TypeDeductionCorrection, TypeBonusAdjustment:
		return t, nil
	}
	return "", Validationf("unknown correction_type %q", s)
}

// Settles reports whether processing the type moves money over ACH.
func (t CorrectionType) Settles() bool {
	switch t {
	case TypeOverpayment, TypeUnderpayment, TypeRetroactiveRaise:
		return true
	}
	return false
}

type CorrectionStatus string

const (
	StatusDraft           CorrectionStatus = "draft"
	StatusPendingApproval CorrectionStatus = "pending_approval"
	StatusApproved        CorrectionStatus = "approved"
	StatusProcessing      CorrectionStatus = "processing"
	StatusCompleted       CorrectionStatus = "completed"
	StatusCancelled       CorrectionStatus = "cancelled"
)

func (s CorrectionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// TaxAmounts are the three withholding components the tax service returns.
type TaxAmounts struct {
	Federal money.Money `json:"federal"`
	State   money.Money `json:"state"`
	FICA    money.Money `json:"fica"`
}

func (t TaxAmounts) Total() money.Money { return money.Sum(t.Federal, t.State, t.FICA) }

func (t TaxAmounts) Sub(o TaxAmounts) TaxAmounts {
	return TaxAmounts{
		Federal: t.Federal.Sub(o.Federal),
		State:   t.State.Sub(o.State),
		FICA:    t.FICA.Sub(o.FICA),
	}
}

// Consent records the employee's authorization for a recovery method.
type Consent struct {
	Given   bool      `json:"given"`
	GivenAt time.Time `json:"given_at"`
	Method  string    `json:"method,omitempty"`
}

type PaymentMethod string

const (
	PaymentNextPayroll   PaymentMethod = "next_payroll"
	PaymentSeparateCheck PaymentMethod = "separate_check"
)

// Correction is the shared lifecycle record. Type is the discriminator and
// Payload holds the variant-specific fields for that type.
type Correction struct {
	ID                 string           `json:"id"`
	Type               CorrectionType   `json:"correction_type"`
	EmployeeID         string           `json:"employee_id"`
	CreatedBy          string           `json:"created_by"`
	CreatedAt          time.Time        `json:"created_at"`
	Status             CorrectionStatus `json:"status"`
	Version            int              `json:"version"`
	OriginalPayrollID  string           `json:"original_payroll_id,omitempty"`
	PayrollFingerprint string           `json:"-"`
	BankAccountID      string           `json:"bank_account_id,omitempty"`
	Jurisdiction       string           `json:"jurisdiction,omitempty"`
	Reason             string           `json:"reason,omitempty"`
	ApprovedBy         string           `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time       `json:"approved_at,omitempty"`
	CancelReason       string           `json:"cancel_reason,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
	Payload            Payload          `json:"payload"`
}

// Clone returns a deep copy; payloads round-trip through JSON.
func (c *Correction) Clone() (*Correction, error) {
	cp := *c
	if c.ApprovedAt != nil {
		t := *c.ApprovedAt
		cp.ApprovedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	if c.Payload != nil {
		raw, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("clone payload: %w", err)
		}
		p, err := DecodePayload(c.Type, raw)
		if err != nil {
			return nil, err
		}
		cp.Payload = p
	}
	return &cp, nil
}

func (c *Correction) UnmarshalJSON(b []byte) error {
	type alias Correction
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p, err := DecodePayload(c.Type, aux.Payload)
	if err != nil {
		return err
	}
	c.Payload = p
	return nil
}

// Validate checks the shared fields and then dispatches to the payload.
// forSubmit adds the requirements that only apply once a draft leaves draft.
func (c *Correction) Validate(forSubmit bool) error {
	if _, err := ParseCorrectionType(string(c.Type)); err != nil {
		return err
	}
	if c.EmployeeID == "" {
		return Validationf("employee_id is required")
	}
	if c.CreatedBy == "" {
		return Validationf("created_by is required")
	}
	if c.Payload == nil {
		return Validationf("payload is required for %s", c.Type)
	}
	if c.Payload.CorrectionType() != c.Type {
		return Validationf("payload type %s does not match correction_type %s", c.Payload.CorrectionType(), c.Type)
	}
	if c.Type.Settles() && c.OriginalPayrollID == "" {
		return Validationf("original_payroll_id is required for %s", c.Type)
	}
	if forSubmit && c.Type.Settles() && c.BankAccountID == "" {
		return Validationf("bank_account_id is required to settle %s", c.Type)
	}
	return c.Payload.Validate(forSubmit)
}

// Payload is the variant half of the Correction union.
type Payload interface {
	CorrectionType() CorrectionType
	// Normalize recomputes every derived field from its inputs.
	Normalize()
	Validate(forSubmit bool) error
}

// Taxable payloads have their withholding derived by the tax service.
type Taxable interface {
	Payload
	TaxableWages() money.Money
	ApplyTax(TaxAmounts)
}

// DecodePayload builds the payload struct for t from raw JSON.
func DecodePayload(t CorrectionType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeOverpayment:
		p = &OverpaymentPayload{}
	case TypeUnderpayment:
		p = &UnderpaymentPayload{}
	case TypeRetroactiveRaise:
		p = &RetroactiveRaisePayload{}
	case TypeTaxCorrection:
		p = &TaxCorrectionPayload{}
	case TypeDeductionCorrection, TypeBonusAdjustment:
		p = &ExtensionPayload{Kind: t}
	default:
		return nil, Validationf("unknown correction_type %q", t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, Validationf("decode %s payload: %v", t, err)
		}
	}
	if ext, ok := p.(*ExtensionPayload); ok {
		ext.Kind = t
	}
	return p, nil
}

// --- overpayment ---

type OverpaymentPayload struct {
	GrossOverpayment   money.Money      `json:"gross_overpayment"`
	TaxAdjustments     TaxAmounts       `json:"tax_adjustments"`
	NetOverpayment     money.Money      `json:"net_overpayment"`
	DisposableEarnings money.Money      `json:"disposable_earnings"`
	RecoveryOptions    []RecoveryOption `json:"recovery_options,omitempty"`
	SelectedRecovery   *RecoveryOption  `json:"selected_recovery,omitempty"`
	EmployeeConsent    *Consent         `json:"employee_consent,omitempty"`
}

func (p *OverpaymentPayload) CorrectionType() CorrectionType { return TypeOverpayment }

func (p *OverpaymentPayload) TaxableWages() money.Money { return p.GrossOverpayment }

func (p *OverpaymentPayload) ApplyTax(t TaxAmounts) {
	p.TaxAdjustments = t
	p.Normalize()
}

func (p *OverpaymentPayload) Normalize() {
	p.NetOverpayment = p.GrossOverpayment.Sub(p.TaxAdjustments.Total())
}

func (p *OverpaymentPayload) Validate(forSubmit bool) error {
	if !p.GrossOverpayment.IsPositive() {
		return Validationf("gross_overpayment must be positive")
	}
	if p.TaxAdjustments.Total().IsNegative() {
		return Validationf("tax_adjustments must not be negative")
	}
	if !p.NetOverpayment.IsPositive() {
		return Validationf("net_overpayment must be positive, got %s", p.NetOverpayment)
	}
	if !forSubmit {
		return nil
	}
	if p.SelectedRecovery == nil {
		return Validationf("selected_recovery is required")
	}
	if err := p.SelectedRecovery.Validate(p.NetOverpayment); err != nil {
		return err
	}
	if p.SelectedRecovery.RequiresConsent && (p.EmployeeConsent == nil || !p.EmployeeConsent.Given) {
		return Validationf("employee_consent is required for %s recovery", p.SelectedRecovery.Type)
	}
	return nil
}

// --- underpayment ---

type UnderpaymentPayload struct {
	GrossUnderpayment money.Money   `json:"gross_underpayment"`
	TaxWithholding    TaxAmounts    `json:"tax_withholding"`
	NetUnderpayment   money.Money   `json:"net_underpayment"`
	PaymentMethod     PaymentMethod `json:"payment_method,omitempty"`
}

func (p *UnderpaymentPayload) CorrectionType() CorrectionType { return TypeUnderpayment }

func (p *UnderpaymentPayload) TaxableWages() money.Money { return p.GrossUnderpayment }

func (p *UnderpaymentPayload) ApplyTax(t TaxAmounts) {
	p.TaxWithholding = t
	p.Normalize()
}

func (p *UnderpaymentPayload) Normalize() {
	p.NetUnderpayment = p.GrossUnderpayment.Sub(p.TaxWithholding.Total())
}

func (p *UnderpaymentPayload) Validate(forSubmit bool) error {
	if !p.GrossUnderpayment.IsPositive() {
		return Validationf("gross_underpayment must be positive")
	}
	if !p.NetUnderpayment.IsPositive() {
		return Validationf("net_underpayment must be positive, got %s", p.NetUnderpayment)
	}
	switch p.PaymentMethod {
	case PaymentNextPayroll, PaymentSeparateCheck:
	case "":
		if forSubmit {
			return Validationf("payment_method is required")
		}
	default:
		return Validationf("payment_method must be next_payroll|separate_check")
	}
	return nil
}

// --- retroactive raise ---

type RetroactiveRaisePayload struct {
	OldRate            money.Money     `json:"old_rate"`
	NewRate            money.Money     `json:"new_rate"`
	HoursAffected      decimal.Decimal `json:"hours_affected"`
	AffectedPayPeriods []string        `json:"affected_pay_periods"`
	GrossRetroPay      money.Money     `json:"gross_retro_pay"`
	TaxCalculations    TaxAmounts      `json:"tax_calculations"`
	NetRetroPay        money.Money     `json:"net_retro_pay"`
}

func (p *RetroactiveRaisePayload) CorrectionType() CorrectionType { return TypeRetroactiveRaise }

func (p *RetroactiveRaisePayload) TaxableWages() money.Money {
	return p.NewRate.Sub(p.OldRate).MulDecimal(p.HoursAffected)
}

func (p *RetroactiveRaisePayload) ApplyTax(t TaxAmounts) {
	p.TaxCalculations = t
	p.Normalize()
}

func (p *RetroactiveRaisePayload) Normalize() {
	p.GrossRetroPay = p.TaxableWages()
	p.NetRetroPay = p.GrossRetroPay.Sub(p.TaxCalculations.Total())
}

func (p *RetroactiveRaisePayload) Validate(forSubmit bool) error {
	if !p.NewRate.GreaterThan(p.OldRate) {
		return Validationf("new_rate must exceed old_rate")
	}
	if !p.HoursAffected.IsPositive() {
		return Validationf("hours_affected must be positive")
	}
	if len(p.AffectedPayPeriods) == 0 {
		return Validationf("affected_pay_periods must not be empty")
	}
	if !p.NetRetroPay.IsPositive() {
		return Validationf("net_retro_pay must be positive, got %s", p.NetRetroPay)
	}
	return nil
}

// --- tax correction ---

// TaxCorrectionPayload fixes withholding without a wage change. A positive
// NetAdjustment is owed to the employee.
type TaxCorrectionPayload struct {
	TaxYear              int         `json:"tax_year"`
	WageDelta            money.Money `json:"wage_delta"`
	OriginalWithholding  TaxAmounts  `json:"original_withholding"`
	CorrectedWithholding TaxAmounts  `json:"corrected_withholding"`
	TaxAdjustments       TaxAmounts  `json:"tax_adjustments"`
	NetAdjustment        money.Money `json:"net_adjustment"`
}

func (p *TaxCorrectionPayload) CorrectionType() CorrectionType { return TypeTaxCorrection }

func (p *TaxCorrectionPayload) Normalize() {
	p.TaxAdjustments = p.CorrectedWithholding.Sub(p.OriginalWithholding)
	p.NetAdjustment = p.WageDelta.Sub(p.TaxAdjustments.Total())
}

func (p *TaxCorrectionPayload) Validate(forSubmit bool) error {
	if p.TaxYear < 2000 || p.TaxYear > 2100 {
		return Validationf("tax_year out of range: %d", p.TaxYear)
	}
	if p.TaxAdjustments.Total().IsZero() && p.WageDelta.IsZero() {
		return Validationf("tax correction changes nothing")
	}
	return nil
}

// --- extension variants ---

// ExtensionPayload carries deduction corrections and bonus adjustments.
// Their shape is not fixed yet, so attributes stay an opaque JSON object.
type ExtensionPayload struct {
	Kind       CorrectionType  `json:"-"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

func (p *ExtensionPayload) CorrectionType() CorrectionType { return p.Kind }

func (p *ExtensionPayload) Normalize() {}

func (p *ExtensionPayload) Validate(forSubmit bool) error {
	if len(p.Attributes) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(p.Attributes, &obj); err != nil {
		return Validationf("attributes must be a JSON object")
	}
	return nil
}

// SettlementAmount is the net amount that moves over ACH for the correction
// and whether it is pulled from (debit) or pushed to (credit) the employee.
func SettlementAmount(c *Correction) (money.Money, TxnType, bool) {
	switch p := c.Payload.(type) {
	case *OverpaymentPayload:
		return p.NetOverpayment, TxnDebit, true
	case *UnderpaymentPayload:
		return p.NetUnderpayment, TxnCredit, true
	case *RetroactiveRaisePayload:
		return p.NetRetroPay, TxnCredit, true
	}
	return money.Money{}, "", false
}
