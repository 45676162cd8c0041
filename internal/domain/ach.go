package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/money"
)

type BatchType string

const (
	BatchPayroll      BatchType = "payroll"
	BatchCorrection   BatchType = "correction"
	BatchOffcycle     BatchType = "offcycle"
	BatchVerification BatchType = "verification"
)

func ParseBatchType(s string) (BatchType, error) {
	switch t := BatchType(s); t {
	case BatchPayroll, BatchCorrection, BatchOffcycle, BatchVerification:
		return t, nil
	}
	return "", Validationf("unknown batch_type %q", s)
}

type BatchStatus string

const (
	BatchOpen      BatchStatus = "open"
	BatchSubmitted BatchStatus = "submitted"
	BatchSettled   BatchStatus = "settled"
	BatchReturned  BatchStatus = "returned"
)

type TxnType string

const (
	TxnCredit TxnType = "credit"
	TxnDebit  TxnType = "debit"
)

type TxnStatus string

const (
	TxnQueued   TxnStatus = "queued"
	TxnSettled  TxnStatus = "settled"
	TxnReturned TxnStatus = "returned"
)

// ACHTransaction is one entry inside a batch. SourceKey is the idempotency
// key of whatever produced it, e.g. "<correction id>:<installment>".
type ACHTransaction struct {
	ID             string      `json:"id"`
	BatchID        string      `json:"batch_id"`
	Seq            int         `json:"seq"`
	TraceNumber    string      `json:"trace_number"`
	AccountID      string      `json:"account_id"`
	Amount         money.Money `json:"amount"`
	Type           TxnType     `json:"type"`
	Description    string      `json:"description"`
	IndividualName string      `json:"individual_name,omitempty"`
	IndividualID   string      `json:"individual_id,omitempty"`
	CorrectionID   string      `json:"correction_id,omitempty"`
	SourceKey      string      `json:"source_key"`
	Prenote        bool        `json:"prenote,omitempty"`
	Attempt        int         `json:"attempt"`
	Status         TxnStatus   `json:"status"`
	ReturnCode     string      `json:"return_code,omitempty"`
	ReturnReason   string      `json:"return_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`

	redacted bool
}

func (t ACHTransaction) MarshalJSON() ([]byte, error) {
	type alias ACHTransaction
	if !t.redacted || t.Prenote {
		return json.Marshal(alias(t))
	}
	return json.Marshal(struct {
		alias
		Amount   *money.Money `json:"amount"`
		Redacted bool         `json:"amount_redacted"`
	}{alias: alias(t), Redacted: true})
}

func (t *ACHTransaction) Validate() error {
	if t.AccountID == "" {
		return Validationf("account_id is required")
	}
	if t.SourceKey == "" {
		return Validationf("source_key is required")
	}
	if t.Type != TxnCredit && t.Type != TxnDebit {
		return Validationf("type must be credit|debit")
	}
	if t.Amount.Currency != "" && t.Amount.Currency != money.DefaultCurrency {
		return Validationf("ACH settles in USD only, got %s", t.Amount.Currency)
	}
	if t.Prenote {
		if !t.Amount.IsZero() {
			return Validationf("prenote amount must be zero")
		}
	} else if !t.Amount.IsPositive() {
		return Validationf("amount must be positive")
	}
	return nil
}

// OriginKey strips representment suffixes, so every attempt at the same
// entry shares one key.
func (t ACHTransaction) OriginKey() string {
	if i := strings.Index(t.SourceKey, representSuffix); i >= 0 {
		return t.SourceKey[:i]
	}
	return t.SourceKey
}

const representSuffix = ":retry"

// RepresentKey is the source key of the next attempt after t.
func (t ACHTransaction) RepresentKey() string {
	return fmt.Sprintf("%s%s%d", t.SourceKey, representSuffix, t.Attempt)
}

// ACHBatch groups transactions sharing a batch type and effective date.
// Sequence distinguishes overflow batches for the same pair.
type ACHBatch struct {
	ID            string           `json:"id"`
	BatchType     BatchType        `json:"batch_type"`
	EffectiveDate time.Time        `json:"effective_date"`
	Sequence      int              `json:"sequence"`
	Status        BatchStatus      `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	SubmittedAt   *time.Time       `json:"submitted_at,omitempty"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	Transactions  []ACHTransaction `json:"transactions"`
	Aggregate     *BatchSummary    `json:"-"`
}

// Live returns the transactions still expected to move money.
func (b *ACHBatch) Live() []ACHTransaction {
	out := make([]ACHTransaction, 0, len(b.Transactions))
	for _, t := range b.Transactions {
		if t.Status != TxnReturned {
			out = append(out, t)
		}
	}
	return out
}

// BatchSummary carries entry count and totals for a batch loaded without
// its transactions.
type BatchSummary struct {
	EntryCount   int
	TotalCredits money.Money
	TotalDebits  money.Money
}

// Summary returns count and totals from the loaded transactions, falling
// back to the stored aggregate when only the header was loaded.
func (b *ACHBatch) Summary() BatchSummary {
	if len(b.Transactions) == 0 && b.Aggregate != nil {
		return *b.Aggregate
	}
	return BatchSummary{
		EntryCount:   len(b.Transactions),
		TotalCredits: b.totalOf(TxnCredit),
		TotalDebits:  b.totalOf(TxnDebit),
	}
}

// TotalAmount is the signed sum of transactions; derived, never stored.
func (b *ACHBatch) TotalAmount() money.Money {
	s := b.Summary()
	return s.TotalCredits.Sub(s.TotalDebits)
}

func (b *ACHBatch) TotalCredits() money.Money { return b.Summary().TotalCredits }

func (b *ACHBatch) TotalDebits() money.Money { return b.Summary().TotalDebits }

func (b *ACHBatch) totalOf(tt TxnType) money.Money {
	total := money.USD(0)
	for _, t := range b.Transactions {
		if t.Type == tt {
			total = total.Add(t.Amount)
		}
	}
	return total
}

// Micro-deposit amounts are the verification secret, so verification
// batches go out with amounts and totals withheld. NACHA rendering reads
// the struct, never this encoding.
func (b ACHBatch) MarshalJSON() ([]byte, error) {
	type alias ACHBatch
	sum := b.Summary()
	out := struct {
		alias
		EffectiveDate string       `json:"effective_date"`
		EntryCount    int          `json:"entry_count"`
		TotalAmount   *money.Money `json:"total_amount,omitempty"`
		TotalCredits  *money.Money `json:"total_credits,omitempty"`
		TotalDebits   *money.Money `json:"total_debits,omitempty"`
		AmountsHidden bool         `json:"amounts_redacted,omitempty"`
	}{
		alias:         alias(b),
		EffectiveDate: b.EffectiveDate.Format(DateLayout),
		EntryCount:    sum.EntryCount,
	}
	out.Transactions = make([]ACHTransaction, len(b.Transactions))
	copy(out.Transactions, b.Transactions)
	if b.BatchType == BatchVerification {
		out.AmountsHidden = true
		for i := range out.Transactions {
			out.Transactions[i].redacted = true
		}
	} else {
		total, credits, debits := b.TotalAmount(), sum.TotalCredits, sum.TotalDebits
		out.TotalAmount, out.TotalCredits, out.TotalDebits = &total, &credits, &debits
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the wire form written by MarshalJSON. Derived totals
// are dropped; a redacted transaction decodes with a zero amount.
func (b *ACHBatch) UnmarshalJSON(data []byte) error {
	type alias ACHBatch
	var in struct {
		alias
		EffectiveDate string `json:"effective_date"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*b = ACHBatch(in.alias)
	if in.EffectiveDate != "" {
		d, err := time.Parse(DateLayout, in.EffectiveDate)
		if err != nil {
			return Formatf("effective_date %q: %v", in.EffectiveDate, err)
		}
		b.EffectiveDate = d
	}
	return nil
}

// DateLayout is the calendar-date format used on the wire and in storage.
const DateLayout = "2006-01-02"
