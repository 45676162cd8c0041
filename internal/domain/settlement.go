package domain

import "time"

// ReturnFile is a returned NACHA file received from the bank. FileHash makes
// re-uploads of the same bytes a no-op.
type ReturnFile struct {
	ID          string    `json:"id"`
	FileHash    string    `json:"file_hash"`
	RecordCount int       `json:"record_count"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// ReturnNotice is a single return or notification of change, either posted
// directly or decoded from a return file.
type ReturnNotice struct {
	TransactionID string `json:"transaction_id,omitempty"`
	TraceNumber   string `json:"trace_number,omitempty"`
	ReturnCode    string `json:"return_code"`
	ReturnReason  string `json:"return_reason,omitempty"`
	// CorrectedData carries the NOC replacement value (account and/or routing).
	CorrectedData string `json:"corrected_data,omitempty"`
}

func (n ReturnNotice) IsNOC() bool { return len(n.ReturnCode) == 3 && n.ReturnCode[0] == 'C' }

// Disposition is what settlement did with a notice.
type Disposition string

const (
	DispositionRequeued      Disposition = "requeued"
	DispositionAccountFailed Disposition = "account_failed"
	DispositionReturned      Disposition = "returned"
	DispositionCorrected     Disposition = "account_corrected"
	DispositionDuplicate     Disposition = "duplicate"
)

type ReturnOutcome struct {
	TransactionID   string      `json:"transaction_id"`
	ReturnCode      string      `json:"return_code"`
	Disposition     Disposition `json:"disposition"`
	RequeuedTxnID   string      `json:"requeued_transaction_id,omitempty"`
	RequeuedBatchID string      `json:"requeued_batch_id,omitempty"`
	AccountID       string      `json:"account_id,omitempty"`
	CorrectionID    string      `json:"correction_id,omitempty"`
	ProcessedAt     time.Time   `json:"processed_at"`
}

// ReturnFileResult summarises one return file ingestion.
type ReturnFileResult struct {
	File      ReturnFile      `json:"file"`
	Duplicate bool            `json:"duplicate"`
	Outcomes  []ReturnOutcome `json:"outcomes"`
}
