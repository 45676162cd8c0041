package settlement

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"regexp"

	"github.com/google/uuid"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/nacha"
	"github.com/wakala/paysettle/internal/repository"
)

var codePattern = regexp.MustCompile(`^[RC][0-9]{2}$`)

// Return codes that mean the account itself is unusable.
var accountFailures = map[string]bool{
	"R02": true, // account closed
	"R03": true, // no account / unable to locate
	"R04": true, // invalid account number
	"R20": true, // non-transaction account
}

// Return codes worth presenting again.
var representable = map[string]bool{
	"R01": true, // insufficient funds
	"R09": true, // uncollected funds
}

// ProcessReturn applies one return or notification of change.
func (s *Service) ProcessReturn(ctx context.Context, n domain.ReturnNotice) (*domain.ReturnOutcome, error) {
	var out *domain.ReturnOutcome
	err := s.store.InTx(ctx, func(tx repository.Repos) error {
		var err error
		out, err = s.apply(ctx, tx, n)
		return err
	})
	if err != nil {
		return nil, domain.WithOp("process return", err)
	}
	return out, nil
}

// ProcessReturnFile decodes a returned NACHA file and applies every notice
// in it atomically. Uploading the same bytes again is a no-op.
func (s *Service) ProcessReturnFile(ctx context.Context, data []byte) (*domain.ReturnFileResult, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	exists, err := s.store.Returns.FileExistsByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check hash: %w", err)
	}
	if exists {
		return &domain.ReturnFileResult{File: domain.ReturnFile{FileHash: hash}, Duplicate: true}, nil
	}

	f, err := nacha.Decode(data)
	if err != nil {
		return nil, domain.WithOp("process return file", err)
	}
	notices := f.Notices()
	if len(notices) == 0 {
		return nil, domain.Validationf("return file carries no return or change addenda")
	}

	res := &domain.ReturnFileResult{File: domain.ReturnFile{
		ID:          uuid.NewString(),
		FileHash:    hash,
		RecordCount: len(notices),
		IngestedAt:  s.now().UTC(),
	}}
	err = s.store.InTx(ctx, func(tx repository.Repos) error {
		for i, n := range notices {
			o, err := s.apply(ctx, tx, n)
			if err != nil {
				return fmt.Errorf("notice %d (trace %s): %w", i+1, n.TraceNumber, err)
			}
			res.Outcomes = append(res.Outcomes, *o)
		}
		return tx.Returns.InsertFile(ctx, &res.File)
	})
	if err != nil {
		return nil, domain.WithOp("process return file", err)
	}
	log.Printf("[settlement] ingested return file %s: %d notices", res.File.ID, len(notices))
	return res, nil
}

func (s *Service) apply(ctx context.Context, tx repository.Repos, n domain.ReturnNotice) (*domain.ReturnOutcome, error) {
	if !codePattern.MatchString(n.ReturnCode) {
		return nil, domain.Validationf("return_code %q must look like R01 or C01", n.ReturnCode)
	}
	txn, err := s.lookup(ctx, tx, n)
	if err != nil {
		return nil, err
	}
	n.TransactionID = txn.ID
	out := &domain.ReturnOutcome{
		TransactionID: txn.ID,
		ReturnCode:    n.ReturnCode,
		AccountID:     txn.AccountID,
		CorrectionID:  txn.CorrectionID,
		ProcessedAt:   s.now().UTC(),
	}
	seen, err := tx.Returns.Seen(ctx, txn.ID, n.ReturnCode)
	if err != nil {
		return nil, err
	}
	if seen {
		out.Disposition = domain.DispositionDuplicate
		return out, nil
	}

	if n.IsNOC() {
		if err := s.accounts.ApplyCorrection(ctx, tx, txn.AccountID, n.ReturnCode, n.CorrectedData); err != nil {
			return nil, err
		}
		out.Disposition = domain.DispositionCorrected
		return out, s.record(ctx, tx, n, out)
	}

	if txn.Status == domain.TxnReturned {
		return nil, domain.Statef("transaction %s was already returned with %s", txn.ID, txn.ReturnCode)
	}
	if err := tx.Batches.MarkReturned(ctx, txn.ID, n.ReturnCode, n.ReturnReason); err != nil {
		return nil, err
	}
	batch, err := tx.Batches.GetByID(ctx, txn.BatchID)
	if err != nil {
		return nil, err
	}

	reason := n.ReturnCode
	if n.ReturnReason != "" {
		reason += ": " + n.ReturnReason
	}
	switch {
	case txn.Prenote || batch.BatchType == domain.BatchVerification:
		if err := s.accounts.Fail(ctx, tx, txn.AccountID, reason, txn.Prenote); err != nil {
			return nil, err
		}
		out.Disposition = domain.DispositionAccountFailed
	case accountFailures[n.ReturnCode]:
		if err := s.accounts.Fail(ctx, tx, txn.AccountID, reason, false); err != nil {
			return nil, err
		}
		out.Disposition = domain.DispositionAccountFailed
	case representable[n.ReturnCode] && txn.Attempt <= s.maxRepresentments:
		retry, err := s.builder.AssignTx(ctx, tx, ach.Request{
			SourceKey:      txn.RepresentKey(),
			AccountID:      txn.AccountID,
			Amount:         txn.Amount,
			Type:           txn.Type,
			Description:    txn.Description,
			IndividualName: txn.IndividualName,
			IndividualID:   txn.IndividualID,
			CorrectionID:   txn.CorrectionID,
			Attempt:        txn.Attempt + 1,
		}, s.builder.Calendar().NextBusinessDay(s.now()), batch.BatchType)
		if err != nil {
			return nil, err
		}
		out.Disposition = domain.DispositionRequeued
		out.RequeuedTxnID = retry.ID
		out.RequeuedBatchID = retry.BatchID
	default:
		out.Disposition = domain.DispositionReturned
	}

	if txn.CorrectionID != "" {
		if err := s.corrections.RecordReturn(ctx, tx, txn.CorrectionID, n); err != nil {
			return nil, err
		}
	}
	return out, s.record(ctx, tx, n, out)
}

func (s *Service) lookup(ctx context.Context, tx repository.Repos, n domain.ReturnNotice) (*domain.ACHTransaction, error) {
	switch {
	case n.TransactionID != "":
		return tx.Batches.GetTransaction(ctx, n.TransactionID)
	case n.TraceNumber != "":
		return tx.Batches.GetTransactionByTrace(ctx, n.TraceNumber)
	}
	return nil, domain.Validationf("transaction_id or trace_number is required")
}

func (s *Service) record(ctx context.Context, tx repository.Repos, n domain.ReturnNotice, o *domain.ReturnOutcome) error {
	if err := tx.Returns.Record(ctx, n, *o); err != nil {
		return err
	}
	log.Printf("[settlement] %s on transaction %s: %s", n.ReturnCode, o.TransactionID, o.Disposition)
	return nil
}
