// Package settlement closes the loop after files go to the bank: batches
// settle or come back rejected, individual entries come back returned, and
// notifications of change fix account numbers.
package settlement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/correction"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/verification"
)

// Service applies bank outcomes to batches, accounts and corrections.
type Service struct {
	store             *repository.Store
	builder           *ach.Builder
	accounts          *verification.Service
	corrections       *correction.Service
	maxRepresentments int
	now               func() time.Time
}

// NewService creates a new settlement service.
func NewService(
	store *repository.Store,
	builder *ach.Builder,
	accounts *verification.Service,
	corrections *correction.Service,
	maxRepresentments int,
) *Service {
	return &Service{
		store:             store,
		builder:           builder,
		accounts:          accounts,
		corrections:       corrections,
		maxRepresentments: maxRepresentments,
		now:               time.Now,
	}
}

// BatchResult reports what settling or rejecting a batch touched.
type BatchResult struct {
	Batch                *domain.ACHBatch `json:"batch"`
	Transactions         int              `json:"transactions"`
	CompletedCorrections []string         `json:"completed_corrections,omitempty"`
}

// SettleBatch records that the bank posted a submitted batch. Queued
// entries become settled and every correction left with no outstanding
// entries completes.
func (s *Service) SettleBatch(ctx context.Context, id string) (*BatchResult, error) {
	res := &BatchResult{}
	err := s.store.InTx(ctx, func(tx repository.Repos) error {
		if err := tx.Batches.Transition(ctx, id, domain.BatchSubmitted, domain.BatchSettled, s.now().UTC()); err != nil {
			return err
		}
		n, err := tx.Batches.SettleQueued(ctx, id)
		if err != nil {
			return err
		}
		res.Transactions = n
		if res.Batch, err = tx.Batches.GetByID(ctx, id); err != nil {
			return err
		}
		res.CompletedCorrections, err = s.completeAll(ctx, tx, res.Batch.Transactions)
		return err
	})
	if err != nil {
		return nil, domain.WithOp("settle batch", err)
	}
	log.Printf("[settlement] batch %s settled: %d entries, %d corrections completed",
		id, res.Transactions, len(res.CompletedCorrections))
	return res, nil
}

func (s *Service) completeAll(ctx context.Context, tx repository.Repos, txns []domain.ACHTransaction) ([]string, error) {
	var done []string
	seen := map[string]bool{}
	for _, t := range txns {
		if t.CorrectionID == "" || seen[t.CorrectionID] {
			continue
		}
		seen[t.CorrectionID] = true
		ok, err := s.corrections.CompleteIfSettled(ctx, tx, t.CorrectionID)
		if err != nil {
			return nil, fmt.Errorf("complete correction %s: %w", t.CorrectionID, err)
		}
		if ok {
			done = append(done, t.CorrectionID)
		}
	}
	return done, nil
}

// RejectBatch records that the bank refused a whole submitted batch. Every
// entry is returned with code and correction entries get a return event.
func (s *Service) RejectBatch(ctx context.Context, id, code, reason string) (*BatchResult, error) {
	if code == "" {
		code = "R99"
	}
	res := &BatchResult{}
	err := s.store.InTx(ctx, func(tx repository.Repos) error {
		if err := tx.Batches.Transition(ctx, id, domain.BatchSubmitted, domain.BatchReturned, s.now().UTC()); err != nil {
			return err
		}
		returned, err := tx.Batches.ReturnAll(ctx, id, code, reason)
		if err != nil {
			return err
		}
		res.Transactions = len(returned)
		for _, t := range returned {
			if t.CorrectionID == "" {
				continue
			}
			n := domain.ReturnNotice{TransactionID: t.ID, TraceNumber: t.TraceNumber, ReturnCode: code, ReturnReason: reason}
			if err := s.corrections.RecordReturn(ctx, tx, t.CorrectionID, n); err != nil {
				return err
			}
		}
		res.Batch, err = tx.Batches.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, domain.WithOp("reject batch", err)
	}
	log.Printf("[settlement] batch %s rejected with %s: %d entries returned", id, code, res.Transactions)
	return res, nil
}

// Reconcile completes processing corrections whose entries have all
// settled, catching any that a batch settlement did not reach.
func (s *Service) Reconcile(ctx context.Context) ([]string, error) {
	processing, err := s.store.Corrections.ListByStatus(ctx, domain.StatusProcessing)
	if err != nil {
		return nil, domain.WithOp("reconcile", err)
	}
	var done []string
	for _, c := range processing {
		if !c.Type.Settles() {
			continue
		}
		var ok bool
		err := s.store.InTx(ctx, func(tx repository.Repos) error {
			var err error
			ok, err = s.corrections.CompleteIfSettled(ctx, tx, c.ID)
			return err
		})
		if err != nil {
			return done, domain.WithOp("reconcile", err)
		}
		if ok {
			done = append(done, c.ID)
		}
	}
	log.Printf("[settlement] reconcile: %d processing, %d completed", len(processing), len(done))
	return done, nil
}
