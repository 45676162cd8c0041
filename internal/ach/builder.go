// Package ach assembles settlement transactions into ACH batches and renders
// submitted batches to NACHA files.
package ach

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/wakala/paysettle/internal/calendar"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/repository"
)

// Request describes one entry to queue. SourceKey makes queuing idempotent:
// a second request with the same key returns the first transaction.
type Request struct {
	SourceKey      string         `json:"source_key"`
	AccountID      string         `json:"account_id"`
	Amount         money.Money    `json:"amount"`
	Type           domain.TxnType `json:"type"`
	Description    string         `json:"description"`
	IndividualName string         `json:"individual_name"`
	IndividualID   string         `json:"individual_id"`
	CorrectionID   string         `json:"correction_id,omitempty"`
	Prenote        bool           `json:"prenote,omitempty"`
	Attempt        int            `json:"-"`
}

// Builder finds or opens batches and appends transactions to them.
type Builder struct {
	store      *repository.Store
	cal        *calendar.Calendar
	maxEntries int
	odfi       string
	now        func() time.Time
}

// NewBuilder creates a new batch builder. odfi is the 8-digit prefix of
// every trace number.
func NewBuilder(store *repository.Store, cal *calendar.Calendar, maxEntries int, odfi string) *Builder {
	return &Builder{store: store, cal: cal, maxEntries: maxEntries, odfi: odfi, now: time.Now}
}

// SetClock replaces the clock batches are dated and stamped against.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Calendar exposes the banking calendar batches are dated against.
func (b *Builder) Calendar() *calendar.Calendar { return b.cal }

func (b *Builder) today() time.Time { return calendar.Date(b.now()) }

// CheckEffectiveDate enforces that batches settle on a business day after today.
func (b *Builder) CheckEffectiveDate(d time.Time) error {
	d = calendar.Date(d)
	if !d.After(b.today()) {
		return domain.Validationf("effective date %s must be after today", d.Format(domain.DateLayout))
	}
	if !b.cal.IsBusinessDay(d) {
		return domain.Validationf("effective date %s is not a banking business day", d.Format(domain.DateLayout))
	}
	return nil
}

// Open creates a fresh open batch for (type, date) with the next sequence.
func (b *Builder) Open(ctx context.Context, bt domain.BatchType, date time.Time) (*domain.ACHBatch, error) {
	var out *domain.ACHBatch
	err := b.store.InTx(ctx, func(tx repository.Repos) error {
		var err error
		out, err = b.OpenTx(ctx, tx, bt, date)
		return err
	})
	if err != nil {
		return nil, domain.WithOp("open batch", err)
	}
	return out, nil
}

func (b *Builder) OpenTx(ctx context.Context, tx repository.Repos, bt domain.BatchType, date time.Time) (*domain.ACHBatch, error) {
	if err := b.CheckEffectiveDate(date); err != nil {
		return nil, err
	}
	date = calendar.Date(date)
	latest, err := tx.Batches.LatestForKey(ctx, bt, date)
	if err != nil {
		return nil, err
	}
	seq := 1
	if latest != nil {
		seq = latest.Sequence + 1
	}
	batch := &domain.ACHBatch{
		ID:            uuid.NewString(),
		BatchType:     bt,
		EffectiveDate: date,
		Sequence:      seq,
		Status:        domain.BatchOpen,
		CreatedAt:     b.now().UTC(),
	}
	if err := tx.Batches.InsertBatch(ctx, batch); err != nil {
		return nil, err
	}
	log.Printf("[ach] opened %s batch %s for %s (sequence %d)", bt, batch.ID, date.Format(domain.DateLayout), seq)
	return batch, nil
}

// Assign queues req on the open batch for (type, date), opening one if
// needed. A full batch causes exactly one new batch to be opened.
func (b *Builder) Assign(ctx context.Context, req Request, date time.Time, bt domain.BatchType) (*domain.ACHTransaction, error) {
	var out *domain.ACHTransaction
	err := b.store.InTx(ctx, func(tx repository.Repos) error {
		var err error
		out, err = b.AssignTx(ctx, tx, req, date, bt)
		return err
	})
	if err != nil {
		return nil, domain.WithOp("assign", err)
	}
	return out, nil
}

// AssignTx is Assign inside a caller's transaction, so the handoff commits
// together with whatever state change triggered it.
func (b *Builder) AssignTx(ctx context.Context, tx repository.Repos, req Request, date time.Time, bt domain.BatchType) (*domain.ACHTransaction, error) {
	if existing, err := tx.Batches.GetTransactionBySourceKey(ctx, req.SourceKey); err != nil || existing != nil {
		return existing, err
	}
	if err := b.CheckEffectiveDate(date); err != nil {
		return nil, err
	}
	date = calendar.Date(date)

	var out *domain.ACHTransaction
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		batch, err := tx.Batches.LatestForKey(ctx, bt, date)
		if err != nil {
			return err
		}
		if batch == nil || batch.Status != domain.BatchOpen {
			if batch, err = b.OpenTx(ctx, tx, bt, date); err != nil {
				return err
			}
		}
		out, err = b.appendTx(ctx, tx, batch, req)
		if domain.IsKind(err, domain.KindCapacity) {
			log.Printf("[ach] batch %s is full, opening sequence %d", batch.ID, batch.Sequence+1)
			if _, err := b.OpenTx(ctx, tx, bt, date); err != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Append adds req to a specific batch. Unlike Assign a full batch is an error.
func (b *Builder) Append(ctx context.Context, batchID string, req Request) (*domain.ACHTransaction, error) {
	var out *domain.ACHTransaction
	err := b.store.InTx(ctx, func(tx repository.Repos) error {
		if existing, err := tx.Batches.GetTransactionBySourceKey(ctx, req.SourceKey); err != nil || existing != nil {
			out = existing
			return err
		}
		batch, err := tx.Batches.GetByID(ctx, batchID)
		if err != nil {
			return err
		}
		out, err = b.appendTx(ctx, tx, batch, req)
		return err
	})
	if err != nil {
		return nil, domain.WithOp("append", err)
	}
	return out, nil
}

func (b *Builder) appendTx(ctx context.Context, tx repository.Repos, batch *domain.ACHBatch, req Request) (*domain.ACHTransaction, error) {
	if batch.Status != domain.BatchOpen {
		return nil, domain.Statef("batch %s is %s and accepts no more entries", batch.ID, batch.Status)
	}
	if req.Amount.Currency == "" {
		req.Amount = money.USD(req.Amount.Cents)
	}
	if req.Attempt == 0 {
		req.Attempt = 1
	}
	txn := &domain.ACHTransaction{
		ID:             uuid.NewString(),
		BatchID:        batch.ID,
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Type:           req.Type,
		Description:    req.Description,
		IndividualName: req.IndividualName,
		IndividualID:   req.IndividualID,
		CorrectionID:   req.CorrectionID,
		SourceKey:      req.SourceKey,
		Prenote:        req.Prenote,
		Attempt:        req.Attempt,
		Status:         domain.TxnQueued,
		CreatedAt:      b.now().UTC(),
	}
	if err := txn.Validate(); err != nil {
		return nil, err
	}
	acct, err := tx.Accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if batch.BatchType != domain.BatchVerification && acct.Status != domain.AccountVerified {
		return nil, domain.Verificationf("account %s is %s; settlement requires a verified account", acct.ID, acct.Status)
	}
	if txn.IndividualName == "" {
		txn.IndividualName = acct.HolderName
	}

	n, err := tx.Batches.CountTransactions(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	if n >= b.maxEntries {
		return nil, domain.Capacityf("batch %s holds %d entries", batch.ID, n)
	}
	trace, err := tx.Batches.NextTrace(ctx)
	if err != nil {
		return nil, err
	}
	txn.TraceNumber = fmt.Sprintf("%s%07d", b.odfi, trace%10_000_000)
	if err := tx.Batches.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Submit freezes an open batch. Entries still in flight fail with a state
// error and must be assigned again.
func (b *Builder) Submit(ctx context.Context, id string) (*domain.ACHBatch, error) {
	var out *domain.ACHBatch
	err := b.store.InTx(ctx, func(tx repository.Repos) error {
		n, err := tx.Batches.CountTransactions(ctx, id)
		if err != nil {
			return err
		}
		batch, err := tx.Batches.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if batch.Status == domain.BatchOpen && n == 0 {
			return domain.Validationf("batch %s has no entries", id)
		}
		if err := tx.Batches.Transition(ctx, id, domain.BatchOpen, domain.BatchSubmitted, b.now().UTC()); err != nil {
			return err
		}
		out, err = tx.Batches.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, domain.WithOp("submit batch", err)
	}
	log.Printf("[ach] submitted batch %s with %d entries", out.ID, len(out.Transactions))
	return out, nil
}

func (b *Builder) Get(ctx context.Context, id string) (*domain.ACHBatch, error) {
	return b.store.Batches.GetByID(ctx, id)
}

func (b *Builder) List(ctx context.Context, f repository.BatchFilter) ([]domain.ACHBatch, int, error) {
	return b.store.Batches.List(ctx, f)
}
