package ach

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/paysettle/internal/config"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/nacha"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/vault"
)

var entryDescriptions = map[domain.BatchType]string{
	domain.BatchPayroll:      "PAYROLL",
	domain.BatchCorrection:   "PAYADJUST",
	domain.BatchOffcycle:     "PAYROLL",
	domain.BatchVerification: "ACCTVERIFY",
}

// Renderer turns submitted batches into NACHA files and keeps every file it
// produced, so asking again for the same batches returns the same bytes.
type Renderer struct {
	store *repository.Store
	vault *vault.Vault
	org   config.Originator
}

// NewRenderer creates a new NACHA file renderer.
func NewRenderer(store *repository.Store, v *vault.Vault, org config.Originator) *Renderer {
	return &Renderer{store: store, vault: v, org: org}
}

// Generate encodes the given submitted batches into one file. The second
// return value is false when a stored file for the same set was returned.
func (r *Renderer) Generate(ctx context.Context, batchIDs []string) (*repository.NachaFile, bool, error) {
	ids := dedupe(batchIDs)
	if len(ids) == 0 {
		return nil, false, domain.Validationf("batch_ids is required")
	}

	var (
		out     *repository.NachaFile
		created bool
	)
	err := r.store.InTx(ctx, func(tx repository.Repos) error {
		existing, err := tx.Files.GetByBatchSet(ctx, ids)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		batches := make([]*domain.ACHBatch, 0, len(ids))
		for _, id := range ids {
			b, err := tx.Batches.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if b.Status == domain.BatchOpen {
				return domain.Statef("batch %s must be submitted before it is rendered", id)
			}
			batches = append(batches, b)
		}
		sort.Slice(batches, func(i, j int) bool {
			a, b := batches[i], batches[j]
			if !a.EffectiveDate.Equal(b.EffectiveDate) {
				return a.EffectiveDate.Before(b.EffectiveDate)
			}
			if a.BatchType != b.BatchType {
				return a.BatchType < b.BatchType
			}
			if a.Sequence != b.Sequence {
				return a.Sequence < b.Sequence
			}
			return a.ID < b.ID
		})

		file, err := r.buildFile(ctx, tx, batches)
		if err != nil {
			return err
		}
		content, err := nacha.Encode(ctx, file)
		if err != nil {
			return err
		}
		out = &repository.NachaFile{
			ID:        uuid.NewString(),
			FileHash:  fmt.Sprintf("%x", sha256.Sum256(content)),
			BatchIDs:  ids,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		created = true
		return tx.Files.Insert(ctx, out)
	})
	if err != nil {
		return nil, false, domain.WithOp("generate nacha", err)
	}
	if created {
		log.Printf("[nacha] generated file %s for %d batches (%d bytes)", out.ID, len(ids), len(out.Content))
	}
	return out, created, nil
}

// Download returns the latest file that included batchID.
func (r *Renderer) Download(ctx context.Context, batchID string) (*repository.NachaFile, error) {
	return r.store.Files.LatestForBatch(ctx, batchID)
}

func (r *Renderer) buildFile(ctx context.Context, tx repository.Repos, batches []*domain.ACHBatch) (*nacha.File, error) {
	var createdAt time.Time
	for _, b := range batches {
		if b.SubmittedAt != nil && b.SubmittedAt.After(createdAt) {
			createdAt = *b.SubmittedAt
		}
	}
	f := &nacha.File{Header: nacha.FileHeader{
		ImmediateDestination: r.org.DestinationRouting,
		ImmediateOrigin:      r.org.ODFIRouting + checkDigitOf(r.org.ODFIRouting),
		DestinationName:      r.org.DestinationName,
		OriginName:           r.org.OriginName,
		CreatedAt:            createdAt,
	}}

	accounts := map[string]*resolved{}
	for i, b := range batches {
		nb := nacha.Batch{Header: nacha.BatchHeader{
			CompanyName:          r.org.CompanyName,
			CompanyDiscretionary: string(b.BatchType),
			CompanyID:            r.org.CompanyID,
			SEC:                  "PPD",
			EntryDescription:     entryDescriptions[b.BatchType],
			EffectiveDate:        b.EffectiveDate,
			ODFI:                 r.org.ODFIRouting,
			BatchNumber:          i + 1,
		}}
		for _, t := range b.Live() {
			acct, ok := accounts[t.AccountID]
			if !ok {
				var err error
				if acct, err = r.resolve(ctx, tx, t.AccountID); err != nil {
					return nil, err
				}
				accounts[t.AccountID] = acct
			}
			nb.Entries = append(nb.Entries, nacha.Entry{
				TransactionCode: nacha.TransactionCode(acct.savings, t.Type == domain.TxnDebit, t.Prenote),
				RDFI:            acct.numbers.Routing,
				Account:         acct.numbers.Account,
				Amount:          t.Amount.Cents,
				IndividualID:    t.IndividualID,
				IndividualName:  t.IndividualName,
				TraceNumber:     t.TraceNumber,
			})
		}
		if len(nb.Entries) == 0 {
			return nil, domain.Validationf("batch %s has no live entries", b.ID)
		}
		f.Batches = append(f.Batches, nb)
	}
	return f, nil
}

type resolved struct {
	numbers vault.Numbers
	savings bool
}

func (r *Renderer) resolve(ctx context.Context, tx repository.Repos, accountID string) (*resolved, error) {
	acct, err := tx.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	n, err := r.vault.Open(acct.ID, acct.Sealed)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", acct.ID, err)
	}
	return &resolved{numbers: n, savings: acct.AccountType == domain.AccountSavings}, nil
}

func checkDigitOf(odfi string) string {
	d, err := nacha.CheckDigit(odfi)
	if err != nil {
		return ""
	}
	return fmt.Sprint(d)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
