// Package ingestion loads upstream payroll snapshots into the payroll
// source that corrections are reconciled against.
package ingestion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"time"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/repository"
)

// Supported feed formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ImportResult is returned from a successful import.
type ImportResult struct {
	FileHash        string `json:"file_hash"`
	RecordsReceived int    `json:"records_received"`
	RecordsWritten  int    `json:"records_written"`
	Deleted         int    `json:"deleted"`
}

// Service imports payroll feeds.
type Service struct {
	store *repository.Store
	now   func() time.Time
}

// NewService creates a new ingestion service.
func NewService(store *repository.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// ImportPayroll parses a feed and upserts every snapshot in it. Either the
// whole feed lands or none of it does. Re-importing the same feed rewrites
// the same rows.
//
// format must be one of: json, csv
func (s *Service) ImportPayroll(ctx context.Context, data []byte, format string) (*ImportResult, error) {
	var (
		runs []domain.PayrollSnapshot
		err  error
	)
	switch format {
	case FormatJSON, "":
		runs, err = ParsePayrollJSON(data)
	case FormatCSV:
		runs, err = ParsePayrollCSV(data)
	default:
		return nil, domain.Validationf("unsupported format: %s", format)
	}
	if err != nil {
		return nil, domain.WithOp("import payroll", err)
	}
	if len(runs) == 0 {
		return nil, domain.Validationf("payroll feed is empty")
	}

	res := &ImportResult{
		FileHash:        fmt.Sprintf("%x", sha256.Sum256(data)),
		RecordsReceived: len(runs),
	}
	seen := make(map[string]bool, len(runs))
	now := s.now().UTC()
	for i := range runs {
		p := &runs[i]
		if seen[p.ID] {
			return nil, domain.Validationf("payroll run %s appears twice in feed", p.ID)
		}
		seen[p.ID] = true
		if !p.Deleted {
			if err := p.Validate(); err != nil {
				return nil, domain.WithOp("import payroll", err)
			}
		} else if p.ID == "" {
			return nil, domain.Validationf("deleted payroll run %d has no id", i+1)
		} else {
			res.Deleted++
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	}

	err = s.store.InTx(ctx, func(tx repository.Repos) error {
		n, err := tx.Payroll.BulkUpsert(ctx, runs)
		res.RecordsWritten = n
		return err
	})
	if err != nil {
		return nil, domain.WithOp("import payroll", err)
	}

	log.Printf("[ingestion] imported payroll feed %s: %d runs (%d deleted)",
		res.FileHash[:12], len(runs), res.Deleted)
	return res, nil
}

// SeedIfEmpty imports data only when the payroll source holds no runs.
func (s *Service) SeedIfEmpty(ctx context.Context, data []byte, format string) (bool, error) {
	n, err := s.store.Payroll.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count payroll runs: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	res, err := s.ImportPayroll(ctx, data, format)
	if err != nil {
		return false, err
	}
	log.Printf("[seed] loaded %d payroll runs", res.RecordsWritten)
	return true, nil
}
