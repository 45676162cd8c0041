package ach

import (
	"context"
	"fmt"
	"log"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/repository"
)

// QueuePayroll credits a payroll run's net pay to the employee's accounts
// using their split configuration. Every receiving account must be
// verified. Re-queuing the same run returns the existing entries.
func (b *Builder) QueuePayroll(ctx context.Context, payrollID string) ([]domain.ACHTransaction, error) {
	var out []domain.ACHTransaction
	err := b.store.InTx(ctx, func(tx repository.Repos) error {
		run, err := tx.Payroll.GetOriginalPayroll(ctx, payrollID)
		if err != nil {
			return err
		}
		if run.Deleted {
			return domain.Reconciliationf("payroll run %s was deleted upstream", run.ID)
		}
		accounts, err := tx.Accounts.ListByOwner(ctx, run.EmployeeID)
		if err != nil {
			return err
		}
		allocs, err := domain.AllocateSplits(run.Net, accounts)
		if err != nil {
			return err
		}
		date := b.cal.OnOrAfter(run.PayDate)
		for _, a := range allocs {
			txn, err := b.AssignTx(ctx, tx, Request{
				SourceKey:      fmt.Sprintf("payroll:%s:%s", run.ID, a.AccountID),
				AccountID:      a.AccountID,
				Amount:         a.Amount,
				Type:           domain.TxnCredit,
				Description:    "PAYROLL",
				IndividualName: run.EmployeeName,
				IndividualID:   run.EmployeeID,
			}, date, domain.BatchPayroll)
			if err != nil {
				return err
			}
			out = append(out, *txn)
		}
		return nil
	})
	if err != nil {
		return nil, domain.WithOp("queue payroll", err)
	}
	log.Printf("[ach] queued payroll %s as %d entries", payrollID, len(out))
	return out, nil
}
