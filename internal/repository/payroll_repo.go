package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
)

// PayrollRepo stores upstream payroll snapshots and serves them to the
// correction flow as its Payroll Source.
type PayrollRepo struct {
	db dbtx
}

func NewPayrollRepo(db dbtx) *PayrollRepo {
	return &PayrollRepo{db: db}
}

const payrollColumns = `id, employee_id, employee_name, pay_date, period_start, period_end,
	gross_cents, net_cents, federal_cents, state_cents, fica_cents, currency,
	tax_method, jurisdiction, deleted, updated_at`

const upsertPayrollSQL = `INSERT INTO payroll_runs (` + payrollColumns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		employee_id=excluded.employee_id, employee_name=excluded.employee_name,
		pay_date=excluded.pay_date, period_start=excluded.period_start,
		period_end=excluded.period_end, gross_cents=excluded.gross_cents,
		net_cents=excluded.net_cents, federal_cents=excluded.federal_cents,
		state_cents=excluded.state_cents, fica_cents=excluded.fica_cents,
		currency=excluded.currency, tax_method=excluded.tax_method,
		jurisdiction=excluded.jurisdiction, deleted=excluded.deleted,
		updated_at=excluded.updated_at`

func payrollArgs(p *domain.PayrollSnapshot) []any {
	return []any{
		p.ID, p.EmployeeID, p.EmployeeName,
		p.PayDate.UTC().Format(domain.DateLayout),
		p.PeriodStart.UTC().Format(domain.DateLayout),
		p.PeriodEnd.UTC().Format(domain.DateLayout),
		p.Gross.Cents, p.Net.Cents,
		p.Taxes.Federal.Cents, p.Taxes.State.Cents, p.Taxes.FICA.Cents,
		currencyOf(p.Gross), p.TaxMethod, p.Jurisdiction,
		boolInt(p.Deleted), formatTime(p.UpdatedAt),
	}
}

func currencyOf(m money.Money) string {
	if m.Currency == "" {
		return money.DefaultCurrency
	}
	return m.Currency
}

func (r *PayrollRepo) Upsert(ctx context.Context, p *domain.PayrollSnapshot) error {
	if _, err := r.db.ExecContext(ctx, upsertPayrollSQL, payrollArgs(p)...); err != nil {
		return fmt.Errorf("upsert payroll run: %w", err)
	}
	return nil
}

// BulkUpsert writes a feed of snapshots; callers wrap it in Store.InTx when
// the feed must land atomically.
func (r *PayrollRepo) BulkUpsert(ctx context.Context, runs []domain.PayrollSnapshot) (int, error) {
	written := 0
	for i := range runs {
		res, err := r.db.ExecContext(ctx, upsertPayrollSQL, payrollArgs(&runs[i])...)
		if err != nil {
			return written, fmt.Errorf("upsert row %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		written += int(ra)
	}
	return written, nil
}

func (r *PayrollRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM payroll_runs").Scan(&count)
	return count, err
}

// GetOriginalPayroll returns the snapshot, including soft-deleted ones so
// callers can tell "deleted upstream" from "never existed".
func (r *PayrollRepo) GetOriginalPayroll(ctx context.Context, id string) (*domain.PayrollSnapshot, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+payrollColumns+" FROM payroll_runs WHERE id = ?", id)
	p, err := scanPayroll(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("payroll run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get payroll run: %w", err)
	}
	return p, nil
}

// MarkDeleted simulates the upstream system removing a run.
func (r *PayrollRepo) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE payroll_runs SET deleted = 1, updated_at = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("delete payroll run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("payroll run %s not found", id)
	}
	return nil
}

type PayrollFilter struct {
	EmployeeID string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

func (r *PayrollRepo) List(ctx context.Context, f PayrollFilter) ([]domain.PayrollSnapshot, int, error) {
	where, args := buildPayrollWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM payroll_runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	limit, offset := pageBounds(f.Page, f.Limit)
	query := "SELECT " + payrollColumns + " FROM payroll_runs" + where + " ORDER BY pay_date DESC, id LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var runs []domain.PayrollSnapshot
	for rows.Next() {
		p, err := scanPayroll(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		runs = append(runs, *p)
	}
	return runs, total, rows.Err()
}

func buildPayrollWhere(f PayrollFilter) (string, []any) {
	clauses := []string{"deleted = 0"}
	var args []any

	if f.EmployeeID != "" {
		clauses = append(clauses, "employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if f.From != nil {
		clauses = append(clauses, "pay_date >= ?")
		args = append(args, f.From.UTC().Format(domain.DateLayout))
	}
	if f.To != nil {
		clauses = append(clauses, "pay_date <= ?")
		args = append(args, f.To.UTC().Format(domain.DateLayout))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanPayroll(row scanner) (*domain.PayrollSnapshot, error) {
	var p domain.PayrollSnapshot
	var payDate, start, end, currency, updatedAt string
	var gross, net, fed, state, fica int64
	var deleted int

	err := row.Scan(
		&p.ID, &p.EmployeeID, &p.EmployeeName, &payDate, &start, &end,
		&gross, &net, &fed, &state, &fica, &currency,
		&p.TaxMethod, &p.Jurisdiction, &deleted, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PayDate, _ = time.Parse(domain.DateLayout, payDate)
	p.PeriodStart, _ = time.Parse(domain.DateLayout, start)
	p.PeriodEnd, _ = time.Parse(domain.DateLayout, end)
	p.Gross = money.New(gross, currency)
	p.Net = money.New(net, currency)
	p.Taxes = domain.TaxAmounts{
		Federal: money.New(fed, currency),
		State:   money.New(state, currency),
		FICA:    money.New(fica, currency),
	}
	p.Deleted = deleted != 0
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
