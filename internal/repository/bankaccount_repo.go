package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/domain"
)

type BankAccountRepo struct {
	db dbtx
}

func NewBankAccountRepo(db dbtx) *BankAccountRepo {
	return &BankAccountRepo{db: db}
}

const accountColumns = `id, owner_id, owner_type, holder_name, account_type, routing_last4,
	account_last4, sealed, status, is_primary, split_type, split_amount, verification_method,
	failed_attempts, failure_reason, micro_deposits, prenote_matures_at, verified_at,
	version, created_at, updated_at`

func microDepositsJSON(a *domain.BankAccount) (string, error) {
	if len(a.MicroDeposits) == 0 {
		return "", nil
	}
	b, err := json.Marshal(a.MicroDeposits)
	return string(b), err
}

func (r *BankAccountRepo) Insert(ctx context.Context, a *domain.BankAccount) error {
	deposits, err := microDepositsJSON(a)
	if err != nil {
		return fmt.Errorf("marshal deposits: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO bank_accounts (`+accountColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, string(a.OwnerType), a.HolderName, string(a.AccountType),
		a.RoutingLast4, a.AccountLast4, a.Sealed, string(a.Status), boolInt(a.IsPrimary),
		string(a.SplitType), a.SplitAmount.String(), string(a.VerificationMethod),
		a.FailedAttempts, a.FailureReason, deposits,
		formatNullableTime(a.PrenoteMaturesAt), formatNullableTime(a.VerifiedAt),
		a.Version, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert bank account: %w", err)
	}
	return nil
}

// Update writes every mutable column under an optimistic version check.
func (r *BankAccountRepo) Update(ctx context.Context, a *domain.BankAccount, expectedVersion int) error {
	deposits, err := microDepositsJSON(a)
	if err != nil {
		return fmt.Errorf("marshal deposits: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE bank_accounts SET holder_name = ?, account_type = ?, routing_last4 = ?,
			account_last4 = ?, sealed = ?, status = ?, is_primary = ?, split_type = ?,
			split_amount = ?, verification_method = ?, failed_attempts = ?, failure_reason = ?,
			micro_deposits = ?, prenote_matures_at = ?, verified_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.HolderName, string(a.AccountType), a.RoutingLast4, a.AccountLast4, a.Sealed,
		string(a.Status), boolInt(a.IsPrimary), string(a.SplitType), a.SplitAmount.String(),
		string(a.VerificationMethod), a.FailedAttempts, a.FailureReason, deposits,
		formatNullableTime(a.PrenoteMaturesAt), formatNullableTime(a.VerifiedAt),
		a.Version, formatTime(a.UpdatedAt), a.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update bank account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("bank account %s was modified concurrently", a.ID)
	}
	return nil
}

func (r *BankAccountRepo) GetByID(ctx context.Context, id string) (*domain.BankAccount, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM bank_accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("bank account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bank account: %w", err)
	}
	return a, nil
}

func (r *BankAccountRepo) ListByOwner(ctx context.Context, ownerID string) ([]domain.BankAccount, error) {
	return r.list(ctx, "WHERE owner_id = ? ORDER BY created_at, id", ownerID)
}

// ListPrenotesDue returns pending prenote accounts whose wait ended by asOf.
func (r *BankAccountRepo) ListPrenotesDue(ctx context.Context, asOf time.Time) ([]domain.BankAccount, error) {
	return r.list(ctx,
		"WHERE status = ? AND verification_method = ? AND prenote_matures_at IS NOT NULL AND prenote_matures_at <= ? ORDER BY id",
		string(domain.AccountPending), string(domain.VerifyPrenote), formatTime(asOf))
}

func (r *BankAccountRepo) list(ctx context.Context, tail string, args ...any) ([]domain.BankAccount, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+accountColumns+" FROM bank_accounts "+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.BankAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAccount(row scanner) (*domain.BankAccount, error) {
	var a domain.BankAccount
	var ownerType, accountType, status, splitType, splitAmount, method, deposits, createdAt, updatedAt string
	var isPrimary int
	var prenoteAt, verifiedAt sql.NullString

	err := row.Scan(
		&a.ID, &a.OwnerID, &ownerType, &a.HolderName, &accountType, &a.RoutingLast4,
		&a.AccountLast4, &a.Sealed, &status, &isPrimary, &splitType, &splitAmount, &method,
		&a.FailedAttempts, &a.FailureReason, &deposits, &prenoteAt, &verifiedAt,
		&a.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.OwnerType = domain.OwnerType(ownerType)
	a.AccountType = domain.AccountType(accountType)
	a.Status = domain.AccountStatus(status)
	a.IsPrimary = isPrimary != 0
	a.SplitType = domain.SplitType(splitType)
	a.SplitAmount, err = decimal.NewFromString(splitAmount)
	if err != nil {
		return nil, fmt.Errorf("split_amount %q: %w", splitAmount, err)
	}
	a.VerificationMethod = domain.VerificationMethod(method)
	if deposits != "" {
		if err := json.Unmarshal([]byte(deposits), &a.MicroDeposits); err != nil {
			return nil, fmt.Errorf("micro_deposits: %w", err)
		}
	}
	a.PrenoteMaturesAt = parseNullableTime(prenoteAt)
	a.VerifiedAt = parseNullableTime(verifiedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
