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

type BatchRepo struct {
	db dbtx
}

func NewBatchRepo(db dbtx) *BatchRepo {
	return &BatchRepo{db: db}
}

const batchColumns = `id, batch_type, effective_date, sequence, status, created_at, submitted_at, closed_at`

const txnColumns = `id, batch_id, seq, trace_number, account_id, amount_cents, currency, txn_type,
	description, individual_name, individual_id, correction_id, source_key, prenote, attempt,
	status, return_code, return_reason, created_at`

func (r *BatchRepo) InsertBatch(ctx context.Context, b *domain.ACHBatch) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ach_batches (`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, string(b.BatchType), b.EffectiveDate.Format(domain.DateLayout), b.Sequence,
		string(b.Status), formatTime(b.CreatedAt), formatNullableTime(b.SubmittedAt),
		formatNullableTime(b.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// LatestForKey returns the highest-sequence batch for (type, date), or nil.
func (r *BatchRepo) LatestForKey(ctx context.Context, bt domain.BatchType, date time.Time) (*domain.ACHBatch, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+batchColumns+" FROM ach_batches WHERE batch_type = ? AND effective_date = ? ORDER BY sequence DESC LIMIT 1",
		string(bt), date.Format(domain.DateLayout))
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest batch: %w", err)
	}
	return b, nil
}

// GetByID loads the batch and its transactions in trace order.
func (r *BatchRepo) GetByID(ctx context.Context, id string) (*domain.ACHBatch, error) {
	b, err := r.getHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	txns, err := r.listTransactions(ctx, "WHERE batch_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, err
	}
	b.Transactions = txns
	return b, nil
}

func (r *BatchRepo) getHeader(ctx context.Context, id string) (*domain.ACHBatch, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM ach_batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("batch %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

type BatchFilter struct {
	BatchType string
	Status    string
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

// List returns batch headers with entry counts and totals aggregated in
// SQL; transactions are left empty.
func (r *BatchRepo) List(ctx context.Context, f BatchFilter) ([]domain.ACHBatch, int, error) {
	where, args := buildBatchWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ach_batches"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	limit, offset := pageBounds(f.Page, f.Limit)
	query := "SELECT " + batchColumns + " FROM ach_batches" + where +
		" ORDER BY effective_date DESC, batch_type, sequence LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.ACHBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.attachSummaries(ctx, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *BatchRepo) attachSummaries(ctx context.Context, batches []domain.ACHBatch) error {
	if len(batches) == 0 {
		return nil
	}
	index := make(map[string]int, len(batches))
	args := make([]any, len(batches))
	for i := range batches {
		index[batches[i].ID] = i
		args[i] = batches[i].ID
		batches[i].Aggregate = &domain.BatchSummary{TotalCredits: money.USD(0), TotalDebits: money.USD(0)}
	}
	query := `SELECT batch_id, COUNT(*),
		COALESCE(SUM(CASE WHEN txn_type = 'credit' THEN amount_cents END), 0),
		COALESCE(SUM(CASE WHEN txn_type = 'debit' THEN amount_cents END), 0)
		FROM ach_transactions WHERE batch_id IN (?` + strings.Repeat(",?", len(batches)-1) + `)
		GROUP BY batch_id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		var credits, debits int64
		if err := rows.Scan(&id, &n, &credits, &debits); err != nil {
			return fmt.Errorf("scan totals: %w", err)
		}
		if i, ok := index[id]; ok {
			batches[i].Aggregate = &domain.BatchSummary{
				EntryCount: n, TotalCredits: money.USD(credits), TotalDebits: money.USD(debits),
			}
		}
	}
	return rows.Err()
}

func buildBatchWhere(f BatchFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.BatchType != "" {
		clauses = append(clauses, "batch_type = ?")
		args = append(args, f.BatchType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		clauses = append(clauses, "effective_date >= ?")
		args = append(args, f.From.Format(domain.DateLayout))
	}
	if f.To != nil {
		clauses = append(clauses, "effective_date <= ?")
		args = append(args, f.To.Format(domain.DateLayout))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Transition moves a batch from one status to another. It fails with a
// state error if the batch is no longer in from.
func (r *BatchRepo) Transition(ctx context.Context, id string, from, to domain.BatchStatus, at time.Time) error {
	col := "closed_at"
	if to == domain.BatchSubmitted {
		col = "submitted_at"
	}
	res, err := r.db.ExecContext(ctx,
		"UPDATE ach_batches SET status = ?, "+col+" = ? WHERE id = ? AND status = ?",
		string(to), formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("transition batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		b, err := r.getHeader(ctx, id)
		if err != nil {
			return err
		}
		return domain.Statef("batch %s is %s, not %s", id, b.Status, from)
	}
	return nil
}

func (r *BatchRepo) CountTransactions(ctx context.Context, batchID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ach_transactions WHERE batch_id = ?", batchID).Scan(&n)
	return n, err
}

// NextTrace hands out the next trace sequence number. Trace numbers are
// unique across batches so returned entries map back unambiguously.
func (r *BatchRepo) NextTrace(ctx context.Context) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES ('trace', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next trace: %w", err)
	}
	return v, nil
}

// InsertTransaction appends t at the end of its batch, assigning Seq.
func (r *BatchRepo) InsertTransaction(ctx context.Context, t *domain.ACHTransaction) error {
	if err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM ach_transactions WHERE batch_id = ?", t.BatchID,
	).Scan(&t.Seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ach_transactions (`+txnColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.BatchID, t.Seq, t.TraceNumber, t.AccountID, t.Amount.Cents, currencyOf(t.Amount),
		string(t.Type), t.Description, t.IndividualName, t.IndividualID, t.CorrectionID,
		t.SourceKey, boolInt(t.Prenote), t.Attempt, string(t.Status), t.ReturnCode,
		t.ReturnReason, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *BatchRepo) GetTransaction(ctx context.Context, id string) (*domain.ACHTransaction, error) {
	return r.getTransaction(ctx, "id = ?", id)
}

func (r *BatchRepo) GetTransactionByTrace(ctx context.Context, trace string) (*domain.ACHTransaction, error) {
	return r.getTransaction(ctx, "trace_number = ?", trace)
}

// GetTransactionBySourceKey returns nil, nil when nothing used the key yet.
func (r *BatchRepo) GetTransactionBySourceKey(ctx context.Context, key string) (*domain.ACHTransaction, error) {
	t, err := r.getTransaction(ctx, "source_key = ?", key)
	if domain.IsKind(err, domain.KindNotFound) {
		return nil, nil
	}
	return t, err
}

func (r *BatchRepo) getTransaction(ctx context.Context, cond string, arg any) (*domain.ACHTransaction, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+txnColumns+" FROM ach_transactions WHERE "+cond, arg)
	t, err := scanTxn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("transaction %v not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (r *BatchRepo) ListByCorrection(ctx context.Context, correctionID string) ([]domain.ACHTransaction, error) {
	return r.listTransactions(ctx, "WHERE correction_id = ? ORDER BY created_at, id", correctionID)
}

func (r *BatchRepo) ListByAccount(ctx context.Context, accountID string) ([]domain.ACHTransaction, error) {
	return r.listTransactions(ctx, "WHERE account_id = ? ORDER BY created_at, id", accountID)
}

func (r *BatchRepo) listTransactions(ctx context.Context, tail string, args ...any) ([]domain.ACHTransaction, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+txnColumns+" FROM ach_transactions "+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.ACHTransaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MarkReturned flags a queued or settled transaction as returned.
func (r *BatchRepo) MarkReturned(ctx context.Context, id, code, reason string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE ach_transactions SET status = ?, return_code = ?, return_reason = ? WHERE id = ? AND status != ?",
		string(domain.TxnReturned), code, reason, id, string(domain.TxnReturned))
	if err != nil {
		return fmt.Errorf("mark returned: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Statef("transaction %s already returned", id)
	}
	return nil
}

// SettleQueued marks every still-queued transaction in the batch settled.
func (r *BatchRepo) SettleQueued(ctx context.Context, batchID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE ach_transactions SET status = ? WHERE batch_id = ? AND status = ?",
		string(domain.TxnSettled), batchID, string(domain.TxnQueued))
	if err != nil {
		return 0, fmt.Errorf("settle transactions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReturnAll marks every transaction in the batch returned with code.
func (r *BatchRepo) ReturnAll(ctx context.Context, batchID, code, reason string) ([]domain.ACHTransaction, error) {
	txns, err := r.listTransactions(ctx, "WHERE batch_id = ? AND status != ? ORDER BY seq", batchID, string(domain.TxnReturned))
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx,
		"UPDATE ach_transactions SET status = ?, return_code = ?, return_reason = ? WHERE batch_id = ? AND status != ?",
		string(domain.TxnReturned), code, reason, batchID, string(domain.TxnReturned)); err != nil {
		return nil, fmt.Errorf("return batch transactions: %w", err)
	}
	return txns, nil
}

func scanBatch(row scanner) (*domain.ACHBatch, error) {
	var b domain.ACHBatch
	var bt, date, status, createdAt string
	var submittedAt, closedAt sql.NullString

	if err := row.Scan(&b.ID, &bt, &date, &b.Sequence, &status, &createdAt, &submittedAt, &closedAt); err != nil {
		return nil, err
	}
	b.BatchType = domain.BatchType(bt)
	b.EffectiveDate, _ = time.Parse(domain.DateLayout, date)
	b.Status = domain.BatchStatus(status)
	b.CreatedAt = parseTime(createdAt)
	b.SubmittedAt = parseNullableTime(submittedAt)
	b.ClosedAt = parseNullableTime(closedAt)
	return &b, nil
}

func scanTxn(row scanner) (*domain.ACHTransaction, error) {
	var t domain.ACHTransaction
	var cents int64
	var currency, typ, status, createdAt string
	var prenote int

	err := row.Scan(
		&t.ID, &t.BatchID, &t.Seq, &t.TraceNumber, &t.AccountID, &cents, &currency, &typ,
		&t.Description, &t.IndividualName, &t.IndividualID, &t.CorrectionID, &t.SourceKey,
		&prenote, &t.Attempt, &status, &t.ReturnCode, &t.ReturnReason, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	t.Amount = money.New(cents, currency)
	t.Type = domain.TxnType(typ)
	t.Prenote = prenote != 0
	t.Status = domain.TxnStatus(status)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}
