package repository

import (
	"context"
	"fmt"

	"github.com/wakala/paysettle/internal/domain"
)

// ReturnRepo records ingested return files and the notices applied.
type ReturnRepo struct {
	db dbtx
}

func NewReturnRepo(db dbtx) *ReturnRepo {
	return &ReturnRepo{db: db}
}

// FileExistsByHash checks whether a return file with the given hash has
// already been ingested (idempotency check).
func (r *ReturnRepo) FileExistsByHash(ctx context.Context, hash string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM return_files WHERE file_hash = ?", hash,
	).Scan(&count)
	return count > 0, err
}

func (r *ReturnRepo) InsertFile(ctx context.Context, f *domain.ReturnFile) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO return_files (id, file_hash, record_count, ingested_at) VALUES (?,?,?,?)",
		f.ID, f.FileHash, f.RecordCount, formatTime(f.IngestedAt),
	)
	if err != nil {
		return fmt.Errorf("insert return file: %w", err)
	}
	return nil
}

// Seen reports whether this code was already applied to the transaction.
func (r *ReturnRepo) Seen(ctx context.Context, txnID, code string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ach_returns WHERE transaction_id = ? AND return_code = ?", txnID, code,
	).Scan(&count)
	return count > 0, err
}

func (r *ReturnRepo) Record(ctx context.Context, n domain.ReturnNotice, o domain.ReturnOutcome) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ach_returns
		(transaction_id, return_code, return_reason, corrected_data, disposition, requeued_txn_id, processed_at)
		VALUES (?,?,?,?,?,?,?)`,
		o.TransactionID, n.ReturnCode, n.ReturnReason, n.CorrectedData,
		string(o.Disposition), o.RequeuedTxnID, formatTime(o.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("record return: %w", err)
	}
	return nil
}

func (r *ReturnRepo) ListForTransaction(ctx context.Context, txnID string) ([]domain.ReturnOutcome, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT transaction_id, return_code, disposition, requeued_txn_id, processed_at
		FROM ach_returns WHERE transaction_id = ? ORDER BY id`, txnID)
	if err != nil {
		return nil, fmt.Errorf("query returns: %w", err)
	}
	defer rows.Close()

	var out []domain.ReturnOutcome
	for rows.Next() {
		var o domain.ReturnOutcome
		var disp, at string
		if err := rows.Scan(&o.TransactionID, &o.ReturnCode, &disp, &o.RequeuedTxnID, &at); err != nil {
			return nil, fmt.Errorf("scan return: %w", err)
		}
		o.Disposition = domain.Disposition(disp)
		o.ProcessedAt = parseTime(at)
		out = append(out, o)
	}
	return out, rows.Err()
}
