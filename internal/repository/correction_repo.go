package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

type CorrectionRepo struct {
	db dbtx
}

func NewCorrectionRepo(db dbtx) *CorrectionRepo {
	return &CorrectionRepo{db: db}
}

const correctionColumns = `id, correction_type, employee_id, created_by, created_at, status, version,
	original_payroll_id, payroll_fingerprint, bank_account_id, jurisdiction, reason,
	approved_by, approved_at, cancel_reason, completed_at, updated_at, payload`

func (r *CorrectionRepo) Insert(ctx context.Context, c *domain.Correction) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO corrections (`+correctionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, string(c.Type), c.EmployeeID, c.CreatedBy, formatTime(c.CreatedAt),
		string(c.Status), c.Version, c.OriginalPayrollID, c.PayrollFingerprint,
		c.BankAccountID, c.Jurisdiction, c.Reason, c.ApprovedBy,
		formatNullableTime(c.ApprovedAt), c.CancelReason, formatNullableTime(c.CompletedAt),
		formatTime(c.UpdatedAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	return nil
}

// Update writes c if the stored version is still expectedVersion, and fails
// with a conflict error otherwise. Immutable columns are never rewritten.
func (r *CorrectionRepo) Update(ctx context.Context, c *domain.Correction, expectedVersion int) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE corrections SET status = ?, version = ?, payroll_fingerprint = ?,
			bank_account_id = ?, jurisdiction = ?, reason = ?, approved_by = ?, approved_at = ?,
			cancel_reason = ?, completed_at = ?, updated_at = ?, payload = ?
		WHERE id = ? AND version = ?`,
		string(c.Status), c.Version, c.PayrollFingerprint, c.BankAccountID, c.Jurisdiction,
		c.Reason, c.ApprovedBy, formatNullableTime(c.ApprovedAt), c.CancelReason,
		formatNullableTime(c.CompletedAt), formatTime(c.UpdatedAt), string(payload),
		c.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update correction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("correction %s was modified concurrently (expected version %d)", c.ID, expectedVersion)
	}
	return nil
}

func (r *CorrectionRepo) GetByID(ctx context.Context, id string) (*domain.Correction, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+correctionColumns+" FROM corrections WHERE id = ?", id)
	c, err := scanCorrection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("correction %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get correction: %w", err)
	}
	return c, nil
}

type CorrectionFilter struct {
	Status     string
	Type       string
	EmployeeID string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

func (r *CorrectionRepo) List(ctx context.Context, f CorrectionFilter) ([]domain.Correction, int, error) {
	where, args := buildCorrectionWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM corrections"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	limit, offset := pageBounds(f.Page, f.Limit)
	query := "SELECT " + correctionColumns + " FROM corrections" + where + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// ListByStatus returns every correction in status without paging.
func (r *CorrectionRepo) ListByStatus(ctx context.Context, status domain.CorrectionStatus) ([]domain.Correction, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+correctionColumns+" FROM corrections WHERE status = ? ORDER BY created_at, id", string(status))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func buildCorrectionWhere(f CorrectionFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "correction_type = ?")
		args = append(args, f.Type)
	}
	if f.EmployeeID != "" {
		clauses = append(clauses, "employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanCorrection(row scanner) (*domain.Correction, error) {
	var c domain.Correction
	var typ, status, createdAt, updatedAt, payload string
	var approvedAt, completedAt sql.NullString

	err := row.Scan(
		&c.ID, &typ, &c.EmployeeID, &c.CreatedBy, &createdAt, &status, &c.Version,
		&c.OriginalPayrollID, &c.PayrollFingerprint, &c.BankAccountID, &c.Jurisdiction,
		&c.Reason, &c.ApprovedBy, &approvedAt, &c.CancelReason, &completedAt,
		&updatedAt, &payload,
	)
	if err != nil {
		return nil, err
	}
	c.Type = domain.CorrectionType(typ)
	c.Status = domain.CorrectionStatus(status)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.ApprovedAt = parseNullableTime(approvedAt)
	c.CompletedAt = parseNullableTime(completedAt)

	p, err := domain.DecodePayload(c.Type, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("correction %s payload: %w", c.ID, err)
	}
	c.Payload = p
	return &c, nil
}

// --- events ---

// AppendEvent assigns the next per-correction sequence number and stores e.
func (r *CorrectionRepo) AppendEvent(ctx context.Context, e *domain.AuditEntry) error {
	var next int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM correction_events WHERE correction_id = ?", e.CorrectionID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}
	e.Seq = next
	if e.Changes == nil {
		e.Changes = []domain.FieldChange{}
	}
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO correction_events
		(correction_id, seq, action, from_status, to_status, actor, reason, changes, at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.CorrectionID, e.Seq, string(e.Action), string(e.FromStatus), string(e.ToStatus),
		e.Actor, e.Reason, string(changes), formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *CorrectionRepo) Events(ctx context.Context, correctionID string) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT correction_id, seq, action, from_status, to_status, actor, reason, changes, at
		FROM correction_events WHERE correction_id = ? ORDER BY seq`, correctionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var action, from, to, changes, at string
		if err := rows.Scan(&e.CorrectionID, &e.Seq, &action, &from, &to, &e.Actor, &e.Reason, &changes, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Action = domain.Action(action)
		e.FromStatus = domain.CorrectionStatus(from)
		e.ToStatus = domain.CorrectionStatus(to)
		e.At = parseTime(at)
		if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
			return nil, fmt.Errorf("event %d changes: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
