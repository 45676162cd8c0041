package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

// NachaFile is a generated file kept for download and re-generation.
type NachaFile struct {
	ID        string    `json:"id"`
	FileHash  string    `json:"file_hash"`
	BatchIDs  []string  `json:"batch_ids"`
	Content   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type NachaFileRepo struct {
	db dbtx
}

func NewNachaFileRepo(db dbtx) *NachaFileRepo {
	return &NachaFileRepo{db: db}
}

// BatchKey is the canonical identity of a set of batches.
func BatchKey(batchIDs []string) string {
	ids := append([]string(nil), batchIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// GetByBatchSet returns the file previously generated for exactly these
// batches, or nil.
func (r *NachaFileRepo) GetByBatchSet(ctx context.Context, batchIDs []string) (*NachaFile, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, file_hash, batch_key, content, created_at FROM nacha_files WHERE batch_key = ?",
		BatchKey(batchIDs))
	f, err := scanNachaFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get nacha file: %w", err)
	}
	return f, nil
}

// LatestForBatch returns the most recent file containing batchID.
func (r *NachaFileRepo) LatestForBatch(ctx context.Context, batchID string) (*NachaFile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT f.id, f.file_hash, f.batch_key, f.content, f.created_at
		FROM nacha_files f JOIN nacha_file_batches fb ON fb.file_id = f.id
		WHERE fb.batch_id = ? ORDER BY f.created_at DESC LIMIT 1`, batchID)
	f, err := scanNachaFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("no NACHA file generated for batch %s", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get nacha file: %w", err)
	}
	return f, nil
}

func (r *NachaFileRepo) Insert(ctx context.Context, f *NachaFile) error {
	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO nacha_files (id, file_hash, batch_key, content, created_at) VALUES (?,?,?,?,?)",
		f.ID, f.FileHash, BatchKey(f.BatchIDs), f.Content, formatTime(f.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert nacha file: %w", err)
	}
	for _, id := range f.BatchIDs {
		if _, err := r.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO nacha_file_batches (file_id, batch_id) VALUES (?,?)", f.ID, id,
		); err != nil {
			return fmt.Errorf("link batch %s: %w", id, err)
		}
	}
	return nil
}

func scanNachaFile(row scanner) (*NachaFile, error) {
	var f NachaFile
	var key, createdAt string
	if err := row.Scan(&f.ID, &f.FileHash, &key, &f.Content, &createdAt); err != nil {
		return nil, err
	}
	if key != "" {
		f.BatchIDs = strings.Split(key, ",")
	}
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}
