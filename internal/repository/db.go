package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// dbtx is satisfied by *sql.DB and *sql.Tx so every repo can run either
// standalone or inside a Store transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist.
func InitDB(dsn string) (*sql.DB, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serialises writers; row versions guard the rest.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payroll_runs (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			employee_name TEXT NOT NULL DEFAULT '',
			pay_date TEXT NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			gross_cents INTEGER NOT NULL,
			net_cents INTEGER NOT NULL,
			federal_cents INTEGER NOT NULL,
			state_cents INTEGER NOT NULL,
			fica_cents INTEGER NOT NULL,
			currency TEXT NOT NULL,
			tax_method TEXT NOT NULL,
			jurisdiction TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payroll_runs_employee ON payroll_runs(employee_id)`,

		`CREATE TABLE IF NOT EXISTS corrections (
			id TEXT PRIMARY KEY,
			correction_type TEXT NOT NULL,
			employee_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			original_payroll_id TEXT NOT NULL DEFAULT '',
			payroll_fingerprint TEXT NOT NULL DEFAULT '',
			bank_account_id TEXT NOT NULL DEFAULT '',
			jurisdiction TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			approved_by TEXT NOT NULL DEFAULT '',
			approved_at DATETIME,
			cancel_reason TEXT NOT NULL DEFAULT '',
			completed_at DATETIME,
			updated_at DATETIME NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_status ON corrections(status)`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_type ON corrections(correction_type)`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_employee ON corrections(employee_id)`,

		`CREATE TABLE IF NOT EXISTS correction_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correction_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			changes TEXT NOT NULL,
			at DATETIME NOT NULL,
			UNIQUE (correction_id, seq),
			FOREIGN KEY (correction_id) REFERENCES corrections(id)
		)`,

		`CREATE TABLE IF NOT EXISTS bank_accounts (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			owner_type TEXT NOT NULL,
			holder_name TEXT NOT NULL,
			account_type TEXT NOT NULL,
			routing_last4 TEXT NOT NULL,
			account_last4 TEXT NOT NULL,
			sealed BLOB NOT NULL,
			status TEXT NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0,
			split_type TEXT NOT NULL DEFAULT '',
			split_amount TEXT NOT NULL DEFAULT '0',
			verification_method TEXT NOT NULL DEFAULT '',
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			micro_deposits TEXT NOT NULL DEFAULT '',
			prenote_matures_at DATETIME,
			verified_at DATETIME,
			version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bank_accounts_owner ON bank_accounts(owner_id)`,

		`CREATE TABLE IF NOT EXISTS ach_batches (
			id TEXT PRIMARY KEY,
			batch_type TEXT NOT NULL,
			effective_date TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			submitted_at DATETIME,
			closed_at DATETIME,
			UNIQUE (batch_type, effective_date, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ach_batches_status ON ach_batches(status)`,

		`CREATE TABLE IF NOT EXISTS ach_transactions (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			trace_number TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			currency TEXT NOT NULL,
			txn_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			individual_name TEXT NOT NULL DEFAULT '',
			individual_id TEXT NOT NULL DEFAULT '',
			correction_id TEXT NOT NULL DEFAULT '',
			source_key TEXT NOT NULL UNIQUE,
			prenote INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			return_code TEXT NOT NULL DEFAULT '',
			return_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			UNIQUE (batch_id, seq),
			FOREIGN KEY (batch_id) REFERENCES ach_batches(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ach_transactions_correction ON ach_transactions(correction_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ach_transactions_account ON ach_transactions(account_id)`,

		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS nacha_files (
			id TEXT PRIMARY KEY,
			file_hash TEXT NOT NULL,
			batch_key TEXT UNIQUE NOT NULL,
			content BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nacha_file_batches (
			file_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			PRIMARY KEY (file_id, batch_id),
			FOREIGN KEY (file_id) REFERENCES nacha_files(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nacha_file_batches_batch ON nacha_file_batches(batch_id)`,

		`CREATE TABLE IF NOT EXISTS return_files (
			id TEXT PRIMARY KEY,
			file_hash TEXT UNIQUE NOT NULL,
			record_count INTEGER NOT NULL,
			ingested_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ach_returns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id TEXT NOT NULL,
			return_code TEXT NOT NULL,
			return_reason TEXT NOT NULL DEFAULT '',
			corrected_data TEXT NOT NULL DEFAULT '',
			disposition TEXT NOT NULL,
			requeued_txn_id TEXT NOT NULL DEFAULT '',
			processed_at DATETIME NOT NULL,
			UNIQUE (transaction_id, return_code)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// Store hands out repos bound to the pool, or to one transaction via InTx.
type Store struct {
	db *sql.DB
	Repos
}

// Repos is the set of repositories sharing one connection or transaction.
type Repos struct {
	Payroll     *PayrollRepo
	Corrections *CorrectionRepo
	Accounts    *BankAccountRepo
	Batches     *BatchRepo
	Files       *NachaFileRepo
	Returns     *ReturnRepo
}

func newRepos(q dbtx) Repos {
	return Repos{
		Payroll:     NewPayrollRepo(q),
		Corrections: NewCorrectionRepo(q),
		Accounts:    NewBankAccountRepo(q),
		Batches:     NewBatchRepo(q),
		Files:       NewNachaFileRepo(q),
		Returns:     NewReturnRepo(q),
	}
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, Repos: newRepos(db)}
}

// InTx runs fn against repos bound to a single transaction. The transaction
// commits only if fn returns nil. fn must not use the Store's own repos:
// the pool has one connection and the transaction holds it.
func (s *Store) InTx(ctx context.Context, fn func(tx Repos) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(newRepos(sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- helpers ---

// Fixed-width so timestamps sort lexically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func pageBounds(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

type scanner interface {
	Scan(dest ...any) error
}
