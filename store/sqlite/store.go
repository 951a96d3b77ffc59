// Package sqlite implements the Local Ledger Store on an embedded SQLite
// database. Every record write and its journal append run in one SQL
// transaction, and the connection pool is limited to a single connection
// so the process is the only writer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/journal"
	ledgerstore "github.com/xraph/ledgersync/store"
	"github.com/xraph/ledgersync/transaction"
)

// compile-time interface check
var _ ledgerstore.Store = (*Store)(nil)

const (
	keyCursor   = "cursor"
	keyLocalSeq = "local_seq"
	keyDeviceID = "device_id"
)

// Store implements store.Store on SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the database file at path. Call Migrate
// before use.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledgersync/sqlite: create database directory %s: %w", dir, err)
		}
	}

	dsn := "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledgersync/sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledgersync/sqlite: connect: %w", err)
	}

	return &Store{
		db:   db,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(_ context.Context) error {
	if err := s.runMigrations(); err != nil {
		return fmt.Errorf("%w: %w", ledgersync.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		if strings.Contains(err.Error(), "database is closed") {
			return ledgersync.ErrStoreClosed
		}
		return fault("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Atomic local mutations ====================

func (s *Store) RecordLocal(ctx context.Context, t *transaction.Transaction, op journal.Operation) (int64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("%w: journal operation %q", ledgersync.ErrInvalidInput, op)
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}

	var seq int64
	err := s.execTx(ctx, "record local", func(tx *sql.Tx) error {
		var err error
		seq, err = s.recordTx(ctx, tx, t, op)
		return err
	})
	return seq, err
}

func (s *Store) recordTx(ctx context.Context, tx *sql.Tx, t *transaction.Transaction, op journal.Operation) (int64, error) {
	var stored int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM ledger_transactions WHERE id = ?`, t.ID.String(),
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	case t.Version <= stored:
		return 0, fmt.Errorf("%w: %s v%d <= stored v%d", ledgersync.ErrStaleVersion, t.ID, t.Version, stored)
	}

	localSeq, err := nextLocalSeq(ctx, tx)
	if err != nil {
		return 0, err
	}

	m := toTransactionModel(t)
	_, err = tx.ExecContext(ctx, `
INSERT INTO ledger_transactions (
    id, user_id, amount, currency, kind, category, timestamp, note,
    version, deleted, remote_version, local_seq, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    user_id = excluded.user_id,
    amount = excluded.amount,
    currency = excluded.currency,
    kind = excluded.kind,
    category = excluded.category,
    timestamp = excluded.timestamp,
    note = excluded.note,
    version = excluded.version,
    deleted = excluded.deleted,
    local_seq = excluded.local_seq,
    created_at = excluded.created_at,
    updated_at = excluded.updated_at`,
		m.ID, m.UserID, m.Amount, m.Currency, m.Kind, m.Category, m.Timestamp, m.Note,
		m.Version, m.Deleted, localSeq, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}

	now := toNanos(s.now())
	res, err := tx.ExecContext(ctx, `
INSERT INTO ledger_journal (transaction_id, operation, payload_version, state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, string(op), m.Version, string(journal.StatePending), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) MarkDeleted(ctx context.Context, txnID id.TransactionID, at time.Time) (*transaction.Transaction, int64, error) {
	var (
		out *transaction.Transaction
		seq int64
	)
	err := s.execTx(ctx, "mark deleted", func(tx *sql.Tx) error {
		current, err := scanTransaction(tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = ?`, txnID.String()))
		if errors.Is(err, sql.ErrNoRows) {
			return ledgersync.ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if current.Deleted {
			out = current
			return nil
		}

		tomb := current.Clone()
		tomb.Deleted = true
		tomb.Version++
		tomb.Touch(at)

		seq, err = s.recordTx(ctx, tx, tomb, journal.OpDelete)
		if err != nil {
			return err
		}
		out, err = scanTransaction(tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = ?`, txnID.String()))
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return out, seq, nil
}

// ==================== Transaction reads and sync bookkeeping ====================

func (s *Store) GetTransaction(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = ?`, txnID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledgersync.ErrTransactionNotFound
		}
		return nil, fault("get transaction", err)
	}
	return t, nil
}

func (s *Store) ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if !opts.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Category != "" {
		where = append(where, "category = ?")
		args = append(args, opts.Category)
	}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if !opts.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, toNanos(opts.From))
	}
	if !opts.To.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, toNanos(opts.To))
	}

	q := `SELECT ` + transactionColumns + ` FROM ledger_transactions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY timestamp DESC, id ASC`

	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fault("list transactions", err)
	}
	result, err := scanTransactions(rows)
	if err != nil {
		return nil, fault("list transactions", err)
	}
	return result, nil
}

func (s *Store) ListSince(ctx context.Context, afterLocalSeq int64, limit int) ([]*transaction.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions
WHERE local_seq > ? ORDER BY local_seq ASC LIMIT ?`, afterLocalSeq, limit)
	if err != nil {
		return nil, fault("list since", err)
	}
	result, err := scanTransactions(rows)
	if err != nil {
		return nil, fault("list since", err)
	}
	return result, nil
}

func (s *Store) ApplyRemote(ctx context.Context, t *transaction.Transaction) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	base, err := encodeBase(t)
	if err != nil {
		return false, err
	}

	applied := false
	err = s.execTx(ctx, "apply remote", func(tx *sql.Tx) error {
		var stored int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM ledger_transactions WHERE id = ?`, t.ID.String(),
		).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case t.Version <= stored:
			return nil
		}

		localSeq, err := nextLocalSeq(ctx, tx)
		if err != nil {
			return err
		}

		m := toTransactionModel(t)
		_, err = tx.ExecContext(ctx, `
INSERT INTO ledger_transactions (
    id, user_id, amount, currency, kind, category, timestamp, note,
    version, deleted, remote_version, local_seq, base, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    user_id = excluded.user_id,
    amount = excluded.amount,
    currency = excluded.currency,
    kind = excluded.kind,
    category = excluded.category,
    timestamp = excluded.timestamp,
    note = excluded.note,
    version = excluded.version,
    deleted = excluded.deleted,
    remote_version = excluded.remote_version,
    local_seq = excluded.local_seq,
    base = excluded.base,
    created_at = excluded.created_at,
    updated_at = excluded.updated_at`,
			m.ID, m.UserID, m.Amount, m.Currency, m.Kind, m.Category, m.Timestamp, m.Note,
			m.Version, m.Deleted, m.Version, localSeq, base, m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) SetSynced(ctx context.Context, remote *transaction.Transaction) error {
	base, err := encodeBase(remote)
	if err != nil {
		return err
	}

	return s.execTx(ctx, "set synced", func(tx *sql.Tx) error {
		var known int64
		err := tx.QueryRowContext(ctx,
			`SELECT remote_version FROM ledger_transactions WHERE id = ?`, remote.ID.String(),
		).Scan(&known)
		if errors.Is(err, sql.ErrNoRows) {
			return ledgersync.ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if remote.Version < known {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger_transactions SET remote_version = ?, base = ? WHERE id = ?`,
			remote.Version, base, remote.ID.String())
		return err
	})
}

func (s *Store) GetBase(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT base FROM ledger_transactions WHERE id = ?`, txnID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledgersync.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fault("get base", err)
	}
	return decodeBase(raw)
}

func (s *Store) PurgeTombstone(ctx context.Context, txnID id.TransactionID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM ledger_transactions
WHERE id = ? AND deleted = 1 AND remote_version >= version
  AND NOT EXISTS (SELECT 1 FROM ledger_journal WHERE transaction_id = ?)`,
		txnID.String(), txnID.String())
	if err != nil {
		return false, fault("purge tombstone", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault("purge tombstone", err)
	}
	return n > 0, nil
}

// ==================== Journal ====================

func (s *Store) PendingEntries(ctx context.Context) ([]*journal.Entry, error) {
	return s.queryEntries(ctx, "pending entries", `ORDER BY seq ASC`)
}

func (s *Store) EntriesFor(ctx context.Context, txnID id.TransactionID) ([]*journal.Entry, error) {
	return s.queryEntries(ctx, "entries for", `WHERE transaction_id = ? ORDER BY seq ASC`, txnID.String())
}

func (s *Store) queryEntries(ctx context.Context, op, clause string, args ...any) ([]*journal.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, transaction_id, operation, payload_version, state, fail_reason, attempts, created_at, updated_at
FROM ledger_journal `+clause, args...)
	if err != nil {
		return nil, fault(op, err)
	}
	defer rows.Close()

	var result []*journal.Entry
	for rows.Next() {
		var (
			e                    journal.Entry
			txnID, kind, state   string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&e.Seq, &txnID, &kind, &e.PayloadVersion, &state, &e.FailReason,
			&e.Attempts, &createdAt, &updatedAt); err != nil {
			return nil, fault(op, err)
		}
		if e.TransactionID, err = id.Parse(txnID); err != nil {
			return nil, fault(op, err)
		}
		e.Operation = journal.Operation(kind)
		e.State = journal.PushState(state)
		e.CreatedAt = fromNanos(createdAt)
		e.UpdatedAt = fromNanos(updatedAt)
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault(op, err)
	}
	return result, nil
}

func (s *Store) MarkInFlight(ctx context.Context, seq int64) error {
	return s.execTx(ctx, "mark in flight", func(tx *sql.Tx) error {
		var txnID string
		err := tx.QueryRowContext(ctx,
			`SELECT transaction_id FROM ledger_journal WHERE seq = ?`, seq).Scan(&txnID)
		if errors.Is(err, sql.ErrNoRows) {
			return journal.ErrEntryNotFound
		}
		if err != nil {
			return err
		}

		var other int64
		err = tx.QueryRowContext(ctx, `
SELECT seq FROM ledger_journal
WHERE transaction_id = ? AND state = 'in_flight' AND seq <> ? LIMIT 1`, txnID, seq).Scan(&other)
		if err == nil {
			return fmt.Errorf("%w: %s (seq %d)", journal.ErrAlreadyInFlight, txnID, other)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE ledger_journal SET state = 'in_flight', attempts = attempts + 1, updated_at = ?
WHERE seq = ?`, toNanos(s.now()), seq)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", journal.ErrAlreadyInFlight, txnID)
		}
		return err
	})
}

func (s *Store) MarkConfirmed(ctx context.Context, seq int64) error {
	return s.setState(ctx, seq, journal.StateConfirmed, "")
}

func (s *Store) MarkFailed(ctx context.Context, seq int64, reason string) error {
	return s.setState(ctx, seq, journal.StateFailed, reason)
}

func (s *Store) MarkPending(ctx context.Context, seq int64) error {
	return s.setState(ctx, seq, journal.StatePending, "")
}

func (s *Store) setState(ctx context.Context, seq int64, state journal.PushState, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_journal SET state = ?, fail_reason = ?, updated_at = ? WHERE seq = ?`,
		string(state), reason, toNanos(s.now()), seq)
	if err != nil {
		return fault("set journal state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault("set journal state", err)
	}
	if n == 0 {
		return journal.ErrEntryNotFound
	}
	return nil
}

func (s *Store) Retire(ctx context.Context, txnID id.TransactionID, throughSeq int64) (int, error) {
	var retired int64
	err := s.execTx(ctx, "retire", func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM ledger_journal WHERE seq = ? AND transaction_id = ?`,
			throughSeq, txnID.String()).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return journal.ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		if journal.PushState(state) != journal.StateConfirmed {
			return fmt.Errorf("%w: seq %d is %s", ledgersync.ErrNotConfirmed, throughSeq, state)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM ledger_journal WHERE transaction_id = ? AND seq <= ?`,
			txnID.String(), throughSeq)
		if err != nil {
			return err
		}
		retired, err = res.RowsAffected()
		return err
	})
	return int(retired), err
}

func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_journal SET state = 'pending', updated_at = ? WHERE state = 'in_flight'`,
		toNanos(s.now()))
	return affected("reset in flight", res, err)
}

func (s *Store) RequeueFailed(ctx context.Context, txnID id.TransactionID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE ledger_journal SET state = 'pending', fail_reason = '', updated_at = ?
WHERE state = 'failed' AND transaction_id = ?`, toNanos(s.now()), txnID.String())
	return affected("requeue failed", res, err)
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_journal WHERE state <> 'confirmed'`).Scan(&n)
	if err != nil {
		return 0, fault("pending count", err)
	}
	return n, nil
}

func (s *Store) HasPending(ctx context.Context, txnID id.TransactionID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM ledger_journal WHERE transaction_id = ? AND state <> 'confirmed')`,
		txnID.String()).Scan(&exists)
	if err != nil {
		return false, fault("has pending", err)
	}
	return exists, nil
}

// ==================== Sync state ====================

func (s *Store) GetCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM ledger_sync_state WHERE key = ?`, keyCursor).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fault("get cursor", err)
	}
	return cursor, nil
}

func (s *Store) SetCursor(ctx context.Context, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_sync_state (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, keyCursor, cursor)
	if err != nil {
		return fault("set cursor", err)
	}
	return nil
}

func (s *Store) DeviceID(ctx context.Context) (string, error) {
	var deviceID string
	err := s.execTx(ctx, "device id", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM ledger_sync_state WHERE key = ?`, keyDeviceID).Scan(&deviceID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		deviceID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_sync_state (key, value) VALUES (?, ?)`, keyDeviceID, deviceID)
		return err
	})
	return deviceID, err
}

// ==================== Helpers ====================

// execTx runs fn in one SQL transaction. Domain errors returned by fn pass
// through untouched; driver errors become storage faults.
func (s *Store) execTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault(op, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fault(op, fmt.Errorf("%w (rollback: %v)", err, rbErr))
		}
		if isDomainError(err) {
			return err
		}
		return fault(op, err)
	}

	if err := tx.Commit(); err != nil {
		return fault(op, err)
	}
	return nil
}

func nextLocalSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO ledger_sync_state (key, value) VALUES (?, '1')
ON CONFLICT(key) DO UPDATE SET value = CAST(value AS INTEGER) + 1
RETURNING CAST(value AS INTEGER)`, keyLocalSeq).Scan(&next)
	return next, err
}

func affected(op string, res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, fault(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault(op, err)
	}
	return int(n), nil
}

func fault(op string, err error) error {
	return ledgersync.NewStorageFault(op, fmt.Errorf("ledgersync/sqlite: %s: %w", op, err))
}

func isDomainError(err error) bool {
	return errors.Is(err, ledgersync.ErrTransactionNotFound) ||
		errors.Is(err, ledgersync.ErrStaleVersion) ||
		errors.Is(err, ledgersync.ErrNotConfirmed) ||
		errors.Is(err, ledgersync.ErrInvalidInput) ||
		errors.Is(err, transaction.ErrInvalid) ||
		errors.Is(err, journal.ErrEntryNotFound) ||
		errors.Is(err, journal.ErrAlreadyInFlight)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
