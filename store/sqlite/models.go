package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/transaction"
	"github.com/xraph/ledgersync/types"
)

const transactionColumns = `id, user_id, amount, currency, kind, category, timestamp, note,
	version, deleted, remote_version, local_seq, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type transactionModel struct {
	ID            string
	UserID        string
	Amount        int64
	Currency      string
	Kind          string
	Category      string
	Timestamp     int64
	Note          string
	Version       int64
	Deleted       bool
	RemoteVersion int64
	LocalSeq      int64
	CreatedAt     int64
	UpdatedAt     int64
}

func toTransactionModel(t *transaction.Transaction) *transactionModel {
	return &transactionModel{
		ID:            t.ID.String(),
		UserID:        t.UserID,
		Amount:        t.Amount.Amount,
		Currency:      t.Amount.Currency,
		Kind:          string(t.Kind),
		Category:      t.Category,
		Timestamp:     toNanos(t.Timestamp),
		Note:          t.Note,
		Version:       t.Version,
		Deleted:       t.Deleted,
		RemoteVersion: t.RemoteVersion,
		LocalSeq:      t.LocalSeq,
		CreatedAt:     toNanos(t.CreatedAt),
		UpdatedAt:     toNanos(t.UpdatedAt),
	}
}

func fromTransactionModel(m *transactionModel) (*transaction.Transaction, error) {
	txnID, err := id.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("ledgersync/sqlite: stored id: %w", err)
	}
	return &transaction.Transaction{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:            txnID,
		UserID:        m.UserID,
		Amount:        types.Money{Amount: m.Amount, Currency: m.Currency},
		Kind:          transaction.Kind(m.Kind),
		Category:      m.Category,
		Timestamp:     fromNanos(m.Timestamp),
		Note:          m.Note,
		Version:       m.Version,
		Deleted:       m.Deleted,
		RemoteVersion: m.RemoteVersion,
		LocalSeq:      m.LocalSeq,
	}, nil
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var m transactionModel
	if err := row.Scan(
		&m.ID, &m.UserID, &m.Amount, &m.Currency, &m.Kind, &m.Category, &m.Timestamp, &m.Note,
		&m.Version, &m.Deleted, &m.RemoteVersion, &m.LocalSeq, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return fromTransactionModel(&m)
}

func scanTransactions(rows *sql.Rows) ([]*transaction.Transaction, error) {
	defer rows.Close()

	var result []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// The base snapshot is stored as JSON; it is only ever read back whole.
func encodeBase(t *transaction.Transaction) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("ledgersync/sqlite: encode base: %w", err)
	}
	return string(data), nil
}

func decodeBase(raw sql.NullString) (*transaction.Transaction, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var t transaction.Transaction
	if err := json.Unmarshal([]byte(raw.String), &t); err != nil {
		return nil, fmt.Errorf("ledgersync/sqlite: decode base: %w", err)
	}
	return &t, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
