package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/transaction"
	"github.com/xraph/ledgersync/types"
)

// Times are stored as unix nanoseconds; BSON dates only keep milliseconds
// and updatedAt ties must compare exactly on every device.
type transactionModel struct {
	ID        string `bson:"_id"`
	UserID    string `bson:"user_id"`
	Amount    int64  `bson:"amount"`
	Currency  string `bson:"currency"`
	Kind      string `bson:"kind"`
	Category  string `bson:"category"`
	Timestamp int64  `bson:"timestamp"`
	Note      string `bson:"note,omitempty"`
	Version   int64  `bson:"version"`
	Deleted   bool   `bson:"deleted"`
	CreatedAt int64  `bson:"created_at"`
	UpdatedAt int64  `bson:"updated_at"`
	Seq       int64  `bson:"seq"`
	Origin    string `bson:"origin,omitempty"`
}

type counterModel struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

func toTransactionModel(t *transaction.Transaction, seq int64, origin string) *transactionModel {
	return &transactionModel{
		ID:        t.ID.String(),
		UserID:    t.UserID,
		Amount:    t.Amount.Amount,
		Currency:  t.Amount.Currency,
		Kind:      string(t.Kind),
		Category:  t.Category,
		Timestamp: toNanos(t.Timestamp),
		Note:      t.Note,
		Version:   t.Version,
		Deleted:   t.Deleted,
		CreatedAt: toNanos(t.CreatedAt),
		UpdatedAt: toNanos(t.UpdatedAt),
		Seq:       seq,
		Origin:    origin,
	}
}

func fromTransactionModel(m *transactionModel) (*transaction.Transaction, error) {
	txnID, err := id.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("ledgersync/mongo: stored id: %w", err)
	}
	return &transaction.Transaction{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:        txnID,
		UserID:    m.UserID,
		Amount:    types.Money{Amount: m.Amount, Currency: m.Currency},
		Kind:      transaction.Kind(m.Kind),
		Category:  m.Category,
		Timestamp: fromNanos(m.Timestamp),
		Note:      m.Note,
		Version:   m.Version,
		Deleted:   m.Deleted,
	}, nil
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
