package ledgersync

import (
	"github.com/xraph/ledgersync/transaction"
	"github.com/xraph/ledgersync/types"
)

// Re-export common types for convenience so users don't have to import
// the types and transaction packages for everyday calls.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Transaction is re-exported from transaction package.
type Transaction = transaction.Transaction

// ListOpts is re-exported from transaction package.
type ListOpts = transaction.ListOpts

// Re-export Money constructors
var (
	USD        = types.USD
	EUR        = types.EUR
	JPY        = types.JPY
	Zero       = types.Zero
	Sum        = types.Sum
	ParseMoney = types.ParseMoney
)

// Re-export transaction kinds
const (
	KindExpense = transaction.KindExpense
	KindIncome  = transaction.KindIncome
)
