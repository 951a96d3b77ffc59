package ledgersync

import "github.com/xraph/ledgersync/id"

// ID is the primary identifier type for all synced entities.
type ID = id.ID

// TransactionID identifies a ledger transaction.
type TransactionID = id.TransactionID

// ParseTransactionID parses a "txn_..." identifier.
var ParseTransactionID = id.ParseTransactionID
