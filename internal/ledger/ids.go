package ledger

import "github.com/mbd888/gigledger/internal/idgen"

func newWalletID() string { return idgen.WithPrefix("wal_") }

func newTransactionID() string { return idgen.WithPrefix("txn_") }
