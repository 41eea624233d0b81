package engine

import "github.com/htapdb/htapdb/pkg/txn"

// Transaction is a re-export of pkg/txn.Transaction: Begin/Commit/Rollback
// plus read-your-own-writes Get/Put/Delete (spec.md §6
// "Transaction::{insert,delete,get,commit,rollback}").
type Transaction = txn.Transaction

// Begin starts a new transaction at the current read_ts snapshot.
func (e *Engine) Begin() *Transaction {
	return e.txnMgr.Begin()
}

// ActiveTransactionCount returns the number of currently open transactions,
// used by administration/metrics surfaces.
func (e *Engine) ActiveTransactionCount() int {
	return e.txnMgr.ActiveCount()
}
