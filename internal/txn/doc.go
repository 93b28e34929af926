// Package txn coordinates local transactions across database/sql pools and
// wraps functions in them.
//
// A Transaction lives in a context.Context. Manager.Begin returns a derived
// context carrying the new transaction; any pool enlisted through that context
// runs on a *sql.Tx owned by the transaction until Commit or Rollback.
//
// The Interceptor is the declarative front end:
//
//	attr := txn.Attribute{
//		Name:       "orders.Place",
//		RollbackOn: []txn.RollbackRule{txn.RollbackOn[*ValidationError]()},
//	}
//	id, err := txn.Call(ctx, interceptor, attr, func(ctx context.Context) (int64, error) {
//		return placeOrder(ctx, order)
//	})
//
// It begins a transaction when none is active, commits on success and, on
// failure, rolls back only when the first matching rule says so. A failed
// lookup of the transaction manager degrades to calling the function without
// a transaction.
package txn
