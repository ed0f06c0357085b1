package sqlstore

import (
	"context"

	"github.com/uptrace/bun"
)

type txContextKey struct{}

// WithTx returns a context carrying tx. Stores reached with that context run
// their statements on tx, and their own transactions become savepoints in it,
// so work done inside an event attempt commits or rolls back with the attempt.
// The stores must share the database tx was opened on.
func WithTx(ctx context.Context, tx bun.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction installed by WithTx.
func TxFromContext(ctx context.Context) (bun.Tx, bool) {
	if ctx == nil {
		return bun.Tx{}, false
	}
	tx, ok := ctx.Value(txContextKey{}).(bun.Tx)
	return tx, ok
}

// conn returns the transaction carried by ctx, or db outside one.
func conn(ctx context.Context, db *bun.DB) bun.IDB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}
