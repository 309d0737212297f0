package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a transaction. Repositories called with ctx join tx automatically.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption tunes a single RunTransaction call.
type TxOption func(*txSettings)

type txSettings struct {
	attempts int
	timeout  time.Duration
}

var defaultTxSettings = txSettings{attempts: 5, timeout: 15 * time.Second}

type txKey struct{}

// WithMaxAttempts raises or lowers the retry budget for aborted transactions. Reservation writes
// on popular SKUs use a larger budget than the default.
func WithMaxAttempts(n int) TxOption {
	return func(s *txSettings) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithTxTimeout caps the whole transaction including retries.
func WithTxTimeout(d time.Duration) TxOption {
	return func(s *txSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// TransactionFromContext returns the transaction started by RunTransaction further up the stack.
func TransactionFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

// RunTransaction runs fn in a Firestore transaction. A call made while ctx already carries a
// transaction runs fn inside it, so a service can span cart, stock and order writes in one commit
// while each repository still opens its own transaction when used alone.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return errors.New("firestore: transaction body is nil")
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}

	s := defaultTxSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > s.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	err = client.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		return fn(context.WithValue(txCtx, txKey{}, tx), tx)
	}, firestore.MaxAttempts(s.attempts))
	return WrapError("transaction", err)
}
