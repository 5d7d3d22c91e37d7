package database

import (
	"context"
	"fmt"
)

// WithSavepoint runs fn under a named savepoint when ctx carries a
// transaction. A failed statement inside postgres aborts the whole
// transaction; rolling back to the savepoint keeps the outer transaction
// usable so the caller can recover from errors such as ErrDuplicateKey.
// Outside a transaction fn runs as is.
func WithSavepoint(ctx context.Context, q Queryer, name string, fn func() error) error {
	if !InTx(ctx) {
		return fn()
	}
	if _, err := q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rerr := q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rerr != nil {
			return fmt.Errorf("rollback to savepoint %s: %w", name, rerr)
		}
		return err
	}
	if _, err := q.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}
