package pgstream

import (
	"context"
	"fmt"

	"github.com/lib/pgstream/pkg/types"
)

// Tx represents an open transaction on a Conn. Transaction control is
// issued over the simple-query protocol; the wire protocol has no
// dedicated transaction-control message.
type Tx struct {
	conn *Conn
}

// Begin starts a transaction, a no-op returning the current transaction if
// TransactionStatus already reports one open.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	if c.state.TransactionStatus() == types.TransactionInProgress {
		return &Tx{conn: c}, nil
	}

	if err := c.execSimple(ctx, "BEGIN"); err != nil {
		return nil, err
	}

	return &Tx{conn: c}, nil
}

// Commit commits the transaction, a no-op if the connection is already
// idle.
func (t *Tx) Commit(ctx context.Context) error {
	if t.conn.state.TransactionStatus() == types.TransactionIdle {
		return nil
	}

	return t.conn.execSimple(ctx, "COMMIT")
}

// Rollback rolls back the transaction, a no-op if the connection is already
// idle.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.conn.state.TransactionStatus() == types.TransactionIdle {
		return nil
	}

	return t.conn.execSimple(ctx, "ROLLBACK")
}

// Savepoint establishes a named savepoint within the transaction.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	return t.conn.execSimple(ctx, fmt.Sprintf("SAVEPOINT %s", name))
}

// RollbackTo rolls back to a previously established savepoint.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	return t.conn.execSimple(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", name))
}

// ReleaseSavepoint releases a previously established savepoint.
func (t *Tx) ReleaseSavepoint(ctx context.Context, name string) error {
	return t.conn.execSimple(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", name))
}
