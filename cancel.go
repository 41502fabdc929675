package pgstream

import (
	"context"
	"fmt"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
)

// Cancel asks the server to abort whatever this connection is currently
// executing. It opens a second, short-lived connection to the same
// endpoint, writes the literal CancelRequest frame, and closes without
// awaiting a reply. The cancel response path never touches
// TransactionStatus since it bypasses the exchange queue entirely.
func (c *Conn) Cancel(ctx context.Context) error {
	pid := c.ProcessID()
	secret := c.secretKeyUnsafe()

	raw, err := dial(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("pgstream: dialing cancel connection: %w", err)
	}
	defer raw.Close()

	writer := buffer.NewWriter(c.logger, raw)
	writer.StartUntyped()
	writer.AddInt32(int32(types.VersionCancel))
	writer.AddInt32(pid)
	writer.AddInt32(secret)

	return writer.EndUntyped()
}
