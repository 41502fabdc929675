package pgstream

import (
	"context"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
)

// encodeQuery writes a simple-query Query message.
func encodeQuery(sql string) encoder {
	return func(w *buffer.Writer) error {
		w.StartClient(types.ClientSimpleQuery)
		w.AddString(sql)
		w.AddNullTerminate()
		return w.EndClient()
	}
}

// SimpleRows streams the results of the simple-query protocol: zero or
// more statements, each contributing its own optional
// RowDescription/DataRow* and a trailing CommandComplete, with a single
// ReadyForQuery after the last one.
type SimpleRows struct {
	conn *Conn
	ex   *exchange

	fields []Field
	cur    Row
	tags   []CommandTag
	err    error

	finished bool
}

// QuerySimple sends sql over the simple query protocol. Multiple
// semicolon-separated statements are supported; Next walks every row of
// every statement in order.
func (c *Conn) QuerySimple(ctx context.Context, sql string) (*SimpleRows, error) {
	ex, err := c.mux.Submit(ctx, []encoder{encodeQuery(sql)})
	if err != nil {
		return nil, err
	}

	return &SimpleRows{conn: c, ex: ex}, nil
}

// Next advances to the next row across every statement in the query,
// reporting whether one is available.
func (r *SimpleRows) Next(ctx context.Context) bool {
	if r.err != nil || r.finished {
		return false
	}

	for {
		select {
		case ev, ok := <-r.ex.inbound:
			if !ok {
				r.finished = true
				return false
			}

			switch {
			case ev.err != nil:
				r.err = ev.err
				r.finished = true
				drain(r.ex)
				return false

			case ev.rowDescription != nil:
				r.fields = ev.rowDescription.Fields
				continue

			case ev.dataRow != nil:
				r.cur = Row{fields: r.fields, values: ev.dataRow.Values, codecs: r.conn.codecs}
				return true

			case ev.commandComplete != nil:
				r.tags = append(r.tags, parseCommandTag(ev.commandComplete.Tag))
				r.fields = nil
				continue

			case ev.emptyQuery:
				continue

			default:
				continue
			}

		case <-ctx.Done():
			r.err = ctx.Err()
			r.finished = true
			drain(r.ex)
			return false
		}
	}
}

// Row returns the row most recently yielded by Next.
func (r *SimpleRows) Row() Row { return r.cur }

// Fields reports the current statement's column metadata.
func (r *SimpleRows) Fields() []Field { return r.fields }

// CommandTags reports every finished statement's tag, in order.
func (r *SimpleRows) CommandTags() []CommandTag { return r.tags }

// Err returns the terminal error of the stream, if any.
func (r *SimpleRows) Err() error { return r.err }

// execSimple runs sql over the simple-query protocol and discards any rows,
// returning only an error. Used for transaction control and session
// settings: `SET search_path`, `BEGIN`/`COMMIT`/`ROLLBACK`/
// `SAVEPOINT`, `SET statement_timeout`/`SET lock_timeout`.
func (c *Conn) execSimple(ctx context.Context, sql string) error {
	rows, err := c.QuerySimple(ctx, sql)
	if err != nil {
		return err
	}

	for rows.Next(ctx) {
	}

	return rows.Err()
}
