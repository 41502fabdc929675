package pgstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/cache"
	"github.com/lib/pgstream/pkg/codec"
	"github.com/lib/pgstream/pkg/types"
)

// encodeParse writes a Parse message: statement name, SQL text, and the
// caller's declared parameter OID hints (0 = "let the server infer").
func encodeParse(name, sql string, paramOIDs []uint32) encoder {
	return func(w *buffer.Writer) error {
		w.StartClient(types.ClientParse)
		w.AddString(name)
		w.AddNullTerminate()
		w.AddString(sql)
		w.AddNullTerminate()
		w.AddInt16(int16(len(paramOIDs)))
		for _, oid := range paramOIDs {
			w.AddInt32(int32(oid))
		}
		return w.EndClient()
	}
}

// encodeBind writes a Bind message binding portal to statement with the
// given parameters, requesting every result column in a single format.
func encodeBind(portal, statement string, params []codec.Parameter, resultBinary bool) encoder {
	return func(w *buffer.Writer) error {
		w.StartClient(types.ClientBind)
		w.AddString(portal)
		w.AddNullTerminate()
		w.AddString(statement)
		w.AddNullTerminate()

		w.AddInt16(int16(len(params)))
		for _, p := range params {
			w.AddInt16(p.Format)
		}

		w.AddInt16(int16(len(params)))
		for _, p := range params {
			if p.Value == nil {
				w.AddInt32(-1)
				continue
			}
			w.AddInt32(int32(len(p.Value)))
			w.AddBytes(p.Value)
		}

		w.AddInt16(1)
		if resultBinary {
			w.AddInt16(int16(BinaryFormat))
		} else {
			w.AddInt16(int16(TextFormat))
		}

		return w.EndClient()
	}
}

func encodeDescribe(kind types.DescribeMessage, name string) encoder {
	return func(w *buffer.Writer) error {
		w.StartClient(types.ClientDescribe)
		w.AddByte(byte(kind))
		w.AddString(name)
		w.AddNullTerminate()
		return w.EndClient()
	}
}

func encodeExecute(portal string, fetchSize int32) encoder {
	return func(w *buffer.Writer) error {
		w.StartClient(types.ClientExecute)
		w.AddString(portal)
		w.AddNullTerminate()
		w.AddInt32(fetchSize)
		return w.EndClient()
	}
}

func encodeClose(kind types.DescribeMessage, name string) encoder {
	return func(w *buffer.Writer) error {
		w.StartClient(types.ClientClose)
		w.AddByte(byte(kind))
		w.AddString(name)
		w.AddNullTerminate()
		return w.EndClient()
	}
}

func encodeSync() encoder {
	return func(w *buffer.Writer) error {
		w.StartClient(types.ClientSync)
		return w.EndClient()
	}
}

func encodeFlush() encoder {
	return func(w *buffer.Writer) error {
		w.StartClient(types.ClientFlush)
		return w.EndClient()
	}
}

// parseStatement issues Parse·Sync as its own ReadyForQuery-bounded
// exchange and awaits ParseComplete. Sync rather than Flush keeps the
// parse step on the same exchange boundary as every other request, at the
// cost of one extra round trip on the cache-miss path only.
func (c *Conn) parseStatement(ctx context.Context, name, sql string, paramOIDs []uint32) error {
	ex, err := c.mux.Submit(ctx, []encoder{encodeParse(name, sql, paramOIDs), encodeSync()})
	if err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-ex.inbound:
			if !ok {
				return nil
			}
			if ev.err != nil {
				drain(ex)
				return ev.err
			}
		case <-ctx.Done():
			drain(ex)
			return ctx.Err()
		}
	}
}

// closeStatement issues Close(Statement, name)·Sync for a statement falling
// out of a bounded cache. Errors are intentionally not returned: eviction is
// fire-and-forget relative to cache consistency.
func (c *Conn) closeStatement(ctx context.Context, name string) {
	ex, err := c.mux.Submit(ctx, []encoder{encodeClose(types.DescribeStatement, name), encodeSync()})
	if err != nil {
		return
	}
	drain(ex)
}

// drain reads an exchange's inbound channel to completion, discarding every
// event. Used wherever this driver needs the wire kept aligned (consuming
// frames up to the next ReadyForQuery) without caring about the result.
func drain(ex *exchange) {
	for range ex.inbound {
	}
}

// CommandTag reports a finished command's tag and, where the tag carries
// one, the number of rows it affected.
type CommandTag struct {
	Tag          string
	RowsAffected int64
}

func parseCommandTag(tag string) CommandTag {
	ct := CommandTag{Tag: tag}

	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return ct
	}

	if n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64); err == nil {
		ct.RowsAffected = n
	}

	return ct
}

// Row is one decoded row of a query result, backed by the RowDescription
// fields of the Rows it came from.
type Row struct {
	fields []Field
	values [][]byte
	codecs *codec.Registry
}

// Decode returns the i'th column's value, decoded through the codec
// registry against its declared OID and format.
func (r Row) Decode(i int) (any, error) {
	if i < 0 || i >= len(r.values) {
		return nil, fmt.Errorf("pgstream: column index %d out of range", i)
	}

	f := r.fields[i]
	return r.codecs.Decode(r.values[i], f.DataTypeOID, int16(f.Format))
}

// DecodeByName decodes the column named name.
func (r Row) DecodeByName(name string) (any, error) {
	for i, f := range r.fields {
		if f.Name == name {
			return r.Decode(i)
		}
	}

	return nil, fmt.Errorf("pgstream: no column named %q", name)
}

// Values decodes every column of the row in order.
func (r Row) Values() ([]any, error) {
	out := make([]any, len(r.values))
	for i := range r.values {
		v, err := r.Decode(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}

	return out, nil
}

// Rows is a lazy, demand-driven row stream: DataRows are pulled from the
// wire only as Next is called, and a suspended portal is re-Executed
// transparently.
type Rows struct {
	conn      *Conn
	ex        *exchange
	portal    string
	fetchSize int32

	fields []Field
	noData bool
	tag    CommandTag
	cur    Row
	err    error

	finished  bool
	closeSent bool
}

// Fields reports the result's column metadata, valid once Query has
// returned successfully.
func (r *Rows) Fields() []Field { return r.fields }

// Err returns the terminal error of the stream, if any.
func (r *Rows) Err() error { return r.err }

// CommandTag reports the finished command's tag, valid once Next returns
// false and Err is nil.
func (r *Rows) CommandTag() CommandTag { return r.tag }

// Next advances to the next row, fetching more from a suspended portal as
// needed, and reports whether one is available.
func (r *Rows) Next(ctx context.Context) bool {
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
				r.finish(ctx)
				return false

			case ev.dataRow != nil:
				r.cur = Row{fields: r.fields, values: ev.dataRow.Values, codecs: r.conn.codecs}
				return true

			case ev.commandComplete != nil:
				r.tag = parseCommandTag(ev.commandComplete.Tag)
				r.finish(ctx)
				return false

			case ev.portalSuspended:
				if err := r.fetchMore(ctx); err != nil {
					r.err = err
					r.finish(ctx)
					return false
				}
				continue

			case ev.noData:
				r.noData = true
				continue

			default:
				continue
			}

		case <-ctx.Done():
			r.err = ctx.Err()
			r.finish(ctx)
			return false
		}
	}
}

// Row returns the row most recently yielded by Next.
func (r *Rows) Row() Row { return r.cur }

// Close ends the stream early, issuing Close(Portal)·Sync if it hasn't
// already been sent and draining to the next ReadyForQuery.
func (r *Rows) Close(ctx context.Context) {
	r.finish(ctx)
}

func (r *Rows) fetchMore(ctx context.Context) error {
	return r.conn.mux.Continue(ctx, []encoder{encodeExecute(r.portal, r.fetchSize), encodeFlush()})
}

// finish closes the portal (if not already closed) and drains every
// remaining event on the exchange, keeping the wire aligned by reading
// until the multiplexer closes the channel at ReadyForQuery.
func (r *Rows) finish(ctx context.Context) {
	if r.finished {
		return
	}
	r.finished = true

	if !r.closeSent {
		_ = r.conn.mux.Continue(ctx, []encoder{encodeClose(types.DescribePortal, r.portal), encodeSync()})
		r.closeSent = true
	}

	drain(r.ex)
}

func (r *Rows) awaitBindAndDescribe(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-r.ex.inbound:
			if !ok {
				return fmt.Errorf("pgstream: connection closed before BindComplete")
			}

			switch {
			case ev.err != nil:
				r.finish(ctx)
				return ev.err
			case ev.bindComplete:
				continue
			case ev.rowDescription != nil:
				r.fields = ev.rowDescription.Fields
				return nil
			case ev.noData:
				r.noData = true
				return nil
			default:
				continue
			}

		case <-ctx.Done():
			r.finish(ctx)
			return ctx.Err()
		}
	}
}

// bindParams encodes each positional argument into a wire parameter,
// inferring its OID from the Go value's own type (`Registry.Encode`) since
// the caller has not necessarily Described a statement ahead of time. A
// [Parameter] argument passes through as-is, for values the caller has
// already encoded (or that no registered codec covers).
func (c *Conn) bindParams(args []any) ([]codec.Parameter, []uint32, error) {
	params := make([]codec.Parameter, len(args))
	oids := make([]uint32, len(args))

	for i, a := range args {
		if pre, ok := a.(Parameter); ok {
			params[i] = codec.Parameter{Format: int16(pre.Format()), OID: pre.OID(), Value: pre.Value()}
			oids[i] = pre.OID()
			continue
		}

		p, err := c.codecs.Encode(a)
		if err != nil {
			return nil, nil, fmt.Errorf("pgstream: encoding parameter %d: %w", i, err)
		}
		params[i] = p
		oids[i] = p.OID
	}

	return params, oids, nil
}

// Query runs sql as an extended-query, returning a lazy row stream that
// fetches all rows in one Execute (fetchSize=0).
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (*Rows, error) {
	return c.query(ctx, sql, 0, args...)
}

// QueryWithFetchSize is Query with an explicit row-fetch chunk size; a
// PortalSuspended between chunks is handled transparently by Rows.Next.
func (c *Conn) QueryWithFetchSize(ctx context.Context, sql string, fetchSize int32, args ...any) (*Rows, error) {
	return c.query(ctx, sql, fetchSize, args...)
}

// Exec runs sql as an extended-query and discards any rows, returning only
// the finished command's tag.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	rows, err := c.query(ctx, sql, 0, args...)
	if err != nil {
		return CommandTag{}, err
	}

	for rows.Next(ctx) {
	}

	if rows.Err() != nil {
		return CommandTag{}, rows.Err()
	}

	return rows.CommandTag(), nil
}

func (c *Conn) query(ctx context.Context, sql string, fetchSize int32, args ...any) (*Rows, error) {
	params, paramOIDs, err := c.bindParams(args)
	if err != nil {
		return nil, err
	}

	key := cache.NewKey(sql, paramOIDs)
	name, err := c.statements.GetName(ctx, key,
		func(ctx context.Context, name string) error {
			return c.parseStatement(ctx, name, sql, paramOIDs)
		},
		func(ctx context.Context, name string) {
			c.closeStatement(ctx, name)
		},
	)
	if err != nil {
		return nil, err
	}

	portal := c.nextPortalName()
	resultBinary := c.codecs.PreferredFormat(0) == int16(BinaryFormat)

	frames := []encoder{
		encodeBind(portal, name, params, resultBinary),
		encodeDescribe(types.DescribePortal, portal),
		encodeExecute(portal, fetchSize),
	}
	if fetchSize == 0 {
		frames = append(frames, encodeClose(types.DescribePortal, portal), encodeSync())
	} else {
		frames = append(frames, encodeFlush())
	}

	ex, err := c.mux.Submit(ctx, frames)
	if err != nil {
		return nil, err
	}

	rows := &Rows{
		conn:      c,
		ex:        ex,
		portal:    portal,
		fetchSize: fetchSize,
		closeSent: fetchSize == 0,
	}

	if err := rows.awaitBindAndDescribe(ctx); err != nil {
		return nil, err
	}

	return rows, nil
}
