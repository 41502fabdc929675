// Package codec adapts a *pgtype.Map (jackc/pgx/v5) into an ordered codec
// registry: a list of codecs queried in registration order, first match
// wins, each satisfying canDecode/decode/canEncode/encode/encodeNull/
// preferredType. A client must decode bytes whose Postgres OID it learns
// only from RowDescription, and encode Go values into bytes whose OID it
// learns only from ParameterDescription (or not at all, for the simple
// query protocol).
package codec

import "reflect"

// Parameter is the encode result: the wire format the bytes are in, the OID
// they were encoded against, and the bytes themselves. A nil Value means SQL
// NULL (-1 length on the wire); this is intentionally distinct from
// pgstream.Parameter (rather than importing it) since pgstream imports this
// package and a cycle isn't possible.
type Parameter struct {
	Format int16
	OID    uint32
	Value  []byte
}

// Codec is one entry in the registry's ordered list. encode additionally
// reports the OID it encoded value against, since the registry's own
// first-match dispatch (`Registry.Encode`) is the only place that knows
// it; a caller with only the returned bytes has no way to recover it.
type Codec interface {
	canDecode(oid uint32, format int16) bool
	decode(raw []byte, oid uint32, format int16) (any, error)
	canEncode(value any) bool
	encode(value any, format int16) (raw []byte, oid uint32, err error)
	encodeNull(oid uint32) Parameter
	preferredType(oid uint32, format int16) reflect.Type
}
