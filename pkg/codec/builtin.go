package codec

import (
	"fmt"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// preferredTypes maps well-known OIDs to the Go type a caller gets back
// when no explicit target is requested, independent of format.
var preferredTypes = map[uint32]reflect.Type{
	pgtype.BoolOID:        reflect.TypeOf(false),
	pgtype.Int2OID:        reflect.TypeOf(int16(0)),
	pgtype.Int4OID:        reflect.TypeOf(int32(0)),
	pgtype.Int8OID:        reflect.TypeOf(int64(0)),
	pgtype.Float4OID:      reflect.TypeOf(float32(0)),
	pgtype.Float8OID:      reflect.TypeOf(float64(0)),
	pgtype.TextOID:        reflect.TypeOf(""),
	pgtype.VarcharOID:     reflect.TypeOf(""),
	pgtype.BPCharOID:      reflect.TypeOf(""),
	pgtype.ByteaOID:       reflect.TypeOf([]byte(nil)),
	pgtype.DateOID:        reflect.TypeOf(time.Time{}),
	pgtype.TimeOID:        reflect.TypeOf(time.Duration(0)),
	pgtype.TimestampOID:   reflect.TypeOf(time.Time{}),
	pgtype.TimestamptzOID: reflect.TypeOf(time.Time{}),
	pgtype.IntervalOID:    reflect.TypeOf(time.Duration(0)),
	pgtype.UUIDOID:        reflect.TypeOf([16]byte{}),
	pgtype.JSONOID:        reflect.TypeOf([]byte(nil)),
	pgtype.JSONBOID:       reflect.TypeOf([]byte(nil)),
	pgtype.Int2ArrayOID:   reflect.TypeOf([]int16(nil)),
	pgtype.Int4ArrayOID:   reflect.TypeOf([]int32(nil)),
	pgtype.Int8ArrayOID:   reflect.TypeOf([]int64(nil)),
	pgtype.TextArrayOID:   reflect.TypeOf([]string(nil)),
	pgtype.Float4ArrayOID: reflect.TypeOf([]float32(nil)),
	pgtype.Float8ArrayOID: reflect.TypeOf([]float64(nil)),
	pgtype.BoolArrayOID:   reflect.TypeOf([]bool(nil)),
}

// pgtypeCodec delegates INT2/4/8, FLOAT4/8, NUMERIC, BOOL, CHAR/VARCHAR/
// TEXT, BYTEA, DATE/TIME/TIMESTAMP/TIMESTAMPTZ/INTERVAL, UUID, JSON/JSONB,
// and arrays of all of the above to the underlying *pgtype.Map
// (`tm.TypeForOID(oid)` then `typed.Codec.DecodeValue`, and the mirror
// for encode).
type pgtypeCodec struct {
	m *pgtype.Map
}

func (c *pgtypeCodec) canDecode(oid uint32, _ int16) bool {
	_, ok := c.m.TypeForOID(oid)
	return ok
}

func (c *pgtypeCodec) decode(raw []byte, oid uint32, format int16) (any, error) {
	if raw == nil {
		return nil, nil
	}

	t, ok := c.m.TypeForOID(oid)
	if !ok {
		return nil, fmt.Errorf("codec: no pgtype registered for oid %d", oid)
	}

	return t.Codec.DecodeValue(c.m, oid, format, raw)
}

func (c *pgtypeCodec) canEncode(value any) bool {
	_, ok := c.m.TypeForValue(value)
	return ok
}

func (c *pgtypeCodec) encode(value any, format int16) ([]byte, uint32, error) {
	t, ok := c.m.TypeForValue(value)
	if !ok {
		return nil, 0, fmt.Errorf("codec: no pgtype registered for %T", value)
	}

	raw, err := c.m.Encode(t.OID, format, value, nil)
	if err != nil {
		return nil, 0, err
	}

	return raw, t.OID, nil
}

func (c *pgtypeCodec) encodeNull(_ uint32) Parameter {
	return Parameter{Value: nil}
}

func (c *pgtypeCodec) preferredType(oid uint32, _ int16) reflect.Type {
	if t, ok := preferredTypes[oid]; ok {
		return t
	}

	return reflect.TypeOf("")
}
