package codec

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numeric signs, per Postgres's on-wire NUMERIC representation
// (src/backend/utils/adt/numeric.c).
const (
	numericPositive = 0x0000
	numericNegative = 0x4000
	numericNaN      = 0xC000
)

// nbase is the base NUMERIC digit groups are expressed in on the wire: each
// int16 "digit" holds a value in [0, 10000).
const nbase = 10000

// numericCodec decodes/encodes NUMERIC directly against `decimal.Decimal`,
// registered ahead of pgtypeCodec so a NUMERIC column always yields the
// host's preferred decimal type rather than whatever pgtype.Map's own
// NumericCodec happens to produce. It works against the wire envelope
// itself (ndigits|weight|sign|dscale|digit*, base-10000 digit groups)
// since pgtype has no shopspring integration of its own in v5.
type numericCodec struct{}

func (c *numericCodec) canDecode(oid uint32, _ int16) bool {
	return oid == pgtype.NumericOID
}

func (c *numericCodec) decode(raw []byte, oid uint32, format int16) (any, error) {
	if raw == nil {
		return nil, nil
	}

	if format == 1 {
		return decodeBinaryNumeric(raw)
	}

	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("codec: decoding numeric %q: %w", raw, err)
	}

	return d, nil
}

func (c *numericCodec) canEncode(value any) bool {
	_, ok := value.(decimal.Decimal)
	return ok
}

func (c *numericCodec) encode(value any, format int16) ([]byte, uint32, error) {
	d, ok := value.(decimal.Decimal)
	if !ok {
		return nil, 0, fmt.Errorf("codec: cannot encode %T as numeric", value)
	}

	if format == 1 {
		return encodeBinaryNumeric(d), pgtype.NumericOID, nil
	}

	return []byte(d.String()), pgtype.NumericOID, nil
}

func (c *numericCodec) encodeNull(_ uint32) Parameter {
	return Parameter{Value: nil}
}

func (c *numericCodec) preferredType(_ uint32, _ int16) reflect.Type {
	return reflect.TypeOf(decimal.Decimal{})
}

// decodeBinaryNumeric parses the wire's `ndigits | weight | sign | dscale |
// digit*` NUMERIC envelope into a decimal.Decimal.
func decodeBinaryNumeric(raw []byte) (decimal.Decimal, error) {
	if len(raw) < 8 {
		return decimal.Decimal{}, fmt.Errorf("codec: truncated numeric envelope (%d bytes)", len(raw))
	}

	ndigits := int(binary.BigEndian.Uint16(raw[0:2]))
	weight := int16(binary.BigEndian.Uint16(raw[2:4]))
	sign := binary.BigEndian.Uint16(raw[4:6])
	dscale := int(binary.BigEndian.Uint16(raw[6:8]))

	if sign == numericNaN {
		return decimal.Decimal{}, fmt.Errorf("codec: NaN numeric has no decimal.Decimal representation")
	}

	if len(raw) < 8+ndigits*2 {
		return decimal.Decimal{}, fmt.Errorf("codec: truncated numeric digits (want %d, have %d bytes)", ndigits, len(raw)-8)
	}

	mantissa := new(big.Int)
	base := big.NewInt(nbase)
	for i := 0; i < ndigits; i++ {
		digit := binary.BigEndian.Uint16(raw[8+i*2 : 10+i*2])
		mantissa.Mul(mantissa, base)
		mantissa.Add(mantissa, big.NewInt(int64(digit)))
	}

	// mantissa currently represents the digit groups as an integer with an
	// implicit exponent of (ndigits-1-weight)*4 groups of base-10000; convert
	// to the power-of-ten exponent decimal.Decimal expects relative to dscale.
	scaleFromGroups := (ndigits - 1 - int(weight)) * 4
	shift := scaleFromGroups - dscale
	if shift > 0 {
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil)
		mantissa.Quo(mantissa, div)
	} else if shift < 0 {
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-shift)), nil)
		mantissa.Mul(mantissa, mul)
	}

	if sign == numericNegative {
		mantissa.Neg(mantissa)
	}

	return decimal.NewFromBigInt(mantissa, int32(-dscale)), nil
}

// encodeBinaryNumeric is the encode-direction mirror of decodeBinaryNumeric.
// It works from d.String() rather than decimal's internal coefficient/
// exponent accessors, since those vary across shopspring/decimal releases;
// the string form ("-123.4500") is stable across every version.
func encodeBinaryNumeric(d decimal.Decimal) []byte {
	negative, intPart, fracPart := splitDecimalString(d.String())

	coeff := new(big.Int)
	coeff.SetString(intPart+fracPart, 10)

	sign := uint16(numericPositive)
	if negative {
		sign = numericNegative
	}

	dscale := len(fracPart)

	// Pad coeff so its implied scale lines up on a base-10000 group boundary,
	// then split into big-endian base-10000 digit groups.
	pad := (4 - dscale%4) % 4
	if pad > 0 {
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(pad)), nil)
		coeff.Mul(coeff, mul)
	}

	var digits []uint16
	base := big.NewInt(nbase)
	rem := new(big.Int)
	zero := big.NewInt(0)
	for coeff.Cmp(zero) != 0 {
		coeff.QuoRem(coeff, base, rem)
		digits = append([]uint16{uint16(rem.Int64())}, digits...)
	}

	ndigits := len(digits)
	weight := ndigits - 1 - (dscale+pad)/4

	buf := make([]byte, 8+ndigits*2)
	binary.BigEndian.PutUint16(buf[0:2], uint16(ndigits))
	binary.BigEndian.PutUint16(buf[2:4], uint16(weight))
	binary.BigEndian.PutUint16(buf[4:6], sign)
	binary.BigEndian.PutUint16(buf[6:8], uint16(dscale))
	for i, digit := range digits {
		binary.BigEndian.PutUint16(buf[8+i*2:10+i*2], digit)
	}

	return buf
}

// splitDecimalString splits a decimal.Decimal's canonical string form
// ("-123.4500", "7", "0.5") into its sign and unsigned integer/fractional
// digit runs.
func splitDecimalString(s string) (negative bool, intPart, fracPart string) {
	if len(s) > 0 && s[0] == '-' {
		negative = true
		s = s[1:]
	}

	if i := strings.IndexByte(s, '.'); i >= 0 {
		return negative, s[:i], s[i+1:]
	}

	return negative, s, ""
}
