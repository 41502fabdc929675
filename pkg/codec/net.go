package codec

import (
	"fmt"
	"net/netip"
	"net/url"
	"reflect"

	"github.com/jackc/pgx/v5/pgtype"
)

// netCodec decodes/encodes inet/cidr as net/netip values and a registry-only
// URL/URI convention (text columns holding a URL, decoded into *url.URL on
// request); neither has a home in pgtype itself, so both live in this
// registry-level, standard-library-only codec.
// Checked before pgtypeCodec so an explicit *url.URL/netip.Addr/netip.Prefix
// target always wins over the generic text/inet decode.
type netCodec struct{}

func (c *netCodec) canDecode(oid uint32, _ int16) bool {
	return oid == pgtype.InetOID || oid == pgtype.CIDROID
}

// inet/cidr address families on the wire (utils/inet.h).
const (
	pgAFInet  = 2
	pgAFInet6 = 3
)

func (c *netCodec) decode(raw []byte, oid uint32, format int16) (any, error) {
	if raw == nil {
		return nil, nil
	}

	if format == 1 {
		return decodeBinaryInet(raw, oid)
	}

	text := string(raw)
	if oid == pgtype.CIDROID {
		prefix, err := netip.ParsePrefix(text)
		if err != nil {
			return nil, fmt.Errorf("codec: decoding cidr: %w", err)
		}
		return prefix, nil
	}

	if prefix, err := netip.ParsePrefix(text); err == nil {
		return prefix, nil
	}

	addr, err := netip.ParseAddr(text)
	if err != nil {
		return nil, fmt.Errorf("codec: decoding inet: %w", err)
	}
	return addr, nil
}

func (c *netCodec) canEncode(value any) bool {
	switch value.(type) {
	case netip.Addr, netip.Prefix, *url.URL:
		return true
	default:
		return false
	}
}

func (c *netCodec) encode(value any, format int16) ([]byte, uint32, error) {
	switch v := value.(type) {
	case netip.Addr:
		if format == 1 {
			return encodeBinaryInet(v, v.BitLen(), false), pgtype.InetOID, nil
		}
		return []byte(v.String()), pgtype.InetOID, nil
	case netip.Prefix:
		if format == 1 {
			return encodeBinaryInet(v.Addr(), v.Bits(), true), pgtype.CIDROID, nil
		}
		return []byte(v.String()), pgtype.CIDROID, nil
	case *url.URL:
		// Text-typed columns carry the same bytes in both wire formats.
		return []byte(v.String()), pgtype.TextOID, nil
	default:
		return nil, 0, fmt.Errorf("codec: cannot encode %T as inet/cidr/url", value)
	}
}

// decodeBinaryInet parses the wire's `family | bits | is_cidr | addr-len |
// addr` envelope shared by inet and cidr.
func decodeBinaryInet(raw []byte, oid uint32) (any, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("codec: truncated inet envelope (%d bytes)", len(raw))
	}

	bits := int(raw[1])
	n := int(raw[3])
	if len(raw) < 4+n {
		return nil, fmt.Errorf("codec: truncated inet address (want %d, have %d bytes)", n, len(raw)-4)
	}

	addr, ok := netip.AddrFromSlice(raw[4 : 4+n])
	if !ok {
		return nil, fmt.Errorf("codec: invalid inet address length %d", n)
	}

	if oid == pgtype.CIDROID || bits != addr.BitLen() {
		return netip.PrefixFrom(addr, bits), nil
	}

	return addr, nil
}

// encodeBinaryInet is the encode-direction mirror of decodeBinaryInet.
func encodeBinaryInet(addr netip.Addr, bits int, isCIDR bool) []byte {
	family := byte(pgAFInet)
	if addr.Is6() {
		family = pgAFInet6
	}

	raw := addr.AsSlice()
	buf := make([]byte, 0, 4+len(raw))
	buf = append(buf, family, byte(bits), 0, byte(len(raw)))
	if isCIDR {
		buf[2] = 1
	}

	return append(buf, raw...)
}

func (c *netCodec) encodeNull(_ uint32) Parameter {
	return Parameter{Value: nil}
}

func (c *netCodec) preferredType(oid uint32, _ int16) reflect.Type {
	if oid == pgtype.CIDROID {
		return reflect.TypeOf(netip.Prefix{})
	}

	return reflect.TypeOf(netip.Addr{})
}

// DecodeURL is a convenience helper for callers that already know a text
// column holds a URL/URI; there is no dedicated Postgres OID for "URL", so
// this is exposed instead of wired into canDecode/decode (which dispatch
// purely on OID).
func DecodeURL(raw []byte) (*url.URL, error) {
	return url.Parse(string(raw))
}
