package codec

import (
	"net/netip"
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry() *Registry {
	return NewRegistry(pgtype.NewMap(), false)
}

func TestDecodeNullIsNilWithoutConsultingACodec(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	v, err := r.Decode(nil, pgtype.Int4OID, 0)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEncodeDecodeRoundTripInt4(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	p, err := r.Encode(int32(42))
	require.NoError(t, err)

	v, err := r.Decode(p.Value, pgtype.Int4OID, p.Format)
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}

func TestEncodeDecodeRoundTripText(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	p, err := r.Encode("hello")
	require.NoError(t, err)

	v, err := r.Decode(p.Value, pgtype.TextOID, p.Format)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestForceBinaryPreferredFormat(t *testing.T) {
	t.Parallel()

	text := NewRegistry(pgtype.NewMap(), false)
	binary := NewRegistry(pgtype.NewMap(), true)

	assert.EqualValues(t, 0, text.PreferredFormat(pgtype.Int4OID))
	assert.EqualValues(t, 1, binary.PreferredFormat(pgtype.Int4OID))
}

func TestPreferredTypeFallsBackToStringForUnknownOID(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	typ := r.PreferredType(0xFFFFFF, 0)
	assert.Equal(t, reflect.TypeOf(""), typ)
}

func TestNetCodecDecodesTextInetAddress(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	v, err := r.Decode([]byte("192.168.1.1"), pgtype.InetOID, 0)
	require.NoError(t, err)

	addr, ok := v.(netip.Addr)
	require.True(t, ok, "expected netip.Addr, got %T", v)
	assert.Equal(t, "192.168.1.1", addr.String())
}

func TestNetCodecEncodesAddr(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	addr := netip.MustParseAddr("10.0.0.1")

	p, err := r.Encode(addr)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", string(p.Value))
}

func TestNetCodecBinaryInetRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewRegistry(pgtype.NewMap(), true)
	addr := netip.MustParseAddr("10.0.0.1")

	p, err := r.Encode(addr)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.Format)
	assert.EqualValues(t, pgtype.InetOID, p.OID)

	v, err := r.Decode(p.Value, pgtype.InetOID, 1)
	require.NoError(t, err)
	assert.Equal(t, addr, v)
}

func TestNetCodecRejectsTruncatedBinaryInet(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	_, err := r.Decode([]byte{0x00}, pgtype.InetOID, 1)
	assert.Error(t, err)
}

// TestDecodeInt8ArrayBinaryAndText replays the binary INT8[] envelope
// `ndim | hasnull | elem oid | dim len | lower bound | (len,bytes)*` for
// the two-element array [100, 200], and the equivalent text form, and
// expects both to decode identically.
func TestDecodeInt8ArrayBinaryAndText(t *testing.T) {
	t.Parallel()

	binary := []byte{
		0x00, 0x00, 0x00, 0x01, // ndim = 1
		0x00, 0x00, 0x00, 0x00, // hasnull = 0
		0x00, 0x00, 0x00, 0x14, // element oid = 20 (int8)
		0x00, 0x00, 0x00, 0x02, // dimension length = 2
		0x00, 0x00, 0x00, 0x02, // lower bound = 2
		0x00, 0x00, 0x00, 0x08, // element length = 8
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x64, // 100
		0x00, 0x00, 0x00, 0x08, // element length = 8
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xC8, // 200
	}

	r := newRegistry()

	fromBinary, err := r.Decode(binary, pgtype.Int8ArrayOID, 1)
	require.NoError(t, err)

	fromText, err := r.Decode([]byte("{100,200}"), pgtype.Int8ArrayOID, 0)
	require.NoError(t, err)

	want := []any{int64(100), int64(200)}
	assert.Equal(t, want, fromBinary)
	assert.Equal(t, want, fromText)
}

func TestDecodeTextArrayWithNullAndQuotedElements(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	v, err := r.Decode([]byte(`{a,b,NULL,"c,d"}`), pgtype.TextArrayOID, 0)
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", nil, "c,d"}, v)
}
