package codec

import (
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5/pgtype"
)

// Registry wraps a *pgtype.Map plus the ordered list of Codec
// implementations queried in registration order, first match wins.
// ForceBinary, if set, makes PreferredFormat always answer
// BinaryFormat regardless of OID (`config.go`'s WithForceBinary).
type Registry struct {
	m           *pgtype.Map
	codecs      []Codec
	textOIDs    map[uint32]struct{}
	forceBinary bool
}

// NewRegistry builds the registry atop m, registering the URL/URI/
// InetAddress codec ahead of the pgtype-delegating one so an inet/cidr OID
// decodes to a net/netip value rather than falling through to pgtype's own
// (nonexistent) handling of it.
func NewRegistry(m *pgtype.Map, forceBinary bool) *Registry {
	return &Registry{
		m:           m,
		forceBinary: forceBinary,
		textOIDs:    map[uint32]struct{}{},
		codecs: []Codec{
			&netCodec{},
			&numericCodec{},
			&pgtypeCodec{m: m},
		},
	}
}

// RegisterTextOID maps oid to a plain string decode, used for extension
// types (hstore, citext, ...) whose OIDs are assigned per database and
// discovered at connect time. Registration is not safe for use concurrent
// with Decode; register before sharing the registry.
func (r *Registry) RegisterTextOID(oid uint32) {
	r.textOIDs[oid] = struct{}{}
}

// Decode converts raw wire bytes for oid/format into a Go value, using the
// first registered codec that claims the OID. A nil raw slice (the -1
// length NULL marker) always decodes to a nil value without consulting any
// codec.
func (r *Registry) Decode(raw []byte, oid uint32, format int16) (any, error) {
	if raw == nil {
		return nil, nil
	}

	if _, ok := r.textOIDs[oid]; ok {
		return string(raw), nil
	}

	for _, c := range r.codecs {
		if c.canDecode(oid, format) {
			return c.decode(raw, oid, format)
		}
	}

	return nil, fmt.Errorf("codec: no decoder registered for oid %d", oid)
}

// Encode converts a Go value into wire bytes, inferring the OID from the
// value's own type (`pgtype.Map.TypeForValue`), used when no
// ParameterDescription is available to name the OID ahead of time (e.g.
// the simple query protocol).
func (r *Registry) Encode(value any) (Parameter, error) {
	if value == nil {
		return Parameter{Format: r.format(), Value: nil}, nil
	}

	format := r.format()
	for _, c := range r.codecs {
		if c.canEncode(value) {
			raw, oid, err := c.encode(value, format)
			if err != nil {
				return Parameter{}, err
			}
			return Parameter{Format: format, OID: oid, Value: raw}, nil
		}
	}

	return Parameter{}, fmt.Errorf("codec: no encoder registered for %T", value)
}

// EncodeForOID encodes value for a known oid, as learned from a Bind's
// preceding ParameterDescription.
func (r *Registry) EncodeForOID(value any, oid uint32) (Parameter, error) {
	if value == nil {
		return r.EncodeNull(oid), nil
	}

	format := r.format()
	raw, err := r.m.Encode(oid, format, value, nil)
	if err != nil {
		return Parameter{}, fmt.Errorf("codec: encoding %T for oid %d: %w", value, oid, err)
	}

	return Parameter{Format: format, OID: oid, Value: raw}, nil
}

// EncodeNull builds the Parameter representing SQL NULL for oid.
func (r *Registry) EncodeNull(oid uint32) Parameter {
	for _, c := range r.codecs {
		if c.canDecode(oid, r.format()) {
			p := c.encodeNull(oid)
			p.Format = r.format()
			p.OID = oid
			return p
		}
	}

	return Parameter{Format: r.format(), OID: oid, Value: nil}
}

// PreferredType reports the Go type oid/format naturally decodes to, for
// callers that scan into `any` rather than a caller-supplied target.
func (r *Registry) PreferredType(oid uint32, format int16) reflect.Type {
	if _, ok := r.textOIDs[oid]; ok {
		return reflect.TypeOf("")
	}

	for _, c := range r.codecs {
		if c.canDecode(oid, format) {
			return c.preferredType(oid, format)
		}
	}

	return reflect.TypeOf("")
}

// PreferredFormat reports the wire format this registry requests for a
// given OID when issuing Bind/Describe: BinaryFormat if ForceBinary is set,
// TextFormat otherwise (`config.go`'s WithForceBinary).
func (r *Registry) PreferredFormat(_ uint32) int16 {
	return r.format()
}

func (r *Registry) format() int16 {
	if r.forceBinary {
		return 1
	}
	return 0
}
