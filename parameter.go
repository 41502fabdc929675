package pgstream

// NewParameter builds a Parameter: the wire format, the OID it was encoded
// for, and the payload bytes (nil for NULL).
func NewParameter(format FormatCode, oid uint32, value []byte) Parameter {
	return Parameter{
		format: format,
		oid:    oid,
		value:  value,
	}
}

type Parameter struct {
	format FormatCode
	oid    uint32
	value  []byte
}

func (p Parameter) Format() FormatCode {
	return p.format
}

// OID reports the Postgres type this Parameter was encoded against.
func (p Parameter) OID() uint32 {
	return p.oid
}

func (p Parameter) Value() []byte {
	return p.value
}
