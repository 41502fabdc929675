// Package mock builds synthetic backend wire traffic for tests that
// exercise this driver's client role: helpers that build backend-message
// readers a test feeds to [buffer.Reader] to stand in for a real Postgres
// server.
package mock

import (
	"bytes"
	"testing"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
	"github.com/neilotoole/slogt"
)

// Stream accumulates a sequence of backend messages into one byte stream a
// [buffer.Reader] can be pointed at, simulating everything a server writes
// between connection open and close.
type Stream struct {
	t   *testing.T
	buf bytes.Buffer
	w   *buffer.Writer
}

// NewStream constructs an empty backend-message stream.
func NewStream(t *testing.T) *Stream {
	t.Helper()
	s := &Stream{t: t}
	s.w = buffer.NewWriter(slogt.New(t), &s.buf)
	return s
}

// Reader returns a [buffer.Reader] over everything written to the stream so
// far.
func (s *Stream) Reader() *buffer.Reader {
	return buffer.NewReader(slogt.New(s.t), bytes.NewReader(s.buf.Bytes()), buffer.DefaultBufferSize)
}

// Bytes returns the raw accumulated stream.
func (s *Stream) Bytes() []byte { return s.buf.Bytes() }

func (s *Stream) end(msg string) {
	s.t.Helper()
	if err := s.w.End(); err != nil {
		s.t.Fatalf("failed to write %s message: %v", msg, err)
	}
}

// AuthenticationOK appends an AuthenticationRequest announcing success.
func (s *Stream) AuthenticationOK() *Stream {
	s.w.Start(types.ServerAuth)
	s.w.AddInt32(0)
	s.end("AuthenticationOK")
	return s
}

// AuthenticationMD5Password appends an AuthenticationRequest carrying the
// 4-byte MD5 salt.
func (s *Stream) AuthenticationMD5Password(salt [4]byte) *Stream {
	s.w.Start(types.ServerAuth)
	s.w.AddInt32(5)
	s.w.AddBytes(salt[:])
	s.end("AuthenticationMD5Password")
	return s
}

// ParameterStatus appends a ParameterStatus message.
func (s *Stream) ParameterStatus(name, value string) *Stream {
	s.w.Start(types.ServerParameterStatus)
	s.w.AddString(name)
	s.w.AddNullTerminate()
	s.w.AddString(value)
	s.w.AddNullTerminate()
	s.end("ParameterStatus")
	return s
}

// BackendKeyData appends a BackendKeyData message.
func (s *Stream) BackendKeyData(processID, secretKey int32) *Stream {
	s.w.Start(types.ServerBackendKeyData)
	s.w.AddInt32(processID)
	s.w.AddInt32(secretKey)
	s.end("BackendKeyData")
	return s
}

// ReadyForQuery appends a ReadyForQuery message carrying the given
// transaction status byte ('I', 'T', or 'E').
func (s *Stream) ReadyForQuery(status types.TransactionStatus) *Stream {
	s.w.Start(types.ServerReady)
	s.w.AddByte(byte(status))
	s.end("ReadyForQuery")
	return s
}

// MockField describes one RowDescription column for [Stream.RowDescription].
type MockField struct {
	Name        string
	DataTypeOID uint32
	Format      int16
}

// RowDescription appends a RowDescription message.
func (s *Stream) RowDescription(fields []MockField) *Stream {
	s.w.Start(types.ServerRowDescription)
	s.w.AddInt16(int16(len(fields)))
	for _, f := range fields {
		s.w.AddString(f.Name)
		s.w.AddNullTerminate()
		s.w.AddInt32(0)    // table OID
		s.w.AddInt16(0)    // column attribute number
		s.w.AddInt32(int32(f.DataTypeOID))
		s.w.AddInt16(-1)   // type size
		s.w.AddInt32(-1)   // type modifier
		s.w.AddInt16(f.Format)
	}
	s.end("RowDescription")
	return s
}

// DataRow appends a DataRow message. A nil entry encodes SQL NULL.
func (s *Stream) DataRow(values [][]byte) *Stream {
	s.w.Start(types.ServerDataRow)
	s.w.AddInt16(int16(len(values)))
	for _, v := range values {
		if v == nil {
			s.w.AddInt32(-1)
			continue
		}
		s.w.AddInt32(int32(len(v)))
		s.w.AddBytes(v)
	}
	s.end("DataRow")
	return s
}

// CommandComplete appends a CommandComplete message with the given tag.
func (s *Stream) CommandComplete(tag string) *Stream {
	s.w.Start(types.ServerCommandComplete)
	s.w.AddString(tag)
	s.w.AddNullTerminate()
	s.end("CommandComplete")
	return s
}

// ParseComplete appends a ParseComplete message.
func (s *Stream) ParseComplete() *Stream {
	s.w.Start(types.ServerParseComplete)
	s.end("ParseComplete")
	return s
}

// BindComplete appends a BindComplete message.
func (s *Stream) BindComplete() *Stream {
	s.w.Start(types.ServerBindComplete)
	s.end("BindComplete")
	return s
}

// CloseComplete appends a CloseComplete message.
func (s *Stream) CloseComplete() *Stream {
	s.w.Start(types.ServerCloseComplete)
	s.end("CloseComplete")
	return s
}

// NoData appends a NoData message.
func (s *Stream) NoData() *Stream {
	s.w.Start(types.ServerNoData)
	s.end("NoData")
	return s
}

// PortalSuspended appends a PortalSuspended message.
func (s *Stream) PortalSuspended() *Stream {
	s.w.Start(types.ServerPortalSuspended)
	s.end("PortalSuspended")
	return s
}

// EmptyQueryResponse appends an EmptyQueryResponse message.
func (s *Stream) EmptyQueryResponse() *Stream {
	s.w.Start(types.ServerEmptyQuery)
	s.end("EmptyQueryResponse")
	return s
}

// ErrorResponse appends an ErrorResponse carrying the given SQLSTATE,
// severity, and message.
func (s *Stream) ErrorResponse(severity, code, message string) *Stream {
	s.w.Start(types.ServerErrorResponse)
	s.w.AddByte(byte(buffer.ServerErrFieldSeverity))
	s.w.AddString(severity)
	s.w.AddNullTerminate()
	s.w.AddByte(byte(buffer.ServerErrFieldSQLState))
	s.w.AddString(code)
	s.w.AddNullTerminate()
	s.w.AddByte(byte(buffer.ServerErrFieldMsgPrimary))
	s.w.AddString(message)
	s.w.AddNullTerminate()
	s.w.AddByte(0)
	s.end("ErrorResponse")
	return s
}

// NotificationResponse appends an asynchronous NotificationResponse.
func (s *Stream) NotificationResponse(processID int32, channel, payload string) *Stream {
	s.w.Start(types.ServerNotificationResponse)
	s.w.AddInt32(processID)
	s.w.AddString(channel)
	s.w.AddNullTerminate()
	s.w.AddString(payload)
	s.w.AddNullTerminate()
	s.end("NotificationResponse")
	return s
}
