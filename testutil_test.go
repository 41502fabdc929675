package pgstream

import (
	"net"
	"testing"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/mock"
	"github.com/lib/pgstream/pkg/types"
	"github.com/neilotoole/slogt"
)

// fakeServer is the test double standing in for a real Postgres server: a
// single accepted TCP connection, with its own reader for frames the client
// under test writes and a raw net.Conn to push [mock.Stream]-built backend
// traffic down. The client's dial target is ln.Addr().
type fakeServer struct {
	t      *testing.T
	ln     net.Listener
	conn   net.Conn
	reader *buffer.Reader
}

// listenFakeServer opens a loopback listener a test's Connect call can dial.
func listenFakeServer(t *testing.T) (*fakeServer, string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return &fakeServer{t: t, ln: ln}, addr.IP.String(), addr.Port
}

// accept blocks until the client under test dials in, draining and
// discarding the StartupMessage (or SSLRequest, if sent).
func (s *fakeServer) accept() {
	s.t.Helper()

	conn, err := s.ln.Accept()
	if err != nil {
		s.t.Fatalf("accept: %v", err)
	}
	s.conn = conn
	s.reader = buffer.NewReader(slogt.New(s.t), conn, buffer.DefaultBufferSize)
}

// readStartup drains the StartupMessage's untyped frame.
func (s *fakeServer) readStartup() {
	s.t.Helper()

	if _, err := s.reader.ReadUntypedMsg(); err != nil {
		s.t.Fatalf("reading startup message: %v", err)
	}
}

// send writes a pre-built [mock.Stream]'s accumulated bytes straight to the
// connection, standing in for whatever a real server would have written.
func (s *fakeServer) send(stream *mock.Stream) {
	s.t.Helper()

	if _, err := s.conn.Write(stream.Bytes()); err != nil {
		s.t.Fatalf("writing backend bytes: %v", err)
	}
}

// authenticateOK completes a trivial AuthenticationOK handshake: OK,
// a couple of ParameterStatus values (including server_version/_num so
// Conn.ServerVersion has something to report), BackendKeyData, and the
// first ReadyForQuery.
func (s *fakeServer) authenticateOK(processID, secretKey int32) {
	s.t.Helper()

	s.readStartup()
	s.send(mock.NewStream(s.t).
		AuthenticationOK().
		ParameterStatus("server_version", "14.3").
		ParameterStatus("server_version_num", "140003").
		BackendKeyData(processID, secretKey).
		ReadyForQuery(types.TransactionIdle))
}

// next reads the next client-originated message, returning its type and
// leaving its body in s.reader.Msg for any test that needs to inspect it.
func (s *fakeServer) next() types.ClientMessage {
	s.t.Helper()

	typed, _, err := s.reader.ReadTypedMsg()
	if err != nil {
		s.t.Fatalf("reading client message: %v", err)
	}
	return typed
}
