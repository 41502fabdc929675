package pgstream

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/lib/pgstream/pkg/types"
)

// TestConnCancel verifies the exact 16-byte CancelRequest frame: a 4-byte
// length, the CancelRequest version code, the process ID, and the secret
// key, with no reply awaited.
func TestConnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	cfg := defaultConfig()
	cfg.Host = addr.IP.String()
	cfg.Port = addr.Port

	c := &Conn{
		cfg:    cfg,
		state:  newConnState(),
		logger: slog.Default(),
	}
	c.state.setBackendKeyData(4242, 99887766)

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		received <- buf
	}()

	if err := c.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case frame := <-received:
		length := binary.BigEndian.Uint32(frame[0:4])
		version := binary.BigEndian.Uint32(frame[4:8])
		pid := int32(binary.BigEndian.Uint32(frame[8:12]))
		secret := int32(binary.BigEndian.Uint32(frame[12:16]))

		if length != 16 {
			t.Errorf("length = %d, want 16", length)
		}
		if version != uint32(types.VersionCancel) {
			t.Errorf("version = %d, want %d", version, types.VersionCancel)
		}
		if pid != 4242 {
			t.Errorf("pid = %d, want 4242", pid)
		}
		if secret != 99887766 {
			t.Errorf("secret = %d, want 99887766", secret)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for CancelRequest frame")
	}
}

