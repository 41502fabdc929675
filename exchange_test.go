package pgstream

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/mock"
	"github.com/lib/pgstream/pkg/types"
	"github.com/neilotoole/slogt"
)

// testMux wires a Multiplexer to an io.Pipe so a test can feed backend
// bytes incrementally and observe exactly when run()'s read loop consumes
// them, without a real socket.
type testMux struct {
	mux    *Multiplexer
	pw     *io.PipeWriter
	server *buffer.Writer
}

func newTestMux(t *testing.T) *testMux {
	t.Helper()

	pr, pw := io.Pipe()
	reader := buffer.NewReader(slogt.New(t), pr, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(slogt.New(t), &bytes.Buffer{})

	mux := newMultiplexer(newConnState(), reader, writer, slogt.New(t))
	go mux.run()

	t.Cleanup(func() { pw.Close() })

	return &testMux{
		mux:    mux,
		pw:     pw,
		server: buffer.NewWriter(slogt.New(t), pw),
	}
}

// send writes a pre-built backend stream straight into the pipe, blocking
// until run()'s read loop has drained it (io.Pipe is synchronous).
func (m *testMux) send(t *testing.T, stream *mock.Stream) {
	t.Helper()
	if _, err := m.pw.Write(stream.Bytes()); err != nil {
		t.Fatalf("writing backend bytes: %v", err)
	}
}

func noFrames(t *testing.T, mux *Multiplexer) *exchange {
	t.Helper()
	ex, err := mux.Submit(context.Background(), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return ex
}

func recvWithin(t *testing.T, ch <-chan backendEvent, timeout time.Duration) (backendEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event")
		return backendEvent{}, false
	}
}

func TestMultiplexerFIFOOrdering(t *testing.T) {
	tm := newTestMux(t)

	first := noFrames(t, tm.mux)
	second := noFrames(t, tm.mux)

	tm.send(t, mock.NewStream(t).CommandComplete("SELECT 1").ReadyForQuery(types.TransactionIdle))

	ev, ok := recvWithin(t, first.inbound, time.Second)
	if !ok || ev.commandComplete == nil || ev.commandComplete.Tag != "SELECT 1" {
		t.Fatalf("expected first exchange to receive CommandComplete, got %+v ok=%v", ev, ok)
	}

	if _, ok := <-first.inbound; ok {
		t.Fatalf("expected first exchange's inbound to close after ReadyForQuery")
	}
	<-first.done

	select {
	case <-second.inbound:
		t.Fatalf("second exchange should not have received anything yet")
	default:
	}

	tm.send(t, mock.NewStream(t).CommandComplete("SELECT 2").ReadyForQuery(types.TransactionIdle))

	ev, ok = recvWithin(t, second.inbound, time.Second)
	if !ok || ev.commandComplete == nil || ev.commandComplete.Tag != "SELECT 2" {
		t.Fatalf("expected second exchange to receive CommandComplete, got %+v ok=%v", ev, ok)
	}
}

func TestMultiplexerSideChannelsBypassExchange(t *testing.T) {
	tm := newTestMux(t)

	ex := noFrames(t, tm.mux)

	tm.send(t, mock.NewStream(t).
		ParameterStatus("TimeZone", "UTC").
		NotificationResponse(42, "channel", "payload"))

	select {
	case notif := <-tm.mux.notifications:
		if notif.Channel != "channel" || notif.Payload != "payload" || notif.ProcessID != 42 {
			t.Fatalf("unexpected notification: %+v", notif)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification")
	}

	if got := tm.mux.conn.ParameterStatus("TimeZone"); got != "UTC" {
		t.Fatalf("ParameterStatus(TimeZone) = %q, want UTC", got)
	}

	select {
	case ev := <-ex.inbound:
		t.Fatalf("side-channel messages must not reach the exchange, got %+v", ev)
	default:
	}

	tm.send(t, mock.NewStream(t).ReadyForQuery(types.TransactionIdle))
	if _, ok := <-ex.inbound; ok {
		t.Fatalf("expected exchange inbound to close on ReadyForQuery")
	}
}

func TestMultiplexerBackPressure(t *testing.T) {
	tm := newTestMux(t)
	ex := noFrames(t, tm.mux)

	tm.send(t, mock.NewStream(t).
		DataRow([][]byte{[]byte("a")}).
		DataRow([][]byte{[]byte("b")}).
		CommandComplete("SELECT 2").
		ReadyForQuery(types.TransactionIdle))

	ev, ok := recvWithin(t, ex.inbound, time.Second)
	if !ok || ev.dataRow == nil || string(ev.dataRow.Values[0]) != "a" {
		t.Fatalf("expected first DataRow, got %+v ok=%v", ev, ok)
	}

	ev, ok = recvWithin(t, ex.inbound, time.Second)
	if !ok || ev.dataRow == nil || string(ev.dataRow.Values[0]) != "b" {
		t.Fatalf("expected second DataRow, got %+v ok=%v", ev, ok)
	}

	ev, ok = recvWithin(t, ex.inbound, time.Second)
	if !ok || ev.commandComplete == nil {
		t.Fatalf("expected CommandComplete, got %+v ok=%v", ev, ok)
	}
}

// TestMultiplexerNotificationBetweenDataRows interleaves a
// NotificationResponse between two DataRows of an active exchange: both
// rows must reach the exchange in order, and the notification must reach
// the notification channel without ever appearing in the exchange's
// inbound stream.
func TestMultiplexerNotificationBetweenDataRows(t *testing.T) {
	tm := newTestMux(t)
	ex := noFrames(t, tm.mux)

	tm.send(t, mock.NewStream(t).
		DataRow([][]byte{[]byte("one")}).
		NotificationResponse(42, "c", "hi").
		DataRow([][]byte{[]byte("two")}).
		CommandComplete("SELECT 2").
		ReadyForQuery(types.TransactionIdle))

	ev, ok := recvWithin(t, ex.inbound, time.Second)
	if !ok || ev.dataRow == nil || string(ev.dataRow.Values[0]) != "one" {
		t.Fatalf("expected first DataRow, got %+v ok=%v", ev, ok)
	}

	ev, ok = recvWithin(t, ex.inbound, time.Second)
	if !ok || ev.dataRow == nil || string(ev.dataRow.Values[0]) != "two" {
		t.Fatalf("expected second DataRow, got %+v ok=%v", ev, ok)
	}

	select {
	case notif := <-tm.mux.notifications:
		if notif.ProcessID != 42 || notif.Channel != "c" || notif.Payload != "hi" {
			t.Fatalf("unexpected notification: %+v", notif)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification")
	}

	ev, ok = recvWithin(t, ex.inbound, time.Second)
	if !ok || ev.commandComplete == nil {
		t.Fatalf("expected CommandComplete, got %+v ok=%v", ev, ok)
	}
	if _, ok := <-ex.inbound; ok {
		t.Fatalf("expected inbound to close on ReadyForQuery")
	}
}

func TestMultiplexerShutdownFailsPendingExchanges(t *testing.T) {
	tm := newTestMux(t)
	ex := noFrames(t, tm.mux)

	tm.pw.Close()

	ev, ok := recvWithin(t, ex.inbound, time.Second)
	if !ok || ev.err == nil {
		t.Fatalf("expected pending exchange to fail on connection close, got %+v ok=%v", ev, ok)
	}

	if _, ok := <-ex.inbound; ok {
		t.Fatalf("expected inbound to close after shutdown error")
	}
	<-ex.done

	if _, err := tm.mux.Submit(context.Background(), nil); err != ErrConnectionClosed {
		t.Fatalf("expected Submit to report ErrConnectionClosed after shutdown, got %v", err)
	}
}
