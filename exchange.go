package pgstream

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lib/pgstream/codes"
	pgerror "github.com/lib/pgstream/errors"
	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
)

// ErrConnectionClosed is returned by [Multiplexer.Submit] once the
// connection's read loop has observed the transport close.
var ErrConnectionClosed = fmt.Errorf("connection closed")

// backendEvent is one decoded message handed from the exchange's read loop
// to whichever exchange currently owns the inbound stream.
type backendEvent struct {
	rowDescription   *RowDescription
	dataRow          *DataRow
	commandComplete  *CommandComplete
	parameterDescOID []uint32
	parseComplete    bool
	bindComplete     bool
	closeComplete    bool
	emptyQuery       bool
	noData           bool
	portalSuspended  bool
	err              error
}

// exchange represents one FIFO slot in the multiplexer's queue: the set of
// frames already written to the wire, and the channel of backend messages
// belonging to them, open until the matching ReadyForQuery.
//
type exchange struct {
	inbound chan backendEvent
	done    chan struct{}
}

// Multiplexer owns the single reader and single writer goroutine for one
// connection, and the FIFO queue of exchanges awaiting their
// ReadyForQuery.
type Multiplexer struct {
	conn   *connState
	mu     sync.Mutex // guards writer + queue, enforcing the single-writer invariant
	queue  *list.List // of *exchange
	reader *buffer.Reader
	writer *buffer.Writer
	logger *slog.Logger

	notices       chan Notice
	notifications chan Notification

	closed   bool
	closeErr error
}

func newMultiplexer(conn *connState, reader *buffer.Reader, writer *buffer.Writer, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		conn:          conn,
		queue:         list.New(),
		reader:        reader,
		writer:        writer,
		logger:        logger,
		notices:       make(chan Notice, 16),
		notifications: make(chan Notification, 16),
	}
}

// encoder writes one frontend message to writer; used so Submit can accept
// a small batch of frames (e.g. Parse+Bind+Describe+Execute+Sync) that must
// land on the wire back-to-back before any other goroutine's frames.
type encoder func(writer *buffer.Writer) error

// Submit writes frames to the connection under the single-writer lock,
// enqueues a new exchange, and returns a handle whose inbound channel
// yields backend messages until the matching ReadyForQuery closes it.
func (m *Multiplexer) Submit(ctx context.Context, frames []encoder) (*exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrConnectionClosed
	}

	for _, frame := range frames {
		if err := frame(m.writer); err != nil {
			return nil, err
		}
	}

	ex := &exchange{
		inbound: make(chan backendEvent, 1),
		done:    make(chan struct{}),
	}
	m.queue.PushBack(ex)

	return ex, nil
}

// Continue writes additional frames against an exchange that is already
// enqueued but not yet closed by ReadyForQuery: a re-Execute against a
// suspended portal, or the eventual Close·Sync that finally closes it.
// Unlike Submit, it does not create a new queue entry: the original
// exchange is still the one dispatch delivers results to.
func (m *Multiplexer) Continue(ctx context.Context, frames []encoder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrConnectionClosed
	}

	for _, frame := range frames {
		if err := frame(m.writer); err != nil {
			return err
		}
	}

	return nil
}

// run is the connection's single reader goroutine. It decodes backend
// messages and dispatches: side-channel messages (NoticeResponse,
// NotificationResponse, ParameterStatus) never reach an exchange;
// BackendKeyData updates connection state; ReadyForQuery closes the head of
// the queue and advances it; everything else is delivered to the queue's
// current head.
func (m *Multiplexer) run() {
	defer m.shutdown(nil)

	for {
		typed, _, err := m.reader.ReadBackendTypedMsg()
		if err != nil {
			m.shutdown(classifyIOError(err))
			return
		}

		if err := m.dispatch(typed); err != nil {
			m.shutdown(err)
			return
		}
	}
}

func (m *Multiplexer) dispatch(typed types.ServerMessage) error {
	switch typed {
	case types.ServerNoticeResponse:
		fields, err := readErrorFields(m.reader)
		if err != nil {
			return err
		}
		// A slow notice subscriber never stalls the protocol; drops are
		// log-only.
		select {
		case m.notices <- noticeFromFields(fields):
		default:
			m.logger.Debug("dropping notice, subscriber is not keeping up", slog.String("message", fields[buffer.ServerErrFieldMsgPrimary]))
		}
		return nil

	case types.ServerNotificationResponse:
		n, err := readNotificationResponse(m.reader)
		if err != nil {
			return err
		}
		// Notifications, unlike notices, must not be dropped silently: the
		// buffer is bounded and overflowing it is a connection failure.
		select {
		case m.notifications <- n:
		default:
			return pgerror.WithCode(fmt.Errorf("notification buffer overflow on channel %q", n.Channel), codes.ProgramLimitExceeded)
		}
		return nil

	case types.ServerParameterStatus:
		name, value, err := readParameterStatus(m.reader)
		if err != nil {
			return err
		}
		m.conn.setParameterStatus(name, value)
		return nil

	case types.ServerBackendKeyData:
		processID, secretKey, err := readBackendKeyData(m.reader)
		if err != nil {
			return err
		}
		m.conn.setBackendKeyData(processID, secretKey)
		return nil

	case types.ServerReady:
		status, err := readReadyForQuery(m.reader)
		if err != nil {
			return err
		}
		m.conn.setTransactionStatus(status)
		return m.closeHead(backendEvent{})

	case types.ServerErrorResponse:
		fields, err := readErrorFields(m.reader)
		if err != nil {
			return err
		}
		return m.deliver(backendEvent{err: newServerError(fields)})

	case types.ServerRowDescription:
		rd, err := readRowDescription(m.reader)
		if err != nil {
			return err
		}
		return m.deliver(backendEvent{rowDescription: &rd})

	case types.ServerDataRow:
		dr, err := readDataRow(m.reader)
		if err != nil {
			return err
		}
		return m.deliver(backendEvent{dataRow: &dr})

	case types.ServerCommandComplete:
		cc, err := readCommandComplete(m.reader)
		if err != nil {
			return err
		}
		return m.deliver(backendEvent{commandComplete: &cc})

	case types.ServerParameterDescription:
		oids, err := readParameterDescription(m.reader)
		if err != nil {
			return err
		}
		return m.deliver(backendEvent{parameterDescOID: oids})

	case types.ServerParseComplete:
		return m.deliver(backendEvent{parseComplete: true})

	case types.ServerBindComplete:
		return m.deliver(backendEvent{bindComplete: true})

	case types.ServerCloseComplete:
		return m.deliver(backendEvent{closeComplete: true})

	case types.ServerEmptyQuery:
		return m.deliver(backendEvent{emptyQuery: true})

	case types.ServerNoData:
		return m.deliver(backendEvent{noData: true})

	case types.ServerPortalSuspended:
		return m.deliver(backendEvent{portalSuspended: true})

	default:
		return pgerror.WithCode(fmt.Errorf("unrecognized backend message %q", byte(typed)), codes.ProtocolViolation)
	}
}

// deliver hands an event to the queue's current head. Back-pressure falls
// naturally out of the channel's buffer of 1: the read loop blocks
// here until the consumer has pulled the previous event, so the socket is
// only drained while someone is reading.
func (m *Multiplexer) deliver(event backendEvent) error {
	m.mu.Lock()
	front := m.queue.Front()
	m.mu.Unlock()

	if front == nil {
		return fmt.Errorf("received backend message %+v with no pending exchange", event)
	}

	ex := front.Value.(*exchange)
	ex.inbound <- event
	return nil
}

func (m *Multiplexer) closeHead(event backendEvent) error {
	m.mu.Lock()
	front := m.queue.Front()
	if front != nil {
		m.queue.Remove(front)
	}
	m.mu.Unlock()

	if front == nil {
		return nil
	}

	ex := front.Value.(*exchange)
	close(ex.inbound)
	close(ex.done)
	return nil
}

// shutdown drains the queue, failing every still-open exchange with err.
// Only the first call has any effect; when the transport is closed the read
// loop reaches it first with the classified read error.
func (m *Multiplexer) shutdown(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	m.closeErr = err

	pending := make([]*exchange, 0, m.queue.Len())
	for e := m.queue.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*exchange))
	}
	m.queue.Init()
	m.mu.Unlock()

	// Deliver outside the lock: a still-open exchange's channel may already
	// hold a buffered event, and Submit/Continue must not block on it.
	for _, ex := range pending {
		if err != nil {
			ex.inbound <- backendEvent{err: err}
		}
		close(ex.inbound)
		close(ex.done)
	}
}

// classifyIOError wraps a non-protocol transport error with a transient
// connection classification: I/O errors on the transport always fail the
// current exchange and close the connection.
func classifyIOError(err error) error {
	return pgerror.WithCode(err, codes.ConnectionFailure)
}
