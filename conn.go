package pgstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pgstream/pkg/auth"
	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/cache"
	"github.com/lib/pgstream/pkg/codec"
	"github.com/lib/pgstream/pkg/types"
)

// connState holds the mutable state a connection's exchange read loop
// updates as side-channel messages arrive: ParameterStatus values,
// BackendKeyData, and TransactionStatus (sourced solely from
// ReadyForQuery).
type connState struct {
	mu         sync.RWMutex
	params     map[string]string
	processID  int32
	secretKey  int32
	txStatus   types.TransactionStatus
}

func newConnState() *connState {
	return &connState{
		params:   map[string]string{},
		txStatus: types.TransactionIdle,
	}
}

func (c *connState) setParameterStatus(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[name] = value
}

func (c *connState) ParameterStatus(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params[name]
}

func (c *connState) setBackendKeyData(processID, secretKey int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processID = processID
	c.secretKey = secretKey
}

func (c *connState) setTransactionStatus(status types.TransactionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txStatus = status
}

// TransactionStatus returns the connection's transaction state as of the
// most recent ReadyForQuery.
func (c *connState) TransactionStatus() types.TransactionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.txStatus
}

// Conn is a single connection to a Postgres server, speaking the extended
// and simple query protocols over one multiplexed exchange queue. A Conn is
// safe for concurrent use by multiple goroutines issuing independent
// queries; each query occupies its own position in the FIFO exchange queue
// until its ReadyForQuery.
type Conn struct {
	net    net.Conn
	cfg    *Config
	state  *connState
	mux    *Multiplexer
	reader *buffer.Reader
	writer *buffer.Writer
	logger *slog.Logger

	codecs     *codec.Registry
	statements cache.StatementCache

	portalSeq atomic.Uint64
	closing   atomic.Bool
}

// nextPortalName allocates a fresh, connection-unique portal name from a
// monotonic counter.
func (c *Conn) nextPortalName() string {
	return fmt.Sprintf("portal_%d", c.portalSeq.Add(1))
}

// Connect dials, negotiates TLS if configured, authenticates, and completes
// the startup sequence, returning a ready-to-use *Conn.
func Connect(ctx context.Context, opts ...Option) (*Conn, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Username == "" {
		return nil, fmt.Errorf("pgstream: Username is required")
	}

	raw, err := dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstream: dialing: %w", err)
	}

	logger := slog.Default()
	reader := buffer.NewReader(logger, raw, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(logger, raw)

	if err := writeStartup(writer, cfg); err != nil {
		raw.Close()
		return nil, fmt.Errorf("pgstream: writing startup message: %w", err)
	}

	if err := auth.Negotiate(ctx, reader, writer, auth.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
	}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("pgstream: authenticating: %w", err)
	}

	state := newConnState()

	if err := readUntilReady(reader, state); err != nil {
		raw.Close()
		return nil, fmt.Errorf("pgstream: completing startup: %w", err)
	}

	conn := &Conn{
		net:        raw,
		cfg:        cfg,
		state:      state,
		reader:     reader,
		writer:     writer,
		logger:     logger,
		codecs:     codec.NewRegistry(pgtype.NewMap(), cfg.ForceBinary),
		statements: cache.New(cfg.StatementCacheLimit),
	}
	conn.mux = newMultiplexer(state, reader, writer, logger)
	go conn.mux.run()

	if cfg.Schema != "" {
		if err := conn.execSimple(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pgstream: setting schema: %w", err)
		}
	}

	if cfg.AutodetectExtensions {
		conn.autodetectExtensions(ctx)
	}

	return conn, nil
}

// autodetectExtensions looks up the database-assigned OIDs of well-known
// extension types the built-in catalogue cannot know ahead of time and
// registers them for plain text decoding. Lookup failures are tolerated;
// a database without the extensions simply returns no rows.
func (c *Conn) autodetectExtensions(ctx context.Context) {
	rows, err := c.QuerySimple(ctx, "SELECT oid, typname FROM pg_type WHERE typname IN ('hstore', 'citext', 'ltree')")
	if err != nil {
		c.logger.Debug("extension autodetection failed", slog.String("error", err.Error()))
		return
	}

	for rows.Next(ctx) {
		v, err := rows.Row().Decode(0)
		if err != nil {
			continue
		}

		switch oid := v.(type) {
		case uint32:
			c.codecs.RegisterTextOID(oid)
		case int64:
			c.codecs.RegisterTextOID(uint32(oid))
		case string:
			if n, err := strconv.ParseUint(oid, 10, 32); err == nil {
				c.codecs.RegisterTextOID(uint32(n))
			}
		}
	}

	if err := rows.Err(); err != nil {
		c.logger.Debug("extension autodetection failed", slog.String("error", err.Error()))
	}
}

// writeStartup writes the StartupMessage: an untyped frame carrying the
// protocol version followed by NUL-terminated key/value parameter pairs,
// terminated by an empty key.
func writeStartup(writer *buffer.Writer, cfg *Config) error {
	writer.StartUntyped()
	writer.AddInt32(int32(types.Version30))

	write := func(key, value string) {
		writer.AddString(key)
		writer.AddNullTerminate()
		writer.AddString(value)
		writer.AddNullTerminate()
	}

	write("user", cfg.Username)
	if cfg.Database != "" {
		write("database", cfg.Database)
	}
	write("application_name", cfg.ApplicationName)
	write("client_encoding", "UTF8")

	for key, value := range cfg.Options {
		write(key, value)
	}

	writer.AddNullTerminate()
	return writer.EndUntyped()
}

// readUntilReady drains ParameterStatus/BackendKeyData messages following a
// successful authentication until the first ReadyForQuery, updating state
// as it goes.
func readUntilReady(reader *buffer.Reader, state *connState) error {
	for {
		typed, _, err := reader.ReadBackendTypedMsg()
		if err != nil {
			return err
		}

		switch typed {
		case types.ServerParameterStatus:
			name, value, err := readParameterStatus(reader)
			if err != nil {
				return err
			}
			state.setParameterStatus(name, value)
		case types.ServerBackendKeyData:
			processID, secretKey, err := readBackendKeyData(reader)
			if err != nil {
				return err
			}
			state.setBackendKeyData(processID, secretKey)
		case types.ServerReady:
			status, err := readReadyForQuery(reader)
			if err != nil {
				return err
			}
			state.setTransactionStatus(status)
			return nil
		case types.ServerErrorResponse:
			fields, err := readErrorFields(reader)
			if err != nil {
				return err
			}
			return newServerError(fields)
		default:
			return fmt.Errorf("unexpected message %s while completing startup", typed)
		}
	}
}

// Notices returns the channel of NoticeResponse messages this connection
// has received outside any particular exchange.
func (c *Conn) Notices() <-chan Notice {
	return c.mux.notices
}

// Notifications returns the channel of asynchronous NotificationResponse
// messages (LISTEN/NOTIFY) this connection has received.
func (c *Conn) Notifications() <-chan Notification {
	return c.mux.notifications
}

// TransactionStatus reports the connection's transaction state as of the
// most recent ReadyForQuery.
func (c *Conn) TransactionStatus() types.TransactionStatus {
	return c.state.TransactionStatus()
}

// ProcessID returns the backend process ID announced by BackendKeyData,
// used to build a CancelRequest.
func (c *Conn) ProcessID() int32 {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.processID
}

func (c *Conn) secretKeyUnsafe() int32 {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.secretKey
}

// Close terminates the connection by writing a Terminate message and
// closing the underlying transport.
func (c *Conn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	c.mux.mu.Lock()
	if !c.mux.closed {
		c.writer.StartClient(types.ClientTerminate)
		_ = c.writer.EndClient()
	}
	c.mux.mu.Unlock()

	return c.net.Close()
}
