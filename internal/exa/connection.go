// Package exa implements the client side of the Exasol websocket protocol:
// session establishment with RSA-protected credentials, serialized command
// dispatch, paged result retrieval and session attribute tracking.
package exa

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/koustreak/exalink/internal/decode"
	"github.com/koustreak/exalink/internal/errs"
	"github.com/koustreak/exalink/internal/logger"
	"github.com/koustreak/exalink/internal/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateAuthenticated
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection owns one wire.Channel and one authenticated session.
//
// A Connection may be shared by multiple goroutines: commands are serialized
// through a single-slot lock, so at most one request is ever in flight and
// responses match requests in send order. An unrecoverable transport,
// protocol or timeout error moves the connection to StateFailed, which is
// terminal: every later operation fails fast with the original error kind.
type Connection struct {
	cfg *Config
	ch  wire.Channel
	log *logger.Logger

	// reqSem is the single-slot in-flight request lock. A semaphore rather
	// than a mutex so waiting callers honor their context deadline. If the
	// protocol ever multiplexes, this becomes a correlation-id table.
	reqSem *semaphore.Weighted

	mu        sync.Mutex
	state     State
	fatal     error // set when state == StateFailed
	sessionID int64

	// Session attributes, absorbed from response envelopes.
	dateFormat     string
	datetimeFormat string
	location       *time.Location
	autocommit     bool

	// Server-side result-set handles not yet released. Releasing a handle
	// twice is a lifecycle bug and is reported, not ignored.
	openResults map[int64]struct{}
}

// Open dials host:port, runs the login handshake and returns an
// authenticated connection.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, cancel := opContext(ctx, resolved.Timeout)
	defer cancel()

	mode, _ := tlsMode(resolved.TLS)
	ch, err := wire.Dial(ctx, resolved.Host, resolved.Port, mode)
	if err != nil {
		return nil, mapTransport(err, "opening websocket channel")
	}

	c := newConnection(ch, resolved)
	if err := c.connect(ctx); err != nil {
		c.ch.Close()
		return nil, err
	}
	return c, nil
}

// newConnection wraps an open channel; the caller drives connect.
func newConnection(ch wire.Channel, cfg *Config) *Connection {
	return &Connection{
		cfg:         cfg,
		ch:          ch,
		log:         cfg.Logger.With().Str("component", "connection").Logger(),
		reqSem:      semaphore.NewWeighted(1),
		state:       StateDisconnected,
		autocommit:  *cfg.Autocommit,
		openResults: make(map[int64]struct{}),
	}
}

// connect runs the login handshake followed by the attribute handshake.
func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return errs.New(errs.KindUsage, "connection is already connected")
	}
	c.state = StateHandshaking
	c.mu.Unlock()

	if err := c.login(ctx); err != nil {
		return c.abandon(err)
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	sessionID := c.sessionID
	c.mu.Unlock()

	// Seed session attributes (date/datetime formats, time zone).
	if _, err := c.request(ctx, simpleCommand{Command: "getAttributes"}); err != nil {
		return c.abandon(err)
	}

	c.log.With().Int64("session", sessionID).Logger().Info("session established")
	return nil
}

// abandon marks a connection that never reached a usable session as failed.
// The caller discards it, but the terminal state must still be accurate.
func (c *Connection) abandon(err error) error {
	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateFailed
		c.fatal = err
	}
	c.mu.Unlock()
	return err
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session identifier.
func (c *Connection) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Autocommit reports whether the session currently has autocommit enabled.
func (c *Connection) Autocommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocommit
}

// Execute sends one SQL statement and returns its result. Rows are decoded
// into domain values via the per-column converters.
func (c *Connection) Execute(ctx context.Context, sql string) (*Result, error) {
	return c.execute(ctx, sql, false)
}

// ExecuteRaw is Execute without value conversion: rows carry wire values.
func (c *Connection) ExecuteRaw(ctx context.Context, sql string) (*Result, error) {
	return c.execute(ctx, sql, true)
}

func (c *Connection) execute(ctx context.Context, sql string, raw bool) (*Result, error) {
	ctx, cancel := opContext(ctx, c.cfg.Timeout)
	defer cancel()

	c.log.Debug("execute")
	data, err := c.request(ctx, executeCommand{Command: "execute", SQLText: sql})
	if err != nil {
		return nil, err
	}

	var exec executeData
	if err := decodeJSON(data, &exec); err != nil {
		return nil, c.fail(errs.Wrap(errs.KindProtocol, "malformed execute response", err))
	}
	if len(exec.Results) == 0 {
		return nil, c.fail(errs.New(errs.KindProtocol, "execute response carries no result"))
	}

	res, err := newResult(c, exec.Results[0], raw)
	if err != nil {
		return nil, err
	}
	if res.handle != nil {
		c.mu.Lock()
		c.openResults[*res.handle] = struct{}{}
		c.mu.Unlock()
	}
	return res, nil
}

// Page is one batch of raw, column-major rows from a fetch.
type Page struct {
	NumRows int64
	Data    [][]any
}

// FetchPage retrieves the next page of a server-held result set, starting at
// startOffset rows, bounded by the configured page byte size. Used by the
// cursor; callers normally iterate a Result instead.
func (c *Connection) FetchPage(ctx context.Context, handle, startOffset int64) (*Page, error) {
	ctx, cancel := opContext(ctx, c.cfg.Timeout)
	defer cancel()

	data, err := c.request(ctx, fetchCommand{
		Command:         "fetch",
		ResultSetHandle: handle,
		StartPosition:   startOffset,
		NumBytes:        c.cfg.FetchSize,
	})
	if err != nil {
		return nil, err
	}

	var page fetchData
	if err := decodeJSON(data, &page); err != nil {
		return nil, c.fail(errs.Wrap(errs.KindProtocol, "malformed fetch response", err))
	}
	return &Page{NumRows: page.NumRows, Data: page.Data}, nil
}

// CloseResultSet releases a server-side result-set handle. Releasing a
// handle twice, or one this connection does not hold, reports a usage error:
// it indicates a resource-lifecycle bug in the caller.
func (c *Connection) CloseResultSet(ctx context.Context, handle int64) error {
	c.mu.Lock()
	if _, open := c.openResults[handle]; !open {
		c.mu.Unlock()
		return errs.Newf(errs.KindUsage, "result set %d is not open (double release?)", handle)
	}
	c.mu.Unlock()

	ctx, cancel := opContext(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.request(ctx, closeResultSetCommand{
		Command:          "closeResultSet",
		ResultSetHandles: []int64{handle},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.openResults, handle)
	c.mu.Unlock()
	return nil
}

// Close releases the session and the channel. Safe to call more than once.
// Cursors still open become unusable and fail on their next use.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed, StateClosing:
		c.mu.Unlock()
		return nil
	case StateFailed:
		c.mu.Unlock()
		c.ch.Close()
		return nil
	case StateAuthenticated:
		c.state = StateClosing
		c.mu.Unlock()

		// Polite disconnect; the channel goes away regardless.
		ctx, cancel := opContext(ctx, c.cfg.Timeout)
		c.rawRequest(ctx, simpleCommand{Command: "disconnect"})
		cancel()
	default:
		c.state = StateClosing
		c.mu.Unlock()
	}

	err := c.ch.Close()

	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateClosed
	}
	c.openResults = make(map[int64]struct{})
	c.mu.Unlock()

	c.log.Info("connection closed")
	return err
}

// session snapshots the attributes the value decoder depends on.
func (c *Connection) session() decode.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return decode.Session{
		DateFormat:     c.dateFormat,
		DatetimeFormat: c.datetimeFormat,
		Location:       c.location,
	}
}

// --- Request dispatch ---

// request performs one correlated send/receive pair under the serialization
// lock, after checking the connection is usable.
func (c *Connection) request(ctx context.Context, cmd any) (json.RawMessage, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return c.rawRequest(ctx, cmd)
}

// rawRequest is request without the lifecycle check; the close path uses it
// while in StateClosing.
func (c *Connection) rawRequest(ctx context.Context, cmd any) (json.RawMessage, error) {
	if err := c.reqSem.Acquire(ctx, 1); err != nil {
		// Deadline expired while queued; nothing was sent, but the spec'd
		// conservative policy treats an expired operation as fatal.
		return nil, c.fail(errs.Wrap(errs.KindTimeout, "waiting for in-flight request", err))
	}
	defer c.reqSem.Release(1)

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, errs.Wrap(errs.KindUsage, "encoding request", err)
	}

	if err := c.ch.Send(ctx, payload); err != nil {
		return nil, c.fail(mapTransport(err, "sending request"))
	}
	raw, err := c.ch.Receive(ctx)
	if err != nil {
		return nil, c.fail(mapTransport(err, "awaiting response"))
	}
	return c.parseResponse(raw)
}

// parseResponse validates the envelope, absorbs attribute updates, and
// splits ok/error statuses. Server errors are statement-local; malformed
// envelopes poison the connection.
func (c *Connection) parseResponse(raw []byte) (json.RawMessage, error) {
	var resp response
	if err := decodeJSON(raw, &resp); err != nil {
		return nil, c.fail(errs.Wrap(errs.KindProtocol, "invalid json in server message", err))
	}

	if resp.Attributes != nil {
		c.applyAttributes(resp.Attributes)
	}

	if resp.Status == nil {
		return nil, c.fail(errs.New(errs.KindProtocol, "server message carries no status"))
	}
	switch *resp.Status {
	case "ok":
		return resp.ResponseData, nil
	case "error":
		exc := resp.Exception
		if exc == nil || exc.SQLCode == nil || exc.Text == nil {
			return nil, c.fail(errs.New(errs.KindProtocol, "invalid or missing exception data"))
		}
		return nil, errs.Server(errs.KindQuery, *exc.SQLCode, *exc.Text)
	}
	return nil, c.fail(errs.Newf(errs.KindProtocol, "invalid status %q", *resp.Status))
}

// applyAttributes folds a response's attribute block into the session.
// An unknown time zone name leaves the location unset; values then decode
// without a zone.
func (c *Connection) applyAttributes(attrs *sessionAttributes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attrs.DateFormat != nil {
		c.dateFormat = *attrs.DateFormat
	}
	if attrs.DatetimeFormat != nil {
		c.datetimeFormat = *attrs.DatetimeFormat
	}
	if attrs.Autocommit != nil {
		c.autocommit = *attrs.Autocommit
	}
	if attrs.Timezone != nil {
		if loc, err := time.LoadLocation(*attrs.Timezone); err == nil {
			c.location = loc
		} else {
			c.location = nil
		}
	}
}

// usable gates operations on the lifecycle state. A failed connection fails
// fast with its original error; a closed one reports a usage error.
func (c *Connection) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHandshaking, StateAuthenticated:
		return nil
	case StateFailed:
		return c.fatal
	default:
		return errs.New(errs.KindUsage, "connection closed")
	}
}

// fail moves the connection to StateFailed, records the poisoning error and
// tears the channel down. Returns err for convenient chaining.
func (c *Connection) fail(err *errs.Error) error {
	c.mu.Lock()
	first := c.state != StateFailed
	if first {
		c.state = StateFailed
		c.fatal = err
	}
	c.mu.Unlock()

	if first {
		c.ch.Close()
		c.log.ErrorWith("connection failed", err, map[string]interface{}{
			"kind": err.Kind.String(),
		})
	}
	return err
}

// mapTransport translates channel and context errors into the error
// taxonomy: deadlines and cancellations are timeouts, everything else is a
// transport failure.
func mapTransport(err error, msg string) *errs.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindTimeout, msg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.KindTimeout, msg, err)
	}
	return errs.Wrap(errs.KindConnection, msg, err)
}

// opContext applies the configured per-operation deadline when the caller's
// context has none.
func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
