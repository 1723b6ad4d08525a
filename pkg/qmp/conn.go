package qmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout is the default bound on waiting for a reply frame.
const DefaultTimeout = 5 * time.Second

// EventFunc receives asynchronous event frames. It is called from the
// connection's reader goroutine, so implementations must not block: a
// stalled sink stalls reply delivery for the whole connection.
type EventFunc func(event map[string]any)

// Conn is one persistent QMP session. The zero value is not usable; obtain
// a Conn via Dial, which performs the greeting and capability negotiation
// before returning.
//
// A single reader goroutine owns the socket's receive side: reply frames
// are handed to the command awaiting them, everything else goes to the
// event sink immediately, whether or not a command is in flight.
type Conn struct {
	path    string
	timeout time.Duration
	onEvent EventFunc
	logger  *slog.Logger

	// mu serializes the whole send-then-await sequence of Execute.
	// Concurrent callers queue in lock-acquisition order.
	mu   sync.Mutex
	conn net.Conn
	dec  *json.Decoder

	// replies carries reply frames from the reader to the command holding
	// mu. Capacity 1 absorbs a reply orphaned by a timed-out command.
	replies    chan map[string]any
	readerDone chan struct{}
	readErr    error // set before readerDone closes

	greeting   map[string]any
	negotiated bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// Option configures a Conn before it dials.
type Option func(*Conn)

// WithTimeout sets the reply read timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEventFunc sets the sink for asynchronous event frames.
func WithEventFunc(fn EventFunc) Option {
	return func(c *Conn) { c.onEvent = fn }
}

// WithLogger sets the connection logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial opens the unix socket at path and completes the QMP handshake:
// read the greeting, verify its marker, negotiate capabilities. The
// handshake runs exactly once per connection, before any command; the
// reader goroutine starts only after it succeeds.
func Dial(path string, opts ...Option) (*Conn, error) {
	c := &Conn{
		path:       path,
		timeout:    DefaultTimeout,
		logger:     slog.Default().With("component", "qmp"),
		replies:    make(chan map[string]any, 1),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := net.DialTimeout("unix", path, c.timeout)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSocketNotFound, path)
		}
		return nil, fmt.Errorf("qmp: dial %s: %w", path, err)
	}
	c.conn = conn
	c.dec = json.NewDecoder(conn)

	if err := c.handshake(); err != nil {
		c.Close()
		return nil, err
	}

	// The reader blocks in Decode between frames; waiting is bounded by
	// Execute's timer, not a socket deadline.
	c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	go c.readLoop()

	c.logger.Debug("connected", "path", path)
	return c, nil
}

// handshake reads the greeting and negotiates capabilities. It runs before
// the reader starts and is the only other place the socket is read, under
// a plain read deadline.
func (c *Conn) handshake() error {
	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("qmp: set deadline: %w", err)
	}

	var greeting map[string]any
	if err := c.dec.Decode(&greeting); err != nil {
		return fmt.Errorf("%w: reading greeting: %v", ErrHandshakeFailed, err)
	}
	if _, ok := greeting["QMP"]; !ok {
		return fmt.Errorf("%w: greeting missing QMP marker", ErrHandshakeFailed)
	}
	c.greeting = greeting

	if err := c.send(commandEnvelope{Execute: "qmp_capabilities"}); err != nil {
		return fmt.Errorf("%w: sending qmp_capabilities: %v", ErrHandshakeFailed, err)
	}
	reply, err := c.readHandshakeReply()
	if err != nil {
		return fmt.Errorf("%w: awaiting qmp_capabilities reply: %v", ErrHandshakeFailed, err)
	}
	ret, ok := reply["return"].(map[string]any)
	if !ok || len(ret) != 0 {
		return fmt.Errorf("%w: qmp_capabilities rejected: %v", ErrHandshakeFailed, reply)
	}
	c.negotiated = true
	return nil
}

// readHandshakeReply reads frames until one carries a reply marker,
// skipping any events the guest emits during negotiation.
func (c *Conn) readHandshakeReply() (map[string]any, error) {
	for {
		var frame map[string]any
		if err := c.dec.Decode(&frame); err != nil {
			return nil, c.mapIOError(err)
		}
		if isReply(frame) {
			return frame, nil
		}
		c.dispatchEvent(frame)
	}
}

// commandEnvelope is one outgoing QMP command object.
type commandEnvelope struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

// Execute sends one command and waits for its matching reply. The entire
// send-then-await sequence runs under the connection lock, so concurrent
// commands never interleave on the wire and replies pair with commands in
// order.
//
// ctx is consulted before the command is written; once bytes are on the
// wire the command cannot be recalled, so cancellation mid-await is not
// supported and the reply timeout is the bound on waiting.
func (c *Conn) Execute(ctx context.Context, command string, args any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Discard a reply orphaned by an earlier command that timed out.
	select {
	case <-c.replies:
	default:
	}

	if err := c.send(commandEnvelope{Execute: command, Arguments: args}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-c.replies:
		if errObj, ok := reply["error"].(map[string]any); ok {
			cmdErr := &CommandError{}
			cmdErr.Class, _ = errObj["class"].(string)
			cmdErr.Desc, _ = errObj["desc"].(string)
			return nil, cmdErr
		}
		return reply, nil
	case <-c.readerDone:
		return nil, c.readErr
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrProtocolTimeout, c.timeout)
	}
}

// send marshals and writes one newline-delimited JSON object.
func (c *Conn) send(env commandEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("qmp: marshal %s: %w", env.Execute, err)
	}
	data = append(data, '\n')

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("qmp: set deadline: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return c.mapIOError(err)
	}
	return nil
}

// readLoop is the connection's only reader after the handshake. Reply
// frames go to the waiting command; everything else is an asynchronous
// event delivered as soon as it arrives, even with no command in flight.
func (c *Conn) readLoop() {
	for {
		var frame map[string]any
		if err := c.dec.Decode(&frame); err != nil {
			c.readErr = c.mapIOError(err)
			close(c.readerDone)
			if !c.closed.Load() {
				c.logger.Debug("reader stopped", "path", c.path, "error", c.readErr)
			}
			return
		}
		if isReply(frame) {
			select {
			case c.replies <- frame:
			default:
				c.logger.Warn("discarding unsolicited reply", "path", c.path)
			}
			continue
		}
		c.dispatchEvent(frame)
	}
}

// isReply reports whether frame carries a reply marker: a top-level
// "return" or "error" key.
func isReply(frame map[string]any) bool {
	if _, ok := frame["return"]; ok {
		return true
	}
	_, ok := frame["error"]
	return ok
}

func (c *Conn) dispatchEvent(frame map[string]any) {
	if c.onEvent != nil {
		c.onEvent(frame)
		return
	}
	c.logger.Debug("discarding event", "event", frame["event"])
}

// mapIOError converts raw transport errors into the package taxonomy.
func (c *Conn) mapIOError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %s", ErrProtocolTimeout, c.timeout)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return fmt.Errorf("qmp: %w", err)
}

// Close tears down the transport and stops the reader. Idempotent and safe
// on an already-broken connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.logger.Debug("closed", "path", c.path)
	})
	return err
}

// Path returns the socket path this connection dialed.
func (c *Conn) Path() string { return c.path }

// Greeting returns the greeting frame received during the handshake.
func (c *Conn) Greeting() map[string]any { return c.greeting }

// Negotiated reports whether capability negotiation completed.
func (c *Conn) Negotiated() bool { return c.negotiated }

// isNotExist reports whether a dial error means the socket path is absent.
func isNotExist(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, fs.ErrNotExist)
	}
	return errors.Is(err, fs.ErrNotExist)
}
