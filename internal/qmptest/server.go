// Package qmptest provides an in-process fake QMP endpoint for tests: a
// unix socket server that speaks the greeting/negotiation handshake and
// records every command it receives.
package qmptest

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
)

// Command is one decoded command the server received.
type Command struct {
	Execute   string
	Arguments map[string]any
}

// Events extracts the events array of an input-send-event command.
func (c Command) Events() []map[string]any {
	raw, ok := c.Arguments["events"].([]any)
	if !ok {
		return nil
	}
	events := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			events = append(events, m)
		}
	}
	return events
}

// HandlerFunc produces the frames to write in response to a command, in
// order. Frames before the last can be asynchronous events; a nil return
// writes nothing, leaving the client to hit its reply timeout.
type HandlerFunc func(cmd Command) []map[string]any

// Server is a fake QMP endpoint on a unix socket.
type Server struct {
	t    *testing.T
	ln   net.Listener
	path string

	greeting          map[string]any
	rejectNegotiation bool
	handler           HandlerFunc

	mu        sync.Mutex
	conns     []*serverConn
	commands  []Command
	greetings int
}

// serverConn is one accepted connection; its mutex keeps handler replies
// and Emit frames from interleaving on the wire.
type serverConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
}

func (sc *serverConn) write(frame map[string]any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.enc.Encode(frame)
}

// Option configures a Server.
type Option func(*Server)

// WithGreeting replaces the greeting frame.
func WithGreeting(g map[string]any) Option {
	return func(s *Server) { s.greeting = g }
}

// WithHandler installs a reply handler for commands other than
// qmp_capabilities.
func WithHandler(fn HandlerFunc) Option {
	return func(s *Server) { s.handler = fn }
}

// RejectNegotiation makes qmp_capabilities fail with an error reply.
func RejectNegotiation() Option {
	return func(s *Server) { s.rejectNegotiation = true }
}

// New starts a fake QMP server listening on path. It stops when the test
// ends.
func New(t *testing.T, path string, opts ...Option) *Server {
	t.Helper()

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	s := &Server{
		t:    t,
		ln:   ln,
		path: path,
		greeting: map[string]any{
			"QMP": map[string]any{
				"version":      map[string]any{"qemu": map[string]any{"major": 7, "minor": 2, "micro": 0}},
				"capabilities": []any{},
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Close stops accepting and drops every live connection.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, sc := range conns {
		sc.conn.Close()
	}
}

// Emit writes an asynchronous event frame to every live connection,
// outside any command exchange. This is how a guest's spontaneous events
// look on the wire.
func (s *Server) Emit(frame map[string]any) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, sc := range conns {
		sc.write(frame) //nolint:errcheck
	}
}

// Commands returns a copy of every recorded command.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// InputEvents returns the device events of every input-send-event command
// received so far, flattened in arrival order.
func (s *Server) InputEvents() []map[string]any {
	var events []map[string]any
	for _, cmd := range s.Commands() {
		if cmd.Execute == "input-send-event" {
			events = append(events, cmd.Events()...)
		}
	}
	return events
}

// Greetings returns how many connections received a greeting, i.e. how
// many handshakes were started.
func (s *Server) Greetings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greetings
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, enc: json.NewEncoder(conn)}
		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go s.serve(sc)
	}
}

func (s *Server) serve(sc *serverConn) {
	defer sc.conn.Close()

	if err := sc.write(s.greeting); err != nil {
		return
	}
	s.mu.Lock()
	s.greetings++
	s.mu.Unlock()

	dec := json.NewDecoder(sc.conn)
	for {
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return
		}
		cmd := Command{}
		cmd.Execute, _ = raw["execute"].(string)
		cmd.Arguments, _ = raw["arguments"].(map[string]any)

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		var frames []map[string]any
		switch {
		case cmd.Execute == "qmp_capabilities":
			if s.rejectNegotiation {
				frames = []map[string]any{{"error": map[string]any{"class": "GenericError", "desc": "negotiation rejected"}}}
			} else {
				frames = []map[string]any{{"return": map[string]any{}}}
			}
		case s.handler != nil:
			frames = s.handler(cmd)
		default:
			frames = []map[string]any{{"return": map[string]any{}}}
		}

		for _, frame := range frames {
			if err := sc.write(frame); err != nil {
				return
			}
		}
	}
}
