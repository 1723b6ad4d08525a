package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MRoie/lego-loco-cluster/pkg/qmp"
)

// ErrRegistryClosed is returned by Get after CloseAll; a shut-down
// registry never dials again.
var ErrRegistryClosed = errors.New("agent: registry closed")

// Registry maps instance identifiers to live QMP connections. Connections
// are created lazily on first use and destroyed on transport failure;
// callers never see a permanently dead handle, only a fresh dial attempt.
type Registry struct {
	dir     string
	timeout time.Duration
	logger  *slog.Logger

	// onEvent, when set, receives asynchronous guest events tagged with
	// the instance they came from. Installed on every new connection.
	onEvent func(instanceID string, event map[string]any)

	// mu guards conns, evicted and closed only. Dials run outside it,
	// inside a per-instance singleflight flight, so one instance
	// (re)connecting never blocks lookups for another.
	mu      sync.Mutex
	conns   map[string]*qmp.Conn
	evicted map[string]bool
	closed  bool

	group singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithConnTimeout sets the reply timeout applied to every connection.
func WithConnTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a Registry resolving sockets under dir.
func NewRegistry(dir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:     dir,
		timeout: qmp.DefaultTimeout,
		logger:  slog.Default().With("component", "registry"),
		conns:   make(map[string]*qmp.Conn),
		evicted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SocketDir returns the directory the registry resolves sockets in.
func (r *Registry) SocketDir() string { return r.dir }

// Get returns the live connection for an instance, dialing and handshaking
// a new one on first use. Concurrent first users of the same instance share
// a single dial. An unresolvable socket leaves no registry entry behind.
func (r *Registry) Get(instanceID string) (*qmp.Conn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if conn, ok := r.conns[instanceID]; ok {
		r.mu.Unlock()
		return conn, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(instanceID, func() (any, error) {
		// A concurrent flight may have stored a connection between the
		// check above and this flight starting.
		r.mu.Lock()
		if conn, ok := r.conns[instanceID]; ok {
			r.mu.Unlock()
			return conn, nil
		}
		r.mu.Unlock()
		return r.dial(instanceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*qmp.Conn), nil
}

// dial resolves the socket path, connects, and stores the result.
func (r *Registry) dial(instanceID string) (*qmp.Conn, error) {
	path, err := r.resolveSocket(instanceID)
	if err != nil {
		return nil, err
	}

	opts := []qmp.Option{
		qmp.WithTimeout(r.timeout),
		qmp.WithLogger(r.logger.With("instance", instanceID)),
	}
	if r.onEvent != nil {
		opts = append(opts, qmp.WithEventFunc(func(event map[string]any) {
			r.onEvent(instanceID, event)
		}))
	}

	conn, err := qmp.Dial(path, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		// CloseAll won the race with this dial; the new connection must
		// not outlive the shutdown.
		r.mu.Unlock()
		conn.Close()
		return nil, ErrRegistryClosed
	}
	if r.evicted[instanceID] {
		delete(r.evicted, instanceID)
		reconnectsTotal.Inc()
	}
	r.conns[instanceID] = conn
	r.mu.Unlock()

	activeConnections.Inc()
	r.logger.Info("connected", "instance", instanceID, "path", path)
	return conn, nil
}

// resolveSocket applies the naming convention: qmp-<id>.sock, falling back
// to a single shared qmp.sock.
func (r *Registry) resolveSocket(instanceID string) (string, error) {
	primary := filepath.Join(r.dir, fmt.Sprintf("qmp-%s.sock", instanceID))
	if _, err := os.Stat(primary); err == nil {
		return primary, nil
	}
	shared := filepath.Join(r.dir, "qmp.sock")
	if _, err := os.Stat(shared); err == nil {
		return shared, nil
	}
	return "", fmt.Errorf("%w: %s for instance %s", qmp.ErrSocketNotFound, primary, instanceID)
}

// Evict removes and closes an instance's connection so the next Get
// performs a fresh handshake. Safe to call for unknown instances.
func (r *Registry) Evict(instanceID string) {
	r.mu.Lock()
	conn, ok := r.conns[instanceID]
	if ok {
		delete(r.conns, instanceID)
		r.evicted[instanceID] = true
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
		activeConnections.Dec()
		r.logger.Warn("evicted connection", "instance", instanceID)
	}
}

// CloseAll disconnects every entry and marks the registry closed; any
// later or in-flight Get fails with ErrRegistryClosed. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*qmp.Conn)
	r.evicted = make(map[string]bool)
	r.closed = true
	r.mu.Unlock()

	for id, conn := range conns {
		conn.Close()
		activeConnections.Dec()
		r.logger.Debug("closed connection", "instance", id)
	}
}

// Connected returns the ids with a live connection, sorted.
func (r *Registry) Connected() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}
