package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MRoie/lego-loco-cluster/pkg/input"
	"github.com/MRoie/lego-loco-cluster/pkg/qmp"
)

// Inter-event delays. Win98-era guests miss events delivered back to back,
// so taps and clicks keep a minimum gap between down and up, and the
// pointer gets a moment to settle after an absolute move.
const (
	tapDelay    = 50 * time.Millisecond
	clickDelay  = 50 * time.Millisecond
	settleDelay = 20 * time.Millisecond
)

// ErrInstanceUnavailable is returned when an instance's transport failed
// mid-operation. The dead connection has been evicted; the next call will
// attempt a fresh handshake.
var ErrInstanceUnavailable = errors.New("agent: instance unavailable")

// InputResult acknowledges a dispatched input operation, echoing the
// request fields.
type InputResult struct {
	OK     bool   `json:"ok"`
	Key    string `json:"key,omitempty"`
	X      *int   `json:"x,omitempty"`
	Y      *int   `json:"y,omitempty"`
	Button string `json:"button,omitempty"`
	Action string `json:"action"`
}

// Agent dispatches high-level guest-control operations through the
// registry's connections. Construct one per process with New and pass it
// explicitly to whatever serves requests; there is no package-level
// instance.
type Agent struct {
	registry *Registry
	hub      *Hub
	logger   *slog.Logger
	timeout  time.Duration

	// sleep is swapped out in tests to keep tap/click expansion fast.
	sleep func(time.Duration)
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithTimeout sets the QMP reply timeout applied to every connection.
func WithTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithSleep replaces the inter-event delay function. Test hook.
func WithSleep(fn func(time.Duration)) AgentOption {
	return func(a *Agent) {
		if fn != nil {
			a.sleep = fn
		}
	}
}

// New creates an Agent resolving QMP sockets under socketDir.
func New(socketDir string, opts ...AgentOption) *Agent {
	a := &Agent{
		hub:   NewHub(nil),
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "agent")
	}
	regOpts := []RegistryOption{WithRegistryLogger(a.logger)}
	if a.timeout > 0 {
		regOpts = append(regOpts, WithConnTimeout(a.timeout))
	}
	a.registry = NewRegistry(socketDir, regOpts...)
	a.registry.onEvent = a.hub.Publish
	return a
}

// NewWithRegistry creates an Agent around an existing registry. Used by
// tests that need to point the registry at a fake transport.
func NewWithRegistry(r *Registry, opts ...AgentOption) *Agent {
	a := &Agent{
		registry: r,
		hub:      NewHub(nil),
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "agent")
	}
	r.onEvent = a.hub.Publish
	return a
}

// Registry returns the agent's connection registry.
func (a *Agent) Registry() *Registry { return a.registry }

// Hub returns the agent's asynchronous event hub.
func (a *Agent) Hub() *Hub { return a.hub }

// Close disconnects every live connection.
func (a *Agent) Close() { a.registry.CloseAll() }

// SendKey dispatches a keyboard action. A tap issues one down event and
// one up event as separate commands with the fixed inter-event delay
// between them; press and release issue a single event. Encode errors are
// reported before any connection is touched.
func (a *Agent) SendKey(ctx context.Context, instanceID, key string, action input.KeyAction) (InputResult, error) {
	result := InputResult{Key: key, Action: action.String()}

	down, err := input.Key(key, true)
	if err != nil {
		commandErrors.WithLabelValues(errorKind(err)).Inc()
		return result, err
	}
	up, err := input.Key(key, false)
	if err != nil {
		commandErrors.WithLabelValues(errorKind(err)).Inc()
		return result, err
	}

	switch action {
	case input.KeyTap:
		if err := a.sendEvents(ctx, instanceID, down); err != nil {
			return result, err
		}
		a.sleep(tapDelay)
		if err := a.sendEvents(ctx, instanceID, up); err != nil {
			return result, err
		}
	case input.KeyPress:
		if err := a.sendEvents(ctx, instanceID, down); err != nil {
			return result, err
		}
	case input.KeyRelease:
		if err := a.sendEvents(ctx, instanceID, up); err != nil {
			return result, err
		}
	default:
		return result, fmt.Errorf("%w: key action %d", input.ErrUnknownAction, action)
	}

	result.OK = true
	return result, nil
}

// SendMouse dispatches a mouse action: an optional absolute move when both
// coordinates are supplied, then an optional button transition. A click
// expands to press, delay, release. All events are encoded up front so an
// invalid button never causes a half-applied move.
func (a *Agent) SendMouse(ctx context.Context, instanceID string, x, y *int, button string, action input.MouseAction) (InputResult, error) {
	result := InputResult{X: x, Y: y, Button: button, Action: action.String()}

	var move []input.Event
	if x != nil && y != nil {
		move = input.MouseMove(*x, *y)
	}

	var btnDown, btnUp input.Event
	if button != "" && action != input.MouseMoveOnly {
		var err error
		if btnDown, err = input.MouseButton(button, true); err != nil {
			commandErrors.WithLabelValues(errorKind(err)).Inc()
			return result, err
		}
		if btnUp, err = input.MouseButton(button, false); err != nil {
			commandErrors.WithLabelValues(errorKind(err)).Inc()
			return result, err
		}
	}

	if move != nil {
		if err := a.sendEvents(ctx, instanceID, move...); err != nil {
			return result, err
		}
		a.sleep(settleDelay)
	}

	if btnDown != nil {
		switch action {
		case input.MouseClick:
			if err := a.sendEvents(ctx, instanceID, btnDown); err != nil {
				return result, err
			}
			a.sleep(clickDelay)
			if err := a.sendEvents(ctx, instanceID, btnUp); err != nil {
				return result, err
			}
		case input.MousePress:
			if err := a.sendEvents(ctx, instanceID, btnDown); err != nil {
				return result, err
			}
		case input.MouseRelease:
			if err := a.sendEvents(ctx, instanceID, btnUp); err != nil {
				return result, err
			}
		}
	}

	result.OK = true
	return result, nil
}

// QueryStatus runs query-status and returns the raw status payload
// unmodified.
func (a *Agent) QueryStatus(ctx context.Context, instanceID string) (map[string]any, error) {
	reply, err := a.execute(ctx, instanceID, "query-status", nil)
	if err != nil {
		return nil, err
	}
	if ret, ok := reply["return"].(map[string]any); ok {
		return ret, nil
	}
	return reply, nil
}

// sendEvents issues one input-send-event command carrying events.
func (a *Agent) sendEvents(ctx context.Context, instanceID string, events ...input.Event) error {
	_, err := a.execute(ctx, instanceID, "input-send-event", map[string]any{"events": events})
	return err
}

// execute resolves the instance's connection and runs one command,
// recording metrics and evicting the connection on transport-class
// failures so the next call reconnects.
func (a *Agent) execute(ctx context.Context, instanceID, command string, args any) (map[string]any, error) {
	conn, err := a.registry.Get(instanceID)
	if err != nil {
		commandErrors.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}

	start := time.Now()
	reply, err := conn.Execute(ctx, command, args)
	commandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())

	if err != nil {
		commandsTotal.WithLabelValues(command, "error").Inc()
		commandErrors.WithLabelValues(errorKind(err)).Inc()
		if qmp.IsTransportError(err) {
			a.registry.Evict(instanceID)
			a.logger.Warn("transport failure", "instance", instanceID, "command", command, "error", err)
			return nil, fmt.Errorf("%w: %s: %w", ErrInstanceUnavailable, instanceID, err)
		}
		return nil, err
	}

	commandsTotal.WithLabelValues(command, "success").Inc()
	return reply, nil
}
