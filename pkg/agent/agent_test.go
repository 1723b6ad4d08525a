package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MRoie/lego-loco-cluster/internal/qmptest"
	"github.com/MRoie/lego-loco-cluster/pkg/input"
	"github.com/MRoie/lego-loco-cluster/pkg/qmp"
)

// newTestAgent builds an agent over dir with delays disabled.
func newTestAgent(dir string, opts ...AgentOption) *Agent {
	opts = append([]AgentOption{WithSleep(func(time.Duration) {})}, opts...)
	return New(dir, opts...)
}

func keyFields(t *testing.T, event map[string]any) (code int, down bool) {
	t.Helper()
	if event["type"] != "key" {
		t.Fatalf("event type = %v, want key", event["type"])
	}
	data := event["data"].(map[string]any)
	key := data["key"].(map[string]any)
	return int(key["data"].(float64)), data["down"].(bool)
}

// The documented scenario: key=enter action=tap on instance 0 puts exactly
// one down then one up for code 28 on the wire.
func TestSendKeyTap(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	a := newTestAgent(dir)
	defer a.Close()

	result, err := a.SendKey(context.Background(), "0", "enter", input.KeyTap)
	if err != nil {
		t.Fatalf("SendKey: %v", err)
	}
	if !result.OK || result.Key != "enter" || result.Action != "tap" {
		t.Errorf("result = %+v", result)
	}

	events := srv.InputEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events on the wire, got %d", len(events))
	}
	if code, down := keyFields(t, events[0]); code != 28 || !down {
		t.Errorf("first event = code %d down %v, want 28 down", code, down)
	}
	if code, down := keyFields(t, events[1]); code != 28 || down {
		t.Errorf("second event = code %d down %v, want 28 up", code, down)
	}
}

func TestSendKeyPressAndRelease(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	a := newTestAgent(dir)
	defer a.Close()

	if _, err := a.SendKey(context.Background(), "0", "shift", input.KeyPress); err != nil {
		t.Fatalf("press: %v", err)
	}
	if _, err := a.SendKey(context.Background(), "0", "shift", input.KeyRelease); err != nil {
		t.Fatalf("release: %v", err)
	}

	events := srv.InputEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if _, down := keyFields(t, events[0]); !down {
		t.Error("press event not down")
	}
	if _, down := keyFields(t, events[1]); down {
		t.Error("release event not up")
	}
}

// Encode failures must be reported before any transport interaction.
func TestSendKeyEncodeErrorTouchesNoConnection(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	a := newTestAgent(dir)
	defer a.Close()

	_, err := a.SendKey(context.Background(), "0", "bogus-key", input.KeyTap)
	if !errors.Is(err, input.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if srv.Greetings() != 0 {
		t.Error("encode error still dialed the instance")
	}
}

func TestSendMouseClick(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	a := newTestAgent(dir)
	defer a.Close()

	x, y := 512, 384
	result, err := a.SendMouse(context.Background(), "0", &x, &y, "left", input.MouseClick)
	if err != nil {
		t.Fatalf("SendMouse: %v", err)
	}
	if !result.OK || result.Button != "left" || *result.X != 512 {
		t.Errorf("result = %+v", result)
	}

	events := srv.InputEvents()
	if len(events) != 4 {
		t.Fatalf("expected move x, move y, down, up; got %d events", len(events))
	}

	for i, axis := range []string{"x", "y"} {
		if events[i]["type"] != "abs" {
			t.Fatalf("event %d type = %v, want abs", i, events[i]["type"])
		}
		data := events[i]["data"].(map[string]any)
		if data["axis"] != axis {
			t.Errorf("event %d axis = %v, want %s", i, data["axis"], axis)
		}
		value := int(data["value"].(float64))
		if value < 16382 || value > 16384 {
			t.Errorf("axis %s scaled to %d, want ~16383", axis, value)
		}
	}

	for i, wantDown := range map[int]bool{2: true, 3: false} {
		if events[i]["type"] != "btn" {
			t.Fatalf("event %d type = %v, want btn", i, events[i]["type"])
		}
		data := events[i]["data"].(map[string]any)
		if data["button"] != "left" || data["down"] != wantDown {
			t.Errorf("event %d = %v", i, data)
		}
	}
}

func TestSendMouseMoveOnly(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	a := newTestAgent(dir)
	defer a.Close()

	x, y := 10, 20
	if _, err := a.SendMouse(context.Background(), "0", &x, &y, "", input.MouseMoveOnly); err != nil {
		t.Fatalf("SendMouse: %v", err)
	}

	events := srv.InputEvents()
	if len(events) != 2 {
		t.Fatalf("expected only the axis pair, got %d events", len(events))
	}
}

// An invalid button is rejected before the move command is transmitted, so
// a bad request never half-applies.
func TestSendMouseUnknownButtonSendsNothing(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	a := newTestAgent(dir)
	defer a.Close()

	x, y := 100, 100
	_, err := a.SendMouse(context.Background(), "0", &x, &y, "side", input.MouseClick)
	if !errors.Is(err, input.ErrUnknownButton) {
		t.Fatalf("expected ErrUnknownButton, got %v", err)
	}
	if srv.Greetings() != 0 {
		t.Error("encode error still touched the transport")
	}
}

func TestQueryStatusPassthrough(t *testing.T) {
	dir := qmptest.Dir(t)
	qmptest.New(t, filepath.Join(dir, "qmp-0.sock"),
		qmptest.WithHandler(func(cmd qmptest.Command) []map[string]any {
			if cmd.Execute != "query-status" {
				return []map[string]any{{"return": map[string]any{}}}
			}
			return []map[string]any{{"return": map[string]any{"status": "running", "singlestep": false}}}
		}))

	a := newTestAgent(dir)
	defer a.Close()

	status, err := a.QueryStatus(context.Background(), "0")
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status["status"] != "running" || status["singlestep"] != false {
		t.Errorf("status = %v", status)
	}
}

// A tap keeps the fixed delay between the down and the up command: exactly
// one pause, after the down command is on the wire.
func TestTapDelayBetweenDownAndUp(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	type pause struct {
		d        time.Duration
		commands int // commands on the wire when the pause began
	}
	var pauses []pause
	a := New(dir, WithSleep(func(d time.Duration) {
		pauses = append(pauses, pause{d, len(srv.Commands())})
	}))
	defer a.Close()

	if _, err := a.SendKey(context.Background(), "0", "enter", input.KeyTap); err != nil {
		t.Fatalf("SendKey: %v", err)
	}

	// qmp_capabilities and the down command precede the pause; the up
	// command follows it.
	if len(pauses) != 1 {
		t.Fatalf("tap paused %d times, want 1", len(pauses))
	}
	if pauses[0].d != tapDelay {
		t.Errorf("tap pause = %s, want %s", pauses[0].d, tapDelay)
	}
	if pauses[0].commands != 2 {
		t.Errorf("pause after %d commands, want 2 (down sent, up pending)", pauses[0].commands)
	}
	if got := len(srv.Commands()); got != 3 {
		t.Errorf("%d commands after tap, want 3", got)
	}
}

// A click with a move keeps both fixed delays: the pointer settle after
// the move and the press-to-release gap.
func TestClickDelaysAfterMoveAndPress(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	type pause struct {
		d        time.Duration
		commands int
	}
	var pauses []pause
	a := New(dir, WithSleep(func(d time.Duration) {
		pauses = append(pauses, pause{d, len(srv.Commands())})
	}))
	defer a.Close()

	x, y := 100, 200
	if _, err := a.SendMouse(context.Background(), "0", &x, &y, "left", input.MouseClick); err != nil {
		t.Fatalf("SendMouse: %v", err)
	}

	if len(pauses) != 2 {
		t.Fatalf("click paused %d times, want 2", len(pauses))
	}
	if pauses[0].d != settleDelay || pauses[0].commands != 2 {
		t.Errorf("settle pause = %+v, want %s after the move command", pauses[0], settleDelay)
	}
	if pauses[1].d != clickDelay || pauses[1].commands != 3 {
		t.Errorf("click pause = %+v, want %s between down and up", pauses[1], clickDelay)
	}
}

// An asynchronous guest event reaches hub subscribers while the instance
// is idle, without a command draining the socket first.
func TestIdleEventReachesSubscribers(t *testing.T) {
	dir := qmptest.Dir(t)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"))

	a := newTestAgent(dir)
	defer a.Close()

	if _, err := a.Registry().Get("0"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	sub := a.Hub().Subscribe("0")
	defer sub.Close()

	srv.Emit(map[string]any{"event": "RESET"})

	select {
	case event := <-sub.Events():
		if event["event"] != "RESET" {
			t.Errorf("event = %v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle event never reached the hub")
	}
}

// A transport failure surfaces as ErrInstanceUnavailable, evicts the
// connection, and the next call gets a fresh handshake.
func TestTransportFailureEvictsAndReconnects(t *testing.T) {
	dir := qmptest.Dir(t)

	var failFirst atomic.Bool
	failFirst.Store(true)
	srv := qmptest.New(t, filepath.Join(dir, "qmp-0.sock"),
		qmptest.WithHandler(func(cmd qmptest.Command) []map[string]any {
			if failFirst.CompareAndSwap(true, false) {
				return nil // swallow the command, client times out
			}
			return []map[string]any{{"return": map[string]any{}}}
		}))

	a := newTestAgent(dir, WithTimeout(100*time.Millisecond))
	defer a.Close()

	_, err := a.SendKey(context.Background(), "0", "enter", input.KeyPress)
	if !errors.Is(err, ErrInstanceUnavailable) {
		t.Fatalf("expected ErrInstanceUnavailable, got %v", err)
	}
	if !errors.Is(err, qmp.ErrProtocolTimeout) {
		t.Errorf("cause not preserved: %v", err)
	}
	if got := a.Registry().Connected(); len(got) != 0 {
		t.Fatalf("dead connection not evicted: %v", got)
	}

	if _, err := a.SendKey(context.Background(), "0", "enter", input.KeyPress); err != nil {
		t.Fatalf("SendKey after eviction: %v", err)
	}
	if srv.Greetings() != 2 {
		t.Errorf("expected a fresh handshake after eviction, got %d greetings", srv.Greetings())
	}
}

// A stalled instance must not delay requests to a different instance.
func TestInstancesIndependent(t *testing.T) {
	dir := qmptest.Dir(t)

	qmptest.New(t, filepath.Join(dir, "qmp-slow.sock"),
		qmptest.WithHandler(func(cmd qmptest.Command) []map[string]any {
			time.Sleep(500 * time.Millisecond)
			return []map[string]any{{"return": map[string]any{}}}
		}))
	qmptest.New(t, filepath.Join(dir, "qmp-fast.sock"))

	a := newTestAgent(dir, WithTimeout(2*time.Second))
	defer a.Close()

	slowDone := make(chan error, 1)
	go func() {
		_, err := a.SendKey(context.Background(), "slow", "enter", input.KeyPress)
		slowDone <- err
	}()

	// Give the slow request time to be in flight, then race the fast one.
	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if _, err := a.SendKey(context.Background(), "fast", "enter", input.KeyPress); err != nil {
		t.Fatalf("fast instance: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("fast instance blocked for %s behind slow instance", elapsed)
	}

	if err := <-slowDone; err != nil {
		t.Fatalf("slow instance: %v", err)
	}
}
