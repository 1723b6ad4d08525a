package input

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Logical coordinate space and device range for absolute pointer events.
// Mouse coordinates arrive in the fixed logical space and are scaled to
// QEMU's absolute axis range before hitting the wire.
const (
	LogicalWidth  = 1024
	LogicalHeight = 768
	AbsRange      = 32767
)

// Encoder errors.
var (
	ErrUnknownKey    = errors.New("input: unknown key")
	ErrUnknownButton = errors.New("input: unknown mouse button")
	ErrUnknownAction = errors.New("input: unknown action")
)

// KeyAction is what to do with a key: press, release, or tap (press then
// release with the dispatcher's fixed inter-event delay).
type KeyAction uint8

const (
	KeyTap KeyAction = iota
	KeyPress
	KeyRelease
)

// String returns the wire-facing name of the action.
func (a KeyAction) String() string {
	switch a {
	case KeyTap:
		return "tap"
	case KeyPress:
		return "press"
	case KeyRelease:
		return "release"
	default:
		return "unknown"
	}
}

// ParseKeyAction parses a key action name. Empty defaults to tap, matching
// the HTTP surface's lenient body handling.
func ParseKeyAction(s string) (KeyAction, error) {
	switch strings.ToLower(s) {
	case "", "tap":
		return KeyTap, nil
	case "press":
		return KeyPress, nil
	case "release":
		return KeyRelease, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// MouseAction is what to do with the pointer after an optional move.
type MouseAction uint8

const (
	MouseClick MouseAction = iota
	MousePress
	MouseRelease
	MouseMoveOnly
)

// String returns the wire-facing name of the action.
func (a MouseAction) String() string {
	switch a {
	case MouseClick:
		return "click"
	case MousePress:
		return "press"
	case MouseRelease:
		return "release"
	case MouseMoveOnly:
		return "move"
	default:
		return "unknown"
	}
}

// ParseMouseAction parses a mouse action name. Empty defaults to click.
func ParseMouseAction(s string) (MouseAction, error) {
	switch strings.ToLower(s) {
	case "", "click":
		return MouseClick, nil
	case "press":
		return MousePress, nil
	case "release":
		return MouseRelease, nil
	case "move":
		return MouseMoveOnly, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// KeyCode resolves a key name to its device code. Lookup is
// case-insensitive; a name that parses as an integer (decimal or 0x-hex)
// is accepted as a raw code override.
func KeyCode(name string) (int, error) {
	if code, ok := keyCodes[strings.ToLower(name)]; ok {
		return code, nil
	}
	if code, err := strconv.ParseInt(name, 0, 32); err == nil {
		return int(code), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKey, name)
}

// Key builds a single keyboard event for the named key.
func Key(name string, down bool) (Event, error) {
	code, err := KeyCode(name)
	if err != nil {
		return nil, err
	}
	return KeyEvent{Code: code, Down: down}, nil
}

// MouseMove builds the absolute-axis event pair positioning the pointer at
// logical (x, y). Out-of-range coordinates are clamped to the logical
// space, not rejected.
func MouseMove(x, y int) []Event {
	return []Event{
		AbsEvent{Axis: "x", Value: scaleAxis(x, LogicalWidth)},
		AbsEvent{Axis: "y", Value: scaleAxis(y, LogicalHeight)},
	}
}

// scaleAxis clamps coord to [0, logical] and scales it into [0, AbsRange].
func scaleAxis(coord, logical int) int {
	if coord < 0 {
		coord = 0
	}
	if coord > logical {
		coord = logical
	}
	return int(math.Round(float64(coord) / float64(logical) * AbsRange))
}

// MouseButton builds a button event. Only left, middle and right are
// recognized; anything else is rejected rather than silently coerced.
func MouseButton(name string, down bool) (Event, error) {
	switch strings.ToLower(name) {
	case "left", "middle", "right":
		return BtnEvent{Button: strings.ToLower(name), Down: down}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownButton, name)
	}
}
