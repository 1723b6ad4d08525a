package input

import "encoding/json"

// Event is a single entry in the events array of a QMP input-send-event
// command. The concrete types below serialize to QEMU's InputEvent union,
// tagged by the top-level "type" key.
type Event interface {
	json.Marshaler

	// Kind returns the QMP union tag: "key", "abs" or "btn".
	Kind() string
}

// tagged is the wire envelope shared by every event kind.
type tagged struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// KeyEvent is a keyboard make or break event carrying a PS/2 set-1 code.
type KeyEvent struct {
	Code int
	Down bool
}

// Kind returns "key".
func (e KeyEvent) Kind() string { return "key" }

// MarshalJSON encodes the event as
// {"type":"key","data":{"down":d,"key":{"type":"number","data":code}}}.
func (e KeyEvent) MarshalJSON() ([]byte, error) {
	type keyCode struct {
		Type string `json:"type"`
		Data int    `json:"data"`
	}
	type keyData struct {
		Down bool    `json:"down"`
		Key  keyCode `json:"key"`
	}
	return json.Marshal(tagged{
		Type: "key",
		Data: keyData{
			Down: e.Down,
			Key:  keyCode{Type: "number", Data: e.Code},
		},
	})
}

// AbsEvent positions one absolute pointer axis in the device range.
type AbsEvent struct {
	Axis  string // "x" or "y"
	Value int
}

// Kind returns "abs".
func (e AbsEvent) Kind() string { return "abs" }

// MarshalJSON encodes the event as {"type":"abs","data":{"axis":a,"value":v}}.
func (e AbsEvent) MarshalJSON() ([]byte, error) {
	type absData struct {
		Axis  string `json:"axis"`
		Value int    `json:"value"`
	}
	return json.Marshal(tagged{
		Type: "abs",
		Data: absData{Axis: e.Axis, Value: e.Value},
	})
}

// BtnEvent is a mouse button press or release. Button carries the QMP
// InputButton enum string ("left", "middle", "right").
type BtnEvent struct {
	Button string
	Down   bool
}

// Kind returns "btn".
func (e BtnEvent) Kind() string { return "btn" }

// MarshalJSON encodes the event as {"type":"btn","data":{"down":d,"button":b}}.
func (e BtnEvent) MarshalJSON() ([]byte, error) {
	type btnData struct {
		Down   bool   `json:"down"`
		Button string `json:"button"`
	}
	return json.Marshal(tagged{
		Type: "btn",
		Data: btnData{Down: e.Down, Button: e.Button},
	})
}
