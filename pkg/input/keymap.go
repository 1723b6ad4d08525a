package input

// keyCodes maps lower-case key names to PS/2 set-1 make codes, the legacy
// encoding QEMU accepts for number-typed keys. Covers the keys the guest
// automation actually drives; anything else can be sent as a raw code.
var keyCodes = map[string]int{
	"esc": 0x01,

	"1": 0x02, "2": 0x03, "3": 0x04, "4": 0x05, "5": 0x06,
	"6": 0x07, "7": 0x08, "8": 0x09, "9": 0x0A, "0": 0x0B,

	"minus": 0x0C, "equal": 0x0D, "backspace": 0x0E, "tab": 0x0F,

	"q": 0x10, "w": 0x11, "e": 0x12, "r": 0x13, "t": 0x14,
	"y": 0x15, "u": 0x16, "i": 0x17, "o": 0x18, "p": 0x19,
	"bracketleft": 0x1A, "bracketright": 0x1B,

	"ret": 0x1C, "enter": 0x1C, "ctrl": 0x1D,

	"a": 0x1E, "s": 0x1F, "d": 0x20, "f": 0x21, "g": 0x22,
	"h": 0x23, "j": 0x24, "k": 0x25, "l": 0x26,
	"semicolon": 0x27, "apostrophe": 0x28, "grave": 0x29,

	"shift": 0x2A, "lshift": 0x2A, "backslash": 0x2B,

	"z": 0x2C, "x": 0x2D, "c": 0x2E, "v": 0x2F, "b": 0x30,
	"n": 0x31, "m": 0x32, "comma": 0x33, "dot": 0x34, "slash": 0x35,

	"rshift": 0x36, "alt": 0x38, "lalt": 0x38,
	"space": 0x39, "capslock": 0x3A,

	"f1": 0x3B, "f2": 0x3C, "f3": 0x3D, "f4": 0x3E, "f5": 0x3F,
	"f6": 0x40, "f7": 0x41, "f8": 0x42, "f9": 0x43, "f10": 0x44,
	"f11": 0x57, "f12": 0x58,

	"up": 0x48, "down": 0x50, "left": 0x4B, "right": 0x4D,
	"insert": 0x52, "delete": 0x53, "home": 0x47, "end": 0x4F,
	"pageup": 0x49, "pagedown": 0x51,
}

// KeyNames returns every name in the key table, in no particular order.
// Exposed for diagnostics and tests.
func KeyNames() []string {
	names := make([]string, 0, len(keyCodes))
	for name := range keyCodes {
		names = append(names, name)
	}
	return names
}
