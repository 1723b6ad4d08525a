// Package input translates semantic input requests (key names, logical
// mouse coordinates, button names) into the low-level device events that
// QEMU's input-send-event command accepts.
//
// Everything in this package is pure: no I/O, no connection state. Encoding
// failures are therefore always reported before any transport interaction.
package input
