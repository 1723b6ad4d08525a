// Package qmp implements the client side of the QEMU Machine Protocol: a
// JSON-object exchange over a unix stream socket in which command replies
// are interleaved with asynchronous event frames.
//
// A Conn owns exactly one socket session. Command issuance is strictly
// serialized on the connection's lock, so two in-flight commands can never
// interleave their wire bytes. A dedicated reader goroutine drains the
// socket continuously: reply frames are paired with the command awaiting
// them, and asynchronous events reach the connection's event sink the
// moment they arrive, with or without a command in flight.
package qmp
