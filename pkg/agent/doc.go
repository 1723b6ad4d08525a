// Package agent ties the input encoder and the QMP connection layer
// together: a Registry that lazily maintains one live connection per guest
// instance, an Agent that dispatches the high-level operations (send-key,
// send-mouse, query-status) through it, and a Hub that fans asynchronous
// guest events out to subscribers.
//
// The Registry's map lock is separate from every connection's command lock,
// so a failure or slow reconnect on one instance never blocks requests
// targeting another. Connections that hit a transport error are evicted and
// transparently re-dialed on next use.
package agent
