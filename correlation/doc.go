// Package correlation matches asynchronous Command outcomes back to the
// callers waiting for them, and propagates correlation and causation ids
// across Commands and Event Streams for tracing purposes.
//
// You can read more about messages correlation here:
// https://blog.arkency.com/correlation-id-and-causation-id-in-evented-systems/
package correlation
