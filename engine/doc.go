// Package engine wires the components of the command-to-event pipeline
// together: commands sent through a Transport are routed to mailbox lanes
// by aggregate id, executed, and their committed Event Streams are published
// to the Processors, in order; Command Results flow back to the callers
// through the Result Correlator.
package engine
