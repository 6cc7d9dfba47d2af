// Package scenario provides Given/When/Then testing helpers for
// Command Handlers and Processors, running them through the same
// Executor and Resequencer used in production.
package scenario
