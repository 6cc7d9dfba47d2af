// Package command contains types and interfaces for implementing Command Handlers,
// necessary for producing side effects in your Aggregates and system,
// and implement your Domain's business logic.
//
// Commands are executed by the Executor: a Command Handler loads and mutates
// Aggregate Roots through the handling Context, and the Executor commits
// the resulting Event Stream to the Event Store, dealing with optimistic
// concurrency conflicts, redelivered Commands and transient storage failures.
// Every execution ends with a Result value, never with an error.
package command
