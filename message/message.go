// Package message exposes the generic Message type, used to represent
// a message in a system (e.g. Event, Command, etc.).
package message

// Message is a Message payload.
//
// Each payload should have a unique name identifier, that can be used
// to uniquely route a message to its type and handlers.
type Message interface {
	Name() string
}

// Well-known Metadata keys used by the command and event pipelines.
const (
	// CorrelationIDKey identifies the conversation a message belongs to.
	CorrelationIDKey = "Correlation-Id"
	// CausationIDKey identifies the message that caused this one.
	CausationIDKey = "Causation-Id"
	// ReplyTopicKey is the transport topic where a command result should be sent.
	ReplyTopicKey = "Reply-Topic"
	// ProcessIDKey identifies a long-running process (saga) a command takes part in.
	ProcessIDKey = "Process-Id"
)

// Metadata contains some data related to a Message that are not functional
// for the Message itself, but instead functioning as supporting information
// to provide additional context (routing, reply addresses, correlation).
type Metadata map[string]string

// With returns a new Metadata reference holding the value addressed using
// the specified key.
func (m Metadata) With(key, value string) Metadata {
	if m == nil {
		m = make(Metadata)
	}

	m[key] = value

	return m
}

// Get returns the value for the specified key, or an empty string
// if no such key is present.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}

	return m[key]
}

// Merge merges the other Metadata provided in input with the current map.
// Returns a pointer to the extended metadata map.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		return other.Clone()
	}

	for k, v := range other {
		m[k] = v
	}

	return m
}

// Clone returns a copy of the Metadata map, so that the copy
// can be changed without affecting the original one.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}

	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}

	return clone
}

// Envelope bundles a Message to be exchanged with optional Metadata support.
type Envelope[T Message] struct {
	Message  T
	Metadata Metadata
}
