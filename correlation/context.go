package correlation

import (
	"context"

	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/message"
)

type (
	correlationCtxKey struct{}
	causationCtxKey   struct{}
	processCtxKey     struct{}
)

// WithCorrelationID returns a context carrying the specified correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationCtxKey{}, id)
}

// WithCausationID returns a context carrying the specified causation id.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationCtxKey{}, id)
}

// WithProcessID returns a context carrying the specified process id.
func WithProcessID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, processCtxKey{}, id)
}

func valueOf(ctx context.Context, key any) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}

	return ""
}

// CorrelationID returns the correlation id in the context, if any.
func CorrelationID(ctx context.Context) string { return valueOf(ctx, correlationCtxKey{}) }

// CausationID returns the causation id in the context, if any.
func CausationID(ctx context.Context) string { return valueOf(ctx, causationCtxKey{}) }

// ProcessID returns the process id in the context, if any.
func ProcessID(ctx context.Context) string { return valueOf(ctx, processCtxKey{}) }

// Stamp adds the correlation, causation and process ids found in the context
// to the Command metadata. Ids already present in the Command metadata are kept.
//
// Without a correlation id in the context, the Command starts a new conversation
// and uses its own id as correlation id.
func Stamp(ctx context.Context, cmd command.Envelope) command.Envelope {
	metadata := cmd.Metadata.Clone()

	set := func(key, value string) {
		if value != "" && metadata.Get(key) == "" {
			metadata = metadata.With(key, value)
		}
	}

	set(message.CorrelationIDKey, CorrelationID(ctx))
	set(message.CorrelationIDKey, cmd.ID)
	set(message.CausationIDKey, CausationID(ctx))
	set(message.ProcessIDKey, ProcessID(ctx))

	cmd.Metadata = metadata

	return cmd
}
