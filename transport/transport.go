// Package transport carries JSON-RPC traffic between clients and the
// dispatcher over stdio, HTTP with server-sent events, and AMQP topic
// exchanges. Every transport speaks the same classified message contract;
// only framing and session bookkeeping differ.
package transport

import (
	"context"

	"github.com/scout-hq/scout/protocol"
)

// Dispatcher routes classified messages to handlers. Dispatch returns nil
// for notifications and malformed traffic that produced no reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, m *protocol.Message) *protocol.Message

	// Subscribe attaches a session's outbound delivery function for
	// server-initiated notifications. Unsubscribe detaches it.
	Subscribe(sessionID string, send func(*protocol.Message) error)
	Unsubscribe(sessionID string)
}

type nameKey struct{}

// WithName tags ctx with the transport a message arrived on. The
// dispatcher reads it back for request metrics.
func WithName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, nameKey{}, name)
}

// Name returns the transport tag attached by WithName.
func Name(ctx context.Context) string {
	if name, ok := ctx.Value(nameKey{}).(string); ok {
		return name
	}
	return "unknown"
}

// Transport is the uniform surface every wire binding presents.
type Transport interface {
	// Start runs the transport until ctx is cancelled or a fatal error.
	Start(ctx context.Context) error
	// Send delivers one outbound message on the transport's own framing.
	Send(m *protocol.Message) error
	// Close releases connections and session state.
	Close() error
	// SessionID identifies single-session transports; multi-session
	// transports return their instance id.
	SessionID() string
}
