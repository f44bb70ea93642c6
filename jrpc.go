package jrpc

import (
	"context"
	"iter"
	"log/slog"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Connections returns an iterator that yields new connections as peers arrive.
	// Each yielded Conn represents a unique peer and provides methods for
	// bidirectional frame exchange. The implementation must guarantee that each
	// connection ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Connections() iter.Seq[Conn]

	// Shutdown stops accepting new connections and releases the transport resources.
	// The implementations should not close the connections they produced, the caller
	// already does that before calling this method. The caller is guaranteed to call
	// this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// Connect establishes a connection with the server. Operations are cancelled when the
	// context is cancelled, and a *ConnectionError is returned when the peer can't be reached.
	Connect(ctx context.Context) (Conn, error)
}

// Conn represents a bidirectional, frame-oriented channel between two peers.
type Conn interface {
	// ID returns the unique identifier for this connection.
	ID() string

	// Send queues one complete frame for writing and waits until it has been written.
	// Frames are written whole and in the order Send was called. Send suspends while the
	// connection's write queue is full.
	Send(ctx context.Context, frame []byte) error

	// Frames returns an iterator over the frames received from the peer. The iteration ends
	// without an error when the peer closes cleanly or the connection is closed locally. A
	// *FramingError is yielded once before the iteration ends when the stream is corrupt.
	// The caller is guaranteed to call this method only once.
	Frames() iter.Seq2[[]byte, error]

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Info contains metadata about a server implementation, reported by rpc.discover.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type contextKey int

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodSubscribe subscribes the calling connection to a topic or topic pattern.
	MethodSubscribe = "subscribe"
	// MethodUnsubscribe removes a subscription by id.
	MethodUnsubscribe = "unsubscribe"
	// MethodEvent is the notification carrying a published event.
	MethodEvent = "event"
	// MethodRetired is the notification sent when a subscribed topic is retired.
	MethodRetired = "retired"
	// MethodCancel asks the server to cancel an in-flight request.
	MethodCancel = "rpc.cancel"
	// MethodPing is the keepalive probe.
	MethodPing = "rpc.ping"
	// MethodDiscover lists the methods the server exposes.
	MethodDiscover = "rpc.discover"
	// MethodStats reports server counters.
	MethodStats = "rpc.stats"
)

const (
	connIDContextKey contextKey = iota
	requestIDContextKey
	serverConnContextKey
)

// ConnIDFromContext returns the id of the connection the request arrived on.
func ConnIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connIDContextKey).(string)
	return id, ok
}

// RequestIDFromContext returns the id of the request being handled. It reports false for
// notifications.
func RequestIDFromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(requestIDContextKey).(ID)
	return id, ok
}

func withComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(
		slog.String("package", "go-jrpc"),
		slog.String("component", component),
	)
}
