package jrpc

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
)

// StdIO implements a transport over a single io.Reader/io.Writer pair, such as the standard
// input and output of a process, the pipes of a child process, or an io.Pipe in tests. It
// provides exactly one persistent connection and can be used as either ServerTransport or
// ClientTransport.
//
// Proper initialization requires using the NewStdIO constructor function. Closing the
// connection closes the reader and writer when they implement io.Closer.
type StdIO struct {
	conn *streamConn

	started atomic.Bool
	closed  chan struct{}
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...TransportOption) *StdIO {
	cfg := newTransportConfig("stdio", options...)

	var closers multiCloser
	if c, ok := reader.(io.Closer); ok {
		closers = append(closers, c)
	}
	if c, ok := writer.(io.Closer); ok {
		closers = append(closers, c)
	}

	return &StdIO{
		conn:   newStreamConn(reader, writer, closers, cfg),
		closed: make(chan struct{}),
	}
}

// Connections implements the ServerTransport interface by yielding the single connection and
// waiting until it's closed.
func (s *StdIO) Connections() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		s.started.Store(true)
		defer close(s.closed)

		if !yield(s.conn) {
			return
		}
		<-s.conn.done
	}
}

// Shutdown implements the ServerTransport interface by closing the connection and waiting
// for the Connections loop to exit.
func (s *StdIO) Shutdown(ctx context.Context) error {
	if err := s.conn.Close(); err != nil {
		s.conn.logger.Debug("close error on shutdown", "err", err)
	}
	if !s.started.Load() {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shutdown stdio: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Connect implements the ClientTransport interface by returning the single connection.
func (s *StdIO) Connect(context.Context) (Conn, error) {
	if s.conn.isClosed() {
		return nil, &ConnectionError{Op: "connect", Err: ErrConnectionClosed}
	}
	return s.conn, nil
}

// Close closes the underlying connection.
func (s *StdIO) Close() error {
	return s.conn.Close()
}
