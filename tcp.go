package jrpc

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPServer implements ServerTransport over a TCP listener. Every accepted socket becomes one
// connection using the configured framing.
//
// Instances should be created using NewTCPServer or NewTCPServerFromListener.
type TCPServer struct {
	listener net.Listener
	cfg      transportConfig

	started   atomic.Bool
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// TCPClient implements ClientTransport by dialing a TCP address.
type TCPClient struct {
	addr   string
	cfg    transportConfig
	dialer net.Dialer
}

// NewTCPServer listens on addr and returns a TCPServer serving it.
func NewTCPServer(addr string, options ...TransportOption) (*TCPServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return NewTCPServerFromListener(l, options...), nil
}

// NewTCPServerFromListener returns a TCPServer serving an existing listener. The TCPServer
// takes ownership of the listener.
func NewTCPServerFromListener(l net.Listener, options ...TransportOption) *TCPServer {
	return &TCPServer{
		listener: l,
		cfg:      newTransportConfig("tcp-server", options...),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// NewTCPClient creates a TCPClient that dials addr on Connect.
func NewTCPClient(addr string, options ...TransportOption) *TCPClient {
	return &TCPClient{
		addr: addr,
		cfg:  newTransportConfig("tcp-client", options...),
		dialer: net.Dialer{
			KeepAlive: 30 * time.Second,
		},
	}
}

// Addr returns the listener's network address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Connections implements the ServerTransport interface by yielding every accepted socket.
func (s *TCPServer) Connections() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		s.started.Store(true)
		defer close(s.closed)

		for {
			nc, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.done:
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.cfg.logger.Warn("failed to accept connection", slog.String("err", err.Error()))
				// Back off briefly on transient accept failures such as file descriptor exhaustion.
				select {
				case <-s.done:
					return
				case <-time.After(50 * time.Millisecond):
				}
				continue
			}

			conn := newStreamConn(nc, nc, nc, s.cfg)
			conn.logger.Debug("accepted connection", slog.String("remote", nc.RemoteAddr().String()))
			if !yield(conn) {
				conn.Close()
				return
			}
		}
	}
}

// Shutdown implements the ServerTransport interface by closing the listener and waiting for
// the Connections loop to exit.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	if !s.started.Load() {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shutdown TCP server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Connect implements the ClientTransport interface by dialing the server.
func (c *TCPClient) Connect(ctx context.Context) (Conn, error) {
	nc, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return newStreamConn(nc, nc, nc, c.cfg), nil
}
