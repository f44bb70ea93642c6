package jrpc

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketServer implements ServerTransport over WebSocket. Each text message carries exactly
// one frame, so no additional framing is applied. It implements http.Handler and can be
// mounted on any HTTP router. Instances should be created using NewWebSocketServer.
type WebSocketServer struct {
	upgrader websocket.Upgrader
	cfg      transportConfig

	conns chan *wsConn

	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// WebSocketClient implements ClientTransport by dialing a WebSocket URL.
type WebSocketClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	cfg    transportConfig
}

type wsConn struct {
	id      string
	ws      *websocket.Conn
	queue   *writeQueue
	maxSize int
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

const wsCloseTimeout = time.Second

// NewWebSocketServer creates a WebSocket transport. Origins are not checked, peers are
// expected to run on the same machine.
func NewWebSocketServer(options ...TransportOption) *WebSocketServer {
	return &WebSocketServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		cfg:    newTransportConfig("websocket-server", options...),
		conns:  make(chan *wsConn),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// NewWebSocketClient creates a WebSocketClient that dials url on Connect. The optional header
// is sent with the handshake request.
func NewWebSocketClient(url string, header http.Header, options ...TransportOption) *WebSocketClient {
	return &WebSocketClient{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 45 * time.Second,
		},
		cfg: newTransportConfig("websocket-client", options...),
	}
}

// ServeHTTP upgrades the request and hands the connection to the Connections loop.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		s.cfg.logger.Warn("failed to upgrade connection", slog.String("err", err.Error()))
		return
	}

	conn := newWSConn(ws, s.cfg)
	select {
	case s.conns <- conn:
	case <-s.done:
		conn.Close()
	case <-r.Context().Done():
		conn.Close()
	}
}

// Connections implements the ServerTransport interface by yielding every upgraded connection.
func (s *WebSocketServer) Connections() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case conn := <-s.conns:
				if !yield(conn) {
					conn.Close()
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface by stopping the Connections loop.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shutdown WebSocket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Connect implements the ClientTransport interface by dialing the server.
func (c *WebSocketClient) Connect(ctx context.Context) (Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return newWSConn(ws, c.cfg), nil
}

func newWSConn(ws *websocket.Conn, cfg transportConfig) *wsConn {
	id := uuid.New().String()
	ws.SetReadLimit(int64(cfg.maxMessageSize))

	c := &wsConn{
		id:      id,
		ws:      ws,
		maxSize: cfg.maxMessageSize,
		logger:  cfg.logger.With(slog.String("connID", id)),
		done:    make(chan struct{}),
	}
	c.queue = newWriteQueue(cfg.writeQueueDepth, c.writeMessage, c.logger)
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if len(frame) > c.maxSize {
		return &FramingError{Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(frame), c.maxSize)}
	}
	return c.queue.send(ctx, frame)
}

func (c *wsConn) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			msgType, data, err := c.ws.ReadMessage()
			if err != nil {
				select {
				case <-c.done:
					return
				default:
				}
				if errors.Is(err, websocket.ErrReadLimit) {
					yield(nil, &FramingError{Err: fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLarge, c.maxSize)})
					return
				}
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Debug("read failed", slog.String("err", err.Error()))
				}
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// WriteControl may be called concurrently with the writer goroutine.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseTimeout))
		err = c.ws.Close()
		c.queue.stop()
	})
	return err
}

func (c *wsConn) writeMessage(frame []byte) error {
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &IOError{Err: err}
	}
	return nil
}
