package jrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport. Frames for the
// peer are streamed as "message" events over a long-lived GET request, and frames from the
// peer arrive as the bodies of POST requests to the message endpoint.
//
// The server exposes HandleSSE and HandleMessage as http.Handlers, so it can be mounted on
// any HTTP framework. Instances should be created using NewSSEServer.
type SSEServer struct {
	messageURL string
	cfg        transportConfig

	conns            chan *sseServerConn
	removedConns     chan string
	receivedMessages chan sseConnMessage

	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// SSEClient implements ClientTransport against an SSEServer. Instances should be created
// using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	cfg        transportConfig
}

type sseServerConn struct {
	id      string
	sessMu  sync.Mutex
	sess    *sse.Session
	maxSize int
	queue   *writeQueue
	frames  chan []byte
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

type sseClientConn struct {
	id         string
	httpClient *http.Client
	messageURL string
	maxSize    int
	logger     *slog.Logger

	frames chan []byte
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

type sseConnMessage struct {
	connID string
	frame  []byte
	found  chan *sseServerConn
}

// NewSSEServer creates an SSE transport that tells its peers to POST their frames to
// messageURL. The returned SSEServer must be shut down when no longer needed.
func NewSSEServer(messageURL string, options ...TransportOption) *SSEServer {
	return &SSEServer{
		messageURL:       messageURL,
		cfg:              newTransportConfig("sse-server", options...),
		conns:            make(chan *sseServerConn),
		removedConns:     make(chan string),
		receivedMessages: make(chan sseConnMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
}

// NewSSEClient creates an SSE client that connects to connectURL. If httpClient is nil, the
// default HTTP client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...TransportOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	return &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		cfg:        newTransportConfig("sse-client", options...),
	}
}

// Connections implements the ServerTransport interface. It yields a connection for every
// established event stream and routes POSTed frames to their connection.
func (s *SSEServer) Connections() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(s.closed)

		// Store all active connections in a map for easy lookup when we receive a new frame.
		connsMap := make(map[string]*sseServerConn)

		for {
			select {
			case <-s.done:
				return
			case conn := <-s.conns:
				connsMap[conn.id] = conn
				if !yield(conn) {
					return
				}
			case connID := <-s.removedConns:
				delete(connsMap, connID)
			case msg := <-s.receivedMessages:
				// The POST handler delivers the frame itself, so a slow connection doesn't
				// block the routing loop and frames of one peer keep their order.
				msg.found <- connsMap[msg.connID]
			}
		}
	}
}

// Shutdown implements the ServerTransport interface by stopping the routing loop.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shutdown SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for establishing event streams over GET requests.
// The handler upgrades the request, assigns a connection ID and sends the peer its message
// endpoint as an "endpoint" event. The request stays open until either side closes.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.cfg.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		connID := uuid.New().String()
		conn := &sseServerConn{
			id:      connID,
			sess:    sess,
			maxSize: s.cfg.maxMessageSize,
			frames:  make(chan []byte, s.cfg.writeQueueDepth),
			logger:  s.cfg.logger.With(slog.String("connID", connID)),
			done:    make(chan struct{}),
		}
		conn.queue = newWriteQueue(s.cfg.writeQueueDepth, func(frame []byte) error {
			return conn.writeEvent("message", string(frame))
		}, conn.logger)

		// The routing loop registers the connection before the peer learns the endpoint,
		// so its first POST always finds it.
		select {
		case s.conns <- conn:
		case <-s.done:
			conn.Close()
			return
		}

		endpoint := fmt.Sprintf("%s?connID=%s", s.messageURL, connID)
		if err := conn.writeEvent("endpoint", endpoint); err != nil {
			s.cfg.logger.Error("failed to write endpoint", slog.String("err", err.Error()))
			conn.Close()
		}

		// Block until the connection is closed, so the stream is left open.
		select {
		case <-conn.done:
		case <-r.Context().Done():
		}
		// Close waits for the writer, so nothing touches the response after this returns.
		conn.Close()

		select {
		case s.removedConns <- connID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler accepting frames from peers as POST bodies. The
// connID query parameter selects the connection. Replies are sent over the event stream, the
// POST itself is answered with 202 Accepted.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		connID := r.URL.Query().Get("connID")
		if connID == "" {
			s.cfg.logger.Warn("missing connID query parameter")
			http.Error(w, "missing connID query parameter", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.maxMessageSize)))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, ErrMessageTooLarge.Error(), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
			return
		}

		msg := sseConnMessage{connID: connID, frame: body, found: make(chan *sseServerConn, 1)}
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case s.receivedMessages <- msg:
		}

		conn := <-msg.found
		if conn == nil {
			http.Error(w, "unknown connection", http.StatusNotFound)
			return
		}
		if !conn.deliver(r.Context(), msg.frame) {
			http.Error(w, "connection closed", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// Connect implements the ClientTransport interface. It opens the event stream and waits for
// the server to announce the message endpoint.
func (c *SSEClient) Connect(ctx context.Context) (Conn, error) {
	// The stream outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionError{Op: "connect", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	conn := &sseClientConn{
		id:         uuid.New().String(),
		httpClient: c.httpClient,
		maxSize:    c.cfg.maxMessageSize,
		frames:     make(chan []byte, c.cfg.writeQueueDepth),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	conn.logger = c.cfg.logger.With(slog.String("connID", conn.id))

	ready := make(chan error, 1)
	go conn.listenEvents(resp.Body, ready)

	select {
	case err := <-ready:
		if err != nil {
			conn.Close()
			return nil, &ConnectionError{Op: "connect", Err: err}
		}
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}

	return conn, nil
}

func (s *sseServerConn) ID() string { return s.id }

func (s *sseServerConn) Send(ctx context.Context, frame []byte) error {
	if len(frame) > s.maxSize {
		return &FramingError{Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(frame), s.maxSize)}
	}
	return s.queue.send(ctx, frame)
}

func (s *sseServerConn) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case frame := <-s.frames:
				if !yield(frame, nil) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerConn) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.queue.stop()
	})
	return nil
}

func (s *sseServerConn) deliver(ctx context.Context, frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		s.logger.Warn("connection closed while delivering frame")
		return false
	}
}

func (s *sseServerConn) writeEvent(typ, data string) error {
	msg := &sse.Message{
		Type: sse.Type(typ),
	}
	msg.AppendData(data)

	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if err := s.sess.Send(msg); err != nil {
		return &IOError{Err: err}
	}
	if err := s.sess.Flush(); err != nil {
		return &IOError{Err: err}
	}
	return nil
}

func (c *sseClientConn) ID() string { return c.id }

// Send transmits one frame to the server through an HTTP POST request.
func (c *sseClientConn) Send(ctx context.Context, frame []byte) error {
	if len(frame) > c.maxSize {
		return &FramingError{Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(frame), c.maxSize)}
	}
	select {
	case <-c.done:
		return &ConnectionError{Op: "send", Err: ErrConnectionClosed}
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &IOError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return &ConnectionError{Op: "send", Err: ErrConnectionClosed}
	default:
		return &IOError{Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
}

func (c *sseClientConn) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for frame := range c.frames {
			if !yield(frame, nil) {
				return
			}
		}
	}
}

func (c *sseClientConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
	return nil
}

func (c *sseClientConn) listenEvents(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.frames)
	}()

	config := &sse.ReadConfig{
		MaxEventSize: c.maxSize + 1024,
	}

	endpointReceived := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Debug("event stream ended", slog.String("err", err.Error()))
			}
			if !endpointReceived {
				ready <- fmt.Errorf("event stream ended before endpoint: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			c.messageURL = u.String()
			endpointReceived = true
			close(ready)
		case "message":
			if !endpointReceived {
				c.logger.Error("received message before endpoint URL")
				continue
			}
			select {
			case c.frames <- []byte(ev.Data):
			case <-c.done:
				return
			}
		default:
			c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointReceived {
		ready <- errors.New("event stream ended before endpoint")
	}
}
