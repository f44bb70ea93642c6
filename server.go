package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// ConnState is the lifecycle state of a server-side connection.
type ConnState int32

// Server implements a JSON-RPC 2.0 server. It accepts connections from its transport,
// dispatches every request and notification to the registry in its own goroutine, and writes
// the responses back through the connection they arrived on. A Server also owns the
// SubscriptionManager that backs the subscribe and unsubscribe methods.
//
// A Server must be created using NewServer, started with Serve and stopped with Shutdown.
type Server struct {
	info          Info
	transport     ServerTransport
	registry      *Registry
	subscriptions *SubscriptionManager
	metrics       *Metrics

	maxConnections  int
	sendTimeout     time.Duration
	deliveryTimeout time.Duration

	logger *slog.Logger

	onConnected    func(ConnInfo)
	onDisconnected func(ConnInfo)

	connsMu        sync.RWMutex
	conns          map[string]*serverConn
	connsWaitGroup *sync.WaitGroup

	stats     serverStats
	startedAt time.Time

	done         chan struct{}
	closed       chan struct{}
	shutdownOnce sync.Once
}

// ConnInfo describes a server-side connection.
type ConnInfo struct {
	ID            string    `json:"id"`
	State         ConnState `json:"state"`
	Since         time.Time `json:"since"`
	Subscriptions int       `json:"subscriptions"`
}

// Stats is the result of the rpc.stats method.
type Stats struct {
	Connections      int     `json:"connections"`
	TotalConnections int64   `json:"totalConnections"`
	Requests         int64   `json:"requests"`
	Notifications    int64   `json:"notifications"`
	Errors           int64   `json:"errors"`
	InFlight         int64   `json:"inFlight"`
	Subscriptions    int     `json:"subscriptions"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
}

type serverStats struct {
	totalConnections atomic.Int64
	requests         atomic.Int64
	notifications    atomic.Int64
	errors           atomic.Int64
	inFlight         atomic.Int64
}

type serverConn struct {
	srv    *Server
	conn   Conn
	logger *slog.Logger
	since  time.Time

	state atomic.Int32

	// ctx is cancelled when the peer goes away, handlers observe it cooperatively.
	ctx    context.Context
	cancel context.CancelCauseFunc

	inflight sync.WaitGroup

	requestsMu sync.Mutex
	requests   map[ID]context.CancelCauseFunc

	drain     chan struct{}
	drainOnce sync.Once
}

// PingResult is the result of the rpc.ping method.
type PingResult struct {
	Pong bool   `json:"pong"`
	Time string `json:"time"`
}

// Discovery is the result of the rpc.discover method.
type Discovery struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Methods []string `json:"methods"`
}

type cancelParams struct {
	ID ID `json:"id"`
}

const (
	// StateConnecting is the state of an accepted connection before its read loop starts.
	StateConnecting ConnState = iota
	// StateOpen is the state of a connection that reads and dispatches frames.
	StateOpen
	// StateDraining is the state of a connection that stopped reading and waits for its
	// in-flight requests.
	StateDraining
	// StateClosed is the final state of a connection.
	StateClosed
)

var (
	defaultServerSendTimeout = 30 * time.Second

	errRequestCancelled = errors.New("request cancelled by peer")
)

// NewServer creates a new JSON-RPC server with the specified configuration. The built-in
// methods (rpc.ping, rpc.discover, rpc.stats, rpc.cancel, subscribe and unsubscribe) are
// registered into the server's registry and can be replaced like any other method.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:           info,
		transport:      transport,
		logger:         withComponent(slog.Default(), "server"),
		conns:          make(map[string]*serverConn),
		connsWaitGroup: &sync.WaitGroup{},
		startedAt:      time.Now(),
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.subscriptions == nil {
		subOpts := []SubscriptionOption{
			WithSubscriptionLogger(s.logger),
			WithSubscriptionMetrics(s.metrics),
		}
		if s.deliveryTimeout > 0 {
			subOpts = append(subOpts, WithDeliveryTimeout(s.deliveryTimeout))
		}
		s.subscriptions = NewSubscriptionManager(subOpts...)
	}

	s.registry.Register(MethodPing, HandlerFunc(s.handlePing))
	s.registry.Register(MethodDiscover, HandlerFunc(s.handleDiscover))
	s.registry.Register(MethodStats, HandlerFunc(s.handleStats))
	s.registry.Register(MethodCancel, Func(s.handleCancel))
	s.registry.Register(MethodSubscribe, s.subscriptions.subscribeHandler())
	s.registry.Register(MethodUnsubscribe, s.subscriptions.unsubscribeHandler())

	return s
}

// WithRegistry returns a ServerOption that makes the server dispatch to registry.
func WithRegistry(registry *Registry) ServerOption {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithSubscriptionManager returns a ServerOption that makes the server use manager for the
// subscribe and unsubscribe methods.
func WithSubscriptionManager(manager *SubscriptionManager) ServerOption {
	return func(s *Server) {
		s.subscriptions = manager
	}
}

// WithServerMetrics returns a ServerOption that records Prometheus metrics into metrics.
func WithServerMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithMaxConnections returns a ServerOption that caps the number of concurrent connections.
// Connections beyond the cap are closed as soon as they are accepted. Zero means no cap.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerDeliveryTimeout returns a ServerOption that bounds a single event delivery.
func WithServerDeliveryTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.deliveryTimeout = timeout
	}
}

// WithServerOnConnected sets the callback for when a connection opens.
func WithServerOnConnected(onConnected func(ConnInfo)) ServerOption {
	return func(s *Server) {
		s.onConnected = onConnected
	}
}

// WithServerOnDisconnected sets the callback for when a connection is closed.
func WithServerOnDisconnected(onDisconnected func(ConnInfo)) ServerOption {
	return func(s *Server) {
		s.onDisconnected = onDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = withComponent(logger, "server")
	}
}

// Register installs handler under name in the server's registry.
func (s *Server) Register(name string, handler Handler) {
	s.registry.Register(name, handler)
}

// RegisterStream installs a streaming handler under name in the server's registry.
func (s *Server) RegisterStream(name string, handler StreamHandler) {
	s.registry.RegisterStream(name, handler)
}

// Unregister removes name from the server's registry.
func (s *Server) Unregister(name string) {
	s.registry.Unregister(name)
}

// Registry returns the registry the server dispatches to.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Subscriptions returns the server's SubscriptionManager.
func (s *Server) Subscriptions() *SubscriptionManager {
	return s.subscriptions
}

// Publish sends an event to every connection subscribed to a matching topic. See
// SubscriptionManager.Publish.
func (s *Server) Publish(ctx context.Context, topic string, payload any) (int, error) {
	return s.subscriptions.Publish(ctx, topic, payload)
}

// RetireTopic removes every subscription on topic and notifies their owners.
func (s *Server) RetireTopic(ctx context.Context, topic string) int {
	return s.subscriptions.RetireTopic(ctx, topic)
}

// Serve accepts connections from the transport and serves each of them in its own
// goroutine.
//
// Serve blocks until the transport stops yielding connections, which happens after Shutdown.
func (s *Server) Serve() {
	defer close(s.closed)

	// This loop would break when the transport is shut down.
	for conn := range s.transport.Connections() {
		sc := s.newServerConn(conn)

		// Registration happens under the lock so Shutdown either sees the connection or the
		// connection sees the server is done.
		s.connsMu.Lock()
		select {
		case <-s.done:
			s.connsMu.Unlock()
			conn.Close()
			continue
		default:
		}
		if s.maxConnections > 0 && len(s.conns) >= s.maxConnections {
			s.connsMu.Unlock()
			s.logger.Warn("connection limit reached, closing connection",
				slog.String("connID", conn.ID()),
				slog.Int("maxConnections", s.maxConnections))
			s.metrics.connectionRejected()
			conn.Close()
			continue
		}
		s.conns[conn.ID()] = sc
		s.connsWaitGroup.Add(1)
		s.connsMu.Unlock()

		s.stats.totalConnections.Add(1)
		s.metrics.connectionOpened()

		go func() {
			defer s.connsWaitGroup.Done()
			sc.serve()
			s.removeConn(sc)
		}()
	}
}

// Shutdown gracefully shuts down the server. Every connection stops reading and finishes its
// in-flight requests before it's closed, then the transport is shut down. When ctx expires
// first, the remaining connections are closed at once and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	s.connsMu.RLock()
	for _, sc := range s.conns {
		sc.startDrain()
	}
	s.connsMu.RUnlock()

	drained := make(chan struct{})
	go func() {
		s.connsWaitGroup.Wait()
		close(drained)
	}()

	var drainErr error
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = fmt.Errorf("failed to drain connections: %w", ctx.Err())
		s.connsMu.RLock()
		for _, sc := range s.conns {
			sc.closePeer(ErrConnectionClosed)
		}
		s.connsMu.RUnlock()
	}

	// Shut the transport down so the Connections loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return errors.Join(drainErr, fmt.Errorf("failed to shutdown transport: %w", err))
	}
	return drainErr
}

// Connections returns a snapshot of the open connections ordered by the time they opened.
func (s *Server) Connections() []ConnInfo {
	s.connsMu.RLock()
	infos := make([]ConnInfo, 0, len(s.conns))
	for _, sc := range s.conns {
		infos = append(infos, sc.info())
	}
	s.connsMu.RUnlock()

	slices.SortFunc(infos, func(a, b ConnInfo) int {
		return a.Since.Compare(b.Since)
	})
	return infos
}

// Stats returns the server counters reported by rpc.stats.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:      s.connectionCount(),
		TotalConnections: s.stats.totalConnections.Load(),
		Requests:         s.stats.requests.Load(),
		Notifications:    s.stats.notifications.Load(),
		Errors:           s.stats.errors.Load(),
		InFlight:         s.stats.inFlight.Load(),
		Subscriptions:    s.subscriptions.Count(),
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
	}
}

func (s *Server) connectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) newServerConn(conn Conn) *serverConn {
	ctx, cancel := context.WithCancelCause(context.Background())
	sc := &serverConn{
		srv:      s,
		conn:     conn,
		logger:   s.logger.With(slog.String("connID", conn.ID())),
		since:    time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(map[ID]context.CancelCauseFunc),
		drain:    make(chan struct{}),
	}
	sc.state.Store(int32(StateConnecting))
	return sc
}

func (s *Server) removeConn(sc *serverConn) {
	info := sc.info()
	removed := s.subscriptions.RemoveConnection(sc.conn.ID())

	s.connsMu.Lock()
	delete(s.conns, sc.conn.ID())
	s.connsMu.Unlock()

	s.metrics.connectionClosed()
	sc.logger.Info("connection closed", slog.Int("removedSubscriptions", removed))

	if s.onDisconnected != nil {
		s.onDisconnected(info)
	}
}

func (s *Server) handlePing(context.Context, json.RawMessage) (any, error) {
	return PingResult{Pong: true, Time: time.Now().UTC().Format(time.RFC3339)}, nil
}

func (s *Server) handleDiscover(context.Context, json.RawMessage) (any, error) {
	return Discovery{
		Name:    s.info.Name,
		Version: s.info.Version,
		Methods: s.registry.Methods(),
	}, nil
}

func (s *Server) handleStats(context.Context, json.RawMessage) (any, error) {
	return s.Stats(), nil
}

func (s *Server) handleCancel(ctx context.Context, params cancelParams) (any, error) {
	if params.ID.IsZero() || params.ID.IsNull() {
		return nil, NewInvalidParams("id is required")
	}
	sc, ok := ctx.Value(serverConnContextKey).(*serverConn)
	if !ok {
		return nil, NewInternalError("rpc.cancel requires a connection")
	}
	return map[string]bool{"cancelled": sc.cancelRequest(params.ID)}, nil
}

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler, so states are reported by name.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (sc *serverConn) ID() string { return sc.conn.ID() }

func (sc *serverConn) Send(ctx context.Context, frame []byte) error {
	return sc.conn.Send(ctx, frame)
}

func (sc *serverConn) info() ConnInfo {
	return ConnInfo{
		ID:            sc.conn.ID(),
		State:         ConnState(sc.state.Load()),
		Since:         sc.since,
		Subscriptions: len(sc.srv.subscriptions.ForConnection(sc.conn.ID())),
	}
}

func (sc *serverConn) startDrain() {
	sc.drainOnce.Do(func() {
		close(sc.drain)
	})
}

// closePeer moves the connection straight to Closed. Running handlers see their context
// cancelled with cause and their results are discarded.
func (sc *serverConn) closePeer(cause error) {
	sc.state.Store(int32(StateClosed))
	sc.cancel(cause)
	sc.startDrain()
	if err := sc.conn.Close(); err != nil {
		sc.logger.Debug("close error", slog.String("err", err.Error()))
	}
}

func (sc *serverConn) serve() {
	type frameWithErr struct {
		frame []byte
		err   error
	}

	sc.state.Store(int32(StateOpen))
	sc.logger.Info("connection opened")
	if sc.srv.onConnected != nil {
		sc.srv.onConnected(sc.info())
	}

	frames := make(chan frameWithErr)
	readStopped := make(chan struct{})

	// The read loop runs on its own goroutine, so this loop can react to a drain request
	// while a read is blocked.
	go func() {
		defer close(frames)
		for frame, err := range sc.conn.Frames() {
			select {
			case frames <- frameWithErr{frame: frame, err: err}:
			case <-readStopped:
				return
			}
		}
	}()
	defer close(readStopped)

	for {
		select {
		case <-sc.drain:
			sc.finishDrain()
			return
		case f, ok := <-frames:
			if !ok {
				// The peer went away.
				sc.closePeer(ErrConnectionClosed)
				sc.inflight.Wait()
				return
			}
			if f.err != nil {
				sc.logger.Warn("fatal framing error", slog.String("err", f.err.Error()))
				sc.srv.metrics.protocolError("framing")
				sc.sendMessage(NewErrorResponse(NullID, NewParseError(f.err.Error())))
				sc.finishDrain()
				return
			}
			sc.handleFrame(f.frame)
		}
	}
}

func (sc *serverConn) finishDrain() {
	if ConnState(sc.state.Load()) != StateClosed {
		sc.state.Store(int32(StateDraining))
	}
	sc.inflight.Wait()
	sc.state.Store(int32(StateClosed))
	if err := sc.conn.Close(); err != nil {
		sc.logger.Debug("close error", slog.String("err", err.Error()))
	}
}

func (sc *serverConn) handleFrame(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		rpcErr := ToError(err)
		sc.srv.metrics.protocolError(rpcErr.Name())
		sc.srv.stats.errors.Add(1)
		sc.logger.Info("malformed frame", slog.String("err", err.Error()))
		sc.sendMessage(NewErrorResponse(NullID, rpcErr))
		return
	}

	if frame.Batch {
		sc.inflight.Add(1)
		go func() {
			defer sc.inflight.Done()
			sc.handleBatch(frame.Items)
		}()
		return
	}

	item := frame.Items[0]
	if item.Err != nil {
		sc.srv.metrics.protocolError(item.Err.Name())
		sc.srv.stats.errors.Add(1)
		sc.sendMessage(NewErrorResponse(item.Message.ID, item.Err))
		return
	}

	msg := item.Message
	switch msg.Kind() {
	case KindRequest, KindNotification:
		sc.inflight.Add(1)
		go func() {
			defer sc.inflight.Done()
			if res, ok := sc.dispatch(msg, true); ok {
				sc.sendMessage(res)
			}
		}()
	default:
		// This server never issues requests, so responses and chunks have nothing to match.
		sc.logger.Debug("ignoring unexpected message",
			slog.String("id", msg.ID.String()))
	}
}

func (sc *serverConn) handleBatch(items []FrameItem) {
	var mu sync.Mutex
	var responses []Message
	var wg sync.WaitGroup

	for _, item := range items {
		if item.Err != nil {
			sc.srv.metrics.protocolError(item.Err.Name())
			sc.srv.stats.errors.Add(1)
			responses = append(responses, NewErrorResponse(item.Message.ID, item.Err))
			continue
		}
		switch item.Message.Kind() {
		case KindRequest, KindNotification:
		default:
			responses = append(responses, NewErrorResponse(item.Message.ID,
				NewInvalidRequest("batch elements must be requests or notifications")))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			res, ok := sc.dispatch(item.Message, false)
			if !ok {
				return
			}
			mu.Lock()
			responses = append(responses, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// A batch of notifications only gets no reply.
	if len(responses) == 0 {
		return
	}

	select {
	case <-sc.ctx.Done():
		return
	default:
	}

	frame, err := EncodeBatch(responses)
	if err != nil {
		sc.logger.Error("failed to marshal batch response", slog.String("err", err.Error()))
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), sc.srv.sendTimeout)
	defer cancel()
	if err := sc.conn.Send(sctx, frame); err != nil {
		sc.logger.Error("failed to send batch response", slog.String("err", err.Error()))
	}
}

// dispatch runs one request or notification. It returns the response to send and whether
// there is one: notifications, cancelled requests and requests of a closed connection have
// none. Chunks are only emitted for top-level requests.
func (sc *serverConn) dispatch(msg Message, streaming bool) (Message, bool) {
	isRequest := msg.Kind() == KindRequest

	ctx, cancel := context.WithCancelCause(sc.ctx)
	defer cancel(nil)

	ctx = context.WithValue(ctx, connIDContextKey, sc.conn.ID())
	ctx = context.WithValue(ctx, serverConnContextKey, sc)
	if isRequest {
		ctx = context.WithValue(ctx, requestIDContextKey, msg.ID)
		sc.trackRequest(msg.ID, cancel)
		defer sc.untrackRequest(msg.ID)
		sc.srv.stats.requests.Add(1)
	} else {
		sc.srv.stats.notifications.Add(1)
	}

	var emit func(Chunk) error
	if streaming && isRequest {
		emit = func(chunk Chunk) error {
			return sc.sendChunk(ctx, msg.ID, chunk)
		}
	}

	start := time.Now()
	sc.srv.stats.inFlight.Add(1)
	sc.srv.metrics.requestStarted()
	result, err := sc.srv.registry.dispatch(ctx, msg.Method, msg.Params, emit)
	sc.srv.stats.inFlight.Add(-1)
	sc.srv.metrics.requestFinished(msg.Method, start, err)

	if err != nil {
		sc.srv.stats.errors.Add(1)
	}

	if !isRequest {
		if err != nil {
			sc.logger.Debug("notification failed",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
		return Message{}, false
	}

	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, errRequestCancelled) || errors.Is(cause, ErrConnectionClosed) {
			sc.logger.Debug("discarding result",
				slog.String("method", msg.Method),
				slog.String("id", msg.ID.String()),
				slog.String("cause", cause.Error()))
			return Message{}, false
		}
	}

	if err != nil {
		rpcErr := ToError(err)
		if rpcErr.Code == CodeInternalError {
			sc.logger.Error("handler failed",
				slog.String("method", msg.Method),
				slog.String("err", rpcErr.Error()))
		}
		return NewErrorResponse(msg.ID, rpcErr), true
	}
	return NewResponse(msg.ID, result), true
}

func (sc *serverConn) sendChunk(ctx context.Context, id ID, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := json.Marshal(Message{ID: id, Chunk: &chunk})
	if err != nil {
		return NewInternalError(fmt.Sprintf("failed to marshal chunk: %v", err))
	}

	sctx, cancel := context.WithTimeout(ctx, sc.srv.sendTimeout)
	defer cancel()
	if err := sc.conn.Send(sctx, frame); err != nil {
		return fmt.Errorf("failed to send chunk: %w", err)
	}
	sc.srv.metrics.chunkSent()
	return nil
}

func (sc *serverConn) sendMessage(msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		sc.logger.Error("failed to marshal message", slog.String("err", err.Error()))
		if msg.Error != nil {
			return
		}
		msg = NewErrorResponse(msg.ID, NewInternalError("failed to marshal result"))
		if frame, err = json.Marshal(msg); err != nil {
			return
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), sc.srv.sendTimeout)
	defer cancel()

	err = sc.conn.Send(sctx, frame)
	var fErr *FramingError
	if errors.As(err, &fErr) && msg.Error == nil {
		// The result is too large for the transport, report that instead.
		sc.sendMessage(NewErrorResponse(msg.ID, NewInternalError(fErr.Error())))
		return
	}
	if err != nil {
		sc.logger.Error("failed to send message",
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
	}
}

func (sc *serverConn) trackRequest(id ID, cancel context.CancelCauseFunc) {
	sc.requestsMu.Lock()
	defer sc.requestsMu.Unlock()
	sc.requests[id] = cancel
}

func (sc *serverConn) untrackRequest(id ID) {
	sc.requestsMu.Lock()
	defer sc.requestsMu.Unlock()
	delete(sc.requests, id)
}

func (sc *serverConn) cancelRequest(id ID) bool {
	sc.requestsMu.Lock()
	cancel, ok := sc.requests[id]
	sc.requestsMu.Unlock()

	if ok {
		cancel(errRequestCancelled)
	}
	return ok
}
