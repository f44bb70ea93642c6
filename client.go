package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// CallOption configures a single call.
type CallOption func(*callConfig)

// Client implements a JSON-RPC 2.0 client over a single connection. It correlates responses
// to requests by id, so any number of calls may be outstanding at once, and it routes
// published events to the callbacks registered with Subscribe.
//
// A Client must be created using NewClient() and requires Connect() to be called before any
// operations can be performed. The client should be properly closed using Close() when it's
// no longer needed. While connected, the client probes the server with rpc.ping and closes
// the connection after too many consecutive failures.
type Client struct {
	transport ClientTransport
	conn      Conn

	callTimeout          time.Duration
	writeTimeout         time.Duration
	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int

	onRetired func(RetiredParams)

	logger *slog.Logger

	mu      sync.Mutex
	pending map[ID]*Call
	subs    map[string]*clientSubscription // topic -> subscription
	connErr error

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Call is an outstanding request. Done is closed once the call completed, after which
// Result reports the outcome.
type Call struct {
	ID       ID
	Method   string
	IssuedAt time.Time
	Done     <-chan struct{}

	done       chan struct{}
	finishOnce sync.Once
	result     json.RawMessage
	err        error

	timeout time.Duration
	onChunk func(Chunk)
	lastSeq int
}

// BatchCall is one element of a batch. Results are decoded into Result when it's non-nil, and
// Error reports the failure of that element.
type BatchCall struct {
	Method string
	Params any
	Notify bool
	Result any
	Error  error
}

type callConfig struct {
	timeout time.Duration
	onChunk func(Chunk)
}

type clientSubscription struct {
	id      string
	topic   string
	matcher glob.Glob
	handler func(Event)
}

var (
	defaultClientCallTimeout  = 30 * time.Second
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second
	defaultClientPingTimeout  = 10 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithClientCallTimeout sets the default timeout of every call.
func WithClientCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client. A negative interval disables
// the keepalive.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeout sets how long the client waits for a single ping response.
func WithClientPingTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.pingTimeout = timeout
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures exceeds the threshold, the client will close the connection.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientOnRetired sets the callback invoked when the server retires a subscribed topic.
func WithClientOnRetired(onRetired func(RetiredParams)) ClientOption {
	return func(c *Client) {
		c.onRetired = onRetired
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = withComponent(logger, "client")
	}
}

// CallTimeout overrides the client's call timeout for one call. Zero disables the timeout,
// leaving only the context's deadline.
func CallTimeout(timeout time.Duration) CallOption {
	return func(cfg *callConfig) {
		cfg.timeout = timeout
	}
}

func withChunkHandler(onChunk func(Chunk)) CallOption {
	return func(cfg *callConfig) {
		cfg.onChunk = onChunk
	}
}

// NewClient creates a new JSON-RPC client with the specified configuration. The client will
// not be connected until Connect() is called.
func NewClient(transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		logger:    withComponent(slog.Default(), "client"),
		pending:   make(map[ID]*Call),
		subs:      make(map[string]*clientSubscription),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.callTimeout == 0 {
		c.callTimeout = defaultClientCallTimeout
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeout == 0 {
		c.pingTimeout = defaultClientPingTimeout
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	return c
}

// Connect establishes the connection with the server and starts the background routines for
// message handling and keepalive pings.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("client already connected")
	}
	c.mu.Unlock()

	conn, err := c.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.logger = c.logger.With(slog.String("connID", conn.ID()))
	c.mu.Unlock()

	go c.listen(conn)
	if c.pingInterval > 0 {
		go c.pings()
	}
	return nil
}

// Call sends a request and waits for its response, decoding the result into result when it's
// non-nil. It fails with ErrTimeout when the call timeout or the context deadline passes, with
// ErrCancelled when ctx is cancelled, with a *ConnectionError when the connection breaks, and
// with an *Error when the server answered with an error.
func (c *Client) Call(ctx context.Context, method string, params any, result any, opts ...CallOption) error {
	call, err := c.Go(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	raw, err := c.Wait(ctx, call)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// Stream calls a streaming method. onChunk receives the payload chunks in sequence order on
// the client's read goroutine, and result receives the terminal result.
func (c *Client) Stream(
	ctx context.Context,
	method string,
	params any,
	onChunk func(Chunk),
	result any,
	opts ...CallOption,
) error {
	return c.Call(ctx, method, params, result, append(opts, withChunkHandler(onChunk))...)
}

// Go sends a request without waiting for its response. The returned Call exposes the request
// id, which can be passed to Cancel, and is completed through Wait.
func (c *Client) Go(ctx context.Context, method string, params any, opts ...CallOption) (*Call, error) {
	cfg := callConfig{timeout: c.callTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	msg, err := NewRequest(StringID(uuid.New().String()), method, params)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	call := newCall(msg.ID, method, cfg)
	if err := c.register(call); err != nil {
		return nil, err
	}

	if err := c.send(ctx, frame); err != nil {
		c.forget(call.ID)
		return nil, err
	}
	return call, nil
}

// Wait waits for call to complete. When the call timeout or ctx ends the wait first, the call
// is abandoned: the server is asked to cancel it and a late response is dropped.
func (c *Client) Wait(ctx context.Context, call *Call) (json.RawMessage, error) {
	var timeout <-chan time.Time
	if call.timeout > 0 {
		timer := time.NewTimer(call.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-call.done:
		return call.Result()
	case <-timeout:
		c.abandon(call)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, call.Method, call.timeout)
	case <-ctx.Done():
		c.abandon(call)
		return nil, contextError(ctx.Err())
	}
}

// Notify sends a notification. No response is expected, so delivery is best-effort.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return c.send(ctx, frame)
}

// Cancel abandons the outstanding call with the given id, completing it with ErrCancelled,
// and asks the server to stop working on it.
func (c *Client) Cancel(ctx context.Context, id ID) error {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		call.finish(nil, ErrCancelled)
	}
	return c.Notify(ctx, MethodCancel, cancelParams{ID: id})
}

// Batch sends calls as one batch frame and waits for every response. The outcome of each
// element is reported through its Result and Error fields. Batch itself fails only when the
// batch can't be sent.
func (c *Client) Batch(ctx context.Context, calls []BatchCall, opts ...CallOption) error {
	if len(calls) == 0 {
		return errors.New("empty batch")
	}
	cfg := callConfig{timeout: c.callTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	msgs := make([]Message, len(calls))
	pending := make([]*Call, len(calls))
	for i, bc := range calls {
		var msg Message
		var err error
		if bc.Notify {
			msg, err = NewNotification(bc.Method, bc.Params)
		} else {
			msg, err = NewRequest(StringID(uuid.New().String()), bc.Method, bc.Params)
		}
		if err != nil {
			return fmt.Errorf("batch element %d: %w", i, err)
		}
		msgs[i] = msg
	}

	frame, err := EncodeBatch(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	for i, msg := range msgs {
		if calls[i].Notify {
			continue
		}
		call := newCall(msg.ID, msg.Method, cfg)
		if err := c.register(call); err != nil {
			c.forgetAll(pending)
			return err
		}
		pending[i] = call
	}

	if err := c.send(ctx, frame); err != nil {
		c.forgetAll(pending)
		return err
	}

	for i, call := range pending {
		if call == nil {
			continue
		}
		raw, err := c.Wait(ctx, call)
		if err != nil {
			calls[i].Error = err
			continue
		}
		if calls[i].Result != nil {
			if err := json.Unmarshal(raw, calls[i].Result); err != nil {
				calls[i].Error = fmt.Errorf("failed to unmarshal result: %w", err)
			}
		}
	}
	return nil
}

// Subscribe subscribes to topic, which may be a glob pattern, and calls handler for every
// matching event. Handlers run on the client's read goroutine in arrival order, so they
// should return quickly. It returns the subscription id.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func(Event)) (string, error) {
	matcher, err := glob.Compile(topic, '.')
	if err != nil {
		return "", NewInvalidParams(fmt.Sprintf("invalid topic pattern %q: %v", topic, err))
	}

	// Register before asking the server, so events published right after the subscription
	// are not missed.
	sub := &clientSubscription{topic: topic, matcher: matcher, handler: handler}
	c.mu.Lock()
	prev := c.subs[topic]
	c.subs[topic] = sub
	c.mu.Unlock()

	var res subscribeResult
	if err := c.Call(ctx, MethodSubscribe, subscribeParams{Topic: topic}, &res); err != nil {
		c.mu.Lock()
		if prev != nil {
			c.subs[topic] = prev
		} else {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	sub.id = res.Subscription
	c.mu.Unlock()

	return res.Subscription, nil
}

// Unsubscribe removes the subscription with id subID. It reports whether the server knew the
// subscription.
func (c *Client) Unsubscribe(ctx context.Context, subID string) (bool, error) {
	var res unsubscribeResult
	if err := c.Call(ctx, MethodUnsubscribe, unsubscribeParams{Subscription: subID}, &res); err != nil {
		return false, err
	}

	c.mu.Lock()
	for topic, sub := range c.subs {
		if sub.id == subID {
			delete(c.subs, topic)
		}
	}
	c.mu.Unlock()

	return res.Unsubscribed, nil
}

// Ping calls rpc.ping.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, MethodPing, nil, nil)
}

// Discover calls rpc.discover.
func (c *Client) Discover(ctx context.Context) (Discovery, error) {
	var res Discovery
	err := c.Call(ctx, MethodDiscover, nil, &res)
	return res, err
}

// Close closes the connection. Outstanding calls fail with a *ConnectionError.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		c.closeErr = conn.Close()
		<-c.done
	})
	return c.closeErr
}

// Result returns the raw result or the error of a completed call.
func (call *Call) Result() (json.RawMessage, error) {
	select {
	case <-call.done:
		return call.result, call.err
	default:
		return nil, errors.New("call still pending")
	}
}

func newCall(id ID, method string, cfg callConfig) *Call {
	done := make(chan struct{})
	return &Call{
		ID:       id,
		Method:   method,
		IssuedAt: time.Now(),
		Done:     done,
		done:     done,
		timeout:  cfg.timeout,
		onChunk:  cfg.onChunk,
		lastSeq:  -1,
	}
}

func (call *Call) finish(result json.RawMessage, err error) {
	call.finishOnce.Do(func() {
		call.result = result
		call.err = err
		close(call.done)
	})
}

func (c *Client) register(call *Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrClientNotConnected
	}
	if c.connErr != nil {
		return c.connErr
	}
	c.pending[call.ID] = call
	return nil
}

func (c *Client) forget(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) forgetAll(calls []*Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range calls {
		if call != nil {
			delete(c.pending, call.ID)
		}
	}
}

// abandon drops a call whose caller stopped waiting and asks the server to cancel it.
func (c *Client) abandon(call *Call) {
	c.forget(call.ID)
	call.finish(nil, ErrCancelled)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		if err := c.Notify(ctx, MethodCancel, cancelParams{ID: call.ID}); err != nil {
			c.logger.Debug("failed to send cancellation",
				slog.String("id", call.ID.String()),
				slog.String("err", err.Error()))
		}
	}()
}

func (c *Client) send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn, connErr := c.conn, c.connErr
	c.mu.Unlock()
	if conn == nil {
		return ErrClientNotConnected
	}
	if connErr != nil {
		return connErr
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := conn.Send(sCtx, frame); err != nil {
		var connE *ConnectionError
		var fErr *FramingError
		switch {
		case errors.As(err, &connE), errors.As(err, &fErr):
			return err
		case ctx.Err() != nil:
			return contextError(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: write: %w", ErrTimeout, err)
		default:
			return &ConnectionError{Op: "send", Err: err}
		}
	}
	return nil
}

func (c *Client) listen(conn Conn) {
	defer close(c.done)

	cause := ErrConnectionClosed
	for frame, err := range conn.Frames() {
		if err != nil {
			c.logger.Error("connection broken", slog.String("err", err.Error()))
			cause = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			break
		}
		c.handleFrame(frame)
	}

	connErr := &ConnectionError{Op: "read", Err: cause}

	c.mu.Lock()
	c.connErr = connErr
	pending := c.pending
	c.pending = make(map[ID]*Call)
	c.mu.Unlock()

	for _, call := range pending {
		call.finish(nil, connErr)
	}
	conn.Close()
}

func (c *Client) handleFrame(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		c.logger.Warn("received malformed frame", slog.String("err", err.Error()))
		return
	}

	for _, item := range frame.Items {
		if item.Err != nil {
			c.logger.Warn("received invalid message", slog.String("err", item.Err.Error()))
			continue
		}
		msg := item.Message
		switch msg.Kind() {
		case KindResponse:
			c.handleResponse(msg)
		case KindChunk:
			c.handleChunk(msg)
		case KindRequest:
			go c.rejectRequest(msg)
		case KindNotification:
			c.handleNotification(msg)
		}
	}
}

func (c *Client) handleResponse(msg Message) {
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		if msg.ID.IsNull() && msg.Error != nil {
			c.logger.Warn("server reported an error", slog.String("err", msg.Error.Error()))
			return
		}
		// Late replies to abandoned calls end up here.
		c.logger.Debug("dropping orphaned response", slog.String("id", msg.ID.String()))
		return
	}

	if msg.Error != nil {
		call.finish(nil, msg.Error)
		return
	}
	call.finish(msg.Result, nil)
}

func (c *Client) handleChunk(msg Message) {
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping orphaned chunk", slog.String("id", msg.ID.String()))
		return
	}
	if call.onChunk == nil || msg.Chunk.Last {
		return
	}
	// Only the read goroutine touches lastSeq.
	if msg.Chunk.Seq <= call.lastSeq {
		c.logger.Debug("dropping out of order chunk",
			slog.String("id", msg.ID.String()),
			slog.Int("seq", msg.Chunk.Seq))
		return
	}
	call.lastSeq = msg.Chunk.Seq
	call.onChunk(*msg.Chunk)
}

func (c *Client) handleNotification(msg Message) {
	switch msg.Method {
	case MethodEvent:
		var event Event
		if err := json.Unmarshal(msg.Params, &event); err != nil {
			c.logger.Error("failed to unmarshal event", slog.String("err", err.Error()))
			return
		}

		var handlers []func(Event)
		c.mu.Lock()
		for _, sub := range c.subs {
			if sub.matcher.Match(event.Topic) {
				handlers = append(handlers, sub.handler)
			}
		}
		c.mu.Unlock()

		for _, handler := range handlers {
			handler(event)
		}
	case MethodRetired:
		var params RetiredParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal retired params", slog.String("err", err.Error()))
			return
		}

		c.mu.Lock()
		if sub, ok := c.subs[params.Topic]; ok && (sub.id == "" || sub.id == params.Subscription) {
			delete(c.subs, params.Topic)
		}
		c.mu.Unlock()

		c.logger.Info("topic retired", slog.String("topic", params.Topic))
		if c.onRetired != nil {
			c.onRetired(params)
		}
	default:
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

// rejectRequest answers a server-initiated request, which this client doesn't serve.
func (c *Client) rejectRequest(msg Message) {
	frame, err := json.Marshal(NewErrorResponse(msg.ID, NewMethodNotFound(msg.Method)))
	if err != nil {
		c.logger.Error("failed to marshal error response", slog.String("err", err.Error()))
		return
	}
	if err := c.send(context.Background(), frame); err != nil {
		c.logger.Warn("failed to reject server request", slog.String("err", err.Error()))
	}
}

func (c *Client) pings() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.pingTimeout)
		err := c.Call(ctx, MethodPing, nil, nil, CallTimeout(c.pingTimeout))
		cancel()

		if err == nil {
			failures = 0
			continue
		}

		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return
		}

		failures++
		c.logger.Warn("ping failed",
			slog.Int("failures", failures),
			slog.String("err", err.Error()))
		if failures > c.pingTimeoutThreshold {
			c.logger.Error("too many ping failures, closing connection")
			if err := c.Close(); err != nil {
				c.logger.Error("failed to close connection", slog.String("err", err.Error()))
			}
			return
		}
	}
}
