package jrpc

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// TransportOption configures the transports provided by this package.
type TransportOption func(*transportConfig)

type transportConfig struct {
	framing         Framing
	maxMessageSize  int
	writeQueueDepth int
	logger          *slog.Logger
}

// writeQueue serializes every write of a connection through one goroutine. Senders block
// while the bounded queue is full.
type writeQueue struct {
	write  func([]byte) error
	logger *slog.Logger

	items chan writeItem

	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

type writeItem struct {
	frame []byte
	errs  chan error
}

// streamConn is a Conn over a plain byte stream such as a TCP socket or a pipe pair.
type streamConn struct {
	id     string
	reader *FrameReader
	writer *FrameWriter
	closer io.Closer
	queue  *writeQueue
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DefaultWriteQueueDepth is the number of frames a connection buffers before Send blocks.
const DefaultWriteQueueDepth = 64

// WithFraming sets the framing scheme of a stream transport. The default is FramingNewline.
func WithFraming(framing Framing) TransportOption {
	return func(c *transportConfig) {
		c.framing = framing
	}
}

// WithMaxMessageSize sets the largest frame the transport reads or writes.
func WithMaxMessageSize(size int) TransportOption {
	return func(c *transportConfig) {
		c.maxMessageSize = size
	}
}

// WithWriteQueueDepth sets the capacity of the per-connection write queue.
func WithWriteQueueDepth(depth int) TransportOption {
	return func(c *transportConfig) {
		c.writeQueueDepth = depth
	}
}

// WithTransportLogger sets the logger for the transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		c.logger = logger
	}
}

func newTransportConfig(component string, options ...TransportOption) transportConfig {
	cfg := transportConfig{
		framing:         FramingNewline,
		maxMessageSize:  DefaultMaxMessageSize,
		writeQueueDepth: DefaultWriteQueueDepth,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.maxMessageSize <= 0 {
		cfg.maxMessageSize = DefaultMaxMessageSize
	}
	if cfg.writeQueueDepth <= 0 {
		cfg.writeQueueDepth = DefaultWriteQueueDepth
	}
	cfg.logger = withComponent(cfg.logger, component)
	return cfg
}

func newWriteQueue(depth int, write func([]byte) error, logger *slog.Logger) *writeQueue {
	q := &writeQueue{
		write:  write,
		logger: logger,
		items:  make(chan writeItem, depth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go q.processWrites()
	return q
}

func (q *writeQueue) send(ctx context.Context, frame []byte) error {
	item := writeItem{
		frame: frame,
		errs:  make(chan error, 1),
	}

	// Queue the frame, this is where backpressure applies.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return &ConnectionError{Op: "send", Err: ErrConnectionClosed}
	case q.items <- item:
	}

	// Wait for the writer goroutine to report the result.
	select {
	case err := <-item.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return &ConnectionError{Op: "send", Err: ErrConnectionClosed}
	}
}

func (q *writeQueue) stop() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	<-q.closed
}

func (q *writeQueue) processWrites() {
	defer close(q.closed)

	for {
		var item writeItem
		select {
		case <-q.done:
			return
		case item = <-q.items:
		}

		err := q.write(item.frame)
		if err != nil {
			q.logger.Warn("failed to write frame", slog.String("err", err.Error()))
		}
		item.errs <- err
	}
}

func newStreamConn(r io.Reader, w io.Writer, closer io.Closer, cfg transportConfig) *streamConn {
	id := uuid.New().String()
	c := &streamConn{
		id:     id,
		reader: NewFrameReader(r, cfg.framing, cfg.maxMessageSize),
		writer: NewFrameWriter(w, cfg.framing, cfg.maxMessageSize),
		closer: closer,
		logger: cfg.logger.With(slog.String("connID", id)),
		done:   make(chan struct{}),
	}
	c.queue = newWriteQueue(cfg.writeQueueDepth, c.writer.WriteFrame, c.logger)
	return c
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Send(ctx context.Context, frame []byte) error {
	return c.queue.send(ctx, frame)
}

func (c *streamConn) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			frame, err := c.reader.ReadFrame()
			if err != nil {
				if c.isClosed() || errors.Is(err, io.EOF) {
					return
				}
				var fErr *FramingError
				if errors.As(err, &fErr) {
					yield(nil, err)
					return
				}
				// Any other read failure means the peer is gone.
				c.logger.Debug("read failed", slog.String("err", err.Error()))
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		// Closing the stream first unblocks a writer stuck on a slow peer.
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
		c.queue.stop()
	})
	return c.closeErr
}

func (c *streamConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// multiCloser closes every non-nil closer and returns the first error.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firstErr error
	for _, c := range m {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
