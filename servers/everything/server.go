package everything

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
)

// Server implements a reference service that exercises every feature of the jrpc framework.
// It provides plain methods, application errors, cancellable work, streaming methods, and
// event publishing, primarily for testing client implementations.
//
// Server publishes a "ticks" event on every tick interval and forwards the "log" method to
// the "logs.<level>" topics, so clients can try subscriptions without any other producer.
// While not intended for production use, it serves as both a reference implementation and a
// testing tool for the protocol features.
type Server struct {
	rpc    *jrpc.Server
	logger *slog.Logger

	tickInterval time.Duration
	ticks        atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	tickerClosed chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// TopicTicks is the topic of the periodic tick events.
const TopicTicks = "ticks"

const defaultTickInterval = time.Second

// WithTickInterval sets how often a tick event is published. Zero or a negative interval
// disables the ticker.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.tickInterval = interval
	}
}

// WithLogger sets the logger of the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the reference service, registers its methods on rpc, and starts the
// background ticker.
//
// Callers must call Close when finished to stop the ticker and fail the operations that are
// still running.
func NewServer(rpc *jrpc.Server, options ...Option) *Server {
	s := &Server{
		rpc:          rpc,
		logger:       slog.Default(),
		tickInterval: defaultTickInterval,
		tickerClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("service", "everything"))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.registerTools()
	s.registerStreams()
	s.rpc.Register("log", jrpc.Func(s.log))

	if s.tickInterval > 0 {
		go s.tick()
	} else {
		close(s.tickerClosed)
	}

	return s
}

// Close stops the ticker and waits for it to exit. Calling Close more than once is safe.
func (s *Server) Close() {
	s.cancel()
	<-s.tickerClosed
}
