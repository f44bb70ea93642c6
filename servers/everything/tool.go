package everything

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
)

// CodeDivisionByZero is the application error code returned by "divide" when the divisor is
// zero.
const CodeDivisionByZero = 1001

// maxSleep bounds the duration accepted by "sleep".
const maxSleep = time.Minute

type arithmeticParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type sleepParams struct {
	Millis int `json:"ms"`
}

type sleepResult struct {
	Slept int `json:"slept"`
}

type publishParams struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type publishResult struct {
	Delivered int `json:"delivered"`
}

var errServerClosed = errors.New("server closed")

func (s *Server) registerTools() {
	s.rpc.Register("echo", jrpc.HandlerFunc(s.echo))
	s.rpc.Register("add", jrpc.Func(s.add))
	s.rpc.Register("divide", jrpc.Func(s.divide))
	s.rpc.Register("sleep", jrpc.Func(s.sleep))
	s.rpc.Register("publish", jrpc.Func(s.publish))
}

// echo returns its params untouched, null when there were none.
func (s *Server) echo(_ context.Context, params json.RawMessage) (any, error) {
	s.logger.Debug("echo", "size", len(params))
	return params, nil
}

func (s *Server) add(_ context.Context, params arithmeticParams) (float64, error) {
	return params.A + params.B, nil
}

func (s *Server) divide(_ context.Context, params arithmeticParams) (float64, error) {
	if params.B == 0 {
		return 0, jrpc.NewApplicationError(CodeDivisionByZero, "division by zero", map[string]float64{
			"dividend": params.A,
		})
	}
	return params.A / params.B, nil
}

func (s *Server) sleep(ctx context.Context, params sleepParams) (sleepResult, error) {
	d := time.Duration(params.Millis) * time.Millisecond
	if d < 0 || d > maxSleep {
		return sleepResult{}, jrpc.NewInvalidParams(fmt.Sprintf("ms must be between 0 and %d", maxSleep.Milliseconds()))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return sleepResult{Slept: params.Millis}, nil
	case <-ctx.Done():
		return sleepResult{}, ctx.Err()
	case <-s.ctx.Done():
		return sleepResult{}, errServerClosed
	}
}

func (s *Server) publish(ctx context.Context, params publishParams) (publishResult, error) {
	if params.Topic == "" {
		return publishResult{}, jrpc.NewInvalidParams("topic is required")
	}

	n, err := s.rpc.Publish(ctx, params.Topic, params.Payload)
	if err != nil {
		return publishResult{}, err
	}
	return publishResult{Delivered: n}, nil
}
