package everything

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
)

const maxCount = 10000

type countParams struct {
	N int `json:"n"`
}

type longRunningParams struct {
	// Duration is the total duration of the operation in seconds.
	Duration float64 `json:"duration"`
	Steps    int     `json:"steps"`
}

// Progress is the chunk payload of "longRunningOperation".
type Progress struct {
	Progress int `json:"progress"`
	Total    int `json:"total"`
}

func (s *Server) registerStreams() {
	s.rpc.RegisterStream("count", jrpc.StreamFunc(s.count))
	s.rpc.RegisterStream("longRunningOperation", jrpc.StreamFunc(s.longRunningOperation))
}

// count yields 1..n.
func (s *Server) count(_ context.Context, params countParams) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		if params.N < 0 || params.N > maxCount {
			yield(0, jrpc.NewInvalidParams(fmt.Sprintf("n must be between 0 and %d", maxCount)))
			return
		}
		for i := 1; i <= params.N; i++ {
			if !yield(i, nil) {
				return
			}
		}
	}
}

func (s *Server) longRunningOperation(ctx context.Context, params longRunningParams) iter.Seq2[Progress, error] {
	duration := params.Duration
	if duration == 0 {
		duration = 10
	}
	steps := params.Steps
	if steps == 0 {
		steps = 5
	}

	return func(yield func(Progress, error) bool) {
		if duration < 0 || steps < 0 || steps > maxCount {
			yield(Progress{}, jrpc.NewInvalidParams("duration and steps must be positive"))
			return
		}

		stepDuration := time.Duration(duration * float64(time.Second) / float64(steps))
		timer := time.NewTimer(stepDuration)
		defer timer.Stop()

		for i := range steps {
			select {
			case <-timer.C:
			case <-ctx.Done():
				yield(Progress{}, ctx.Err())
				return
			case <-s.ctx.Done():
				yield(Progress{}, errServerClosed)
				return
			}
			if !yield(Progress{Progress: i + 1, Total: steps}, nil) {
				return
			}
			timer.Reset(stepDuration)
		}
	}
}
