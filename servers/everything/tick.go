package everything

import (
	"log/slog"
	"time"
)

// Tick is the payload of the "ticks" events.
type Tick struct {
	Seq  int64     `json:"seq"`
	Time time.Time `json:"time"`
}

func (s *Server) tick() {
	defer close(s.tickerClosed)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			seq := s.ticks.Add(1)
			n, err := s.rpc.Publish(s.ctx, TopicTicks, Tick{Seq: seq, Time: now.UTC()})
			if err != nil {
				s.logger.Error("failed to publish tick", slog.Int64("seq", seq), slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Debug("published tick", slog.Int64("seq", seq), slog.Int("delivered", n))
			}
		}
	}
}
