package everything

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/go-jrpc"
)

// TopicLogsPrefix prefixes the topics of the events published by the "log" method, one topic
// per level: "logs.debug", "logs.info", "logs.warn" and "logs.error".
const TopicLogsPrefix = "logs."

type logParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// LogEvent is the payload of the events published on the "logs.<level>" topics.
type LogEvent struct {
	Level   string `json:"level"`
	Logger  string `json:"logger"`
	Message string `json:"message"`
}

type logResult struct {
	Delivered int `json:"delivered"`
}

// log writes the message to the service logger and publishes it to the subscribers of its
// level topic. It is usually sent as a notification.
func (s *Server) log(ctx context.Context, params logParams) (logResult, error) {
	if params.Level == "" {
		params.Level = "info"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(params.Level)); err != nil {
		return logResult{}, jrpc.NewInvalidParams(fmt.Sprintf("unknown level %q", params.Level))
	}

	s.logger.Log(ctx, level, params.Message, slog.String("source", "rpc"))

	name := levelName(level)
	n, err := s.rpc.Publish(ctx, TopicLogsPrefix+name, LogEvent{
		Level:   name,
		Logger:  "everything",
		Message: params.Message,
	})
	if err != nil {
		return logResult{}, err
	}
	return logResult{Delivered: n}, nil
}

func levelName(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}
