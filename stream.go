package jrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Chunk is one element of a streamed result. Seq starts at 0 and increases by one for every
// chunk of the same request. The sequence is closed by a chunk with Last set and no payload.
type Chunk struct {
	Seq     int             `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Last    bool            `json:"last,omitempty"`
}

// StreamResult is the terminal result of a stream that ended without an error.
type StreamResult struct {
	Chunks int `json:"chunks"`
}

// runStream drains the handler's sequence, passing every item to emit as a chunk. A nil emit
// only counts the items, which is how streams behave inside batches and notifications.
func runStream(
	ctx context.Context,
	handler StreamHandler,
	params json.RawMessage,
	emit func(Chunk) error,
) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = NewInternalError(fmt.Sprintf("panic: %v", r))
		}
	}()

	seq := 0
	var streamErr error
	for item, itemErr := range handler.ServeStream(ctx, params) {
		if itemErr != nil {
			streamErr = itemErr
			break
		}
		if ctx.Err() != nil {
			streamErr = ctx.Err()
			break
		}
		payload, mErr := marshalResult(item)
		if mErr != nil {
			streamErr = mErr
			break
		}
		if emit != nil {
			if err := emit(Chunk{Seq: seq, Payload: payload}); err != nil {
				return nil, err
			}
		}
		seq++
	}

	if emit != nil {
		if err := emit(Chunk{Seq: seq, Last: true}); err != nil {
			return nil, err
		}
	}

	if streamErr != nil {
		return nil, ToError(streamErr)
	}
	return marshalResult(StreamResult{Chunks: seq})
}
