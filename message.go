package jrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageKind classifies a decoded protocol message.
type MessageKind int

// ID is a request correlation token. It keeps the JSON kind it was created with, so the
// string "1" and the integer 1 are different ids. The zero value represents an absent id.
type ID struct {
	kind idKind
	str  string
	num  int64
}

type idKind uint8

// Message represents a single JSON-RPC 2.0 message. Which fields are populated decides
// what the message is:
//   - Request: ID, Method and optionally Params are set
//   - Notification: Method and optionally Params are set, ID is absent
//   - Response: ID and either Result or Error are set
//   - Chunk: ID and Chunk are set
type Message struct {
	// ID correlates a request with its response and stream chunks.
	ID ID
	// Method contains the RPC method name for requests and notifications.
	Method string
	// Params contains the structured parameters (object or array) as raw JSON.
	Params json.RawMessage
	// Result contains the successful response data as raw JSON.
	Result json.RawMessage
	// Error contains error details if the request failed.
	Error *Error
	// Chunk contains a stream chunk emitted before the terminal response.
	Chunk *Chunk
}

// Frame is a decoded wire frame: either a single message or a batch.
type Frame struct {
	Batch bool
	Items []FrameItem
}

// FrameItem is one element of a frame. When Err is set, the element was not a legal
// message; Message.ID still carries the id if one could be parsed.
type FrameItem struct {
	Message Message
	Err     *Error
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Chunk   *Chunk          `json:"chunk,omitempty"`
}

const (
	// KindInvalid is a message that is none of the kinds below.
	KindInvalid MessageKind = iota
	// KindRequest is a message with a method and an id.
	KindRequest
	// KindNotification is a message with a method and no id.
	KindNotification
	// KindResponse is a message with an id and exactly one of result or error.
	KindResponse
	// KindChunk is a stream chunk correlated to a request id.
	KindChunk
)

const (
	idAbsent idKind = iota
	idNull
	idString
	idNumber
)

// NullID is the id used in responses to requests whose id could not be parsed.
var NullID = ID{kind: idNull}

// StringID returns a string id.
func StringID(s string) ID {
	return ID{kind: idString, str: s}
}

// IntID returns an integer id.
func IntID(n int64) ID {
	return ID{kind: idNumber, num: n}
}

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return id.kind == idAbsent }

// IsNull reports whether the id is the JSON null.
func (id ID) IsNull() bool { return id.kind == idNull }

// String returns a printable form of the id, suitable for logs.
func (id ID) String() string {
	switch id.kind {
	case idString:
		return id.str
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	case idNull:
		return "null"
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler. An absent id is encoded as null.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idNumber:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler, accepting strings, integers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("invalid id: %s", data)
		}
		*id = NullID
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		*id = StringID(s)
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("id must be a string or an integer: %s", data)
		}
		*id = IntID(n)
	}
	return nil
}

// Kind classifies the message.
func (m Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.Result == nil && m.Error == nil && m.Chunk == nil:
		if m.ID.IsZero() {
			return KindNotification
		}
		return KindRequest
	case m.Method != "" || m.ID.IsZero():
		return KindInvalid
	case m.Chunk != nil && m.Result == nil && m.Error == nil:
		return KindChunk
	case (m.Result != nil) != (m.Error != nil) && m.Chunk == nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// NewRequest builds a request message, marshalling params unless they are already raw JSON.
func NewRequest(id ID, method string, params any) (Message, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Method: method, Params: paramsBs}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (Message, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Method: method, Params: paramsBs}, nil
}

// NewResponse builds a success response. A nil result is encoded as JSON null.
func NewResponse(id ID, result json.RawMessage) Message {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Message{ID: id, Result: result}
}

// NewErrorResponse builds an error response. A zero id is replaced by NullID.
func NewErrorResponse(id ID, err *Error) Message {
	if id.IsZero() {
		id = NullID
	}
	return Message{ID: id, Error: err}
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		JSONRPC: JSONRPCVersion,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
		Chunk:   m.Chunk,
	}
	if !m.ID.IsZero() {
		id := m.ID
		w.ID = &id
	}
	// A success response must always carry the result member.
	if m.Method == "" && m.Error == nil && m.Chunk == nil && !m.ID.IsZero() && len(m.Result) == 0 {
		w.Result = json.RawMessage("null")
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. It fails with an *Error when the value is
// not a legal message.
func (m *Message) UnmarshalJSON(data []byte) error {
	msg, err := parseMessage(data)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// DecodeFrame parses one wire frame into a single message or a batch. It fails with a
// ParseError when the frame is not well-formed JSON, and with an InvalidRequest when it is
// neither an object nor a non-empty array. Illegal elements are reported per item.
func DecodeFrame(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return Frame{}, NewParseError("frame is not well-formed JSON")
	}
	switch data[0] {
	case '{':
		msg, err := parseMessage(data)
		return Frame{Items: []FrameItem{{Message: msg, Err: err}}}, nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil {
			return Frame{}, NewParseError(err.Error())
		}
		if len(elems) == 0 {
			return Frame{}, NewInvalidRequest("empty batch")
		}
		frame := Frame{Batch: true, Items: make([]FrameItem, 0, len(elems))}
		for _, elem := range elems {
			msg, err := parseMessage(elem)
			frame.Items = append(frame.Items, FrameItem{Message: msg, Err: err})
		}
		return frame, nil
	default:
		return Frame{}, NewInvalidRequest("frame must be an object or an array")
	}
}

// EncodeBatch encodes messages as one batch frame.
func EncodeBatch(msgs []Message) ([]byte, error) {
	return json.Marshal(msgs)
}

// parseMessage classifies a single JSON value. The returned message carries the parsed
// id even when the value is rejected.
func parseMessage(data []byte) (Message, *Error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, NewInvalidRequest("message must be an object")
	}

	var msg Message
	if raw, ok := fields["id"]; ok {
		if err := msg.ID.UnmarshalJSON(raw); err != nil {
			return Message{}, NewInvalidRequest(err.Error())
		}
	}

	if raw, ok := fields["jsonrpc"]; ok {
		var version string
		if err := json.Unmarshal(raw, &version); err != nil || version != JSONRPCVersion {
			return msg, NewInvalidRequest(fmt.Sprintf("unsupported jsonrpc version: %s", raw))
		}
	}

	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &msg.Method); err != nil {
			return msg, NewInvalidRequest("method must be a string")
		}
		if msg.Method == "" {
			return msg, NewInvalidRequest("method must not be empty")
		}
		if raw, ok := fields["params"]; ok && !isNull(raw) {
			if !isStructured(raw) {
				return msg, NewInvalidRequest("params must be an object or an array")
			}
			msg.Params = raw
		}
		if _, hasResult := fields["result"]; hasResult {
			return msg, NewInvalidRequest("request must not carry a result")
		}
		if _, hasError := fields["error"]; hasError {
			return msg, NewInvalidRequest("request must not carry an error")
		}
		return msg, nil
	}

	if msg.ID.IsZero() {
		return msg, NewInvalidRequest("message has neither method nor id")
	}

	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]
	rawChunk, hasChunk := fields["chunk"]

	switch {
	case hasChunk && !hasResult && !hasError:
		var chunk Chunk
		if err := json.Unmarshal(rawChunk, &chunk); err != nil {
			return msg, NewInvalidRequest(fmt.Sprintf("invalid chunk: %s", err))
		}
		msg.Chunk = &chunk
	case hasResult && !hasError && !hasChunk:
		msg.Result = rawResult
		if len(msg.Result) == 0 {
			msg.Result = json.RawMessage("null")
		}
	case hasError && !hasResult && !hasChunk:
		var rpcErr Error
		if err := json.Unmarshal(rawError, &rpcErr); err != nil {
			return msg, NewInvalidRequest(fmt.Sprintf("invalid error object: %s", err))
		}
		msg.Error = &rpcErr
	default:
		return msg, NewInvalidRequest("response must carry exactly one of result or error")
	}

	return msg, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	var paramsBs json.RawMessage
	switch p := params.(type) {
	case json.RawMessage:
		paramsBs = p
	case []byte:
		paramsBs = p
	default:
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}
	if isNull(paramsBs) {
		return nil, nil
	}
	if !isStructured(paramsBs) {
		return nil, fmt.Errorf("params must be an object or an array")
	}
	return paramsBs, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func isStructured(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && (raw[0] == '{' || raw[0] == '[')
}
