package jrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// Handler serves a single method. The params are the raw structured parameters of the
// request, nil when the request carried none. A returned *Error is sent to the peer as is;
// any other error becomes an InternalError.
type Handler interface {
	ServeRPC(ctx context.Context, params json.RawMessage) (any, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// StreamHandler serves a method whose result is delivered as a sequence of chunks. The
// returned sequence is lazy and finite, and it is consumed at most once. An error yielded by
// the sequence ends the stream and becomes the terminal error response.
type StreamHandler interface {
	ServeStream(ctx context.Context, params json.RawMessage) iter.Seq2[any, error]
}

// StreamHandlerFunc adapts an ordinary function to the StreamHandler interface.
type StreamHandlerFunc func(ctx context.Context, params json.RawMessage) iter.Seq2[any, error]

// RegisteredMethod is a registry entry. Exactly one of Handler and Stream is set.
type RegisteredMethod struct {
	Name    string
	Handler Handler
	Stream  StreamHandler
}

// Registry maps method names to handlers. It is safe for concurrent use, and a lookup always
// observes either the state before or after a concurrent mutation.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]RegisteredMethod
}

// ServeRPC calls f(ctx, params).
func (f HandlerFunc) ServeRPC(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// ServeStream calls f(ctx, params).
func (f StreamHandlerFunc) ServeStream(ctx context.Context, params json.RawMessage) iter.Seq2[any, error] {
	return f(ctx, params)
}

// Func adapts a typed function to the Handler interface. The params are decoded into P, and
// a decoding failure is reported to the peer as InvalidParams.
func Func[P, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return fn(ctx, params)
	})
}

// StreamFunc adapts a typed sequence function to the StreamHandler interface.
func StreamFunc[P, R any](fn func(ctx context.Context, params P) iter.Seq2[R, error]) StreamHandler {
	return StreamHandlerFunc(func(ctx context.Context, raw json.RawMessage) iter.Seq2[any, error] {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return func(yield func(any, error) bool) {
				yield(nil, err)
			}
		}
		return func(yield func(any, error) bool) {
			for item, err := range fn(ctx, params) {
				if !yield(item, err) {
					return
				}
			}
		}
	})
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]RegisteredMethod),
	}
}

// Register installs handler under name, replacing any previous entry. It panics if name is
// empty or handler is nil.
func (r *Registry) Register(name string, handler Handler) {
	if handler == nil {
		panic("jrpc: nil handler for method " + name)
	}
	r.register(RegisteredMethod{Name: name, Handler: handler})
}

// RegisterStream installs a streaming handler under name, replacing any previous entry. It
// panics if name is empty or handler is nil.
func (r *Registry) RegisterStream(name string, handler StreamHandler) {
	if handler == nil {
		panic("jrpc: nil stream handler for method " + name)
	}
	r.register(RegisteredMethod{Name: name, Stream: handler})
}

func (r *Registry) register(m RegisteredMethod) {
	if m.Name == "" {
		panic("jrpc: empty method name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[m.Name] = m
}

// Unregister removes the entry for name. Removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (RegisteredMethod, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Methods returns the registered method names in ascending order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Dispatch runs the handler registered under name and returns its marshalled result. It fails
// with MethodNotFound when nothing is registered under name. Streaming methods are drained and
// yield their terminal result.
func (r *Registry) Dispatch(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	return r.dispatch(ctx, name, params, nil)
}

func (r *Registry) dispatch(
	ctx context.Context,
	name string,
	params json.RawMessage,
	emit func(Chunk) error,
) (json.RawMessage, error) {
	m, ok := r.Lookup(name)
	if !ok {
		return nil, NewMethodNotFound(name)
	}
	if m.Stream != nil {
		return runStream(ctx, m.Stream, params, emit)
	}
	return callHandler(ctx, m.Handler, params)
}

func callHandler(ctx context.Context, handler Handler, params json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = NewInternalError(fmt.Sprintf("panic: %v", r))
		}
	}()

	res, hErr := handler.ServeRPC(ctx, params)
	if hErr != nil {
		return nil, ToError(hErr)
	}
	return marshalResult(res)
}

func marshalResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(r) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(r) {
			return nil, NewInternalError("result is not valid JSON")
		}
		return r, nil
	}

	bs, err := json.Marshal(v)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return bs, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewInvalidParams(err.Error())
	}
	return nil
}
