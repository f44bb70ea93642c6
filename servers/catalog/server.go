package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/MegaGrindStone/go-jrpc"
)

// Server exposes a file-backed tool catalog as jrpc methods. Clients register, look up,
// page through, search and delete tool descriptions, and every change is published on
// the "catalog.changed" topic.
//
// The catalog is a description of tools, independent from the method registry of the
// server hosting it: registering a tool doesn't install a handler.
type Server struct {
	rpc    *jrpc.Server
	store  *store
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// Catalog method names and the change topic.
const (
	MethodRegister = "catalog.register"
	MethodGet      = "catalog.get"
	MethodList     = "catalog.list"
	MethodSearch   = "catalog.search"
	MethodDelete   = "catalog.delete"

	TopicChanged = "catalog.changed"
)

// CodeToolNotFound is the application error code returned by catalog.get for an unknown tool.
const CodeToolNotFound = 1101

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type registerParams struct {
	Tools  []Tool `json:"tools"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// RegisterResult is the result of catalog.register: the names of the new or changed tools
// and a unified diff per name. With dryRun nothing is stored and Registered stays empty.
type RegisterResult struct {
	Registered []string          `json:"registered"`
	Diffs      map[string]string `json:"diffs,omitempty"`
}

type getParams struct {
	Name string `json:"name"`
}

type listParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Tag    string `json:"tag,omitempty"`
}

// ListResult is the result of catalog.list. NextCursor is empty on the last page.
type ListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type searchParams struct {
	Query string `json:"query"`
}

type searchResult struct {
	Tools []Tool `json:"tools"`
}

type deleteParams struct {
	Names []string `json:"names"`
}

type deleteResult struct {
	Deleted []string `json:"deleted"`
}

// ChangeEvent is the payload of the catalog.changed events.
type ChangeEvent struct {
	Action string   `json:"action"`
	Names  []string `json:"names"`
}

// WithLogger sets the logger of the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a catalog stored in the JSON file at path and registers the catalog
// methods on rpc. The file is created on the first change.
func NewServer(rpc *jrpc.Server, path string, options ...Option) *Server {
	s := &Server{
		rpc:    rpc,
		store:  newStore(path),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("service", "catalog"))

	rpc.Register(MethodRegister, jrpc.Func(s.register))
	rpc.Register(MethodGet, jrpc.Func(s.get))
	rpc.Register(MethodList, jrpc.Func(s.list))
	rpc.Register(MethodSearch, jrpc.Func(s.search))
	rpc.Register(MethodDelete, jrpc.Func(s.delete))

	return s
}

func (s *Server) register(ctx context.Context, params registerParams) (RegisterResult, error) {
	if len(params.Tools) == 0 {
		return RegisterResult{}, jrpc.NewInvalidParams("tools is required")
	}
	for i, tool := range params.Tools {
		if tool.Name == "" {
			return RegisterResult{}, jrpc.NewInvalidParams(fmt.Sprintf("tools[%d]: name is required", i))
		}
	}

	changes, err := s.store.register(params.Tools, params.DryRun)
	if err != nil {
		return RegisterResult{}, err
	}

	res := RegisterResult{Registered: []string{}}
	if len(changes) > 0 {
		res.Diffs = make(map[string]string, len(changes))
	}
	for _, c := range changes {
		res.Diffs[c.Tool.Name] = createUnifiedDiff(c.Previous, c.Tool)
		if !params.DryRun {
			res.Registered = append(res.Registered, c.Tool.Name)
		}
	}
	if len(res.Registered) > 0 {
		s.changed(ctx, "registered", res.Registered)
	}
	return res, nil
}

func (s *Server) get(_ context.Context, params getParams) (Tool, error) {
	if params.Name == "" {
		return Tool{}, jrpc.NewInvalidParams("name is required")
	}
	tool, ok, err := s.store.get(params.Name)
	if err != nil {
		return Tool{}, err
	}
	if !ok {
		return Tool{}, jrpc.NewApplicationError(CodeToolNotFound, "tool not found", map[string]string{
			"name": params.Name,
		})
	}
	return tool, nil
}

func (s *Server) list(_ context.Context, params listParams) (ListResult, error) {
	limit := params.Limit
	switch {
	case limit < 0:
		return ListResult{}, jrpc.NewInvalidParams("limit must not be negative")
	case limit == 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}

	start := 0
	if params.Cursor != "" {
		var err error
		start, err = strconv.Atoi(params.Cursor)
		if err != nil || start < 0 {
			return ListResult{}, jrpc.NewInvalidParams(fmt.Sprintf("invalid cursor %q", params.Cursor))
		}
	}

	tools, err := s.store.list(params.Tag)
	if err != nil {
		return ListResult{}, err
	}
	if start > len(tools) {
		start = len(tools)
	}
	end := min(start+limit, len(tools))

	res := ListResult{Tools: tools[start:end]}
	if end < len(tools) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

func (s *Server) search(_ context.Context, params searchParams) (searchResult, error) {
	if params.Query == "" {
		return searchResult{}, jrpc.NewInvalidParams("query is required")
	}
	tools, err := s.store.search(params.Query)
	if err != nil {
		return searchResult{}, err
	}
	return searchResult{Tools: tools}, nil
}

func (s *Server) delete(ctx context.Context, params deleteParams) (deleteResult, error) {
	if len(params.Names) == 0 {
		return deleteResult{}, jrpc.NewInvalidParams("names is required")
	}
	removed, err := s.store.remove(params.Names)
	if err != nil {
		return deleteResult{}, err
	}
	if removed == nil {
		removed = []string{}
	}
	if len(removed) > 0 {
		s.changed(ctx, "deleted", removed)
	}
	return deleteResult{Deleted: removed}, nil
}

// changed publishes a change event. A failed publish is only logged, the change itself is
// already stored.
func (s *Server) changed(ctx context.Context, action string, names []string) {
	n, err := s.rpc.Publish(ctx, TopicChanged, ChangeEvent{Action: action, Names: names})
	if err != nil {
		s.logger.Error("failed to publish change",
			slog.String("action", action),
			slog.String("err", err.Error()))
		return
	}
	s.logger.Info("catalog changed",
		slog.String("action", action),
		slog.Any("names", names),
		slog.Int("delivered", n))
}
