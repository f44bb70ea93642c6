package jrpc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
)

var transportNames = []string{"StdIO", "TCP", "SSE", "WebSocket"}

type testSuite struct {
	cfg testSuiteConfig

	serverTransport jrpc.ServerTransport
	clientTransport jrpc.ClientTransport
	httpServer      *httptest.Server

	server    *jrpc.Server
	serveDone chan struct{}

	client           *jrpc.Client
	clientConnectErr error
}

type testSuiteConfig struct {
	transportName string

	serverOptions []jrpc.ServerOption
	clientOptions []jrpc.ClientOption

	// register installs the handlers of the test on the server.
	register func(*jrpc.Server)
}

type divideParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type countParams struct {
	N int `json:"n"`
}

type sleepParams struct {
	Millis int `json:"ms"`
}

// registerTestHandlers installs the handlers shared by the integration tests.
func registerTestHandlers(srv *jrpc.Server) {
	srv.Register("echo", jrpc.HandlerFunc(func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	}))
	srv.Register("divide", jrpc.Func(func(_ context.Context, p divideParams) (float64, error) {
		if p.B == 0 {
			return 0, jrpc.NewApplicationError(1001, "division by zero", nil)
		}
		return p.A / p.B, nil
	}))
	srv.Register("sleep", jrpc.Func(func(ctx context.Context, p sleepParams) (string, error) {
		select {
		case <-time.After(time.Duration(p.Millis) * time.Millisecond):
			return "slept", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))
	srv.Register("panic", jrpc.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	}))
	srv.RegisterStream("count", jrpc.StreamFunc(func(_ context.Context, p countParams) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			for i := 1; i <= p.N; i++ {
				if !yield(i, nil) {
					return
				}
			}
		}
	}))
}

func testSuiteCase(cfg testSuiteConfig, test func(*testing.T, *testSuite)) func(*testing.T) {
	return func(t *testing.T) {
		s := &testSuite{
			cfg: cfg,
		}
		s.setup(t)
		defer s.teardown(t)

		if s.clientConnectErr != nil {
			t.Fatalf("failed to connect client: %v", s.clientConnectErr)
		}

		test(t, s)
	}
}

func setupSSE() (*jrpc.SSEServer, *jrpc.SSEClient, *httptest.Server) {
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	connectURL := fmt.Sprintf("%s/sse", httpSrv.URL)
	msgURL := fmt.Sprintf("%s/message", httpSrv.URL)

	srv := jrpc.NewSSEServer(msgURL)

	mux.Handle("/sse", srv.HandleSSE())
	mux.Handle("/message", srv.HandleMessage())

	cli := jrpc.NewSSEClient(connectURL, httpSrv.Client())

	return srv, cli, httpSrv
}

func setupWebSocket() (*jrpc.WebSocketServer, *jrpc.WebSocketClient, *httptest.Server) {
	srv := jrpc.NewWebSocketServer()
	httpSrv := httptest.NewServer(srv)
	cli := jrpc.NewWebSocketClient("ws"+strings.TrimPrefix(httpSrv.URL, "http"), nil)
	return srv, cli, httpSrv
}

func setupTCP(t *testing.T) (*jrpc.TCPServer, *jrpc.TCPClient) {
	srv, err := jrpc.NewTCPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return srv, jrpc.NewTCPClient(srv.Addr().String())
}

func setupStdIO() (*jrpc.StdIO, *jrpc.StdIO) {
	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	// server's output is client's input
	srvIO := jrpc.NewStdIO(srvReader, srvWriter)
	// client's output is server's input
	cliIO := jrpc.NewStdIO(cliReader, cliWriter)

	return srvIO, cliIO
}

func (s *testSuite) setup(t *testing.T) {
	switch s.cfg.transportName {
	case "SSE":
		s.serverTransport, s.clientTransport, s.httpServer = setupSSE()
	case "WebSocket":
		s.serverTransport, s.clientTransport, s.httpServer = setupWebSocket()
	case "TCP":
		s.serverTransport, s.clientTransport = setupTCP(t)
	default:
		s.serverTransport, s.clientTransport = setupStdIO()
	}

	s.server = jrpc.NewServer(jrpc.Info{Name: "test-server", Version: "1.0"}, s.serverTransport,
		s.cfg.serverOptions...)
	if s.cfg.register != nil {
		s.cfg.register(s.server)
	}

	s.serveDone = make(chan struct{})
	go func() {
		defer close(s.serveDone)
		s.server.Serve()
	}()

	clientOptions := append([]jrpc.ClientOption{jrpc.WithClientPingInterval(-1)}, s.cfg.clientOptions...)
	s.client = jrpc.NewClient(s.clientTransport, clientOptions...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.clientConnectErr = s.client.Connect(ctx)
}

func (s *testSuite) teardown(t *testing.T) {
	if err := s.client.Close(); err != nil {
		t.Logf("failed to close client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}

	select {
	case <-s.serveDone:
	case <-time.After(5 * time.Second):
		t.Error("Serve didn't return after Shutdown")
	}

	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
