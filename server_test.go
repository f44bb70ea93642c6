package jrpc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
)

func TestServerCall(t *testing.T) {
	type testCase struct {
		name     string
		method   string
		params   any
		want     string
		wantCode int
	}

	testCases := []testCase{
		{
			name:   "echo object",
			method: "echo",
			params: map[string]any{"msg": "hello"},
			want:   `{"msg":"hello"}`,
		},
		{
			name:   "echo array",
			method: "echo",
			params: []int{1, 2, 3},
			want:   `[1,2,3]`,
		},
		{
			name:   "echo without params",
			method: "echo",
			want:   `null`,
		},
		{
			name:   "divide",
			method: "divide",
			params: divideParams{A: 10, B: 4},
			want:   `2.5`,
		},
		{
			name:     "application error",
			method:   "divide",
			params:   divideParams{A: 1, B: 0},
			wantCode: 1001,
		},
		{
			name:     "invalid params",
			method:   "divide",
			params:   []int{1, 2},
			wantCode: jrpc.CodeInvalidParams,
		},
		{
			name:     "method not found",
			method:   "missing",
			wantCode: jrpc.CodeMethodNotFound,
		},
		{
			name:     "handler panic",
			method:   "panic",
			wantCode: jrpc.CodeInternalError,
		},
	}

	for _, transportName := range transportNames {
		cfg := testSuiteConfig{
			transportName: transportName,
			register:      registerTestHandlers,
		}

		t.Run(transportName, testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			for _, tc := range testCases {
				t.Run(tc.name, func(t *testing.T) {
					var result json.RawMessage
					err := s.client.Call(context.Background(), tc.method, tc.params, &result)
					if tc.wantCode != 0 {
						var rpcErr *jrpc.Error
						if !errors.As(err, &rpcErr) {
							t.Fatalf("expected *jrpc.Error, got %v", err)
						}
						if rpcErr.Code != tc.wantCode {
							t.Errorf("expected code %d, got %d", tc.wantCode, rpcErr.Code)
						}
						return
					}
					if err != nil {
						t.Fatalf("unexpected error: %v", err)
					}
					if string(result) != tc.want {
						t.Errorf("expected result %s, got %s", tc.want, result)
					}
				})
			}
		}))
	}
}

func TestServerApplicationErrorMessage(t *testing.T) {
	cfg := testSuiteConfig{transportName: "StdIO", register: registerTestHandlers}

	t.Run("StdIO", testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
		err := s.client.Call(context.Background(), "divide", divideParams{A: 1}, nil)
		var rpcErr *jrpc.Error
		if !errors.As(err, &rpcErr) {
			t.Fatalf("expected *jrpc.Error, got %v", err)
		}
		if rpcErr.Message != "division by zero" {
			t.Errorf("expected message %q, got %q", "division by zero", rpcErr.Message)
		}
		if rpcErr.Name() != "ApplicationError" {
			t.Errorf("expected ApplicationError, got %s", rpcErr.Name())
		}
	}))
}

func TestServerConcurrentCalls(t *testing.T) {
	for _, transportName := range transportNames {
		cfg := testSuiteConfig{transportName: transportName, register: registerTestHandlers}

		t.Run(transportName, testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					var got []int
					if err := s.client.Call(context.Background(), "echo", []int{i}, &got); err != nil {
						errs <- err
						return
					}
					if len(got) != 1 || got[0] != i {
						errs <- fmt.Errorf("call %d got %v", i, got)
					}
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				t.Error(err)
			}
		}))
	}
}

func TestServerStream(t *testing.T) {
	for _, transportName := range transportNames {
		cfg := testSuiteConfig{transportName: transportName, register: registerTestHandlers}

		t.Run(transportName, testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			var payloads []int
			var seqs []int
			var result jrpc.StreamResult
			err := s.client.Stream(context.Background(), "count", countParams{N: 5}, func(c jrpc.Chunk) {
				var n int
				if err := json.Unmarshal(c.Payload, &n); err != nil {
					t.Errorf("failed to unmarshal chunk: %v", err)
				}
				payloads = append(payloads, n)
				seqs = append(seqs, c.Seq)
			}, &result)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if result.Chunks != 5 {
				t.Errorf("expected 5 chunks in result, got %d", result.Chunks)
			}
			if !slices.Equal(payloads, []int{1, 2, 3, 4, 5}) {
				t.Errorf("expected payloads 1..5, got %v", payloads)
			}
			if !slices.Equal(seqs, []int{0, 1, 2, 3, 4}) {
				t.Errorf("expected seqs 0..4, got %v", seqs)
			}
		}))
	}
}

func TestServerSubscribePublish(t *testing.T) {
	for _, transportName := range transportNames {
		cfg := testSuiteConfig{transportName: transportName}

		t.Run(transportName, testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			events := make(chan jrpc.Event, 10)
			subID, err := s.client.Subscribe(context.Background(), "news.*", func(e jrpc.Event) {
				events <- e
			})
			if err != nil {
				t.Fatalf("failed to subscribe: %v", err)
			}
			if subID == "" {
				t.Fatal("expected a subscription id")
			}

			n, err := s.server.Publish(context.Background(), "news.sports", map[string]string{"score": "1-0"})
			if err != nil {
				t.Fatalf("failed to publish: %v", err)
			}
			if n != 1 {
				t.Errorf("expected 1 delivery, got %d", n)
			}

			select {
			case e := <-events:
				if e.Topic != "news.sports" {
					t.Errorf("expected topic news.sports, got %s", e.Topic)
				}
				if string(e.Payload) != `{"score":"1-0"}` {
					t.Errorf("unexpected payload %s", e.Payload)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for event")
			}

			n, err = s.server.Publish(context.Background(), "weather.today", "sunny")
			if err != nil {
				t.Fatalf("failed to publish: %v", err)
			}
			if n != 0 {
				t.Errorf("expected no delivery for unmatched topic, got %d", n)
			}

			ok, err := s.client.Unsubscribe(context.Background(), subID)
			if err != nil {
				t.Fatalf("failed to unsubscribe: %v", err)
			}
			if !ok {
				t.Error("expected unsubscribe to report true")
			}

			n, err = s.server.Publish(context.Background(), "news.sports", "late")
			if err != nil {
				t.Fatalf("failed to publish: %v", err)
			}
			if n != 0 {
				t.Errorf("expected no delivery after unsubscribe, got %d", n)
			}
		}))
	}
}

func TestServerRetireTopic(t *testing.T) {
	retired := make(chan jrpc.RetiredParams, 1)
	cfg := testSuiteConfig{
		transportName: "TCP",
		clientOptions: []jrpc.ClientOption{
			jrpc.WithClientOnRetired(func(p jrpc.RetiredParams) {
				retired <- p
			}),
		},
	}

	t.Run("TCP", testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
		subID, err := s.client.Subscribe(context.Background(), "jobs", func(jrpc.Event) {})
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}

		if n := s.server.RetireTopic(context.Background(), "jobs"); n != 1 {
			t.Errorf("expected 1 retired subscription, got %d", n)
		}

		select {
		case p := <-retired:
			if p.Topic != "jobs" || p.Subscription != subID {
				t.Errorf("unexpected retired params %+v", p)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for retired notification")
		}

		if got := s.server.Subscriptions().Count(); got != 0 {
			t.Errorf("expected no subscriptions left, got %d", got)
		}
	}))
}

func TestServerCancel(t *testing.T) {
	for _, transportName := range transportNames {
		var cancelled atomic.Bool
		register := func(srv *jrpc.Server) {
			srv.Register("block", jrpc.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
				<-ctx.Done()
				cancelled.Store(true)
				return nil, ctx.Err()
			}))
		}
		cfg := testSuiteConfig{transportName: transportName, register: register}

		t.Run(transportName, testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			call, err := s.client.Go(context.Background(), "block", nil)
			if err != nil {
				t.Fatalf("failed to send request: %v", err)
			}
			if !waitFor(t, 2*time.Second, func() bool { return s.server.Stats().InFlight == 1 }) {
				t.Fatal("request never started")
			}

			if err := s.client.Cancel(context.Background(), call.ID); err != nil {
				t.Fatalf("failed to cancel: %v", err)
			}

			_, err = s.client.Wait(context.Background(), call)
			if !errors.Is(err, jrpc.ErrCancelled) {
				t.Errorf("expected ErrCancelled, got %v", err)
			}

			if !waitFor(t, 2*time.Second, cancelled.Load) {
				t.Error("handler context was not cancelled")
			}

			// The connection keeps working after a cancellation.
			if err := s.client.Ping(context.Background()); err != nil {
				t.Errorf("ping after cancel failed: %v", err)
			}
		}))
	}
}

func TestServerBuiltins(t *testing.T) {
	cfg := testSuiteConfig{transportName: "StdIO", register: registerTestHandlers}

	t.Run("StdIO", testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
		if err := s.client.Ping(context.Background()); err != nil {
			t.Errorf("ping failed: %v", err)
		}

		disc, err := s.client.Discover(context.Background())
		if err != nil {
			t.Fatalf("discover failed: %v", err)
		}
		if disc.Name != "test-server" || disc.Version != "1.0" {
			t.Errorf("unexpected server info %+v", disc)
		}
		for _, m := range []string{"echo", "count", jrpc.MethodPing, jrpc.MethodSubscribe} {
			if !slices.Contains(disc.Methods, m) {
				t.Errorf("expected %s in discovered methods %v", m, disc.Methods)
			}
		}
		if !slices.IsSorted(disc.Methods) {
			t.Errorf("expected sorted methods, got %v", disc.Methods)
		}

		var stats jrpc.Stats
		if err := s.client.Call(context.Background(), jrpc.MethodStats, nil, &stats); err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		if stats.Connections != 1 {
			t.Errorf("expected 1 connection, got %d", stats.Connections)
		}
		if stats.Requests < 3 {
			t.Errorf("expected at least 3 requests, got %d", stats.Requests)
		}

		conns := s.server.Connections()
		if len(conns) != 1 {
			t.Fatalf("expected 1 connection, got %d", len(conns))
		}
		if conns[0].State != jrpc.StateOpen {
			t.Errorf("expected state open, got %s", conns[0].State)
		}
	}))
}

func TestServerUnregister(t *testing.T) {
	cfg := testSuiteConfig{transportName: "TCP", register: registerTestHandlers}

	t.Run("TCP", testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
		if err := s.client.Call(context.Background(), "echo", []int{1}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		s.server.Unregister("echo")

		err := s.client.Call(context.Background(), "echo", []int{1}, nil)
		if !errors.Is(err, &jrpc.Error{Code: jrpc.CodeMethodNotFound}) {
			t.Errorf("expected MethodNotFound, got %v", err)
		}
	}))
}

func TestServerShutdownDrainsInFlight(t *testing.T) {
	tcpSrv, tcpCli := setupTCP(t)

	srv := jrpc.NewServer(jrpc.Info{Name: "drain", Version: "1.0"}, tcpSrv)
	registerTestHandlers(srv)
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		srv.Serve()
	}()

	cli := jrpc.NewClient(tcpCli, jrpc.WithClientPingInterval(-1))
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer cli.Close()

	call, err := cli.Go(context.Background(), "sleep", sleepParams{Millis: 200})
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return srv.Stats().InFlight == 1 }) {
		t.Fatal("request never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}

	raw, err := cli.Wait(context.Background(), call)
	if err != nil {
		t.Fatalf("in-flight request failed during shutdown: %v", err)
	}
	if string(raw) != `"slept"` {
		t.Errorf("expected \"slept\", got %s", raw)
	}

	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve didn't return")
	}

	err = cli.Call(context.Background(), "echo", nil, nil)
	var connErr *jrpc.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("expected ConnectionError after shutdown, got %v", err)
	}
}

func TestServerShutdownForcesClose(t *testing.T) {
	tcpSrv, tcpCli := setupTCP(t)

	srv := jrpc.NewServer(jrpc.Info{Name: "force", Version: "1.0"}, tcpSrv)
	registerTestHandlers(srv)
	go srv.Serve()

	cli := jrpc.NewClient(tcpCli, jrpc.WithClientPingInterval(-1))
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer cli.Close()

	call, err := cli.Go(context.Background(), "sleep", sleepParams{Millis: 10000})
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return srv.Stats().InFlight == 1 }) {
		t.Fatal("request never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	_, err = cli.Wait(context.Background(), call)
	var connErr *jrpc.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("expected ConnectionError, got %v", err)
	}
}

func TestServerMaxConnections(t *testing.T) {
	tcpSrv, tcpCli := setupTCP(t)

	var disconnected atomic.Int32
	srv := jrpc.NewServer(jrpc.Info{Name: "cap", Version: "1.0"}, tcpSrv,
		jrpc.WithMaxConnections(1),
		jrpc.WithServerOnDisconnected(func(jrpc.ConnInfo) { disconnected.Add(1) }))
	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	first := jrpc.NewClient(tcpCli, jrpc.WithClientPingInterval(-1))
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := first.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	second := jrpc.NewClient(tcpCli, jrpc.WithClientPingInterval(-1))
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer second.Close()

	err := second.Ping(context.Background())
	var connErr *jrpc.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("expected rejected connection to fail with ConnectionError, got %v", err)
	}

	first.Close()
	if !waitFor(t, 2*time.Second, func() bool { return disconnected.Load() == 1 }) {
		t.Error("expected disconnect callback for the first connection")
	}
}

// rawPeer drives a server over StdIO with hand-written frames.
type rawPeer struct {
	w     io.WriteCloser
	lines chan string
}

func newRawPeer(t *testing.T, register func(*jrpc.Server)) *rawPeer {
	t.Helper()

	srvReader, peerWriter := io.Pipe()
	peerReader, srvWriter := io.Pipe()

	srv := jrpc.NewServer(jrpc.Info{Name: "raw", Version: "1.0"}, jrpc.NewStdIO(srvReader, srvWriter))
	if register != nil {
		register(srv)
	}
	go srv.Serve()

	p := &rawPeer{w: peerWriter, lines: make(chan string, 100)}
	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(peerReader)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()

	t.Cleanup(func() {
		peerWriter.Close()
		peerReader.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return p
}

func (p *rawPeer) send(t *testing.T, frame string) {
	t.Helper()
	if _, err := io.WriteString(p.w, frame+"\n"); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func (p *rawPeer) next(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-p.lines:
		if !ok {
			t.Fatal("connection closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return ""
	}
}

func TestServerProtocolErrors(t *testing.T) {
	type testCase struct {
		name  string
		frame string
		want  string
	}

	testCases := []testCase{
		{
			name:  "parse error",
			frame: `{"jsonrpc":"2.0","method":`,
			want:  `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error","data":{"message":"frame is not well-formed JSON"}}}`,
		},
		{
			name:  "empty batch",
			frame: `[]`,
			want:  `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"Invalid Request","data":{"message":"empty batch"}}}`,
		},
		{
			name:  "scalar frame",
			frame: `42`,
			want:  `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"Invalid Request","data":{"message":"frame must be an object or an array"}}}`,
		},
		{
			name:  "wrong version keeps id",
			frame: `{"jsonrpc":"1.0","id":7,"method":"echo"}`,
			want:  `{"jsonrpc":"2.0","id":7,"error":{"code":-32600,"message":"Invalid Request","data":{"message":"unsupported jsonrpc version: \"1.0\""}}}`,
		},
		{
			name:  "scalar params",
			frame: `{"jsonrpc":"2.0","id":"a","method":"echo","params":3}`,
			want:  `{"jsonrpc":"2.0","id":"a","error":{"code":-32600,"message":"Invalid Request","data":{"message":"params must be an object or an array"}}}`,
		},
		{
			name:  "method not found",
			frame: `{"jsonrpc":"2.0","id":1,"method":"nope"}`,
			want:  `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found","data":{"method":"nope"}}}`,
		},
	}

	p := newRawPeer(t, registerTestHandlers)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p.send(t, tc.frame)
			if got := p.next(t); got != tc.want {
				t.Errorf("unexpected reply\n got: %s\nwant: %s", got, tc.want)
			}
		})
	}
}

func TestServerPreservesIDKind(t *testing.T) {
	p := newRawPeer(t, registerTestHandlers)

	p.send(t, `{"jsonrpc":"2.0","id":"1","method":"echo","params":[1]}`)
	if got, want := p.next(t), `{"jsonrpc":"2.0","id":"1","result":[1]}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"echo","params":[1]}`)
	if got, want := p.next(t), `{"jsonrpc":"2.0","id":1,"result":[1]}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestServerBatch(t *testing.T) {
	p := newRawPeer(t, registerTestHandlers)

	p.send(t, `[{"jsonrpc":"2.0","id":1,"method":"echo","params":[1]},`+
		`{"jsonrpc":"2.0","method":"echo","params":[2]},`+
		`{"jsonrpc":"2.0","id":2,"method":"divide","params":{"a":1,"b":0}},`+
		`5]`)

	var replies []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(p.next(t)), &replies); err != nil {
		t.Fatalf("expected an array reply: %v", err)
	}
	if len(replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(replies))
	}

	byID := make(map[string]map[string]json.RawMessage)
	for _, r := range replies {
		byID[string(r["id"])] = r
	}
	if got := string(byID["1"]["result"]); got != `[1]` {
		t.Errorf("expected echo result [1], got %s", got)
	}
	if got := string(byID["2"]["error"]); got != `{"code":1001,"message":"division by zero"}` {
		t.Errorf("unexpected divide error %s", got)
	}
	var invalid jrpc.Error
	if err := json.Unmarshal(byID["null"]["error"], &invalid); err != nil {
		t.Fatalf("expected an error for the invalid element: %v", err)
	}
	if invalid.Code != jrpc.CodeInvalidRequest {
		t.Errorf("expected InvalidRequest, got %d", invalid.Code)
	}
}

func TestServerBatchOfNotificationsHasNoReply(t *testing.T) {
	p := newRawPeer(t, registerTestHandlers)

	p.send(t, `[{"jsonrpc":"2.0","method":"echo"},{"jsonrpc":"2.0","method":"nope"}]`)
	p.send(t, `{"jsonrpc":"2.0","method":"nope"}`)
	p.send(t, `{"jsonrpc":"2.0","id":9,"method":"echo","params":["after"]}`)

	if got, want := p.next(t), `{"jsonrpc":"2.0","id":9,"result":["after"]}`; got != want {
		t.Errorf("expected only the reply to the request, got %s", got)
	}
}

func TestServerStreamWire(t *testing.T) {
	p := newRawPeer(t, registerTestHandlers)

	p.send(t, `{"jsonrpc":"2.0","id":3,"method":"count","params":{"n":2}}`)

	want := []string{
		`{"jsonrpc":"2.0","id":3,"chunk":{"seq":0,"payload":1}}`,
		`{"jsonrpc":"2.0","id":3,"chunk":{"seq":1,"payload":2}}`,
		`{"jsonrpc":"2.0","id":3,"chunk":{"seq":2,"last":true}}`,
		`{"jsonrpc":"2.0","id":3,"result":{"chunks":2}}`,
	}
	for i, w := range want {
		if got := p.next(t); got != w {
			t.Errorf("frame %d\n got: %s\nwant: %s", i, got, w)
		}
	}
}

func TestServerStreamInBatchHasNoChunks(t *testing.T) {
	p := newRawPeer(t, registerTestHandlers)

	p.send(t, `[{"jsonrpc":"2.0","id":4,"method":"count","params":{"n":3}}]`)
	if got, want := p.next(t), `[{"jsonrpc":"2.0","id":4,"result":{"chunks":3}}]`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
