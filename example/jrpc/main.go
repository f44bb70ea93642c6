package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
)

const usage = `Usage: jrpc [flags] <command> [args]

Commands:
  call <method> [params]     call a method and print its result
  notify <method> [params]   send a notification
  stream <method> [params]   call a streaming method, printing every chunk
  subscribe <topic>          print the events of topic until interrupted
  discover                   list the methods of the server
  ping                       check the server is alive

The params are a JSON object or array.

Flags:
`

func main() {
	flags := flag.NewFlagSet("jrpc", flag.ExitOnError)
	serverURL := flags.String("url", "tcp://127.0.0.1:7070", "server URL: tcp://, ws://, wss://, http:// or https:// (SSE)")
	framing := flags.String("framing", "newline", "frame delimiting of the tcp transport: newline or length-prefix")
	timeout := flags.Duration("timeout", 30*time.Second, "call timeout")
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, *serverURL, *framing, *timeout, flags.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "jrpc: %v\n", err)
		var rpcErr *jrpc.Error
		if errors.As(err, &rpcErr) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, serverURL, framing string, timeout time.Duration, args []string) error {
	transport, err := newTransport(serverURL, framing)
	if err != nil {
		return err
	}

	cli := jrpc.NewClient(transport,
		jrpc.WithClientCallTimeout(timeout),
		jrpc.WithClientPingInterval(-1),
		jrpc.WithClientOnRetired(func(p jrpc.RetiredParams) {
			fmt.Fprintf(out, "topic %s retired\n", p.Topic)
		}),
	)
	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	defer cli.Close()

	command, args := args[0], args[1:]
	switch command {
	case "call":
		method, params, err := methodArgs(args)
		if err != nil {
			return err
		}
		var result json.RawMessage
		if err := cli.Call(ctx, method, params, &result); err != nil {
			return err
		}
		return printJSON(out, result)
	case "notify":
		method, params, err := methodArgs(args)
		if err != nil {
			return err
		}
		return cli.Notify(ctx, method, params)
	case "stream":
		method, params, err := methodArgs(args)
		if err != nil {
			return err
		}
		var result json.RawMessage
		err = cli.Stream(ctx, method, params, func(c jrpc.Chunk) {
			fmt.Fprintf(out, "#%d %s\n", c.Seq, c.Payload)
		}, &result)
		if err != nil {
			return err
		}
		return printJSON(out, result)
	case "subscribe":
		if len(args) != 1 {
			return errors.New("subscribe takes exactly one topic")
		}
		if _, err := cli.Subscribe(ctx, args[0], func(e jrpc.Event) {
			fmt.Fprintf(out, "%s %s\n", e.Topic, e.Payload)
		}); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	case "discover":
		discovery, err := cli.Discover(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", discovery.Name, discovery.Version)
		for _, method := range discovery.Methods {
			fmt.Fprintln(out, method)
		}
		return nil
	case "ping":
		start := time.Now()
		if err := cli.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "pong in %s\n", time.Since(start).Round(time.Microsecond))
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func newTransport(serverURL, framing string) (jrpc.ClientTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	f, err := jrpc.ParseFraming(framing)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("missing host in %q", serverURL)
		}
		return jrpc.NewTCPClient(u.Host, jrpc.WithFraming(f)), nil
	case "ws", "wss":
		return jrpc.NewWebSocketClient(serverURL, nil), nil
	case "http", "https":
		return jrpc.NewSSEClient(serverURL, http.DefaultClient), nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// methodArgs parses "<method> [params]". Params must be a JSON object or array.
func methodArgs(args []string) (string, json.RawMessage, error) {
	switch len(args) {
	case 1:
		return args[0], nil, nil
	case 2:
		params := json.RawMessage(bytes.TrimSpace([]byte(args[1])))
		if !json.Valid(params) || (params[0] != '{' && params[0] != '[') {
			return "", nil, fmt.Errorf("params must be a JSON object or array, got %s", args[1])
		}
		return args[0], params, nil
	default:
		return "", nil, errors.New("expected a method and optional params")
	}
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(bs))
	return err
}
