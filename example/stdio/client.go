package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
)

type client struct {
	cli *jrpc.Client
	out io.Writer
}

// runClient starts this program again as a child serving over its standard streams, then
// reads "<method> [params]" lines from stdin and prints the results.
func runClient(ctx context.Context, catalogFile string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable: %w", err)
	}

	args := []string{"-serve"}
	if catalogFile != "" {
		args = append(args, "-catalog", catalogFile)
	}
	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	c := client{
		cli: jrpc.NewClient(jrpc.NewStdIO(stdout, stdin), jrpc.WithClientPingInterval(10*time.Second)),
		out: os.Stdout,
	}
	if err := c.cli.Connect(ctx); err != nil {
		return err
	}

	if _, err := c.cli.Subscribe(ctx, "logs.**", func(e jrpc.Event) {
		fmt.Fprintf(c.out, "[%s] %s\n", e.Topic, e.Payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to logs: %w", err)
	}

	c.repl(ctx, os.Stdin)

	// Closing the client closes the child's stdin, which ends the server.
	c.cli.Close()
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}

func (c client) repl(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(c.out, `Enter "<method> [params]", "stream <method> [params]" or "exit".`)
	for {
		fmt.Fprint(c.out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if line == "exit" {
			return
		}
		if err := c.exec(ctx, line); err != nil {
			var rpcErr *jrpc.Error
			if errors.As(err, &rpcErr) {
				fmt.Fprintf(c.out, "error %d: %s %s\n", rpcErr.Code, rpcErr.Message, rpcErr.Data)
				continue
			}
			fmt.Fprintf(c.out, "failed: %v\n", err)
		}
	}
}

func (c client) exec(ctx context.Context, line string) error {
	streaming := false
	if rest, ok := strings.CutPrefix(line, "stream "); ok {
		streaming = true
		line = strings.TrimSpace(rest)
	}

	method, rawParams, _ := strings.Cut(line, " ")
	var params json.RawMessage
	if rawParams = strings.TrimSpace(rawParams); rawParams != "" {
		params = json.RawMessage(rawParams)
	}

	var result json.RawMessage
	if streaming {
		err := c.cli.Stream(ctx, method, params, func(chunk jrpc.Chunk) {
			fmt.Fprintf(c.out, "  #%d %s\n", chunk.Seq, chunk.Payload)
		}, &result)
		if err != nil {
			return err
		}
	} else if err := c.cli.Call(ctx, method, params, &result); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%s\n", result)
	return nil
}
