package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
	"github.com/MegaGrindStone/go-jrpc/servers/catalog"
	"github.com/MegaGrindStone/go-jrpc/servers/everything"
)

// runServer serves a single peer over r and w until ctx is done or the peer goes away. Logs
// go to stderr since stdout carries the frames.
func runServer(ctx context.Context, r io.Reader, w io.Writer, catalogFile string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	transport := jrpc.NewStdIO(r, w, jrpc.WithTransportLogger(logger))
	srv := jrpc.NewServer(jrpc.Info{Name: "stdio-server", Version: "1.0"}, transport, jrpc.WithServerLogger(logger))

	svc := everything.NewServer(srv, everything.WithTickInterval(5*time.Second), everything.WithLogger(logger))
	defer svc.Close()
	if catalogFile != "" {
		catalog.NewServer(srv, catalogFile, catalog.WithLogger(logger))
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	select {
	case <-ctx.Done():
	case <-served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
