package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-jrpc"
	"github.com/MegaGrindStone/go-jrpc/servers/catalog"
	"github.com/MegaGrindStone/go-jrpc/servers/everything"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "path to a dotenv file with JRPC_* overrides")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No %s file loaded, using environment variables", *envFile)
	}

	cfg, err := jrpc.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.Fatalf("Invalid log configuration: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg jrpc.Config, logger *slog.Logger) error {
	transportOpts := cfg.TransportOptions(logger)
	var transports []jrpc.ServerTransport

	if cfg.Listen != "" {
		tcp, err := jrpc.NewTCPServer(cfg.Listen, transportOpts...)
		if err != nil {
			return err
		}
		transports = append(transports, tcp)
		logger.Info("accepting TCP peers",
			slog.String("addr", tcp.Addr().String()),
			slog.String("framing", cfg.Framing))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var httpSrv *http.Server
	if cfg.HTTP.Listen != "" {
		mux := http.NewServeMux()
		if cfg.HTTP.SSE {
			sse := jrpc.NewSSEServer(messageURL(cfg.HTTP.Listen), transportOpts...)
			mux.Handle("/sse", sse.HandleSSE())
			mux.Handle("/message", sse.HandleMessage())
			transports = append(transports, sse)
		}
		if cfg.HTTP.WebSocket {
			ws := jrpc.NewWebSocketServer(transportOpts...)
			mux.Handle("/ws", ws)
			transports = append(transports, ws)
		}
		if cfg.HTTP.Metrics {
			mux.Handle(cfg.HTTP.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			}))
		}
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		httpSrv = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
	}

	if len(transports) == 0 {
		return errors.New("no transport enabled: set listen, http.sse or http.websocket")
	}

	serverOpts := append(cfg.ServerOptions(logger), jrpc.WithServerMetrics(jrpc.NewMetrics(registry)))
	srv := jrpc.NewServer(jrpc.Info{Name: "jrpcd", Version: version}, jrpc.MultiTransport(transports...), serverOpts...)

	var everythingOpts []everything.Option
	if cfg.TickInterval != 0 {
		everythingOpts = append(everythingOpts, everything.WithTickInterval(cfg.TickInterval))
	}
	svc := everything.NewServer(srv, append(everythingOpts, everything.WithLogger(logger))...)
	defer svc.Close()

	if cfg.CatalogDirectory != "" {
		if err := os.MkdirAll(cfg.CatalogDirectory, 0o700); err != nil {
			return fmt.Errorf("failed to create catalog directory: %w", err)
		}
		catalog.NewServer(srv, filepath.Join(cfg.CatalogDirectory, "catalog.json"), catalog.WithLogger(logger))
	}

	go srv.Serve()

	httpErrs := make(chan error, 1)
	if httpSrv != nil {
		go func() {
			logger.Info("serving HTTP", slog.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrs <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-httpErrs:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = jrpc.DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The jrpc server goes first: it closes the SSE streams still held by the HTTP server.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}
	if runErr == nil {
		logger.Info("daemon exited gracefully")
	}
	return runErr
}

// messageURL is the endpoint announced to SSE peers. Wildcard hosts are replaced by
// localhost.
func messageURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Sprintf("http://%s/message", listen)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s/message", net.JoinHostPort(host, port))
}
