package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mochestra/forwardcache/internal/admin"
	"github.com/mochestra/forwardcache/internal/cache"
	"github.com/mochestra/forwardcache/internal/config"
	"github.com/mochestra/forwardcache/internal/logging"
	"github.com/mochestra/forwardcache/internal/metrics"
	"github.com/mochestra/forwardcache/internal/middleware"
	"github.com/mochestra/forwardcache/internal/tracing"
	"github.com/mochestra/forwardcache/internal/upstream"
	"github.com/mochestra/forwardcache/internal/worker"
)

// main wires together the configuration, ambient stack, and the two HTTP
// surfaces the process exposes: the forward proxy's own raw-socket listener
// and the side admin server carrying /metrics and /healthz.
// Usage: proxy [-config path] <port>
func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-config path] <port>\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "%s: invalid port %q\n", os.Args[0], flag.Arg(0))
		os.Exit(1)
	}

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.GetInstance()
	cfg.ApplyPort(port)

	// A client sending a partial request and then closing its read side
	// raises SIGPIPE on the next write; ignoring it here is the standard Go
	// idiom, since net.Conn.Write already reports the same failure as an
	// ordinary error that handleConnection already handles.
	signal.Ignore(syscall.SIGPIPE)

	shutdownTracing, err := tracing.InitTracing(tracing.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	logger := logging.New(cfg.Tracing.ServiceName)
	m := metrics.New()
	store := cache.New()
	dialer := upstream.NewDialer(0)
	ipGate := middleware.NewIPConnectionGate(cfg.RateLimit)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		log.Fatalf("failed to listen on port %d: %v", cfg.Server.Port, err)
	}

	acceptor := worker.New(listener, store, dialer, logger, m, ipGate)
	acceptor.ConnDeadline = cfg.Server.ConnDeadline

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(cfg.Admin, cfg.RateLimit, store, m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("forward proxy listening on port %d", cfg.Server.Port)
		if err := acceptor.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Printf("proxy accept loop stopped: %v", err)
		}
	}()

	if adminServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("admin server listening on %s", cfg.Admin.Addr)
			if err := adminServer.Start(); err != nil {
				log.Printf("admin server stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("received termination signal, shutting down gracefully")

	cancel()

	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("error during admin server shutdown: %v", err)
		}
		shutdownCancel()
	}

	wg.Wait()
	log.Println("proxy stopped")
}
