// Package worker implements the accept loop and per-connection worker that
// tie the request parser, the shared LRU cache, and the upstream transfer
// together. One goroutine is spawned per accepted connection, detached at
// birth; the acceptor never joins it.
package worker

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mochestra/forwardcache/internal/cache"
	"github.com/mochestra/forwardcache/internal/logging"
	"github.com/mochestra/forwardcache/internal/metrics"
	"github.com/mochestra/forwardcache/internal/middleware"
	"github.com/mochestra/forwardcache/internal/reqparse"
	"github.com/mochestra/forwardcache/internal/upstream"
)

// Acceptor owns the listening socket and spawns one detached worker per
// accepted connection. It carries no per-connection state of its own: every
// worker's parsing buffers are stack-local, so the only shared mutable
// state in the whole system is the cache passed in at construction.
type Acceptor struct {
	listener net.Listener
	store    *cache.Cache
	dialer   upstream.Dialer
	logger   *logging.Logger
	metrics  *metrics.Metrics
	ipGate   *middleware.IPConnectionGate

	// ConnDeadline, when non-zero, is applied to every accepted connection
	// via SetDeadline. The core contract carries no timeouts; this is the
	// explicitly-allowed opt-in knob from the design notes.
	ConnDeadline time.Duration
}

// New wraps an already-bound listener with the dependencies a worker needs:
// the shared cache, the dialer used to reach origins, the ambient
// logging/metrics stack, and the per-IP accept-time gate. Socket bring-up
// itself is an external collaborator per the spec's scope and is not this
// package's concern.
func New(listener net.Listener, store *cache.Cache, dialer upstream.Dialer, logger *logging.Logger, m *metrics.Metrics, ipGate *middleware.IPConnectionGate) *Acceptor {
	return &Acceptor{
		listener: listener,
		store:    store,
		dialer:   dialer,
		logger:   logger,
		metrics:  m,
		ipGate:   ipGate,
	}
}

// Serve runs the unbounded accept loop until ctx is cancelled or the
// listener is closed. Each accepted connection is handed to a freshly
// spawned, detached goroutine; Serve itself never blocks on a worker.
func (a *Acceptor) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		if a.ipGate != nil && !a.ipGate.Allow(remoteHost(conn)) {
			conn.Close()
			continue
		}

		if a.ConnDeadline > 0 {
			conn.SetDeadline(time.Now().Add(a.ConnDeadline))
		}

		go a.handleConnection(ctx, conn)
	}
}

// remoteHost strips the port from conn's remote address, falling back to the
// raw address string if it isn't in host:port form (as can happen for Unix
// sockets in tests).
func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// handleConnection performs exactly one request/response cycle on conn and
// closes it on every exit path: successful forward, parse failure, upstream
// dial failure, or mid-transfer I/O error. There is no keep-alive.
func (a *Acceptor) handleConnection(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	a.metrics.IncrementConnections()
	defer a.metrics.DecrementConnections()
	defer conn.Close()

	start := time.Now()
	ctx, span := a.logger.StartSpan(ctx, "proxy.connection",
		attribute.String("connection.id", connID),
		attribute.String("remote_addr", conn.RemoteAddr().String()),
	)
	defer span.End()

	reader := bufio.NewReader(conn)

	req, ok := a.parseRequest(ctx, reader)
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.host", req.Hostname),
		attribute.String("cache.key", req.CacheKey()),
	)

	key := req.CacheKey()
	if cached, hit := a.store.Get(key); hit {
		a.logger.Debug(ctx, "cache hit", slog.String("cache.key", key))
		a.metrics.RecordCacheHit()
		conn.Write(cached)
		a.metrics.RecordConnectionDuration(time.Since(start))
		return
	}
	a.metrics.RecordCacheMiss()

	if err := upstream.Fetch(a.dialer, a.store, req.Hostname, req.Port, req.Path, key, req.ExtraHeaders, conn); err != nil {
		a.logger.Warn(ctx, "upstream transfer failed", slog.String("error", err.Error()), slog.String("cache.key", key))
		a.metrics.RecordUpstreamFailure()
	}

	a.metrics.RecordConnectionDuration(time.Since(start))
}

// parseRequest reads the request line and headers off reader and produces a
// normalized Request. It returns ok=false on every malformed-request edge
// case the spec names: an unparseable request line, a non-GET method, or an
// empty hostname after both URI parsing and the Host-header fallback — the
// worker's only response to any of these is a silently closed connection.
func (a *Acceptor) parseRequest(ctx context.Context, reader *bufio.Reader) (*reqparse.Request, bool) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, false
	}

	method, uri, _, ok := reqparse.ParseRequestLine(line)
	if !ok {
		a.logger.Debug(ctx, "malformed request line")
		return nil, false
	}
	if !strings.EqualFold(method, "GET") {
		a.logger.Debug(ctx, "rejected non-GET method", slog.String("method", method))
		return nil, false
	}

	hostname, port, path := reqparse.ParseURI(uri)

	extraHeaders, hostHeader, err := reqparse.FilterHeaders(reader)
	if err != nil {
		a.logger.Debug(ctx, "short read while parsing headers")
		return nil, false
	}

	hostname, port = reqparse.ResolveHost(hostname, port, hostHeader)
	if hostname == "" {
		a.logger.Debug(ctx, "empty hostname after URI and Host-header resolution")
		return nil, false
	}

	return &reqparse.Request{
		Method:       method,
		Hostname:     hostname,
		Port:         port,
		Path:         path,
		ExtraHeaders: extraHeaders,
	}, true
}
