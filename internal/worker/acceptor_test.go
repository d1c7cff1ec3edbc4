package worker

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mochestra/forwardcache/internal/cache"
	"github.com/mochestra/forwardcache/internal/logging"
	"github.com/mochestra/forwardcache/internal/metrics"
)

// sharedMetrics avoids repeated prometheus.MustRegister panics across test
// functions in this file; every test in the package shares one registration.
var (
	sharedMetrics     *metrics.Metrics
	sharedMetricsOnce sync.Once
)

func testMetrics() *metrics.Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = metrics.New()
	})
	return sharedMetrics
}

// fakeDialer ignores the address the acceptor asks for and always connects
// to a fixed fake-origin listener, so tests can control the origin's
// response regardless of what hostname the client's request named.
type fakeDialer struct {
	addr string
}

func (d *fakeDialer) Dial(network, _ string) (net.Conn, error) {
	return net.Dial(network, d.addr)
}

// startOrigin runs a fake origin that replies with response to every
// connection it accepts, once, until stopped.
func startOrigin(t *testing.T, response []byte) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake origin: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				c.Read(buf)
				c.Write(response)
			}(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

// startAcceptor brings up an Acceptor on an ephemeral local port, wired to
// originAddr as its only reachable origin, and returns the address clients
// should dial along with a cleanup func.
func startAcceptor(t *testing.T, store *cache.Cache, originAddr string) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start acceptor listener: %v", err)
	}

	a := New(ln, store, &fakeDialer{addr: originAddr}, logging.New("test"), testMetrics(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Serve(ctx)

	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
	}
}

// sendRequest dials addr, writes raw, and returns whatever bytes the worker
// wrote back before closing the connection.
func sendRequest(t *testing.T, addr, raw string) []byte {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial acceptor: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return out.Bytes()
}

// TestAbsoluteURICacheMissThenHit exercises the end-to-end path: a cache
// miss that fetches from the origin, followed by a second identical request
// served straight from the cache without touching the origin again.
func TestAbsoluteURICacheMissThenHit(t *testing.T) {
	body := []byte("HTTP/1.0 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	originAddr, stopOrigin := startOrigin(t, body)
	defer stopOrigin()

	store := cache.New()
	addr, stopAcceptor := startAcceptor(t, store, originAddr)
	defer stopAcceptor()

	req := "GET http://example.com/greeting HTTP/1.0\r\n\r\n"

	first := sendRequest(t, addr, req)
	if !bytes.Equal(first, body) {
		t.Fatalf("first response = %q, want %q", first, body)
	}

	if _, ok := store.Get("example.com:80/greeting"); !ok {
		t.Fatal("expected response to be cached under the resolved key")
	}

	// Stop the origin; a cache hit must not need it.
	stopOrigin()

	second := sendRequest(t, addr, req)
	if !bytes.Equal(second, body) {
		t.Fatalf("second response = %q, want %q (origin should not have been contacted)", second, body)
	}
}

// TestOriginFormUsesHostHeader exercises a request line with no absolute
// URI, whose hostname and port must come entirely from the Host header.
func TestOriginFormUsesHostHeader(t *testing.T) {
	body := []byte("HTTP/1.0 200 OK\r\n\r\nx")
	originAddr, stopOrigin := startOrigin(t, body)
	defer stopOrigin()

	store := cache.New()
	addr, stopAcceptor := startAcceptor(t, store, originAddr)
	defer stopAcceptor()

	req := "GET /index.html HTTP/1.0\r\nHost: internal.example:8081\r\n\r\n"

	got := sendRequest(t, addr, req)
	if !bytes.Equal(got, body) {
		t.Fatalf("got %q, want %q", got, body)
	}

	if _, ok := store.Get("internal.example:8081/index.html"); !ok {
		t.Fatal("expected response cached under the Host-header-derived key")
	}
}

// TestOversizedResponseServedButNotCached checks that a response larger
// than cache.MaxObjectSize still reaches the client in full end to end, but
// never lands in the cache.
func TestOversizedResponseServedButNotCached(t *testing.T) {
	body := append([]byte("HTTP/1.0 200 OK\r\n\r\n"), bytes.Repeat([]byte{'z'}, cache.MaxObjectSize+1)...)
	originAddr, stopOrigin := startOrigin(t, body)
	defer stopOrigin()

	store := cache.New()
	addr, stopAcceptor := startAcceptor(t, store, originAddr)
	defer stopAcceptor()

	req := "GET http://big.example/blob HTTP/1.0\r\n\r\n"
	got := sendRequest(t, addr, req)

	if len(got) != len(body) {
		t.Fatalf("client received %d bytes, want %d", len(got), len(body))
	}
	if _, ok := store.Get("big.example:80/blob"); ok {
		t.Error("oversized response should not have been cached")
	}
}

// TestNonGETMethodClosesWithoutResponse checks that a non-GET request is
// silently dropped: the connection closes with no bytes written and the
// origin is never dialed.
func TestNonGETMethodClosesWithoutResponse(t *testing.T) {
	originDialed := make(chan struct{}, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start origin listener: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		originDialed <- struct{}{}
		conn.Close()
	}()

	store := cache.New()
	addr, stopAcceptor := startAcceptor(t, store, ln.Addr().String())
	defer stopAcceptor()

	req := "POST http://example.com/submit HTTP/1.0\r\n\r\n"
	got := sendRequest(t, addr, req)

	if len(got) != 0 {
		t.Errorf("expected no response bytes for a rejected method, got %q", got)
	}

	select {
	case <-originDialed:
		t.Error("origin should never have been dialed for a non-GET request")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestHeaderFilteringDropsHopByHopHeaders checks that the client's
// User-Agent, Connection, and Proxy-Connection values are stripped from what
// reaches the origin, while an ordinary header survives. The client's Host
// value matches the proxy's own Host line here, so it is not checked.
func TestHeaderFilteringDropsHopByHopHeaders(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start origin listener: %v", err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		var lines strings.Builder
		for {
			line, err := reader.ReadString('\n')
			lines.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.0 200 OK\r\n\r\nok"))
		received <- lines.String()
	}()

	store := cache.New()
	addr, stopAcceptor := startAcceptor(t, store, ln.Addr().String())
	defer stopAcceptor()

	req := "GET http://example.com/page HTTP/1.0\r\n" +
		"Host: example.com\r\n" +
		"User-Agent: curl/8.0\r\n" +
		"Connection: keep-alive\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"Accept: text/plain\r\n" +
		"\r\n"

	sendRequest(t, addr, req)

	select {
	case got := <-received:
		if strings.Contains(got, "curl/8.0") {
			t.Errorf("client User-Agent leaked through: %q", got)
		}
		if strings.Contains(strings.ToLower(got), "keep-alive") {
			t.Errorf("Connection/Proxy-Connection leaked through: %q", got)
		}
		if !strings.Contains(got, "Accept: text/plain") {
			t.Errorf("ordinary header was dropped: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for origin to receive request")
	}
}
