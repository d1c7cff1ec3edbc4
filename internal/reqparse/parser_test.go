package reqparse

import (
	"bufio"
	"strings"
	"testing"
)

// TestParseRequestLine checks the three-token contract and the
// exactly-three-tokens abort condition.
func TestParseRequestLine(t *testing.T) {
	method, uri, version, ok := ParseRequestLine("GET /a HTTP/1.0\r\n")
	if !ok || method != "GET" || uri != "/a" || version != "HTTP/1.0" {
		t.Fatalf("unexpected parse result: %q %q %q %v", method, uri, version, ok)
	}

	if _, _, _, ok := ParseRequestLine("GET /a\r\n"); ok {
		t.Error("expected failure for a two-token request line")
	}
	if _, _, _, ok := ParseRequestLine("GET /a HTTP/1.0 extra\r\n"); ok {
		t.Error("expected failure for a four-token request line")
	}
}

// TestParseURIAbsolute covers the "http://host[:port]/path" form.
func TestParseURIAbsolute(t *testing.T) {
	host, port, path := ParseURI("http://origin.example:9000/a/b")
	if host != "origin.example" || port != "9000" || path != "/a/b" {
		t.Errorf("got (%q, %q, %q)", host, port, path)
	}
}

// TestParseURIAbsoluteDefaultPort checks the "80" default when no port is
// given in an absolute URI.
func TestParseURIAbsoluteDefaultPort(t *testing.T) {
	host, port, path := ParseURI("http://origin.example/a")
	if host != "origin.example" || port != "80" || path != "/a" {
		t.Errorf("got (%q, %q, %q)", host, port, path)
	}
}

// TestParseURINoPath checks that a bare host[:port] with no trailing slash
// defaults path to "/".
func TestParseURINoPath(t *testing.T) {
	host, port, path := ParseURI("http://origin.example:9000")
	if host != "origin.example" || port != "9000" || path != "/" {
		t.Errorf("got (%q, %q, %q)", host, port, path)
	}
}

// TestParseURIOriginForm checks that a leading "/" is treated as
// origin-form, leaving hostname empty for the Host-header fallback.
func TestParseURIOriginForm(t *testing.T) {
	host, port, path := ParseURI("/b")
	if host != "" || port != "80" || path != "/b" {
		t.Errorf("got (%q, %q, %q)", host, port, path)
	}
}

// TestParseURICaseInsensitiveScheme checks the "http://" prefix is stripped
// regardless of case.
func TestParseURICaseInsensitiveScheme(t *testing.T) {
	host, _, _ := ParseURI("HTTP://Origin.example/x")
	if host != "Origin.example" {
		t.Errorf("got host %q", host)
	}
}

// TestResolveHostFallback verifies the Host-header fallback overwrites both
// hostname and port when the URI produced no hostname.
func TestResolveHostFallback(t *testing.T) {
	host, port := ResolveHost("", "80", "origin.example:9000\r\n")
	if host != "origin.example" || port != "9000" {
		t.Errorf("got (%q, %q)", host, port)
	}
}

// TestResolveHostFallbackNoPort checks the default port is preserved when
// the Host header carries no colon.
func TestResolveHostFallbackNoPort(t *testing.T) {
	host, port := ResolveHost("", "80", "  origin.example  ")
	if host != "origin.example" || port != "80" {
		t.Errorf("got (%q, %q)", host, port)
	}
}

// TestResolveHostPrefersURIHostname ensures an already-resolved hostname is
// left untouched.
func TestResolveHostPrefersURIHostname(t *testing.T) {
	host, port := ResolveHost("origin.example", "9000", "other.example:1")
	if host != "origin.example" || port != "9000" {
		t.Errorf("got (%q, %q)", host, port)
	}
}

// TestFilterHeadersDropsAndCaptures verifies Host/User-Agent/Connection/
// Proxy-Connection lines are dropped and Host is captured, while everything
// else passes through verbatim and in order.
func TestFilterHeadersDropsAndCaptures(t *testing.T) {
	raw := "Host: origin:9000\r\n" +
		"User-Agent: evil\r\n" +
		"Connection: keep-alive\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"Accept: text/html\r\n" +
		"X-Custom: 1\r\n" +
		"\r\n"

	extra, hostHeader, err := FilterHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hostHeader != "origin:9000" {
		t.Errorf("got host header %q", hostHeader)
	}

	got := string(extra)
	want := "Accept: text/html\r\nX-Custom: 1\r\n"
	if got != want {
		t.Errorf("got extra headers %q, want %q", got, want)
	}
}

// TestFilterHeadersCaseInsensitive checks the drop list matches regardless
// of header name casing.
func TestFilterHeadersCaseInsensitive(t *testing.T) {
	raw := "HOST: origin\r\nCoNNection: close\r\n\r\n"
	extra, hostHeader, err := FilterHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hostHeader != "origin" {
		t.Errorf("got host header %q", hostHeader)
	}
	if len(extra) != 0 {
		t.Errorf("expected no extra headers, got %q", extra)
	}
}

// TestCacheKey checks the key concatenation form used across URI styles.
func TestCacheKey(t *testing.T) {
	r := &Request{Hostname: "origin.example", Port: "80", Path: "/x"}
	if got := r.CacheKey(); got != "origin.example:80/x" {
		t.Errorf("got %q", got)
	}
}
