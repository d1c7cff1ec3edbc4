// Package reqparse turns a client's request line and header block into the
// normalized (hostname, port, path, extra-headers) tuple the upstream
// package needs to assemble an outgoing HTTP/1.0 request. Every function
// here is a pure transformation over strings/bytes; none of them touch a
// socket.
package reqparse

import (
	"bufio"
	"strings"
)

// droppedHeaders lists the request headers stripped from extraHeaders and
// replaced by the proxy's own versions before forwarding upstream.
var droppedHeaders = []string{
	"host:",
	"user-agent:",
	"connection:",
	"proxy-connection:",
}

// Request is the normalized, per-connection result of parsing a client's
// HTTP/1.0 or HTTP/1.1 request. It never outlives the worker goroutine that
// produced it.
type Request struct {
	Method       string
	Hostname     string
	Port         string
	Path         string
	ExtraHeaders []byte
}

// CacheKey returns the cache key for this request: "<hostname>:<port><path>",
// the same form regardless of whether the port was explicit or defaulted.
func (r *Request) CacheKey() string {
	return r.Hostname + ":" + r.Port + r.Path
}

// ParseRequestLine splits a raw request line of the form
// "METHOD URI VERSION" into its three whitespace-separated tokens. ok is
// false unless there are exactly three tokens, matching the spec's "fails to
// yield exactly three tokens => abort silently" edge case.
func ParseRequestLine(line string) (method, uri, version string, ok bool) {
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) != 3 {
		return "", "", "", false
	}
	return fields[0], fields[1], fields[2], true
}

// ParseURI decomposes a request-line URI into (hostname, port, path)
// following the spec's fixed algorithm: strip an optional "http://" prefix,
// detect origin-form (leading "/") requests, then split host[:port] from the
// path and host from port.
func ParseURI(uri string) (hostname, port, path string) {
	port = "80"
	path = "/"

	rest := uri
	if len(rest) >= 7 && strings.EqualFold(rest[:7], "http://") {
		rest = rest[7:]
	}

	if strings.HasPrefix(rest, "/") {
		// Origin-form request: no host in the URI, hostname must come from
		// the Host header via ResolveHost.
		path = rest
		return "", port, path
	}

	hostPort := rest
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		hostPort = rest[:idx]
		path = rest[idx:]
	}

	hostname = hostPort
	if idx := strings.IndexByte(hostPort, ':'); idx >= 0 {
		hostname = hostPort[:idx]
		port = hostPort[idx+1:]
	}

	return hostname, port, path
}

// ResolveHost applies the Host-header fallback: when URI parsing produced an
// empty hostname, hostHeader is trimmed and split on the first colon,
// overwriting hostname and, if a colon was present, port.
func ResolveHost(hostname, port, hostHeader string) (string, string) {
	if hostname != "" {
		return hostname, port
	}

	h := strings.TrimSpace(hostHeader)
	h = strings.TrimRight(h, "\r\n")
	if h == "" {
		return hostname, port
	}

	if idx := strings.IndexByte(h, ':'); idx >= 0 {
		return h[:idx], h[idx+1:]
	}
	return h, port
}

// headerFilterCap bounds how many header bytes FilterHeaders will retain;
// any header lines beyond this cap are silently dropped, matching the
// spec's fixed-buffer truncation behavior.
const headerFilterCap = 16 * 1024

// FilterHeaders reads RFC-822-style header lines from r until a blank line,
// dropping Host/User-Agent/Connection/Proxy-Connection lines (case
// insensitive) from the returned extraHeaders block and capturing the Host
// value separately. Lines are preserved verbatim, including their original
// CRLF terminators, in original order.
func FilterHeaders(r *bufio.Reader) (extraHeaders []byte, hostHeader string, err error) {
	var buf strings.Builder

	for {
		line, readErr := r.ReadString('\n')
		if readErr != nil {
			return []byte(buf.String()), hostHeader, readErr
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}

		lower := strings.ToLower(trimmed)
		dropped := false
		for _, prefix := range droppedHeaders {
			if strings.HasPrefix(lower, prefix) {
				dropped = true
				if prefix == "host:" {
					hostHeader = strings.TrimSpace(trimmed[len("host:"):])
				}
				break
			}
		}

		if dropped {
			continue
		}

		if buf.Len()+len(line) > headerFilterCap {
			continue
		}
		buf.WriteString(line)
	}

	return []byte(buf.String()), hostHeader, nil
}
