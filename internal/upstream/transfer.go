// Package upstream opens the origin connection for a cache miss, assembles
// and writes the rewritten HTTP/1.0 request, and streams the response back
// to the client while opportunistically buffering it for the cache.
package upstream

import (
	"io"
	"net"
	"time"

	"github.com/mochestra/forwardcache/internal/cache"
)

// userAgent is the fixed User-Agent line the proxy presents to every origin,
// replacing whatever the client sent.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3"

const streamChunkSize = 32 * 1024

// Dialer opens a TCP connection to an origin. *net.Dialer satisfies this;
// tests substitute a fake that dials a local listener.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// Fetch opens a connection to hostname:port, writes the rewritten GET
// request, and streams the response to client one chunk at a time so the
// client never waits for the full body. In parallel it accumulates bytes
// into a side buffer capped at cache.MaxObjectSize; on a clean EOF, if the
// response stayed under the cap and produced at least one byte, it is
// inserted into store under cacheKey. Any error before EOF aborts caching
// but does not stop bytes already written from having reached the client.
func Fetch(dialer Dialer, store *cache.Cache, hostname, port, path, cacheKey string, extraHeaders []byte, client io.Writer) error {
	conn, err := dialer.Dial("tcp", net.JoinHostPort(hostname, port))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeRequest(conn, hostname, port, path, extraHeaders); err != nil {
		return err
	}

	return streamResponse(conn, store, cacheKey, client)
}

// writeRequest assembles the outgoing request in the exact order mandated
// by the spec and writes it in a single call.
func writeRequest(w io.Writer, hostname, port, path string, extraHeaders []byte) error {
	var buf []byte
	buf = append(buf, "GET "+path+" HTTP/1.0\r\n"...)

	if port == "80" {
		buf = append(buf, "Host: "+hostname+"\r\n"...)
	} else {
		buf = append(buf, "Host: "+hostname+":"+port+"\r\n"...)
	}

	buf = append(buf, "User-Agent: "+userAgent+"\r\n"...)
	buf = append(buf, "Connection: close\r\n"...)
	buf = append(buf, "Proxy-Connection: close\r\n"...)
	buf = append(buf, extraHeaders...)
	buf = append(buf, "\r\n"...)

	_, err := w.Write(buf)
	return err
}

// streamResponse reads the origin's response in fixed-size chunks, forwards
// each chunk to the client before reading the next, and mirrors the bytes
// into a side buffer for caching as long as the response stays cacheable.
func streamResponse(origin io.Reader, store *cache.Cache, cacheKey string, client io.Writer) error {
	chunk := make([]byte, streamChunkSize)
	sideBuf := make([]byte, 0, cache.MaxObjectSize)
	cacheable := true

	for {
		n, readErr := origin.Read(chunk)
		if n > 0 {
			if _, writeErr := client.Write(chunk[:n]); writeErr != nil {
				return writeErr
			}

			if cacheable {
				if len(sideBuf)+n > cache.MaxObjectSize {
					cacheable = false
					sideBuf = nil
				} else {
					sideBuf = append(sideBuf, chunk[:n]...)
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if cacheable && len(sideBuf) > 0 {
					store.Insert(cacheKey, sideBuf)
				}
				return nil
			}
			return readErr
		}
	}
}

// netDialer adapts net.Dialer to the Dialer interface used by Fetch, adding
// an optional connect timeout. The core contract carries no timeouts; a
// zero Timeout preserves that (net.Dialer treats zero as "no timeout").
type netDialer struct {
	timeout time.Duration
}

// NewDialer returns the default production Dialer. A zero timeout means
// connect attempts never time out, matching the spec's no-deadlines
// baseline; a positive value bounds each connect attempt. cmd/proxy always
// passes zero.
func NewDialer(timeout time.Duration) Dialer {
	return &netDialer{timeout: timeout}
}

func (d *netDialer) Dial(network, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	return dialer.Dial(network, address)
}
