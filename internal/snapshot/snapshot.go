// Package snapshot captures an inbound request once into an immutable value
// that can be replayed to both backends.
//
// DESIGN: The body is buffered fully (bounded by a hard cap) because the
// request stream can be read only once and two outbound calls need it.
// Bodies above the comparison limit are still forwarded; the snapshot just
// flags them so the comparator skips the body diff explicitly.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrBodyTooLarge is returned when a request body exceeds the hard cap.
var ErrBodyTooLarge = errors.New("request body exceeds maximum size")

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Limits bounds request capture.
type Limits struct {
	MaxBodyBytes       int64 // Hard cap; larger bodies are rejected
	MaxComparisonBytes int64 // Larger bodies are forwarded but not compared
}

// ClonedRequest is an immutable snapshot of an inbound request.
// Accessors return copies so callers cannot mutate the snapshot.
type ClonedRequest struct {
	method       string
	path         string
	headers      http.Header
	query        url.Values
	body         []byte
	contentType  string
	bodyTooLarge bool
}

// New builds a snapshot from parts. Headers are copied with hop-by-hop
// headers removed; path may include an encoded query string.
func New(method, path string, headers http.Header, body []byte) *ClonedRequest {
	h := headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	StripHopHeaders(h)
	h.Del("Host")

	var query url.Values
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query, _ = url.ParseQuery(path[i+1:])
	}
	if query == nil {
		query = url.Values{}
	}

	var b []byte
	if len(body) > 0 {
		b = bytes.Clone(body)
	}

	return &ClonedRequest{
		method:      strings.ToUpper(method),
		path:        path,
		headers:     h,
		query:       query,
		body:        b,
		contentType: h.Get("Content-Type"),
	}
}

// Capture buffers r into a ClonedRequest. The original body is replaced with
// a re-readable copy so r stays usable by the caller.
func Capture(r *http.Request, limits Limits) (*ClonedRequest, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		reader := io.Reader(r.Body)
		if limits.MaxBodyBytes > 0 {
			reader = io.LimitReader(r.Body, limits.MaxBodyBytes+1)
		}
		data, err := io.ReadAll(reader)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if limits.MaxBodyBytes > 0 && int64(len(data)) > limits.MaxBodyBytes {
			return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, limits.MaxBodyBytes)
		}
		body = data
		r.Body = io.NopCloser(bytes.NewReader(data))
	}

	c := New(r.Method, r.URL.RequestURI(), r.Header, body)
	// RequestURI keeps the raw query; ParseQuery already kept duplicate keys.
	c.query = r.URL.Query()
	c.bodyTooLarge = limits.MaxComparisonBytes > 0 && int64(len(body)) > limits.MaxComparisonBytes
	return c, nil
}

// Method returns the HTTP method (upper case).
func (c *ClonedRequest) Method() string { return c.method }

// Path returns the path including the encoded query string.
func (c *ClonedRequest) Path() string { return c.path }

// PathOnly returns the path without the query string.
func (c *ClonedRequest) PathOnly() string {
	if i := strings.IndexByte(c.path, '?'); i >= 0 {
		return c.path[:i]
	}
	return c.path
}

// Headers returns a copy of the forwarded headers.
func (c *ClonedRequest) Headers() http.Header { return c.headers.Clone() }

// Header returns the first value of the named header.
func (c *ClonedRequest) Header(name string) string { return c.headers.Get(name) }

// Query returns a copy of the query parameters, duplicate keys included.
func (c *ClonedRequest) Query() url.Values {
	out := make(url.Values, len(c.query))
	for k, v := range c.query {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Body returns a reader over the buffered body, or nil when absent.
func (c *ClonedRequest) Body() io.Reader {
	if c.body == nil {
		return nil
	}
	return bytes.NewReader(c.body)
}

// BodyBytes returns a copy of the body, or nil when absent.
func (c *ClonedRequest) BodyBytes() []byte { return bytes.Clone(c.body) }

// HasBody reports whether a non-empty body was captured.
func (c *ClonedRequest) HasBody() bool { return len(c.body) > 0 }

// BodyLen returns the body size in bytes.
func (c *ClonedRequest) BodyLen() int { return len(c.body) }

// ContentType returns the request Content-Type.
func (c *ClonedRequest) ContentType() string { return c.contentType }

// BodyTooLarge reports whether the body exceeds the comparison limit.
func (c *ClonedRequest) BodyTooLarge() bool { return c.bodyTooLarge }

// StripHopHeaders removes hop-by-hop headers in place, including any header
// named in the Connection header.
func StripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
