package offline0

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport delivers a request to the network. An error means the request
// never produced a response; any HTTP status, including 5xx, is a response.
// The exception is ErrResponseUnreadable: the origin answered, and the
// returned Response carries its status and headers but no body.
type Transport interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

type TransportFunc func(ctx context.Context, req Request) (Response, error)

func (f TransportFunc) Fetch(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// HTTPTransport forwards requests to a single origin.
type HTTPTransport struct {
	origin  string
	client  *http.Client
	maxBody int64
}

func NewHTTPTransport(origin string, timeout time.Duration, maxBody int64) *HTTPTransport {
	return &HTTPTransport{
		origin:  strings.TrimRight(origin, "/"),
		client:  &http.Client{Timeout: timeout},
		maxBody: maxBody,
	}
}

func (t *HTTPTransport) Fetch(ctx context.Context, r Request) (Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, t.origin+r.URL, body)
	if err != nil {
		return Response{}, err
	}
	copyHeaders(req.Header, r.Header)
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	rd := io.Reader(resp.Body)
	if t.maxBody > 0 {
		rd = io.LimitReader(resp.Body, t.maxBody+1)
	}
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	for _, name := range hopHeaders {
		h.Del(name)
	}
	out := Response{Status: resp.StatusCode, Header: h, Source: SourceNetwork}

	b, err := io.ReadAll(rd)
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %w", r.Method, r.URL, ErrResponseUnreadable, err)
	}
	if t.maxBody > 0 && int64(len(b)) > t.maxBody {
		return out, fmt.Errorf("%s %s: %w: body exceeds %s", r.Method, r.URL, ErrResponseUnreadable, ByteSize(t.maxBody))
	}
	out.Body = b
	return out, nil
}

// NewOriginTransport builds the transport described by cfg.
func NewOriginTransport(cfg Config) *HTTPTransport {
	return NewHTTPTransport(cfg.Server.Origin, cfg.Transport.timeoutDur, int64(cfg.Transport.MaxBody))
}
