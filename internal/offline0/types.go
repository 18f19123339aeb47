package offline0

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownEvent  = errors.New("unknown event kind")
	ErrInstallFailed = errors.New("install failed")
	ErrNotInstalled  = errors.New("generation not installed")
	ErrStoreClosed   = errors.New("store closed")

	// ErrResponseUnreadable means the origin answered but its body could
	// not be read. The request was delivered.
	ErrResponseUnreadable = errors.New("response unreadable")
)

// CacheEntry is one stored response. Entries are replaced in place on
// re-fetch; only the namespace that holds them is versioned.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// RequestMode distinguishes top-level page loads from sub-resource fetches.
type RequestMode string

const (
	ModeNavigate    RequestMode = "navigate"
	ModeSubresource RequestMode = "subresource"
)

// Request is the descriptor every component works on. URL is the
// origin-relative request URI.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Mode   RequestMode
}

// Response sources, echoed in the X-Offline0 header.
const (
	SourceNetwork     = "network"
	SourceCache       = "cache"
	SourceOffline     = "offline"
	SourceUnavailable = "unavailable"
	SourceQueued      = "queued"
	SourceBypass      = "bypass"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source string
}

func (r Response) entry(storedAt int64) CacheEntry {
	return CacheEntry{
		Status:   r.Status,
		Header:   cloneHeader(r.Header),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: storedAt,
	}
}

func responseFromEntry(ent CacheEntry, source string) Response {
	return Response{
		Status: ent.Status,
		Header: cloneHeader(ent.Header),
		Body:   ent.Body,
		Source: source,
	}
}

// unavailableResponse is the synthetic answer for a request that could be
// served neither by the network nor by the cache.
func unavailableResponse() Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		Status: http.StatusRequestTimeout,
		Header: h,
		Body:   []byte("Network error happened"),
		Source: SourceUnavailable,
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// requestMode reports navigate for top-level page loads. Browsers send
// Sec-Fetch-Mode; older clients are recognised by an HTML Accept header.
func requestMode(method string, h http.Header) RequestMode {
	if m := h.Get("Sec-Fetch-Mode"); m != "" {
		if strings.EqualFold(m, "navigate") {
			return ModeNavigate
		}
		return ModeSubresource
	}
	if method == http.MethodGet && strings.Contains(h.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeSubresource
}

// normalizeURL reduces a request URI to path plus sorted query, dropping the
// fragment and any scheme/host.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery == "" {
		return p
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sort.Strings(q[k])
	}
	return p + "?" + q.Encode()
}

func urlPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Path
	}
	return rawURL
}

func cacheKey(method, rawURL string) string {
	return strings.ToUpper(method) + " " + normalizeURL(rawURL)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
