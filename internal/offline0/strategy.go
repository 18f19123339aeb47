package offline0

import (
	"context"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"

	"offline0/internal/logger"
)

// Executor turns a request into a response. It never fails: transport and
// cache errors resolve to a fallback or to the synthetic 408.
type Executor interface {
	Handle(ctx context.Context, req Request) Response
}

// Namespaces names the current generation's cache namespaces.
type Namespaces struct {
	Precache string
	Runtime  string
}

type executorBase struct {
	store           BlobStore
	transport       Transport
	namespaces      func() Namespaces
	clock           clockwork.Clock
	netLog          *rateLimitedLogger
	offlineDocument string
}

// lookup checks the runtime namespace, then the precache namespace. A store
// error counts as a miss.
func (b *executorBase) lookup(req Request) (CacheEntry, bool) {
	ns := b.namespaces()
	for _, name := range []string{ns.Runtime, ns.Precache} {
		ent, ok, err := b.store.Get(name, req.Method, req.URL)
		if err != nil {
			logger.Warn("cache read failed", logger.KeyNamespace, name, logger.KeyURL, req.URL, logger.Err(err))
			continue
		}
		if ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

// remember copies a shareable 200 response into the runtime namespace. The
// disk write is queued; the caller is not held up by it.
func (b *executorBase) remember(req Request, resp Response) {
	if resp.Status != http.StatusOK || !shareable(req, resp) {
		return
	}
	ns := b.namespaces().Runtime
	if err := b.store.Put(ns, req.Method, req.URL, resp.entry(b.clock.Now().Unix())); err != nil {
		logger.Warn("cache write failed", logger.KeyNamespace, ns, logger.KeyURL, req.URL, logger.Err(err))
	}
}

func (b *executorBase) fetch(ctx context.Context, req Request) (Response, error) {
	resp, err := b.transport.Fetch(ctx, req)
	if err != nil {
		b.netLog.Warn("origin unreachable", logger.KeyMethod, req.Method, logger.KeyURL, req.URL, logger.Err(err))
		return Response{}, err
	}
	resp.Source = SourceNetwork
	return resp, nil
}

// fallback answers a request that neither the network nor the cache could
// serve. Navigations get the precached offline document.
func (b *executorBase) fallback(req Request) Response {
	if req.Mode == ModeNavigate {
		ent, ok, err := b.store.Get(b.namespaces().Precache, http.MethodGet, b.offlineDocument)
		if err == nil && ok {
			return responseFromEntry(ent, SourceOffline)
		}
		logger.Warn("offline document missing from precache", logger.KeyURL, b.offlineDocument)
	}
	return unavailableResponse()
}

// shareable reports whether a response may be served to other clients
// from the runtime namespace.
func shareable(req Request, resp Response) bool {
	if req.Header.Get("Authorization") != "" {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range resp.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "private" || d == "no-store" || strings.HasPrefix(d, "private=") {
				return false
			}
		}
	}
	return true
}

type cacheFirst struct {
	executorBase
}

func (e *cacheFirst) Handle(ctx context.Context, req Request) Response {
	if ent, ok := e.lookup(req); ok {
		return responseFromEntry(ent, SourceCache)
	}
	resp, err := e.fetch(ctx, req)
	if err != nil {
		return e.fallback(req)
	}
	e.remember(req, resp)
	return resp
}

type networkFirst struct {
	executorBase
}

func (e *networkFirst) Handle(ctx context.Context, req Request) Response {
	resp, err := e.fetch(ctx, req)
	if err == nil {
		e.remember(req, resp)
		return resp
	}
	if ent, ok := e.lookup(req); ok {
		return responseFromEntry(ent, SourceCache)
	}
	return e.fallback(req)
}
