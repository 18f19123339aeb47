package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"offline0/internal/logger"
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventSync              EventKind = "sync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

type Event struct {
	Kind    EventKind
	Request Request // fetch
	Tag     string  // sync
	Payload []byte  // push
	URL     string  // notificationclick
}

// EventResult carries whichever output the handled event produces.
type EventResult struct {
	Response     *Response
	Drain        *DrainResult
	Notification *Notification
	Client       *Client
}

type HandlerFunc func(ctx context.Context, ev Event) (EventResult, error)

type WorkerDeps struct {
	Store     BlobStore
	Outbox    OutboxStore
	Transport Transport
	Clients   Clients
	Display   Displayer
	Metrics   *Metrics
	Clock     clockwork.Clock

	// OnQueued, if set, is called after a mutation lands in the outbox.
	OnQueued func(tag string)
}

// Worker owns the fixed event → handler table and the components the
// handlers drive.
type Worker struct {
	cfg        Config
	classifier *Classifier
	executors  map[StrategyTag]Executor
	lifecycle  *Lifecycle
	outbox     OutboxStore
	replayer   *Replayer
	notifier   *Notifier
	transport  Transport
	metrics    *Metrics
	stats      *statsCollector
	netLog     *rateLimitedLogger
	onQueued   func(tag string)

	handlers map[EventKind]HandlerFunc
}

func NewWorker(cfg Config, deps WorkerDeps) (*Worker, error) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	w := &Worker{
		cfg:        cfg,
		classifier: NewClassifier(cfg.Strategies),
		outbox:     deps.Outbox,
		transport:  deps.Transport,
		metrics:    deps.Metrics,
		stats:      newStatsCollector(),
		netLog:     newRateLimitedLogger(time.Minute),
		onQueued:   deps.OnQueued,
	}
	w.lifecycle = NewLifecycle(LifecycleConfig{
		Generation:  cfg.Generation,
		Prefix:      cfg.Cache.Prefix,
		Manifest:    cfg.Manifest(),
		Concurrency: cfg.Precache.Concurrency,
		Store:       deps.Store,
		Transport:   deps.Transport,
		Clients:     deps.Clients,
		Metrics:     deps.Metrics,
	})
	w.replayer = NewReplayer(deps.Outbox, deps.Transport, deps.Metrics)

	notifier, err := NewNotifier(NotifierConfig{
		Origin:       cfg.Server.Origin,
		DefaultTitle: cfg.Notify.DefaultTitle,
		Icon:         cfg.Notify.Icon,
		Display:      deps.Display,
		Clients:      deps.Clients,
		Clock:        deps.Clock,
	})
	if err != nil {
		return nil, err
	}
	w.notifier = notifier

	base := executorBase{
		store:           deps.Store,
		transport:       deps.Transport,
		namespaces:      w.lifecycle.Namespaces,
		clock:           deps.Clock,
		netLog:          w.netLog,
		offlineDocument: normalizeURL(cfg.Offline.Document),
	}
	w.executors = map[StrategyTag]Executor{
		CacheFirst:   &cacheFirst{executorBase: base},
		NetworkFirst: &networkFirst{executorBase: base},
	}

	w.handlers = map[EventKind]HandlerFunc{
		EventInstall:           w.onInstall,
		EventActivate:          w.onActivate,
		EventFetch:             w.onFetch,
		EventSync:              w.onSync,
		EventPush:              w.onPush,
		EventNotificationClick: w.onNotificationClick,
	}
	return w, nil
}

func (w *Worker) Dispatch(ctx context.Context, ev Event) (EventResult, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return EventResult{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return h(ctx, ev)
}

func (w *Worker) Lifecycle() *Lifecycle { return w.lifecycle }

func (w *Worker) onInstall(ctx context.Context, _ Event) (EventResult, error) {
	return EventResult{}, w.lifecycle.Install(ctx)
}

func (w *Worker) onActivate(ctx context.Context, _ Event) (EventResult, error) {
	return EventResult{}, w.lifecycle.Activate(ctx)
}

func (w *Worker) onSync(ctx context.Context, ev Event) (EventResult, error) {
	if ev.Tag == "" {
		return EventResult{}, fmt.Errorf("sync event without tag")
	}
	res, err := w.replayer.Drain(ctx, ev.Tag)
	if err != nil {
		return EventResult{}, err
	}
	return EventResult{Drain: &res}, nil
}

func (w *Worker) onPush(ctx context.Context, ev Event) (EventResult, error) {
	n, err := w.notifier.OnMessage(ctx, ev.Payload)
	if err != nil {
		return EventResult{}, err
	}
	return EventResult{Notification: &n}, nil
}

func (w *Worker) onNotificationClick(ctx context.Context, ev Event) (EventResult, error) {
	c, err := w.notifier.OnClick(ctx, ev.URL)
	if err != nil {
		return EventResult{}, err
	}
	return EventResult{Client: &c}, nil
}

func (w *Worker) onFetch(ctx context.Context, ev Event) (EventResult, error) {
	req := ev.Request
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Mode == "" {
		req.Mode = requestMode(req.Method, req.Header)
	}

	label, resp := w.route(ctx, req)
	w.metrics.ObserveRequest(label, resp.Source)
	w.stats.Observe(resp)
	logger.Debug("fetch",
		logger.KeyMethod, req.Method,
		logger.KeyURL, req.URL,
		logger.KeyStrategy, label,
		logger.KeySource, resp.Source,
		logger.KeyStatus, resp.Status,
	)
	return EventResult{Response: &resp}, nil
}

// route picks how a request is handled and returns a label for metrics.
func (w *Worker) route(ctx context.Context, req Request) (string, Response) {
	if w.bypassed(req.URL) {
		return "bypass", w.passThrough(ctx, req)
	}
	switch {
	case req.Method == http.MethodGet:
		if !w.lifecycle.Active() {
			return "bypass", w.passThrough(ctx, req)
		}
		tag := NetworkFirst
		if rule := w.classifier.Rule(req.URL, req.Mode); rule != nil {
			if hasAnyCookie(req.Header, rule.BypassWhenCookies) {
				return "ignore-by-cookie", w.passThrough(ctx, req)
			}
			tag = rule.tag
		}
		return tag.String(), w.executors[tag].Handle(ctx, req)
	case isMutating(req.Method):
		return "outbox", w.mutate(ctx, req)
	}
	return "bypass", w.passThrough(ctx, req)
}

func (w *Worker) bypassed(rawURL string) bool {
	path := urlPath(rawURL)
	for _, p := range w.cfg.Intercept.Bypass {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (w *Worker) passThrough(ctx context.Context, req Request) Response {
	resp, err := w.transport.Fetch(ctx, req)
	if err != nil {
		w.netLog.Warn("origin unreachable", logger.KeyMethod, req.Method, logger.KeyURL, req.URL, logger.Err(err))
		return jsonResponse(http.StatusBadGateway, SourceUnavailable, map[string]any{"error": "bad gateway"})
	}
	resp.Source = SourceBypass
	return resp
}

// mutate forwards a state-changing request. If it cannot be delivered it
// is queued; if it cannot be queued either, the caller gets a 503. A
// request the origin received is never queued, even when its answer is
// unreadable.
func (w *Worker) mutate(ctx context.Context, req Request) Response {
	resp, err := w.transport.Fetch(ctx, req)
	if err == nil {
		resp.Source = SourceNetwork
		return resp
	}
	if errors.Is(err, ErrResponseUnreadable) {
		logger.Warn("mutation delivered, response unreadable",
			logger.KeyMethod, req.Method, logger.KeyURL, req.URL, logger.KeyStatus, resp.Status, logger.Err(err))
		return jsonResponse(http.StatusBadGateway, SourceUnavailable, map[string]any{
			"queued":   false,
			"upstream": resp.Status,
			"error":    "origin response could not be read",
		})
	}

	tag := w.outboxTag(req.URL)
	id, aerr := w.outbox.Append(tag, req.URL, req.Method, req.Header, req.Body)
	if aerr != nil {
		logger.Error("mutation lost: outbox append failed",
			logger.KeyMethod, req.Method, logger.KeyURL, req.URL, logger.KeyTag, tag, logger.Err(aerr))
		return jsonResponse(http.StatusServiceUnavailable, SourceUnavailable, map[string]any{
			"queued": false,
			"error":  "origin unreachable and request could not be queued",
		})
	}
	w.metrics.ObserveAppend(tag)
	if w.onQueued != nil {
		w.onQueued(tag)
	}
	logger.Info("mutation queued",
		logger.KeyMethod, req.Method, logger.KeyURL, req.URL, logger.KeyTag, tag, logger.KeyID, id, logger.Err(err))
	return jsonResponse(http.StatusAccepted, SourceQueued, map[string]any{"queued": true, "id": id, "tag": tag})
}

func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	r := http.Request{Header: h}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (w *Worker) outboxTag(rawURL string) string {
	path := urlPath(rawURL)
	for i := range w.cfg.Outbox.Routes {
		if w.cfg.Outbox.Routes[i].Matches(path) {
			return w.cfg.Outbox.Routes[i].Tag
		}
	}
	return w.cfg.Outbox.DefaultTag
}

func jsonResponse(status int, source string, v any) Response {
	b, _ := json.Marshal(v)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return Response{Status: status, Header: h, Body: b, Source: source}
}
