package offline0

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"offline0/internal/logger"
)

const installRetryEvery = 30 * time.Second

type Service struct {
	cfg Config

	store     *levelStore
	outbox    *levelOutbox
	clients   *ClientRegistry
	inbox     *Inbox
	metrics   *Metrics
	transport Transport
	clock     clockwork.Clock
	worker    *Worker
	monitor   *ConnectivityMonitor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

// WithTransport replaces the HTTP transport to the origin.
func WithTransport(t Transport) Option { return func(s *Service) { s.transport = t } }

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	if s.transport == nil {
		s.transport = NewOriginTransport(cfg)
	}
	if cfg.Metrics.Enabled {
		s.metrics = NewMetrics()
	}

	store, err := OpenBlobStore(filepath.Join(cfg.Storage.Path, "cache"), cfg.Storage.RAM.Entries, int64(cfg.Storage.RAM.MaxEntry))
	if err != nil {
		return nil, err
	}
	outbox, err := OpenOutbox(filepath.Join(cfg.Storage.Path, "outbox"), s.clock)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s.store, s.outbox = store, outbox
	s.clients = NewClientRegistry(s.clock)
	s.inbox = NewInbox(cfg.Notify.InboxSize)

	s.worker, err = NewWorker(cfg, WorkerDeps{
		Store:     store,
		Outbox:    outbox,
		Transport: s.transport,
		Clients:   s.clients,
		Display:   s.inbox,
		Metrics:   s.metrics,
		Clock:     s.clock,
		OnQueued:  s.markQueued,
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}
	if every := cfg.Connectivity.probeEveryDur; every > 0 {
		s.monitor = NewConnectivityMonitor(s.transport, cfg.Connectivity.ProbeURL, every, s.clock, cfg.OutboxTags(), s.signalSync)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Service) Worker() *Worker { return s.worker }

// Start installs and activates the configured generation, then starts the
// background loops. If the origin cannot be reached to fill the precache,
// requests pass straight through and install is retried in the background.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bringUp(ctx); err != nil {
		if !errors.Is(err, ErrInstallFailed) {
			return err
		}
		logger.Warn("serving without cache until install succeeds", logger.KeyGeneration, s.cfg.Generation, logger.Err(err))
		s.goLoop(s.installRetryLoop)
	}

	if s.monitor != nil {
		s.goLoop(s.monitor.Run)
	}
	if every := s.cfg.Logging.statsEveryDur; every > 0 {
		s.goLoop(func(ctx context.Context) { s.statsLoop(ctx, every) })
	}
	return nil
}

func (s *Service) bringUp(ctx context.Context) error {
	if _, err := s.worker.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		return err
	}
	_, err := s.worker.Dispatch(ctx, Event{Kind: EventActivate})
	return err
}

func (s *Service) goLoop(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) installRetryLoop(ctx context.Context) {
	t := s.clock.NewTicker(installRetryEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			err := s.bringUp(ctx)
			if err == nil {
				return
			}
			logger.Debug("install retry failed", logger.Err(err))
		}
	}
}

func (s *Service) signalSync(ctx context.Context, tag string) {
	if _, err := s.worker.Dispatch(ctx, Event{Kind: EventSync, Tag: tag}); err != nil {
		logger.Error("sync failed", logger.KeyTag, tag, logger.Err(err))
	}
}

// markQueued makes the next good probe drain the outbox, even when the
// origin never looked down to the monitor.
func (s *Service) markQueued(string) {
	if s.monitor != nil {
		s.monitor.MarkOffline()
	}
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	s.closeStores()
}

func (s *Service) closeStores() {
	if err := s.store.Close(); err != nil {
		logger.Warn("close blob store", logger.Err(err))
	}
	if err := s.outbox.Close(); err != nil {
		logger.Warn("close outbox", logger.Err(err))
	}
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := s.clock.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			ss := s.worker.stats.Snapshot()
			pending, err := s.outbox.ListAll("")
			if err != nil {
				logger.Warn("stats: outbox list", logger.Err(err))
			}
			logger.Info("stats",
				logger.KeyGeneration, s.cfg.Generation,
				"ram_entries", s.store.Entries(),
				"outbox_pending", len(pending),
				"network", ss.Network,
				"cache", ss.Cache,
				"offline", ss.Offline,
				"unavailable", ss.Unavailable,
				"queued", ss.Queued,
				"hit_ratio", fmt.Sprintf("%.1f%%", ss.HitRatio()),
				"served", formatBytes(ss.BytesServed),
			)
		}
	}
}

// proxy is the interception entry point for every non-control request.
func (s *Service) proxy(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		limit := int64(s.cfg.Transport.MaxBody)
		b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}
		if int64(len(b)) > limit {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = b
	}

	req := Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: cloneHeader(r.Header),
		Body:   body,
		Mode:   requestMode(r.Method, r.Header),
	}
	res, err := s.worker.Dispatch(r.Context(), Event{Kind: EventFetch, Request: req})
	if err != nil || res.Response == nil {
		setOfflineHeaders(w.Header(), SourceUnavailable)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, *res.Response)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "X-Offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeaders(w.Header(), resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOfflineHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Offline0", source)
	}
	// custom headers are invisible to cross-origin scripts unless exposed
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
