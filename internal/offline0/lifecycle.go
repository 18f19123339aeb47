package offline0

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"offline0/internal/logger"
)

type LifecycleState int32

const (
	StateIdle LifecycleState = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s LifecycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func NamespaceName(prefix, kind, generation string) string {
	return prefix + "-" + kind + "-" + generation
}

type LifecycleConfig struct {
	Generation  string
	Prefix      string
	Manifest    []string
	Concurrency int
	Store       BlobStore
	Transport   Transport
	Clients     Clients
	Metrics     *Metrics
}

// Lifecycle moves one cache generation through install and activate.
// Transitions are serialized; State can be read at any time.
type Lifecycle struct {
	cfg LifecycleConfig
	ns  Namespaces

	mu    sync.Mutex
	state atomic.Int32
}

func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Lifecycle{
		cfg: cfg,
		ns: Namespaces{
			Precache: NamespaceName(cfg.Prefix, "precache", cfg.Generation),
			Runtime:  NamespaceName(cfg.Prefix, "runtime", cfg.Generation),
		},
	}
}

func (l *Lifecycle) Generation() string     { return l.cfg.Generation }
func (l *Lifecycle) Namespaces() Namespaces { return l.ns }
func (l *Lifecycle) State() LifecycleState  { return LifecycleState(l.state.Load()) }
func (l *Lifecycle) Active() bool           { return l.State() == StateActivated }

// Install fills the precache namespace from the manifest. Either every URL
// is stored, in one atomic batch, or nothing is and ErrInstallFailed is
// returned. A generation already fully precached by an earlier run installs
// without touching the network.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case StateInstalled, StateActivating, StateActivated:
		return nil
	}
	l.state.Store(int32(StateInstalling))
	start := time.Now()

	if l.precached() {
		l.state.Store(int32(StateInstalled))
		logger.Info("precache already complete", logger.KeyGeneration, l.cfg.Generation, logger.KeyCount, len(l.cfg.Manifest))
		return nil
	}

	items := make([]BlobItem, len(l.cfg.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for i, u := range l.cfg.Manifest {
		g.Go(func() error {
			req := Request{Method: http.MethodGet, URL: u, Header: http.Header{}, Mode: ModeSubresource}
			resp, err := l.cfg.Transport.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%w: fetch %s: %v", ErrInstallFailed, u, err)
			}
			if resp.Status != http.StatusOK {
				return fmt.Errorf("%w: fetch %s: status %d", ErrInstallFailed, u, resp.Status)
			}
			items[i] = BlobItem{Method: http.MethodGet, URL: u, Entry: resp.entry(time.Now().Unix())}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.state.Store(int32(StateRedundant))
		logger.Error("install failed", logger.KeyGeneration, l.cfg.Generation, logger.Err(err))
		return err
	}
	if err := l.cfg.Store.PutBatch(l.ns.Precache, items); err != nil {
		l.state.Store(int32(StateRedundant))
		return fmt.Errorf("%w: store precache: %v", ErrInstallFailed, err)
	}

	l.state.Store(int32(StateInstalled))
	logger.Info("installed",
		logger.KeyGeneration, l.cfg.Generation,
		logger.KeyNamespace, l.ns.Precache,
		logger.KeyCount, len(items),
		logger.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return nil
}

func (l *Lifecycle) precached() bool {
	for _, u := range l.cfg.Manifest {
		_, ok, err := l.cfg.Store.Get(l.ns.Precache, http.MethodGet, u)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Activate purges every namespace that does not belong to the current
// generation, then claims all open clients.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case StateActivated:
		return nil
	case StateInstalled:
	default:
		return fmt.Errorf("activate %s: %w (state %s)", l.cfg.Generation, ErrNotInstalled, l.State())
	}
	l.state.Store(int32(StateActivating))

	names, err := l.cfg.Store.ListNamespaces()
	if err != nil {
		l.state.Store(int32(StateInstalled))
		return fmt.Errorf("activate: list namespaces: %w", err)
	}
	for _, name := range names {
		if name == l.ns.Precache || name == l.ns.Runtime {
			continue
		}
		if err := l.cfg.Store.DeleteNamespace(name); err != nil {
			l.state.Store(int32(StateInstalled))
			return fmt.Errorf("activate: delete namespace %s: %w", name, err)
		}
		l.cfg.Metrics.ObserveNamespaceDeleted()
		logger.Info("namespace purged", logger.KeyNamespace, name)
	}

	l.state.Store(int32(StateActivated))
	if l.cfg.Clients != nil {
		if err := l.cfg.Clients.Claim(ctx, l.cfg.Generation); err != nil {
			logger.Warn("claim clients failed", logger.KeyGeneration, l.cfg.Generation, logger.Err(err))
		}
	}
	logger.Info("activated", logger.KeyGeneration, l.cfg.Generation)
	return nil
}
