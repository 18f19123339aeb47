package offline0

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"offline0/internal/logger"
)

// ConnectivityMonitor probes the origin and raises a sync signal for every
// outbox tag when the origin becomes reachable again. The monitor starts
// offline, so records left over from a previous run drain on the first
// successful probe.
type ConnectivityMonitor struct {
	transport Transport
	probeURL  string
	every     time.Duration
	timeout   time.Duration
	clock     clockwork.Clock
	tags      []string
	signal    func(ctx context.Context, tag string)

	mu     sync.Mutex
	online bool
}

func NewConnectivityMonitor(t Transport, probeURL string, every time.Duration, clock clockwork.Clock, tags []string, signal func(ctx context.Context, tag string)) *ConnectivityMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := every
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &ConnectivityMonitor{
		transport: t,
		probeURL:  probeURL,
		every:     every,
		timeout:   timeout,
		clock:     clock,
		tags:      tags,
		signal:    signal,
	}
}

func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// MarkOffline forgets the last good probe, so the next successful one
// signals every tag again. Called when a mutation is queued while the
// monitor still believes the origin is up.
func (m *ConnectivityMonitor) MarkOffline() {
	m.mu.Lock()
	m.online = false
	m.mu.Unlock()
}

// Run probes every interval until ctx is done.
func (m *ConnectivityMonitor) Run(ctx context.Context) {
	logger.Info("connectivity monitor started", logger.KeyURL, m.probeURL, "every", m.every.String())
	m.Check(ctx)

	t := m.clock.NewTicker(m.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			m.Check(ctx)
		}
	}
}

// Check runs one probe and fires the signal on an offline to online
// transition. Any HTTP answer below 500 counts as reachable.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	resp, err := m.transport.Fetch(pctx, Request{
		Method: http.MethodGet,
		URL:    m.probeURL,
		Header: http.Header{"Cache-Control": []string{"no-cache"}},
		Mode:   ModeSubresource,
	})
	cancel()
	if errors.Is(err, ErrResponseUnreadable) {
		err = nil
	}
	up := err == nil && resp.Status < 500

	m.mu.Lock()
	was := m.online
	m.online = up
	m.mu.Unlock()

	switch {
	case up && !was:
		logger.Info("origin reachable", logger.KeyURL, m.probeURL)
		for _, tag := range m.tags {
			m.signal(ctx, tag)
		}
	case !up && was:
		logger.Warn("origin unreachable", logger.KeyURL, m.probeURL, logger.Err(err))
	}
	return up
}
