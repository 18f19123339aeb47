package offline0

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalRecorder struct {
	mu   sync.Mutex
	tags []string
}

func (s *signalRecorder) signal(_ context.Context, tag string) {
	s.mu.Lock()
	s.tags = append(s.tags, tag)
	s.mu.Unlock()
}

func (s *signalRecorder) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

func TestConnectivityCheckSignalsOnRecovery(t *testing.T) {
	origin := newFakeOrigin()
	origin.setDown(true)
	rec := &signalRecorder{}
	m := NewConnectivityMonitor(origin, "/", time.Second, clockwork.NewFakeClock(), []string{"cols", "boards"}, rec.signal)
	ctx := context.Background()

	assert.False(t, m.Check(ctx))
	assert.False(t, m.Online())
	assert.Empty(t, rec.got())

	origin.setDown(false)
	origin.handle(http.MethodGet, "/", http.StatusOK, "ok")
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Online())
	assert.Equal(t, []string{"cols", "boards"}, rec.got())

	assert.True(t, m.Check(ctx))
	assert.Len(t, rec.got(), 2, "no signal while staying online")

	origin.handle(http.MethodGet, "/", http.StatusBadGateway, "")
	assert.False(t, m.Check(ctx), "5xx counts as unreachable")

	origin.handle(http.MethodGet, "/", http.StatusUnauthorized, "")
	assert.True(t, m.Check(ctx), "any answer below 500 counts as reachable")
	assert.Len(t, rec.got(), 4)
}

func TestConnectivityFirstProbeDrainsLeftovers(t *testing.T) {
	origin := newFakeOrigin()
	origin.handle(http.MethodGet, "/health", http.StatusOK, "ok")
	rec := &signalRecorder{}
	m := NewConnectivityMonitor(origin, "/health", time.Second, clockwork.NewFakeClock(), []string{"sync-requests"}, rec.signal)

	assert.True(t, m.Check(context.Background()))
	assert.Equal(t, []string{"sync-requests"}, rec.got())
}

func TestConnectivityRunProbesOnTicker(t *testing.T) {
	origin := newFakeOrigin()
	origin.setDown(true)
	clock := clockwork.NewFakeClock()
	rec := &signalRecorder{}
	m := NewConnectivityMonitor(origin, "/", 10*time.Second, clock, []string{"sync-requests"}, rec.signal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.False(t, m.Online())

	origin.setDown(false)
	origin.handle(http.MethodGet, "/", http.StatusOK, "ok")
	clock.Advance(10 * time.Second)

	assert.Eventually(t, func() bool { return len(rec.got()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, m.Online())
}

func TestConnectivityMarkOfflineResignals(t *testing.T) {
	origin := newFakeOrigin()
	origin.handle(http.MethodGet, "/", http.StatusOK, "ok")
	rec := &signalRecorder{}
	m := NewConnectivityMonitor(origin, "/", time.Second, clockwork.NewFakeClock(), []string{"sync-requests"}, rec.signal)
	ctx := context.Background()

	assert.True(t, m.Check(ctx))
	assert.True(t, m.Check(ctx))
	assert.Len(t, rec.got(), 1)

	m.MarkOffline()
	assert.False(t, m.Online())
	assert.True(t, m.Check(ctx))
	assert.Equal(t, []string{"sync-requests", "sync-requests"}, rec.got())
}

func TestConnectivityRunDrainsAfterShortOutage(t *testing.T) {
	origin := newFakeOrigin()
	origin.handle(http.MethodGet, "/", http.StatusOK, "ok")
	clock := clockwork.NewFakeClock()
	rec := &signalRecorder{}
	m := NewConnectivityMonitor(origin, "/", 10*time.Second, clock, []string{"sync-requests"}, rec.signal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	require.Len(t, rec.got(), 1)

	// a blip between two probes: the monitor never saw the origin down
	m.MarkOffline()
	clock.Advance(10 * time.Second)

	assert.Eventually(t, func() bool { return len(rec.got()) == 2 }, 5*time.Second, 10*time.Millisecond)
}
