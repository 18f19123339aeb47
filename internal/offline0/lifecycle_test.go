package offline0

import (
	"context"
	"net/http"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLifecycle(gen string, store BlobStore, origin Transport, clients Clients, m *Metrics) *Lifecycle {
	return NewLifecycle(LifecycleConfig{
		Generation:  gen,
		Prefix:      "app",
		Manifest:    []string{"/", "/static/js/main.js", "/offline.html"},
		Concurrency: 2,
		Store:       store,
		Transport:   origin,
		Clients:     clients,
		Metrics:     m,
	})
}

func serveManifest(origin *fakeOrigin, gen string) {
	origin.handle(http.MethodGet, "/", http.StatusOK, "<html>"+gen+"</html>")
	origin.handle(http.MethodGet, "/static/js/main.js", http.StatusOK, "js-"+gen)
	origin.handle(http.MethodGet, "/offline.html", http.StatusOK, "<html>offline</html>")
}

func TestLifecycleInstallAndActivate(t *testing.T) {
	store := openTestStore(t)
	origin := newFakeOrigin()
	serveManifest(origin, "g1")
	clients := NewClientRegistry(clockwork.NewFakeClock())
	open := clients.Register("http://app.test/boards")

	lc := newTestLifecycle("g1", store, origin, clients, nil)
	ctx := context.Background()
	assert.Equal(t, StateIdle, lc.State())
	assert.False(t, lc.Active())

	require.NoError(t, lc.Install(ctx))
	assert.Equal(t, StateInstalled, lc.State())
	for _, u := range []string{"/", "/static/js/main.js", "/offline.html"} {
		_, ok, err := store.Get("app-precache-g1", http.MethodGet, u)
		require.NoError(t, err)
		assert.True(t, ok, u)
	}

	require.NoError(t, lc.Activate(ctx))
	assert.Equal(t, StateActivated, lc.State())
	assert.True(t, lc.Active())

	cs, err := clients.MatchAll(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, open.ID, cs[0].ID)
	assert.Equal(t, "g1", cs[0].Generation, "open clients are claimed")

	// repeated transitions are no-ops
	require.NoError(t, lc.Install(ctx))
	require.NoError(t, lc.Activate(ctx))
	assert.Equal(t, 1, origin.count(http.MethodGet, "/"))
}

func TestLifecycleInstallIsAllOrNothing(t *testing.T) {
	store := openTestStore(t)
	origin := newFakeOrigin()
	origin.handle(http.MethodGet, "/", http.StatusOK, "<html/>")
	origin.handle(http.MethodGet, "/offline.html", http.StatusOK, "<html>offline</html>")
	// /static/js/main.js answers 404

	lc := newTestLifecycle("g1", store, origin, nil, nil)
	err := lc.Install(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, StateRedundant, lc.State())

	names, err := store.ListNamespaces()
	require.NoError(t, err)
	assert.Empty(t, names)
	_, ok, err := store.Get("app-precache-g1", http.MethodGet, "/")
	require.NoError(t, err)
	assert.False(t, ok, "a partial install leaves nothing behind")

	assert.ErrorIs(t, lc.Activate(context.Background()), ErrNotInstalled)

	// install can be retried once the origin recovers
	serveManifest(origin, "g1")
	require.NoError(t, lc.Install(context.Background()))
	assert.Equal(t, StateInstalled, lc.State())
}

func TestLifecycleInstallFailsWhileOffline(t *testing.T) {
	origin := newFakeOrigin()
	origin.setDown(true)
	lc := newTestLifecycle("g1", openTestStore(t), origin, nil, nil)

	assert.ErrorIs(t, lc.Install(context.Background()), ErrInstallFailed)
}

func TestLifecycleActivateRequiresInstall(t *testing.T) {
	lc := newTestLifecycle("g1", openTestStore(t), newFakeOrigin(), nil, nil)
	assert.ErrorIs(t, lc.Activate(context.Background()), ErrNotInstalled)
	assert.Equal(t, StateIdle, lc.State())
}

func TestLifecycleActivatePurgesOldGenerations(t *testing.T) {
	store := openTestStore(t)
	origin := newFakeOrigin()
	m := NewMetrics()
	ctx := context.Background()

	serveManifest(origin, "g1")
	g1 := newTestLifecycle("g1", store, origin, nil, m)
	require.NoError(t, g1.Install(ctx))
	require.NoError(t, g1.Activate(ctx))
	require.NoError(t, store.Put(g1.Namespaces().Runtime, http.MethodGet, "/api/cols", testEntry("cols")))

	serveManifest(origin, "g2")
	g2 := newTestLifecycle("g2", store, origin, nil, m)
	require.NoError(t, g2.Install(ctx))

	// until g2 activates, g1 is untouched
	_, ok, err := store.Get("app-runtime-g1", http.MethodGet, "/api/cols")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, g2.Activate(ctx))

	names, err := store.ListNamespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-precache-g2"}, names)
	for _, ns := range []string{"app-precache-g1", "app-runtime-g1"} {
		_, ok, err := store.Get(ns, http.MethodGet, "/")
		require.NoError(t, err)
		assert.False(t, ok, ns)
		_, ok, err = store.Get(ns, http.MethodGet, "/api/cols")
		require.NoError(t, err)
		assert.False(t, ok, ns)
	}
	got, ok, err := store.Get("app-precache-g2", http.MethodGet, "/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<html>g2</html>", string(got.Body))

	assert.Equal(t, 2.0, counterValue(t, m, "offline0_namespaces_deleted_total", nil))
}

func TestLifecycleInstallSkipsCompletePrecache(t *testing.T) {
	store := openTestStore(t)
	origin := newFakeOrigin()
	serveManifest(origin, "g1")
	ctx := context.Background()

	require.NoError(t, newTestLifecycle("g1", store, origin, nil, nil).Install(ctx))

	// restart while the origin is unreachable
	origin.setDown(true)
	lc := newTestLifecycle("g1", store, origin, nil, nil)
	require.NoError(t, lc.Install(ctx))
	require.NoError(t, lc.Activate(ctx))
	assert.True(t, lc.Active())
}

func TestNamespaceName(t *testing.T) {
	assert.Equal(t, "offline0-precache-v42", NamespaceName("offline0", "precache", "v42"))
	assert.Equal(t, "activated", StateActivated.String())
}
