package offline0

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg := mustConfig(t, `
server:
  origin: http://app.test/
generation: " g1 "
`)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "http://app.test", cfg.Server.Origin)
	assert.Equal(t, "g1", cfg.Generation)
	assert.Equal(t, "offline0", cfg.Cache.Prefix)
	assert.Equal(t, "./data", cfg.Storage.Path)
	assert.Equal(t, ByteSize(1<<20), cfg.Storage.RAM.MaxEntry)
	assert.Equal(t, ByteSize(32<<20), cfg.Transport.MaxBody)
	assert.Equal(t, 30*time.Second, cfg.Transport.timeoutDur)
	assert.Equal(t, []string{"/api/auth/", "/.netlify/identity/"}, cfg.Intercept.Bypass)
	assert.Equal(t, []string{"sync-requests"}, cfg.OutboxTags())
	assert.Equal(t, []string{"/offline.html"}, cfg.Manifest())
	assert.Zero(t, cfg.Connectivity.probeEveryDur)
	assert.Empty(t, cfg.Connectivity.ProbeURL)
}

func TestParseConfigRequiredFields(t *testing.T) {
	_, err := ParseConfig([]byte("generation: g1\n"))
	assert.ErrorContains(t, err, "server.origin")

	_, err = ParseConfig([]byte("server: {origin: http://app.test}\n"))
	assert.ErrorContains(t, err, "generation")
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"duration":     "transport: {timeout: soon}",
		"bypass":       "intercept: {bypass: [api/]}",
		"strategy":     "strategies: [{match: PathPrefix(/a/), strategy: fastest}]",
		"match func":   "strategies: [{match: Regex(.*), strategy: cache-first}]",
		"match prefix": "strategies: [{match: PathPrefix(a), strategy: cache-first}]",
		"match empty":  "strategies: [{match: PathPrefix(), strategy: cache-first}]",
		"match mode":   "strategies: [{match: Mode(worker), strategy: cache-first}]",
		"route tag":    "outbox: {routes: [{match: PathPrefix(/api/)}]}",
		"byte size":    "storage: {ram: {maxEntry: lots}}",
	}
	for name, extra := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(baseConfig + extra + "\n"))
			assert.Error(t, err)
		})
	}
}

func TestParseConfigSizesAndDurations(t *testing.T) {
	cfg := mustConfig(t, baseConfig+`
storage:
  ram:
    maxEntry: 512k
transport:
  maxBody: 1.5mb
  timeout: 5s
connectivity:
  probeEvery: 15s
logging:
  statsEvery: 1m
`)
	assert.Equal(t, ByteSize(512<<10), cfg.Storage.RAM.MaxEntry)
	assert.Equal(t, ByteSize(3<<19), cfg.Transport.MaxBody)
	assert.Equal(t, 5*time.Second, cfg.Transport.timeoutDur)
	assert.Equal(t, 15*time.Second, cfg.Connectivity.probeEveryDur)
	assert.Equal(t, "/", cfg.Connectivity.ProbeURL)
	assert.Equal(t, time.Minute, cfg.Logging.statsEveryDur)
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"100":   100,
		"2k":    2048,
		"2kb":   2048,
		"8M":    8 << 20,
		"1g":    1 << 30,
		" 3 mb": 3 << 20,
	}
	for in, want := range tests {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "b", "-1k", "x"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "1.5mb", ByteSize(3<<19).String())
}

func TestOutboxTagsAreDeduplicated(t *testing.T) {
	cfg := mustConfig(t, baseConfig+`
outbox:
  routes:
    - match: PathPrefix(/api/cols/)
      tag: cols
    - match: PathPrefix(/api/boards/) | PathPrefix(/api/cards/)
      tag: boards
    - match: PathPrefix(/api/v2/cols/)
      tag: cols
`)
	assert.Equal(t, []string{"sync-requests", "cols", "boards"}, cfg.OutboxTags())
	assert.True(t, cfg.Outbox.Routes[1].Matches("/api/cards/9"))
}

func TestLoadConfigMergesManifestFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "asset-manifest.json"), []byte(`{
  "files": {
    "main.js": "/static/js/main.js",
    "main.css": "/static/css/main.css",
    "notes": "relative/path.txt"
  }
}`), 0o644))
	path := filepath.Join(dir, "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig+`
precache:
  urls: ["/", "/index.html?b=2&a=1", "/static/js/main.js"]
  manifestFile: asset-manifest.json
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/",
		"/index.html?a=1&b=2",
		"/static/js/main.js",
		"/static/css/main.css",
		"/offline.html",
	}, cfg.Manifest())
}

func TestLoadConfigManifestList(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "precache.json")
	require.NoError(t, os.WriteFile(list, []byte(`["/a.js", "/b.css"]`), 0o644))
	path := filepath.Join(dir, "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig+"precache: {manifestFile: "+list+"}\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.js", "/b.css", "/offline.html"}, cfg.Manifest())
}

func TestLoadConfigMissingManifestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig+"precache: {manifestFile: nope.json}\n"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "precache.manifestFile")
}
