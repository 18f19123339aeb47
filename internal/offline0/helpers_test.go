package offline0

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("dial tcp: connection refused")

type reply struct {
	status int
	body   string
	header http.Header
}

// fakeOrigin answers requests from a route table keyed by "METHOD uri".
// Unknown routes get a 404; everything fails while down.
type fakeOrigin struct {
	mu     sync.Mutex
	down   bool
	routes map[string]reply
	calls  []Request
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{routes: map[string]reply{}}
}

func (f *fakeOrigin) handle(method, uri string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+uri] = reply{status: status, body: body}
}

func (f *fakeOrigin) handleWithHeader(method, uri string, status int, body string, header http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+uri] = reply{status: status, body: body, header: header}
}

func (f *fakeOrigin) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeOrigin) Fetch(_ context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.down {
		return Response{}, errOffline
	}
	r, ok := f.routes[req.Method+" "+req.URL]
	if !ok {
		r = reply{status: http.StatusNotFound, body: "not found"}
	}
	h := http.Header{}
	for k, vs := range r.header {
		h[k] = vs
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/plain")
	}
	return Response{Status: r.status, Header: h, Body: []byte(r.body), Source: SourceNetwork}, nil
}

func (f *fakeOrigin) count(method, uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.URL == uri {
			n++
		}
	}
	return n
}

func (f *fakeOrigin) lastCall() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func openTestStore(t *testing.T) *levelStore {
	t.Helper()
	s, err := OpenBlobStore(t.TempDir(), 64, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openTestOutbox(t *testing.T) *levelOutbox {
	t.Helper()
	o, err := OpenOutbox(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func mustConfig(t *testing.T, yml string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(yml))
	require.NoError(t, err)
	return cfg
}

const baseConfig = `
server:
  origin: http://app.test
generation: g1
`

// failingOutbox refuses every write.
type failingOutbox struct{ err error }

func (f failingOutbox) Append(string, string, string, http.Header, []byte) (uint64, error) {
	return 0, f.err
}
func (f failingOutbox) ListAll(string) ([]OutboxRecord, error) { return nil, f.err }
func (f failingOutbox) Get(uint64) (OutboxRecord, error)        { return OutboxRecord{}, f.err }
func (f failingOutbox) Delete(uint64) error                    { return f.err }

type recordingDisplay struct {
	mu    sync.Mutex
	shown []Notification
}

func (d *recordingDisplay) Show(_ context.Context, n Notification) error {
	d.mu.Lock()
	d.shown = append(d.shown, n)
	d.mu.Unlock()
	return nil
}
