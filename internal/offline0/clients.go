package offline0

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Client is an open browsing context (a tab or window) served by the proxy.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Generation string    `json:"generation,omitempty"`
	Focused    bool      `json:"focused"`
	OpenedAt   time.Time `json:"openedAt"`
}

type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	// Claim makes generation the controller of every open client.
	Claim(ctx context.Context, generation string) error
	// Navigate focuses client id and points it at url.
	Navigate(ctx context.Context, id, url string) (Client, error)
	// Open creates a new focused client at url.
	Open(ctx context.Context, url string) (Client, error)
}

// ClientRegistry is the in-process Clients implementation. Browsers
// register themselves through the control API.
type ClientRegistry struct {
	clock clockwork.Clock

	mu         sync.Mutex
	clients    map[string]*Client
	generation string
}

func NewClientRegistry(clock clockwork.Clock) *ClientRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ClientRegistry{clock: clock, clients: map[string]*Client{}}
}

// Register adds a client controlled by the last claimed generation.
func (r *ClientRegistry) Register(url string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Client{
		ID:         uuid.NewString(),
		URL:        url,
		Generation: r.generation,
		OpenedAt:   r.clock.Now().UTC(),
	}
	r.clients[c.ID] = c
	return *c
}

func (r *ClientRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	delete(r.clients, id)
	return nil
}

// MatchAll returns clients oldest first.
func (r *ClientRegistry) MatchAll(_ context.Context) ([]Client, error) {
	r.mu.Lock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (r *ClientRegistry) Claim(_ context.Context, generation string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation = generation
	for _, c := range r.clients {
		c.Generation = generation
	}
	return nil
}

func (r *ClientRegistry) Navigate(_ context.Context, id, url string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	r.focusLocked(id)
	c.URL = url
	return *c, nil
}

func (r *ClientRegistry) Open(ctx context.Context, url string) (Client, error) {
	c := r.Register(url)
	return r.Navigate(ctx, c.ID, url)
}

func (r *ClientRegistry) focusLocked(id string) {
	for cid, c := range r.clients {
		c.Focused = cid == id
	}
}
