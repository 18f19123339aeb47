package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"offline0/internal/logger"
)

type Notification struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Icon       string    `json:"icon,omitempty"`
	URL        string    `json:"url"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Displayer shows a notification to the user.
type Displayer interface {
	Show(ctx context.Context, n Notification) error
}

// Inbox is a bounded, newest-first notification history.
type Inbox struct {
	size int

	mu    sync.Mutex
	items []Notification
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = 1
	}
	return &Inbox{size: size}
}

func (b *Inbox) Show(_ context.Context, n Notification) error {
	b.mu.Lock()
	b.items = append([]Notification{n}, b.items...)
	if len(b.items) > b.size {
		b.items = b.items[:b.size]
	}
	b.mu.Unlock()
	logger.Info("notification", "title", n.Title, logger.KeyURL, n.URL)
	return nil
}

func (b *Inbox) List() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.items))
	copy(out, b.items)
	return out
}

type NotifierConfig struct {
	Origin       string
	DefaultTitle string
	Icon         string
	Display      Displayer
	Clients      Clients
	Clock        clockwork.Clock
}

// Notifier handles inbound push messages and clicks on shown notifications.
// It shares no state with the cache or the outbox.
type Notifier struct {
	cfg    NotifierConfig
	origin *url.URL
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("notifier origin: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Notifier{cfg: cfg, origin: origin}, nil
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Icon  string `json:"icon"`
}

// OnMessage displays payload. A payload that is not a JSON object becomes
// the body of a default-titled notification.
func (n *Notifier) OnMessage(ctx context.Context, payload []byte) (Notification, error) {
	note := Notification{
		Title:      n.cfg.DefaultTitle,
		Icon:       n.cfg.Icon,
		URL:        "/",
		ReceivedAt: n.cfg.Clock.Now().UTC(),
	}
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		logger.Debug("push payload is not JSON, showing as text", logger.Err(err))
		note.Body = string(payload)
	} else {
		if p.Title != "" {
			note.Title = p.Title
		}
		note.Body = p.Body
		if p.URL != "" {
			note.URL = p.URL
		}
		if p.Icon != "" {
			note.Icon = p.Icon
		}
	}
	if err := n.cfg.Display.Show(ctx, note); err != nil {
		return note, fmt.Errorf("show notification: %w", err)
	}
	return note, nil
}

// OnClick focuses an open client of the app and navigates it to target,
// or opens a new client when none is open.
func (n *Notifier) OnClick(ctx context.Context, target string) (Client, error) {
	if strings.TrimSpace(target) == "" {
		target = "/"
	}
	dest := n.resolve(target)

	clients, err := n.cfg.Clients.MatchAll(ctx)
	if err != nil {
		return Client{}, err
	}
	for _, c := range clients {
		if n.sameOrigin(c.URL) {
			return n.cfg.Clients.Navigate(ctx, c.ID, dest)
		}
	}
	return n.cfg.Clients.Open(ctx, dest)
}

// resolve returns target as an origin-relative URI when it points at the
// app, and as an absolute URL otherwise.
func (n *Notifier) resolve(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	abs := n.origin.ResolveReference(u)
	if n.sameOriginURL(abs) {
		abs.Scheme, abs.Host, abs.User = "", "", nil
	}
	return abs.String()
}

func (n *Notifier) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return n.sameOriginURL(n.origin.ResolveReference(u))
}

func (n *Notifier) sameOriginURL(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, n.origin.Scheme) && strings.EqualFold(u.Host, n.origin.Host)
}
