package offline0

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Listen string `yaml:"listen"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	// Generation tags every cache namespace this build writes. Changing it
	// on deploy rotates the cache.
	Generation string `yaml:"generation"`

	Cache struct {
		Prefix string `yaml:"prefix"`
	} `yaml:"cache"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Entries  int      `yaml:"entries"`
			MaxEntry ByteSize `yaml:"maxEntry"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Transport struct {
		Timeout string   `yaml:"timeout"`
		MaxBody ByteSize `yaml:"maxBody"`

		timeoutDur time.Duration
	} `yaml:"transport"`

	Precache struct {
		URLs         []string `yaml:"urls"`
		ManifestFile string   `yaml:"manifestFile"`
		Concurrency  int      `yaml:"concurrency"`

		manifest []string
	} `yaml:"precache"`

	Offline struct {
		Document string `yaml:"document"`
	} `yaml:"offline"`

	Intercept struct {
		Bypass []string `yaml:"bypass"`
	} `yaml:"intercept"`

	Strategies []StrategyRule `yaml:"strategies"`

	Outbox struct {
		DefaultTag string        `yaml:"defaultTag"`
		Routes     []OutboxRoute `yaml:"routes"`
	} `yaml:"outbox"`

	Notify struct {
		DefaultTitle string `yaml:"defaultTitle"`
		Icon         string `yaml:"icon"`
		InboxSize    int    `yaml:"inboxSize"`
	} `yaml:"notify"`

	Connectivity struct {
		ProbeURL   string `yaml:"probeURL"`
		ProbeEvery string `yaml:"probeEvery"`

		probeEveryDur time.Duration
	} `yaml:"connectivity"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		Output     string `yaml:"output"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// StrategyRule is one row of the classification table.
type StrategyRule struct {
	Match    string `yaml:"match"`
	Strategy string `yaml:"strategy"`
	Priority int    `yaml:"priority"`

	// BypassWhenCookies sends requests carrying any of these cookies
	// straight to the origin, uncached.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []matcher
	tag      StrategyTag
}

func (r *StrategyRule) Matches(path string, mode RequestMode) bool {
	return anyMatch(r.matchers, path, mode)
}

// OutboxRoute assigns queued mutations under Match to the outbox Tag.
type OutboxRoute struct {
	Match string `yaml:"match"`
	Tag   string `yaml:"tag"`

	matchers []matcher
}

func (r *OutboxRoute) Matches(path string) bool {
	return anyMatch(r.matchers, path, ModeSubresource)
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return Config{}, err
	}
	if cfg.Precache.ManifestFile != "" {
		mf := cfg.Precache.ManifestFile
		if !filepath.IsAbs(mf) {
			mf = filepath.Join(filepath.Dir(path), mf)
		}
		urls, err := loadManifestFile(mf)
		if err != nil {
			return Config{}, fmt.Errorf("precache.manifestFile: %w", err)
		}
		cfg.Precache.manifest = mergeManifest(cfg.Precache.manifest, urls)
	}
	return cfg, nil
}

// ParseConfig decodes YAML, fills defaults and compiles rule tables.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = fmt.Sprintf(":%d", cfg.Server.Port)
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Generation = strings.TrimSpace(cfg.Generation)
	if cfg.Generation == "" {
		return fmt.Errorf("generation is required")
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "offline0"
	}
	if strings.Contains(cfg.Cache.Prefix, "\x00") || strings.Contains(cfg.Generation, "\x00") {
		return fmt.Errorf("cache.prefix and generation must not contain NUL")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	if cfg.Storage.RAM.Entries == 0 {
		cfg.Storage.RAM.Entries = 4096
	}
	if cfg.Storage.RAM.MaxEntry == 0 {
		cfg.Storage.RAM.MaxEntry = 1 << 20
	}
	if cfg.Transport.MaxBody == 0 {
		cfg.Transport.MaxBody = 32 << 20
	}
	if cfg.Precache.Concurrency <= 0 {
		cfg.Precache.Concurrency = 8
	}
	if cfg.Offline.Document == "" {
		cfg.Offline.Document = "/offline.html"
	}
	if cfg.Intercept.Bypass == nil {
		cfg.Intercept.Bypass = []string{"/api/auth/", "/.netlify/identity/"}
	}
	if cfg.Outbox.DefaultTag == "" {
		cfg.Outbox.DefaultTag = "sync-requests"
	}
	if cfg.Notify.DefaultTitle == "" {
		cfg.Notify.DefaultTitle = "New notification"
	}
	if cfg.Notify.InboxSize <= 0 {
		cfg.Notify.InboxSize = 100
	}

	var err error
	if cfg.Transport.timeoutDur, err = parseDurationDefault(cfg.Transport.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("transport.timeout: %w", err)
	}
	if cfg.Connectivity.probeEveryDur, err = parseDurationDefault(cfg.Connectivity.ProbeEvery, 0); err != nil {
		return fmt.Errorf("connectivity.probeEvery: %w", err)
	}
	if cfg.Logging.statsEveryDur, err = parseDurationDefault(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	if cfg.Connectivity.probeEveryDur > 0 && cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = "/"
	}

	for i, p := range cfg.Intercept.Bypass {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("intercept.bypass[%d]: prefix %q must start with /", i, p)
		}
	}

	for i := range cfg.Strategies {
		r := &cfg.Strategies[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("strategies[%d].match: %w", i, err)
		}
		r.matchers = ms
		tag, err := ParseStrategyTag(r.Strategy)
		if err != nil {
			return fmt.Errorf("strategies[%d].strategy: %w", i, err)
		}
		r.tag = tag
	}
	sort.SliceStable(cfg.Strategies, func(i, j int) bool {
		return cfg.Strategies[i].Priority < cfg.Strategies[j].Priority
	})

	for i := range cfg.Outbox.Routes {
		r := &cfg.Outbox.Routes[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("outbox.routes[%d].match: %w", i, err)
		}
		if strings.TrimSpace(r.Tag) == "" {
			return fmt.Errorf("outbox.routes[%d].tag is required", i)
		}
		r.matchers = ms
	}

	cfg.Precache.manifest = mergeManifest(nil, cfg.Precache.URLs)
	return nil
}

// Manifest is the full precache list: configured URLs, manifest file
// entries and the offline document, deduplicated in first-seen order.
func (cfg *Config) Manifest() []string {
	return mergeManifest(cfg.Precache.manifest, []string{cfg.Offline.Document})
}

// OutboxTags lists every tag a queued mutation can be filed under.
func (cfg *Config) OutboxTags() []string {
	seen := map[string]struct{}{cfg.Outbox.DefaultTag: {}}
	out := []string{cfg.Outbox.DefaultTag}
	for _, r := range cfg.Outbox.Routes {
		if _, ok := seen[r.Tag]; ok {
			continue
		}
		seen[r.Tag] = struct{}{}
		out = append(out, r.Tag)
	}
	return out
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func mergeManifest(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, u := range list {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			u = normalizeURL(u)
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// loadManifestFile reads either a JSON array of URLs or a build asset
// manifest of the form {"files": {"main.js": "/static/js/main.js", ...}}.
func loadManifestFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		return list, nil
	}
	var am struct {
		Files map[string]string `json:"files"`
	}
	if err := json.Unmarshal(b, &am); err != nil {
		return nil, fmt.Errorf("%s: neither a URL list nor an asset manifest: %w", path, err)
	}
	out := make([]string, 0, len(am.Files))
	for _, u := range am.Files {
		if strings.HasPrefix(u, "/") {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out, nil
}

type matcher interface {
	Match(path string, mode RequestMode) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string, _ RequestMode) bool {
	return strings.HasPrefix(path, m.Prefix)
}

type suffixMatcher struct{ Suffix string }

func (m suffixMatcher) Match(path string, _ RequestMode) bool {
	return strings.HasSuffix(strings.ToLower(path), m.Suffix)
}

type modeMatcher struct{ Mode RequestMode }

func (m modeMatcher) Match(_ string, mode RequestMode) bool { return mode == m.Mode }

func anyMatch(ms []matcher, path string, mode RequestMode) bool {
	for _, m := range ms {
		if m.Match(path, mode) {
			return true
		}
	}
	return false
}

// parseMatch compiles "PathPrefix(/a/) | Suffix(.png) | Mode(navigate)".
func parseMatch(expr string) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected Func(arg), got %q", p)
		}
		fn := p[:open]
		arg := strings.TrimSpace(p[open+1 : len(p)-1])
		if arg == "" {
			return nil, fmt.Errorf("%s: empty argument", fn)
		}
		switch fn {
		case "PathPrefix":
			if !strings.HasPrefix(arg, "/") {
				return nil, fmt.Errorf("invalid prefix %q", arg)
			}
			out = append(out, pathPrefixMatcher{Prefix: arg})
		case "Suffix":
			out = append(out, suffixMatcher{Suffix: strings.ToLower(arg)})
		case "Mode":
			switch RequestMode(arg) {
			case ModeNavigate, ModeSubresource:
				out = append(out, modeMatcher{Mode: RequestMode(arg)})
			default:
				return nil, fmt.Errorf("unknown mode %q", arg)
			}
		default:
			return nil, fmt.Errorf("only PathPrefix, Suffix and Mode are supported, got %q", fn)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}
