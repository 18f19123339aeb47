package offline0

import (
	"fmt"
	"strings"
)

type StrategyTag int

const (
	NetworkFirst StrategyTag = iota
	CacheFirst
)

func (t StrategyTag) String() string {
	switch t {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	}
	return fmt.Sprintf("strategy(%d)", int(t))
}

func ParseStrategyTag(s string) (StrategyTag, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cache-first", "cachefirst":
		return CacheFirst, nil
	case "network-first", "networkfirst":
		return NetworkFirst, nil
	}
	return NetworkFirst, fmt.Errorf("unknown strategy %q", s)
}

var staticSuffixes = []string{
	".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
	".woff", ".woff2", ".ttf", ".otf", ".map",
}

// DefaultStrategies is used when the config names no strategies: API and
// function calls prefer freshness, static assets prefer availability.
func DefaultStrategies() []StrategyRule {
	api := []matcher{
		pathPrefixMatcher{Prefix: "/api/"},
		pathPrefixMatcher{Prefix: "/.netlify/functions/"},
	}
	static := []matcher{pathPrefixMatcher{Prefix: "/static/"}}
	for _, s := range staticSuffixes {
		static = append(static, suffixMatcher{Suffix: s})
	}
	return []StrategyRule{
		{Match: "api", Strategy: NetworkFirst.String(), matchers: api, tag: NetworkFirst},
		{Match: "static", Strategy: CacheFirst.String(), matchers: static, tag: CacheFirst},
	}
}

// Classifier maps a request URL to a strategy by walking an ordered rule
// table; the first matching rule wins and NetworkFirst is the fallback.
type Classifier struct {
	rules []StrategyRule
}

func NewClassifier(rules []StrategyRule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultStrategies()
	}
	out := make([]StrategyRule, len(rules))
	copy(out, rules)
	return &Classifier{rules: out}
}

func (c *Classifier) Classify(rawURL string, mode RequestMode) StrategyTag {
	if r := c.Rule(rawURL, mode); r != nil {
		return r.tag
	}
	return NetworkFirst
}

// Rule returns the first matching rule, or nil when the fallback applies.
func (c *Classifier) Rule(rawURL string, mode RequestMode) *StrategyRule {
	path := urlPath(rawURL)
	for i := range c.rules {
		if c.rules[i].Matches(path, mode) {
			return &c.rules[i]
		}
	}
	return nil
}

// Rules returns the table in evaluation order.
func (c *Classifier) Rules() []StrategyRule {
	out := make([]StrategyRule, len(c.rules))
	copy(out, c.rules)
	return out
}
