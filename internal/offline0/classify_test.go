package offline0

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDefaultTable(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		url  string
		mode RequestMode
		want StrategyTag
	}{
		{"/static/js/main.bundle.js", ModeSubresource, CacheFirst},
		{"/static/media/logo.svg?v=3", ModeSubresource, CacheFirst},
		{"/favicon.ICO", ModeSubresource, CacheFirst},
		{"/api/cols/42", ModeSubresource, NetworkFirst},
		{"/.netlify/functions/list", ModeSubresource, NetworkFirst},
		{"/api/assets/app.js", ModeSubresource, NetworkFirst},
		{"/cols", ModeNavigate, NetworkFirst},
		{"/", ModeNavigate, NetworkFirst},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.url, tt.mode))
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := NewClassifier(nil)
	first := c.Classify("/static/css/site.css", ModeSubresource)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, c.Classify("/static/css/site.css", ModeSubresource))
	}
}

func TestClassifyConfiguredRulesByPriority(t *testing.T) {
	cfg := mustConfig(t, baseConfig+`
strategies:
  - match: PathPrefix(/api/)
    strategy: network-first
    priority: 20
  - match: PathPrefix(/api/static/)
    strategy: cache-first
    priority: 10
  - match: Mode(navigate)
    strategy: cache-first
    priority: 30
`)
	c := NewClassifier(cfg.Strategies)

	assert.Equal(t, CacheFirst, c.Classify("/api/static/a.json", ModeSubresource))
	assert.Equal(t, NetworkFirst, c.Classify("/api/b", ModeSubresource))
	assert.Equal(t, CacheFirst, c.Classify("/page", ModeNavigate))
	assert.Equal(t, NetworkFirst, c.Classify("/page", ModeSubresource), "no rule matches")

	rules := c.Rules()
	if assert.Len(t, rules, 3) {
		assert.Equal(t, "PathPrefix(/api/static/)", rules[0].Match)
	}
}

func TestParseStrategyTag(t *testing.T) {
	tag, err := ParseStrategyTag(" Cache-First ")
	assert.NoError(t, err)
	assert.Equal(t, CacheFirst, tag)

	_, err = ParseStrategyTag("stale-while-revalidate")
	assert.Error(t, err)

	assert.Equal(t, "network-first", NetworkFirst.String())
}

func TestClassifierRuleCarriesOptions(t *testing.T) {
	cfg := mustConfig(t, baseConfig+`
strategies:
  - match: PathPrefix(/api/)
    strategy: network-first
    bypassWhenCookies: [session, token]
`)
	c := NewClassifier(cfg.Strategies)

	r := c.Rule("/api/me", ModeSubresource)
	if assert.NotNil(t, r) {
		assert.Equal(t, []string{"session", "token"}, r.BypassWhenCookies)
	}
	assert.Nil(t, c.Rule("/page", ModeNavigate))
}
