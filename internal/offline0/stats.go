package offline0

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// statsCollector counts intercepted responses by where they came from. It
// backs the periodic summary log line; Prometheus gets the labelled view.
type statsCollector struct {
	network     atomic.Uint64
	cache       atomic.Uint64
	offline     atomic.Uint64
	unavailable atomic.Uint64
	queued      atomic.Uint64
	bytesServed atomic.Uint64
}

func newStatsCollector() *statsCollector { return &statsCollector{} }

func (s *statsCollector) Observe(resp Response) {
	if s == nil {
		return
	}
	switch resp.Source {
	case SourceNetwork:
		s.network.Add(1)
	case SourceCache:
		s.cache.Add(1)
	case SourceOffline:
		s.offline.Add(1)
	case SourceUnavailable:
		s.unavailable.Add(1)
	case SourceQueued:
		s.queued.Add(1)
	}
	s.bytesServed.Add(uint64(len(resp.Body)))
}

type statsSnapshot struct {
	Network, Cache, Offline, Unavailable, Queued uint64
	BytesServed                                  uint64
}

// HitRatio is the share of cache-served responses among those that had a
// definite source, in percent.
func (ss statsSnapshot) HitRatio() float64 {
	total := ss.Network + ss.Cache + ss.Offline + ss.Unavailable
	if total == 0 {
		return 0
	}
	return 100 * float64(ss.Cache+ss.Offline) / float64(total)
}

func (s *statsCollector) Snapshot() statsSnapshot {
	return statsSnapshot{
		Network:     s.network.Load(),
		Cache:       s.cache.Load(),
		Offline:     s.offline.Load(),
		Unavailable: s.unavailable.Load(),
		Queued:      s.queued.Load(),
		BytesServed: s.bytesServed.Load(),
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
