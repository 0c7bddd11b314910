// Package bnmetrics exposes VictoriaMetrics-backed counters and gauges for
// the sensor and master, in the same style as the rest of the stack's
// WritePrometheus helpers, plus a geohash-bucketed breakdown of attacker
// locations, exposed alongside the other metrics by WritePrometheus.
package bnmetrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/mmcloughlin/geohash"
)

// Set is a private metrics namespace so multiple sensors/masters in the
// same process (e.g. in tests) don't collide on the global registry.
type Set struct {
	set *metrics.Set

	FramesReceived  *metrics.Counter
	IngestDropped   *metrics.Counter
	IngestAccepted  *metrics.Counter
	DBRetries       *metrics.Counter
	AcceptorAccepts *metrics.Counter
	AcceptorTimeout *metrics.Counter

	atkCacheHit  *metrics.Counter
	atkCacheMiss *metrics.Counter
	sesCacheHit  *metrics.Counter
	sesCacheMiss *metrics.Counter
	keyCacheHit  *metrics.Counter
	keyCacheMiss *metrics.Counter

	geo map[string]*metrics.Counter
}

// New creates a fresh, independent metrics set.
func New() *Set {
	s := &Set{set: metrics.NewSet(), geo: map[string]*metrics.Counter{}}
	s.FramesReceived = s.set.NewCounter(`blacknet_frames_received_total`)
	s.IngestDropped = s.set.NewCounter(`blacknet_ingest_dropped_total`)
	s.IngestAccepted = s.set.NewCounter(`blacknet_ingest_accepted_total`)
	s.DBRetries = s.set.NewCounter(`blacknet_db_retries_total`)
	s.AcceptorAccepts = s.set.NewCounter(`blacknet_acceptor_accepts_total`)
	s.AcceptorTimeout = s.set.NewCounter(`blacknet_acceptor_timeouts_total`)
	s.atkCacheHit = s.set.NewCounter(`blacknet_cache_hits_total{cache="attacker"}`)
	s.atkCacheMiss = s.set.NewCounter(`blacknet_cache_misses_total{cache="attacker"}`)
	s.sesCacheHit = s.set.NewCounter(`blacknet_cache_hits_total{cache="session"}`)
	s.sesCacheMiss = s.set.NewCounter(`blacknet_cache_misses_total{cache="session"}`)
	s.keyCacheHit = s.set.NewCounter(`blacknet_cache_hits_total{cache="pubkey"}`)
	s.keyCacheMiss = s.set.NewCounter(`blacknet_cache_misses_total{cache="pubkey"}`)
	return s
}

// CacheResult records a cache lookup outcome for one of the three per-worker
// ingest caches.
func (s *Set) CacheResult(cache string, hit bool) {
	var c *metrics.Counter
	switch cache {
	case "attacker":
		c = pick(hit, s.atkCacheHit, s.atkCacheMiss)
	case "session":
		c = pick(hit, s.sesCacheHit, s.sesCacheMiss)
	case "pubkey":
		c = pick(hit, s.keyCacheHit, s.keyCacheMiss)
	default:
		return
	}
	c.Inc()
}

func pick(hit bool, onHit, onMiss *metrics.Counter) *metrics.Counter {
	if hit {
		return onHit
	}
	return onMiss
}

// ObserveLocation buckets an attacker's coordinates into a 6-character
// geohash for the geo metrics breakdown. Never record per-IP data here;
// the bucket is the smallest unit of aggregation exposed.
func (s *Set) ObserveLocation(lat, lon float64) {
	bucket := geohash.EncodeWithPrecision(lat, lon, 6)
	c, ok := s.geo[bucket]
	if !ok {
		c = s.set.NewCounter(`blacknet_geo_attackers_total{geohash="` + bucket + `"}`)
		s.geo[bucket] = c
	}
	c.Inc()
}

// WritePrometheus writes all metrics in this set in Prometheus text
// exposition format.
func (s *Set) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}
