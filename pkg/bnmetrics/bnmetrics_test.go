package bnmetrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestCacheResultAndExposition(t *testing.T) {
	s := New()
	s.CacheResult("attacker", true)
	s.CacheResult("attacker", false)
	s.CacheResult("session", true)
	s.CacheResult("pubkey", false)
	s.CacheResult("unknown-cache", true)

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{
		`blacknet_cache_hits_total{cache="attacker"} 1`,
		`blacknet_cache_misses_total{cache="attacker"} 1`,
		`blacknet_cache_hits_total{cache="session"} 1`,
		`blacknet_cache_misses_total{cache="pubkey"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestObserveLocationBuckets(t *testing.T) {
	s := New()
	s.ObserveLocation(51.5074, -0.1278)
	s.ObserveLocation(51.5074, -0.1278)
	s.ObserveLocation(40.7128, -74.0060)

	if len(s.geo) != 2 {
		t.Fatalf("expected 2 geohash buckets, got %d", len(s.geo))
	}

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), "blacknet_geo_attackers_total") {
		t.Fatalf("expected geo metric in output")
	}
}

func TestCountersIndependentBetweenSets(t *testing.T) {
	a := New()
	b := New()
	a.FramesReceived.Inc()

	var bufA, bufB bytes.Buffer
	a.WritePrometheus(&bufA)
	b.WritePrometheus(&bufB)

	if !strings.Contains(bufA.String(), "blacknet_frames_received_total 1") {
		t.Fatalf("expected set a to observe its own increment")
	}
	if strings.Contains(bufB.String(), "blacknet_frames_received_total 1") {
		t.Fatalf("expected set b to be independent of set a")
	}
}
