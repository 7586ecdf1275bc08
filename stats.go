// stats.go: lightweight operation counters and cached-time bookkeeping
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package replay

import (
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// stats holds atomic operation counters plus a millisecond-resolution
// cached clock: rather than paying a syscall per operation, activity
// stamps read a background-refreshed cached time instead of calling
// time.Now() directly.
type stats struct {
	adds          atomic.Uint64
	samples       atomic.Uint64
	evictions     atomic.Uint64
	prefetchHits  atomic.Uint64
	prefetchMiss  atomic.Uint64
	lastAddMillis atomic.Int64
	lastSampMilli atomic.Int64

	clock *timecache.TimeCache
}

func newStats() *stats {
	return &stats{clock: timecache.NewWithResolution(time.Millisecond)}
}

func (s *stats) recordAdd(n int, evicted int) {
	s.adds.Add(uint64(n))
	if evicted > 0 {
		s.evictions.Add(uint64(evicted))
	}
	s.lastAddMillis.Store(s.clock.CachedTime().UnixMilli())
}

func (s *stats) recordSample(prefetched bool) {
	s.samples.Add(1)
	if prefetched {
		s.prefetchHits.Add(1)
	} else {
		s.prefetchMiss.Add(1)
	}
	s.lastSampMilli.Store(s.clock.CachedTime().UnixMilli())
}

func (s *stats) Close() {
	s.clock.Stop()
}

// Stats is a point-in-time snapshot of buffer activity counters.
type Stats struct {
	Adds                uint64
	Samples             uint64
	Evictions           uint64
	PrefetchHits        uint64
	PrefetchMisses      uint64
	LastAddUnixMilli    int64
	LastSampleUnixMilli int64
}

func (s *stats) Snapshot() Stats {
	return Stats{
		Adds:                s.adds.Load(),
		Samples:             s.samples.Load(),
		Evictions:           s.evictions.Load(),
		PrefetchHits:        s.prefetchHits.Load(),
		PrefetchMisses:      s.prefetchMiss.Load(),
		LastAddUnixMilli:    s.lastAddMillis.Load(),
		LastSampleUnixMilli: s.lastSampMilli.Load(),
	}
}
