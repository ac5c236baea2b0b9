package statesync

import (
	"context"
	"time"

	"github.com/banshee-data/posesync/internal/timeutil"
)

// Run calls Frame every interval until ctx ends, taking frame times from
// clock (the wall clock if nil). Frame statistics are logged periodically.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration, clock timeutil.Clock) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	lastStats := time.Now()
	var lastFrames uint64
	var lastStatsCache CacheStats
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			pushed := s.Frame(clock.Now())

			if elapsed := time.Since(lastStats); elapsed >= s.stats {
				s.frameMu.Lock()
				frames := s.frameCount
				cache := s.cache.stats()
				sessions := len(s.sessions)
				subs := s.subscriptionCount()
				s.frameMu.Unlock()

				fps := float64(frames-lastFrames) / elapsed.Seconds()
				s.logf("Stats: fps=%.1f sessions=%d subscriptions=%d pushed=%d cache_hits=%d cache_misses=%d",
					fps, sessions, subs, len(pushed),
					cache.Hits-lastStatsCache.Hits, cache.Misses-lastStatsCache.Misses)
				lastStats = time.Now()
				lastFrames = frames
				lastStatsCache = cache
			}
		}
	}
}
