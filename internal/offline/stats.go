package offline

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pdfhub-offline/internal/logger"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	outcomes map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one response served under the given cache outcome.
func (s *statsCollector) Observe(outcome string, respBytes int) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64            `json:"totalResponses"`
	TotalRespBytes uint64            `json:"totalRespBytes"`
	MinRespBytes   uint64            `json:"minRespBytes"`
	MaxRespBytes   uint64            `json:"maxRespBytes"`
	AvgRespBytes   uint64            `json:"avgRespBytes"`
	Outcomes       map[string]uint64 `json:"outcomes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	outcomes := make(map[string]uint64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{Outcomes: outcomes}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	total := s.totalRespBytes.Load()
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
		Outcomes:       outcomes,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	rss := "n/a"
	if b, ok := processRSSBytes(); ok {
		rss = formatBytes(b)
		if anon, ok := processAnonBytes(); ok {
			rss += " (anon " + formatBytes(anon) + ")"
		}
	}
	logger.Info(
		"Cached: entries %d, RAM %d/%s, disk %s, RSS %s, resp min/avg/max %s/%s/%s, outcomes %s, queue %d",
		s.store.EntryCount(),
		s.store.RAMEntries(),
		formatBytes(uint64(s.store.RAMSize())),
		formatBytes(uint64(s.store.TotalSize())),
		rss,
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
		formatOutcomes(ss.Outcomes),
		s.queue.Len(),
	)
}

func formatOutcomes(m map[string]uint64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatCount(m[k]))
	}
	return strings.Join(parts, " ")
}
