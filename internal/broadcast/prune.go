package broadcast

import (
	"sort"
	"time"
)

const (
	// Keep finished runs bounded. Each retained run holds all its records.
	defaultHistoryMax = 20
	defaultHistoryTTL = 24 * time.Hour
)

// Prune drops retained runs older than the TTL, then the oldest ones beyond
// the size cap. It returns the number of runs dropped.
func (s *Service) Prune(now time.Time) int { return s.pruneHistory(now) }

func (s *Service) pruneHistory(now time.Time) int {
	s.mu.Lock()
	max := s.historyMax
	if max <= 0 {
		max = defaultHistoryMax
	}
	ttl := s.historyTTL
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}

	var dropped []*run

	// 1) Drop finished runs older than TTL.
	for id, r := range s.history {
		sum := r.store.Summary()
		if sum.Status == StatusRunning {
			continue
		}
		reference := sum.FinishedAt
		if reference.IsZero() {
			reference = sum.CreatedAt
		}
		if now.Sub(reference) > ttl {
			delete(s.history, id)
			dropped = append(dropped, r)
		}
	}

	// 2) Still too big: drop oldest by creation time.
	if len(s.history) > max {
		type kv struct {
			id string
			t  time.Time
		}
		items := make([]kv, 0, len(s.history))
		for id, r := range s.history {
			items = append(items, kv{id: id, t: r.store.Summary().CreatedAt})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

		excess := len(s.history) - max
		for i := 0; i < excess && i < len(items); i++ {
			dropped = append(dropped, s.history[items[i].id])
			delete(s.history, items[i].id)
		}
	}
	s.mu.Unlock()

	// Release pending receipt timers of evicted runs.
	for _, r := range dropped {
		r.cancel()
	}
	return len(dropped)
}
