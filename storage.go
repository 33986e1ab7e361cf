//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// The Func-based query surface (AsFunc) is grounded on compose.go's
// Func[A, B] vocabulary, reused here for a point operation instead of a
// streaming one.
//

package agentobserve

import (
	"context"
	"strings"
	"sync"
)

const storageDefaultCapacity = 100_000

// QueryFilter selects a subset of stored events.
type QueryFilter struct {
	Source    string
	RunnerID  string
	Since     uint64
	Until     uint64
	Substring string
	Limit     int
	Offset    int
}

// QueryResult is the result of a [Storage.Query] call.
type QueryResult struct {
	Events []Event
	Total  int
}

// StorageStats summarizes the ring's contents.
type StorageStats struct {
	BySource    map[string]int
	ByRunnerID  map[string]int
	LastEventNS uint64
}

// Storage is a bounded in-memory ring of the last Capacity events, with
// secondary indices by source, runner id, and per-second time bucket.
// Writes are exclusive; queries are shared, guarded by a
// [sync.RWMutex].
type Storage struct {
	// Capacity bounds the ring size. Zero selects the 100,000 default.
	Capacity int

	mu           sync.RWMutex
	ring         []Event
	next         int
	count        int
	totalWritten int

	bySource   map[string][]int
	byRunnerID map[string][]int
	byBucket   map[uint64][]int

	subscribers []chan Event
	evicted     int
}

// NewStorage returns a [*Storage] with the given capacity (0 selects the
// default of 100,000).
func NewStorage(capacity int) *Storage {
	if capacity <= 0 {
		capacity = storageDefaultCapacity
	}
	return &Storage{
		Capacity:   capacity,
		ring:       make([]Event, capacity),
		bySource:   make(map[string][]int),
		byRunnerID: make(map[string][]int),
		byBucket:   make(map[uint64][]int),
	}
}

// Append inserts ev into the ring, evicting the oldest event if full.
// Eviction is silent by design (see [ErrorKindStorageEvicted]): the
// eviction count is kept internally and is not reported by Stats.
func (s *Storage) Append(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.next
	if s.count == len(s.ring) {
		s.evictLocked(slot)
		s.evicted++
	} else {
		s.count++
	}
	s.ring[slot] = ev
	s.next = (s.next + 1) % len(s.ring)
	s.totalWritten++

	s.bySource[ev.Source] = append(s.bySource[ev.Source], slot)
	if runnerID, ok := ev.Data["runner_source"].(string); ok {
		s.byRunnerID[runnerID] = append(s.byRunnerID[runnerID], slot)
	}
	bucket := ev.TimestampNS / 1_000_000_000
	s.byBucket[bucket] = append(s.byBucket[bucket], slot)

	for _, sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// evictLocked removes the index entries for the event about to be
// overwritten at slot. Callers must hold s.mu.
func (s *Storage) evictLocked(slot int) {
	old := s.ring[slot]
	s.bySource[old.Source] = removeIndex(s.bySource[old.Source], slot)
	if runnerID, ok := old.Data["runner_source"].(string); ok {
		s.byRunnerID[runnerID] = removeIndex(s.byRunnerID[runnerID], slot)
	}
	bucket := old.TimestampNS / 1_000_000_000
	s.byBucket[bucket] = removeIndex(s.byBucket[bucket], slot)
}

func removeIndex(slots []int, slot int) []int {
	for i, s := range slots {
		if s == slot {
			return append(slots[:i], slots[i+1:]...)
		}
	}
	return slots
}

// Query returns events matching filter, applying Limit/Offset.
func (s *Storage) Query(filter QueryFilter) QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.candidateSlots(filter)
	var matched []Event
	for _, slot := range candidates {
		ev := s.ring[slot]
		if !s.matches(ev, filter) {
			continue
		}
		matched = append(matched, ev)
	}

	total := len(matched)
	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else if filter.Offset >= len(matched) {
		matched = nil
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return QueryResult{Events: matched, Total: total}
}

// candidateSlots picks the smaller of the runner-id and source indices
// the filter names (matches checks the remaining conditions), or every
// slot when it names neither. The time-bucket index is not consulted.
func (s *Storage) candidateSlots(filter QueryFilter) []int {
	switch {
	case filter.RunnerID != "":
		slots := s.byRunnerID[filter.RunnerID]
		if filter.Source != "" && len(s.bySource[filter.Source]) < len(slots) {
			return s.bySource[filter.Source]
		}
		return slots
	case filter.Source != "":
		return s.bySource[filter.Source]
	default:
		slots := make([]int, 0, s.count)
		for i := 0; i < s.count; i++ {
			slots = append(slots, i)
		}
		return slots
	}
}

func (s *Storage) matches(ev Event, filter QueryFilter) bool {
	if filter.Source != "" && ev.Source != filter.Source {
		return false
	}
	if filter.RunnerID != "" {
		runnerID, _ := ev.Data["runner_source"].(string)
		if runnerID != filter.RunnerID {
			return false
		}
	}
	if filter.Since != 0 && ev.TimestampNS < filter.Since {
		return false
	}
	if filter.Until != 0 && ev.TimestampNS > filter.Until {
		return false
	}
	if filter.Substring != "" {
		raw, err := ev.MarshalJSON()
		if err != nil || !strings.Contains(string(raw), filter.Substring) {
			return false
		}
	}
	return true
}

// Stats summarizes the ring's contents.
func (s *Storage) Stats() StorageStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StorageStats{
		BySource:   make(map[string]int, len(s.bySource)),
		ByRunnerID: make(map[string]int, len(s.byRunnerID)),
	}
	for source, slots := range s.bySource {
		stats.BySource[source] = len(slots)
	}
	for runnerID, slots := range s.byRunnerID {
		stats.ByRunnerID[runnerID] = len(slots)
	}
	if s.count > 0 {
		lastSlot := (s.next - 1 + len(s.ring)) % len(s.ring)
		stats.LastEventNS = s.ring[lastSlot].TimestampNS
	}
	return stats
}

// Len returns min(Capacity, total events appended since start).
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Subscribe registers a channel that receives every newly appended event
// on a best-effort basis (a slow subscriber misses events rather than
// blocking Append). The returned function unregisters it.
func (s *Storage) Subscribe(ch chan Event) (unsubscribe func()) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subscribers {
			if sub == ch {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

// AsFunc exposes Query as a [Func], so query predicates can be composed
// with [Compose2] the way point operations elsewhere in this package are.
func (s *Storage) AsFunc() Func[QueryFilter, QueryResult] {
	return FuncAdapter[QueryFilter, QueryResult](func(_ context.Context, filter QueryFilter) (QueryResult, error) {
		return s.Query(filter), nil
	})
}
