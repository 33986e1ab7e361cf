// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

const mergerDefaultReorderHorizon = 500 * time.Millisecond

// Merger fans in several child event streams into one.
type Merger interface {
	// Merge consumes every channel in sources until all have closed,
	// returning a channel that closes once all input has been merged.
	Merge(ctx context.Context, sources []<-chan Event) <-chan Event
}

// ImmediateMerger forwards the first-ready event from any source,
// reordering across children in exchange for lowest latency.
type ImmediateMerger struct{}

var _ Merger = ImmediateMerger{}

// Merge implements [Merger].
func (ImmediateMerger) Merge(ctx context.Context, sources []<-chan Event) <-chan Event {
	out := make(chan Event)
	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		src := src
		go func() {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-src:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// RoundRobinMerger visits each source in a fixed rotation, taking at
// most one event per source per pass. Used when explicit fairness
// across children is required.
type RoundRobinMerger struct{}

var _ Merger = RoundRobinMerger{}

// Merge implements [Merger].
func (RoundRobinMerger) Merge(ctx context.Context, sources []<-chan Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		active := make([]<-chan Event, len(sources))
		copy(active, sources)
		for len(active) > 0 {
			remaining := active[:0]
			for _, src := range active {
				select {
				case ev, ok := <-src:
					if !ok {
						continue
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					remaining = append(remaining, src)
				case <-ctx.Done():
					return
				default:
					remaining = append(remaining, src)
				}
			}
			active = remaining
			if len(active) > 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return out
}

// PriorityMerger always drains higher-priority (lower-index) sources
// before lower-priority ones when more than one has data ready.
type PriorityMerger struct{}

var _ Merger = PriorityMerger{}

// Merge implements [Merger].
func (PriorityMerger) Merge(ctx context.Context, sources []<-chan Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		open := make([]bool, len(sources))
		for i := range open {
			open[i] = true
		}
		anyOpen := func() bool {
			for _, o := range open {
				if o {
					return true
				}
			}
			return false
		}
		for anyOpen() {
			delivered := false
			for i, src := range sources {
				if !open[i] {
					continue
				}
				select {
				case ev, ok := <-src:
					if !ok {
						open[i] = false
						continue
					}
					select {
					case out <- ev:
						delivered = true
					case <-ctx.Done():
						return
					}
					goto nextPass
				default:
				}
			}
		nextPass:
			if !delivered {
				select {
				case <-time.After(time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// reorderItem is one pending event in a [TimeOrderedMerger]'s heap.
type reorderItem struct {
	ev       Event
	arrival  time.Time
}

type reorderHeap []reorderItem

func (h reorderHeap) Len() int { return len(h) }
func (h reorderHeap) Less(i, j int) bool { return h[i].ev.TimestampNS < h[j].ev.TimestampNS }
func (h reorderHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *reorderHeap) Push(x any)        { *h = append(*h, x.(reorderItem)) }
func (h *reorderHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TimeOrderedMerger sorts events by TimestampNS within a bounded reorder
// window (the merge horizon). Each event is held for the horizon after
// it arrives; held events are released in timestamp order, the earliest
// one first once its horizon has elapsed. An event whose timestamp is
// earlier than that of an event already released is still released, out
// of order, with a diagnostic bit (data.reorder_violation = true). When
// the input closes, every held event is released in timestamp order.
type TimeOrderedMerger struct {
	// Horizon bounds how long an event may wait for an earlier-timestamped
	// sibling before being released. Zero selects the 500 ms default.
	Horizon time.Duration

	// TimeNow returns the current time, used to evaluate the horizon.
	TimeNow func() time.Time
}

var _ Merger = &TimeOrderedMerger{}

func (m *TimeOrderedMerger) horizon() time.Duration {
	if m.Horizon > 0 {
		return m.Horizon
	}
	return mergerDefaultReorderHorizon
}

func (m *TimeOrderedMerger) now() time.Time {
	if m.TimeNow != nil {
		return m.TimeNow()
	}
	return time.Now()
}

// Merge implements [Merger].
func (m *TimeOrderedMerger) Merge(ctx context.Context, sources []<-chan Event) <-chan Event {
	out := make(chan Event)
	merged := ImmediateMerger{}.Merge(ctx, sources)

	go func() {
		defer close(out)
		h := &reorderHeap{}
		heap.Init(h)
		ticker := time.NewTicker(m.horizon() / 4)
		defer ticker.Stop()

		var lastReleasedNS uint64
		released := false
		release := func(force bool) bool {
			now := m.now()
			for h.Len() > 0 {
				item := (*h)[0]
				if !force && now.Sub(item.arrival) < m.horizon() {
					break
				}
				heap.Pop(h)
				ev := item.ev
				if released && ev.TimestampNS < lastReleasedNS {
					ev = ev.WithData(withKey(ev.Data, "reorder_violation", true))
				} else {
					lastReleasedNS, released = ev.TimestampNS, true
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case ev, ok := <-merged:
				if !ok {
					release(true)
					return
				}
				heap.Push(h, reorderItem{ev: ev, arrival: m.now()})
				if !release(false) {
					return
				}
			case <-ticker.C:
				if !release(false) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
