// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"context"
	"log/slog"
)

const (
	rateLimitMaxPIDs          = 256
	rateLimitMaxDistinctPerSec = 30
)

// rateLimitState tracks one pid's current-second distinct-open budget.
type rateLimitState struct {
	currentSecond uint64
	distinctCount int
	warnFlag      bool
	lastUsed      uint64
}

// RateLimitAnalyzer caps the rate of file_open passthrough events per
// pid to MaxDistinctPerSecond distinct opens within any 1-second bucket
// (bucketed by timestamp_ns / 1e9). Events past the cap are dropped.
// When a pid's bucket rolls over after having been capped, the first
// event of the new bucket carries a rate_limit_warning flag.
type RateLimitAnalyzer struct {
	// MaxDistinctPerSecond caps distinct file_open events per pid per
	// second. Zero selects the 30 default.
	MaxDistinctPerSecond int

	// MaxPIDs caps the number of tracked pids; the least-recently-used
	// pid is evicted to make room. Zero selects the 256 default.
	MaxPIDs int

	// Logger is the [SLogger] to use.
	Logger SLogger

	states map[int]*rateLimitState
	clock  uint64
}

var _ Analyzer = &RateLimitAnalyzer{}

// NewRateLimitAnalyzer returns a [*RateLimitAnalyzer] with defaults.
func NewRateLimitAnalyzer(logger SLogger) *RateLimitAnalyzer {
	return &RateLimitAnalyzer{
		MaxDistinctPerSecond: rateLimitMaxDistinctPerSec,
		MaxPIDs:              rateLimitMaxPIDs,
		Logger:               logger,
		states:               make(map[int]*rateLimitState),
	}
}

// Name implements [Analyzer].
func (a *RateLimitAnalyzer) Name() string {
	return "rate_limit"
}

func (a *RateLimitAnalyzer) maxDistinct() int {
	if a.MaxDistinctPerSecond > 0 {
		return a.MaxDistinctPerSecond
	}
	return rateLimitMaxDistinctPerSec
}

func (a *RateLimitAnalyzer) maxPIDs() int {
	if a.MaxPIDs > 0 {
		return a.MaxPIDs
	}
	return rateLimitMaxPIDs
}

// Process implements [Analyzer].
func (a *RateLimitAnalyzer) Process(ctx context.Context, in <-chan Event, out chan<- Event) error {
	if a.states == nil {
		a.states = make(map[int]*rateLimitState)
	}
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.handle(ctx, out, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *RateLimitAnalyzer) handle(ctx context.Context, out chan<- Event, ev Event) error {
	eventType, _ := ev.Data["event"].(string)
	if ev.Source != "process" || eventType != "FILE_OPEN" {
		return emitTo(ctx, out, ev)
	}
	if aggregated, _ := ev.Data["aggregated"].(bool); aggregated {
		return emitTo(ctx, out, ev)
	}

	bucket := ev.TimestampNS / 1_000_000_000

	state, ok := a.states[ev.PID]
	if !ok {
		if len(a.states) >= a.maxPIDs() {
			a.evictLRU()
		}
		state = &rateLimitState{currentSecond: bucket}
		a.states[ev.PID] = state
	}
	a.clock++
	state.lastUsed = a.clock

	if bucket != state.currentSecond {
		wasWarned := state.warnFlag
		state.currentSecond = bucket
		state.distinctCount = 0
		state.warnFlag = false
		if wasWarned {
			ev = ev.WithData(withKey(ev.Data, "rate_limit_warning", true))
		}
	}

	state.distinctCount++
	if state.distinctCount > a.maxDistinct() {
		state.warnFlag = true
		a.Logger.Info("rateLimitDropped", slog.Int("pid", ev.PID), slog.Int("count", state.distinctCount))
		return nil
	}
	return emitTo(ctx, out, ev)
}

func (a *RateLimitAnalyzer) evictLRU() {
	var lruPID int
	var lru *rateLimitState
	for pid, state := range a.states {
		if lru == nil || state.lastUsed < lru.lastUsed {
			lruPID, lru = pid, state
		}
	}
	if lru != nil {
		delete(a.states, lruPID)
	}
}

// withKey returns a shallow copy of data with key set to value, leaving
// the original map untouched (events must not be mutated in place).
func withKey(data map[string]any, key string, value any) map[string]any {
	copied := make(map[string]any, len(data)+1)
	for k, v := range data {
		copied[k] = v
	}
	copied[key] = value
	return copied
}

// Flush implements [Analyzer]. Rate limit state does not buffer events;
// nothing to flush.
func (a *RateLimitAnalyzer) Flush(ctx context.Context, out chan<- Event) error {
	return nil
}
