// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"context"
	"log/slog"
	"time"
)

const (
	dedupMaxEntries      = 1024
	dedupEvictionWindow  = 60 * time.Second
	dedupSweepInterval   = time.Second
)

// dedupKey identifies one file-open dedup entry.
type dedupKey struct {
	pid      int
	filepath string
}

// dedupEntry tracks repeated opens of one (pid, filepath).
type dedupEntry struct {
	count        int
	firstSeenNS  uint64
	lastActivity time.Time
	comm         string
}

// DedupAnalyzer collapses repeated file_open events per (pid, filepath)
// into counted aggregates. exec and exit events pass through unchanged;
// process exit flushes all dedup entries for that pid immediately.
//
// The table holds at most MaxEntries entries; when full, the oldest
// entry (by last activity) is evicted to make room, mirroring the
// time-based eviction sweep.
type DedupAnalyzer struct {
	// MaxEntries caps the table size. Zero selects the 1024 default.
	MaxEntries int

	// EvictionWindow is how long an entry may go without a repeat open
	// before it is evicted. Zero selects the 60 s default.
	EvictionWindow time.Duration

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow returns the current time, used only for the eviction sweep.
	TimeNow func() time.Time

	entries map[dedupKey]*dedupEntry
}

var _ Analyzer = &DedupAnalyzer{}

// NewDedupAnalyzer returns a [*DedupAnalyzer] with defaults wired from
// cfg and logger.
func NewDedupAnalyzer(cfg *Config, logger SLogger) *DedupAnalyzer {
	return &DedupAnalyzer{
		MaxEntries:     dedupMaxEntries,
		EvictionWindow: dedupEvictionWindow,
		Logger:         logger,
		TimeNow:        cfg.TimeNow,
		entries:        make(map[dedupKey]*dedupEntry),
	}
}

// Name implements [Analyzer].
func (a *DedupAnalyzer) Name() string {
	return "process_dedup"
}

func (a *DedupAnalyzer) maxEntries() int {
	if a.MaxEntries > 0 {
		return a.MaxEntries
	}
	return dedupMaxEntries
}

func (a *DedupAnalyzer) evictionWindow() time.Duration {
	if a.EvictionWindow > 0 {
		return a.EvictionWindow
	}
	return dedupEvictionWindow
}

func (a *DedupAnalyzer) now() time.Time {
	if a.TimeNow != nil {
		return a.TimeNow()
	}
	return time.Now()
}

// Process implements [Analyzer].
func (a *DedupAnalyzer) Process(ctx context.Context, in <-chan Event, out chan<- Event) error {
	if a.entries == nil {
		a.entries = make(map[dedupKey]*dedupEntry)
	}
	ticker := time.NewTicker(dedupSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.handle(ctx, out, ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := a.sweepExpired(ctx, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *DedupAnalyzer) handle(ctx context.Context, out chan<- Event, ev Event) error {
	if ev.Source != "process" {
		return emitTo(ctx, out, ev)
	}
	eventType, _ := ev.Data["event"].(string)

	switch eventType {
	case "FILE_OPEN":
		return a.handleFileOpen(ctx, out, ev)
	case "EXIT":
		if err := emitTo(ctx, out, ev); err != nil {
			return err
		}
		return a.flushPID(ctx, out, ev.PID)
	default:
		return emitTo(ctx, out, ev)
	}
}

func (a *DedupAnalyzer) handleFileOpen(ctx context.Context, out chan<- Event, ev Event) error {
	path, _ := ev.Data["filepath"].(string)
	key := dedupKey{pid: ev.PID, filepath: path}

	if entry, ok := a.entries[key]; ok {
		entry.count++
		entry.lastActivity = a.now()
		return nil
	}

	if len(a.entries) >= a.maxEntries() {
		a.evictOldest(ctx, out)
	}
	a.entries[key] = &dedupEntry{
		count:        1,
		firstSeenNS:  ev.TimestampNS,
		lastActivity: a.now(),
		comm:         ev.Comm,
	}
	return emitTo(ctx, out, ev)
}

func (a *DedupAnalyzer) evictOldest(ctx context.Context, out chan<- Event) {
	var oldestKey dedupKey
	var oldest *dedupEntry
	for key, entry := range a.entries {
		if oldest == nil || entry.lastActivity.Before(oldest.lastActivity) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest == nil {
		return
	}
	delete(a.entries, oldestKey)
	if oldest.count >= 2 {
		_ = a.emitAggregate(ctx, out, oldestKey, oldest)
	}
}

func (a *DedupAnalyzer) sweepExpired(ctx context.Context, out chan<- Event) error {
	now := a.now()
	for key, entry := range a.entries {
		if now.Sub(entry.lastActivity) < a.evictionWindow() {
			continue
		}
		delete(a.entries, key)
		if entry.count >= 2 {
			if err := a.emitAggregate(ctx, out, key, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *DedupAnalyzer) flushPID(ctx context.Context, out chan<- Event, pid int) error {
	for key, entry := range a.entries {
		if key.pid != pid {
			continue
		}
		delete(a.entries, key)
		if entry.count >= 2 {
			if err := a.emitAggregate(ctx, out, key, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *DedupAnalyzer) emitAggregate(ctx context.Context, out chan<- Event, key dedupKey, entry *dedupEntry) error {
	a.Logger.Info(
		"fileOpenAggregated",
		slog.Int("pid", key.pid),
		slog.String("filepath", key.filepath),
		slog.Int("count", entry.count),
	)
	ev := NewEvent(entry.firstSeenNS, "process", key.pid, entry.comm, map[string]any{
		"event":    "FILE_OPEN",
		"filepath": key.filepath,
		"count":    entry.count,
		"aggregated": true,
	})
	return emitTo(ctx, out, ev)
}

// Flush implements [Analyzer], emitting aggregates for every entry still
// held when the input stream terminates.
func (a *DedupAnalyzer) Flush(ctx context.Context, out chan<- Event) error {
	for key, entry := range a.entries {
		delete(a.entries, key)
		if entry.count >= 2 {
			if err := a.emitAggregate(ctx, out, key, entry); err != nil {
				return err
			}
		}
	}
	return nil
}
