// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"context"
	"log/slog"
	"time"
)

const (
	chunkMergerDefaultMaxBytes      = 1 << 20 // 1 MiB
	chunkMergerDefaultSilenceWindow = 30 * time.Second
	chunkMergerSweepInterval        = time.Second
)

// chunkKey identifies one open chunk. The probe does not surface
// connection ids directly; (pid, tid, direction) is a sufficient proxy
// because the probe serializes per thread per direction.
type chunkKey struct {
	pid       int
	tid       int
	direction string
}

// openChunk accumulates same-direction SSL payload fragments.
type openChunk struct {
	comm         string
	accumulator  []byte
	firstSeenNS  uint64
	lastActivity time.Time
	truncated    bool
}

// ChunkMergerAnalyzer reassembles contiguous runs of same-direction SSL
// records belonging to the same (pid, tid) into http_chunk events.
//
// Input events carry pid/tid/direction/payload/truncation per the ssl
// probe contract (§6): rw (0=read, 1=write), buf, len, buf_size.
//
// A chunk closes and emits when: the opposite direction sees a record
// for the same (pid, tid); no record for the key has arrived within
// SilenceWindow; the accumulator reaches MaxBytes; or the input stream
// terminates (handled by Flush).
type ChunkMergerAnalyzer struct {
	// MaxBytes caps the accumulator; new input past the cap spills a
	// fresh chunk. Zero selects the 1 MiB default.
	MaxBytes int

	// SilenceWindow is how long an open chunk may go without new input
	// before it is closed. Zero selects the 30 s default.
	SilenceWindow time.Duration

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow returns the current time, used only for the silence sweep.
	TimeNow func() time.Time

	chunks map[chunkKey]*openChunk
}

var _ Analyzer = &ChunkMergerAnalyzer{}

// NewChunkMergerAnalyzer returns a [*ChunkMergerAnalyzer] with defaults
// wired from cfg and logger.
func NewChunkMergerAnalyzer(cfg *Config, logger SLogger) *ChunkMergerAnalyzer {
	return &ChunkMergerAnalyzer{
		MaxBytes:      chunkMergerDefaultMaxBytes,
		SilenceWindow: chunkMergerDefaultSilenceWindow,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		chunks:        make(map[chunkKey]*openChunk),
	}
}

// Name implements [Analyzer].
func (a *ChunkMergerAnalyzer) Name() string {
	return "chunk_merger"
}

func (a *ChunkMergerAnalyzer) maxBytes() int {
	if a.MaxBytes > 0 {
		return a.MaxBytes
	}
	return chunkMergerDefaultMaxBytes
}

func (a *ChunkMergerAnalyzer) silenceWindow() time.Duration {
	if a.SilenceWindow > 0 {
		return a.SilenceWindow
	}
	return chunkMergerDefaultSilenceWindow
}

// Process implements [Analyzer].
func (a *ChunkMergerAnalyzer) Process(ctx context.Context, in <-chan Event, out chan<- Event) error {
	if a.chunks == nil {
		a.chunks = make(map[chunkKey]*openChunk)
	}
	ticker := time.NewTicker(chunkMergerSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if !a.isSSLRecord(ev) {
				if err := a.emit(ctx, out, ev); err != nil {
					return err
				}
				continue
			}
			if err := a.ingest(ctx, out, ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := a.sweepSilence(ctx, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *ChunkMergerAnalyzer) isSSLRecord(ev Event) bool {
	return ev.Source == "ssl"
}

func (a *ChunkMergerAnalyzer) ingest(ctx context.Context, out chan<- Event, ev Event) error {
	tid, _ := dataInt(ev.Data, "tid")
	rw, _ := dataInt(ev.Data, "rw")
	payload, _ := ev.Data["buf"].(string)
	length, _ := dataInt(ev.Data, "len")
	bufSize, _ := dataInt(ev.Data, "buf_size")

	direction := "read"
	if rw == 1 {
		direction = "write"
	}
	truncated := bufSize > 0 && length > bufSize

	key := chunkKey{pid: ev.PID, tid: tid, direction: direction}
	opposite := chunkKey{pid: ev.PID, tid: tid, direction: oppositeDirection(direction)}

	if oc, ok := a.chunks[opposite]; ok {
		delete(a.chunks, opposite)
		if err := a.emitChunk(ctx, out, opposite, oc); err != nil {
			return err
		}
	}

	oc, ok := a.chunks[key]
	if !ok {
		oc = &openChunk{comm: ev.Comm, firstSeenNS: ev.TimestampNS}
		a.chunks[key] = oc
	}

	if len(oc.accumulator)+len(payload) > a.maxBytes() {
		if err := a.emitChunk(ctx, out, key, oc); err != nil {
			return err
		}
		oc = &openChunk{comm: ev.Comm, firstSeenNS: ev.TimestampNS}
		a.chunks[key] = oc
	}

	oc.accumulator = append(oc.accumulator, payload...)
	oc.truncated = oc.truncated || truncated
	oc.lastActivity = a.now()

	if len(oc.accumulator) == a.maxBytes() {
		delete(a.chunks, key)
		return a.emitChunk(ctx, out, key, oc)
	}
	return nil
}

func oppositeDirection(direction string) string {
	if direction == "read" {
		return "write"
	}
	return "read"
}

func (a *ChunkMergerAnalyzer) now() time.Time {
	if a.TimeNow != nil {
		return a.TimeNow()
	}
	return time.Now()
}

func (a *ChunkMergerAnalyzer) sweepSilence(ctx context.Context, out chan<- Event) error {
	now := a.now()
	for key, oc := range a.chunks {
		if now.Sub(oc.lastActivity) < a.silenceWindow() {
			continue
		}
		delete(a.chunks, key)
		if err := a.emitChunk(ctx, out, key, oc); err != nil {
			return err
		}
	}
	return nil
}

func (a *ChunkMergerAnalyzer) emitChunk(ctx context.Context, out chan<- Event, key chunkKey, oc *openChunk) error {
	ev := NewEvent(oc.firstSeenNS, "ssl", key.pid, oc.comm, map[string]any{
		"type":      "http_chunk",
		"tid":       key.tid,
		"direction": key.direction,
		"payload":   string(oc.accumulator),
		"byte_count": len(oc.accumulator),
		"truncated": oc.truncated,
	})
	a.Logger.Info(
		"chunkClosed",
		slog.Int("pid", key.pid),
		slog.Int("tid", key.tid),
		slog.String("direction", key.direction),
		slog.Int("byteCount", len(oc.accumulator)),
		slog.Bool("truncated", oc.truncated),
	)
	return a.emit(ctx, out, ev)
}

func (a *ChunkMergerAnalyzer) emit(ctx context.Context, out chan<- Event, ev Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush implements [Analyzer], closing every still-open chunk.
func (a *ChunkMergerAnalyzer) Flush(ctx context.Context, out chan<- Event) error {
	for key, oc := range a.chunks {
		delete(a.chunks, key)
		if err := a.emitChunk(ctx, out, key, oc); err != nil {
			return err
		}
	}
	return nil
}
