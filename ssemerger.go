//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: httpbody.go's lazy sync.Once/atomic.Bool idiom for
// logging a body stream's first read and eventual close.
//

package agentobserve

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const sseMergerDefaultIdleTimeout = 60 * time.Second

// sseStreamKey identifies one SSE response stream.
type sseStreamKey struct {
	pid int
	tid int
}

// sseStreamState tracks one in-flight SSE response.
type sseStreamState struct {
	lastActivity  time.Time
	assistantText strings.Builder
	startOnce     sync.Once
	comm          string
	firstSeenNS   uint64
}

// SSEMergerAnalyzer reassembles event:/data: frames from http_response
// bodies whose Content-Type contains text/event-stream, emitting one
// sse_frame event per blank-line-terminated frame and one
// sse_message_complete event per response (on a [DONE] sentinel, on
// stream end, or after IdleTimeout of inactivity).
//
// Assistant tokens found at the well-known JSON paths
// choices[0].delta.content or delta.text are concatenated into a
// per-response assistant_text accumulator.
type SSEMergerAnalyzer struct {
	// IdleTimeout forces a flush of a stalled response stream. Zero
	// selects the 60 s default.
	IdleTimeout time.Duration

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow returns the current time, used only for the idle sweep.
	TimeNow func() time.Time

	streams map[sseStreamKey]*sseStreamState
}

var _ Analyzer = &SSEMergerAnalyzer{}

// NewSSEMergerAnalyzer returns a [*SSEMergerAnalyzer].
func NewSSEMergerAnalyzer(cfg *Config, logger SLogger) *SSEMergerAnalyzer {
	return &SSEMergerAnalyzer{
		IdleTimeout: sseMergerDefaultIdleTimeout,
		Logger:      logger,
		TimeNow:     cfg.TimeNow,
		streams:     make(map[sseStreamKey]*sseStreamState),
	}
}

// Name implements [Analyzer].
func (a *SSEMergerAnalyzer) Name() string {
	return "sse_merger"
}

func (a *SSEMergerAnalyzer) idleTimeout() time.Duration {
	if a.IdleTimeout > 0 {
		return a.IdleTimeout
	}
	return sseMergerDefaultIdleTimeout
}

func (a *SSEMergerAnalyzer) now() time.Time {
	if a.TimeNow != nil {
		return a.TimeNow()
	}
	return time.Now()
}

// Process implements [Analyzer].
func (a *SSEMergerAnalyzer) Process(ctx context.Context, in <-chan Event, out chan<- Event) error {
	if a.streams == nil {
		a.streams = make(map[sseStreamKey]*sseStreamState)
	}
	ticker := time.NewTicker(time.Second)
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
			if err := a.sweepIdle(ctx, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *SSEMergerAnalyzer) handle(ctx context.Context, out chan<- Event, ev Event) error {
	msgType, _ := ev.Data["type"].(string)
	if msgType != "http_response" || !isEventStream(ev) {
		return emitTo(ctx, out, ev)
	}

	body, _ := ev.Data["body"].(string)
	tid, _ := dataInt(ev.Data, "tid")
	key := sseStreamKey{pid: ev.PID, tid: tid}

	state, ok := a.streams[key]
	if !ok {
		state = &sseStreamState{firstSeenNS: ev.TimestampNS, comm: ev.Comm}
		a.streams[key] = state
	}
	state.startOnce.Do(func() {
		a.Logger.Info("sseStreamStart", slog.Int("pid", ev.PID), slog.Int("tid", tid))
	})
	state.lastActivity = a.now()

	done, err := a.consumeFrames(ctx, out, ev, key, state, body)
	if err != nil {
		return err
	}
	if done {
		delete(a.streams, key)
		return a.flushComplete(ctx, out, ev.PID, state, false)
	}
	return nil
}

func isEventStream(ev Event) bool {
	headers, _ := ev.Data["headers"].(map[string]string)
	return strings.Contains(strings.ToLower(headers["content-type"]), "text/event-stream")
}

// consumeFrames splits body into blank-line-terminated frames, emitting
// one sse_frame per frame and accumulating assistant text. It returns
// done=true once a "[DONE]" sentinel frame is observed.
func (a *SSEMergerAnalyzer) consumeFrames(
	ctx context.Context, out chan<- Event, ev Event, key sseStreamKey, state *sseStreamState, body string) (bool, error) {

	frames := strings.Split(body, "\n\n")
	for i, raw := range frames {
		raw = strings.TrimRight(raw, "\n")
		if raw == "" {
			continue
		}
		// The final split segment may be a partial, unterminated frame;
		// only treat it as complete if the body actually ended in a
		// blank line (i.e. it is not the trailing remainder).
		if i == len(frames)-1 && !strings.HasSuffix(body, "\n\n") {
			continue
		}

		name, data := parseSSEFrame(raw)

		// The [DONE] sentinel terminates the stream; it is a control
		// signal, not content, so it is not itself emitted as an sse_frame.
		if strings.TrimSpace(data) == "[DONE]" {
			return true, nil
		}

		if err := a.emitFrame(ctx, out, ev, key, name, data); err != nil {
			return false, err
		}
		if token, ok := extractAssistantToken(data); ok {
			state.assistantText.WriteString(token)
		}
	}
	return false, nil
}

func parseSSEFrame(raw string) (name, data string) {
	var dataLines []string
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return name, strings.Join(dataLines, "\n")
}

func (a *SSEMergerAnalyzer) emitFrame(
	ctx context.Context, out chan<- Event, ev Event, key sseStreamKey, name, data string) error {
	frameEv := NewEvent(ev.TimestampNS, "ssl", ev.PID, ev.Comm, map[string]any{
		"type": "sse_frame",
		"tid":  key.tid,
		"name": name,
		"data": data,
	})
	return emitTo(ctx, out, frameEv)
}

func extractAssistantToken(data string) (string, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return "", false
	}
	if delta, ok := payload["delta"].(map[string]any); ok {
		if text, ok := delta["text"].(string); ok {
			return text, true
		}
	}
	if choices, ok := payload["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if delta, ok := choice["delta"].(map[string]any); ok {
				if content, ok := delta["content"].(string); ok {
					return content, true
				}
			}
		}
	}
	return "", false
}

func (a *SSEMergerAnalyzer) sweepIdle(ctx context.Context, out chan<- Event) error {
	now := a.now()
	for key, state := range a.streams {
		if now.Sub(state.lastActivity) < a.idleTimeout() {
			continue
		}
		delete(a.streams, key)
		if err := a.flushComplete(ctx, out, key.pid, state, true); err != nil {
			return err
		}
	}
	return nil
}

func (a *SSEMergerAnalyzer) flushComplete(ctx context.Context, out chan<- Event, pid int, state *sseStreamState, incomplete bool) error {
	a.Logger.Info("sseStreamComplete", slog.Int("pid", pid), slog.Bool("incomplete", incomplete))
	ev := NewEvent(state.firstSeenNS, "ssl", pid, state.comm, map[string]any{
		"type":           "sse_message_complete",
		"assistant_text": state.assistantText.String(),
		"incomplete":     incomplete,
	})
	return emitTo(ctx, out, ev)
}

// Flush implements [Analyzer], force-completing every still-open stream.
func (a *SSEMergerAnalyzer) Flush(ctx context.Context, out chan<- Event) error {
	for key, state := range a.streams {
		delete(a.streams, key)
		if err := a.flushComplete(ctx, out, key.pid, state, true); err != nil {
			return err
		}
	}
	return nil
}
