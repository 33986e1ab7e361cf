// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseResponseEvent(pid, tid int, body string) Event {
	return NewEvent(1, "ssl", pid, "curl", map[string]any{
		"type": "http_response",
		"tid":  tid,
		"headers": map[string]string{
			"content-type": "text/event-stream; charset=utf-8",
		},
		"body": body,
	})
}

// Literal scenario: two data frames carrying delta.content fragments,
// followed by a [DONE] sentinel, merge into "hello".
func TestSSEMergerConcatenatesAssistantTokens(t *testing.T) {
	az := NewSSEMergerAnalyzer(NewConfig(), DefaultSLogger())
	body := `data: {"delta":{"content":"he"}}` + "\n\n" +
		`data: {"delta":{"content":"llo"}}` + "\n\n" +
		"data: [DONE]\n\n"

	out := runAnalyzer(t, az, []Event{sseResponseEvent(1, 1, body)})

	var frames []Event
	var complete *Event
	for i, ev := range out {
		if ev.Data["type"] == "sse_frame" {
			frames = append(frames, ev)
		}
		if ev.Data["type"] == "sse_message_complete" {
			complete = &out[i]
		}
	}
	require.Len(t, frames, 2)
	require.NotNil(t, complete)
	assert.Equal(t, "hello", complete.Data["assistant_text"])
	assert.Equal(t, false, complete.Data["incomplete"])
}

func TestSSEMergerSupportsChoicesDeltaPath(t *testing.T) {
	az := NewSSEMergerAnalyzer(NewConfig(), DefaultSLogger())
	body := `data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n" + "data: [DONE]\n\n"

	out := runAnalyzer(t, az, []Event{sseResponseEvent(1, 1, body)})

	var complete *Event
	for i, ev := range out {
		if ev.Data["type"] == "sse_message_complete" {
			complete = &out[i]
		}
	}
	require.NotNil(t, complete)
	assert.Equal(t, "hi", complete.Data["assistant_text"])
}

func TestSSEMergerNamedEventFrame(t *testing.T) {
	az := NewSSEMergerAnalyzer(NewConfig(), DefaultSLogger())
	body := "event: ping\ndata: {}\n\n"

	out := runAnalyzer(t, az, []Event{sseResponseEvent(1, 1, body)})

	require.NotEmpty(t, out)
	assert.Equal(t, "ping", out[0].Data["name"])
}

// A response without a trailing blank line is incomplete at end-of-stream
// and is flushed with incomplete: true.
func TestSSEMergerFlushesIncompleteOnStreamEnd(t *testing.T) {
	az := NewSSEMergerAnalyzer(NewConfig(), DefaultSLogger())
	body := `data: {"delta":{"content":"partial"}}` + "\n\n" + `data: {"delta":{"content":"-tail"}}`

	out := runAnalyzer(t, az, []Event{sseResponseEvent(1, 1, body)})

	var complete *Event
	for i, ev := range out {
		if ev.Data["type"] == "sse_message_complete" {
			complete = &out[i]
		}
	}
	require.NotNil(t, complete)
	assert.Equal(t, true, complete.Data["incomplete"])
	assert.Equal(t, "partial", complete.Data["assistant_text"])
}

func TestSSEMergerNonEventStreamPassesThrough(t *testing.T) {
	az := NewSSEMergerAnalyzer(NewConfig(), DefaultSLogger())
	ev := NewEvent(1, "ssl", 1, "curl", map[string]any{
		"type":    "http_response",
		"tid":     1,
		"headers": map[string]string{"content-type": "application/json"},
		"body":    `{"a":1}`,
	})

	out := runAnalyzer(t, az, []Event{ev})
	require.Len(t, out, 1)
	assert.Equal(t, ev.ID, out[0].ID)
}

// tid arrives as json.Number once a response event has passed through
// the real decodeLine path. sse_frame events must still carry the
// coerced int, not silently key on zero.
func TestSSEMergerAcceptsNonIntTid(t *testing.T) {
	az := NewSSEMergerAnalyzer(NewConfig(), DefaultSLogger())
	ev := NewEvent(1, "ssl", 1, "curl", map[string]any{
		"type": "http_response",
		"tid":  json.Number("9"),
		"headers": map[string]string{
			"content-type": "text/event-stream",
		},
		"body": "data: {}\n\n",
	})

	out := runAnalyzer(t, az, []Event{ev})

	var frame *Event
	for i, ev := range out {
		if ev.Data["type"] == "sse_frame" {
			frame = &out[i]
		}
	}
	require.NotNil(t, frame)
	assert.Equal(t, 9, frame.Data["tid"])
}
