// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func httpChunkEvent(direction, payload string) Event {
	return NewEvent(1, "ssl", 1, "curl", map[string]any{
		"type":      "http_chunk",
		"tid":       1,
		"direction": direction,
		"payload":   payload,
	})
}

func TestHTTPParserParsesRequest(t *testing.T) {
	az := NewHTTPParserAnalyzer(false, DefaultSLogger())
	payload := "GET /api/chat HTTP/1.1\r\nHost: example.com\r\nContent-Length: 0\r\n\r\n"
	out := runAnalyzer(t, az, []Event{httpChunkEvent("write", payload)})

	require.Len(t, out, 1)
	ev := out[0]
	assert.Equal(t, "http_request", ev.Data["type"])
	assert.Equal(t, "GET", ev.Data["method"])
	assert.Equal(t, "/api/chat", ev.Data["path"])
	assert.Equal(t, "HTTP/1.1", ev.Data["version"])
}

func TestHTTPParserParsesResponseWithContentLength(t *testing.T) {
	az := NewHTTPParserAnalyzer(false, DefaultSLogger())
	body := `{"ok":true}`
	payload := "HTTP/1.1 200 OK\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n" + body
	out := runAnalyzer(t, az, []Event{httpChunkEvent("read", payload)})

	require.Len(t, out, 1)
	ev := out[0]
	assert.Equal(t, "http_response", ev.Data["type"])
	assert.Equal(t, 200, ev.Data["status_code"])
	assert.Equal(t, "OK", ev.Data["reason"])
	assert.Equal(t, body, ev.Data["body"])
}

func TestHTTPParserParsesChunkedBody(t *testing.T) {
	az := NewHTTPParserAnalyzer(false, DefaultSLogger())
	payload := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	out := runAnalyzer(t, az, []Event{httpChunkEvent("read", payload)})

	require.Len(t, out, 1)
	assert.Equal(t, "hello", out[0].Data["body"])
}

func TestHTTPParserPipelinedMessages(t *testing.T) {
	az := NewHTTPParserAnalyzer(false, DefaultSLogger())
	payload := "GET /one HTTP/1.1\r\nContent-Length: 0\r\n\r\n" +
		"GET /two HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	out := runAnalyzer(t, az, []Event{httpChunkEvent("write", payload)})

	require.Len(t, out, 2)
	assert.Equal(t, "/one", out[0].Data["path"])
	assert.Equal(t, "/two", out[1].Data["path"])
}

func TestHTTPParserRedactsAuthHeader(t *testing.T) {
	az := NewHTTPParserAnalyzer(true, DefaultSLogger())
	payload := "GET / HTTP/1.1\r\nAuthorization: Bearer secret-token\r\nContent-Length: 0\r\n\r\n"
	out := runAnalyzer(t, az, []Event{httpChunkEvent("write", payload)})

	require.Len(t, out, 1)
	headers := out[0].Data["headers"].(map[string]string)
	assert.Contains(t, headers["authorization"], "sha256:")
	assert.NotContains(t, headers["authorization"], "secret-token")
}

func TestHTTPParserNonHTTPChunkPassesThrough(t *testing.T) {
	az := NewHTTPParserAnalyzer(false, DefaultSLogger())
	ev := NewEvent(1, "process", 1, "x", map[string]any{"event": "EXIT"})
	out := runAnalyzer(t, az, []Event{ev})

	require.Len(t, out, 1)
	assert.Equal(t, ev.ID, out[0].ID)
}

// tid arrives as json.Number once a chunk event has passed through the
// real decodeLine path, not the Go-int literal the other tests in this
// file construct directly. The parsed request must still carry it.
func TestHTTPParserAcceptsNonIntTid(t *testing.T) {
	az := NewHTTPParserAnalyzer(false, DefaultSLogger())
	ev := NewEvent(1, "ssl", 1, "curl", map[string]any{
		"type":      "http_chunk",
		"tid":       json.Number("7"),
		"direction": "write",
		"payload":   "GET / HTTP/1.1\r\nContent-Length: 0\r\n\r\n",
	})

	out := runAnalyzer(t, az, []Event{ev})
	require.Len(t, out, 1)
	assert.Equal(t, 7, out[0].Data["tid"])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
