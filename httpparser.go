// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
)

var redactedHeaderNames = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
}

// HTTPParserAnalyzer runs a byte-accurate HTTP/1.1 parser against
// http_chunk payloads, emitting one http_request or http_response event
// per fully parsed message. A single chunk may contain pipelined
// messages; they are consumed sequentially. Non-ssl/http_chunk events
// pass through unchanged.
type HTTPParserAnalyzer struct {
	// RedactAuth replaces sensitive header values (authorization,
	// proxy-authorization, cookie, set-cookie, x-api-key) with
	// "sha256:" followed by the hex SHA-256 of the value.
	RedactAuth bool

	// Logger is the [SLogger] to use.
	Logger SLogger
}

var _ Analyzer = &HTTPParserAnalyzer{}

// NewHTTPParserAnalyzer returns a [*HTTPParserAnalyzer].
func NewHTTPParserAnalyzer(redactAuth bool, logger SLogger) *HTTPParserAnalyzer {
	return &HTTPParserAnalyzer{RedactAuth: redactAuth, Logger: logger}
}

// Name implements [Analyzer].
func (a *HTTPParserAnalyzer) Name() string {
	return "http_parser"
}

// Process implements [Analyzer].
func (a *HTTPParserAnalyzer) Process(ctx context.Context, in <-chan Event, out chan<- Event) error {
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

func (a *HTTPParserAnalyzer) handle(ctx context.Context, out chan<- Event, ev Event) error {
	msgType, _ := ev.Data["type"].(string)
	if ev.Source != "ssl" || msgType != "http_chunk" {
		return emitTo(ctx, out, ev)
	}

	payload, _ := ev.Data["payload"].(string)
	truncated, _ := ev.Data["truncated"].(bool)
	direction, _ := ev.Data["direction"].(string)
	tid, _ := dataInt(ev.Data, "tid")

	remaining := []byte(payload)
	for len(remaining) > 0 {
		msg, consumed, warning := parseHTTPMessage(remaining, direction)
		if msg == nil {
			break
		}
		if a.RedactAuth {
			redactHeaders(msg.headers)
		}
		data := map[string]any{
			"headers": msg.headers,
			"body":    msg.body,
			"tid":     tid,
		}
		if msg.isResponse {
			data["type"] = "http_response"
			data["status_code"] = msg.statusCode
			data["reason"] = msg.reason
			data["version"] = msg.version
		} else {
			data["type"] = "http_request"
			data["method"] = msg.method
			data["path"] = msg.path
			data["version"] = msg.version
		}
		if warning != "" {
			data["parse_warning"] = warning
		}
		if truncated {
			data["truncated"] = true
		}
		outEv := NewEvent(ev.TimestampNS, "ssl", ev.PID, ev.Comm, data)
		a.Logger.Info("httpMessageParsed", slog.String("type", data["type"].(string)), slog.Int("pid", ev.PID))
		if err := emitTo(ctx, out, outEv); err != nil {
			return err
		}
		remaining = remaining[consumed:]
	}
	return nil
}

func emitTo(ctx context.Context, out chan<- Event, ev Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush implements [Analyzer]. The HTTP parser holds no cross-chunk
// state; nothing to flush.
func (a *HTTPParserAnalyzer) Flush(ctx context.Context, out chan<- Event) error {
	return nil
}

type parsedHTTPMessage struct {
	isResponse bool
	method     string
	path       string
	statusCode int
	reason     string
	version    string
	headers    map[string]string
	body       string
}

// parseHTTPMessage parses one HTTP/1.1 message (request or response) from
// the front of raw, returning the message, the number of bytes consumed,
// and a non-empty warning if the body could not be parsed cleanly after
// valid headers (per §4.4, malformed bodies do not drop the message).
func parseHTTPMessage(raw []byte, direction string) (*parsedHTTPMessage, int, string) {
	src := bytes.NewReader(raw)
	reader := bufio.NewReader(src)

	startLine, err := readCRLFLine(reader)
	if err != nil {
		return nil, 0, ""
	}

	msg := &parsedHTTPMessage{headers: map[string]string{}}
	if strings.HasPrefix(startLine, "HTTP/") {
		if !parseStatusLine(startLine, msg) {
			return nil, 0, ""
		}
	} else {
		if !parseRequestLine(startLine, msg) {
			return nil, 0, ""
		}
	}

	for {
		line, err := readCRLFLine(reader)
		if err != nil {
			return nil, 0, ""
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		msg.headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	warning := ""
	body, ok := readHTTPBody(reader, msg.headers)
	if !ok {
		warning = "body_parse_failed"
	}
	msg.body = body

	unread := int(src.Len()) + reader.Buffered()
	consumed := len(raw) - unread
	return msg, consumed, warning
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseRequestLine(line string, msg *parsedHTTPMessage) bool {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return false
	}
	msg.method = parts[0]
	msg.path = parts[1]
	msg.version = parts[2]
	return true
}

func parseStatusLine(line string, msg *parsedHTTPMessage) bool {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return false
	}
	msg.isResponse = true
	msg.version = parts[0]
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	msg.statusCode = code
	if len(parts) == 3 {
		msg.reason = parts[2]
	}
	return true
}

func readHTTPBody(r *bufio.Reader, headers map[string]string) (string, bool) {
	if te := strings.ToLower(headers["transfer-encoding"]); strings.Contains(te, "chunked") {
		return readChunkedBody(r)
	}
	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return "", false
		}
		buf := make([]byte, n)
		read, err := readFull(r, buf)
		if err != nil || read < n {
			return string(buf[:read]), false
		}
		return string(buf), true
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	return buf.String(), true
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readChunkedBody(r *bufio.Reader) (string, bool) {
	var body bytes.Buffer
	for {
		sizeLine, err := readCRLFLine(r)
		if err != nil {
			return body.String(), false
		}
		sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return body.String(), false
		}
		if size == 0 {
			// consume trailing CRLF (and any trailer headers) best-effort
			for {
				line, err := readCRLFLine(r)
				if err != nil || line == "" {
					break
				}
			}
			return body.String(), true
		}
		buf := make([]byte, size)
		n, err := readFull(r, buf)
		body.Write(buf[:n])
		if err != nil {
			return body.String(), false
		}
		if _, err := readCRLFLine(r); err != nil {
			return body.String(), false
		}
	}
}

func redactHeaders(headers map[string]string) {
	for name, value := range headers {
		if redactedHeaderNames[strings.ToLower(name)] {
			sum := sha256.Sum256([]byte(value))
			headers[name] = "sha256:" + hex.EncodeToString(sum[:])
		}
	}
}
