//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// PushSink's subscriber handling is grounded on observeconn.go (I/O
// logging) and cancelwatch.go (context-driven close); its h2 transport
// selection mirrors httpconn.go's ALPN switch, using the same
// single-use dialer from github.com/bassosimone/sud.
//

package agentobserve

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bassosimone/sud"
	"golang.org/x/net/http2"
)

const fileSinkDefaultMaxBytes = 10 << 20

// Sink receives events for durable or networked delivery.
type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close() error
}

// StdoutSink writes one canonical JSON object per line to an
// underlying writer, behind a single owning goroutine so analyzers
// never block on I/O directly.
type StdoutSink struct {
	Logger SLogger

	w       io.Writer
	ch      chan Event
	done    chan struct{}
	closeOnce sync.Once
}

var _ Sink = &StdoutSink{}

// NewStdoutSink returns a [*StdoutSink] writing to w (os.Stdout if nil).
func NewStdoutSink(w io.Writer, logger SLogger) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	s := &StdoutSink{
		Logger: logger,
		w:      w,
		ch:     make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *StdoutSink) run() {
	defer close(s.done)
	enc := bufio.NewWriter(s.w)
	defer enc.Flush()
	for ev := range s.ch {
		raw, err := ev.MarshalJSON()
		if err != nil {
			s.Logger.Info("stdoutSinkMarshalError", slog.Any("err", err))
			continue
		}
		enc.Write(raw)
		enc.WriteByte('\n')
		enc.Flush()
	}
}

// Write implements [Sink].
func (s *StdoutSink) Write(ctx context.Context, ev Event) error {
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements [Sink].
func (s *StdoutSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
	<-s.done
	return nil
}

// FileSink is a [StdoutSink]-alike that writes to a rotating file.
// A new file is opened before a write that would take the current one
// past MaxBytes; the
// rotated-out file is renamed to "<base>.<unix-sec>".
type FileSink struct {
	// Path is the live log file path.
	Path string

	// MaxBytes bounds a single file's size before rotation. Zero
	// selects the 10 MiB default.
	MaxBytes int64

	Logger SLogger

	mu      sync.Mutex
	f       *os.File
	written int64
}

var _ Sink = &FileSink{}

// NewFileSink opens (creating if needed) path for appending.
func NewFileSink(path string, maxBytes int64, logger SLogger) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = fileSinkDefaultMaxBytes
	}
	return &FileSink{
		Path:     path,
		MaxBytes: maxBytes,
		Logger:   logger,
		f:        f,
		written:  info.Size(),
	}, nil
}

// Write implements [Sink].
func (s *FileSink) Write(ctx context.Context, ev Event) error {
	raw, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written+int64(len(raw)) > s.MaxBytes {
		if err := s.rotateLocked(); err != nil {
			s.Logger.Info("fileSinkRotateError", slog.Any("err", err))
		}
	}
	n, err := s.f.Write(raw)
	s.written += int64(n)
	return err
}

func (s *FileSink) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%d", s.Path, time.Now().Unix())
	if err := os.Rename(s.Path, rotated); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.written = 0
	return nil
}

// Close implements [Sink].
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// PushSink streams events to subscriber [net.Conn]s, e.g. connections
// obtained via [http.Hijacker] in a control surface the host process
// wires up. Every subscriber is wrapped with [ObserveConnFunc] (I/O
// logging) and [CancelWatchFunc] (closed when the sink's context is
// cancelled, so a stuck subscriber cannot wedge shutdown).
type PushSink struct {
	Observe      *ObserveConnFunc
	CancelWatch  *CancelWatchFunc
	Logger       SLogger

	mu          sync.Mutex
	subscribers []*pushSubscriber
}

var _ Sink = &PushSink{}

type pushSubscriber struct {
	conn net.Conn
	ch   chan Event
}

// NewPushSink returns a [*PushSink].
func NewPushSink(cfg *Config, logger SLogger) *PushSink {
	return &PushSink{
		Observe:     NewObserveConnFunc(cfg, logger),
		CancelWatch: NewCancelWatchFunc(),
		Logger:      logger,
	}
}

// Subscribe registers conn as a push target. alpn is the negotiated
// ALPN protocol, if any ("h2" selects the HTTP/2 transport, anything
// else writes newline-delimited JSON directly).
func (s *PushSink) Subscribe(ctx context.Context, conn net.Conn, alpn string) error {
	observed, err := s.Observe.Call(ctx, conn)
	if err != nil {
		return err
	}
	watched, err := s.CancelWatch.Call(ctx, observed)
	if err != nil {
		return err
	}

	sub := &pushSubscriber{conn: watched, ch: make(chan Event, 256)}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	if alpn == "h2" {
		go s.serveH2(watched, sub)
	} else {
		go s.serveLines(watched, sub)
	}
	return nil
}

func (s *PushSink) serveLines(conn net.Conn, sub *pushSubscriber) {
	defer s.unsubscribe(sub)
	defer conn.Close()
	for ev := range sub.ch {
		raw, err := ev.MarshalJSON()
		if err != nil {
			continue
		}
		if _, err := conn.Write(append(raw, '\n')); err != nil {
			return
		}
	}
}

// serveH2 pushes events as the streamed body of an HTTP/2 POST request
// over conn,
// using a single-use dialer the way httpconn.go selects its h2
// transport by ALPN.
func (s *PushSink) serveH2(conn net.Conn, sub *pushSubscriber) {
	defer s.unsubscribe(sub)
	defer conn.Close()

	dialer := sud.NewSingleUseDialer(conn)
	txp := &http2.Transport{
		DialTLSContext:     dialer.DialTLSContext,
		AllowHTTP:          true,
		DisableCompression: false,
	}
	defer txp.CloseIdleConnections()

	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		for ev := range sub.ch {
			if err := enc.Encode(ev); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	req, err := http.NewRequest(http.MethodPost, "https://push.local/events", pr)
	if err != nil {
		return
	}
	req.Header.Set("content-type", "application/x-ndjson")
	resp, err := txp.RoundTrip(req)
	if err != nil {
		s.Logger.Info("pushSinkH2Error", slog.Any("err", err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

func (s *PushSink) unsubscribe(sub *pushSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.subscribers {
		if other == sub {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// Write implements [Sink]. Delivery is best-effort: a slow subscriber
// misses events rather than blocking every other subscriber.
func (s *PushSink) Write(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

// Close implements [Sink]. It closes every subscriber channel; the
// per-subscriber serve goroutine then closes the underlying connection.
func (s *PushSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		close(sub.ch)
	}
	s.subscribers = nil
	return nil
}
