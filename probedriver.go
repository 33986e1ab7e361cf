//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package agentobserve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// ProcessLauncher abstracts process start behavior.
//
// By making [*ProbeDriverFunc] depend on an abstract implementation we
// allow for unit testing and for alternative probe launchers (e.g. a
// fake launcher that replays a fixture file instead of spawning a real
// eBPF loader binary).
type ProcessLauncher interface {
	// Start starts the named command with args and returns a ReadCloser
	// bound to its stdout plus a function that terminates the process.
	Start(ctx context.Context, name string, args ...string) (stdout io.ReadCloser, kill func() error, err error)
}

// execLauncher is the default [ProcessLauncher], backed by [os/exec].
type execLauncher struct{}

// Start implements [ProcessLauncher].
func (execLauncher) Start(ctx context.Context, name string, args ...string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	kill := func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	return stdout, kill, nil
}

// NewProbeDriverFunc returns a new [*ProbeDriverFunc] with the default launcher.
//
// The cfg argument contains the common configuration for pipeline operations.
//
// The command and args identify the probe binary to spawn (the external,
// opaque kernel-probe process that emits line-delimited JSON on stdout).
//
// sourceTag is the short tag ("ssl", "process", "system", ...) applied
// to every [Event] this driver produces, per §4.1: "A probe driver is
// parameterized by a filesystem path to a probe executable, an argument
// list, and a source tag."
//
// clock supplies the boot-relative timestamp used to synthesize
// timestamp_ns for a record that omits it (§4.1 step 2); callers
// typically share one [*BootClock] across every driver they construct.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewProbeDriverFunc(cfg *Config, command string, args []string, sourceTag string, clock *BootClock, logger SLogger) *ProbeDriverFunc {
	return &ProbeDriverFunc{
		Args:          args,
		Command:       command,
		SourceTag:     sourceTag,
		Clock:         clock,
		ErrClassifier: cfg.ErrClassifier,
		Launcher:      cfg.Launcher,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ProbeDriverFunc spawns a probe process and exposes its stdout as a stream
// of raw JSON lines.
//
// Returns either a valid [*ProbeHandle] or an error, never both.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ProbeDriverFunc struct {
	// Args are the command-line arguments passed to Command.
	//
	// Set by [NewProbeDriverFunc] from the user-provided value.
	Args []string

	// Command is the probe binary to spawn.
	//
	// Set by [NewProbeDriverFunc] from the user-provided value.
	Command string

	// SourceTag is the short tag applied to every [Event] this driver
	// decodes from the probe's stdout ("ssl", "process", "system", or a
	// user-chosen runner id).
	//
	// Set by [NewProbeDriverFunc] from the user-provided value.
	SourceTag string

	// Clock synthesizes timestamp_ns for a probe record that omits it.
	//
	// Set by [NewProbeDriverFunc] from the user-provided value.
	Clock *BootClock

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewProbeDriverFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Launcher is the [ProcessLauncher] to use.
	//
	// Set by [NewProbeDriverFunc] from [Config.Launcher].
	Launcher ProcessLauncher

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewProbeDriverFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewProbeDriverFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[Unit, *ProbeHandle] = &ProbeDriverFunc{}

// ProbeHandle wraps a running probe process.
//
// Lines scans raw JSON lines from the probe's stdout. The caller owns the
// handle and must call [ProbeHandle.Stop] when done, which is idempotent.
type ProbeHandle struct {
	lines  *bufio.Scanner
	stdout io.ReadCloser
	kill   func() error
}

// Lines returns a [*bufio.Scanner] positioned at the start of the probe's
// stdout. Callers should call Scan/Text in a loop to read raw JSON lines.
func (h *ProbeHandle) Lines() *bufio.Scanner {
	return h.lines
}

// Stop terminates the probe process. Safe to call more than once.
func (h *ProbeHandle) Stop() error {
	_ = h.stdout.Close()
	return h.kill()
}

// Call invokes the [*ProbeDriverFunc] to spawn the configured probe process.
func (op *ProbeDriverFunc) Call(ctx context.Context, _ Unit) (*ProbeHandle, error) {
	t0 := op.TimeNow()
	op.logProbeStart(op.Command, op.Args, t0)
	stdout, kill, err := op.Launcher.Start(ctx, op.Command, op.Args...)
	op.logProbeDone(op.Command, t0, err)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ProbeHandle{lines: scanner, stdout: stdout, kill: kill}, nil
}

func (op *ProbeDriverFunc) logProbeStart(command string, args []string, t0 time.Time) {
	op.Logger.Info(
		"probeStart",
		slog.String("command", command),
		slog.Any("args", args),
		slog.Time("t", t0),
	)
}

func (op *ProbeDriverFunc) logProbeDone(command string, t0 time.Time, err error) {
	op.Logger.Info(
		"probeDone",
		slog.String("command", command),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}

// probeWellKnownKeys are the keys the §6 input contract assigns fixed
// meaning to and which decodeLine lifts onto [Event] fields rather than
// leaving in Data.
var probeWellKnownKeys = []string{"timestamp_ns", "pid", "comm"}

// decodeLine parses one flat line of the probe's line-delimited JSON
// stdout (§6 "Probe input contract": timestamp_ns, pid, comm plus flat
// source-specific keys — never an {id, source, data} envelope) into an
// [Event], per §4.1 steps 2-3:
//
//  1. timestamp_ns is taken from the payload if present; otherwise
//     synthesized from Clock.
//  2. The event is wrapped with SourceTag and a fresh id.
//
// Every key besides timestamp_ns/pid/comm is preserved verbatim under
// Data. Numbers are decoded via [json.Number] (not float64) so large
// nanosecond timestamps and the tid/rw/len/buf_size fields survive
// without float64 precision loss; analyzers read them back with
// [dataInt]/[dataUint64].
func (op *ProbeDriverFunc) decodeLine(line []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return Event{}, err
	}

	timestampNS, ok := dataUint64(payload, "timestamp_ns")
	if !ok && op.Clock != nil {
		timestampNS = op.Clock.NowNS()
	}
	pid, _ := dataInt(payload, "pid")
	comm, _ := payload["comm"].(string)

	for _, key := range probeWellKnownKeys {
		delete(payload, key)
	}

	return NewEvent(timestampNS, op.SourceTag, pid, comm, payload), nil
}
