// SPDX-License-Identifier: GPL-3.0-or-later

// Package agentobserve captures and normalizes process-lifecycle and TLS
// plaintext events surfaced by external kernel probes, and pushes them
// through a configurable chain of streaming analyzers.
//
// # Core Abstraction
//
// Point operations (storage queries, stat snapshots, filter checks) are
// expressed with a single interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic operation with exactly one success mode
// and one failure mode. This design enables type-safe composition via
// [Compose2], [Compose3], etc., where the compiler verifies that outputs
// match inputs across pipeline stages.
//
// Streaming operations — the bulk of this package — instead implement
// [Analyzer], whose Process method consumes a channel of [Event] and
// produces a channel of [Event]. A [Chain] composes a slice of Analyzer
// the way [Compose2] composes two Func: each stage's output becomes the
// next stage's input.
//
// # Available Primitives
//
// Probe lifecycle:
//   - [ProbeDriverFunc]: spawns a kernel-probe process and exposes its stdout
//   - [CancelWatchFunc]: closes a connection on context cancellation (for responsive ^C handling)
//   - [ObserveConnFunc]: observes connections for logging I/O operations (used by push sinks)
//
// Stream analyzers (see errors.go for the shared failure taxonomy):
//   - [ChunkMergerAnalyzer]: reassembles SSL read/write records into byte chunks
//   - [HTTPParserAnalyzer]: parses reassembled chunks into HTTP/1.1 requests and responses
//   - [SSEMergerAnalyzer]: reassembles Server-Sent Events frames into complete messages
//   - [DedupAnalyzer]: collapses repeated file-open events per process into counted aggregates
//   - [RateLimitAnalyzer]: caps the rate of file-open events per process
//   - filters in filters.go: drop events that do not match configured include/exclude rules
//
// Composition utilities:
//   - [Compose2] through [Compose8]: chain Func into pipelines
//   - [FuncAdapter]: wrap a function as a Func for ad-hoc custom behavior
//   - [Apply]: bind a fixed input to a Func
//   - [ConstFunc]: lift a pure value into a Func
//   - [Chain]: compose a slice of [Analyzer] into one
//
// # Event Lifecycle
//
// Probe spawn ([ProbeDriverFunc]) creates a [*ProbeHandle] that owns the
// probe's stdout pipe and exposes it as scannable JSON lines; the caller
// must call Stop when done.
//
// A [SingleRunner] reads raw lines from exactly one probe, decodes them
// into [Event], and feeds them through a [Chain] of analyzers. A
// [CombinedRunner] merges several Runner outputs via a [Merger] (e.g.
// [TimeOrderedMerger]) and runs the merged stream through its own Chain.
// An [Orchestrator] appends each supervised runner's output to its
// [Storage] ring. No component in this package writes events to a
// [Sink]; a Sink receives only the events its caller passes to Write.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled. Set the Logger field to a
// custom [*slog.Logger] to enable logging. Error classification is
// configurable via [ErrClassifier]; by default, [DefaultErrClassifier]
// classifies probe, pipe, and filesystem errors using the errclass package.
//
// Primitives emit two kinds of structured log events:
//
//   - Span events (*Start/*Done pairs): Record operation lifecycle including
//     timing and success/failure. Used for latency analysis and error tracking.
//
//   - Wire observations (e.g., chunkClosed, httpMessageParsed,
//     sseStreamStart, sseStreamComplete): Capture protocol-level messages
//     reconstructed from captured plaintext, for debugging and audit.
//
// Connection events logged by [ObserveConnFunc] share a common set of
// fields: localAddr, remoteAddr, protocol, and t (timestamp). Completion events (*Done) additionally include t0
// (start time), err, and errClass. I/O-level events (read, write, deadline
// changes) are emitted at [slog.LevelDebug]; all other events use
// [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for
// each operation or [Event.ID], then attach it to the logger with
// [*slog.Logger.With]. All log entries from that operation will share the
// same spanID, enabling correlation across pipeline stages.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the context
// they receive. The caller controls timeouts externally via
// [context.WithTimeout], [context.WithDeadline], or [signal.NotifyContext].
// When the context is done (timeout, cancel, or signal), operations fail and
// the pipeline is interrupted.
//
// Push-sink subscriber connections require [CancelWatchFunc] to bind the
// context lifecycle to the connection: when the context is done, the
// connection is closed immediately, causing any in-progress I/O to fail.
//
// IMPORTANT: Without [CancelWatchFunc] in a push-sink pipeline, I/O
// operations may block indefinitely even after the context is done. Always
// include [CancelWatchFunc] when composing subscriber connection pipelines.
//
// # Design Boundaries
//
// This package intentionally keeps pipeline orchestration ([Runner],
// [Orchestrator]) separate from analyzer semantics. Analyzers never know
// about probes, sinks, or storage; they only see channels of [Event].
package agentobserve
