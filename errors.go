// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import "fmt"

// ErrorKind classifies failures per the error handling taxonomy.
type ErrorKind string

const (
	// ErrorKindProbeStartFailed indicates the probe executable could not
	// be spawned (exec failure). The orchestrator marks the runner Error
	// and may restart per [RestartPolicy].
	ErrorKindProbeStartFailed ErrorKind = "ProbeStartFailed"

	// ErrorKindProbeTerminated indicates the probe process exited
	// unexpectedly. The owning runner transitions to Error; other
	// runners are unaffected.
	ErrorKindProbeTerminated ErrorKind = "ProbeTerminated"

	// ErrorKindParseError indicates a malformed JSON line from a probe.
	// The runner logs and drops the line; never fatal to the runner. No
	// count of dropped lines is kept.
	ErrorKindParseError ErrorKind = "ParseError"

	// ErrorKindTruncatedPayload indicates an SSL record flagged
	// truncated by the probe. The flag propagates to the merged chunk;
	// no event is dropped.
	ErrorKindTruncatedPayload ErrorKind = "TruncatedPayload"

	// ErrorKindBufferOverflow indicates a downstream channel stayed full
	// past its grace period. No code in this package returns this kind:
	// a full channel between stages blocks the sender, and no buffered
	// event is dropped or counted.
	ErrorKindBufferOverflow ErrorKind = "BufferOverflow"

	// ErrorKindAnalyzerFlushFailed indicates a sink write error during
	// flush. No code in this package returns this kind, and a failed
	// sink write is not retried.
	ErrorKindAnalyzerFlushFailed ErrorKind = "AnalyzerFlushFailed"

	// ErrorKindStorageEvicted indicates the storage ring evicted an
	// event to make room for a new one. Silent by design; counted.
	ErrorKindStorageEvicted ErrorKind = "StorageEvicted"
)

// Error wraps an underlying error with a stable [ErrorKind] for
// structured logging and counter attribution.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap allows [errors.Is]/[errors.As] to see through to Err.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
