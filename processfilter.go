//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: filters.go's stateless include/exclude shape, applied
// to a fixed tracked-pid set instead of glob patterns.
//

package agentobserve

import "context"

// ProcessFilterAnalyzer applies a [ProcessFilterMode] to process
// events, run first in the process pipeline (ahead of dedup and rate
// limiting per §4.7).
type ProcessFilterAnalyzer struct {
	Mode        ProcessFilterMode
	TrackedPIDs map[int]bool
	Logger      SLogger
}

var _ Analyzer = &ProcessFilterAnalyzer{}

// NewProcessFilterAnalyzer returns a [*ProcessFilterAnalyzer].
func NewProcessFilterAnalyzer(mode ProcessFilterMode, trackedPIDs map[int]bool, logger SLogger) *ProcessFilterAnalyzer {
	if trackedPIDs == nil {
		trackedPIDs = map[int]bool{}
	}
	return &ProcessFilterAnalyzer{Mode: mode, TrackedPIDs: trackedPIDs, Logger: logger}
}

// Name implements [Analyzer].
func (a *ProcessFilterAnalyzer) Name() string {
	return "process_filter"
}

// Process implements [Analyzer].
func (a *ProcessFilterAnalyzer) Process(ctx context.Context, in <-chan Event, out chan<- Event) error {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if !a.passes(ev) {
				continue
			}
			if err := emitTo(ctx, out, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *ProcessFilterAnalyzer) passes(ev Event) bool {
	if ev.Source != "process" || a.Mode == FilterAll {
		return true
	}
	tracked := a.TrackedPIDs[ev.PID]
	if a.Mode == FilterTrackedOnly {
		return tracked
	}
	// FilterTrackedFileOps: all process events pass except file
	// operations from untracked pids.
	eventType, _ := ev.Data["event"].(string)
	if eventType == "FILE_OPEN" && !tracked {
		return false
	}
	return true
}

// Flush implements [Analyzer]. Stateless; nothing to flush.
func (a *ProcessFilterAnalyzer) Flush(ctx context.Context, out chan<- Event) error {
	return nil
}
