// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"context"
	"path/filepath"
	"sync/atomic"
)

// FilterCounters holds the global pass/drop counters for a filter,
// safe for concurrent reads while the owning analyzer's task updates them.
type FilterCounters struct {
	Total    atomic.Int64
	Passed   atomic.Int64
	Filtered atomic.Int64
}

// FieldExtractor projects the field a [FilterAnalyzer] matches against
// (e.g. an HTTP request path, or a filename).
type FieldExtractor func(ev Event) (value string, applicable bool)

// FilterAnalyzer is a stateless include/exclude glob filter. An event
// passes iff it matches at least one Include pattern (or Include is
// empty) and no Exclude pattern. Events the Field extractor does not
// apply to pass through unfiltered.
type FilterAnalyzer struct {
	// NameTag identifies the filter for logging ("http-filter", "ssl-filter").
	NameTag string

	// Field projects the value to match glob patterns against.
	Field FieldExtractor

	// Include is the list of glob patterns; empty means "match all".
	Include []string

	// Exclude is the list of glob patterns to reject.
	Exclude []string

	// MinLength is an optional numeric bound (e.g. minimum body length);
	// zero disables the check.
	MinLength int

	// LengthField projects the value MinLength is compared against.
	LengthField func(ev Event) (length int, applicable bool)

	// Logger is the [SLogger] to use.
	Logger SLogger

	// Counters tracks total/passed/filtered counts.
	Counters FilterCounters
}

var _ Analyzer = &FilterAnalyzer{}

// NewHTTPFilterAnalyzer returns a [*FilterAnalyzer] matching on the
// request path of http_request events.
func NewHTTPFilterAnalyzer(include, exclude []string, logger SLogger) *FilterAnalyzer {
	return &FilterAnalyzer{
		NameTag: "http-filter",
		Field: func(ev Event) (string, bool) {
			if ev.Data["type"] != "http_request" {
				return "", false
			}
			path, ok := ev.Data["path"].(string)
			return path, ok
		},
		Include: include,
		Exclude: exclude,
		Logger:  logger,
	}
}

// NewSSLFilterAnalyzer returns a [*FilterAnalyzer] matching on the
// direction of ssl chunk events.
func NewSSLFilterAnalyzer(include, exclude []string, logger SLogger) *FilterAnalyzer {
	return &FilterAnalyzer{
		NameTag: "ssl-filter",
		Field: func(ev Event) (string, bool) {
			if ev.Source != "ssl" {
				return "", false
			}
			direction, ok := ev.Data["direction"].(string)
			return direction, ok
		},
		Include: include,
		Exclude: exclude,
		Logger:  logger,
	}
}

// Name implements [Analyzer].
func (a *FilterAnalyzer) Name() string {
	return a.NameTag
}

// Process implements [Analyzer].
func (a *FilterAnalyzer) Process(ctx context.Context, in <-chan Event, out chan<- Event) error {
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

func (a *FilterAnalyzer) handle(ctx context.Context, out chan<- Event, ev Event) error {
	value, applicable := a.Field(ev)
	if !applicable {
		return emitTo(ctx, out, ev)
	}

	a.Counters.Total.Add(1)
	if !a.passes(value, ev) {
		a.Counters.Filtered.Add(1)
		return nil
	}
	a.Counters.Passed.Add(1)
	return emitTo(ctx, out, ev)
}

func (a *FilterAnalyzer) passes(value string, ev Event) bool {
	if len(a.Include) > 0 && !matchesAny(a.Include, value) {
		return false
	}
	if matchesAny(a.Exclude, value) {
		return false
	}
	if a.MinLength > 0 && a.LengthField != nil {
		if length, ok := a.LengthField(ev); ok && length < a.MinLength {
			return false
		}
	}
	return true
}

func matchesAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, value); err == nil && ok {
			return true
		}
	}
	return false
}

// Flush implements [Analyzer]. Stateless; nothing to flush.
func (a *FilterAnalyzer) Flush(ctx context.Context, out chan<- Event) error {
	return nil
}
