//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: connect.go's "spawn a resource, drive it to completion,
// always release it" shape, generalized from a single [Func] call to a
// long-lived probe-to-chain pump.
//

package agentobserve

import (
	"bufio"
	"context"
)

// Runner drives one or more probe processes through an [Analyzer]
// chain and exposes the resulting stream.
type Runner interface {
	// ID identifies this runner for tagging ("runner_source") when
	// merged with siblings.
	ID() string

	// Run starts the runner and blocks until ctx is done or the probe
	// exits, pushing processed events to out.
	Run(ctx context.Context, out chan<- Event) error
}

// SingleRunner drives exactly one probe process through one [Chain].
type SingleRunner struct {
	RunnerID string
	Probe    *ProbeDriverFunc
	Chain    *Chain
	Logger   SLogger
}

var _ Runner = &SingleRunner{}

// NewSingleRunner returns a [*SingleRunner].
func NewSingleRunner(runnerID string, probe *ProbeDriverFunc, chain *Chain, logger SLogger) *SingleRunner {
	return &SingleRunner{RunnerID: runnerID, Probe: probe, Chain: chain, Logger: logger}
}

// ID implements [Runner].
func (r *SingleRunner) ID() string { return r.RunnerID }

// Run implements [Runner]. It spawns the probe, decodes its flat
// line-delimited JSON (§6) into [Event] values via Probe.decodeLine,
// drives them through Chain, and stops the probe when ctx is done or
// the probe's stdout closes.
func (r *SingleRunner) Run(ctx context.Context, out chan<- Event) error {
	handle, err := r.Probe.Call(ctx, Unit{})
	if err != nil {
		return NewError(ErrorKindProbeStartFailed, err)
	}
	defer handle.Stop()

	raw := make(chan Event, 1024)
	errc := make(chan error, 1)
	go func() {
		defer close(raw)
		errc <- r.decode(ctx, handle.Lines(), raw)
	}()

	chainErr := r.Chain.Run(ctx, raw, out)
	decodeErr := <-errc
	if chainErr != nil {
		return chainErr
	}
	return decodeErr
}

func (r *SingleRunner) decode(ctx context.Context, scanner *bufio.Scanner, out chan<- Event) error {
	for scanner.Scan() {
		ev, err := r.Probe.decodeLine(scanner.Bytes())
		if err != nil {
			r.Logger.Info("runnerParseError", "runner", r.RunnerID, "err", err.Error())
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return NewError(ErrorKindProbeTerminated, err)
	}
	return nil
}

// CombinedRunner merges the streams of an ordered set of child runners
// through Strategy, tagging each event's data.runner_source with the
// originating child's id, then drives the merged stream through its
// own (possibly empty) [Chain].
type CombinedRunner struct {
	RunnerID string
	Children []Runner
	Strategy Merger
	Chain    *Chain
	Logger   SLogger
}

var _ Runner = &CombinedRunner{}

// NewCombinedRunner returns a [*CombinedRunner]. A nil strategy selects
// [ImmediateMerger].
func NewCombinedRunner(runnerID string, children []Runner, strategy Merger, chain *Chain, logger SLogger) *CombinedRunner {
	if strategy == nil {
		strategy = ImmediateMerger{}
	}
	if chain == nil {
		chain = NewChain()
	}
	return &CombinedRunner{RunnerID: runnerID, Children: children, Strategy: strategy, Chain: chain, Logger: logger}
}

// ID implements [Runner].
func (r *CombinedRunner) ID() string { return r.RunnerID }

// Run implements [Runner].
func (r *CombinedRunner) Run(ctx context.Context, out chan<- Event) error {
	childOut := make([]chan Event, len(r.Children))
	sources := make([]<-chan Event, len(r.Children))
	errc := make(chan error, len(r.Children))

	for i, child := range r.Children {
		childOut[i] = make(chan Event, 1024)
		sources[i] = taggedChannel(childOut[i], child.ID())
		i, child := i, child
		go func() {
			defer close(childOut[i])
			errc <- child.Run(ctx, childOut[i])
		}()
	}

	merged := r.Strategy.Merge(ctx, sources)
	chainErr := r.Chain.Run(ctx, merged, out)

	var firstErr error
	for range r.Children {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if chainErr != nil {
		return chainErr
	}
	return firstErr
}

// taggedChannel rewrites events to carry data.runner_source = runnerID,
// without mutating events in place.
func taggedChannel(in <-chan Event, runnerID string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range in {
			out <- ev.WithData(withKey(ev.Data, "runner_source", runnerID))
		}
	}()
	return out
}
