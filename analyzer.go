//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: compose.go (Compose2's "output of stage N feeds stage N+1"
// composition, generalized from single-shot Func to stream-to-stream).
//

package agentobserve

import "context"

// Analyzer is a stream-to-stream transformer with private state.
//
// Analyzers are single-threaded cooperative: state is only touched from
// the task running Process, and the only suspension points are the
// input-await and output-push inside Process. An analyzer may buffer
// events (e.g. windowed assembly) but must flush on input termination
// via Flush.
type Analyzer interface {
	// Name identifies the analyzer for logging and stats attribution.
	Name() string

	// Process consumes in until it closes, emitting zero or more events
	// to out for each input event. Process returns when in closes or ctx
	// is done; it does not close out.
	Process(ctx context.Context, in <-chan Event, out chan<- Event) error

	// Flush emits any events held in buffered state (e.g. an open chunk
	// whose silence window has not yet elapsed). [Chain.Run] calls it
	// once, after Process returns; no in-stream flush event is
	// recognized, so buffered state is flushed only at that point.
	Flush(ctx context.Context, out chan<- Event) error
}

// Chain composes a sequence of [Analyzer] so that each stage's output
// becomes the next stage's input, the streaming analogue of [Compose2].
// A per-runner Chain runs strictly sequentially over one event at a
// time, preserving upstream order.
type Chain struct {
	analyzers []Analyzer
}

// NewChain returns a [*Chain] running analyzers in the given order.
func NewChain(analyzers ...Analyzer) *Chain {
	return &Chain{analyzers: analyzers}
}

// Analyzers returns the chain's analyzers in processing order.
func (c *Chain) Analyzers() []Analyzer {
	return c.analyzers
}

// Run wires in through every analyzer in order and pushes final output to
// out. It returns once in closes, every intermediate stage has finished,
// and every stage has been flushed.
func (c *Chain) Run(ctx context.Context, in <-chan Event, out chan<- Event) error {
	if len(c.analyzers) == 0 {
		return passthrough(ctx, in, out)
	}

	stage := in
	errs := make([]error, len(c.analyzers))
	stageOut := make([]chan Event, len(c.analyzers))
	done := make(chan struct{}, len(c.analyzers))
	var forwarded chan struct{}

	for i, az := range c.analyzers {
		i, az := i, az
		var stageIn <-chan Event = stage
		isLast := i == len(c.analyzers)-1
		var next chan Event
		if isLast {
			next = make(chan Event)
			stageOut[i] = next
			go func() {
				defer close(next)
				errs[i] = az.Process(ctx, stageIn, next)
				_ = az.Flush(ctx, next)
				done <- struct{}{}
			}()
			forwarded = make(chan struct{})
			go func() {
				defer close(forwarded)
				for ev := range next {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}()
		} else {
			next = make(chan Event, 4096)
			stageOut[i] = next
			go func() {
				defer close(next)
				errs[i] = az.Process(ctx, stageIn, next)
				_ = az.Flush(ctx, next)
				done <- struct{}{}
			}()
		}
		stage = next
	}

	for range c.analyzers {
		<-done
	}
	<-forwarded
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func passthrough(ctx context.Context, in <-chan Event, out chan<- Event) error {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
