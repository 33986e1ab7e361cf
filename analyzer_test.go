// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runAnalyzer feeds events through az, collects everything Process and
// Flush emit, and returns once the input is drained and the analyzer
// has been flushed.
func runAnalyzer(t *testing.T, az Analyzer, events []Event) []Event {
	t.Helper()

	in := make(chan Event, len(events))
	out := make(chan Event, len(events)*4+16)
	for _, ev := range events {
		in <- ev
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, az.Process(ctx, in, out))
	require.NoError(t, az.Flush(ctx, out))
	close(out)

	var result []Event
	for ev := range out {
		result = append(result, ev)
	}
	return result
}

func TestChainRunsStagesInOrder(t *testing.T) {
	upper := stageFunc(func(ev Event) Event {
		return ev.WithData(withKey(ev.Data, "stage1", true))
	})
	tag := stageFunc(func(ev Event) Event {
		// stage2 is true only if stage1 already ran on this event.
		return ev.WithData(withKey(ev.Data, "stage2", ev.Data["stage1"] == true))
	})
	chain := NewChain(upper, tag)

	in := make(chan Event, 1)
	out := make(chan Event, 4)
	in <- NewEvent(1, "process", 1, "x", nil)
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, chain.Run(ctx, in, out))
	close(out)

	ev := <-out
	require.Equal(t, true, ev.Data["stage1"])
	require.Equal(t, true, ev.Data["stage2"])
}

func TestChainEmptyIsPassthrough(t *testing.T) {
	chain := NewChain()
	in := make(chan Event, 1)
	out := make(chan Event, 1)
	ev := NewEvent(1, "process", 1, "x", nil)
	in <- ev
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, chain.Run(ctx, in, out))
	close(out)

	got := <-out
	require.Equal(t, ev.ID, got.ID)
}

// stageFunc adapts a pure Event->Event transform into an [Analyzer].
type stageFunc func(Event) Event

func (f stageFunc) Name() string { return "stage" }

func (f stageFunc) Process(ctx context.Context, in <-chan Event, out chan<- Event) error {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if err := emitTo(ctx, out, f(ev)); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f stageFunc) Flush(ctx context.Context, out chan<- Event) error { return nil }
