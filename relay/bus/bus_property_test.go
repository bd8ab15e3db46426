package bus

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"goa.design/relay/relay/runctx"
)

// TestSequenceNumbersAreContiguousProperty verifies that for any sequence of
// emit calls on a single run, delivered events carry seq values exactly 1..N
// in emission order, after duplicate suppression.
func TestSequenceNumbersAreContiguousProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delivered seq values are exactly 1..N in emission order", prop.ForAll(
		func(texts []string) bool {
			b, err := New(Options{Contexts: runctx.NewRegistry()})
			if err != nil {
				return false
			}
			var got []Event
			if _, err := b.Register(SubscriberFunc(func(_ context.Context, event Event) error {
				got = append(got, event)
				return nil
			})); err != nil {
				return false
			}

			ctx := context.Background()
			accepted := 0
			last := ""
			for _, text := range texts {
				_, ok := b.Emit(ctx, EventInput{
					RunID:  "r1",
					Stream: StreamAssistant,
					Data:   map[string]any{"text": text},
				})
				dup := text != "" && text == last
				if ok == dup {
					return false // acceptance must mirror the dedup rule
				}
				if ok {
					accepted++
				}
				last = text
			}

			if len(got) != accepted {
				return false
			}
			for i, ev := range got {
				if ev.Seq != i+1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("", "a", "ab", "abc", "b")),
	))

	properties.TestingRun(t)
}

// TestInterleavedRunsSequenceIndependentlyProperty verifies that interleaving
// emissions across runs never perturbs any single run's 1..N numbering.
func TestInterleavedRunsSequenceIndependentlyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("each run's events are numbered 1..N regardless of interleaving", prop.ForAll(
		func(runs []bool) bool {
			b, err := New(Options{Contexts: runctx.NewRegistry()})
			if err != nil {
				return false
			}
			seqs := map[string][]int{}
			if _, err := b.Register(SubscriberFunc(func(_ context.Context, event Event) error {
				seqs[event.RunID] = append(seqs[event.RunID], event.Seq)
				return nil
			})); err != nil {
				return false
			}

			ctx := context.Background()
			for _, first := range runs {
				runID := "r1"
				if !first {
					runID = "r2"
				}
				if _, ok := b.Emit(ctx, EventInput{RunID: runID, Stream: StreamLifecycle}); !ok {
					return false
				}
			}

			for _, s := range seqs {
				for i, seq := range s {
					if seq != i+1 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
