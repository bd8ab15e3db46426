// Package bus implements the agent run event bus: the sequencing and fan-out
// layer between the agent executor producing raw events and the observers
// consuming them.
//
// The bus assigns a strictly increasing per-run sequence number to every
// accepted event, suppresses duplicate assistant text, resolves the owning
// session key through the run context registry, and hands the finished event
// to every subscriber. Dispatch is synchronous on the producer's goroutine;
// a subscriber that fails is isolated so one bad consumer cannot block or
// crash delivery to the others.
//
// Typical usage:
//
//	b, _ := bus.New(bus.Options{Contexts: contexts})
//	sub, _ := b.Register(router)
//	defer sub.Close()
//
//	b.Emit(ctx, bus.EventInput{
//	    RunID:  "run-123",
//	    Stream: bus.StreamLifecycle,
//	    Data:   map[string]any{"phase": bus.PhaseStart},
//	})
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/relay/relay/runctx"
	"goa.design/relay/relay/telemetry"
)

type (
	// Subscriber reacts to sequenced events. Subscribers are invoked inline,
	// in registration order, on whatever goroutine called Emit.
	//
	// A subscriber that returns an error or panics is logged and skipped;
	// delivery to the remaining subscribers and future events is unaffected.
	Subscriber interface {
		// HandleEvent processes one sequenced event. The context originates
		// from the Emit call.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts an ordinary function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is a handle for unregistering a subscriber. Close is
	// idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	// Options configures a Bus.
	Options struct {
		// Contexts resolves session keys for events that don't carry one.
		// Required.
		Contexts *runctx.Registry
		// Logger receives subscriber failure reports. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records emission counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, primarily for tests.
		Now func() time.Time
	}

	// Bus sequences events and fans them out to subscribers. Safe for
	// concurrent use; events for a given run must not be emitted re-entrantly
	// from concurrent goroutines if strict per-run ordering is required, as
	// ordering is defined by emission order.
	Bus struct {
		contexts *runctx.Registry
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time

		mu       sync.Mutex
		seqs     map[string]int
		lastText map[string]string
		// subscribers is ordered: events are delivered in registration order.
		subscribers []*subscription
	}

	subscription struct {
		bus  *Bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber by invoking the function.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// New constructs a Bus. The Contexts field in opts is required.
func New(opts Options) (*Bus, error) {
	if opts.Contexts == nil {
		return nil, errors.New("run context registry is required")
	}
	b := &Bus{
		contexts: opts.Contexts,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		now:      time.Now,
		seqs:     make(map[string]int),
		lastText: make(map[string]string),
	}
	if opts.Logger != nil {
		b.logger = opts.Logger
	}
	if opts.Metrics != nil {
		b.metrics = opts.Metrics
	}
	if opts.Now != nil {
		b.now = opts.Now
	}
	return b, nil
}

// Register adds a subscriber and returns a Subscription that can be closed to
// unregister. Returns an error if sub is nil.
func (b *Bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
	return s, nil
}

// Emit turns a caller-supplied event into a fully-formed Event and delivers
// it to every subscriber. Returns the sequenced event and whether it was
// accepted; duplicate assistant text is discarded without advancing the
// sequence counter or notifying subscribers.
func (b *Bus) Emit(ctx context.Context, in EventInput) (Event, bool) {
	if in.RunID == "" {
		return Event{}, false
	}

	b.mu.Lock()
	if in.Stream == StreamAssistant {
		if text, ok := in.Data["text"].(string); ok {
			if text != "" && text == b.lastText[in.RunID] {
				b.mu.Unlock()
				b.metrics.IncCounter(telemetry.MetricDuplicatesSuppressed, 1)
				return Event{}, false
			}
			b.lastText[in.RunID] = text
		}
	}
	if in.Stream == StreamLifecycle {
		if p, _ := in.Data["phase"].(string); p == PhaseEnd || p == PhaseError {
			delete(b.lastText, in.RunID)
		}
	}
	b.seqs[in.RunID]++
	seq := b.seqs[in.RunID]
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s.sub)
	}
	b.mu.Unlock()

	sessionKey := in.SessionKey
	if sessionKey == "" {
		if c, ok := b.contexts.Get(in.RunID); ok {
			sessionKey = c.SessionKey
		}
	}

	event := Event{
		RunID:      in.RunID,
		Seq:        seq,
		Stream:     in.Stream,
		Ts:         b.now().UnixMilli(),
		SessionKey: sessionKey,
		Data:       in.Data,
	}
	b.metrics.IncCounter(telemetry.MetricEventsEmitted, 1, "stream", string(in.Stream))

	for _, sub := range subs {
		b.dispatch(ctx, sub, event)
	}
	return event, true
}

// dispatch invokes one subscriber, containing panics and errors so delivery
// to the remaining subscribers is unaffected.
func (b *Bus) dispatch(ctx context.Context, sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.IncCounter(telemetry.MetricSubscriberPanics, 1)
			b.logger.Error(ctx, "relay subscriber panicked",
				"run_id", event.RunID, "seq", event.Seq, "panic", r)
		}
	}()
	if err := sub.HandleEvent(ctx, event); err != nil {
		b.metrics.IncCounter(telemetry.MetricSubscriberPanics, 1)
		b.logger.Warn(ctx, "relay subscriber failed",
			"run_id", event.RunID, "seq", event.Seq, "err", err)
	}
}

// Close removes the subscriber from the bus. Idempotent and thread-safe.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, cur := range s.bus.subscribers {
			if cur == s {
				s.bus.subscribers = append(s.bus.subscribers[:i], s.bus.subscribers[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
