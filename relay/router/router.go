// Package router implements the broadcast router: the orchestration point
// that consumes sequenced run events one at a time and decides who sees what.
//
// Per event the router detects sequence gaps, applies verbosity-based
// redaction to tool telemetry, fans the event out to the right audiences
// (global broadcast, the owning session's node, or the explicit set of
// tool-event recipients), projects assistant text into the throttled
// delta/final chat protocol, and drives cleanup of the shared registries when
// a run reaches a terminal lifecycle phase.
//
// No step may fail past its boundary: a missing recipient set, an
// unresolvable verbosity, or a transport error degrades to "skip this
// delivery" rather than aborting the event's processing.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/relay/relay/bus"
	"goa.design/relay/relay/chat"
	"goa.design/relay/relay/recipients"
	"goa.design/relay/relay/runctx"
	"goa.design/relay/relay/telemetry"
	"goa.design/relay/relay/transport"
)

// DefaultDeltaInterval is the minimum time between chat deltas per client run.
const DefaultDeltaInterval = 150 * time.Millisecond

type (
	// Config wires the router to the shared registries, the transports, and
	// the externally resolved settings it consults per event.
	Config struct {
		// Contexts is the run context registry. Required.
		Contexts *runctx.Registry
		// ChatRuns is the pending chat request registry. Required.
		ChatRuns *chat.Runs
		// Recipients is the tool-event recipient registry. Required.
		Recipients *recipients.Registry
		// Broadcaster delivers global and per-connection broadcasts. Required.
		Broadcaster transport.Broadcaster
		// Sessions delivers directly to a session's node. Required.
		Sessions transport.SessionSender

		// SessionVerbosity resolves the session-level tool verbosity setting.
		// Optional; consulted when the run carries no override.
		SessionVerbosity func(sessionKey string) runctx.Verbosity
		// DefaultVerbosity is the agent-default tool verbosity. Empty falls
		// through to "off".
		DefaultVerbosity runctx.Verbosity
		// HeartbeatsVisible controls whether heartbeat-triggered runs
		// broadcast their chat projection globally.
		HeartbeatsVisible bool
		// DeltaInterval overrides the minimum interval between chat deltas.
		DeltaInterval time.Duration

		// Logger receives skipped-delivery reports. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records routing counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, primarily for tests.
		Now func() time.Time
	}

	// Router consumes sequenced events and routes them to transports. It
	// implements bus.Subscriber. Safe for concurrent use.
	Router struct {
		contexts   *runctx.Registry
		chatRuns   *chat.Runs
		recipients *recipients.Registry
		caster     transport.Broadcaster
		sessions   transport.SessionSender

		sessionVerbosity func(string) runctx.Verbosity
		defaultVerbosity runctx.Verbosity
		heartbeatsOn     bool
		deltaInterval    time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time

		mu       sync.Mutex
		lastSeq  map[string]int
		buffers  map[string]string
		limiters map[string]*rate.Limiter
		aborted  map[string]string
	}
)

// New constructs a Router. All registry and transport fields in cfg are
// required.
func New(cfg Config) (*Router, error) {
	switch {
	case cfg.Contexts == nil:
		return nil, errors.New("run context registry is required")
	case cfg.ChatRuns == nil:
		return nil, errors.New("chat run registry is required")
	case cfg.Recipients == nil:
		return nil, errors.New("recipient registry is required")
	case cfg.Broadcaster == nil:
		return nil, errors.New("broadcaster is required")
	case cfg.Sessions == nil:
		return nil, errors.New("session sender is required")
	}
	r := &Router{
		contexts:         cfg.Contexts,
		chatRuns:         cfg.ChatRuns,
		recipients:       cfg.Recipients,
		caster:           cfg.Broadcaster,
		sessions:         cfg.Sessions,
		sessionVerbosity: cfg.SessionVerbosity,
		defaultVerbosity: cfg.DefaultVerbosity,
		heartbeatsOn:     cfg.HeartbeatsVisible,
		deltaInterval:    DefaultDeltaInterval,
		logger:           telemetry.NewNoopLogger(),
		metrics:          telemetry.NewNoopMetrics(),
		now:              time.Now,
		lastSeq:          make(map[string]int),
		buffers:          make(map[string]string),
		limiters:         make(map[string]*rate.Limiter),
		aborted:          make(map[string]string),
	}
	if cfg.DeltaInterval > 0 {
		r.deltaInterval = cfg.DeltaInterval
	}
	if cfg.Logger != nil {
		r.logger = cfg.Logger
	}
	if cfg.Metrics != nil {
		r.metrics = cfg.Metrics
	}
	if cfg.Now != nil {
		r.now = cfg.Now
	}
	return r, nil
}

// MarkAborted records that a run was cancelled by its caller. In-flight late
// events for the run are still routed to observers, but the chat projection
// is suppressed; the marker and any buffered text are cleared when the run's
// own terminal lifecycle event arrives.
func (r *Router) MarkAborted(runID, clientRunID string) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	r.aborted[runID] = clientRunID
	r.mu.Unlock()
}

// HandleEvent implements bus.Subscriber. It never returns a non-nil error:
// partial failures degrade to skipped deliveries.
func (r *Router) HandleEvent(ctx context.Context, ev bus.Event) error {
	sessionKey := ev.SessionKey
	clientRunID := ev.RunID
	if sessionKey != "" {
		if link, ok := r.chatRuns.Peek(sessionKey); ok && link.ClientRunID != "" {
			clientRunID = link.ClientRunID
		}
	}

	r.checkGap(ctx, ev)

	if ev.Stream == bus.StreamTool {
		r.deliverTool(ctx, ev, sessionKey)
		return nil
	}

	r.broadcastGlobal(ctx, transport.EventAgent, ev, transport.SendOptions{
		DropIfSlow: ev.Stream == bus.StreamAssistant,
	})
	if sessionKey != "" {
		r.sendSession(ctx, sessionKey, transport.EventAgent, ev)
	}

	terminal := ev.Terminal()
	suppressed := r.heartbeatSuppressed(ev.RunID)
	switch {
	case terminal && r.isAborted(ev.RunID):
		r.abortCleanup(ev.RunID, sessionKey, clientRunID)
	case sessionKey != "" && !r.isAborted(ev.RunID):
		r.project(ctx, ev, sessionKey, clientRunID, suppressed)
	}

	if terminal {
		r.recipients.MarkFinal(ev.RunID)
		r.contexts.Clear(ev.RunID)
	}
	return nil
}

// checkGap records the event's sequence number and reports a diagnostic when
// it does not follow the last one observed for the run. A gap is reported,
// not fatal: the caller continues processing the real event.
func (r *Router) checkGap(ctx context.Context, ev bus.Event) {
	r.mu.Lock()
	expected := r.lastSeq[ev.RunID] + 1
	r.lastSeq[ev.RunID] = ev.Seq
	r.mu.Unlock()
	if ev.Seq == expected {
		return
	}
	r.metrics.IncCounter(telemetry.MetricSeqGaps, 1)
	diag := bus.Event{
		RunID:      ev.RunID,
		Seq:        ev.Seq,
		Stream:     bus.StreamError,
		Ts:         r.now().UnixMilli(),
		SessionKey: ev.SessionKey,
		Data: map[string]any{
			"reason":   "seq gap",
			"expected": expected,
			"received": ev.Seq,
		},
	}
	r.broadcastGlobal(ctx, transport.EventAgent, diag, transport.SendOptions{})
}

// deliverTool routes a tool event to the run's recipient connections after
// verbosity gating. Raw tool payloads are never broadcast globally.
func (r *Router) deliverTool(ctx context.Context, ev bus.Event, sessionKey string) {
	v := r.resolveVerbosity(ev.RunID, sessionKey)
	if v == runctx.VerbosityOff {
		return
	}
	if v != runctx.VerbosityFull {
		ev = redactTool(ev)
	}
	conns, ok := r.recipients.Get(ev.RunID)
	if !ok || len(conns) == 0 {
		return
	}
	if err := r.caster.BroadcastToConnections(ctx, transport.EventAgent, ev, conns, transport.SendOptions{}); err != nil {
		r.metrics.IncCounter(telemetry.MetricDeliveriesSkipped, 1)
		r.logger.Debug(ctx, "tool fan-out skipped", "run_id", ev.RunID, "err", err)
	}
}

// project turns assistant text and terminal lifecycle events into the
// delta/final/error chat protocol for the owning session.
func (r *Router) project(ctx context.Context, ev bus.Event, sessionKey, clientRunID string, suppressed bool) {
	switch {
	case ev.Stream == bus.StreamAssistant:
		text := ev.Text()
		if text == "" {
			return
		}
		// Events carry cumulative text: replace, don't append.
		r.mu.Lock()
		r.buffers[clientRunID] = text
		lim, ok := r.limiters[clientRunID]
		if !ok {
			lim = rate.NewLimiter(rate.Every(r.deltaInterval), 1)
			r.limiters[clientRunID] = lim
		}
		r.mu.Unlock()
		if !lim.Allow() {
			r.metrics.IncCounter(telemetry.MetricDeltasThrottled, 1)
			return
		}
		p := chat.Payload{
			RunID:      clientRunID,
			SessionKey: sessionKey,
			Seq:        ev.Seq,
			State:      chat.StateDelta,
			Message:    chat.NewMessage(text, ev.Ts),
		}
		r.emitChat(ctx, sessionKey, p, suppressed, true)

	case ev.Terminal():
		// The popped chat-link is authoritative for identifiers.
		if link, ok := r.chatRuns.Shift(sessionKey); ok {
			if link.SessionKey != "" {
				sessionKey = link.SessionKey
			}
			if link.ClientRunID != "" {
				clientRunID = link.ClientRunID
			}
		}
		r.mu.Lock()
		text := r.buffers[clientRunID]
		delete(r.buffers, clientRunID)
		delete(r.limiters, clientRunID)
		r.mu.Unlock()

		p := chat.Payload{
			RunID:      clientRunID,
			SessionKey: sessionKey,
			Seq:        ev.Seq,
		}
		if ev.Phase() == bus.PhaseError {
			p.State = chat.StateError
			p.ErrorMessage = formatRunError(ev)
			r.emitChat(ctx, sessionKey, p, false, false)
			return
		}
		p.State = chat.StateFinal
		if text != "" {
			p.Message = chat.NewMessage(text, ev.Ts)
		}
		r.emitChat(ctx, sessionKey, p, suppressed, true)
	}
}

// emitChat delivers a chat payload to the global channel (unless suppressed
// for a hidden heartbeat run) and to the owning session's node.
func (r *Router) emitChat(ctx context.Context, sessionKey string, p chat.Payload, suppressGlobal, dropIfSlow bool) {
	if !suppressGlobal {
		r.broadcastGlobal(ctx, transport.EventChat, p, transport.SendOptions{DropIfSlow: dropIfSlow})
	}
	r.sendSession(ctx, sessionKey, transport.EventChat, p)
}

// abortCleanup clears the abort marker and all chat-projection state for a
// cancelled run without emitting anything: the caller already knows it
// cancelled the run.
func (r *Router) abortCleanup(runID, sessionKey, clientRunID string) {
	r.mu.Lock()
	if cid := r.aborted[runID]; cid != "" {
		clientRunID = cid
	}
	delete(r.aborted, runID)
	delete(r.buffers, clientRunID)
	delete(r.limiters, clientRunID)
	r.mu.Unlock()
	if sessionKey != "" {
		r.chatRuns.Remove(sessionKey, clientRunID, "")
	}
}

// resolveVerbosity resolves the tool verbosity for a run: run-level override,
// then session-level setting, then the agent default, then off.
func (r *Router) resolveVerbosity(runID, sessionKey string) runctx.Verbosity {
	if c, ok := r.contexts.Get(runID); ok && c.Verbosity != "" {
		return c.Verbosity
	}
	if r.sessionVerbosity != nil && sessionKey != "" {
		if v := r.sessionVerbosity(sessionKey); v != "" {
			return v
		}
	}
	if r.defaultVerbosity != "" {
		return r.defaultVerbosity
	}
	return runctx.VerbosityOff
}

// heartbeatSuppressed reports whether the run is a heartbeat whose global
// visibility is turned off.
func (r *Router) heartbeatSuppressed(runID string) bool {
	if r.heartbeatsOn {
		return false
	}
	c, ok := r.contexts.Get(runID)
	return ok && c.Heartbeat
}

func (r *Router) isAborted(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.aborted[runID]
	return ok
}

func (r *Router) broadcastGlobal(ctx context.Context, event string, payload any, opts transport.SendOptions) {
	if err := r.caster.BroadcastGlobal(ctx, event, payload, opts); err != nil {
		r.metrics.IncCounter(telemetry.MetricDeliveriesSkipped, 1)
		r.logger.Debug(ctx, "global broadcast skipped", "event", event, "err", err)
	}
}

func (r *Router) sendSession(ctx context.Context, sessionKey, event string, payload any) {
	if err := r.sessions.SendToSession(ctx, sessionKey, event, payload); err != nil {
		r.metrics.IncCounter(telemetry.MetricDeliveriesSkipped, 1)
		r.logger.Debug(ctx, "session delivery skipped", "event", event, "session", sessionKey, "err", err)
	}
}

// redactTool strips result content from a tool event's payload while keeping
// call metadata visible. The event's data map is copied, never mutated.
func redactTool(ev bus.Event) bus.Event {
	if ev.Data == nil {
		return ev
	}
	data := make(map[string]any, len(ev.Data))
	for k, v := range ev.Data {
		if k == "result" || k == "partialResult" {
			continue
		}
		data[k] = v
	}
	ev.Data = data
	return ev
}

// formatRunError renders the error carried by a terminal lifecycle event.
func formatRunError(ev bus.Event) string {
	v, ok := ev.Data["error"]
	if !ok || v == nil {
		return "agent run failed"
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("%v", v)
}
