// Package inmem provides an in-memory implementation of the relay transport
// interfaces. It records every delivery so tests and the demo binary can
// assert on exactly what the router sent, and to whom.
package inmem

import (
	"context"
	"sync"

	"goa.design/relay/relay/transport"
)

type (
	// Kind distinguishes the three delivery primitives.
	Kind string

	// Delivery is one recorded transport call.
	Delivery struct {
		// Kind identifies which primitive was invoked.
		Kind Kind
		// Event is the transport event name ("agent" or "chat").
		Event string
		// Payload is the delivered value, unmodified.
		Payload any
		// ConnIDs holds the target connections for per-connection broadcasts.
		ConnIDs []string
		// SessionKey holds the target session for session sends.
		SessionKey string
		// Opts are the send options the router passed.
		Opts transport.SendOptions
	}

	// Transport implements transport.Broadcaster and transport.SessionSender
	// by recording deliveries in memory. Safe for concurrent use.
	Transport struct {
		mu         sync.Mutex
		deliveries []Delivery
	}
)

const (
	// KindGlobal marks a global broadcast.
	KindGlobal Kind = "global"
	// KindConnections marks a per-connection broadcast.
	KindConnections Kind = "connections"
	// KindSession marks a direct session send.
	KindSession Kind = "session"
)

// New returns an empty recording transport.
func New() *Transport {
	return &Transport{}
}

// BroadcastGlobal implements transport.Broadcaster.
func (t *Transport) BroadcastGlobal(_ context.Context, event string, payload any, opts transport.SendOptions) error {
	t.record(Delivery{Kind: KindGlobal, Event: event, Payload: payload, Opts: opts})
	return nil
}

// BroadcastToConnections implements transport.Broadcaster.
func (t *Transport) BroadcastToConnections(_ context.Context, event string, payload any, connIDs []string, opts transport.SendOptions) error {
	ids := make([]string, len(connIDs))
	copy(ids, connIDs)
	t.record(Delivery{Kind: KindConnections, Event: event, Payload: payload, ConnIDs: ids, Opts: opts})
	return nil
}

// SendToSession implements transport.SessionSender.
func (t *Transport) SendToSession(_ context.Context, sessionKey, event string, payload any) error {
	t.record(Delivery{Kind: KindSession, Event: event, Payload: payload, SessionKey: sessionKey})
	return nil
}

// Deliveries returns a snapshot of all recorded deliveries in order.
func (t *Transport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Delivery, len(t.deliveries))
	copy(out, t.deliveries)
	return out
}

// Reset discards recorded deliveries.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries = nil
}

func (t *Transport) record(d Delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries = append(t.deliveries, d)
}
