// Package pulse exposes relay transport implementations that publish to
// goa.design/pulse streams. It mirrors the layering used by existing Pulse
// deployments: services build a Redis client, pass it to the Pulse client,
// and hand the resulting transport to the broadcast router.
//
// Audiences map to streams: the global channel is one well-known stream,
// each connection and each session gets its own. Channel adapters consume
// the streams they care about with Pulse sinks on their side.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/features/transport/pulse/clients/pulse"
	"goa.design/relay/relay/transport"
)

const (
	// GlobalStream is the stream every observer may follow.
	GlobalStream = "relay/global"
	// DefaultDropTimeout bounds publishes flagged DropIfSlow.
	DefaultDropTimeout = 100 * time.Millisecond
)

type (
	// Options configures the Pulse transport.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// DropTimeout bounds publishes flagged DropIfSlow. Defaults to
		// DefaultDropTimeout.
		DropTimeout time.Duration
	}

	// Transport publishes relay deliveries into Pulse streams. It implements
	// transport.Broadcaster and transport.SessionSender. Thread-safe for
	// concurrent use.
	Transport struct {
		client      pulse.Client
		dropTimeout time.Duration
	}

	// envelope wraps relay payloads for transmission over Pulse streams.
	envelope struct {
		// Event is the relay event name ("agent" or "chat").
		Event string `json:"event"`
		// Timestamp records when the payload was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the delivered value.
		Payload any `json:"payload,omitempty"`
	}
)

// New constructs a Pulse-backed transport. The Client field in opts is
// required.
func New(opts Options) (*Transport, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	t := &Transport{client: opts.Client, dropTimeout: DefaultDropTimeout}
	if opts.DropTimeout > 0 {
		t.dropTimeout = opts.DropTimeout
	}
	return t, nil
}

// BroadcastGlobal implements transport.Broadcaster by publishing to the
// global stream.
func (t *Transport) BroadcastGlobal(ctx context.Context, event string, payload any, opts transport.SendOptions) error {
	return t.publish(ctx, GlobalStream, event, payload, opts)
}

// BroadcastToConnections implements transport.Broadcaster by publishing to
// each connection's stream. Delivery is best-effort per connection: the
// first publish error is returned but remaining connections are still
// attempted.
func (t *Transport) BroadcastToConnections(ctx context.Context, event string, payload any, connIDs []string, opts transport.SendOptions) error {
	var firstErr error
	for _, connID := range connIDs {
		if connID == "" {
			continue
		}
		if err := t.publish(ctx, ConnectionStream(connID), event, payload, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendToSession implements transport.SessionSender by publishing to the
// session's stream.
func (t *Transport) SendToSession(ctx context.Context, sessionKey, event string, payload any) error {
	if sessionKey == "" {
		return errors.New("session key is required")
	}
	return t.publish(ctx, SessionStream(sessionKey), event, payload, transport.SendOptions{})
}

// Close releases resources owned by the transport. This delegates to the
// underlying Pulse client, which may or may not close the Redis connection
// depending on the client implementation.
func (t *Transport) Close(ctx context.Context) error {
	return t.client.Close(ctx)
}

// publish wraps the payload in an envelope and adds it to the named stream.
// DropIfSlow bounds the operation so a congested stream sheds the payload
// instead of stalling the caller.
func (t *Transport) publish(ctx context.Context, streamID, event string, payload any, opts transport.SendOptions) error {
	handle, err := t.client.Stream(streamID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if opts.DropIfSlow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.dropTimeout)
		defer cancel()
	}
	if _, err := handle.Add(ctx, event, body); err != nil {
		return err
	}
	return nil
}

// ConnectionStream returns the stream name carrying one connection's events.
func ConnectionStream(connID string) string {
	return "relay/conn/" + connID
}

// SessionStream returns the stream name carrying one session's events.
func SessionStream(sessionKey string) string {
	return "relay/session/" + sessionKey
}
