// Package transport defines the delivery primitives the broadcast router
// depends on. Implementations adapt these calls to an actual wire transport
// (WebSocket fan-out, Pulse streams, SSE); the router treats all delivery as
// best-effort and never retries.
package transport

import "context"

type (
	// SendOptions tunes delivery of a single broadcast.
	SendOptions struct {
		// DropIfSlow lets the transport discard the payload rather than block
		// when a consumer cannot keep up. The router sets it on globally
		// broadcast assistant deltas and chat finals so a slow global
		// subscriber cannot stall a session's own delivery.
		DropIfSlow bool
	}

	// Broadcaster fans a payload out to audiences: the global channel every
	// observer sees, or an explicit set of connections.
	//
	// Implementations must be safe for concurrent use. Errors indicate the
	// transport could not accept the payload; callers treat delivery as
	// best-effort and do not retry.
	Broadcaster interface {
		// BroadcastGlobal delivers the named event to every connected observer.
		BroadcastGlobal(ctx context.Context, event string, payload any, opts SendOptions) error

		// BroadcastToConnections delivers the named event only to the given
		// connections. Unknown connection IDs are skipped silently.
		BroadcastToConnections(ctx context.Context, event string, payload any, connIDs []string, opts SendOptions) error
	}

	// SessionSender delivers a payload directly to the node owning a session,
	// independent of global broadcast.
	SessionSender interface {
		// SendToSession delivers the named event to the session's node.
		SendToSession(ctx context.Context, sessionKey, event string, payload any) error
	}
)

// Event names used by the relay on all transports.
const (
	// EventAgent carries raw run events (lifecycle, tool, assistant, error).
	EventAgent = "agent"
	// EventChat carries the projected delta/final/error chat protocol.
	EventChat = "chat"
)
