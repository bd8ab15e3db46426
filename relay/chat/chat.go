// Package chat correlates internal run identifiers with the externally visible
// identifiers used by "simple chat" clients, and defines the wire payloads of
// the simplified delta/final/error chat protocol.
//
// Chat clients choose their own run identifier when dispatching a request;
// that identifier is not guaranteed unique across the gateway's internal run
// ID space. The Runs registry therefore keeps a FIFO of pending requests per
// session: the next internal run completing for a session is matched with the
// oldest still-pending request from that session. This holds exactly for the
// typical single-in-flight-per-session usage and degrades gracefully (still
// correct, possibly out of strict request order) under concurrent sends.
package chat

import "sync"

type (
	// Entry is one pending chat request bound to a session.
	Entry struct {
		// SessionKey identifies the session the request was sent under.
		SessionKey string
		// ClientRunID is the identifier the requesting client chose for the run.
		ClientRunID string
	}

	// Runs is a per-session FIFO of outstanding chat requests.
	// It is safe for concurrent use.
	Runs struct {
		mu     sync.Mutex
		queues map[string][]Entry
	}
)

// NewRuns returns an empty Runs registry.
func NewRuns() *Runs {
	return &Runs{queues: make(map[string][]Entry)}
}

// Add appends an entry to the session's queue, creating the queue if absent.
func (r *Runs) Add(sessionID string, e Entry) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[sessionID] = append(r.queues[sessionID], e)
}

// Peek returns the front entry of the session's queue without removing it.
// Used to discover whether the current bus event belongs to an outstanding
// chat request before deciding how to project it.
func (r *Runs) Peek(sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[sessionID]
	if len(q) == 0 {
		return Entry{}, false
	}
	return q[0], true
}

// Shift pops and returns the front entry of the session's queue. The queue is
// deleted once it becomes empty. Shifting an empty or absent session returns
// false and does not create an entry.
func (r *Runs) Shift(sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[sessionID]
	if len(q) == 0 {
		return Entry{}, false
	}
	e := q[0]
	if len(q) == 1 {
		delete(r.queues, sessionID)
	} else {
		r.queues[sessionID] = q[1:]
	}
	return e, true
}

// Remove deletes the first entry matching clientRunID regardless of position.
// When sessionKey is non-empty the entry must also match it. Used for abort
// cleanup, where the entry being removed may not be at the front. Returns
// whether an entry was removed.
func (r *Runs) Remove(sessionID, clientRunID, sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[sessionID]
	for i, e := range q {
		if e.ClientRunID != clientRunID {
			continue
		}
		if sessionKey != "" && e.SessionKey != sessionKey {
			continue
		}
		q = append(q[:i], q[i+1:]...)
		if len(q) == 0 {
			delete(r.queues, sessionID)
		} else {
			r.queues[sessionID] = q
		}
		return true
	}
	return false
}
