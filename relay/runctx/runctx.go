// Package runctx tracks lightweight per-run metadata for in-flight agent runs.
//
// The registry caches the facts downstream stages need on every event — the
// owning session key, the configured tool verbosity, and whether the run was
// triggered by a heartbeat — so they are resolved once when the run starts
// rather than re-derived from configuration per event.
//
// Entries are registered when a run starts and cleared exactly once when the
// run reaches a terminal lifecycle phase, bounding the table to live runs.
package runctx

import "sync"

type (
	// Verbosity controls how much tool-call detail is exposed to an audience.
	Verbosity string

	// Context carries cached metadata about an in-flight run. The zero value
	// means "nothing known yet"; fields are filled in by successive Register
	// calls and never reverted to empty.
	Context struct {
		// SessionKey identifies the session that owns the run. Empty when the
		// run is not bound to a session (e.g., ad-hoc CLI runs).
		SessionKey string
		// Verbosity is the run-level tool verbosity override. Empty means no
		// override; resolution falls through to session and default settings.
		Verbosity Verbosity
		// Heartbeat marks runs triggered by a periodic wake rather than a user
		// action. Heartbeat runs may be suppressed from global broadcast.
		Heartbeat bool
	}

	// Registry is a process-wide table mapping run IDs to their Context.
	// It is safe for concurrent use.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]Context
	}
)

const (
	// VerbosityOff hides tool telemetry entirely.
	VerbosityOff Verbosity = "off"
	// VerbosityPartial exposes tool call metadata but strips result content.
	VerbosityPartial Verbosity = "partial"
	// VerbosityFull exposes tool call metadata and results.
	VerbosityFull Verbosity = "full"
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Context)}
}

// Register stores metadata for a run. Registration is an idempotent merge:
// the first call stores the context as-is, later calls only fill in fields
// that are still unset. A field that already has a value is never overwritten,
// so a run's session key cannot revert to empty or change mid-run.
func (r *Registry) Register(runID string, c Context) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.entries[runID]
	if !ok {
		r.entries[runID] = c
		return
	}
	if existing.SessionKey == "" {
		existing.SessionKey = c.SessionKey
	}
	if existing.Verbosity == "" {
		existing.Verbosity = c.Verbosity
	}
	if c.Heartbeat {
		existing.Heartbeat = true
	}
	r.entries[runID] = existing
}

// Get returns the cached context for a run and whether one exists.
func (r *Registry) Get(runID string) (Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[runID]
	return c, ok
}

// Clear removes the entry for a run. It is called when the run's lifecycle
// reaches a terminal phase; clearing an absent entry is a no-op.
func (r *Registry) Clear(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, runID)
}
