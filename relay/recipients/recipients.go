// Package recipients tracks which connections are entitled to see a run's
// verbose tool telemetry.
//
// Tool events are never broadcast globally: a connection must be added to a
// run's recipient set to receive them. Entries have time-bounded retention so
// stale runs don't accumulate: an entry that was never finalized expires ten
// minutes after its last activity, and a finalized entry expires after a short
// grace window so a consumer mid-flight fetching the set for the run's last
// tool event still gets it.
//
// Pruning is lazy: every mutating or reading call sweeps the whole table
// instead of relying on a background timer. This trades slightly delayed
// reclamation for runs that are never touched again against the cost of an
// extra scheduled task.
package recipients

import (
	"sync"
	"time"
)

const (
	// DefaultIdleTTL is how long an unfinalized entry survives after its last
	// add or read.
	DefaultIdleTTL = 10 * time.Minute
	// DefaultFinalGrace is how long a finalized entry survives after being
	// marked final.
	DefaultFinalGrace = 30 * time.Second
)

type (
	// Options configures a Registry. The zero value uses production defaults.
	Options struct {
		// IdleTTL overrides the retention window for unfinalized entries.
		IdleTTL time.Duration
		// FinalGrace overrides the post-finalization grace window.
		FinalGrace time.Duration
		// Now overrides the clock, primarily for tests.
		Now func() time.Time
	}

	// Registry maps run IDs to the set of connections allowed to see that
	// run's tool telemetry. It is safe for concurrent use.
	Registry struct {
		mu         sync.Mutex
		entries    map[string]*entry
		idleTTL    time.Duration
		finalGrace time.Duration
		now        func() time.Time
	}

	entry struct {
		conns       map[string]struct{}
		updatedAt   time.Time
		finalizedAt *time.Time
	}
)

// NewRegistry constructs a Registry with the given options.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		idleTTL:    DefaultIdleTTL,
		finalGrace: DefaultFinalGrace,
		now:        time.Now,
	}
	if opts.IdleTTL > 0 {
		r.idleTTL = opts.IdleTTL
	}
	if opts.FinalGrace > 0 {
		r.finalGrace = opts.FinalGrace
	}
	if opts.Now != nil {
		r.now = opts.Now
	}
	return r
}

// Add grants a connection access to a run's tool telemetry. Creates the entry
// on first add, refreshes its activity timestamp, and prunes expired entries
// across the table. A no-op if either argument is empty.
func (r *Registry) Add(runID, connID string) {
	if runID == "" || connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	e, ok := r.entries[runID]
	if !ok {
		e = &entry{conns: make(map[string]struct{})}
		r.entries[runID] = e
	}
	e.conns[connID] = struct{}{}
	e.updatedAt = now
	r.prune(now)
}

// Get returns the live connection set for a run. A read counts as activity:
// the entry's timestamp is refreshed, though an already-expired entry is
// pruned rather than revived. The returned slice is a copy; callers may
// retain it.
func (r *Registry) Get(runID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.prune(now)
	e, ok := r.entries[runID]
	if !ok {
		return nil, false
	}
	e.updatedAt = now
	conns := make([]string, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	return conns, true
}

// MarkFinal stamps the entry's finalization time, starting the grace-period
// countdown rather than deleting immediately. A no-op if the run has no entry.
func (r *Registry) MarkFinal(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if e, ok := r.entries[runID]; ok && e.finalizedAt == nil {
		at := now
		e.finalizedAt = &at
	}
	r.prune(now)
}

// prune removes expired entries. Caller must hold r.mu.
func (r *Registry) prune(now time.Time) {
	for runID, e := range r.entries {
		if e.finalizedAt != nil {
			if !now.Before(e.finalizedAt.Add(r.finalGrace)) {
				delete(r.entries, runID)
			}
			continue
		}
		if !now.Before(e.updatedAt.Add(r.idleTTL)) {
			delete(r.entries, runID)
		}
	}
}
