// Package micgate implements the process-wide microphone availability flag
// that keeps the robot from hearing itself.
//
// The gate is a reference count of concurrent "noisy" activities (speaking,
// navigating, …), not a mutual-exclusion lock: any number of activities may
// hold it at once, and the microphone is available exactly when the count is
// zero. Capture polls [Gate.Available] before every device read; synthesis
// acquires the gate for the full audible lifetime of a response.
//
// Acquire returns a [Hold] handle that must be released. Releasing through
// the handle (idempotently) makes an unbalanced release unrepresentable:
// there is no release-by-name API to call without a prior acquire.
//
// The gate is created once in the composition root and injected everywhere
// it is needed.
package micgate

import (
	"log/slog"
	"sort"
	"sync"
)

// Gate is the reference-counted microphone availability flag.
// All methods are safe for concurrent use.
type Gate struct {
	mu         sync.Mutex
	activities map[string]int
	count      int
}

// New creates a Gate with no holders; the microphone starts available.
func New() *Gate {
	return &Gate{activities: make(map[string]int)}
}

// Acquire marks activity as noisy and returns the handle that ends it.
// The same activity name may be acquired multiple times concurrently; each
// Hold releases exactly one acquisition.
func (g *Gate) Acquire(activity string) *Hold {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.activities[activity]++
	g.count++
	slog.Debug("micgate: acquired", "activity", activity, "holders", g.count)
	return &Hold{gate: g, activity: activity}
}

// Available reports whether the microphone may be read: true iff no activity
// currently holds the gate.
func (g *Gate) Available() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count == 0
}

// Activities returns the sorted names of activities currently holding the
// gate. Intended for logs and diagnostics.
func (g *Gate) Activities() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.activities))
	for name := range g.activities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// release decrements the count for activity. Called only through Hold.
func (g *Gate) release(activity string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.activities[activity] <= 0 {
		// Cannot happen through the Hold API; guard against corruption anyway.
		slog.Error("micgate: release without matching acquire", "activity", activity)
		return
	}
	g.activities[activity]--
	if g.activities[activity] == 0 {
		delete(g.activities, activity)
	}
	g.count--
	slog.Debug("micgate: released", "activity", activity, "holders", g.count)
}

// Hold is the handle for one acquisition. Release is idempotent: only the
// first call decrements the gate.
type Hold struct {
	gate     *Gate
	activity string
	once     sync.Once
}

// Release ends the acquisition. Safe to call more than once and from any
// goroutine; subsequent calls are no-ops.
func (h *Hold) Release() {
	h.once.Do(func() {
		h.gate.release(h.activity)
	})
}

// Activity returns the name the hold was acquired under.
func (h *Hold) Activity() string { return h.activity }
