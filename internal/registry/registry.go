// Package registry owns the in-memory authoritative state of every known
// server: its tier, failure counter, working port and next-due poll time.
// All mutation goes through the exported methods; nothing else shares the map.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/woozymasta/zond/internal/models"
)

// Intervals is the per-tier poll interval lookup table.
type Intervals struct {
	Active  time.Duration
	Empty   time.Duration
	Offline time.Duration
}

// For returns the poll interval for a tier. Unknown servers are treated like
// empty ones: worth checking, not worth hammering.
func (i Intervals) For(tier models.Tier) time.Duration {
	switch tier {
	case models.TierActive:
		return i.Active
	case models.TierOffline:
		return i.Offline
	default:
		return i.Empty
	}
}

// Outcome is the result of one probe as applied to the registry.
type Outcome struct {
	// Status is set on success.
	Status *models.Status

	// Port is the port that actually answered, remembered as preferred.
	Port int

	// OK reports whether the probe succeeded.
	OK bool
}

// Transition describes the tier change produced by ApplyResult.
type Transition struct {
	Key      models.ServerKey
	From     models.Tier
	To       models.Tier
	Failures int
	NextDue  time.Time
}

// WentOffline reports a transition into the offline tier.
func (t Transition) WentOffline() bool {
	return t.To == models.TierOffline && t.From != models.TierOffline
}

type entry struct {
	nextDue       time.Time
	lastSuccess   time.Time
	tier          models.Tier
	failures      int
	preferredPort int
	inFlight      bool
}

// Registry is the single shared mutable structure between the discovery loop
// and the scheduler, guarded by one mutex.
type Registry struct {
	entries          map[models.ServerKey]*entry
	intervals        Intervals
	offlineThreshold int
	mu               sync.Mutex
}

// New creates an empty registry with the given interval policy and offline
// failure threshold.
func New(intervals Intervals, offlineThreshold int) *Registry {
	if offlineThreshold < 1 {
		offlineThreshold = 1
	}

	return &Registry{
		entries:          make(map[models.ServerKey]*entry),
		intervals:        intervals,
		offlineThreshold: offlineThreshold,
	}
}

// UpsertDiscovered registers a newly discovered server, due immediately.
// It is a no-op for keys already present and reports whether the key was new.
// Entries are never removed; servers that vanish from the master list age
// into offline through the normal backoff mechanism.
func (r *Registry) UpsertDiscovered(key models.ServerKey, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return false
	}

	r.entries[key] = &entry{
		tier:          models.TierUnknown,
		preferredPort: key.Port,
		nextDue:       now,
	}

	return true
}

// Seed restores a server from persisted state, due immediately so history
// resumes right after a restart.
func (r *Registry) Seed(srv *models.Server, now time.Time) {
	key := srv.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return
	}

	port := srv.PreferredPort
	if port == 0 {
		port = srv.Port
	}

	r.entries[key] = &entry{
		tier:          srv.Tier,
		failures:      srv.Failures,
		preferredPort: port,
		nextDue:       now,
	}
}

// NextDue returns up to max server keys whose due time has passed, oldest
// first, and marks them in-flight. In-flight keys are excluded from
// subsequent calls until ApplyResult lands, so the same server is never
// probed concurrently.
func (r *Registry) NextDue(now time.Time, max int) []models.ServerKey {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	type due struct {
		key models.ServerKey
		at  time.Time
	}

	var dues []due
	for key, e := range r.entries {
		if e.inFlight || e.nextDue.After(now) {
			continue
		}
		dues = append(dues, due{key: key, at: e.nextDue})
	}

	sort.Slice(dues, func(i, j int) bool { return dues[i].at.Before(dues[j].at) })
	if len(dues) > max {
		dues = dues[:max]
	}

	keys := make([]models.ServerKey, 0, len(dues))
	for _, d := range dues {
		r.entries[d.key].inFlight = true
		keys = append(keys, d.key)
	}

	return keys
}

// PreferredPort returns the port to try first for a server: the one that
// answered last time, falling back to the advertised port.
func (r *Registry) PreferredPort(key models.ServerKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && e.preferredPort != 0 {
		return e.preferredPort
	}

	return key.Port
}

// ApplyResult applies one probe outcome, clears the in-flight mark and
// recomputes the tier and the next due time from the post-update tier, so
// failing servers back off. A single transient failure does not demote an
// active server; only crossing the offline threshold does.
func (r *Registry) ApplyResult(key models.ServerKey, outcome Outcome, now time.Time) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		// Result for a key the registry never dispatched; record it anyway.
		e = &entry{preferredPort: key.Port}
		r.entries[key] = e
	}

	t := Transition{Key: key, From: e.tier}

	if outcome.OK {
		e.failures = 0
		e.lastSuccess = now
		if outcome.Port != 0 {
			e.preferredPort = outcome.Port
		}
		if outcome.Status != nil && outcome.Status.NumPlayers > 0 {
			e.tier = models.TierActive
		} else {
			e.tier = models.TierEmpty
		}
	} else {
		e.failures++
		if e.failures >= r.offlineThreshold {
			e.tier = models.TierOffline
		}
	}

	e.inFlight = false
	e.nextDue = now.Add(r.intervals.For(e.tier))

	t.To = e.tier
	t.Failures = e.failures
	t.NextDue = e.nextDue

	return t
}

// Release clears the in-flight mark without applying an outcome. Used when a
// dispatched probe is abandoned before it ran (shutdown), so the key does not
// collect a bogus failure and returns to rotation.
func (r *Registry) Release(key models.ServerKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.inFlight = false
	}
}

// Info is a read snapshot of one registry entry.
type Info struct {
	NextDue       time.Time
	LastSuccess   time.Time
	Key           models.ServerKey
	Tier          models.Tier
	Failures      int
	PreferredPort int
	InFlight      bool
}

// Get returns a read snapshot of a single entry.
func (r *Registry) Get(key models.ServerKey) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return Info{}, false
	}

	return Info{
		Key:           key,
		Tier:          e.tier,
		Failures:      e.failures,
		PreferredPort: e.preferredPort,
		NextDue:       e.nextDue,
		LastSuccess:   e.lastSuccess,
		InFlight:      e.inFlight,
	}, true
}

// Counts returns the number of servers per tier plus the in-flight count.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[string]int{
		string(models.TierUnknown): 0,
		string(models.TierActive):  0,
		string(models.TierEmpty):   0,
		string(models.TierOffline): 0,
	}

	inFlight := 0
	for _, e := range r.entries {
		counts[string(e.tier)]++
		if e.inFlight {
			inFlight++
		}
	}
	counts["in_flight"] = inFlight
	counts["total"] = len(r.entries)

	return counts
}

// Len returns the number of known servers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
