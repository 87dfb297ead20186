// Package team implements the team registry: identity, liveness and
// status tracking for every coordinating process, persisted in a single
// flock-guarded JSON document.
package team

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/leonletto/loom/internal/identity"
	"github.com/leonletto/loom/internal/paths"
	"github.com/leonletto/loom/internal/store"
)

// Status is a team's persisted operational status.
type Status string

const (
	// StatusActive means the team is registered and heartbeating.
	StatusActive Status = "active"

	// StatusIsolated means the health monitor observed a missed heartbeat
	// window and fenced the team off. The record survives isolation; only
	// an explicit unregister deletes it.
	StatusIsolated Status = "isolated"
)

var (
	// ErrAlreadyRegistered is returned when registering an id that is
	// currently active.
	ErrAlreadyRegistered = errors.New("team already registered")

	// ErrNotRegistered is returned for operations that require an
	// existing team record.
	ErrNotRegistered = errors.New("team is not registered")
)

// Team is a registry record. HeldResources deliberately does not appear
// here: the lease table is the source of truth for ownership and the
// registry never mirrors it.
type Team struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name,omitempty"`
	Status          Status    `json:"status"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	RegisteredAt    time.Time `json:"registered_at"`
	IsolationReason string    `json:"isolation_reason,omitempty"`
}

// ActiveAt reports whether the team counts as live for exclusivity
// decisions at the given instant: the persisted status is active AND the
// last heartbeat is inside the timeout window. A stale team that the
// health monitor has not visited yet is already non-live here, so lease
// decisions never depend on the monitor's tick timing.
func (t Team) ActiveAt(now time.Time, heartbeatTimeout time.Duration) bool {
	return t.Status == StatusActive && now.Sub(t.LastHeartbeat) < heartbeatTimeout
}

type registryDoc struct {
	Teams map[string]Team `json:"teams"`
}

// Registry provides team registration and liveness tracking. Every
// mutation is a read-modify-write under the registry's exclusive lock;
// reads return the latest on-disk snapshot.
type Registry struct {
	doc              *store.DocStore[registryDoc]
	heartbeatTimeout time.Duration

	// now is the clock; tests substitute it to drive timeout windows.
	now func() time.Time
}

// NewRegistry creates a registry over the document in loomDir.
func NewRegistry(loomDir string, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		doc:              store.NewDocStore[registryDoc](paths.RegistryPath(loomDir)),
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// SetClock replaces the registry clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// HeartbeatTimeout returns the configured liveness window.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.heartbeatTimeout
}

// Register adds a team to the registry. Registering an id that is
// currently active fails with ErrAlreadyRegistered. Re-registering an
// isolated team is the documented recovery path: it reactivates the
// record in place, keeping the original registration time.
// Returns the stored record and whether this was a reactivation.
func (r *Registry) Register(id, displayName string, capabilities []string) (Team, bool, error) {
	if err := identity.ValidateTeamID(id); err != nil {
		return Team{}, false, err
	}

	var (
		result      Team
		reactivated bool
	)
	err := r.doc.Update(func(doc *registryDoc) error {
		if doc.Teams == nil {
			doc.Teams = make(map[string]Team)
		}

		now := r.now()
		existing, ok := doc.Teams[id]
		if ok && existing.Status == StatusActive {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
		}

		t := Team{
			ID:            id,
			DisplayName:   displayName,
			Status:        StatusActive,
			Capabilities:  append([]string(nil), capabilities...),
			LastHeartbeat: now,
			RegisteredAt:  now,
		}
		if ok {
			// Isolated team returning: keep its original registration time
			t.RegisteredAt = existing.RegisteredAt
			reactivated = true
		}

		doc.Teams[id] = t
		result = t
		return nil
	})
	if err != nil {
		return Team{}, false, err
	}
	return result, reactivated, nil
}

// Heartbeat refreshes the team's liveness timestamp.
func (r *Registry) Heartbeat(id string) error {
	return r.doc.Update(func(doc *registryDoc) error {
		t, ok := doc.Teams[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, id)
		}
		t.LastHeartbeat = r.now()
		doc.Teams[id] = t
		return nil
	})
}

// Unregister removes the team record. Idempotent: unregistering an
// unknown id is not an error. Returns whether a record was removed.
// Releasing the team's leases is the coordinator's job, not the
// registry's — the registry owns only its own document.
func (r *Registry) Unregister(id string) (bool, error) {
	var removed bool
	err := r.doc.Update(func(doc *registryDoc) error {
		if _, ok := doc.Teams[id]; !ok {
			return nil
		}
		delete(doc.Teams, id)
		removed = true
		return nil
	})
	return removed, err
}

// Isolate transitions an active team to isolated. Only the health monitor
// calls this; the transition never happens on the read path. Staleness is
// re-verified under the lock: a heartbeat that lands between the monitor's
// scan and this write keeps the team active. Returns whether the team
// actually transitioned (false when it was already isolated, unknown, or
// heartbeating again).
func (r *Registry) Isolate(id, reason string) (Team, bool, error) {
	var (
		result       Team
		transitioned bool
	)
	err := r.doc.Update(func(doc *registryDoc) error {
		t, ok := doc.Teams[id]
		if !ok || t.Status == StatusIsolated {
			return nil
		}
		if r.now().Sub(t.LastHeartbeat) < r.heartbeatTimeout {
			return nil
		}
		t.Status = StatusIsolated
		t.IsolationReason = reason
		doc.Teams[id] = t
		result = t
		transitioned = true
		return nil
	})
	return result, transitioned, err
}

// Get returns the team record for id.
func (r *Registry) Get(id string) (Team, error) {
	doc, err := r.doc.View()
	if err != nil {
		return Team{}, err
	}
	t, ok := doc.Teams[id]
	if !ok {
		return Team{}, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return t, nil
}

// List returns every team record, sorted by id.
func (r *Registry) List() ([]Team, error) {
	doc, err := r.doc.View()
	if err != nil {
		return nil, err
	}
	teams := make([]Team, 0, len(doc.Teams))
	for _, t := range doc.Teams {
		teams = append(teams, t)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams, nil
}

// Stale returns the active teams whose heartbeat has aged past the
// timeout at the given instant. Used by the health monitor scan.
func (r *Registry) Stale(now time.Time) ([]Team, error) {
	teams, err := r.List()
	if err != nil {
		return nil, err
	}
	var stale []Team
	for _, t := range teams {
		if t.Status == StatusActive && now.Sub(t.LastHeartbeat) >= r.heartbeatTimeout {
			stale = append(stale, t)
		}
	}
	return stale, nil
}
