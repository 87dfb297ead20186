// Package lease implements exclusive resource reservations. A lease grants
// one team sole use of a named resource; every acquisition decision is a
// compare-and-swap executed inside the lease table's exclusive lock, with
// the holder's liveness re-checked against the registry at that moment.
package lease

import (
	"fmt"
	"sort"
	"time"

	"github.com/leonletto/loom/internal/identity"
	"github.com/leonletto/loom/internal/paths"
	"github.com/leonletto/loom/internal/store"
	"github.com/leonletto/loom/internal/team"
)

// ConflictError reports a reservation attempt against a live lease.
type ConflictError struct {
	ResourceID string
	HeldBy     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s is held by team %s", e.ResourceID, e.HeldBy)
}

// Reservation is one row of the lease table.
type Reservation struct {
	ResourceID string     `json:"resource_id"`
	TeamID     string     `json:"team_id"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"` // nil = no TTL
}

// expired reports whether the reservation's TTL has elapsed.
func (r Reservation) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

type leaseDoc struct {
	Leases map[string]Reservation `json:"leases"`
}

// Manager grants and revokes resource leases. It consults the registry
// for holder liveness, always from inside the lease lock, so the
// check-then-act sequence cannot race a concurrent reservation.
type Manager struct {
	doc      *store.DocStore[leaseDoc]
	registry *team.Registry

	now func() time.Time
}

// NewManager creates a lease manager over the table in loomDir.
func NewManager(loomDir string, registry *team.Registry) *Manager {
	return &Manager{
		doc:      store.NewDocStore[leaseDoc](paths.LeasesPath(loomDir)),
		registry: registry,
		now:      time.Now,
	}
}

// SetClock replaces the manager clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Reserve grants team exclusive use of resource. ttl of zero means no
// expiry. The acquisition succeeds when the resource is free, already held
// by the caller (the lease is refreshed), or held by a team that is no
// longer live — a stale lease is reclaimed in the same atomic step.
// Otherwise it fails with ConflictError naming the current holder.
//
// Returns the reservation and, when a stale lease was displaced, the
// previous holder's id.
func (m *Manager) Reserve(teamID, resourceID string, ttl time.Duration) (Reservation, string, error) {
	if err := identity.ValidateTeamID(teamID); err != nil {
		return Reservation{}, "", err
	}
	if err := identity.ValidateResourceID(resourceID); err != nil {
		return Reservation{}, "", err
	}

	var (
		result    Reservation
		displaced string
	)
	err := m.doc.Update(func(doc *leaseDoc) error {
		if doc.Leases == nil {
			doc.Leases = make(map[string]Reservation)
		}

		now := m.now()
		if cur, ok := doc.Leases[resourceID]; ok && cur.TeamID != teamID {
			if m.holderLive(cur, now) {
				return &ConflictError{ResourceID: resourceID, HeldBy: cur.TeamID}
			}
			displaced = cur.TeamID
		}

		result = Reservation{
			ResourceID: resourceID,
			TeamID:     teamID,
			AcquiredAt: now,
		}
		if ttl > 0 {
			expires := now.Add(ttl)
			result.ExpiresAt = &expires
		}
		doc.Leases[resourceID] = result
		return nil
	})
	if err != nil {
		return Reservation{}, "", err
	}
	return result, displaced, nil
}

// holderLive reports whether the lease still protects the resource:
// the reservation has not expired and the owning team is live. The
// registry read happens here, inside the caller's Update closure, so the
// verdict reflects the registry state at decision time.
func (m *Manager) holderLive(r Reservation, now time.Time) bool {
	if r.expired(now) {
		return false
	}
	holder, err := m.registry.Get(r.TeamID)
	if err != nil {
		// Unknown team: the lease is orphaned
		return false
	}
	return holder.ActiveAt(now, m.registry.HeartbeatTimeout())
}

// Release revokes team's lease on resource. Releasing a resource the
// caller does not hold is a no-op, not an error, so cleanup paths stay
// idempotent. Returns whether a lease was actually removed.
func (m *Manager) Release(teamID, resourceID string) (bool, error) {
	var released bool
	err := m.doc.Update(func(doc *leaseDoc) error {
		cur, ok := doc.Leases[resourceID]
		if !ok || cur.TeamID != teamID {
			return nil
		}
		delete(doc.Leases, resourceID)
		released = true
		return nil
	})
	return released, err
}

// ReleaseAllFor revokes every lease held by team. Used when a team is
// isolated or unregistered. Returns the released resource ids.
func (m *Manager) ReleaseAllFor(teamID string) ([]string, error) {
	var released []string
	err := m.doc.Update(func(doc *leaseDoc) error {
		for id, r := range doc.Leases {
			if r.TeamID == teamID {
				delete(doc.Leases, id)
				released = append(released, id)
			}
		}
		sort.Strings(released)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ReclaimStale deletes every lease whose holder is no longer live —
// expired TTLs, isolated teams, unregistered teams. The cleanup loop's
// entry point; identical semantics to the automatic reclaim in Reserve,
// just proactive. Returns the reclaimed reservations.
func (m *Manager) ReclaimStale() ([]Reservation, error) {
	var reclaimed []Reservation
	err := m.doc.Update(func(doc *leaseDoc) error {
		now := m.now()
		for id, r := range doc.Leases {
			if !m.holderLive(r, now) {
				delete(doc.Leases, id)
				reclaimed = append(reclaimed, r)
			}
		}
		sort.Slice(reclaimed, func(i, j int) bool {
			return reclaimed[i].ResourceID < reclaimed[j].ResourceID
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// HeldBy returns the resource ids currently leased to team, sorted.
func (m *Manager) HeldBy(teamID string) ([]string, error) {
	doc, err := m.doc.View()
	if err != nil {
		return nil, err
	}
	var held []string
	for id, r := range doc.Leases {
		if r.TeamID == teamID {
			held = append(held, id)
		}
	}
	sort.Strings(held)
	return held, nil
}

// List returns every reservation, sorted by resource id.
func (m *Manager) List() ([]Reservation, error) {
	doc, err := m.doc.View()
	if err != nil {
		return nil, err
	}
	leases := make([]Reservation, 0, len(doc.Leases))
	for _, r := range doc.Leases {
		leases = append(leases, r)
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].ResourceID < leases[j].ResourceID })
	return leases, nil
}
