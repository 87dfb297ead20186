// Package monitor implements the background reconciliation loops: health
// monitoring, stale-lease and bridge cleanup, context merging, and the
// client-side heartbeater. Loops talk to the engine only through the
// coordinator facade; they never share in-process state with each other.
// A loop logs failures and keeps going — the next tick corrects whatever
// this one missed.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/leonletto/loom/internal/coord"
)

// HealthMonitor scans the registry on a fixed interval and isolates teams
// whose heartbeat has aged past the timeout. It is the only writer of the
// isolated transition in the whole system.
type HealthMonitor struct {
	coord    *coord.Coordinator
	interval time.Duration

	now func() time.Time
}

// NewHealthMonitor creates a health monitor ticking at interval.
func NewHealthMonitor(c *coord.Coordinator, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{coord: c, interval: interval, now: time.Now}
}

// SetClock replaces the monitor clock. Test hook.
func (m *HealthMonitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start runs the monitor until the context is canceled.
func (m *HealthMonitor) Start(ctx context.Context) {
	log.Printf("health: starting with interval=%s timeout=%s",
		m.interval, m.coord.Config().HeartbeatTimeout)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("health: stopping")
			return
		case <-ticker.C:
			if isolated, err := m.Tick(); err != nil {
				log.Printf("health: scan failed: %v", err)
			} else if len(isolated) > 0 {
				log.Printf("health: isolated %d stale teams: %v", len(isolated), isolated)
			}
		}
	}
}

// Tick performs one scan. A failure isolating one team is logged and the
// scan moves on; only a failure reading the registry aborts the tick.
// Returns the ids of the teams isolated during this tick.
func (m *HealthMonitor) Tick() ([]string, error) {
	now := m.now()
	stale, err := m.coord.Registry().Stale(now)
	if err != nil {
		return nil, fmt.Errorf("scan registry: %w", err)
	}

	var isolated []string
	for _, t := range stale {
		silence := now.Sub(t.LastHeartbeat).Round(time.Second)
		reason := fmt.Sprintf("no heartbeat for %s", silence)

		released, transitioned, err := m.coord.IsolateTeam(t.ID, reason)
		if err != nil {
			log.Printf("health: isolate %s: %v", t.ID, err)
			continue
		}
		if !transitioned {
			continue
		}
		log.Printf("health: isolated %s (%s), released %d leases", t.ID, reason, len(released))
		isolated = append(isolated, t.ID)
	}
	return isolated, nil
}
