package monitor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/leonletto/loom/internal/team"
)

// HeartbeatSender refreshes a team's liveness timestamp. Satisfied by
// the coordinator in-process and by RPC adapters in team clients.
type HeartbeatSender interface {
	Heartbeat(id string) error
}

// Heartbeater emits liveness signals for one team. It runs in the team's
// own process; a team that stops running stops heartbeating, which is
// exactly the signal the health monitor watches for.
type Heartbeater struct {
	sender   HeartbeatSender
	teamID   string
	interval time.Duration
}

// NewHeartbeater creates a heartbeater for teamID ticking at interval.
// The interval must sit comfortably below the heartbeat timeout; config
// validation enforces that.
func NewHeartbeater(sender HeartbeatSender, teamID string, interval time.Duration) *Heartbeater {
	return &Heartbeater{sender: sender, teamID: teamID, interval: interval}
}

// Start emits one heartbeat immediately and then on every tick until the
// context is canceled. Stops for good if the team is unregistered, since
// heartbeating a deleted record can never succeed again.
func (h *Heartbeater) Start(ctx context.Context) {
	log.Printf("heartbeat: starting for %s with interval=%s", h.teamID, h.interval)

	if !h.Tick() {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("heartbeat: stopping for %s", h.teamID)
			return
		case <-ticker.C:
			if !h.Tick() {
				return
			}
		}
	}
}

// Tick emits one heartbeat. Returns false when the team no longer exists;
// transient failures return true so the loop retries on the next tick.
func (h *Heartbeater) Tick() bool {
	err := h.sender.Heartbeat(h.teamID)
	if err == nil {
		return true
	}
	if errors.Is(err, team.ErrNotRegistered) {
		log.Printf("heartbeat: %s is no longer registered, stopping", h.teamID)
		return false
	}
	log.Printf("heartbeat: %s: %v", h.teamID, err)
	return true
}
