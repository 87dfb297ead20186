// Package coord assembles the coordination engine: the team registry,
// lease manager, bridge router and shared context behind one facade, with
// every state transition journaled to the audit log and broadcast to
// observers. The facade is what the daemon RPC layer and the background
// loops call; the underlying packages never emit events themselves.
package coord

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/leonletto/loom/internal/bridge"
	"github.com/leonletto/loom/internal/config"
	"github.com/leonletto/loom/internal/identity"
	"github.com/leonletto/loom/internal/jsonl"
	"github.com/leonletto/loom/internal/lease"
	"github.com/leonletto/loom/internal/paths"
	"github.com/leonletto/loom/internal/safedb"
	"github.com/leonletto/loom/internal/sharedctx"
	"github.com/leonletto/loom/internal/team"
	"github.com/leonletto/loom/internal/types"
)

// EventSink receives every coordination event as it happens. Implemented
// by the daemon broadcaster and the websocket hub; delivery is best-effort
// and must never block for long.
type EventSink interface {
	Publish(event any)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(any) {}

// Coordinator is the engine facade.
type Coordinator struct {
	cfg      config.Config
	registry *team.Registry
	leases   *lease.Manager
	router   *bridge.Router
	shared   *sharedctx.Manager
	journal  *jsonl.Writer
	sink     EventSink

	now func() time.Time
}

// New creates a coordinator over the coordination directory. db is the
// opened bridge/message store; notifier and sink may be nil.
func New(loomDir string, cfg config.Config, db *safedb.DB, notifier bridge.Notifier, sink EventSink) (*Coordinator, error) {
	journal, err := jsonl.NewWriter(paths.EventLogPath(loomDir))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if sink == nil {
		sink = NopSink{}
	}

	registry := team.NewRegistry(loomDir, cfg.HeartbeatTimeout)
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		leases:   lease.NewManager(loomDir, registry),
		router:   bridge.NewRouter(db, notifier),
		shared:   sharedctx.NewManager(loomDir),
		journal:  journal,
		sink:     sink,
		now:      time.Now,
	}, nil
}

// SetClock replaces the coordinator clock and the clocks of every
// component it owns. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.registry.SetClock(now)
	c.leases.SetClock(now)
	c.router.SetClock(now)
	c.shared.SetClock(now)
}

// Config returns the engine configuration.
func (c *Coordinator) Config() config.Config {
	return c.cfg
}

// Registry exposes the team registry for read paths that bypass the facade.
func (c *Coordinator) Registry() *team.Registry {
	return c.registry
}

// RegisterTeam registers or reactivates a team. The bool reports
// whether an isolated record was brought back to active.
func (c *Coordinator) RegisterTeam(id, displayName string, capabilities []string) (team.Team, bool, error) {
	t, reactivated, err := c.registry.Register(id, displayName, capabilities)
	if err != nil {
		return team.Team{}, false, err
	}
	c.emit(types.TeamRegisterEvent{
		BaseEvent:    c.base(types.EventTeamRegister),
		TeamID:       t.ID,
		DisplayName:  t.DisplayName,
		Capabilities: t.Capabilities,
		Reactivated:  reactivated,
	})
	return t, reactivated, nil
}

// Heartbeat refreshes a team's liveness timestamp. Heartbeats are
// broadcast to observers but never journaled.
func (c *Coordinator) Heartbeat(id string) error {
	if err := c.registry.Heartbeat(id); err != nil {
		return err
	}
	c.sink.Publish(types.HeartbeatNotice{
		BaseEvent: c.base(types.EventTeamHeartbeat),
		TeamID:    id,
	})
	return nil
}

// UnregisterTeam releases the team's leases and removes its record.
// Idempotent; bridges referencing the team are left to age out. Returns
// the resource ids that were released and whether a record was removed.
func (c *Coordinator) UnregisterTeam(id string) ([]string, bool, error) {
	released, err := c.leases.ReleaseAllFor(id)
	if err != nil {
		return nil, false, err
	}
	for _, resourceID := range released {
		c.emit(types.ResourceEvent{
			BaseEvent:  c.base(types.EventResourceRelease),
			ResourceID: resourceID,
			TeamID:     id,
		})
	}

	removed, err := c.registry.Unregister(id)
	if err != nil {
		return released, false, err
	}
	if removed {
		c.emit(types.TeamUnregisterEvent{
			BaseEvent: c.base(types.EventTeamUnregister),
			TeamID:    id,
		})
	}
	return released, removed, nil
}

// IsolateTeam fences off a team and releases everything it holds. Called
// only by the health monitor; the registry guards against double
// isolation. Returns the released resource ids and whether the team
// actually transitioned.
func (c *Coordinator) IsolateTeam(id, reason string) ([]string, bool, error) {
	t, transitioned, err := c.registry.Isolate(id, reason)
	if err != nil {
		return nil, false, err
	}
	if !transitioned {
		return nil, false, nil
	}

	c.emit(types.TeamIsolateEvent{
		BaseEvent:     c.base(types.EventTeamIsolate),
		TeamID:        id,
		Reason:        reason,
		LastHeartbeat: t.LastHeartbeat.UTC().Format(time.RFC3339Nano),
	})

	released, err := c.leases.ReleaseAllFor(id)
	if err != nil {
		return nil, true, fmt.Errorf("release leases for isolated team %s: %w", id, err)
	}
	for _, resourceID := range released {
		c.emit(types.ResourceEvent{
			BaseEvent:  c.base(types.EventResourceReclaim),
			ResourceID: resourceID,
			TeamID:     id,
		})
	}
	return released, true, nil
}

// GetTeam returns one team record.
func (c *Coordinator) GetTeam(id string) (team.Team, error) {
	return c.registry.Get(id)
}

// ListTeams returns every team record sorted by id.
func (c *Coordinator) ListTeams() ([]team.Team, error) {
	return c.registry.List()
}

// ReserveResource acquires an exclusive lease. ttl == 0 applies the
// configured default; ttl < 0 means no expiry.
func (c *Coordinator) ReserveResource(teamID, resourceID string, ttl time.Duration) (lease.Reservation, error) {
	switch {
	case ttl == 0:
		ttl = c.cfg.LeaseTTL
	case ttl < 0:
		ttl = 0
	}

	res, displaced, err := c.leases.Reserve(teamID, resourceID, ttl)
	if err != nil {
		return lease.Reservation{}, err
	}
	c.emit(types.ResourceEvent{
		BaseEvent:      c.base(types.EventResourceReserve),
		ResourceID:     resourceID,
		TeamID:         teamID,
		PreviousHolder: displaced,
	})
	return res, nil
}

// ReleaseResource releases a lease the team owns. Releasing a resource the
// team does not hold is a no-op.
func (c *Coordinator) ReleaseResource(teamID, resourceID string) (bool, error) {
	released, err := c.leases.Release(teamID, resourceID)
	if err != nil {
		return false, err
	}
	if released {
		c.emit(types.ResourceEvent{
			BaseEvent:  c.base(types.EventResourceRelease),
			ResourceID: resourceID,
			TeamID:     teamID,
		})
	}
	return released, nil
}

// ReclaimStaleLeases removes every lease whose holder is no longer live.
// Called by the cleanup loop.
func (c *Coordinator) ReclaimStaleLeases() ([]lease.Reservation, error) {
	reclaimed, err := c.leases.ReclaimStale()
	if err != nil {
		return nil, err
	}
	for _, res := range reclaimed {
		c.emit(types.ResourceEvent{
			BaseEvent:      c.base(types.EventResourceReclaim),
			ResourceID:     res.ResourceID,
			TeamID:         res.TeamID,
			PreviousHolder: res.TeamID,
		})
	}
	return reclaimed, nil
}

// HeldResources returns the resource ids a team currently holds.
func (c *Coordinator) HeldResources(teamID string) ([]string, error) {
	return c.leases.HeldBy(teamID)
}

// ListLeases returns every reservation.
func (c *Coordinator) ListLeases() ([]lease.Reservation, error) {
	return c.leases.List()
}

// CreateBridge links two registered teams. Both endpoints must exist in
// the registry; their status does not matter, since a bridge to an
// isolated team is addressable-but-inert rather than an error.
func (c *Coordinator) CreateBridge(ctx context.Context, teamA, teamB, bridgeContext string) (bridge.Bridge, error) {
	for _, id := range []string{teamA, teamB} {
		if _, err := c.registry.Get(id); err != nil {
			return bridge.Bridge{}, err
		}
	}

	b, err := c.router.Create(ctx, teamA, teamB, bridgeContext)
	if err != nil {
		return bridge.Bridge{}, err
	}
	c.emit(types.BridgeCreateEvent{
		BaseEvent: c.base(types.EventBridgeCreate),
		BridgeID:  b.ID,
		SessionA:  b.SessionA,
		SessionB:  b.SessionB,
		Context:   b.Context,
	})
	return b, nil
}

// SendMessage routes a message over a bridge.
func (c *Coordinator) SendMessage(ctx context.Context, bridgeID, fromTeam, body string) (bridge.Message, error) {
	msg, err := c.router.Send(ctx, bridgeID, fromTeam, body)
	if err != nil {
		return bridge.Message{}, err
	}
	c.emit(types.MessageSendEvent{
		BaseEvent: c.base(types.EventMessageSend),
		MessageID: msg.ID,
		BridgeID:  msg.BridgeID,
		FromTeam:  msg.FromTeam,
		ToTeam:    msg.ToTeam,
	})
	return msg, nil
}

// Messages returns the messages addressed to a team, oldest first.
func (c *Coordinator) Messages(ctx context.Context, teamID, bridgeID string) ([]bridge.Message, error) {
	return c.router.Messages(ctx, teamID, bridgeID)
}

// ListBridges returns bridges, optionally filtered by participant.
func (c *Coordinator) ListBridges(ctx context.Context, teamID string) ([]bridge.Bridge, error) {
	return c.router.List(ctx, teamID)
}

// CleanupBridges prunes bridges inactive for longer than maxAge.
// maxAge == 0 applies the configured default.
func (c *Coordinator) CleanupBridges(ctx context.Context, maxAge time.Duration, dryRun bool) ([]string, error) {
	if maxAge == 0 {
		maxAge = c.cfg.BridgeMaxAge
	}
	removed, err := c.router.Cleanup(ctx, maxAge, dryRun)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		c.emit(types.BridgeCleanupEvent{
			BaseEvent: c.base(types.EventBridgeCleanup),
			BridgeIDs: removed,
			DryRun:    dryRun,
		})
	}
	return removed, nil
}

// SynchronizeContext stages and merges a team's context contributions.
func (c *Coordinator) SynchronizeContext(teamID string, values map[string]string) ([]string, error) {
	keys, err := c.shared.Synchronize(teamID, values)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		c.emit(types.ContextMergeEvent{
			BaseEvent:  c.base(types.EventContextMerge),
			TeamID:     teamID,
			KeysMerged: len(keys),
		})
	}
	return keys, nil
}

// MergeStagedContext re-merges every team's staged contributions. Called
// by the context sync loop. The returned error may be partial: readable
// contributions merge even when one team's staged document is corrupt.
func (c *Coordinator) MergeStagedContext() (int, error) {
	applied, err := c.shared.MergeStaged()
	if applied > 0 {
		c.emit(types.ContextMergeEvent{
			BaseEvent:  c.base(types.EventContextMerge),
			KeysMerged: applied,
		})
	}
	return applied, err
}

// SharedContext returns the merged context snapshot.
func (c *Coordinator) SharedContext() (map[string]sharedctx.Entry, error) {
	return c.shared.Snapshot()
}

// Health summarizes engine state for operators.
type Health struct {
	Timestamp       time.Time `json:"timestamp"`
	ActiveTeams     int       `json:"active_teams"`
	IsolatedTeams   int       `json:"isolated_teams"`
	StaleHeartbeats int       `json:"stale_heartbeats"`
	Leases          int       `json:"leases"`
	Bridges         int       `json:"bridges"`
	ContextKeys     int       `json:"context_keys"`
}

// SystemHealth returns team counts by status, stale heartbeat count, and
// lease/bridge/context totals from the latest snapshots.
func (c *Coordinator) SystemHealth(ctx context.Context) (Health, error) {
	h := Health{Timestamp: c.now().UTC()}

	teams, err := c.registry.List()
	if err != nil {
		return Health{}, err
	}
	for _, t := range teams {
		switch t.Status {
		case team.StatusActive:
			h.ActiveTeams++
		case team.StatusIsolated:
			h.IsolatedTeams++
		}
	}

	stale, err := c.registry.Stale(c.now())
	if err != nil {
		return Health{}, err
	}
	h.StaleHeartbeats = len(stale)

	leases, err := c.leases.List()
	if err != nil {
		return Health{}, err
	}
	h.Leases = len(leases)

	h.Bridges, err = c.router.CountBridges(ctx)
	if err != nil {
		return Health{}, err
	}

	shared, err := c.shared.Snapshot()
	if err != nil {
		return Health{}, err
	}
	h.ContextKeys = len(shared)

	return h, nil
}

// base stamps a new event envelope.
func (c *Coordinator) base(eventType string) types.BaseEvent {
	return types.BaseEvent{
		Type:      eventType,
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
		EventID:   identity.GenerateEventID(),
		Version:   1,
	}
}

// emit journals the event and broadcasts it. The domain mutation has
// already committed when emit runs, so a journal failure is logged rather
// than propagated.
func (c *Coordinator) emit(event any) {
	if err := c.journal.Append(event); err != nil {
		log.Printf("coord: append event: %v", err)
	}
	c.sink.Publish(event)
}
