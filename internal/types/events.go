package types

// Event type constants as they appear in the audit log and on the
// observer stream.
const (
	EventTeamRegister    = "team.register"
	EventTeamHeartbeat   = "team.heartbeat"
	EventTeamIsolate     = "team.isolate"
	EventTeamUnregister  = "team.unregister"
	EventResourceReserve = "resource.reserve"
	EventResourceRelease = "resource.release"
	EventResourceReclaim = "resource.reclaim"
	EventBridgeCreate    = "bridge.create"
	EventBridgeCleanup   = "bridge.cleanup"
	EventMessageSend     = "message.send"
	EventContextMerge    = "context.merge"
)

// BaseEvent is the common structure for all coordination events.
type BaseEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	EventID   string `json:"event_id"`
	Version   int    `json:"v"`
}

// TeamRegisterEvent records a team joining the coordination space.
type TeamRegisterEvent struct {
	BaseEvent
	TeamID       string   `json:"team_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Reactivated  bool     `json:"reactivated,omitempty"` // previously isolated team returning
}

// TeamIsolateEvent records the health monitor marking a team stale.
type TeamIsolateEvent struct {
	BaseEvent
	TeamID        string `json:"team_id"`
	Reason        string `json:"reason,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
}

// TeamUnregisterEvent records an explicit team removal.
type TeamUnregisterEvent struct {
	BaseEvent
	TeamID string `json:"team_id"`
}

// ResourceEvent records a lease transition. Used for reserve, release and
// reclaim; Type distinguishes them.
type ResourceEvent struct {
	BaseEvent
	ResourceID string `json:"resource_id"`
	TeamID     string `json:"team_id"`
	// PreviousHolder is set on reserve when a stale lease was reclaimed
	// in the same operation, and on reclaim.
	PreviousHolder string `json:"previous_holder,omitempty"`
}

// BridgeCreateEvent records a new bridge between two teams.
type BridgeCreateEvent struct {
	BaseEvent
	BridgeID string `json:"bridge_id"`
	SessionA string `json:"session_a"`
	SessionB string `json:"session_b"`
	Context  string `json:"context,omitempty"`
}

// BridgeCleanupEvent records bridges pruned by age.
type BridgeCleanupEvent struct {
	BaseEvent
	BridgeIDs []string `json:"bridge_ids"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// MessageSendEvent records a routed inter-team message. The body itself
// lives in the message store; the audit log keeps routing metadata only.
type MessageSendEvent struct {
	BaseEvent
	MessageID string `json:"message_id"`
	BridgeID  string `json:"bridge_id"`
	FromTeam  string `json:"from_team"`
	ToTeam    string `json:"to_team"`
}

// ContextMergeEvent records a shared context merge pass.
type ContextMergeEvent struct {
	BaseEvent
	TeamID     string `json:"team_id,omitempty"` // empty for the background loop
	KeysMerged int    `json:"keys_merged"`
}

// HeartbeatNotice is broadcast to observers but never written to the audit
// log — heartbeats are too frequent to journal.
type HeartbeatNotice struct {
	BaseEvent
	TeamID string `json:"team_id"`
}
