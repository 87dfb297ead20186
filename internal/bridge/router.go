// Package bridge implements the inter-team message bus: named links
// between exactly two teams, with ordered messages routed over them and
// age-based pruning. Bridges and messages live in the SQLite store so
// ordering and inbox scans are index lookups rather than file walks.
package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leonletto/loom/internal/identity"
	"github.com/leonletto/loom/internal/safedb"
)

var (
	// ErrInvalidPair is returned when both ends of a bridge name the
	// same team.
	ErrInvalidPair = errors.New("bridge endpoints must be two distinct teams")

	// ErrBridgeNotFound is returned for operations on an unknown bridge.
	ErrBridgeNotFound = errors.New("bridge not found")

	// ErrNotParticipant is returned when the sender is not one of the
	// bridge's two parties.
	ErrNotParticipant = errors.New("team is not a participant of this bridge")
)

// timeLayout is a fixed-width UTC format so stored timestamps order
// lexicographically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Bridge is a communication channel between two teams. The pair is
// unordered: SessionA/SessionB record creation argument order only.
// Multiple bridges over the same pair are allowed; each is addressed by
// its own id.
type Bridge struct {
	ID           string    `json:"id"`
	SessionA     string    `json:"session_a"`
	SessionB     string    `json:"session_b"`
	Context      string    `json:"context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Message is one routed payload. Immutable once written; removal only
// happens when its bridge is pruned.
type Message struct {
	ID        string    `json:"id"`
	BridgeID  string    `json:"bridge_id"`
	FromTeam  string    `json:"from_team"`
	ToTeam    string    `json:"to_team"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier is the best-effort notification sink: a push into the peer's
// interactive surface. Returns whether the notification was delivered;
// the router never acts on the answer beyond logging.
type Notifier interface {
	Notify(team, text string) bool
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(string, string) bool { return false }

// Router creates bridges and routes messages over them.
type Router struct {
	db       *safedb.DB
	notifier Notifier

	now func() time.Time
}

// NewRouter creates a router over db. notifier may be nil, in which case
// peers are not notified.
func NewRouter(db *safedb.DB, notifier Notifier) *Router {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Router{db: db, notifier: notifier, now: time.Now}
}

// SetClock replaces the router clock. Test hook.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Create creates a bridge between two distinct teams. The router does not
// consult the registry: endpoint verification is the caller's concern,
// which keeps the message bus usable even when the registry store is
// briefly unavailable.
func (r *Router) Create(ctx context.Context, teamA, teamB, bridgeContext string) (Bridge, error) {
	if err := identity.ValidateTeamID(teamA); err != nil {
		return Bridge{}, err
	}
	if err := identity.ValidateTeamID(teamB); err != nil {
		return Bridge{}, err
	}
	if teamA == teamB {
		return Bridge{}, fmt.Errorf("%w: %s", ErrInvalidPair, teamA)
	}

	now := r.now().UTC()
	b := Bridge{
		ID:           identity.GenerateBridgeID(),
		SessionA:     teamA,
		SessionB:     teamB,
		Context:      bridgeContext,
		CreatedAt:    now,
		LastActivity: now,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bridges (bridge_id, session_a, session_b, context, created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionA, b.SessionB, b.Context, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return Bridge{}, fmt.Errorf("insert bridge: %w", err)
	}

	return b, nil
}

// Send routes a message over the bridge. The sender must be one of the
// bridge's two parties; the recipient is computed as the other party.
// The message insert and the last_activity bump commit in one
// transaction. After the commit the peer is notified best-effort — a
// failed notification never rolls anything back.
func (r *Router) Send(ctx context.Context, bridgeID, fromTeam, body string) (Message, error) {
	if body == "" {
		return Message{}, fmt.Errorf("%w: message body cannot be empty", identity.ErrInvalidID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var a, b string
	err = tx.QueryRowContext(ctx,
		"SELECT session_a, session_b FROM bridges WHERE bridge_id = ?", bridgeID).Scan(&a, &b)
	if err == sql.ErrNoRows {
		return Message{}, fmt.Errorf("%w: %s", ErrBridgeNotFound, bridgeID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("load bridge: %w", err)
	}

	var toTeam string
	switch fromTeam {
	case a:
		toTeam = b
	case b:
		toTeam = a
	default:
		return Message{}, fmt.Errorf("%w: %s on bridge %s", ErrNotParticipant, fromTeam, bridgeID)
	}

	now := r.now().UTC()
	msg := Message{
		ID:        identity.GenerateMessageID(),
		BridgeID:  bridgeID,
		FromTeam:  fromTeam,
		ToTeam:    toTeam,
		Body:      body,
		CreatedAt: now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, bridge_id, from_team, to_team, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.BridgeID, msg.FromTeam, msg.ToTeam, msg.Body, now.Format(timeLayout))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE bridges SET last_activity = ? WHERE bridge_id = ?",
		now.Format(timeLayout), bridgeID)
	if err != nil {
		return Message{}, fmt.Errorf("bump last_activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}

	// Fire-and-forget: the message is durable regardless of delivery
	r.notifier.Notify(toTeam, fmt.Sprintf("[%s] %s", fromTeam, body))

	return msg, nil
}

// Messages returns all messages addressed to team, oldest first, ordered
// by timestamp with ties broken by message id (ids embed a monotonic
// component). bridgeID narrows the scan to one bridge when non-empty.
// Every call is a fresh scan from the earliest retained message; there is
// no server-side cursor.
func (r *Router) Messages(ctx context.Context, teamID, bridgeID string) ([]Message, error) {
	query := `SELECT message_id, bridge_id, from_team, to_team, body, created_at
		FROM messages WHERE to_team = ?`
	args := []any{teamID}
	if bridgeID != "" {
		query += " AND bridge_id = ?"
		args = append(args, bridgeID)
	}
	query += " ORDER BY created_at ASC, message_id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			created string
		)
		if err := rows.Scan(&m.ID, &m.BridgeID, &m.FromTeam, &m.ToTeam, &m.Body, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parse message timestamp: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// List returns bridges, newest activity first. teamID narrows the listing
// to bridges the team participates in when non-empty.
func (r *Router) List(ctx context.Context, teamID string) ([]Bridge, error) {
	query := `SELECT bridge_id, session_a, session_b, context, created_at, last_activity FROM bridges`
	var args []any
	if teamID != "" {
		query += " WHERE session_a = ? OR session_b = ?"
		args = append(args, teamID, teamID)
	}
	query += " ORDER BY last_activity DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bridges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bridges []Bridge
	for rows.Next() {
		b, err := scanBridge(rows)
		if err != nil {
			return nil, err
		}
		bridges = append(bridges, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bridges: %w", err)
	}
	return bridges, nil
}

// Get returns the bridge with the given id.
func (r *Router) Get(ctx context.Context, bridgeID string) (Bridge, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT bridge_id, session_a, session_b, context, created_at, last_activity
		 FROM bridges WHERE bridge_id = ?`, bridgeID)

	var (
		b                 Bridge
		created, activity string
	)
	err := row.Scan(&b.ID, &b.SessionA, &b.SessionB, &b.Context, &created, &activity)
	if err == sql.ErrNoRows {
		return Bridge{}, fmt.Errorf("%w: %s", ErrBridgeNotFound, bridgeID)
	}
	if err != nil {
		return Bridge{}, fmt.Errorf("load bridge: %w", err)
	}
	if b.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Bridge{}, fmt.Errorf("parse created_at: %w", err)
	}
	if b.LastActivity, err = time.Parse(timeLayout, activity); err != nil {
		return Bridge{}, fmt.Errorf("parse last_activity: %w", err)
	}
	return b, nil
}

// Cleanup removes bridges whose last activity is older than maxAge,
// cascading their messages. Age is measured from last_activity, never
// from creation: an old but chatty bridge survives. With dryRun the
// candidates are computed but nothing is deleted. Returns the affected
// bridge ids.
func (r *Router) Cleanup(ctx context.Context, maxAge time.Duration, dryRun bool) ([]string, error) {
	cutoff := r.now().UTC().Add(-maxAge).Format(timeLayout)

	rows, err := r.db.QueryContext(ctx,
		"SELECT bridge_id FROM bridges WHERE last_activity < ? ORDER BY bridge_id", cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale bridges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bridge id: %w", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale bridges: %w", err)
	}

	if dryRun || len(stale) == 0 {
		return stale, nil
	}

	// Messages go with their bridge via the FK cascade
	_, err = r.db.ExecContext(ctx, "DELETE FROM bridges WHERE last_activity < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete stale bridges: %w", err)
	}

	return stale, nil
}

// CountBridges returns the number of bridges in the store.
func (r *Router) CountBridges(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bridges").Scan(&n); err != nil {
		return 0, fmt.Errorf("count bridges: %w", err)
	}
	return n, nil
}

func scanBridge(rows *sql.Rows) (Bridge, error) {
	var (
		b                 Bridge
		created, activity string
	)
	if err := rows.Scan(&b.ID, &b.SessionA, &b.SessionB, &b.Context, &created, &activity); err != nil {
		return Bridge{}, fmt.Errorf("scan bridge: %w", err)
	}
	var err error
	if b.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Bridge{}, fmt.Errorf("parse created_at: %w", err)
	}
	if b.LastActivity, err = time.Parse(timeLayout, activity); err != nil {
		return Bridge{}, fmt.Errorf("parse last_activity: %w", err)
	}
	return b, nil
}
