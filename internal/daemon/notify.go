package daemon

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// NotifyMethod is the JSON-RPC method name of the push sent to attached
// clients when a message arrives for their team.
const NotifyMethod = "notification.message"

// NotifyParams is the push payload.
type NotifyParams struct {
	Team      string `json:"team"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// ClientRegistry tracks attached clients by team id and pushes best-effort
// notifications to them. It implements bridge.Notifier: delivery failure
// only detaches the client, never affects the persisted message. A circuit
// breaker guards the sink so repeated write failures stop costing anything.
// Pushes go through the connection's write lock, the same one the server
// uses for responses.
type ClientRegistry struct {
	mu      sync.RWMutex
	byTeam  map[string]*ClientConn
	breaker *Breaker

	now func() time.Time
}

// NewClientRegistry creates an empty registry. The breaker trips after 5
// consecutive failures and probes again after 30 seconds.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		byTeam:  make(map[string]*ClientConn),
		breaker: NewBreaker(5, 2, 30*time.Second),
		now:     time.Now,
	}
}

// Breaker exposes the sink breaker for health reporting.
func (r *ClientRegistry) Breaker() *Breaker {
	return r.breaker
}

// Attach binds a connection to a team. A team has at most one attached
// connection; a new attach replaces the old one.
func (r *ClientRegistry) Attach(teamID string, conn *ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTeam[teamID] = conn
}

// Detach removes the team's attachment.
func (r *ClientRegistry) Detach(teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTeam, teamID)
}

// DropConn removes every attachment bound to conn. Wired to the server's
// disconnect hook.
func (r *ClientRegistry) DropConn(conn *ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for teamID, c := range r.byTeam {
		if c == conn {
			delete(r.byTeam, teamID)
		}
	}
}

// Attached returns the number of attached clients.
func (r *ClientRegistry) Attached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTeam)
}

// Notify pushes text to the team's attached client. Returns whether the
// notification was delivered. A team with no attached client is not a
// failure; its messages wait in the inbox.
func (r *ClientRegistry) Notify(teamID, text string) bool {
	r.mu.RLock()
	conn, attached := r.byTeam[teamID]
	r.mu.RUnlock()

	if !attached {
		return false
	}
	if !r.breaker.Allow() {
		return false
	}

	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  NotifyMethod,
		"params": NotifyParams{
			Team:      teamID,
			Text:      text,
			Timestamp: r.now().UTC().Format(time.RFC3339Nano),
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.breaker.Failure()
		return false
	}

	if err := conn.WriteLine(data); err != nil {
		log.Printf("notify: push to %s failed, detaching: %v", teamID, err)
		r.Detach(teamID)
		r.breaker.Failure()
		return false
	}

	r.breaker.Success()
	return true
}
