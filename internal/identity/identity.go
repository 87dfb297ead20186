package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInvalidID marks identifier validation failures so callers can
// classify them without matching message text.
var ErrInvalidID = errors.New("invalid identifier")

var (
	// teamIDRegex defines valid team ids: lowercase alphanumeric plus
	// hyphens and underscores. Team ids double as tmux session names and
	// file path components, so the character set stays conservative.
	teamIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

	// reservedTeamIDs are ids that cannot be used for teams.
	reservedTeamIDs = map[string]bool{
		"daemon":    true,
		"system":    true,
		"loom":      true,
		"all":       true,
		"broadcast": true,
	}
)

// ValidateTeamID validates a team id according to the naming rules.
// Ids must be safe for: file paths, session names, JSONL field values.
//
// Rules:
//   - Allowed characters: lowercase letters (a-z), digits (0-9), hyphens, underscores
//   - Must start with a letter or digit
//   - Reserved ids: daemon, system, loom, all, broadcast
//   - Cannot be empty or longer than 64 characters
//
// Returns nil if valid, error with explanation if invalid.
func ValidateTeamID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: team id cannot be empty", ErrInvalidID)
	}

	if len(id) > 64 {
		return fmt.Errorf("%w: team id '%s' exceeds 64 characters", ErrInvalidID, id)
	}

	if reservedTeamIDs[id] {
		return fmt.Errorf("%w: team id '%s' is reserved and cannot be used", ErrInvalidID, id)
	}

	if !teamIDRegex.MatchString(id) {
		return fmt.Errorf("%w: team id '%s' contains invalid characters; only lowercase letters (a-z), digits (0-9), hyphens and underscores are allowed", ErrInvalidID, id)
	}

	return nil
}

// ValidateResourceID validates a resource id. Resources share the team id
// character rules but have no reserved set.
func ValidateResourceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: resource id cannot be empty", ErrInvalidID)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: resource id '%s' exceeds 128 characters", ErrInvalidID, id)
	}
	if !teamIDRegex.MatchString(id) {
		return fmt.Errorf("%w: resource id '%s' contains invalid characters; only lowercase letters (a-z), digits (0-9), hyphens and underscores are allowed", ErrInvalidID, id)
	}
	return nil
}

// GenerateBridgeID generates a unique bridge ID using ULID.
// Format: "brg_" + ulid().
func GenerateBridgeID() string {
	return "brg_" + generateULID()
}

// GenerateMessageID generates a unique message ID using ULID.
// Format: "msg_" + ulid()
// ULIDs sort lexically in generation order, so message ids break
// timestamp ties deterministically.
func GenerateMessageID() string {
	return "msg_" + generateULID()
}

// GenerateEventID generates a unique event ID using ULID.
// Format: "evt_" + ulid().
func GenerateEventID() string {
	return "evt_" + generateULID()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// generateULID generates a ULID string.
func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// ULIDTime parses the id's ULID component (after the type prefix) and
// returns its embedded timestamp.
func ULIDTime(id string) (time.Time, error) {
	if len(id) > 4 && id[3] == '_' {
		id = id[4:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID: %w", err)
	}
	return ulid.Time(parsed.Time()), nil
}
