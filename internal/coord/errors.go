package coord

import (
	"errors"

	"github.com/leonletto/loom/internal/bridge"
	"github.com/leonletto/loom/internal/identity"
	"github.com/leonletto/loom/internal/lease"
	"github.com/leonletto/loom/internal/store"
	"github.com/leonletto/loom/internal/team"
)

// Kind classifies engine errors for programmatic handling at the RPC
// boundary. The zero value is KindInternal: anything unclassified is an
// unexpected failure for operator diagnosis, not a typed result.
type Kind string

const (
	KindInternal   Kind = "internal"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindStaleState Kind = "stale_state"
)

// Classify maps an engine error to its kind. Validation, not-found and
// conflict errors are caller mistakes and never retried; stale-state means
// a persisted document is unreadable.
func Classify(err error) Kind {
	var (
		conflict *lease.ConflictError
		corrupt  *store.CorruptError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, identity.ErrInvalidID),
		errors.Is(err, bridge.ErrInvalidPair),
		errors.Is(err, bridge.ErrNotParticipant):
		return KindValidation
	case errors.Is(err, team.ErrNotRegistered),
		errors.Is(err, bridge.ErrBridgeNotFound):
		return KindNotFound
	case errors.Is(err, team.ErrAlreadyRegistered),
		errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &corrupt):
		return KindStaleState
	default:
		return KindInternal
	}
}
