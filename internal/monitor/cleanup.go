package monitor

import (
	"context"
	"log"
	"time"

	"github.com/leonletto/loom/internal/coord"
)

// CleanupLoop reclaims leases whose holder is isolated, unknown or past
// its TTL, then prunes bridges inactive for longer than the configured
// max age. Safe to run alongside manual releases: every mutation goes
// through the same atomic store primitives.
type CleanupLoop struct {
	coord    *coord.Coordinator
	interval time.Duration
}

// NewCleanupLoop creates a cleanup loop ticking at interval.
func NewCleanupLoop(c *coord.Coordinator, interval time.Duration) *CleanupLoop {
	return &CleanupLoop{coord: c, interval: interval}
}

// Start runs the loop until the context is canceled.
func (l *CleanupLoop) Start(ctx context.Context) {
	log.Printf("cleanup: starting with interval=%s bridge_max_age=%s",
		l.interval, l.coord.Config().BridgeMaxAge)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("cleanup: stopping")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one pass. Lease reclaim and bridge pruning fail
// independently; an error in one never skips the other.
func (l *CleanupLoop) Tick(ctx context.Context) {
	reclaimed, err := l.coord.ReclaimStaleLeases()
	if err != nil {
		log.Printf("cleanup: reclaim leases: %v", err)
	} else if len(reclaimed) > 0 {
		log.Printf("cleanup: reclaimed %d stale leases", len(reclaimed))
	}

	removed, err := l.coord.CleanupBridges(ctx, 0, false)
	if err != nil {
		log.Printf("cleanup: prune bridges: %v", err)
	} else if len(removed) > 0 {
		log.Printf("cleanup: pruned %d aged bridges: %v", len(removed), removed)
	}
}
