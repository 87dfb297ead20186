package monitor

import (
	"context"
	"log"
	"time"

	"github.com/leonletto/loom/internal/coord"
)

// ContextSyncLoop periodically re-merges every team's staged context
// contributions into the shared document. The merge only writes keys, so
// running it concurrently with direct Synchronize calls is harmless.
type ContextSyncLoop struct {
	coord    *coord.Coordinator
	interval time.Duration
}

// NewContextSyncLoop creates a context sync loop ticking at interval.
func NewContextSyncLoop(c *coord.Coordinator, interval time.Duration) *ContextSyncLoop {
	return &ContextSyncLoop{coord: c, interval: interval}
}

// Start runs the loop until the context is canceled.
func (l *ContextSyncLoop) Start(ctx context.Context) {
	log.Printf("contextsync: starting with interval=%s", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("contextsync: stopping")
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick performs one merge pass. A corrupt staged document is reported in
// the error while the remaining teams still merge, so the log line and
// the applied count can both be non-zero.
func (l *ContextSyncLoop) Tick() {
	applied, err := l.coord.MergeStagedContext()
	if err != nil {
		log.Printf("contextsync: merge: %v", err)
	}
	if applied > 0 {
		log.Printf("contextsync: merged %d context keys", applied)
	}
}
