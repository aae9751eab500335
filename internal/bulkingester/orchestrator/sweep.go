package orchestrator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const dedupSweepInterval = time.Hour

// runDedupSweep periodically drops deduplication hashes recorded before the
// retention window. Rows older than the window can be ingested again; that
// is the configured trade between table growth and replay protection.
func (o *Orchestrator) runDedupSweep(ctx context.Context) error {
	ticker := o.clock.NewTicker(dedupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			cutoff := o.clock.Now().Add(-o.config.DedupRetention)
			removed, err := o.dedup.PurgeBefore(ctx, cutoff)
			if err != nil {
				log.WithError(err).Warn("Error purging old deduplication records")
				continue
			}
			if removed > 0 {
				log.Infof("Purged %d deduplication records older than %s", removed, o.config.DedupRetention)
			}
		}
	}
}
