package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"verifiedid-verifier/pkg/domain/presentation"
	"verifiedid-verifier/pkg/metrics"
)

// Open returns a BoltStore when path is set and a MemoryStore otherwise.
func Open(path string) (presentation.Store, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	return NewBoltStore(path)
}

// RunCleanup sweeps expired sessions from store every interval until ctx is done.
func RunCleanup(ctx context.Context, store presentation.Store, interval time.Duration, logger zerolog.Logger, m *metrics.Collector) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Cleanup(ctx, now)
			if err != nil {
				logger.Warn().Err(err).Msg("Session cleanup failed")
				continue
			}
			m.RecordSessionsExpired(removed)
			if removed > 0 {
				logger.Debug().Int("removed", removed).Msg("Expired sessions removed")
			}
		}
	}
}
