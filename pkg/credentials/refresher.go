package credentials

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultSweepInitialDelay = 29 * time.Minute
	DefaultSweepInterval     = 29 * time.Minute
)

// Run sweeps expiring credentials after initialDelay and then every interval
// until ctx is done. A sweep in progress is finished before Run returns.
func (m *Manager) Run(ctx context.Context, initialDelay, interval time.Duration) {
	if initialDelay <= 0 {
		initialDelay = DefaultSweepInitialDelay
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := m.RefreshExpiringCredentials(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Credential refresh sweep failed")
		}

		timer.Reset(interval)
	}
}
