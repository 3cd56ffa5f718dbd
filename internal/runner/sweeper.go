// Package runner holds the background loop that keeps unfinished requests
// moving after stalls and restarts.
package runner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/installdesk/internal/logging"
)

// Recoverer restarts sagas for unfinished requests and reports how many it
// started. *service.Service implements it.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

type Config struct {
	Interval time.Duration
	Log      *logrus.Entry
}

// RunSweeper calls Recover every Interval until ctx is cancelled. Sagas
// already running in this process are skipped by the Recoverer, so a sweep
// only picks up requests left behind by a store outage, a failed ticket
// resolution or another instance going away.
func RunSweeper(ctx context.Context, r Recoverer, cfg Config) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := SweepOnce(ctx, r)
		if err != nil {
			log.WithError(err).Warn("recovery sweep failed")
			continue
		}
		if n > 0 {
			log.WithField("resumed", n).Info("recovery sweep resumed requests")
		}
	}
}

// SweepOnce runs a single recovery pass.
func SweepOnce(ctx context.Context, r Recoverer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.Recover(ctx)
}
