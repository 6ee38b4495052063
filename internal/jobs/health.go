package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/health"
)

type HealthRefresher interface {
	Refresh(ctx context.Context, probe bool) (health.Snapshot, bool)
}

type Ticker interface {
	Tick()
}

// HealthJob re-probes health, which broadcasts only on change, and emits
// a tick so idle clients still see traffic.
type HealthJob struct {
	*loop
	health HealthRefresher
	ticker Ticker
}

func NewHealthJob(refresher HealthRefresher, ticker Ticker, interval time.Duration) *HealthJob {
	j := &HealthJob{health: refresher, ticker: ticker}
	j.loop = newLoop("health", interval, j.RunOnce)
	return j
}

func (j *HealthJob) RunOnce(ctx context.Context) {
	snap, changed := j.health.Refresh(ctx, true)
	if changed {
		log.Info().Bool("ok", snap.OK).Int("nodes", snap.Nodes).Msg("gateway health changed")
	}
	if j.ticker != nil {
		j.ticker.Tick()
	}
}
