package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/sessions"
)

type SessionMaintainer interface {
	Maintain(ctx context.Context, policy sessions.Policy, opts sessions.Options) (sessions.Report, error)
}

// PinSource lists session keys held open by connected nodes.
type PinSource interface {
	PinnedSessionKeys() []string
}

type PairingPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type MaintenanceReporter interface {
	MaintenanceReported(report sessions.Report)
}

// MaintenanceJob sweeps the session store with the configured policy and
// drops expired pairing requests.
type MaintenanceJob struct {
	*loop
	sessions SessionMaintainer
	pins     PinSource
	pairing  PairingPurger
	reporter MaintenanceReporter
	policy   sessions.Policy
	mode     sessions.Mode
}

// NewMaintenanceJob builds the job. pins, pairing and reporter may be nil.
func NewMaintenanceJob(
	store SessionMaintainer,
	pins PinSource,
	pairing PairingPurger,
	reporter MaintenanceReporter,
	policy sessions.Policy,
	mode sessions.Mode,
	interval time.Duration,
) *MaintenanceJob {
	j := &MaintenanceJob{
		sessions: store,
		pins:     pins,
		pairing:  pairing,
		reporter: reporter,
		policy:   policy,
		mode:     mode,
	}
	j.loop = newLoop("session-maintenance", interval, j.RunOnce)
	return j
}

func (j *MaintenanceJob) RunOnce(ctx context.Context) {
	var active []string
	if j.pins != nil {
		active = j.pins.PinnedSessionKeys()
	}

	report, err := j.sessions.Maintain(ctx, j.policy, sessions.Options{Mode: j.mode, ActiveKeys: active})
	if err != nil {
		log.Error().Err(err).Str("mode", string(j.mode)).Msg("session maintenance failed")
	} else if j.reporter != nil && (report.Changed() || report.DiskBudget.OverBudget) {
		j.reporter.MaintenanceReported(report)
	}

	if j.pairing != nil {
		runCleanup(ctx, "expired pairing requests", j.pairing.PurgeExpired)
	}
}
