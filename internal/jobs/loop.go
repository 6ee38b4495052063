package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const runTimeout = 30 * time.Second

// loop runs fn once at start and then every interval until stopped.
type loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLoop(name string, interval time.Duration, fn func(ctx context.Context)) *loop {
	return &loop{
		name:     name,
		interval: interval,
		fn:       fn,
		done:     make(chan struct{}),
	}
}

func (l *loop) Start() {
	l.wg.Add(1)
	go l.run()
	log.Info().Str("job", l.name).Dur("interval", l.interval).Msg("job started")
}

// Stop waits for an in-flight run to finish.
func (l *loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		log.Info().Str("job", l.name).Msg("job stopped")
	})
}

func (l *loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.once()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.once()
		}
	}
}

func (l *loop) once() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	l.fn(ctx)
}

func runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
