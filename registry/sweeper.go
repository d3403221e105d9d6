package registry

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// StartSweeper runs Sweep every interval until ctx is done.
func StartSweeper(ctx context.Context, r *Registry, interval, maxAge time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, eris.Wrap(err, "unable to create sweeper scheduler")
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			defer cancel()
			if _, err := r.Sweep(sweepCtx, maxAge); err != nil {
				log.Error().Err(err).Msg("registry: sweep failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, eris.Wrap(err, "unable to schedule sweeper")
	}
	sched.Start()
	log.Info().Dur("interval", interval).Dur("maxAge", maxAge).Msg("registry: sweeper started")

	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("registry: sweeper shutdown failed")
		}
	}()
	return sched, nil
}
