// Package scheduler drives the two periodic jobs the Orchestrator and
// Registry don't trigger themselves: a daily training tick and a weekly
// retention sweep, on github.com/robfig/cron/v3 — the cron-expression
// scheduler the wider example pack's operator-style repos reach for,
// in place of a hand-rolled wall-clock loop.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Trainer is the narrow interface the Scheduler depends on for the daily
// tick — satisfied by *orchestrator.Orchestrator.
type Trainer interface {
	Notify()
}

// Retainer is the narrow interface the Scheduler depends on for the weekly
// sweep — satisfied by *registry.Registry.
type Retainer interface {
	RunRetention(ctx context.Context) (int, error)
}

const (
	dailySchedule  = "0 2 * * *" // 02:00 local
	weeklySchedule = "0 3 * * 0" // Sunday 03:00 local

	errorBackoff = 300 * time.Second

	retentionTimeout = 5 * time.Minute
	stopGrace        = 30 * time.Second
)

// Scheduler runs two cron.v3 entries: a daily training tick and a weekly
// retention sweep. A job that errors suppresses further attempts of that
// kind for errorBackoff, regardless of how often cron re-fires it.
type Scheduler struct {
	trainer  Trainer
	retainer Retainer
	cron     *cron.Cron

	dailyBackoff  time.Time
	weeklyBackoff time.Time
}

// New constructs a Scheduler and registers its two entries. A malformed
// built-in schedule expression is a programmer error, not a runtime
// condition, so an AddFunc error exits the process via log.Fatal rather
// than degrading.
func New(trainer Trainer, retainer Retainer) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	s := &Scheduler{trainer: trainer, retainer: retainer, cron: c}

	if _, err := c.AddFunc(dailySchedule, s.runDaily); err != nil {
		log.Fatal().Err(err).Str("schedule", dailySchedule).Msg("invalid daily cron schedule")
	}
	if _, err := c.AddFunc(weeklySchedule, s.runWeekly); err != nil {
		log.Fatal().Err(err).Str("schedule", weeklySchedule).Msg("invalid weekly cron schedule")
	}
	return s
}

// Run starts the cron loop and blocks until ctx is canceled, then stops the
// loop and waits (up to stopGrace) for any in-flight job to finish.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Str("daily", dailySchedule).Str("weekly", weeklySchedule).Msg("🕒 scheduler started")
	s.cron.Start()

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopGrace):
		log.Warn().Msg("⚠️ scheduler: in-flight job did not finish before shutdown grace period")
	}
	log.Info().Msg("🕒 scheduler stopped")
}

// runDaily is the daily training-tick job body. Notify is non-blocking and
// cannot itself error, so this job never opens its own backoff window; it
// only skips the Notify while dailyBackoff lies in the future.
func (s *Scheduler) runDaily() {
	now := time.Now()
	if now.Before(s.dailyBackoff) {
		log.Debug().Msg("scheduler: daily training tick suppressed, backing off")
		return
	}
	log.Debug().Msg("scheduler: daily training tick firing")
	s.trainer.Notify()
}

// runWeekly is the weekly retention-sweep job body.
func (s *Scheduler) runWeekly() {
	now := time.Now()
	if now.Before(s.weeklyBackoff) {
		log.Debug().Msg("scheduler: weekly retention sweep suppressed, backing off")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), retentionTimeout)
	defer cancel()

	purged, err := s.retainer.RunRetention(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ scheduler: retention sweep failed, backing off")
		s.weeklyBackoff = now.Add(errorBackoff)
		return
	}
	log.Info().Int("purged", purged).Msg("🗑️ scheduler: retention sweep complete")
}
