// Copyright 2025 James Ross

// Package reclaimsweep schedules the periodic reclaim of expired claims
// (spec.md §5's "Workers that disappear are handled by the periodic
// ReclaimExpired sweep (idempotent)"). Grounded on the teacher's
// internal/reaper package, which runs the same shape of loop — wake up,
// scan for abandoned work, requeue it — over a Redis processing list
// instead of a claimed_at column. The teacher wakes on a bare time.Ticker;
// this sweep is driven by robfig/cron/v3 instead so the cadence is a
// configurable cron expression (spec.md's ReclaimSweep.Schedule) rather
// than a fixed interval compiled into the binary.
package reclaimsweep

import (
	"context"
	"time"

	"github.com/flyingrobots/taskqueue/internal/lifecycle"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweep wraps a cron.Cron scheduling repeated calls to
// lifecycle.Engine.ReclaimExpired.
type Sweep struct {
	cron *cron.Cron
	eng  *lifecycle.Engine
	log  *zap.Logger
}

// New builds a Sweep that will call engine.ReclaimExpired on the given
// cron schedule once Start is called. schedule uses robfig/cron's
// five-field syntax, plus its "@every" shorthand (e.g. "@every 30s").
func New(eng *lifecycle.Engine, schedule string, log *zap.Logger) (*Sweep, error) {
	s := &Sweep{
		cron: cron.New(cron.WithSeconds()),
		eng:  eng,
		log:  log,
	}
	if _, err := s.cron.AddFunc(normalizeSchedule(schedule), s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// normalizeSchedule keeps "@every ..." expressions untouched (they ignore
// the seconds field) and otherwise leaves a caller-supplied six-field cron
// expression alone; cron.WithSeconds expects six fields, so a bare
// five-field expression gets a leading "0" to run once per matching minute.
func normalizeSchedule(schedule string) string {
	if len(schedule) >= 1 && schedule[0] == '@' {
		return schedule
	}
	fields := 1
	for _, r := range schedule {
		if r == ' ' {
			fields++
		}
	}
	if fields == 5 {
		return "0 " + schedule
	}
	return schedule
}

// Start begins running the schedule in the background. Stop must be called
// to release the goroutine.
func (s *Sweep) Start() {
	s.cron.Start()
}

// Stop cancels the schedule and waits for any in-flight run to finish.
func (s *Sweep) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweep) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.eng.ReclaimExpired(ctx, time.Now().UTC())
	if err != nil {
		s.log.Warn("reclaim sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		s.log.Info("reclaimed expired claims", zap.Int("count", count))
	}
}
