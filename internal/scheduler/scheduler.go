// Package scheduler turns stored backup schedules into cron triggers
// that enqueue jobs. Firing never blocks: the work itself is serialized
// by the job queue.
package scheduler

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/dockvault/dockvault/internal/jobs"
	"github.com/dockvault/dockvault/internal/models"
)

type Scheduler struct {
	schedules *models.ScheduleStore
	queue     *jobs.Queue
	log       *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(schedules *models.ScheduleStore, queue *jobs.Queue, log *slog.Logger) *Scheduler {
	return &Scheduler{schedules: schedules, queue: queue, log: log}
}

// Start registers every stored schedule and begins firing. Call Reload
// after schedules change.
func (s *Scheduler) Start() error {
	return s.Reload()
}

// Reload rebuilds the cron registry from the store.
func (s *Scheduler) Reload() error {
	all, err := s.schedules.All()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	c := cron.New()
	registered := 0
	for _, sched := range all {
		spec, ok, err := CronSpec(sched)
		if err != nil {
			s.log.Warn("skipping invalid schedule", "target", sched.Target, "err", err)
			continue
		}
		if !ok {
			// Manual frequency registers nothing.
			continue
		}

		sched := sched
		_, err = c.AddFunc(spec, func() { s.fire(sched) })
		if err != nil {
			s.log.Warn("skipping unregistrable schedule", "target", sched.Target, "spec", spec, "err", err)
			continue
		}
		registered++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = c
	c.Start()

	s.log.Info("scheduler loaded", "schedules", len(all), "registered", registered)
	return nil
}

// Stop halts firing. Already-enqueued jobs are unaffected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// fire enqueues the job for one trigger and returns immediately.
func (s *Scheduler) fire(sched models.Schedule) {
	kind := jobs.KindBackupContainer
	if sched.Stack {
		kind = jobs.KindBackupStack
	}
	id, err := s.queue.Enqueue(jobs.Job{Kind: kind, Target: sched.Target})
	if err != nil {
		s.log.Error("scheduled backup not enqueued", "target", sched.Target, "err", err)
		return
	}
	s.log.Info("scheduled backup enqueued", "target", sched.Target, "job", id)
}

// CronSpec translates a schedule to a cron expression. ok is false for
// manual schedules.
func CronSpec(sched models.Schedule) (spec string, ok bool, err error) {
	switch sched.Frequency {
	case models.FreqManual, "":
		return "", false, nil
	case models.FreqDaily, models.FreqWeekly:
	default:
		return "", false, fmt.Errorf("unknown frequency %q", sched.Frequency)
	}

	hour, min, err := parseClock(sched.Time)
	if err != nil {
		return "", false, err
	}

	if sched.Frequency == models.FreqWeekly {
		if sched.DayOfWeek < 0 || sched.DayOfWeek > 6 {
			return "", false, fmt.Errorf("day of week %d out of range", sched.DayOfWeek)
		}
		return fmt.Sprintf("%d %d * * %d", min, hour, sched.DayOfWeek), true, nil
	}
	return fmt.Sprintf("%d %d * * *", min, hour), true, nil
}

func parseClock(s string) (hour, min int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q not in HH:MM form", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	min, err = strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, min, nil
}
