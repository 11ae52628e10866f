// Package scheduler enqueues work items on recurring cron schedules. It is
// the in-process producer for the work queue; the queue worker stays the
// sole mutator of item state.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"relayctl/internal/domain"
	"relayctl/internal/queue"
)

type Service struct {
	repo        queue.Repository
	interval    time.Duration
	maxAttempts int
}

func NewService(repo queue.Repository, checkInterval time.Duration, maxAttempts int) *Service {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Service{repo: repo, interval: checkInterval, maxAttempts: maxAttempts}
}

// Run scans for due schedules until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.processDue(ctx, now)
		}
	}
}

func (s *Service) processDue(ctx context.Context, now time.Time) {
	schedules, err := s.repo.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}
	for _, schedule := range schedules {
		if err := s.fire(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) fire(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	// Timestamp suffix keeps the item name unique across runs.
	name := fmt.Sprintf("%s-%s", schedule.NamePrefix, now.UTC().Format("20060102T150405"))
	itemID, err := s.repo.Enqueue(ctx, domain.WorkItem{Name: name, MaxAttempts: s.maxAttempts})
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to enqueue scheduled item")
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.repo.MarkScheduleRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("item_id", itemID).
		Time("next_run", nextRun).
		Msg("scheduled work item enqueued")
	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
