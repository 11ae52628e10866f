package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayctl/internal/domain"
	"relayctl/internal/queue"
)

type fakeRepo struct {
	queue.Repository
	due      []domain.Schedule
	enqueued []domain.WorkItem
	marked   map[string]time.Time
}

func (r *fakeRepo) DueSchedules(context.Context, time.Time) ([]domain.Schedule, error) {
	return r.due, nil
}

func (r *fakeRepo) Enqueue(_ context.Context, item domain.WorkItem) (string, error) {
	r.enqueued = append(r.enqueued, item)
	return "itm_" + item.Name, nil
}

func (r *fakeRepo) MarkScheduleRun(_ context.Context, id string, _, nextRun time.Time) error {
	if r.marked == nil {
		r.marked = map[string]time.Time{}
	}
	r.marked[id] = nextRun
	return nil
}

func TestFireEnqueuesAndAdvances(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{due: []domain.Schedule{{
		ID:         "sch_1",
		Name:       "hourly sweep",
		CronExpr:   "0 * * * *",
		NamePrefix: "sweep",
	}}}
	s := NewService(repo, time.Second, 3)

	s.processDue(context.Background(), now)

	require.Len(t, repo.enqueued, 1)
	assert.Equal(t, "sweep-20260830T120000", repo.enqueued[0].Name)
	assert.Equal(t, 3, repo.enqueued[0].MaxAttempts)
	next, ok := repo.marked["sch_1"]
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC), next)
}

func TestFireInvalidCron(t *testing.T) {
	repo := &fakeRepo{due: []domain.Schedule{{ID: "sch_1", CronExpr: "not a cron", NamePrefix: "x"}}}
	s := NewService(repo, time.Second, 3)

	s.processDue(context.Background(), time.Now())
	assert.Empty(t, repo.enqueued)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("bogus"))
}
