package domain

import "time"

// WorkItem states. Transitions are monotonic: an item leaves NEW only by
// being claimed, and never leaves COMPLETED or FAILED. A failed attempt may
// requeue the item to NEW only while its attempt budget lasts.
const (
	StateNew        = "new"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

type WorkItem struct {
	ID          string
	Name        string
	State       string
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	ProcessedAt *time.Time
	UpdatedAt   time.Time
}

// Exhausted reports whether the item has used up its attempt budget.
func (w WorkItem) Exhausted() bool {
	return w.Attempts >= w.MaxAttempts
}

// Schedule enqueues a work item on a recurring cron expression. The enqueued
// item's name is NamePrefix plus a timestamp suffix so the unique-name
// constraint on work_items holds across runs.
type Schedule struct {
	ID         string
	Name       string
	CronExpr   string
	NamePrefix string
	Enabled    bool
	LastRun    *time.Time
	NextRun    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
