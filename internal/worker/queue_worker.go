// Package worker runs the two long-lived automation loops. Both share the
// relay session through its serialized Send; nothing here touches the
// transport directly.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"relayctl/internal/domain"
	"relayctl/internal/macro"
	"relayctl/internal/protocol"
	"relayctl/internal/queue"
	"relayctl/internal/screen"
	"relayctl/internal/session"
)

// Link is the slice of the session manager the workers need: serialized
// command exchange plus enough lifecycle to sit out a dead link.
type Link interface {
	Send(ctx context.Context, cmd protocol.Command) (session.Outcome, error)
	Open(ctx context.Context) error
	State() session.State
}

// ChangeMonitor is the armed screen watcher owned by one queue-worker cycle
// at a time.
type ChangeMonitor interface {
	Arm(ctx context.Context, region screen.Region, pollInterval time.Duration) (<-chan screen.ChangeEvent, error)
	Disarm()
}

// SequenceRunner replays the post-change macro.
type SequenceRunner interface {
	Run(ctx context.Context) error
}

var errNoChange = errors.New("no screen change within ceiling timeout")

// QueueConfig tunes the queue worker.
type QueueConfig struct {
	PollInterval    time.Duration // queue poll cadence
	Region          screen.Region // monitored screen region
	MonitorInterval time.Duration // OCR sampling cadence while armed
	ChangeTimeout   time.Duration // ceiling wait for a change event
	Hotkey          string        // activation combo
	LinkBackoff     time.Duration // wait between reconnect attempts
}

func (c *QueueConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 500 * time.Millisecond
	}
	if c.ChangeTimeout <= 0 {
		c.ChangeTimeout = 60 * time.Second
	}
	if c.LinkBackoff <= 0 {
		c.LinkBackoff = 5 * time.Second
	}
}

// QueueWorker drains the persisted work queue: claim the oldest NEW item,
// run the chat activation sequence, wait for the screen to change, replay
// the macro, and advance the item's state.
type QueueWorker struct {
	repo    queue.Repository
	link    Link
	monitor ChangeMonitor
	seq     SequenceRunner
	delay   macro.DelayPolicy
	cfg     QueueConfig
}

func NewQueueWorker(repo queue.Repository, link Link, monitor ChangeMonitor, seq SequenceRunner, delay macro.DelayPolicy, cfg QueueConfig) *QueueWorker {
	cfg.withDefaults()
	return &QueueWorker{repo: repo, link: link, monitor: monitor, seq: seq, delay: delay, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (w *QueueWorker) Run(ctx context.Context) error {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	log.Info().Dur("poll", w.cfg.PollInterval).Msg("queue worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for {
				item, err := w.repo.ClaimOldestNew(ctx)
				if errors.Is(err, queue.ErrEmpty) {
					break
				}
				if err != nil {
					log.Error().Err(err).Msg("claim failed")
					break
				}
				w.process(ctx, item)
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}

func (w *QueueWorker) process(ctx context.Context, item domain.WorkItem) {
	log.Info().Str("item", item.ID).Str("name", item.Name).Int("attempt", item.Attempts).Msg("processing work item")

	if err := w.activate(ctx, item.Name); err != nil {
		w.route(ctx, item, fmt.Errorf("activation: %w", err))
		return
	}

	events, err := w.monitor.Arm(ctx, w.cfg.Region, w.cfg.MonitorInterval)
	if err != nil {
		w.route(ctx, item, fmt.Errorf("arm monitor: %w", err))
		return
	}
	defer w.monitor.Disarm()

	ceiling := time.NewTimer(w.cfg.ChangeTimeout)
	defer ceiling.Stop()
	select {
	case ev := <-events:
		log.Debug().Str("item", item.ID).Str("after", ev.After).Msg("screen change detected")
	case <-ceiling.C:
		w.route(ctx, item, errNoChange)
		return
	case <-ctx.Done():
		w.route(ctx, item, ctx.Err())
		return
	}

	if err := w.seq.Run(ctx); err != nil {
		w.route(ctx, item, err)
		return
	}

	if err := w.repo.Complete(ctx, item.ID); err != nil {
		log.Error().Err(err).Str("item", item.ID).Msg("complete failed")
		return
	}
	log.Info().Str("item", item.ID).Str("name", item.Name).Msg("work item completed")
}

// activate runs the chat activation sequence, aborting on the first non-OK
// outcome.
func (w *QueueWorker) activate(ctx context.Context, name string) error {
	steps := []protocol.Command{
		protocol.Key("ENTER"),
		protocol.Type("/target " + name),
		protocol.Key("ENTER"),
		protocol.Hotkey(w.cfg.Hotkey),
	}
	for i, cmd := range steps {
		if i > 0 {
			if err := w.delay.Wait(ctx); err != nil {
				return err
			}
		}
		out, err := w.link.Send(ctx, cmd)
		if err != nil {
			return err
		}
		if !out.OK() {
			if out.Status == session.StatusTimeout {
				return fmt.Errorf("step %d (%s) timed out", i, cmd.Kind)
			}
			return fmt.Errorf("step %d (%s): relay error %s", i, cmd.Kind, out.Reason)
		}
	}
	return nil
}

// route advances a failed item per the retry policy and, on a dead link,
// idles until the session is back.
func (w *QueueWorker) route(ctx context.Context, item domain.WorkItem, cause error) {
	if ctx.Err() != nil {
		// Shutdown mid-item: leave it PROCESSING for stale recovery.
		return
	}
	log.Warn().Err(cause).Str("item", item.ID).Int("attempt", item.Attempts).
		Bool("exhausted", item.Exhausted()).Msg("work item attempt failed")
	if err := w.repo.Requeue(ctx, item.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("item", item.ID).Msg("requeue failed")
	}
	if errors.Is(cause, session.ErrLinkDown) {
		awaitLink(ctx, w.link, w.cfg.LinkBackoff)
	}
}

// awaitLink blocks until the relay session is usable again, re-attempting
// Open on a fixed backoff. Never terminates the process.
func awaitLink(ctx context.Context, link Link, backoff time.Duration) {
	for link.State() == session.Disconnected {
		log.Info().Dur("backoff", backoff).Msg("relay link down, retrying open")
		if err := link.Open(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
