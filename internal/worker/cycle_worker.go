package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"relayctl/internal/macro"
	"relayctl/internal/protocol"
	"relayctl/internal/session"
)

// CycleConfig tunes the cycle worker.
type CycleConfig struct {
	Point1      macro.Point // click before typing the name
	Point2      macro.Point // click after typing the name
	Hotkey      string
	LinkBackoff time.Duration
}

// CycleWorker iterates a fixed name list forever, wrapping after the last
// entry. Per entry: CLICK → TYPE name → CLICK → HOTKEY, each separated by a
// randomized wait. A failed entry is skipped, never retried in place; the
// loop outlives any single entry's failure.
type CycleWorker struct {
	link  Link
	delay macro.DelayPolicy
	names func() []string // live view, so config reloads take effect
	cfg   CycleConfig
	idx   int
}

func NewCycleWorker(link Link, delay macro.DelayPolicy, names func() []string, cfg CycleConfig) *CycleWorker {
	if cfg.LinkBackoff <= 0 {
		cfg.LinkBackoff = 5 * time.Second
	}
	return &CycleWorker{link: link, delay: delay, names: names, cfg: cfg}
}

// Run cycles until ctx is cancelled.
func (w *CycleWorker) Run(ctx context.Context) error {
	log.Info().Msg("cycle worker started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		names := w.names()
		if len(names) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		name := names[w.idx%len(names)]
		w.idx = (w.idx + 1) % len(names)

		w.runEntry(ctx, name)

		if err := w.delay.Wait(ctx); err != nil {
			return err
		}
	}
}

func (w *CycleWorker) runEntry(ctx context.Context, name string) {
	steps := []protocol.Command{
		protocol.Click(w.cfg.Point1.X, w.cfg.Point1.Y),
		protocol.Type(name),
		protocol.Click(w.cfg.Point2.X, w.cfg.Point2.Y),
		protocol.Hotkey(w.cfg.Hotkey),
	}
	for i, cmd := range steps {
		if i > 0 {
			if err := w.delay.Wait(ctx); err != nil {
				return
			}
		}
		out, err := w.link.Send(ctx, cmd)
		if err != nil {
			log.Warn().Err(err).Str("name", name).Str("cmd", string(cmd.Kind)).Msg("cycle entry skipped")
			if w.link.State() == session.Disconnected {
				awaitLink(ctx, w.link, w.cfg.LinkBackoff)
			}
			return
		}
		if !out.OK() {
			log.Warn().Str("name", name).Str("cmd", string(cmd.Kind)).Str("reason", out.Reason).Msg("cycle entry skipped")
			return
		}
	}
	log.Debug().Str("name", name).Msg("cycle entry done")
}
