package macro

import (
	"context"
	"fmt"

	"relayctl/internal/protocol"
	"relayctl/internal/session"
)

// Sender is the slice of the session manager the sequencer needs.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) (session.Outcome, error)
}

// Offset is one step of the replay pattern: a relative cursor move followed
// by a click at the accumulated position.
type Offset struct {
	DX, DY int
}

// Point is an absolute screen coordinate.
type Point struct {
	X, Y int
}

// StepError reports which step of a sequence failed and why.
type StepError struct {
	Step   int
	Kind   protocol.Kind
	Reason string
}

func (e *StepError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("macro step %d: %s timed out", e.Step, e.Kind)
	}
	return fmt.Sprintf("macro step %d: %s failed: %s", e.Step, e.Kind, e.Reason)
}

// Sequencer replays a fixed offset table through the session manager. The
// cursor position is tracked from Origin; each step issues MOVE with the
// step's offsets, then CLICK at the accumulated absolute coordinates.
// The sequence aborts on the first non-OK outcome.
type Sequencer struct {
	sender Sender
	delay  DelayPolicy
	origin Point
	steps  []Offset
}

func NewSequencer(sender Sender, delay DelayPolicy, origin Point, steps []Offset) *Sequencer {
	return &Sequencer{sender: sender, delay: delay, origin: origin, steps: steps}
}

// Run replays the full pattern. A nil return means every step completed
// with OK.
func (s *Sequencer) Run(ctx context.Context) error {
	x, y := s.origin.X, s.origin.Y
	for i, off := range s.steps {
		if i > 0 {
			if err := s.delay.Wait(ctx); err != nil {
				return err
			}
		}
		x += off.DX
		y += off.DY
		if err := s.exchange(ctx, i, protocol.Move(off.DX, off.DY)); err != nil {
			return err
		}
		if err := s.exchange(ctx, i, protocol.Click(x, y)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) exchange(ctx context.Context, step int, cmd protocol.Command) error {
	out, err := s.sender.Send(ctx, cmd)
	if err != nil {
		return fmt.Errorf("macro step %d: %w", step, err)
	}
	if !out.OK() {
		return &StepError{Step: step, Kind: cmd.Kind, Reason: out.Reason}
	}
	return nil
}
