// Package macro replays fixed device-action sequences with randomized
// pacing.
package macro

import (
	"context"
	"math/rand"
	"time"
)

// DelayPolicy paces consecutive device actions.
type DelayPolicy interface {
	Wait(ctx context.Context) error
}

// UniformDelay sleeps a duration drawn uniformly from [Min,Max] on every
// call, so command cadence never looks mechanical. Calls are independent.
type UniformDelay struct {
	Min, Max time.Duration
}

func (u UniformDelay) Wait(ctx context.Context) error {
	d := u.Min
	if span := u.Max - u.Min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoDelay skips all waits. For tests.
type NoDelay struct{}

func (NoDelay) Wait(context.Context) error { return nil }
