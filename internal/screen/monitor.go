package screen

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrAlreadyArmed is returned by Arm while a previous arm cycle is active.
var ErrAlreadyArmed = errors.New("screen monitor already armed")

// ChangeEvent reports one detected delta between consecutive samples.
type ChangeEvent struct {
	Before string
	After  string
	At     time.Time
}

// Monitor samples a screen region and reports text deltas against the last
// observed baseline. One arm/disarm cycle at a time; the baseline belongs
// exclusively to the monitor and is rebased on every detected change.
type Monitor struct {
	cap Capturer
	ocr OCR

	mu    sync.Mutex
	armed bool
	stop  chan struct{}
	done  chan struct{}
}

func NewMonitor(cap Capturer, ocr OCR) *Monitor {
	return &Monitor{cap: cap, ocr: ocr}
}

// Arm begins periodic sampling of region. The first successful sample seeds
// the baseline and never emits an event; each later sample whose text
// differs emits exactly one event and rebases. Events are delivered on the
// returned channel until Disarm.
func (m *Monitor) Arm(ctx context.Context, region Region, pollInterval time.Duration) (<-chan ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armed {
		return nil, ErrAlreadyArmed
	}
	m.armed = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	events := make(chan ChangeEvent, 1)
	go m.poll(ctx, region, pollInterval, events, m.stop, m.done)
	return events, nil
}

// Disarm stops sampling and blocks until the poll loop has exited. Safe to
// call when not armed.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	if !m.armed {
		m.mu.Unlock()
		return
	}
	stop, done := m.stop, m.done
	m.armed = false
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Monitor) poll(ctx context.Context, region Region, interval time.Duration, events chan<- ChangeEvent, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	baseline := ""
	seeded := false
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			text, err := m.sample(ctx, region)
			if err != nil {
				log.Warn().Err(err).Msg("screen sample failed")
				continue
			}
			if !seeded {
				baseline = text
				seeded = true
				continue
			}
			if text == baseline {
				continue
			}
			ev := ChangeEvent{Before: baseline, After: text, At: time.Now()}
			baseline = text
			select {
			case events <- ev:
			default:
				// Receiver gone; the rebased baseline still holds.
			}
		}
	}
}

func (m *Monitor) sample(ctx context.Context, region Region) (string, error) {
	img, err := m.cap.Capture(region)
	if err != nil {
		return "", err
	}
	text, err := m.ocr.ExtractText(ctx, img)
	if err != nil {
		return "", err
	}
	return text, nil
}
