package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayctl/internal/domain"
	"relayctl/internal/macro"
	"relayctl/internal/protocol"
	"relayctl/internal/queue"
	"relayctl/internal/screen"
	"relayctl/internal/session"
)

// --- fakes ---

type fakeRepo struct {
	queue.Repository
	mu        sync.Mutex
	items     []domain.WorkItem
	completed []string
	requeued  map[string]string
}

func newFakeRepo(items ...domain.WorkItem) *fakeRepo {
	return &fakeRepo{items: items, requeued: map[string]string{}}
}

func (r *fakeRepo) ClaimOldestNew(context.Context) (domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return domain.WorkItem{}, queue.ErrEmpty
	}
	item := r.items[0]
	r.items = r.items[1:]
	item.State = domain.StateProcessing
	item.Attempts++
	return item, nil
}

func (r *fakeRepo) Complete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, id)
	return nil
}

func (r *fakeRepo) Requeue(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeued[id] = reason
	return nil
}

type fakeLink struct {
	mu      sync.Mutex
	lines   []string
	outcome func(cmd protocol.Command) session.Outcome
	state   session.State
}

func (l *fakeLink) Send(_ context.Context, cmd protocol.Command) (session.Outcome, error) {
	line, err := cmd.Encode()
	if err != nil {
		return session.Outcome{}, err
	}
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
	if l.outcome != nil {
		return l.outcome(cmd), nil
	}
	return session.Outcome{Status: session.StatusOK}, nil
}

func (l *fakeLink) Open(context.Context) error { return nil }

func (l *fakeLink) State() session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) written() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

type fakeMonitor struct {
	mu       sync.Mutex
	events   chan screen.ChangeEvent
	arms     int
	disarms  int
	emitOnce bool // push one change event as soon as armed
}

func newFakeMonitor(emit bool) *fakeMonitor {
	return &fakeMonitor{events: make(chan screen.ChangeEvent, 1), emitOnce: emit}
}

func (m *fakeMonitor) Arm(context.Context, screen.Region, time.Duration) (<-chan screen.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arms++
	if m.emitOnce {
		m.events <- screen.ChangeEvent{Before: "a", After: "b", At: time.Now()}
		m.emitOnce = false
	}
	return m.events, nil
}

func (m *fakeMonitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarms++
}

type fakeSeq struct {
	runs int
	err  error
}

func (s *fakeSeq) Run(context.Context) error {
	s.runs++
	return s.err
}

func testQueueCfg() QueueConfig {
	return QueueConfig{
		PollInterval:    5 * time.Millisecond,
		Region:          screen.Region{W: 100, H: 40},
		MonitorInterval: time.Millisecond,
		ChangeTimeout:   50 * time.Millisecond,
		Hotkey:          "CTRL+ENTER",
		LinkBackoff:     time.Millisecond,
	}
}

// --- queue worker ---

func TestQueueWorkerHappyPath(t *testing.T) {
	repo := newFakeRepo(domain.WorkItem{ID: "itm_1", Name: "alice", MaxAttempts: 3})
	link := &fakeLink{state: session.Ready}
	mon := newFakeMonitor(true)
	seq := &fakeSeq{}
	w := NewQueueWorker(repo, link, mon, seq, macro.NoDelay{}, testQueueCfg())

	item, err := repo.ClaimOldestNew(context.Background())
	require.NoError(t, err)
	w.process(context.Background(), item)

	assert.Equal(t, []string{
		"KEY:ENTER",
		"TYPE:/target alice",
		"KEY:ENTER",
		"HOTKEY:CTRL+ENTER",
	}, link.written())
	assert.Equal(t, 1, mon.arms)
	assert.Equal(t, 1, mon.disarms)
	assert.Equal(t, 1, seq.runs)
	assert.Equal(t, []string{"itm_1"}, repo.completed)
	assert.Empty(t, repo.requeued)
}

func TestQueueWorkerActivationErrorAbortsSequence(t *testing.T) {
	repo := newFakeRepo(domain.WorkItem{ID: "itm_1", Name: "alice", MaxAttempts: 3})
	link := &fakeLink{state: session.Ready}
	link.outcome = func(cmd protocol.Command) session.Outcome {
		if cmd.Kind == protocol.KindType {
			return session.Outcome{Status: session.StatusError, Reason: "BUFFER_FULL"}
		}
		return session.Outcome{Status: session.StatusOK}
	}
	mon := newFakeMonitor(true)
	seq := &fakeSeq{}
	w := NewQueueWorker(repo, link, mon, seq, macro.NoDelay{}, testQueueCfg())

	item, _ := repo.ClaimOldestNew(context.Background())
	w.process(context.Background(), item)

	// Nothing past the failed TYPE step, and no macro.
	assert.Equal(t, []string{"KEY:ENTER", "TYPE:/target alice"}, link.written())
	assert.Equal(t, 0, mon.arms)
	assert.Equal(t, 0, seq.runs)
	assert.Contains(t, repo.requeued, "itm_1")
}

func TestQueueWorkerNoChangeRequeues(t *testing.T) {
	repo := newFakeRepo(domain.WorkItem{ID: "itm_1", Name: "alice", MaxAttempts: 3})
	link := &fakeLink{state: session.Ready}
	mon := newFakeMonitor(false) // never emits
	seq := &fakeSeq{}
	w := NewQueueWorker(repo, link, mon, seq, macro.NoDelay{}, testQueueCfg())

	item, _ := repo.ClaimOldestNew(context.Background())
	w.process(context.Background(), item)

	assert.Equal(t, 0, seq.runs)
	assert.Equal(t, 1, mon.disarms)
	assert.Contains(t, repo.requeued["itm_1"], "no screen change")
	assert.Empty(t, repo.completed)
}

func TestQueueWorkerMacroFailureRequeues(t *testing.T) {
	repo := newFakeRepo(domain.WorkItem{ID: "itm_1", Name: "alice", MaxAttempts: 3})
	link := &fakeLink{state: session.Ready}
	mon := newFakeMonitor(true)
	seq := &fakeSeq{err: &macro.StepError{Step: 4, Kind: protocol.KindClick, Reason: "INVALID_COORDINATES"}}
	w := NewQueueWorker(repo, link, mon, seq, macro.NoDelay{}, testQueueCfg())

	item, _ := repo.ClaimOldestNew(context.Background())
	w.process(context.Background(), item)

	assert.Equal(t, 1, seq.runs)
	assert.Contains(t, repo.requeued["itm_1"], "INVALID_COORDINATES")
	assert.Empty(t, repo.completed)
}

func TestQueueWorkerRunDrainsQueue(t *testing.T) {
	repo := newFakeRepo(
		domain.WorkItem{ID: "itm_1", Name: "alice", MaxAttempts: 3},
		domain.WorkItem{ID: "itm_2", Name: "bob", MaxAttempts: 3},
	)
	link := &fakeLink{state: session.Ready}
	mon := &alwaysEmitMonitor{}
	seq := &fakeSeq{}
	w := NewQueueWorker(repo, link, mon, seq, macro.NoDelay{}, testQueueCfg())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.completed) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

// alwaysEmitMonitor emits a change on every arm cycle.
type alwaysEmitMonitor struct{}

func (alwaysEmitMonitor) Arm(context.Context, screen.Region, time.Duration) (<-chan screen.ChangeEvent, error) {
	ch := make(chan screen.ChangeEvent, 1)
	ch <- screen.ChangeEvent{Before: "a", After: "b", At: time.Now()}
	return ch, nil
}

func (alwaysEmitMonitor) Disarm() {}

// --- cycle worker ---

func cycleCfg() CycleConfig {
	return CycleConfig{
		Point1:      macro.Point{X: 50, Y: 60},
		Point2:      macro.Point{X: 70, Y: 80},
		Hotkey:      "CTRL+ENTER",
		LinkBackoff: time.Millisecond,
	}
}

func TestCycleWorkerEntrySequence(t *testing.T) {
	link := &fakeLink{state: session.Ready}
	w := NewCycleWorker(link, macro.NoDelay{}, func() []string { return []string{"alice"} }, cycleCfg())

	w.runEntry(context.Background(), "alice")

	assert.Equal(t, []string{
		"CLICK:50,60",
		"TYPE:alice",
		"CLICK:70,80",
		"HOTKEY:CTRL+ENTER",
	}, link.written())
}

func TestCycleWorkerSkipsFailedEntryAndAdvances(t *testing.T) {
	link := &fakeLink{state: session.Ready}
	link.outcome = func(cmd protocol.Command) session.Outcome {
		if cmd.Kind == protocol.KindHotkey && len(link.written()) <= 4 {
			// First entry's hotkey fails.
			return session.Outcome{Status: session.StatusError, Reason: "UNSUPPORTED_HOTKEY"}
		}
		return session.Outcome{Status: session.StatusOK}
	}
	w := NewCycleWorker(link, macro.NoDelay{}, func() []string { return []string{"bob", "carol"} }, cycleCfg())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// bob's entry fails at HOTKEY, carol's entry must still run.
	require.Eventually(t, func() bool {
		for _, line := range link.written() {
			if line == "TYPE:carol" {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestCycleWorkerWrapsAround(t *testing.T) {
	link := &fakeLink{state: session.Ready}
	w := NewCycleWorker(link, macro.NoDelay{}, func() []string { return []string{"alice", "bob"} }, cycleCfg())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Three TYPE lines for a two-name list proves the wrap to index 0.
	require.Eventually(t, func() bool {
		count := 0
		for _, line := range link.written() {
			if line == "TYPE:alice" {
				count++
			}
		}
		return count >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done
}
