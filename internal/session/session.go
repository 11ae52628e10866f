// Package session owns the single link to the HID relay. Every command from
// every worker funnels through Manager.Send, which serializes access so the
// relay only ever sees one command's bytes at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"relayctl/internal/protocol"
)

var (
	// ErrNotReady means the relay did not announce READY within the
	// startup timeout after the link was opened.
	ErrNotReady = errors.New("relay not ready")

	// ErrLinkDown means the link is closed or reconnect was exhausted.
	// Send fails fast with this until Open is retried.
	ErrLinkDown = errors.New("relay link down")
)

// State is the device-link lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Degraded
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	}
	return "disconnected"
}

// Status classifies the result of one command exchange.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusTimeout
)

// Outcome is the result of one command exchange. Never persisted; consumed
// by the issuing worker.
type Outcome struct {
	Status  Status
	Reason  string // relay error reason, set for StatusError
	Latency time.Duration
}

// OK reports whether the exchange succeeded.
func (o Outcome) OK() bool { return o.Status == StatusOK }

// Options tune the manager's timeouts and reconnect policy.
type Options struct {
	StartupTimeout time.Duration // wait for READY after open
	SendTimeout    time.Duration // per-command reply deadline
	DelayMargin    time.Duration // added to a DELAY command's own duration
	MaxStrikes     int           // consecutive timeouts before reconnect
}

func (o *Options) withDefaults() {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	if o.DelayMargin <= 0 {
		o.DelayMargin = time.Second
	}
	if o.MaxStrikes <= 0 {
		o.MaxStrikes = 3
	}
}

// Counters is a snapshot of command accounting for /metrics.
type Counters struct {
	Sent       uint64
	OK         uint64
	Errors     uint64
	Timeouts   uint64
	Reconnects uint64
}

// Manager is the Device Session Manager. All relay I/O goes through it.
type Manager struct {
	dial func() (Transport, error)
	opts Options

	mu sync.Mutex // serializes Send; guards tr
	tr Transport

	state   atomic.Int32
	strikes int // guarded by mu

	respCh chan string
	done   chan struct{}

	lastHeartbeat atomic.Int64 // unix nanos

	sent, ok, errs, timeouts, reconnects atomic.Uint64
}

// NewManager builds a manager that dials the relay with dial. Nothing is
// opened until Open is called.
func NewManager(dial func() (Transport, error), opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		dial:   dial,
		opts:   opts,
		respCh: make(chan string, 8),
		done:   make(chan struct{}),
	}
}

// State returns the current link state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Snapshot returns current command counters.
func (m *Manager) Snapshot() Counters {
	return Counters{
		Sent:       m.sent.Load(),
		OK:         m.ok.Load(),
		Errors:     m.errs.Load(),
		Timeouts:   m.timeouts.Load(),
		Reconnects: m.reconnects.Load(),
	}
}

// Open establishes the link and blocks until the relay announces READY or
// the startup timeout elapses.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tr != nil {
		return errors.New("session already open")
	}
	m.state.Store(int32(Connecting))
	if err := m.openLocked(ctx); err != nil {
		m.state.Store(int32(Disconnected))
		return err
	}
	m.state.Store(int32(Ready))
	m.strikes = 0
	log.Info().Msg("relay session ready")
	return nil
}

// openLocked dials and waits for READY. Caller holds mu.
func (m *Manager) openLocked(ctx context.Context) error {
	tr, err := m.dial()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	m.tr = tr
	go m.readLoop(tr)
	if err := m.awaitLocked(ctx, protocol.RespReady, m.opts.StartupTimeout); err != nil {
		tr.Close()
		m.tr = nil
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return nil
}

// readLoop pumps relay lines into respCh until the transport dies.
// Unsolicited HEARTBEAT lines are liveness evidence only: they update the
// heartbeat clock and never resolve a pending Send.
func (m *Manager) readLoop(tr Transport) {
	for {
		line, err := tr.ReadLine()
		if err != nil {
			return
		}
		if protocol.ParseResponse(line).Type == protocol.RespHeartbeat {
			m.lastHeartbeat.Store(time.Now().UnixNano())
			log.Debug().Msg("relay heartbeat")
			continue
		}
		select {
		case m.respCh <- line:
		case <-m.done:
			return
		}
	}
}

// LastHeartbeat returns the time of the most recent relay heartbeat, zero
// if none has been seen.
func (m *Manager) LastHeartbeat() time.Time {
	ns := m.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// awaitLocked waits for one response line of the wanted type, discarding
// other lines. Caller holds mu.
func (m *Manager) awaitLocked(ctx context.Context, want protocol.ResponseType, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case line := <-m.respCh:
			if protocol.ParseResponse(line).Type == want {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("no response within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrLinkDown
		}
	}
}

// timeoutFor derives the reply deadline from the command kind. DELAY
// commands block the relay for their whole duration, so their deadline
// scales with the requested sleep; TYPE keystrokes take the relay longer
// than a single click or key.
func (m *Manager) timeoutFor(cmd protocol.Command) time.Duration {
	switch cmd.Kind {
	case protocol.KindDelay:
		return time.Duration(cmd.Ms)*time.Millisecond + m.opts.DelayMargin
	case protocol.KindType:
		return m.opts.SendTimeout * 2
	}
	return m.opts.SendTimeout
}

// Send encodes and transmits one command and waits for the relay's reply.
// It is the sole serialization point over the link: concurrent callers are
// queued on an internal lock and their bytes never interleave.
//
// A validation failure or a down link returns a non-nil error and no
// command reaches the wire. Otherwise the returned Outcome carries the
// exchange result, including relay-reported errors and timeouts.
func (m *Manager) Send(ctx context.Context, cmd protocol.Command) (Outcome, error) {
	line, err := cmd.Encode()
	if err != nil {
		return Outcome{}, err
	}
	if m.State() == Disconnected {
		return Outcome{}, ErrLinkDown
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tr == nil {
		return Outcome{}, ErrLinkDown
	}

	// Stale lines from a previous exchange (or a relay reboot) must not
	// satisfy this one.
	m.drainLocked()

	start := time.Now()
	m.sent.Add(1)
	if err := m.tr.WriteLine(line); err != nil {
		log.Error().Err(err).Str("cmd", string(cmd.Kind)).Msg("relay write failed")
		m.failLinkLocked()
		return Outcome{}, fmt.Errorf("%w: write: %v", ErrLinkDown, err)
	}

	timeout := m.timeoutFor(cmd)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case raw := <-m.respCh:
			resp := protocol.ParseResponse(raw)
			latency := time.Since(start)
			switch resp.Type {
			case protocol.RespOK:
				m.ok.Add(1)
				m.strikes = 0
				m.state.Store(int32(Ready))
				return Outcome{Status: StatusOK, Latency: latency}, nil
			case protocol.RespPong:
				if cmd.Kind == protocol.KindPing {
					m.ok.Add(1)
					m.strikes = 0
					m.state.Store(int32(Ready))
					return Outcome{Status: StatusOK, Latency: latency}, nil
				}
				// PONG with no PING outstanding: keep waiting.
			case protocol.RespReady:
				// Relay rebooted mid-exchange. The command is lost;
				// keep waiting so the caller sees a timeout.
			case protocol.RespError:
				m.errs.Add(1)
				log.Warn().Str("cmd", string(cmd.Kind)).Str("reason", resp.Reason).Msg("relay error")
				return Outcome{Status: StatusError, Reason: resp.Reason, Latency: latency}, nil
			}
		case <-deadline.C:
			m.timeouts.Add(1)
			m.strikeLocked(ctx)
			return Outcome{Status: StatusTimeout, Latency: time.Since(start)}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-m.done:
			return Outcome{}, ErrLinkDown
		}
	}
}

func (m *Manager) drainLocked() {
	for {
		select {
		case <-m.respCh:
		default:
			return
		}
	}
}

// strikeLocked records a timeout. The link is not closed on the first
// strike; after MaxStrikes consecutive timeouts one reconnect is attempted.
func (m *Manager) strikeLocked(ctx context.Context) {
	m.strikes++
	m.state.Store(int32(Degraded))
	log.Warn().Int("strikes", m.strikes).Msg("relay command timed out, link degraded")
	if m.strikes < m.opts.MaxStrikes {
		return
	}
	m.reconnectLocked(ctx)
}

// reconnectLocked closes and re-opens the link once, re-validating with a
// PING/PONG exchange. Failure leaves the link Disconnected until a caller
// retries Open.
func (m *Manager) reconnectLocked(ctx context.Context) {
	m.reconnects.Add(1)
	log.Info().Msg("reconnecting relay link")
	if m.tr != nil {
		m.tr.Close()
		m.tr = nil
	}
	m.drainLocked()
	if err := m.openLocked(ctx); err != nil {
		log.Error().Err(err).Msg("relay reconnect failed")
		m.state.Store(int32(Disconnected))
		return
	}
	ping, _ := protocol.Ping().Encode()
	if err := m.tr.WriteLine(ping); err == nil {
		if err := m.awaitLocked(ctx, protocol.RespPong, m.opts.SendTimeout); err == nil {
			m.strikes = 0
			m.state.Store(int32(Ready))
			log.Info().Msg("relay link re-established")
			return
		}
	}
	m.tr.Close()
	m.tr = nil
	m.state.Store(int32(Disconnected))
	log.Error().Msg("relay reconnect validation failed")
}

func (m *Manager) failLinkLocked() {
	if m.tr != nil {
		m.tr.Close()
		m.tr = nil
	}
	m.state.Store(int32(Disconnected))
}

// Close tears down the link. Any in-flight Send unblocks with ErrLinkDown.
func (m *Manager) Close() error {
	select {
	case <-m.done:
		return nil
	default:
	}
	close(m.done)
	m.state.Store(int32(Disconnected))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tr != nil {
		err := m.tr.Close()
		m.tr = nil
		return err
	}
	return nil
}
