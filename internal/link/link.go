// Package link establishes and repairs the node's wireless network
// association.
//
// The Link Manager is an explicit state machine (Down, Connecting, Up)
// advanced by [Manager.Step]. [Manager.EnsureUp] drives Step until the
// link is Up, sleeping between steps and resetting the liveness monitor
// around every wait. There is no give-up state: a failed attempt window
// tears the association down, waits a fixed delay and starts over.
package link

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/envnode/internal/clock"
	"github.com/nugget/envnode/internal/indicator"
	"github.com/nugget/envnode/internal/watchdog"
)

// State is the link state.
type State uint8

const (
	// Down means no association and no attempt in progress.
	Down State = iota
	// Connecting means an association was requested and is being polled.
	Connecting
	// Up means the radio reports a usable association.
	Up
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Down:
		return "down"
	case Connecting:
		return "connecting"
	case Up:
		return "up"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the link state machine.
type Status struct {
	State          State
	LastTransition time.Time
	Failures       int // consecutive failed attempt windows
}

// Radio is the platform network interface.
type Radio interface {
	// Begin requests an association with the given credentials. It
	// returns once the request is issued, not once it completes.
	Begin(ssid, password string) error
	// Connected reports whether the association is usable. It must not
	// perform network I/O.
	Connected() bool
	// Disconnect tears down any association or pending attempt.
	Disconnect() error
}

// Config controls credentials and retry timing.
type Config struct {
	SSID     string
	Password string

	// PollInterval is the wait between status polls while Connecting.
	PollInterval time.Duration
	// AttemptWindow bounds a single association attempt.
	AttemptWindow time.Duration
	// RetryDelay is the fixed wait after a failed attempt window.
	RetryDelay time.Duration
}

// Manager owns the link state. It is not safe for concurrent use; the
// node drives it from a single scheduler loop.
type Manager struct {
	cfg    Config
	radio  Radio
	clock  clock.Clock
	kick   watchdog.Kicker
	led    indicator.Indicator
	logger *slog.Logger

	status       Status
	attemptStart time.Time
	onDown       []func()
}

// New creates a Manager in the Down state. kick and led may be nil.
// Panics if radio or clk is nil.
func New(cfg Config, radio Radio, clk clock.Clock, kick watchdog.Kicker, led indicator.Indicator, logger *slog.Logger) *Manager {
	if radio == nil {
		panic("link: radio must not be nil")
	}
	if clk == nil {
		panic("link: clock must not be nil")
	}
	if kick == nil {
		kick = watchdog.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		radio:  radio,
		clock:  clk,
		kick:   kick,
		led:    led,
		logger: logger,
		status: Status{State: Down, LastTransition: clk.Now()},
	}
}

// OnDown registers fn to run synchronously whenever an Up link is lost.
func (m *Manager) OnDown(fn func()) {
	m.onDown = append(m.onDown, fn)
}

// Status returns the current state snapshot.
func (m *Manager) Status() Status { return m.status }

// IsUp reports whether the last observed state is Up.
func (m *Manager) IsUp() bool { return m.status.State == Up }

// EnsureUp blocks until the link is Up or ctx is cancelled. When the
// link is already Up it returns immediately without touching the radio
// beyond a status query.
func (m *Manager) EnsureUp(ctx context.Context) error {
	if m.status.State == Up && m.radio.Connected() {
		return nil
	}

	for {
		state, wait := m.Step()
		if state == Up {
			return nil
		}

		m.kick.Reset()
		if !m.clock.Sleep(ctx, wait) {
			return ctx.Err()
		}
		m.kick.Reset()
	}
}

// Step advances the state machine by one transition and returns the new
// state and how long the caller should wait before stepping again.
func (m *Manager) Step() (State, time.Duration) {
	now := m.clock.Now()

	switch m.status.State {
	case Up:
		if m.radio.Connected() {
			return Up, 0
		}
		m.logger.Warn("wifi link lost", "ssid", m.cfg.SSID)
		m.transition(Down, now)
		for _, fn := range m.onDown {
			fn()
		}
		return Down, 0

	case Down:
		m.setLED(true)
		m.logger.Info("connecting to wifi", "ssid", m.cfg.SSID, "attempt", m.status.Failures+1)
		if err := m.radio.Begin(m.cfg.SSID, m.cfg.Password); err != nil {
			m.status.Failures++
			m.logger.Warn("wifi association request failed",
				"ssid", m.cfg.SSID,
				"next_delay", m.cfg.RetryDelay.String(),
				"error", err,
			)
			return Down, m.cfg.RetryDelay
		}
		m.attemptStart = now
		m.transition(Connecting, now)
		return Connecting, m.cfg.PollInterval

	case Connecting:
		if m.radio.Connected() {
			m.logger.Info("wifi connected",
				"ssid", m.cfg.SSID,
				"after", now.Sub(m.attemptStart).String(),
			)
			m.status.Failures = 0
			m.transition(Up, now)
			m.setLED(false)
			return Up, 0
		}
		if now.Sub(m.attemptStart) > m.cfg.AttemptWindow {
			m.status.Failures++
			m.logger.Warn("wifi connection failed, retrying",
				"ssid", m.cfg.SSID,
				"window", m.cfg.AttemptWindow.String(),
				"failures", m.status.Failures,
				"next_delay", m.cfg.RetryDelay.String(),
			)
			if err := m.radio.Disconnect(); err != nil {
				m.logger.Debug("wifi disconnect failed", "error", err)
			}
			m.transition(Down, now)
			return Down, m.cfg.RetryDelay
		}
		return Connecting, m.cfg.PollInterval
	}

	return m.status.State, m.cfg.PollInterval
}

func (m *Manager) transition(to State, now time.Time) {
	m.logger.Debug("link state transition", "from", m.status.State.String(), "to", to.String())
	m.status.State = to
	m.status.LastTransition = now
}

func (m *Manager) setLED(on bool) {
	if m.led != nil {
		m.led.Set(on)
	}
}
