package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/envnode/internal/clock"
	"github.com/nugget/envnode/internal/diaglog"
	"github.com/nugget/envnode/internal/indicator"
	"github.com/nugget/envnode/internal/watchdog"
)

// LinkStatus reports whether the network link is usable.
type LinkStatus interface {
	IsUp() bool
}

// SessionConfig controls identity and sweep timing.
type SessionConfig struct {
	Connect ConnectOptions

	// CommandTopic is subscribed on every successful handshake.
	CommandTopic string

	// CandidateDelay is the wait between two failed candidates.
	CandidateDelay time.Duration
	// SweepCooldown is the wait after every candidate failed.
	SweepCooldown time.Duration
	// MaxSweeps bounds EnsureSession; zero sweeps forever.
	MaxSweeps int
}

// Session owns the broker session state. It is not safe for concurrent
// use; the node drives it from a single scheduler loop.
type Session struct {
	cfg        SessionConfig
	candidates []Endpoint
	dialer     Dialer
	link       LinkStatus
	clock      clock.Clock
	kick       watchdog.Kicker
	led        indicator.Indicator
	diag       diaglog.Recorder
	logger     *slog.Logger

	state    State
	active   int // index into candidates, -1 when disconnected
	lastErr  error
	conn     Conn
	handlers map[string]Handler
	attempts int // handshakes attempted since boot
}

// SessionDeps are the collaborators of a Session. Kick, LED and Link
// may be nil.
type SessionDeps struct {
	Dialer Dialer
	Link   LinkStatus
	Clock  clock.Clock
	Kick   watchdog.Kicker
	LED    indicator.Indicator
	Diag   diaglog.Recorder
	Logger *slog.Logger
}

// NewSession creates a disconnected session over candidates. Panics if
// candidates is empty or a required collaborator is nil.
func NewSession(cfg SessionConfig, candidates []Endpoint, deps SessionDeps) *Session {
	if len(candidates) == 0 {
		panic("mqtt: at least one candidate endpoint is required")
	}
	if deps.Dialer == nil {
		panic("mqtt: dialer must not be nil")
	}
	if deps.Clock == nil {
		panic("mqtt: clock must not be nil")
	}
	if deps.Diag == nil {
		panic("mqtt: diagnostic recorder must not be nil")
	}
	if deps.Kick == nil {
		deps.Kick = watchdog.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.CandidateDelay <= 0 {
		cfg.CandidateDelay = time.Second
	}
	if cfg.SweepCooldown <= 0 {
		cfg.SweepCooldown = 5 * time.Second
	}

	return &Session{
		cfg:        cfg,
		candidates: append([]Endpoint(nil), candidates...),
		dialer:     deps.Dialer,
		link:       deps.Link,
		clock:      deps.Clock,
		kick:       deps.Kick,
		led:        deps.LED,
		diag:       deps.Diag,
		logger:     deps.Logger,
		active:     -1,
		handlers:   make(map[string]Handler),
	}
}

// Handle routes messages on topic to h. Routing is by exact topic.
func (s *Session) Handle(topic string, h Handler) {
	s.handlers[topic] = h
}

// State returns the session state.
func (s *Session) State() State { return s.state }

// Connected reports whether the session is Connected.
func (s *Session) Connected() bool { return s.state == Connected }

// ActiveEndpoint returns the endpoint of the current session.
func (s *Session) ActiveEndpoint() (Endpoint, bool) {
	if s.active < 0 {
		return Endpoint{}, false
	}
	return s.candidates[s.active], true
}

// ClientID returns the client identifier used in the handshake.
func (s *Session) ClientID() string { return s.cfg.Connect.ClientID }

// LastError returns the most recent handshake or transport error.
func (s *Session) LastError() error { return s.lastErr }

// Attempts returns the number of handshakes attempted since boot.
func (s *Session) Attempts() int { return s.attempts }

// EnsureSession blocks until the session is Connected, ctx is cancelled,
// or the configured number of sweeps is exhausted. It returns
// [ErrLinkDown] as soon as the link is observed down, so the caller can
// repair the link first. When already Connected it returns immediately
// without network I/O.
func (s *Session) EnsureSession(ctx context.Context) error {
	if s.state == Connected {
		return nil
	}

	for sweep := 1; ; sweep++ {
		err := s.sweep(ctx)
		if err == nil || ctx.Err() != nil || errors.Is(err, ErrLinkDown) {
			return err
		}
		if s.cfg.MaxSweeps > 0 && sweep >= s.cfg.MaxSweeps {
			return fmt.Errorf("no broker accepted a session after %d sweeps: %w", sweep, s.lastErr)
		}

		s.logger.Warn("all broker candidates failed",
			"candidates", len(s.candidates),
			"cooldown", s.cfg.SweepCooldown.String(),
		)
		s.kick.Reset()
		if !s.clock.Sleep(ctx, s.cfg.SweepCooldown) {
			return ctx.Err()
		}
		s.kick.Reset()
	}
}

// sweep tries every candidate once in priority order and stops at the
// first success.
func (s *Session) sweep(ctx context.Context) error {
	for i, ep := range s.candidates {
		if s.link != nil && !s.link.IsUp() {
			s.state = Disconnected
			return ErrLinkDown
		}
		if i > 0 {
			s.kick.Reset()
			if !s.clock.Sleep(ctx, s.cfg.CandidateDelay) {
				return ctx.Err()
			}
		}
		s.kick.Reset()

		if err := s.connect(ctx, i); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.lastErr = err
			s.logger.Warn("broker handshake failed", "broker", ep.String(), "error", err)
			s.diag.Error(fmt.Sprintf("MQTT connect failed broker=%s err=%v", ep.Addr(), err))
			continue
		}
		return nil
	}
	return s.lastErr
}

func (s *Session) connect(ctx context.Context, i int) error {
	ep := s.candidates[i]
	s.state = Connecting
	s.attempts++
	s.logger.Info("connecting to broker", "broker", ep.String(), "client_id", s.cfg.Connect.ClientID)

	conn, err := s.dialer.Dial(ctx, ep, s.cfg.Connect)
	if err != nil {
		s.state = Disconnected
		return err
	}
	if s.cfg.CommandTopic != "" {
		if err := conn.Subscribe(ctx, s.cfg.CommandTopic); err != nil {
			_ = conn.Close()
			s.state = Disconnected
			return fmt.Errorf("subscribe %s: %w", s.cfg.CommandTopic, err)
		}
	}

	s.conn = conn
	s.active = i
	s.state = Connected
	s.lastErr = nil
	s.setLED(false)
	s.logger.Info("broker session established",
		"broker", ep.String(),
		"command_topic", s.cfg.CommandTopic,
	)
	return nil
}

// ServiceInbound dispatches the messages currently buffered by the
// transport and returns without waiting for more. It returns false when
// there is no session or the transport has failed; the session is then
// Disconnected and the caller should treat it as degraded.
func (s *Session) ServiceInbound(ctx context.Context) bool {
	if s.state != Connected {
		return false
	}
	if err := s.conn.Err(); err != nil {
		s.drop(err)
		return false
	}

	in := s.conn.Inbound()
	for n := len(in); n > 0; n-- {
		var msg Message
		select {
		case msg = <-in:
		default:
			return true
		}
		s.dispatch(ctx, msg)
		if s.state != Connected {
			// A handler may have observed a link loss.
			return false
		}
	}
	return true
}

func (s *Session) dispatch(ctx context.Context, msg Message) {
	h, ok := s.handlers[msg.Topic]
	if !ok {
		s.logger.Debug("message on unrouted topic", "topic", msg.Topic, "payload_size", len(msg.Payload))
		return
	}
	h(ctx, msg)
}

// Publish sends payload on topic at QoS 0.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.state != Connected {
		return ErrNotConnected
	}
	if err := s.conn.Publish(ctx, topic, payload, false); err != nil {
		if terr := s.conn.Err(); terr != nil {
			s.drop(terr)
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// LinkLost forces the session to Disconnected. The node registers it
// with the link manager so a session never outlives its link.
func (s *Session) LinkLost() {
	if s.state == Disconnected {
		return
	}
	s.drop(fmt.Errorf("link lost"))
}

// Close ends the session cleanly.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.state = Disconnected
	s.active = -1
	return err
}

func (s *Session) drop(err error) {
	s.logger.Warn("broker session lost", "error", err)
	s.lastErr = err
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = Disconnected
	s.active = -1
	s.setLED(true)
}

func (s *Session) setLED(on bool) {
	if s.led != nil {
		s.led.Set(on)
	}
}
