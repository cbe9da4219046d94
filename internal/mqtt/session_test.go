package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/envnode/internal/clock"
	"github.com/nugget/envnode/internal/config"
	"github.com/nugget/envnode/internal/diaglog"
	"github.com/nugget/envnode/internal/watchdog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory broker session.
type fakeConn struct {
	mu         sync.Mutex
	subscribed []string
	published  []Message
	inbound    chan Message
	err        error
	publishErr error
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan Message, DefaultInboundBuffer)}
}

func (c *fakeConn) Subscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return nil
}

func (c *fakeConn) Publish(_ context.Context, topic string, payload []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, Message{Topic: topic, Payload: payload})
	return nil
}

func (c *fakeConn) Inbound() <-chan Message { return c.inbound }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// fakeDialer accepts handshakes only for hosts in accept.
type fakeDialer struct {
	accept map[string]bool
	dialed []string
	conns  []*fakeConn
	opts   []ConnectOptions
}

func (d *fakeDialer) Dial(_ context.Context, ep Endpoint, opts ConnectOptions) (Conn, error) {
	d.dialed = append(d.dialed, ep.Host)
	d.opts = append(d.opts, opts)
	if !d.accept[ep.Host] {
		return nil, fmt.Errorf("connection refused by %s", ep.Host)
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

type linkFlag struct{ up bool }

func (l *linkFlag) IsUp() bool { return l.up }

type recordingLED struct{ states []bool }

func (l *recordingLED) Set(on bool) { l.states = append(l.states, on) }

func (l *recordingLED) last() (bool, bool) {
	if len(l.states) == 0 {
		return false, false
	}
	return l.states[len(l.states)-1], true
}

type countKicker struct{ n int }

func (k *countKicker) Reset() { k.n++ }

func endpoints(hosts ...string) []Endpoint {
	out := make([]Endpoint, len(hosts))
	for i, h := range hosts {
		out[i] = Endpoint{Host: h, Port: 1883, Scheme: "tcp"}
	}
	return out
}

type harness struct {
	session *Session
	dialer  *fakeDialer
	clock   *clock.Fake
	diag    *diaglog.Memory
	kick    *countKicker
	led     *recordingLED
	link    *linkFlag
}

func newHarness(t *testing.T, cfg SessionConfig, accept []string, hosts ...string) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{accept: make(map[string]bool)},
		clock:  clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		diag:   &diaglog.Memory{},
		kick:   &countKicker{},
		led:    &recordingLED{},
		link:   &linkFlag{up: true},
	}
	for _, a := range accept {
		h.dialer.accept[a] = true
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = "cmd/envnode/ota"
	}
	h.session = NewSession(cfg, endpoints(hosts...), SessionDeps{
		Dialer: h.dialer,
		Link:   h.link,
		Clock:  h.clock,
		Kick:   h.kick,
		LED:    h.led,
		Diag:   h.diag,
		Logger: discardLogger(),
	})
	return h
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want []string
	}{
		{
			name: "primary then fallbacks",
			cfg:  config.MQTTConfig{Host: "10.0.0.5", Port: 1883, FallbackHosts: []string{"host.docker.internal", "mosquitto"}},
			want: []string{"10.0.0.5", "host.docker.internal", "mosquitto"},
		},
		{
			name: "duplicates and blanks removed",
			cfg:  config.MQTTConfig{Host: "mosquitto", Port: 1883, FallbackHosts: []string{"", "mosquitto", "backup"}},
			want: []string{"mosquitto", "backup"},
		},
		{
			name: "no fallbacks",
			cfg:  config.MQTTConfig{Host: "broker.lan", Port: 8883, Scheme: "tls"},
			want: []string{"broker.lan"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidates(tt.cfg)
			if len(got) != len(tt.want) {
				t.Fatalf("Candidates() = %v, want hosts %v", got, tt.want)
			}
			for i, ep := range got {
				if ep.Host != tt.want[i] || ep.Port != tt.cfg.Port {
					t.Errorf("candidate %d = %v, want host %s port %d", i, ep, tt.want[i], tt.cfg.Port)
				}
			}
		})
	}
}

func TestEndpoint_String(t *testing.T) {
	ep := Endpoint{Host: "broker.lan", Port: 8883, Scheme: "tls"}
	if got := ep.String(); got != "tls://broker.lan:8883" {
		t.Errorf("String() = %q", got)
	}
}

func TestEnsureSession_FirstAcceptingCandidateWins(t *testing.T) {
	h := newHarness(t, SessionConfig{}, []string{"c", "d"}, "a", "b", "c", "d")

	if err := h.session.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	if h.session.State() != Connected {
		t.Fatalf("State() = %v, want connected", h.session.State())
	}

	ep, ok := h.session.ActiveEndpoint()
	if !ok || ep.Host != "c" {
		t.Errorf("ActiveEndpoint() = %v, %v; want c", ep, ok)
	}
	if got := strings.Join(h.dialer.dialed, ","); got != "a,b,c" {
		t.Errorf("dialed %q, want a,b,c (d must not be tried)", got)
	}

	lines := h.diag.Lines()
	if len(lines) != 2 {
		t.Fatalf("diag lines = %q, want 2 failure lines", lines)
	}
	for i, host := range []string{"a", "b"} {
		if !strings.Contains(lines[i], "broker="+host) {
			t.Errorf("line %d = %q, want failure for %s", i, lines[i], host)
		}
	}
	if h.diag.Counter.Value() != 2 {
		t.Errorf("error counter = %d, want 2", h.diag.Counter.Value())
	}

	// One candidate delay between each failed candidate.
	if h.clock.Slept() != 2*time.Second {
		t.Errorf("slept %v, want 2s", h.clock.Slept())
	}
	if got := h.dialer.conns[0].subscribed; len(got) != 1 || got[0] != "cmd/envnode/ota" {
		t.Errorf("subscribed %v, want command topic", got)
	}
	if on, ok := h.led.last(); !ok || on {
		t.Error("fault indicator not cleared on connect")
	}
}

func TestEnsureSession_Idempotent(t *testing.T) {
	h := newHarness(t, SessionConfig{}, []string{"a"}, "a", "b")
	ctx := context.Background()

	if err := h.session.EnsureSession(ctx); err != nil {
		t.Fatal(err)
	}
	dials := len(h.dialer.dialed)
	slept := h.clock.Slept()

	for i := 0; i < 5; i++ {
		if err := h.session.EnsureSession(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(h.dialer.dialed) != dials {
		t.Errorf("dials = %d after repeated calls, want %d", len(h.dialer.dialed), dials)
	}
	if h.clock.Slept() != slept {
		t.Errorf("slept %v more while connected", h.clock.Slept()-slept)
	}
}

// flipDialer refuses every handshake for the first refusals dials.
type flipDialer struct {
	fakeDialer
	refusals int
}

func (d *flipDialer) Dial(ctx context.Context, ep Endpoint, opts ConnectOptions) (Conn, error) {
	if len(d.dialed) < d.refusals {
		d.dialed = append(d.dialed, ep.Host)
		return nil, errors.New("not authorized")
	}
	return d.fakeDialer.Dial(ctx, ep, opts)
}

func TestEnsureSession_CooldownAfterExhaustedSweep(t *testing.T) {
	h := newHarness(t, SessionConfig{}, nil, "a", "b", "c")
	fd := &flipDialer{fakeDialer: fakeDialer{accept: map[string]bool{"a": true, "b": true, "c": true}}, refusals: 3}
	h.session.dialer = fd

	if err := h.session.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	if got := strings.Join(fd.dialed, ","); got != "a,b,c,a" {
		t.Errorf("dialed %q, want a,b,c,a", got)
	}
	// 2 candidate delays, one cooldown, then a first-candidate success.
	if want := 2*time.Second + 5*time.Second; h.clock.Slept() != want {
		t.Errorf("slept %v, want %v", h.clock.Slept(), want)
	}
	if h.kick.n == 0 {
		t.Error("watchdog never reset during sweep")
	}
}

func TestEnsureSession_MaxSweeps(t *testing.T) {
	h := newHarness(t, SessionConfig{MaxSweeps: 2}, nil, "a", "b")

	err := h.session.EnsureSession(context.Background())
	if err == nil {
		t.Fatal("EnsureSession() error = nil, want exhausted")
	}
	if len(h.dialer.dialed) != 4 {
		t.Errorf("dials = %d, want 4", len(h.dialer.dialed))
	}
	if h.session.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", h.session.State())
	}
	if h.session.LastError() == nil {
		t.Error("LastError() = nil")
	}
}

func TestEnsureSession_LinkDown(t *testing.T) {
	h := newHarness(t, SessionConfig{}, []string{"a"}, "a")
	h.link.up = false

	if err := h.session.EnsureSession(context.Background()); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("EnsureSession() error = %v, want ErrLinkDown", err)
	}
	if len(h.dialer.dialed) != 0 {
		t.Errorf("dialed %v with link down", h.dialer.dialed)
	}
}

func TestEnsureSession_Cancelled(t *testing.T) {
	h := newHarness(t, SessionConfig{}, nil, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.session.EnsureSession(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("EnsureSession() error = %v, want context.Canceled", err)
	}
}

func TestEnsureSession_Credentials(t *testing.T) {
	cfg := SessionConfig{Connect: ConnectOptions{ClientID: "envnode-c4123456", Username: "node", Password: "secret", KeepAlive: 15}}
	h := newHarness(t, cfg, []string{"a"}, "a")

	if err := h.session.EnsureSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.dialer.opts[0]; got != cfg.Connect {
		t.Errorf("connect options = %+v, want %+v", got, cfg.Connect)
	}
	if h.session.ClientID() != "envnode-c4123456" {
		t.Errorf("ClientID() = %q", h.session.ClientID())
	}
}

func TestServiceInbound_IdleIterations(t *testing.T) {
	h := newHarness(t, SessionConfig{}, []string{"a"}, "a")
	if err := h.session.EnsureSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	mon := watchdog.New(time.Second, func() {}, discardLogger())
	mon.Start()
	defer mon.Stop()

	dispatches := 0
	h.session.Handle("cmd/envnode/ota", func(context.Context, Message) { dispatches++ })

	for i := 0; i < 20; i++ {
		start := time.Now()
		if !h.session.ServiceInbound(context.Background()) {
			t.Fatalf("iteration %d: ServiceInbound() = false", i)
		}
		mon.Reset()
		if d := time.Since(start); d > 50*time.Millisecond {
			t.Errorf("iteration %d took %v", i, d)
		}
	}
	if dispatches != 0 {
		t.Errorf("dispatches = %d, want 0", dispatches)
	}
	if mon.Trips() != 0 {
		t.Errorf("watchdog trips = %d, want 0", mon.Trips())
	}
}

func TestServiceInbound_DrainsOnlyBufferedMessages(t *testing.T) {
	h := newHarness(t, SessionConfig{}, []string{"a"}, "a")
	if err := h.session.EnsureSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := h.dialer.conns[0]

	var got []string
	h.session.Handle("t/1", func(_ context.Context, m Message) {
		got = append(got, string(m.Payload))
		// Arrives during servicing; belongs to the next call.
		if string(m.Payload) == "first" {
			conn.inbound <- Message{Topic: "t/1", Payload: []byte("late")}
		}
	})

	conn.inbound <- Message{Topic: "t/1", Payload: []byte("first")}
	conn.inbound <- Message{Topic: "other", Payload: []byte("ignored")}
	conn.inbound <- Message{Topic: "t/1", Payload: []byte("second")}

	if !h.session.ServiceInbound(context.Background()) {
		t.Fatal("ServiceInbound() = false")
	}
	if strings.Join(got, ",") != "first,second" {
		t.Errorf("dispatched %v, want first,second", got)
	}

	h.session.ServiceInbound(context.Background())
	if strings.Join(got, ",") != "first,second,late" {
		t.Errorf("dispatched %v after second call", got)
	}
}

func TestServiceInbound_TransportFailure(t *testing.T) {
	h := newHarness(t, SessionConfig{}, []string{"a"}, "a")
	if err := h.session.EnsureSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := h.dialer.conns[0]
	conn.err = errors.New("connection reset by peer")

	if h.session.ServiceInbound(context.Background()) {
		t.Fatal("ServiceInbound() = true on transport failure")
	}
	if h.session.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", h.session.State())
	}
	if !conn.closed {
		t.Error("failed connection not closed")
	}
	if on, _ := h.led.last(); !on {
		t.Error("fault indicator not set")
	}
	if h.session.ServiceInbound(context.Background()) {
		t.Error("ServiceInbound() = true while disconnected")
	}
}

func TestPublish(t *testing.T) {
	h := newHarness(t, SessionConfig{}, []string{"a"}, "a")
	ctx := context.Background()

	if err := h.session.Publish(ctx, "sensors/envnode", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() before connect error = %v, want ErrNotConnected", err)
	}
	if err := h.session.EnsureSession(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.session.Publish(ctx, "sensors/envnode", []byte("{}")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := h.dialer.conns[0].published; len(got) != 1 || got[0].Topic != "sensors/envnode" {
		t.Errorf("published = %v", got)
	}

	conn := h.dialer.conns[0]
	conn.publishErr = errors.New("broken pipe")
	conn.err = conn.publishErr
	if err := h.session.Publish(ctx, "sensors/envnode", []byte("{}")); err == nil {
		t.Error("Publish() error = nil on broken transport")
	}
	if h.session.Connected() {
		t.Error("session still connected after transport failure")
	}
}

func TestLinkLost_ForcesDisconnected(t *testing.T) {
	h := newHarness(t, SessionConfig{}, []string{"a"}, "a")
	ctx := context.Background()
	if err := h.session.EnsureSession(ctx); err != nil {
		t.Fatal(err)
	}

	h.link.up = false
	h.session.LinkLost()
	if h.session.State() != Disconnected {
		t.Fatalf("State() = %v, want disconnected", h.session.State())
	}
	if _, ok := h.session.ActiveEndpoint(); ok {
		t.Error("ActiveEndpoint() still set")
	}

	// The next session resubscribes to the command topic.
	h.link.up = true
	if err := h.session.EnsureSession(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.dialer.conns) != 2 || len(h.dialer.conns[1].subscribed) != 1 {
		t.Errorf("reconnect did not resubscribe: %d conns", len(h.dialer.conns))
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Disconnected: "disconnected", Connecting: "connecting", Connected: "connected", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestNewSession_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewSession with no candidates did not panic")
		}
	}()
	NewSession(SessionConfig{}, nil, SessionDeps{Dialer: &fakeDialer{}, Clock: clock.Real{}, Diag: &diaglog.Memory{}})
}
