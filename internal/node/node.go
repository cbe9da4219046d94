// Package node is the scheduler that drives the node's components.
//
// One [Node.Tick] asks the link manager for a usable link, the broker
// session manager for a session, services buffered inbound commands
// (which may run a firmware update to completion), and publishes status
// when due. Every tick ends with a liveness reset. Everything runs on
// the caller's goroutine; there is no parallel execution of the
// components.
package node

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/envnode/internal/clock"
	"github.com/nugget/envnode/internal/diaglog"
	"github.com/nugget/envnode/internal/indicator"
	"github.com/nugget/envnode/internal/mqtt"
	"github.com/nugget/envnode/internal/platform"
	"github.com/nugget/envnode/internal/sensor"
	"github.com/nugget/envnode/internal/watchdog"
)

// Link is the link manager contract.
type Link interface {
	EnsureUp(ctx context.Context) error
}

// Broker is the broker session manager contract.
type Broker interface {
	EnsureSession(ctx context.Context) error
	ServiceInbound(ctx context.Context) bool
	Connected() bool
	Close() error
}

// Status is the publish cycle contract.
type Status interface {
	MaybePublish(ctx context.Context) bool
	PublishNow(ctx context.Context) error
}

// Certifier confirms the running image after a clean boot.
type Certifier interface {
	MarkValid() error
}

// Config controls loop pacing and the measure-and-sleep run.
type Config struct {
	// IdleDelay is the pause between two ticks of the run loop.
	IdleDelay time.Duration

	// SensorName labels the sensor in the diagnostic log.
	SensorName string

	// ConnectTimeout bounds broker session attempts in RunOnce.
	ConnectTimeout time.Duration
	// ConnectRetryDelay is the wait between RunOnce session attempts.
	ConnectRetryDelay time.Duration
	// InitFailDelay is the wait before sleeping after a failed sensor
	// init in RunOnce.
	InitFailDelay time.Duration
	// SettleDelay is the wait after publishing in RunOnce.
	SettleDelay time.Duration
	// SleepDuration is the suspend time at the end of RunOnce.
	SleepDuration time.Duration
}

// Deps are the collaborators of a Node. Certifier, Sleeper, Kick and
// LED may be nil.
type Deps struct {
	Link      Link
	Broker    Broker
	Status    Status
	Sensor    sensor.Reader
	Certifier Certifier
	Sleeper   platform.Sleeper
	Clock     clock.Clock
	Kick      watchdog.Kicker
	LED       indicator.Indicator
	Diag      diaglog.Recorder
	Logger    *slog.Logger
}

// Node owns one scheduler loop.
type Node struct {
	cfg  Config
	deps Deps

	started bool
}

// New creates a Node. Panics if link, broker, status, sensor, clock or
// diag is nil.
func New(cfg Config, deps Deps) *Node {
	if deps.Link == nil || deps.Broker == nil || deps.Status == nil || deps.Sensor == nil {
		panic("node: link, broker, status and sensor are required")
	}
	if deps.Clock == nil || deps.Diag == nil {
		panic("node: clock and diag are required")
	}
	if deps.Kick == nil {
		deps.Kick = watchdog.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 10 * time.Millisecond
	}
	if cfg.SensorName == "" {
		cfg.SensorName = "sensor"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = 5 * time.Second
	}
	if cfg.InitFailDelay <= 0 {
		cfg.InitFailDelay = 5 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.SleepDuration <= 0 {
		cfg.SleepDuration = 300 * time.Second
	}
	return &Node{cfg: cfg, deps: deps}
}

// Start performs the boot-time steps of the run loop: it probes the
// sensor and certifies the running image. Certification happens here,
// once, before any session exists and so before an update command can
// arrive. A missing sensor is logged and the node keeps running.
func (n *Node) Start() {
	if n.started {
		return
	}
	n.started = true
	n.deps.Kick.Reset()

	n.setLED(true)
	if err := n.deps.Sensor.Init(); err != nil {
		n.deps.Logger.Error("sensor init failed", "sensor", n.cfg.SensorName, "error", err)
		n.deps.Diag.Error(n.cfg.SensorName + " not found")
	} else {
		n.setLED(false)
	}

	if n.deps.Certifier != nil {
		if err := n.deps.Certifier.MarkValid(); err != nil {
			n.deps.Logger.Error("image certification failed", "error", err)
			n.deps.Diag.Error("mark valid failed: " + err.Error())
		}
	}
}

// Tick runs one scheduler iteration. It returns an error only when ctx
// ends.
func (n *Node) Tick(ctx context.Context) error {
	if err := n.deps.Link.EnsureUp(ctx); err != nil {
		return err
	}

	if err := n.deps.Broker.EnsureSession(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The link dropped mid-sweep; repair it next tick.
		if !errors.Is(err, mqtt.ErrLinkDown) {
			n.deps.Logger.Warn("broker session not established", "error", err)
		}
		n.setLED(true)
		return nil
	}

	if !n.deps.Broker.ServiceInbound(ctx) {
		n.setLED(true)
		return ctx.Err()
	}

	n.deps.Status.MaybePublish(ctx)
	n.deps.Kick.Reset()
	return nil
}

// Run starts the node and ticks until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	n.Start()
	n.deps.Logger.Info("scheduler running")
	for {
		if err := n.Tick(ctx); err != nil {
			return n.shutdown(err)
		}
		if !n.deps.Clock.Sleep(ctx, n.cfg.IdleDelay) {
			return n.shutdown(ctx.Err())
		}
	}
}

func (n *Node) shutdown(err error) error {
	if cerr := n.deps.Broker.Close(); cerr != nil {
		n.deps.Logger.Debug("broker close failed", "error", cerr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce is the measure-and-sleep variant: probe the sensor, connect,
// publish one record and suspend for the sleep duration. The node
// always ends in sleep, including when the sensor is missing or the
// broker is unreachable; waking up is the retry.
func (n *Node) RunOnce(ctx context.Context) error {
	n.deps.Kick.Reset()

	if err := n.deps.Sensor.Init(); err != nil {
		n.deps.Logger.Error("sensor init failed, sleeping", "sensor", n.cfg.SensorName, "error", err)
		n.deps.Diag.Error(n.cfg.SensorName + " not found")
		n.setLED(true)
		n.deps.Clock.Sleep(ctx, n.cfg.InitFailDelay)
		return n.sleep(ctx)
	}

	if err := n.deps.Link.EnsureUp(ctx); err != nil {
		return err
	}

	if n.connectBounded(ctx) {
		if err := n.deps.Status.PublishNow(ctx); err != nil {
			n.setLED(true)
		} else {
			n.setLED(false)
		}
	} else {
		n.deps.Logger.Warn("no broker session, skipping publish")
	}

	n.deps.Kick.Reset()
	n.deps.Clock.Sleep(ctx, n.cfg.SettleDelay)
	return n.sleep(ctx)
}

// connectBounded retries the session until it connects or the connect
// timeout passes on the node clock.
func (n *Node) connectBounded(ctx context.Context) bool {
	deadline := n.deps.Clock.Now().Add(n.cfg.ConnectTimeout)
	for {
		err := n.deps.Broker.EnsureSession(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil || !n.deps.Clock.Now().Before(deadline) {
			n.deps.Logger.Warn("broker connect timed out", "timeout", n.cfg.ConnectTimeout.String(), "error", err)
			return false
		}
		n.deps.Kick.Reset()
		if !n.deps.Clock.Sleep(ctx, n.cfg.ConnectRetryDelay) {
			return false
		}
	}
}

func (n *Node) sleep(ctx context.Context) error {
	if err := n.deps.Broker.Close(); err != nil {
		n.deps.Logger.Debug("broker close failed", "error", err)
	}
	n.setLED(false)
	n.deps.Logger.Info("entering sleep", "duration", n.cfg.SleepDuration.String())
	if n.deps.Sleeper == nil {
		n.deps.Clock.Sleep(ctx, n.cfg.SleepDuration)
		return ctx.Err()
	}
	return n.deps.Sleeper.Sleep(ctx, n.cfg.SleepDuration)
}

func (n *Node) setLED(on bool) {
	if n.deps.LED != nil {
		n.deps.LED.Set(on)
	}
}
