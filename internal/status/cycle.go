package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/envnode/internal/buildinfo"
	"github.com/nugget/envnode/internal/clock"
	"github.com/nugget/envnode/internal/diaglog"
	"github.com/nugget/envnode/internal/indicator"
	"github.com/nugget/envnode/internal/sensor"
)

var errNotConnected = errors.New("no broker session")

// Publisher sends a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Connected() bool
}

// SignalSource reports the link signal level in dBm.
type SignalSource interface {
	RSSI() int
}

// CycleConfig controls what and how often the cycle publishes.
type CycleConfig struct {
	Device   string
	Topic    string
	Interval time.Duration
}

// CycleDeps are the collaborators of a Cycle. Signal and LED may be nil.
type CycleDeps struct {
	Sensor    sensor.Reader
	Publisher Publisher
	Signal    SignalSource
	Memory    *Memory
	Counter   *diaglog.Counter
	LED       indicator.Indicator
	Clock     clock.Clock
	Logger    *slog.Logger
	// Uptime reports time since boot; defaults to process uptime.
	Uptime func() time.Duration
}

// Cycle publishes a status record once per interval.
type Cycle struct {
	cfg  CycleConfig
	deps CycleDeps

	next time.Time
}

// NewCycle creates a cycle whose first publish is due one interval from
// now.
func NewCycle(cfg CycleConfig, deps CycleDeps) *Cycle {
	if deps.Sensor == nil || deps.Publisher == nil || deps.Clock == nil {
		panic("status: sensor, publisher and clock are required")
	}
	if deps.Memory == nil {
		deps.Memory = NewMemory()
	}
	if deps.Counter == nil {
		deps.Counter = &diaglog.Counter{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Uptime == nil {
		deps.Uptime = buildinfo.Uptime
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Cycle{cfg: cfg, deps: deps, next: deps.Clock.Now().Add(cfg.Interval)}
}

// MaybePublish publishes if the interval has elapsed. It reports whether
// a publish was attempted. The fault indicator follows the outcome of
// that attempt.
func (c *Cycle) MaybePublish(ctx context.Context) bool {
	now := c.deps.Clock.Now()
	if now.Before(c.next) {
		return false
	}
	c.next = now.Add(c.cfg.Interval)

	err := c.PublishNow(ctx)
	if c.deps.LED != nil {
		c.deps.LED.Set(err != nil)
	}
	return true
}

// PublishNow reads the sensor and publishes one record. An invalid
// reading skips the record and is not retried.
func (c *Cycle) PublishNow(ctx context.Context) error {
	if !c.deps.Publisher.Connected() {
		c.deps.Logger.Warn("status not published: no broker session")
		return errNotConnected
	}

	reading, err := c.deps.Sensor.Read()
	if err != nil {
		c.deps.Logger.Warn("sensor reading invalid, skipping publish", "error", err)
		return err
	}

	payload, err := BuildPayload(c.snapshot(reading))
	if err != nil {
		c.deps.Logger.Warn("status payload rejected", "error", err)
		return err
	}

	if err := c.deps.Publisher.Publish(ctx, c.cfg.Topic, payload); err != nil {
		c.deps.Logger.Warn("status publish failed", "topic", c.cfg.Topic, "error", err)
		return err
	}
	c.deps.Logger.Debug("status published", "topic", c.cfg.Topic, "payload", string(payload))
	return nil
}

func (c *Cycle) snapshot(r sensor.Reading) Snapshot {
	free, low := c.deps.Memory.Sample()
	s := Snapshot{
		Device:     c.cfg.Device,
		Reading:    r,
		HeapFree:   free,
		HeapMin:    low,
		ErrorCount: c.deps.Counter.Value(),
		Uptime:     uint64(c.deps.Uptime() / time.Second),
	}
	if c.deps.Signal != nil {
		s.RSSI = c.deps.Signal.RSSI()
	}
	return s
}
