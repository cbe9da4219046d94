// Package watchdog implements the liveness monitor: a deadline timer
// that restarts the node if nothing signals "still alive" within the
// configured bound.
//
// Every blocking wait in the link, broker and OTA state machines calls
// [Kicker.Reset] on each iteration, so slow but genuine progress never
// trips the deadline while a hang inside a library call still does.
//
// The in-process timer is always armed. When a kernel watchdog device
// is attached (typically /dev/watchdog) every Reset is forwarded to it
// as well, so a wedged Go runtime is still caught by the hardware.
package watchdog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout is the liveness bound used when none is configured.
const DefaultTimeout = 10 * time.Second

// Kicker is the "still alive" signal consumed by every long-running loop.
type Kicker interface {
	Reset()
}

// Nop is a Kicker that does nothing.
type Nop struct{}

// Reset does nothing.
func (Nop) Reset() {}

// Monitor is a software deadline timer with an optional hardware
// watchdog device behind it.
type Monitor struct {
	timeout  time.Duration
	onExpire func()
	logger   *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	device io.WriteCloser

	resets atomic.Int64
	trips  atomic.Int64
}

// New creates a Monitor. onExpire runs on its own goroutine when the
// deadline passes without a Reset; on the node it restarts the process.
// Panics if onExpire is nil.
func New(timeout time.Duration, onExpire func(), logger *slog.Logger) *Monitor {
	if onExpire == nil {
		panic("watchdog: onExpire must not be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		timeout:  timeout,
		onExpire: onExpire,
		logger:   logger,
	}
}

// AttachDevice opens a kernel watchdog device. Once the device is open
// the kernel restarts the machine if it is not written to in time, so
// call this only after Start.
func (m *Monitor) AttachDevice(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open watchdog device %s: %w", path, err)
	}
	m.mu.Lock()
	m.device = f
	m.mu.Unlock()
	m.logger.Info("hardware watchdog attached", "device", path)
	return nil
}

// Start arms the deadline. Calling Start on a running monitor re-arms it.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, m.expire)
	m.logger.Info("watchdog armed", "timeout", m.timeout.String())
}

// Reset pushes the deadline out by the full timeout. It is safe to call
// before Start and after Stop, in which case only the counters move.
func (m *Monitor) Reset() {
	m.resets.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Reset(m.timeout)
	}
	if m.device != nil {
		if _, err := m.device.Write([]byte{0}); err != nil {
			m.logger.Warn("watchdog device write failed", "error", err)
		}
	}
}

// Stop disarms the deadline and releases the hardware device with the
// magic close character so the kernel does not reboot on exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.device != nil {
		_, _ = m.device.Write([]byte("V"))
		_ = m.device.Close()
		m.device = nil
	}
}

// Resets returns how many times Reset has been called.
func (m *Monitor) Resets() int64 { return m.resets.Load() }

// Trips returns how many times the deadline has expired.
func (m *Monitor) Trips() int64 { return m.trips.Load() }

func (m *Monitor) expire() {
	m.trips.Add(1)
	m.logger.Error("watchdog deadline expired, restarting", "timeout", m.timeout.String())
	m.onExpire()
}
