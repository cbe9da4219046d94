// Package indicator drives the node's visual fault indicator.
package indicator

import (
	"log/slog"
	"os"
	"sync"
)

// Indicator is a single on/off fault lamp.
type Indicator interface {
	Set(on bool)
}

// LED is an [Indicator] backed by a sysfs LED brightness file such as
// /sys/class/leds/status/brightness. With an empty path only the state is
// tracked and transitions are logged.
type LED struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	on    bool
	known bool
}

// NewLED creates an LED writer for path.
func NewLED(path string, logger *slog.Logger) *LED {
	if logger == nil {
		logger = slog.Default()
	}
	return &LED{path: path, logger: logger}
}

// Set turns the indicator on or off. Repeated calls with the same value
// do not touch the file.
func (l *LED) Set(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.known && l.on == on {
		return
	}
	l.on = on
	l.known = true

	l.logger.Debug("fault indicator changed", "on", on)
	if l.path == "" {
		return
	}
	value := "0"
	if on {
		value = "1"
	}
	if err := os.WriteFile(l.path, []byte(value), 0o644); err != nil {
		l.logger.Warn("fault indicator write failed", "path", l.path, "error", err)
	}
}

// On reports the last state set.
func (l *LED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}
