package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/nugget/envnode/internal/clock"
)

// Sleeper suspends the node for a fixed duration.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RTCSleeper suspends the host to RAM with rtcwake(8) and an RTC alarm.
// Hosts without rtcwake, or where suspend fails, fall back to an idle
// wait on the clock so the wake-up time is still honored.
type RTCSleeper struct {
	Clock  clock.Clock
	Logger *slog.Logger

	lookPath func(string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewRTCSleeper returns a sleeper using the real rtcwake binary.
func NewRTCSleeper(clk clock.Clock, logger *slog.Logger) *RTCSleeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RTCSleeper{
		Clock:    clk,
		Logger:   logger,
		lookPath: exec.LookPath,
		command:  exec.CommandContext,
	}
}

// Sleep blocks for d. It returns ctx.Err() if ctx ends first.
func (s *RTCSleeper) Sleep(ctx context.Context, d time.Duration) error {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}

	if path, err := s.lookPath("rtcwake"); err == nil {
		out, err := s.command(ctx, path, "-m", "mem", "-s", strconv.Itoa(secs)).CombinedOutput()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Logger.Warn("rtcwake failed, idling instead",
			"error", err, "output", string(out))
	}

	if !s.Clock.Sleep(ctx, d) {
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
	return nil
}
