package platform

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// LauncherEnv names the environment variable through which the launcher
// tells a started image where to find it. A restart re-executes the
// launcher so the boot record is evaluated again.
const LauncherEnv = "ENVNODE_LAUNCHER"

// Restarter replaces the running process with a fresh boot. A successful
// Restart does not return.
type Restarter interface {
	Restart() error
}

// RestartFunc adapts a function to [Restarter].
type RestartFunc func() error

// Restart calls f.
func (f RestartFunc) Restart() error { return f() }

// Exec restarts by executing Path with Args in place of the current
// process.
type Exec struct {
	Path   string
	Args   []string
	Logger *slog.Logger
}

// NewExec builds a restarter for args (as in os.Args). The launcher
// named by [LauncherEnv] is preferred; without one the current
// executable is started again.
func NewExec(args []string, logger *slog.Logger) (*Exec, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := os.Getenv(LauncherEnv)
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	} else if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}
	return &Exec{Path: path, Args: args, Logger: logger}, nil
}

// Restart executes the launcher or current binary.
func (e *Exec) Restart() error {
	e.Logger.Info("restarting", "path", e.Path)
	if err := syscall.Exec(e.Path, e.Args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", e.Path, err)
	}
	return nil
}
