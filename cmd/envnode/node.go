package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/envnode/internal/buildinfo"
	"github.com/nugget/envnode/internal/clock"
	"github.com/nugget/envnode/internal/diaglog"
	"github.com/nugget/envnode/internal/flash"
	"github.com/nugget/envnode/internal/httpkit"
	"github.com/nugget/envnode/internal/indicator"
	"github.com/nugget/envnode/internal/link"
	"github.com/nugget/envnode/internal/mqtt"
	"github.com/nugget/envnode/internal/node"
	"github.com/nugget/envnode/internal/opstate"
	"github.com/nugget/envnode/internal/ota"
	"github.com/nugget/envnode/internal/platform"
	"github.com/nugget/envnode/internal/sensor"
	"github.com/nugget/envnode/internal/status"
	"github.com/nugget/envnode/internal/watchdog"
)

// mode selects between the always-on loop and the deep-sleep variant.
type mode string

const (
	modeRun  mode = "run"
	modeOnce mode = "once"
)

// imageCommand is the internal command under which a selected boot image
// runs. The process that selected it stays the launcher.
const imageCommand = "image"

// restartArgs is the argv a restart executes. The run loop restarts with
// "run" so the boot record is evaluated again before the next image starts.
func restartArgs(argv0, cfgPath string, m mode) []string {
	args := []string{argv0}
	if cfgPath != "" {
		args = append(args, "-config", cfgPath)
	}
	return append(args, string(m))
}

// bootPlan is the outcome of evaluating the boot record.
type bootPlan struct {
	Report flash.BootReport
	// Exec is the image to start in place of this process. Empty means
	// the running build serves the node.
	Exec string
	// Certify reports whether the running build may certify the active
	// slot once the node is up.
	Certify bool
}

// planBoot runs the boot decision for the executable at self. An
// installed image other than self is executed and certifies itself. The
// running build certifies only when no image is waiting for verification,
// so a fresh update is never confirmed by the build it replaced.
func planBoot(slots *flash.Slots, self string) (bootPlan, error) {
	report, err := slots.Boot()
	if err != nil {
		return bootPlan{}, fmt.Errorf("evaluate boot slot: %w", err)
	}
	plan := bootPlan{Report: report}
	if report.Image != "" {
		if sameFile(report.Image, self) {
			plan.Certify = true
			return plan, nil
		}
		plan.Exec = report.Image
		return plan, nil
	}
	pending, err := slots.PendingVerify()
	if err != nil {
		return bootPlan{}, err
	}
	plan.Certify = !pending
	return plan, nil
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

// execImage replaces the process with image running imageCommand. The
// launcher is recorded first so the image restarts through it.
func execImage(image, self, cfgPath string) error {
	if os.Getenv(platform.LauncherEnv) == "" {
		if err := os.Setenv(platform.LauncherEnv, self); err != nil {
			return err
		}
	}
	argv := []string{image}
	if cfgPath != "" {
		argv = append(argv, "-config", cfgPath)
	}
	argv = append(argv, imageCommand)
	if err := syscall.Exec(image, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", image, err)
	}
	return nil
}

// sensorName labels the sensor in the diagnostic log.
func sensorName(kind string) string {
	return strings.ToUpper(kind)
}

// runNode handles "envnode run", "envnode once" and the internal image
// command. It assembles every component from the configuration and hands
// control to the scheduler. selected is set when a launcher already ran
// the boot decision and started this image.
//
// The boot sequence is:
//  1. The boot record picks the image to run (run loop only)
//  2. The diagnostic log and the watchdog are armed
//  3. The link, session, update pipeline and publish cycle are wired
//  4. The scheduler runs until SIGINT or SIGTERM cancels the context
func runNode(ctx context.Context, stdout io.Writer, configPath string, m mode, selected bool) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting envnode",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"mode", string(m),
		"selected", selected,
		"config", cfgPath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Device.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	var slots *flash.Slots
	certify := selected
	if m == modeRun {
		store, err := opstate.NewStore(filepath.Join(cfg.Device.DataDir, "state.db"))
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer store.Close()

		slots, err = flash.Open(cfg.OTA.ImageDir, cfg.OTA.MaxImageBytes, cfg.OTA.MaxBootAttempts, store, logger)
		if err != nil {
			return err
		}
		if !selected {
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			plan, err := planBoot(slots, self)
			if err != nil {
				return err
			}
			logger.Info("boot slot selected",
				"slot", plan.Report.Slot,
				"image", plan.Report.Image,
				"attempt", plan.Report.Attempt,
				"rolled_back", plan.Report.RolledBack,
			)
			if plan.Exec != "" {
				store.Close()
				return execImage(plan.Exec, self, cfgPath)
			}
			certify = plan.Certify
		}
	}

	diag, err := diaglog.Open(cfg.Diag.Path, cfg.Diag.MaxBytes, &diaglog.Counter{})
	if err != nil {
		return err
	}

	argv0 := "envnode"
	if len(os.Args) > 0 {
		argv0 = os.Args[0]
	}
	restarter, err := platform.NewExec(restartArgs(argv0, cfgPath, m), logger)
	if err != nil {
		return err
	}

	wd := watchdog.New(cfg.Watchdog.Timeout.Std(), func() {
		diag.Error("watchdog expired, restarting")
		if err := restarter.Restart(); err != nil {
			logger.Error("watchdog restart failed", "error", err)
			os.Exit(1)
		}
	}, logger)
	wd.Start()
	defer wd.Stop()
	if cfg.Watchdog.Device != "" {
		if err := wd.AttachDevice(cfg.Watchdog.Device); err != nil {
			logger.Warn("hardware watchdog unavailable", "error", err)
		}
	}

	hwid, err := platform.HardwareID(cfg.Device.Interface, cfg.Device.DataDir)
	if err != nil {
		return fmt.Errorf("resolve hardware id: %w", err)
	}
	clientID := platform.ClientID(cfg.Device.ClientID, hwid)

	clk := clock.Real{}
	led := indicator.NewLED(cfg.Device.LEDPath, logger)
	radio := link.NewInterface(cfg.Device.Interface, logger)

	lm := link.New(link.Config{
		SSID:          cfg.WiFi.SSID,
		Password:      cfg.WiFi.Password,
		PollInterval:  cfg.WiFi.PollInterval.Std(),
		AttemptWindow: cfg.WiFi.AttemptWindow.Std(),
		RetryDelay:    cfg.WiFi.RetryDelay.Std(),
	}, radio, clk, wd, led, logger)

	candidates := mqtt.Candidates(cfg.MQTT)
	sessionCfg := mqtt.SessionConfig{
		Connect: mqtt.ConnectOptions{
			ClientID:  clientID,
			KeepAlive: uint16(cfg.MQTT.KeepAliveSec),
		},
		CandidateDelay: cfg.MQTT.CandidateDelay.Std(),
		SweepCooldown:  cfg.MQTT.SweepCooldown.Std(),
	}
	if cfg.MQTT.Configured() {
		sessionCfg.Connect.Username = cfg.MQTT.Username
		sessionCfg.Connect.Password = cfg.MQTT.Password
	}
	if m == modeRun {
		sessionCfg.CommandTopic = cfg.MQTT.CommandTopic
	} else {
		// One attempt per call against the configured broker only; the
		// node bounds retries by its own connect timeout.
		candidates = candidates[:1]
		sessionCfg.MaxSweeps = 1
	}

	session := mqtt.NewSession(sessionCfg, candidates, mqtt.SessionDeps{
		Dialer: &mqtt.PahoDialer{
			Timeout:       cfg.MQTT.ConnectTimeout.Std(),
			InboundBuffer: cfg.MQTT.InboundBuffer,
			Logger:        logger,
		},
		Link:   lm,
		Clock:  clk,
		Kick:   wd,
		LED:    led,
		Diag:   diag,
		Logger: logger,
	})
	lm.OnDown(session.LinkLost)

	if m == modeRun {
		client := httpkit.NewClient(
			httpkit.WithHeaderTimeout(cfg.OTA.HTTPTimeout.Std()),
			httpkit.WithRetry(cfg.OTA.RetryCount, time.Second),
			httpkit.WithLogger(logger),
		)
		pipeline := ota.New(ota.Config{
			BufferSize:   cfg.OTA.BufferSize,
			PollInterval: cfg.OTA.PollInterval.Std(),
			FlushDelay:   cfg.OTA.FlushDelay.Std(),
			StallTimeout: cfg.OTA.StallTimeout.Std(),
		}, ota.Deps{
			Source:    ota.NewHTTPSource(client),
			Target:    ota.SlotTarget{Slots: slots},
			Restarter: restarter,
			Clock:     clk,
			Kick:      wd,
			Diag:      diag,
			Logger:    logger,
			BeforeRestart: func() {
				if err := session.Close(); err != nil {
					logger.Debug("session close before restart failed", "error", err)
				}
			},
		})
		session.Handle(cfg.MQTT.CommandTopic, mqtt.UpdateCommandHandler(
			func(ctx context.Context, url string) {
				res := pipeline.Run(ctx, url)
				if !res.Succeeded() {
					logger.Warn("firmware update failed",
						"url", url,
						"kind", res.Kind.String(),
						"written", res.Job.Written,
						"error", res.Err,
					)
				}
			}, wd, diag, logger))
	}

	reader, err := sensor.New(sensor.Options{
		Kind:      cfg.Sensor.Kind,
		IIOPath:   cfg.Sensor.IIOPath,
		LuxToPPFD: cfg.Sleep.LuxToPPFD,
	})
	if err != nil {
		return err
	}

	cycle := status.NewCycle(status.CycleConfig{
		Device:   clientID,
		Topic:    cfg.MQTT.StatusTopic,
		Interval: cfg.Publish.Interval.Std(),
	}, status.CycleDeps{
		Sensor:    reader,
		Publisher: session,
		Signal:    radio,
		Memory:    status.NewMemory(),
		Counter:   diag.Counter(),
		LED:       led,
		Clock:     clk,
		Logger:    logger,
	})

	logger.Info("node assembled",
		"client_id", clientID,
		"sensor", cfg.Sensor.Kind,
		"candidates", len(candidates),
		"status_topic", cfg.MQTT.StatusTopic,
	)

	nodeDeps := node.Deps{
		Link:   lm,
		Broker: session,
		Status: cycle,
		Sensor: reader,
		Clock:  clk,
		Kick:   wd,
		LED:    led,
		Diag:   diag,
		Logger: logger,
	}
	nodeCfg := node.Config{
		SensorName:     sensorName(cfg.Sensor.Kind),
		ConnectTimeout: cfg.MQTT.ConnectTimeout.Std(),
		SleepDuration:  cfg.Sleep.Duration.Std(),
	}

	if m == modeOnce {
		nodeDeps.Sleeper = platform.NewRTCSleeper(clk, logger)
		if err := node.New(nodeCfg, nodeDeps).RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		// Waking from sleep is a fresh boot.
		return restarter.Restart()
	}

	if certify {
		nodeDeps.Certifier = slots
	} else {
		logger.Warn("boot image awaiting verification is not installed, running unverified build")
	}
	if err := node.New(nodeCfg, nodeDeps).Run(ctx); err != nil {
		return err
	}
	logger.Info("envnode stopped")
	return nil
}
