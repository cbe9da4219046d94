package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/envnode/internal/clock"
	"github.com/nugget/envnode/internal/config"
	"github.com/nugget/envnode/internal/diaglog"
	"github.com/nugget/envnode/internal/flash"
	"github.com/nugget/envnode/internal/platform"
	"github.com/nugget/envnode/internal/watchdog"
)

// Config controls buffering and timing of an update.
type Config struct {
	// BufferSize bounds each chunk read from the source.
	BufferSize int
	// PollInterval is the wait when no bytes are available.
	PollInterval time.Duration
	// FlushDelay is the wait between success and restart, for the log
	// and in-flight session traffic to drain.
	FlushDelay time.Duration
	// StallTimeout bounds a single read from the source in wall-clock
	// time. A body that delivers nothing for this long fails the update.
	StallTimeout time.Duration
}

// Deps are the collaborators of a Pipeline. Kick may be nil.
type Deps struct {
	Source    Source
	Target    Target
	Restarter platform.Restarter
	Clock     clock.Clock
	Kick      watchdog.Kicker
	Diag      diaglog.Recorder
	Logger    *slog.Logger
	// BeforeRestart runs after the flush delay, just before restarting.
	BeforeRestart func()
}

// Pipeline runs firmware updates.
type Pipeline struct {
	cfg  Config
	deps Deps

	running atomic.Bool
}

// New creates a Pipeline. Panics if a required collaborator is nil.
func New(cfg Config, deps Deps) *Pipeline {
	switch {
	case deps.Source == nil:
		panic("ota: source must not be nil")
	case deps.Target == nil:
		panic("ota: target must not be nil")
	case deps.Restarter == nil:
		panic("ota: restarter must not be nil")
	case deps.Clock == nil:
		panic("ota: clock must not be nil")
	case deps.Diag == nil:
		panic("ota: diagnostic recorder must not be nil")
	}
	if deps.Kick == nil {
		deps.Kick = watchdog.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 100 * time.Millisecond
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	return &Pipeline{cfg: cfg, deps: deps}
}

// Running reports whether an update is in progress.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Run downloads url and installs it. On success the restarter is
// invoked once and, with a real restarter, Run does not return. Every
// failure is logged to the diagnostic log and leaves the running image
// untouched.
func (p *Pipeline) Run(ctx context.Context, url string) Result {
	job := Job{URL: url, Declared: UnknownLength, Phase: Idle}
	if !p.running.CompareAndSwap(false, true) {
		return Result{Job: job, Kind: NoFailure, Err: ErrBusy}
	}
	defer p.running.Store(false)

	log := p.deps.Logger.With("url", url)
	p.deps.Kick.Reset()
	p.deps.Diag.Info("OTA start")
	log.Info("firmware update started")

	// Requesting
	job.Phase = Requesting
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	dl, err := p.deps.Source.Open(reqCtx, url)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return p.fail(log, &job, Transport, err, fmt.Sprintf("OTA HTTP GET failed code=%d", se.Code))
		}
		return p.fail(log, &job, Transport, err, "OTA request failed: "+err.Error())
	}
	defer dl.Body.Close()
	job.Declared = dl.Length
	if job.Declared == 0 {
		return p.fail(log, &job, Transport, ErrEmptyImage, "OTA image empty")
	}

	// Streaming
	w, err := p.deps.Target.Begin(job.Declared)
	if err != nil {
		return p.fail(log, &job, Flash, err, "OTA flash begin failed: "+err.Error())
	}
	job.Phase = Streaming
	log.Info("streaming image", "declared", job.Declared)

	abort := func() {
		cancelReq()
		dl.Body.Close()
	}
	if res, failed := p.stream(ctx, log, &job, dl.Body, abort, w); failed {
		w.Abort()
		return res
	}

	// Committing
	job.Phase = Committing
	if err := w.End(); err != nil {
		if errors.Is(err, flash.ErrEmptyImage) {
			return p.fail(log, &job, Transport, fmt.Errorf("%w: %w", ErrEmptyImage, err), "OTA image empty")
		}
		if job.Declared != UnknownLength && job.Written < job.Declared {
			err = fmt.Errorf("%w (%d of %d bytes): %w", ErrTruncated, job.Written, job.Declared, err)
			return p.fail(log, &job, Transport, err, "OTA flash end failed: "+err.Error())
		}
		return p.fail(log, &job, Flash, err, "OTA flash end failed: "+err.Error())
	}
	if !w.IsFinished() {
		return p.fail(log, &job, Flash, ErrNotFinished, "OTA update not finished")
	}

	// Succeeded
	job.Phase = Succeeded
	p.deps.Diag.Info("OTA success, rebooting")
	log.Info("firmware update installed, restarting", "written", job.Written)

	p.deps.Kick.Reset()
	p.deps.Clock.Sleep(context.WithoutCancel(ctx), p.cfg.FlushDelay)
	if p.deps.BeforeRestart != nil {
		p.deps.BeforeRestart()
	}
	if err := p.deps.Restarter.Restart(); err != nil {
		log.Error("restart after update failed", "error", err)
		p.deps.Diag.Error("OTA restart failed: " + err.Error())
		return Result{Job: job, Kind: NoFailure, Err: err}
	}
	return Result{Job: job}
}

// chunk is one read from the source. err is set on the final chunk.
type chunk struct {
	data []byte
	err  error
}

// stream copies the body into w. Reads happen on a helper goroutine so
// the loop can keep resetting the liveness monitor while the network
// stalls. It stops once the declared length is written or the stream
// ends. It reports failed for a read error or for a flash write that
// fell short; a short write is not retried.
func (p *Pipeline) stream(ctx context.Context, log *slog.Logger, job *Job, body io.Reader, abort func(), w ImageWriter) (Result, bool) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan chunk, 1)
	go p.read(readCtx, body, abort, job.Declared, chunks)

	var endErr error
	for job.Declared == UnknownLength || job.Written < job.Declared {
		p.deps.Kick.Reset()

		var c chunk
		var ok bool
		select {
		case c, ok = <-chunks:
		case <-p.deps.Clock.After(p.cfg.PollInterval):
			if ctx.Err() != nil {
				return p.fail(log, job, Transport, ctx.Err(), "OTA aborted: "+ctx.Err().Error()), true
			}
			continue
		}
		if !ok {
			break
		}

		if len(c.data) > 0 {
			n, err := w.Write(c.data)
			job.Written += int64(n)
			if n != len(c.data) {
				werr := fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(c.data))
				if err != nil {
					werr = fmt.Errorf("%w: %w", werr, err)
				}
				return p.fail(log, job, Flash, werr, "OTA flash write mismatch"), true
			}
			log.Log(ctx, config.LevelTrace, "image chunk written",
				"bytes", n,
				"written", job.Written,
			)
		}
		if c.err != nil {
			endErr = c.err
			break
		}
	}

	if endErr != nil && !errors.Is(endErr, io.EOF) {
		if job.Declared != UnknownLength && job.Written < job.Declared {
			endErr = fmt.Errorf("%w (%d of %d bytes): %w", ErrTruncated, job.Written, job.Declared, endErr)
		}
		return p.fail(log, job, Transport, endErr, "OTA stream failed: "+endErr.Error()), true
	}
	return Result{}, false
}

// read feeds body into out in chunks of at most BufferSize bytes and
// closes out after the final chunk. A read that returns nothing within
// StallTimeout is ended by abort and reported as ErrStalled.
func (p *Pipeline) read(ctx context.Context, body io.Reader, abort func(), declared int64, out chan<- chunk) {
	defer close(out)
	var total int64
	for {
		size := int64(p.cfg.BufferSize)
		if declared != UnknownLength && declared-total < size {
			size = declared - total
		}
		if size <= 0 {
			return
		}

		buf := make([]byte, size)
		var stalled atomic.Bool
		timer := time.AfterFunc(p.cfg.StallTimeout, func() {
			stalled.Store(true)
			abort()
		})
		n, err := body.Read(buf)
		timer.Stop()
		if stalled.Load() {
			err = fmt.Errorf("%w: no data for %s", ErrStalled, p.cfg.StallTimeout)
		}
		total += int64(n)
		select {
		case out <- chunk{data: buf[:n], err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *Pipeline) fail(log *slog.Logger, job *Job, kind FailureKind, err error, line string) Result {
	job.Phase = Failed
	log.Error("firmware update failed",
		"kind", kind.String(),
		"declared", job.Declared,
		"written", job.Written,
		"error", err,
	)
	p.deps.Diag.Error(line)
	return Result{Job: *job, Kind: kind, Err: err}
}
