// Package ota downloads a firmware image and installs it into the
// inactive image slot.
//
// A [Pipeline] runs one update at a time through the phases
// Requesting, Streaming and Committing, ending in Succeeded (the node
// restarts) or Failed (the running image is untouched and the node
// carries on). The pipeline holds the scheduler for its whole run: no
// message is serviced and no status is published until it returns.
package ota

import (
	"errors"
	"strconv"
)

// Phase is the position of a job in the update state machine.
type Phase uint8

const (
	Idle Phase = iota
	Requesting
	Streaming
	Committing
	Succeeded
	Failed
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Streaming:
		return "streaming"
	case Committing:
		return "committing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// FailureKind classifies why a job failed.
type FailureKind uint8

const (
	// NoFailure is the kind of a job that did not fail.
	NoFailure FailureKind = iota
	// Transport failures come from the image source: the request could
	// not be made, the server refused it, or the stream ended early.
	Transport
	// Flash failures come from the image slot: it could not be opened,
	// a write persisted fewer bytes than given, or the commit failed.
	Flash
)

// String returns a human-readable kind name.
func (k FailureKind) String() string {
	switch k {
	case NoFailure:
		return "none"
	case Transport:
		return "transport"
	case Flash:
		return "flash"
	default:
		return "unknown"
	}
}

// UnknownLength is the declared length of a stream without
// Content-Length.
const UnknownLength int64 = -1

// Errors reported in a [Result].
var (
	ErrBusy        = errors.New("ota: an update is already running")
	ErrShortWrite  = errors.New("ota: image slot accepted fewer bytes than written")
	ErrNotFinished = errors.New("ota: image slot reports the update as incomplete")
	ErrTruncated   = errors.New("ota: stream ended before the declared length")
	ErrStalled     = errors.New("ota: source stopped sending data")
	ErrEmptyImage  = errors.New("ota: source served an empty image")
)

// Job is a single update attempt. It lives only for one call to
// [Pipeline.Run].
type Job struct {
	URL      string
	Declared int64 // UnknownLength if the source did not declare one
	Written  int64
	Phase    Phase
}

// Result is the outcome of [Pipeline.Run].
type Result struct {
	Job  Job
	Kind FailureKind
	Err  error
}

// Succeeded reports whether the image was installed.
func (r Result) Succeeded() bool { return r.Job.Phase == Succeeded }
