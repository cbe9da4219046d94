// Package diaglog is the node's append-only diagnostic log: one human
// readable line per event, kept in a single file whose size is bounded.
// It also owns the diagnostic counter, the number of error conditions
// observed since boot, which is reported in every status payload.
package diaglog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxBytes is the size ceiling of the log file.
const DefaultMaxBytes = 16 * 1024

// Recorder receives diagnostic events. Error-class events increment the
// diagnostic counter; Info events are logged but not counted.
type Recorder interface {
	Info(msg string)
	Error(msg string)
}

// Counter is the diagnostic counter. It only grows; a reboot resets it.
type Counter struct {
	n atomic.Uint32
}

// Inc increments the counter.
func (c *Counter) Inc() { c.n.Add(1) }

// Value returns the current count.
func (c *Counter) Value() uint32 { return c.n.Load() }

// File is a bounded diagnostic log backed by a file.
type File struct {
	path     string
	maxBytes int64
	now      func() time.Time
	counter  *Counter

	mu sync.Mutex
}

// Open prepares a File at path. The parent directory is created if
// needed; the file itself is created on the first write.
func Open(path string, maxBytes int64, counter *Counter) (*File, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if counter == nil {
		counter = &Counter{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create diag log dir: %w", err)
	}
	return &File{
		path:     path,
		maxBytes: maxBytes,
		now:      time.Now,
		counter:  counter,
	}, nil
}

// Counter returns the counter incremented by Error.
func (f *File) Counter() *Counter { return f.counter }

// Info appends msg without counting it.
func (f *File) Info(msg string) {
	f.append(msg)
}

// Error appends msg and increments the diagnostic counter.
func (f *File) Error(msg string) {
	f.counter.Inc()
	f.append(msg)
}

// Read returns the current log contents.
func (f *File) Read() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// append writes one line and truncates if the ceiling is exceeded. A
// failure to write the diagnostic log is never surfaced: the log exists
// to explain other failures and must not become one.
func (f *File) append(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := f.now().UTC().Format(time.RFC3339) + " " + msg + "\n"

	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, werr := fh.WriteString(line)
	info, serr := fh.Stat()
	_ = fh.Close()
	if werr != nil || serr != nil {
		return
	}

	if info.Size() > f.maxBytes {
		f.truncate()
	}
}

// truncate drops the oldest whole lines until the file is at most half
// the ceiling. Must be called with f.mu held.
func (f *File) truncate() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return
	}
	keep := trimOldest(data, f.maxBytes/2)

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, keep, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, f.path)
}

// trimOldest returns the longest suffix of data that starts on a line
// boundary and is no longer than limit bytes.
func trimOldest(data []byte, limit int64) []byte {
	if int64(len(data)) <= limit {
		return data
	}
	start := int64(len(data)) - limit
	cut := data[start:]
	if start > 0 && data[start-1] == '\n' {
		return cut
	}
	if i := bytes.IndexByte(cut, '\n'); i >= 0 {
		return cut[i+1:]
	}
	return nil
}

// Memory is an in-memory Recorder for tests and bench runs.
type Memory struct {
	mu      sync.Mutex
	lines   []string
	Counter Counter
}

// Info records msg.
func (m *Memory) Info(msg string) {
	m.mu.Lock()
	m.lines = append(m.lines, msg)
	m.mu.Unlock()
}

// Error records msg and increments the counter.
func (m *Memory) Error(msg string) {
	m.Counter.Inc()
	m.Info(msg)
}

// Lines returns a copy of the recorded lines.
func (m *Memory) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}
