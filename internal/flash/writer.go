package flash

import (
	"fmt"
	"os"
)

// Writer streams one image into the inactive slot. It is used by a
// single goroutine.
type Writer struct {
	slots    *Slots
	slot     string
	file     *os.File
	partPath string
	final    string

	declared int64 // UnknownSize if not declared
	capacity int64 // 0 means unbounded
	written  int64
	finished bool
	closed   bool
}

// Slot returns the slot being written.
func (w *Writer) Slot() string { return w.slot }

// Written returns the number of bytes persisted so far.
func (w *Writer) Written() int64 { return w.written }

// Write persists p and returns how many bytes were stored. A return
// value smaller than len(p) means the slot is full or the storage
// failed; the caller must treat the image as lost.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}

	buf := p
	var limitErr error
	if w.capacity > 0 && w.written+int64(len(buf)) > w.capacity {
		buf = buf[:w.capacity-w.written]
		limitErr = ErrTooLarge
	}

	n, err := w.file.Write(buf)
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("write slot %s: %w", w.slot, err)
	}
	return n, limitErr
}

// End validates and commits the image. The byte count must equal the
// declared length when one was given; an undeclared image must be
// non-empty. On success the slot becomes the boot target, pending
// verification. On failure the partial image is discarded and the boot
// record is untouched.
func (w *Writer) End() error {
	if w.closed {
		return ErrClosed
	}
	defer w.slots.release()
	w.closed = true

	if w.declared != UnknownSize && w.written != w.declared {
		w.discard()
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrSizeMismatch, w.written, w.declared)
	}
	if w.written == 0 {
		w.discard()
		return ErrEmptyImage
	}

	if err := w.file.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("sync slot %s: %w", w.slot, err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.partPath)
		return fmt.Errorf("close slot %s: %w", w.slot, err)
	}
	if err := os.Rename(w.partPath, w.final); err != nil {
		_ = os.Remove(w.partPath)
		return fmt.Errorf("commit slot %s: %w", w.slot, err)
	}
	if err := w.slots.activate(w.slot); err != nil {
		return fmt.Errorf("switch boot slot: %w", err)
	}

	w.finished = true
	w.slots.logger.Info("image committed", "slot", w.slot, "bytes", w.written)
	return nil
}

// IsFinished reports whether End committed the image and switched the
// boot target.
func (w *Writer) IsFinished() bool { return w.finished }

// Abort discards the partial image. It is a no-op after End.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.discard()
	w.slots.release()
}

func (w *Writer) discard() {
	_ = w.file.Close()
	_ = os.Remove(w.partPath)
}
