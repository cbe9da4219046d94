package ota

import "github.com/nugget/envnode/internal/flash"

// ImageWriter receives one image.
type ImageWriter interface {
	// Write returns the number of bytes persisted; fewer than len(p)
	// means the image is lost.
	Write(p []byte) (int, error)
	End() error
	IsFinished() bool
	Abort()
}

// Target opens image writers. size is the declared length or
// [UnknownLength].
type Target interface {
	Begin(size int64) (ImageWriter, error)
}

// SlotTarget writes into the inactive slot of an A/B slot store.
type SlotTarget struct {
	Slots *flash.Slots
}

// Begin opens the inactive slot.
func (t SlotTarget) Begin(size int64) (ImageWriter, error) {
	w, err := t.Slots.Begin(size)
	if err != nil {
		return nil, err
	}
	return w, nil
}
