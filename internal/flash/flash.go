// Package flash manages the two firmware image slots of the node and
// the boot record that selects between them.
//
// One slot holds the running image; an update is always written into the
// other. A finished write switches the boot target and marks the new
// slot pending verification. The next boot must call [Slots.MarkValid]
// once it has come up cleanly; a slot that keeps booting without doing so
// is rolled back by [Slots.Boot] to the previous image.
package flash

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/nugget/envnode/internal/opstate"
)

// Slot names.
const (
	SlotA = "a"
	SlotB = "b"
)

// UnknownSize is passed to [Slots.Begin] when the image length is not
// declared by the source.
const UnknownSize int64 = -1

const bootNamespace = "boot"

// Errors reported by the slot writer.
var (
	ErrTooLarge     = errors.New("image exceeds slot capacity")
	ErrSizeMismatch = errors.New("image size does not match declared length")
	ErrEmptyImage   = errors.New("no image data written")
	ErrInProgress   = errors.New("another image write is in progress")
	ErrClosed       = errors.New("image writer is closed")
)

// Slots is the A/B image store.
type Slots struct {
	dir         string
	maxBytes    int64
	maxAttempts int
	store       *opstate.Store
	logger      *slog.Logger

	mu      sync.Mutex
	writing bool
}

// Open prepares the slot directory. maxBytes bounds a single image;
// maxAttempts is how many unconfirmed boots a new image gets before
// rollback.
func Open(dir string, maxBytes int64, maxAttempts int, store *opstate.Store, logger *slog.Logger) (*Slots, error) {
	if store == nil {
		panic("flash: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &Slots{
		dir:         dir,
		maxBytes:    maxBytes,
		maxAttempts: maxAttempts,
		store:       store,
		logger:      logger,
	}, nil
}

// ImagePath returns the file holding slot's image.
func (s *Slots) ImagePath(slot string) string {
	return filepath.Join(s.dir, "slot_"+slot+".bin")
}

// Active returns the slot selected for boot.
func (s *Slots) Active() (string, error) {
	v, err := s.store.Get(bootNamespace, "active")
	if err != nil {
		return "", err
	}
	if v == "" {
		return SlotA, nil
	}
	return v, nil
}

// Inactive returns the slot an update would be written to.
func (s *Slots) Inactive() (string, error) {
	active, err := s.Active()
	if err != nil {
		return "", err
	}
	return other(active), nil
}

// PendingVerify reports whether the active slot has not certified
// itself yet.
func (s *Slots) PendingVerify() (bool, error) {
	v, err := s.store.Get(bootNamespace, "pending_verify")
	return v == "1", err
}

// BootReport describes the decision taken by [Slots.Boot].
type BootReport struct {
	Slot       string
	Image      string // empty if the slot has never been written
	Attempt    int    // unconfirmed boots of a pending slot, 0 if confirmed
	RolledBack bool
}

// Boot selects the image to start. A pending slot has its attempt
// counter incremented; once the counter exceeds the configured limit the
// previous slot is restored as the boot target.
func (s *Slots) Boot() (BootReport, error) {
	active, err := s.Active()
	if err != nil {
		return BootReport{}, err
	}
	pending, err := s.PendingVerify()
	if err != nil {
		return BootReport{}, err
	}

	report := BootReport{Slot: active}
	if pending {
		attempts, err := s.store.GetInt(bootNamespace, "attempts", 0)
		if err != nil {
			return BootReport{}, err
		}
		attempts++

		if attempts > s.maxAttempts {
			previous := other(active)
			s.logger.Warn("image failed to certify, rolling back",
				"slot", active, "attempts", attempts-1, "restored", previous)
			if err := s.store.SetMany(bootNamespace, map[string]string{
				"active":         previous,
				"pending_verify": "0",
				"attempts":       "0",
			}); err != nil {
				return BootReport{}, err
			}
			report = BootReport{Slot: previous, RolledBack: true}
		} else {
			if err := s.store.Set(bootNamespace, "attempts", strconv.Itoa(attempts)); err != nil {
				return BootReport{}, err
			}
			report.Attempt = attempts
		}
	}

	if _, err := os.Stat(s.ImagePath(report.Slot)); err == nil {
		report.Image = s.ImagePath(report.Slot)
	}
	return report, nil
}

// MarkValid certifies the running slot, cancelling any pending rollback.
func (s *Slots) MarkValid() error {
	pending, err := s.PendingVerify()
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}
	active, _ := s.Active()
	s.logger.Info("image certified", "slot", active)
	return s.store.SetMany(bootNamespace, map[string]string{
		"pending_verify": "0",
		"attempts":       "0",
	})
}

// Begin opens a writer on the inactive slot. size is the declared image
// length or [UnknownSize]. Only one writer may be open at a time.
func (s *Slots) Begin(size int64) (*Writer, error) {
	if size != UnknownSize && size <= 0 {
		return nil, fmt.Errorf("%w: declared size %d", ErrSizeMismatch, size)
	}
	if size != UnknownSize && s.maxBytes > 0 && size > s.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, s.maxBytes)
	}

	s.mu.Lock()
	if s.writing {
		s.mu.Unlock()
		return nil, ErrInProgress
	}
	s.writing = true
	s.mu.Unlock()

	target, err := s.Inactive()
	if err != nil {
		s.release()
		return nil, err
	}

	final := s.ImagePath(target)
	part := final + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("open slot %s: %w", target, err)
	}

	capacity := s.maxBytes
	if size != UnknownSize {
		capacity = size
	}
	return &Writer{
		slots:    s,
		slot:     target,
		file:     f,
		partPath: part,
		final:    final,
		declared: size,
		capacity: capacity,
	}, nil
}

func (s *Slots) release() {
	s.mu.Lock()
	s.writing = false
	s.mu.Unlock()
}

// activate switches the boot target to slot and marks it pending.
func (s *Slots) activate(slot string) error {
	return s.store.SetMany(bootNamespace, map[string]string{
		"active":         slot,
		"pending_verify": "1",
		"attempts":       "0",
	})
}

func other(slot string) string {
	if slot == SlotA {
		return SlotB
	}
	return SlotA
}
