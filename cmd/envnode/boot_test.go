package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/envnode/internal/flash"
	"github.com/nugget/envnode/internal/opstate"
)

func newBootSlots(t *testing.T) (*flash.Slots, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := opstate.NewStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	slots, err := flash.Open(filepath.Join(dir, "images"), 0, 2, store, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	self := filepath.Join(dir, "envnode")
	if err := os.WriteFile(self, []byte("running build"), 0o755); err != nil {
		t.Fatal(err)
	}
	return slots, self
}

// installUpdate commits an image to the inactive slot the way a
// successful download does.
func installUpdate(t *testing.T, slots *flash.Slots, image []byte) {
	t.Helper()
	w, err := slots.Begin(int64(len(image)))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := w.Write(image); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestPlanBoot(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T, slots *flash.Slots, self string) string
		wantExec    func(slots *flash.Slots) string
		wantCertify bool
		wantPending bool
	}{
		{
			name:        "nothing installed",
			setup:       func(*testing.T, *flash.Slots, string) string { return "" },
			wantExec:    func(*flash.Slots) string { return "" },
			wantCertify: true,
		},
		{
			name: "update pending hands off to new image",
			setup: func(t *testing.T, slots *flash.Slots, _ string) string {
				installUpdate(t, slots, []byte("new firmware"))
				return ""
			},
			wantExec:    func(s *flash.Slots) string { return s.ImagePath(flash.SlotB) },
			wantCertify: false,
			wantPending: true,
		},
		{
			name: "selected image started directly",
			setup: func(t *testing.T, slots *flash.Slots, _ string) string {
				installUpdate(t, slots, []byte("new firmware"))
				return slots.ImagePath(flash.SlotB)
			},
			wantExec:    func(*flash.Slots) string { return "" },
			wantCertify: true,
			wantPending: true,
		},
		{
			name: "pending image missing",
			setup: func(t *testing.T, slots *flash.Slots, _ string) string {
				installUpdate(t, slots, []byte("new firmware"))
				if err := os.Remove(slots.ImagePath(flash.SlotB)); err != nil {
					t.Fatal(err)
				}
				return ""
			},
			wantExec:    func(*flash.Slots) string { return "" },
			wantCertify: false,
			wantPending: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots, self := newBootSlots(t)
			if override := tt.setup(t, slots, self); override != "" {
				self = override
			}

			plan, err := planBoot(slots, self)
			if err != nil {
				t.Fatalf("planBoot: %v", err)
			}
			if want := tt.wantExec(slots); plan.Exec != want {
				t.Errorf("Exec = %q, want %q", plan.Exec, want)
			}
			if plan.Certify != tt.wantCertify {
				t.Errorf("Certify = %v, want %v", plan.Certify, tt.wantCertify)
			}
			pending, err := slots.PendingVerify()
			if err != nil {
				t.Fatal(err)
			}
			if pending != tt.wantPending {
				t.Errorf("PendingVerify() = %v, want %v", pending, tt.wantPending)
			}
		})
	}
}

func TestPlanBoot_UncertifiedImageRollsBack(t *testing.T) {
	slots, self := newBootSlots(t)
	installUpdate(t, slots, []byte("first firmware"))
	if err := slots.MarkValid(); err != nil {
		t.Fatal(err)
	}
	installUpdate(t, slots, []byte("second firmware"))

	// The new image keeps failing before it certifies: each restart
	// evaluates the boot record again from the running build.
	for attempt := 1; attempt <= 2; attempt++ {
		plan, err := planBoot(slots, self)
		if err != nil {
			t.Fatalf("planBoot #%d: %v", attempt, err)
		}
		if plan.Exec != slots.ImagePath(flash.SlotA) || plan.Certify {
			t.Fatalf("boot #%d = %+v, want exec of slot A without certify", attempt, plan)
		}
		if plan.Report.Attempt != attempt {
			t.Errorf("boot #%d Attempt = %d", attempt, plan.Report.Attempt)
		}
	}

	plan, err := planBoot(slots, self)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Report.RolledBack || plan.Report.Slot != flash.SlotB {
		t.Fatalf("report = %+v, want rollback to slot B", plan.Report)
	}
	if plan.Exec != slots.ImagePath(flash.SlotB) {
		t.Errorf("Exec = %q, want previous image", plan.Exec)
	}
}
