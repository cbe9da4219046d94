package indicator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLED_WritesBrightness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brightness")
	led := NewLED(path, nil)

	led.Set(true)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1" {
		t.Errorf("brightness = %q, want %q", data, "1")
	}

	led.Set(false)
	data, _ = os.ReadFile(path)
	if string(data) != "0" {
		t.Errorf("brightness = %q, want %q", data, "0")
	}
	if led.On() {
		t.Error("On() = true, want false")
	}
}

func TestLED_NoPathTracksState(t *testing.T) {
	led := NewLED("", nil)
	led.Set(true)
	if !led.On() {
		t.Error("On() = false, want true")
	}
}
