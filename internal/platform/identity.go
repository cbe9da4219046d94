package platform

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// HardwareID returns a stable 64-bit identifier for the node. The MAC
// address of iface is used when it has one; otherwise an instance UUID
// persisted in dataDir stands in for it.
func HardwareID(iface, dataDir string) (uint64, error) {
	if iface != "" {
		if ifi, err := net.InterfaceByName(iface); err == nil && len(ifi.HardwareAddr) >= 6 {
			return macToID(ifi.HardwareAddr), nil
		}
	}

	id, err := LoadOrCreateInstanceID(dataDir)
	if err != nil {
		return 0, err
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return 0, fmt.Errorf("parse instance ID %q: %w", id, err)
	}
	return binary.BigEndian.Uint64(u[8:]), nil
}

func macToID(mac net.HardwareAddr) uint64 {
	var buf [8]byte
	copy(buf[8-len(mac[:6]):], mac[:6])
	return binary.BigEndian.Uint64(buf[:])
}

// ClientID derives the broker client identifier from the configured base
// and the low 32 bits of the hardware id, in lowercase hex without
// padding.
func ClientID(base string, hwid uint64) string {
	return fmt.Sprintf("%s-%x", base, uint32(hwid))
}

// LoadOrCreateInstanceID reads the instance ID from dataDir, or
// generates a UUIDv7 and persists it if none exists yet.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}
