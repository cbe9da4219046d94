package link

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Interface is a [Radio] for a Linux network interface. Association
// itself is owned by the system supplicant; Begin and Disconnect ask it
// to (re)associate through wpa_cli when that tool is installed.
type Interface struct {
	name   string
	logger *slog.Logger

	// wirelessPath is /proc/net/wireless, overridable in tests.
	wirelessPath string
	// lookup resolves the interface, overridable in tests.
	lookup func(name string) (*net.Interface, error)
	// run executes a supplicant command.
	run func(ctx context.Context, name string, args ...string) error
}

// NewInterface creates a Radio for the named interface.
func NewInterface(name string, logger *slog.Logger) *Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interface{
		name:         name,
		logger:       logger,
		wirelessPath: "/proc/net/wireless",
		lookup:       net.InterfaceByName,
		run:          runCommand,
	}
}

// Begin asks the supplicant to reassociate. Credentials are provisioned
// in the supplicant configuration; ssid is only logged here.
func (i *Interface) Begin(ssid, _ string) error {
	if _, err := exec.LookPath("wpa_cli"); err != nil {
		i.logger.Debug("wpa_cli not installed, relying on system association", "ssid", ssid)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return i.run(ctx, "wpa_cli", "-i", i.name, "reconnect")
}

// Connected reports whether the interface is up and has a routable
// unicast address.
func (i *Interface) Connected() bool {
	ifc, err := i.lookup(i.name)
	if err != nil || ifc.Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipn.IP; ip.IsGlobalUnicast() || ip.IsPrivate() {
			return true
		}
	}
	return false
}

// Disconnect asks the supplicant to drop the association.
func (i *Interface) Disconnect() error {
	if _, err := exec.LookPath("wpa_cli"); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return i.run(ctx, "wpa_cli", "-i", i.name, "disconnect")
}

// RSSI returns the signal level in dBm from /proc/net/wireless, or 0 if
// the interface is not wireless.
func (i *Interface) RSSI() int {
	f, err := os.Open(i.wirelessPath)
	if err != nil {
		return 0
	}
	defer f.Close()
	return parseWireless(bufio.NewScanner(f), i.name)
}

// parseWireless extracts the signal level column for iface. Lines look
// like " wlan0: 0000   54.  -56.  -256        0 ...".
func parseWireless(sc *bufio.Scanner, iface string) int {
	prefix := iface + ":"
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, prefix))
		if len(fields) < 3 {
			return 0
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0
		}
		return int(level)
	}
	return 0
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
