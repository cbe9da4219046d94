// Package config handles envnode configuration loading.
//
// All values are supplied at provision time. Nothing here is negotiated
// with the broker or the update server at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/envnode/config.yaml, /etc/envnode/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "envnode", "config.yaml"))
	}

	paths = append(paths, "/etc/envnode/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration is a time.Duration that unmarshals from Go duration strings
// ("500ms", "30s") in YAML.
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all envnode configuration.
type Config struct {
	Device    DeviceConfig   `yaml:"device"`
	WiFi      WiFiConfig     `yaml:"wifi"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	OTA       OTAConfig      `yaml:"ota"`
	Publish   PublishConfig  `yaml:"publish"`
	Watchdog  WatchdogConfig `yaml:"watchdog"`
	Diag      DiagConfig     `yaml:"diag"`
	Sleep     SleepConfig    `yaml:"sleep"`
	Sensor    SensorConfig   `yaml:"sensor"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// DeviceConfig identifies the node and its local resources.
type DeviceConfig struct {
	// ClientID is the base identifier. The broker client identifier
	// appends a hardware-derived suffix to avoid session collisions
	// between nodes flashed with the same config.
	ClientID string `yaml:"client_id"`
	// DataDir holds the instance ID, boot state and diagnostic log.
	DataDir string `yaml:"data_dir"`
	// Interface is the network interface whose state is the link.
	Interface string `yaml:"interface"`
	// LEDPath is an optional sysfs LED brightness file used as the
	// fault indicator. Empty means indicator changes are only logged.
	LEDPath string `yaml:"led_path"`
}

// WiFiConfig defines network credentials and link retry timing.
type WiFiConfig struct {
	SSID          string   `yaml:"ssid"`
	Password      string   `yaml:"password"`
	PollInterval  Duration `yaml:"poll_interval"`  // default 500ms
	AttemptWindow Duration `yaml:"attempt_window"` // default 30s
	RetryDelay    Duration `yaml:"retry_delay"`    // default 5s
}

// MQTTConfig defines the broker candidates and session behavior.
type MQTTConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// FallbackHosts are tried, in order, after Host on every sweep.
	FallbackHosts []string `yaml:"fallback_hosts"`
	// Scheme selects the transport: tcp (default), tls, ws or wss.
	Scheme         string   `yaml:"scheme"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	StatusTopic    string   `yaml:"status_topic"`
	CommandTopic   string   `yaml:"command_topic"`
	KeepAliveSec   int      `yaml:"keepalive_sec"`
	CandidateDelay Duration `yaml:"candidate_delay"` // default 1s
	SweepCooldown  Duration `yaml:"sweep_cooldown"`  // default 5s
	ConnectTimeout Duration `yaml:"connect_timeout"` // default 15s, sleep variant only
	InboundBuffer  int      `yaml:"inbound_buffer"`  // default 32
}

// Configured reports whether credentials are present. Anonymous
// sessions are used otherwise.
func (c MQTTConfig) Configured() bool {
	return c.Username != ""
}

// OTAConfig defines firmware download and flash behavior.
type OTAConfig struct {
	BufferSize      int      `yaml:"buffer_size"`   // default 4096
	PollInterval    Duration `yaml:"poll_interval"` // default 1ms
	FlushDelay      Duration `yaml:"flush_delay"`   // default 100ms
	ImageDir        string   `yaml:"image_dir"`     // default <data_dir>/images
	MaxImageBytes   int64    `yaml:"max_image_bytes"`
	MaxBootAttempts int      `yaml:"max_boot_attempts"`
	HTTPTimeout     Duration `yaml:"http_timeout"`
	StallTimeout    Duration `yaml:"stall_timeout"` // default 30s
	RetryCount      int      `yaml:"retry_count"`
}

// PublishConfig defines the status publish cycle.
type PublishConfig struct {
	Interval Duration `yaml:"interval"` // default 60s
}

// WatchdogConfig defines the liveness bound.
type WatchdogConfig struct {
	Timeout Duration `yaml:"timeout"` // default 10s
	// Device is an optional kernel watchdog device, e.g. /dev/watchdog.
	Device string `yaml:"device"`
}

// DiagConfig defines the diagnostic log sink.
type DiagConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"` // default 16 KiB
}

// SleepConfig defines the battery-powered deep-sleep variant.
type SleepConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Duration  Duration `yaml:"duration"`    // default 300s
	LuxToPPFD float64  `yaml:"lux_to_ppfd"` // default 70
}

// SensorConfig selects the sensor driver.
type SensorConfig struct {
	Kind    string `yaml:"kind"` // bme280, veml7700 or sim
	IIOPath string `yaml:"iio_path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Device.ClientID == "" {
		c.Device.ClientID = "envnode"
	}
	if c.Device.DataDir == "" {
		c.Device.DataDir = "/var/lib/envnode"
	}
	if c.Device.Interface == "" {
		c.Device.Interface = "wlan0"
	}

	setDuration(&c.WiFi.PollInterval, 500*time.Millisecond)
	setDuration(&c.WiFi.AttemptWindow, 30*time.Second)
	setDuration(&c.WiFi.RetryDelay, 5*time.Second)

	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.FallbackHosts == nil {
		c.MQTT.FallbackHosts = []string{"host.docker.internal", "mosquitto"}
	}
	if c.MQTT.Scheme == "" {
		c.MQTT.Scheme = "tcp"
	}
	if c.MQTT.StatusTopic == "" {
		c.MQTT.StatusTopic = "sensors/" + c.Device.ClientID
	}
	if c.MQTT.CommandTopic == "" {
		c.MQTT.CommandTopic = "cmd/" + c.Device.ClientID + "/ota"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 15
	}
	setDuration(&c.MQTT.CandidateDelay, time.Second)
	setDuration(&c.MQTT.SweepCooldown, 5*time.Second)
	setDuration(&c.MQTT.ConnectTimeout, 15*time.Second)
	if c.MQTT.InboundBuffer == 0 {
		c.MQTT.InboundBuffer = 32
	}

	if c.OTA.BufferSize == 0 {
		c.OTA.BufferSize = 4096
	}
	setDuration(&c.OTA.PollInterval, time.Millisecond)
	setDuration(&c.OTA.FlushDelay, 100*time.Millisecond)
	if c.OTA.ImageDir == "" {
		c.OTA.ImageDir = filepath.Join(c.Device.DataDir, "images")
	}
	if c.OTA.MaxImageBytes == 0 {
		c.OTA.MaxImageBytes = 64 << 20
	}
	if c.OTA.MaxBootAttempts == 0 {
		c.OTA.MaxBootAttempts = 3
	}
	setDuration(&c.OTA.HTTPTimeout, 15*time.Second)
	setDuration(&c.OTA.StallTimeout, 30*time.Second)
	if c.OTA.RetryCount == 0 {
		c.OTA.RetryCount = 2
	}

	setDuration(&c.Publish.Interval, 60*time.Second)
	setDuration(&c.Watchdog.Timeout, 10*time.Second)

	if c.Diag.Path == "" {
		c.Diag.Path = filepath.Join(c.Device.DataDir, "error.log")
	}
	if c.Diag.MaxBytes == 0 {
		c.Diag.MaxBytes = 16 * 1024
	}

	setDuration(&c.Sleep.Duration, 300*time.Second)
	if c.Sleep.LuxToPPFD == 0 {
		c.Sleep.LuxToPPFD = 70
	}

	if c.Sensor.Kind == "" {
		c.Sensor.Kind = "bme280"
	}
	if c.Sensor.IIOPath == "" {
		c.Sensor.IIOPath = "/sys/bus/iio/devices/iio:device0"
	}
}

// Validate reports configuration that cannot produce a working node.
func (c *Config) Validate() error {
	var errs []error
	if c.WiFi.SSID == "" {
		errs = append(errs, errors.New("wifi.ssid is required"))
	}
	if c.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt.host is required"))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	switch c.MQTT.Scheme {
	case "tcp", "tls", "ws", "wss":
	default:
		errs = append(errs, fmt.Errorf("mqtt.scheme %q (valid: tcp, tls, ws, wss)", c.MQTT.Scheme))
	}
	if c.OTA.BufferSize < 512 {
		errs = append(errs, fmt.Errorf("ota.buffer_size %d below minimum 512", c.OTA.BufferSize))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	switch c.Sensor.Kind {
	case "bme280", "veml7700", "sim":
	default:
		errs = append(errs, fmt.Errorf("sensor.kind %q (valid: bme280, veml7700, sim)", c.Sensor.Kind))
	}
	return errors.Join(errs...)
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}
