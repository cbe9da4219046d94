package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/nugget/envnode/internal/config"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: envnode") {
			t.Errorf("run(%v) output missing usage: %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"serve"}, "unknown command: serve"},
		{"unknown flag", []string{"-verbose"}, "unknown flag: -verbose"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/envnode.yaml", "run"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_VersionText(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "envnode ") {
		t.Errorf("version output = %q", out.String())
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output missing go_version: %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o=json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Error("version key empty")
	}
}

func TestRun_Init(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "site")
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), filepath.Join(dir, "config.yaml")) {
		t.Errorf("init output = %q", out.String())
	}
}

func TestRestartArgs(t *testing.T) {
	tests := []struct {
		name    string
		cfgPath string
		m       mode
		want    []string
	}{
		{"run", "/etc/envnode/config.yaml", modeRun, []string{"envnode", "-config", "/etc/envnode/config.yaml", "run"}},
		{"once", "c.yaml", modeOnce, []string{"envnode", "-config", "c.yaml", "once"}},
		{"no config path", "", modeOnce, []string{"envnode", "once"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := restartArgs("envnode", tt.cfgPath, tt.m)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("restartArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSensorName(t *testing.T) {
	if got := sensorName("bme280"); got != "BME280" {
		t.Errorf("sensorName(bme280) = %q", got)
	}
	if got := sensorName("veml7700"); got != "VEML7700" {
		t.Errorf("sensorName(veml7700) = %q", got)
	}
}

func TestNewLogger_TraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LevelTrace, "text")
	logger.Log(context.Background(), config.LevelTrace, "image chunk written")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("trace line = %q, want level=TRACE", buf.String())
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, 0, "json").Info("hello", "ssid", "greenhouse")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json logger output: %v\n%s", err, buf.String())
	}
	if line["ssid"] != "greenhouse" {
		t.Errorf("ssid = %v", line["ssid"])
	}
}

func TestConfiguredLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := configuredLogger(&buf, &config.Config{LogLevel: "warn"})
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %q", buf.String())
	}
}
