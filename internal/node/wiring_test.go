package node

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/nugget/envnode/internal/clock"
	"github.com/nugget/envnode/internal/diaglog"
	"github.com/nugget/envnode/internal/link"
	"github.com/nugget/envnode/internal/mqtt"
	"github.com/nugget/envnode/internal/ota"
	"github.com/nugget/envnode/internal/platform"
	"github.com/nugget/envnode/internal/sensor"
	"github.com/nugget/envnode/internal/status"
)

type benchRadio struct{ up bool }

func (r *benchRadio) Begin(string, string) error { r.up = true; return nil }
func (r *benchRadio) Connected() bool            { return r.up }
func (r *benchRadio) Disconnect() error          { r.up = false; return nil }

type memConn struct {
	inbound   chan mqtt.Message
	published []string
}

func (c *memConn) Subscribe(context.Context, string) error { return nil }
func (c *memConn) Publish(_ context.Context, topic string, _ []byte, _ bool) error {
	c.published = append(c.published, topic)
	return nil
}
func (c *memConn) Inbound() <-chan mqtt.Message { return c.inbound }
func (c *memConn) Err() error                   { return nil }
func (c *memConn) Close() error                 { return nil }

type memDialer struct{ conn *memConn }

func (d *memDialer) Dial(context.Context, mqtt.Endpoint, mqtt.ConnectOptions) (mqtt.Conn, error) {
	return d.conn, nil
}

type memSource struct{ image []byte }

func (s memSource) Open(context.Context, string) (*ota.Download, error) {
	return &ota.Download{Body: io.NopCloser(bytes.NewReader(s.image)), Length: int64(len(s.image))}, nil
}

type memWriter struct {
	buf      bytes.Buffer
	finished bool
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) End() error                  { w.finished = true; return nil }
func (w *memWriter) IsFinished() bool            { return w.finished }
func (w *memWriter) Abort()                      {}

type memTarget struct{ w *memWriter }

func (t memTarget) Begin(int64) (ota.ImageWriter, error) { return t.w, nil }

func TestWiring_UpdateCommandBlocksPublish(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	diag := &diaglog.Memory{}
	radio := &benchRadio{}
	conn := &memConn{inbound: make(chan mqtt.Message, 4)}
	logger := discardLogger()

	lm := link.New(link.Config{SSID: "greenhouse"}, radio, clk, nil, nil, logger)
	session := mqtt.NewSession(mqtt.SessionConfig{CommandTopic: "cmd/envnode/ota"},
		[]mqtt.Endpoint{{Host: "mosquitto", Port: 1883, Scheme: "tcp"}},
		mqtt.SessionDeps{Dialer: &memDialer{conn: conn}, Link: lm, Clock: clk, Diag: diag, Logger: logger})
	lm.OnDown(session.LinkLost)

	restarts := 0
	var publishedDuringUpdate int
	writer := &memWriter{}
	pipeline := ota.New(ota.Config{}, ota.Deps{
		Source:    memSource{image: []byte("firmware-image-v2")},
		Target:    memTarget{w: writer},
		Restarter: platform.RestartFunc(func() error { restarts++; return nil }),
		Clock:     clk,
		Diag:      diag,
		Logger:    logger,
		BeforeRestart: func() {
			publishedDuringUpdate = len(conn.published)
		},
	})
	session.Handle("cmd/envnode/ota", mqtt.UpdateCommandHandler(
		func(ctx context.Context, url string) { pipeline.Run(ctx, url) }, nil, diag, logger))

	cycle := status.NewCycle(status.CycleConfig{Device: "envnode", Topic: "sensors/envnode", Interval: time.Minute},
		status.CycleDeps{Sensor: &sensor.Sim{}, Publisher: session, Counter: &diag.Counter, Clock: clk, Logger: logger})

	n := New(Config{}, Deps{
		Link: lm, Broker: session, Status: cycle, Sensor: &sensor.Sim{},
		Clock: clk, Diag: diag, Logger: logger,
	})
	ctx := context.Background()
	n.Start()

	if err := n.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if !session.Connected() {
		t.Fatal("session not connected after first tick")
	}

	// Due publish and a pending update in the same tick: the update
	// runs to completion first.
	clk.Advance(2 * time.Minute)
	conn.inbound <- mqtt.Message{Topic: "cmd/envnode/ota", Payload: []byte(`{"url":"http://fw.lan/v2.bin"}`)}
	if err := n.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	if restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}
	if writer.buf.String() != "firmware-image-v2" {
		t.Errorf("installed image = %q", writer.buf.String())
	}
	if publishedDuringUpdate != 0 {
		t.Errorf("published %d records while the update ran", publishedDuringUpdate)
	}
}

func TestWiring_LinkLossDropsSession(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	diag := &diaglog.Memory{}
	radio := &benchRadio{}
	conn := &memConn{inbound: make(chan mqtt.Message, 4)}
	logger := discardLogger()

	lm := link.New(link.Config{SSID: "greenhouse"}, radio, clk, nil, nil, logger)
	session := mqtt.NewSession(mqtt.SessionConfig{},
		[]mqtt.Endpoint{{Host: "mosquitto", Port: 1883, Scheme: "tcp"}},
		mqtt.SessionDeps{Dialer: &memDialer{conn: conn}, Link: lm, Clock: clk, Diag: diag, Logger: logger})
	lm.OnDown(session.LinkLost)

	ctx := context.Background()
	if err := lm.EnsureUp(ctx); err != nil {
		t.Fatal(err)
	}
	if err := session.EnsureSession(ctx); err != nil {
		t.Fatal(err)
	}

	radio.up = false
	lm.Step()
	if session.Connected() {
		t.Error("session connected while link is down")
	}
}
