package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// DefaultInboundBuffer is the number of received messages held between
// two calls to [Session.ServiceInbound].
const DefaultInboundBuffer = 32

// PahoDialer opens MQTT v5 sessions with the paho client over TCP, TLS
// or WebSocket.
type PahoDialer struct {
	// Timeout bounds the network dial plus handshake.
	Timeout time.Duration
	// InboundBuffer sizes the received-message buffer.
	InboundBuffer int
	// TLSConfig is used for tls and wss endpoints; nil means defaults.
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// Dial connects to ep and performs the CONNECT handshake.
func (d *PahoDialer) Dial(ctx context.Context, ep Endpoint, opts ConnectOptions) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	size := d.InboundBuffer
	if size <= 0 {
		size = DefaultInboundBuffer
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nc, err := d.dialNet(dialCtx, ep)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Addr(), err)
	}

	pc := &pahoConn{
		inbound: make(chan Message, size),
		logger:  logger.With("broker", ep.String()),
	}
	pc.client = paho.NewClient(paho.ClientConfig{
		ClientID: opts.ClientID,
		Conn:     nc,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			pc.received,
		},
		OnClientError: func(err error) {
			pc.fail(fmt.Errorf("client error: %w", err))
		},
		OnServerDisconnect: func(dc *paho.Disconnect) {
			pc.fail(fmt.Errorf("server disconnect: reason code %d", dc.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   opts.ClientID,
		KeepAlive:  opts.KeepAlive,
		CleanStart: true,
	}
	if opts.Username != "" {
		cp.Username = opts.Username
		cp.UsernameFlag = true
		cp.Password = []byte(opts.Password)
		cp.PasswordFlag = true
	}

	ca, err := pc.client.Connect(dialCtx, cp)
	if err != nil {
		_ = nc.Close()
		if ca != nil {
			return nil, fmt.Errorf("handshake refused: reason code %d: %w", ca.ReasonCode, err)
		}
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if ca.ReasonCode != 0 {
		_ = nc.Close()
		return nil, fmt.Errorf("handshake refused: reason code %d", ca.ReasonCode)
	}
	return pc, nil
}

func (d *PahoDialer) dialNet(ctx context.Context, ep Endpoint) (net.Conn, error) {
	switch ep.Scheme {
	case "", "tcp":
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", ep.Addr())
	case "tls":
		td := tls.Dialer{Config: d.tlsConfig(ep)}
		return td.DialContext(ctx, "tcp", ep.Addr())
	case "ws", "wss":
		return dialWebSocket(ctx, ep, d.tlsConfig(ep))
	default:
		return nil, fmt.Errorf("unsupported scheme %q", ep.Scheme)
	}
}

func (d *PahoDialer) tlsConfig(ep Endpoint) *tls.Config {
	if d.TLSConfig != nil {
		return d.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: ep.Host, MinVersion: tls.VersionTLS12}
}

// pahoConn adapts a paho client to [Conn].
type pahoConn struct {
	client  *paho.Client
	inbound chan Message
	dropped atomic.Int64
	logger  *slog.Logger

	mu  sync.Mutex
	err error
}

// received runs on the paho reader goroutine. It never blocks: when the
// buffer is full the message is dropped and counted.
func (c *pahoConn) received(pr paho.PublishReceived) (bool, error) {
	msg := Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}
	select {
	case c.inbound <- msg:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("inbound buffer full, message dropped",
			"topic", msg.Topic,
			"dropped_total", n,
		)
	}
	return true, nil
}

func (c *pahoConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *pahoConn) Subscribe(ctx context.Context, topic string) error {
	_, err := c.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	return err
}

func (c *pahoConn) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	_, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Retain:  retain,
		Payload: payload,
	})
	if err != nil {
		c.fail(err)
	}
	return err
}

func (c *pahoConn) Inbound() <-chan Message { return c.inbound }

func (c *pahoConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pahoConn) Close() error {
	return c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
