package mqtt

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by [Session.Publish] when there is no
// session.
var ErrNotConnected = errors.New("mqtt: not connected")

// ErrLinkDown is returned by [Session.EnsureSession] when the network
// link is not up.
var ErrLinkDown = errors.New("mqtt: network link down")

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes an inbound message. It runs on the scheduler loop
// and may block.
type Handler func(ctx context.Context, msg Message)

// ConnectOptions carries the handshake parameters.
type ConnectOptions struct {
	ClientID  string
	Username  string // empty for an anonymous session
	Password  string
	KeepAlive uint16 // seconds
}

// Dialer opens broker connections.
type Dialer interface {
	// Dial connects to ep and completes the session handshake. A
	// refused handshake is an error.
	Dial(ctx context.Context, ep Endpoint, opts ConnectOptions) (Conn, error)
}

// Conn is an established broker session.
type Conn interface {
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	// Inbound is the buffer of received messages. It is never closed
	// while the Conn is open.
	Inbound() <-chan Message
	// Err returns the first transport failure, or nil while healthy. It
	// does not block.
	Err() error
	Close() error
}
