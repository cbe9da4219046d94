// Package mqtt keeps the node's broker session alive and dispatches the
// commands that arrive on it.
//
// A [Session] is a small state machine (Disconnected, Connecting,
// Connected) over an ordered list of candidate broker endpoints.
// [Session.EnsureSession] sweeps the candidates in priority order and
// stops at the first one that accepts the handshake; an exhausted sweep
// waits a cooldown and starts over, indefinitely. Every wait resets the
// liveness monitor.
//
// The wire protocol is MQTT v5 through Eclipse Paho's low-level [paho]
// client. The higher-level autopaho connection manager is deliberately
// not used: it owns its own reconnect loop, and the candidate sweep here
// must stay explicit and observable. Inbound messages are buffered by
// the transport and drained, without blocking, by
// [Session.ServiceInbound] from the scheduler loop.
package mqtt
