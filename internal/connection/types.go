package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no inbound traffic)")
	ErrAlreadyClosed   = errors.New("already closed")

	// errTokenExpiring triggers a planned reconnect before the venue
	// invalidates the session token.
	errTokenExpiring = errors.New("session token expiring")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Full dial URL, token embedded where required
	HandshakeTimeout time.Duration // WebSocket upgrade timeout
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       4096,
	}
}

// SupervisorConfig configures a reconnect Supervisor.
type SupervisorConfig struct {
	ReconnectBaseDelay time.Duration // Base wait before the first retry
	ReconnectMaxDelay  time.Duration // Backoff ceiling
	MaxRetries         int           // Consecutive failed attempts before FatalError; <= 0 retries forever
	BufferSize         int           // Per-connection inbound buffer
	WriteTimeout       time.Duration // Write deadline for sends
	HandshakeTimeout   time.Duration // WebSocket upgrade timeout
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		MaxRetries:         0,
		BufferSize:         4096,
		WriteTimeout:       5 * time.Second,
		HandshakeTimeout:   10 * time.Second,
	}
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	def := DefaultSupervisorConfig()
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}
