package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBufferSize         = 4096
	DefaultQueueSize          = 1024
	DefaultPolicy             = "drop_oldest"
	DefaultPublishTimeout     = 100 * time.Millisecond
	DefaultHealthPort         = 8080
)

func (c *FeedConfig) applyDefaults() {
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}

	if c.Dispatcher.QueueSize == 0 {
		c.Dispatcher.QueueSize = DefaultQueueSize
	}
	if c.Dispatcher.Policy == "" {
		c.Dispatcher.Policy = DefaultPolicy
	}
	if c.Dispatcher.PublishTimeout == 0 {
		c.Dispatcher.PublishTimeout = DefaultPublishTimeout
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}

	for name, ex := range c.Exchanges {
		if len(ex.MarketTypes) == 0 {
			ex.MarketTypes = []string{"futures"}
			c.Exchanges[name] = ex
		}
	}
}
