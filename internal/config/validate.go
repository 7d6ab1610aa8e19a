package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *FeedConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	enabled := 0
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		enabled++
		if err := ex.validate("exchanges." + name); err != nil {
			return err
		}
	}
	if enabled == 0 {
		return errors.New("at least one exchange must be enabled")
	}

	if c.Connection.ReconnectBaseDelay <= 0 {
		return errors.New("connection.reconnect_base_delay must be > 0")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%s) cannot be below reconnect_base_delay (%s)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}
	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}

	if c.Dispatcher.QueueSize < 1 {
		return errors.New("dispatcher.queue_size must be >= 1")
	}
	switch c.Dispatcher.Policy {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("dispatcher.policy must be drop_oldest or block, got %q", c.Dispatcher.Policy)
	}

	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (ex *ExchangeConfig) validate(prefix string) error {
	for _, mt := range ex.MarketTypes {
		switch mt {
		case "futures", "spot":
		default:
			return fmt.Errorf("%s.market_types: unknown market type %q", prefix, mt)
		}
	}
	for i, sub := range ex.Subscriptions {
		if sub.Channel == "" {
			return fmt.Errorf("%s.subscriptions[%d].channel is required", prefix, i)
		}
		if len(sub.Symbols) == 0 {
			return fmt.Errorf("%s.subscriptions[%d].symbols must not be empty", prefix, i)
		}
	}
	return nil
}
