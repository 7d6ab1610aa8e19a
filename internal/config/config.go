package config

import "time"

// FeedConfig is the root configuration for a feed daemon instance.
type FeedConfig struct {
	Instance   InstanceConfig            `yaml:"instance"`
	Exchanges  map[string]ExchangeConfig `yaml:"exchanges"`
	Connection ConnectionConfig          `yaml:"connection"`
	Dispatcher DispatcherConfig          `yaml:"dispatcher"`
	Health     HealthConfig              `yaml:"health"`
}

// InstanceConfig identifies this feed daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ExchangeConfig holds settings for one venue, keyed by exchange name
// ("bitget", "kucoin"). One connection is opened per listed market type.
type ExchangeConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MarketTypes []string `yaml:"market_types"`
	WSURL       string   `yaml:"ws_url"`
	RestURL     string   `yaml:"rest_url"`

	// Credentials for token-gated or private endpoints. Values support
	// ${VAR} expansion; leave empty to fall back to environment lookup.
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// SubscriptionConfig declares desired channels for a set of symbols.
type SubscriptionConfig struct {
	Channel string   `yaml:"channel"`
	Symbols []string `yaml:"symbols"`
}

// ConnectionConfig holds reconnect and transport settings shared by all
// connections.
type ConnectionConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxRetries         int           `yaml:"max_retries"` // <= 0 retries forever
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// DispatcherConfig holds event fan-out settings.
type DispatcherConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	Policy         string        `yaml:"policy"` // drop_oldest or block
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// HealthConfig holds the HTTP status endpoint settings.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}
