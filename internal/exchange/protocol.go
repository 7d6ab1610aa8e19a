// Package exchange defines the per-venue capability interface consumed by
// the connection supervisor. Each venue implements Protocol once as a plain
// struct; transport, retry and subscription bookkeeping stay venue-agnostic.
package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/phkoenig/marketfeed/internal/auth"
	"github.com/phkoenig/marketfeed/internal/model"
)

// Session carries everything needed to open one WebSocket connection.
type Session struct {
	URL string // full dial URL, token embedded as query parameter where required

	// Expiry is the time by which the session must be re-acquired. Providers
	// apply their safety margin before returning, so the supervisor treats
	// this as a hard refresh deadline. Zero for public endpoints that never
	// expire.
	Expiry time.Time
}

// Subscription identifies one (channel, symbol) pair on a connection.
type Subscription struct {
	Channel string // venue-agnostic channel name: "ticker", "trade", "candle1m", ...
	Symbol  string // exchange-native instrument ID
}

// Ack is a positive or negative subscription acknowledgment extracted from
// an inbound frame.
type Ack struct {
	Sub    Subscription
	OK     bool
	Reason string // set when OK is false
}

// Inbound is the parsed form of one raw frame. A frame may carry market
// events, subscription acks, or be pure protocol control (pong, welcome),
// in which case all fields are zero and Control is true.
type Inbound struct {
	Events  []model.Event
	Acks    []Ack
	Control bool // pong/welcome/other frames consumed internally
}

// Protocol is the capability set a venue must provide. Implementations are
// created per connection and may keep connection-scoped state (e.g. request
// ID correlation); they are only ever used from the owning supervisor's
// goroutine plus SubscribeFrame/UnsubscribeFrame calls serialized by the
// subscription manager.
type Protocol interface {
	// Name returns the exchange identifier, e.g. "bitget".
	Name() string

	// MarketType returns the venue segment this protocol instance serves.
	MarketType() model.MarketType

	// TokenGated reports whether Handshake performs a credentialed token
	// request rather than returning a fixed URL. Token-gated connections
	// pass through Authenticating on every cycle and reconnect before the
	// session expires.
	TokenGated() bool

	// Handshake acquires dial parameters. Public venues return a fixed URL;
	// token-gated venues perform the REST token request. Must be safe to
	// call repeatedly.
	Handshake(ctx context.Context) (Session, error)

	// PingInterval is the venue's keepalive cadence. The supervisor sends
	// PingFrame on this interval and treats 2x the interval without inbound
	// traffic as a stale connection.
	PingInterval() time.Duration

	// PingFrame returns the next keepalive payload. Called once per ping so
	// venues with correlation IDs can mint a fresh one.
	PingFrame() []byte

	// SubscribeFrame and UnsubscribeFrame build the wire request for one
	// subscription.
	SubscribeFrame(sub Subscription) ([]byte, error)
	UnsubscribeFrame(sub Subscription) ([]byte, error)

	// Parse maps one raw inbound frame to canonical events and acks. A
	// payload that cannot be mapped returns an error; the supervisor turns
	// it into a protocol_error control event and keeps the connection up.
	Parse(raw []byte, receivedAt time.Time) (Inbound, error)
}

// Config is passed to protocol factories.
type Config struct {
	MarketType  model.MarketType
	WSURL       string // public WebSocket endpoint (venues with fixed endpoints)
	RestURL     string // REST base for token handshakes
	Credentials auth.Lookup
	Logger      *slog.Logger
}
