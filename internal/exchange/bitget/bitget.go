// Package bitget implements the Bitget WebSocket v2 protocol.
//
// Bitget serves public market data on a single fixed endpoint with no
// authentication. Keepalive is the literal text "ping" every 30 seconds,
// answered by the literal text "pong".
package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/phkoenig/marketfeed/internal/exchange"
	"github.com/phkoenig/marketfeed/internal/model"
)

const (
	Name = "bitget"

	defaultWSURL = "wss://ws.bitget.com/v2/ws/public"
	pingInterval = 30 * time.Second
)

func init() {
	exchange.Register(Name, func(cfg exchange.Config) (exchange.Protocol, error) {
		return New(cfg)
	})
}

// Protocol implements exchange.Protocol for Bitget.
type Protocol struct {
	wsURL      string
	marketType model.MarketType
	instType   string
	logger     *slog.Logger
}

// New creates a Bitget protocol instance.
func New(cfg exchange.Config) (*Protocol, error) {
	wsURL := strings.TrimSpace(cfg.WSURL)
	if wsURL == "" {
		wsURL = defaultWSURL
	}

	var instType string
	switch cfg.MarketType {
	case model.MarketFutures:
		instType = "USDT-FUTURES"
	case model.MarketSpot:
		instType = "SPOT"
	default:
		return nil, errors.New("bitget: unknown market type " + string(cfg.MarketType))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Protocol{
		wsURL:      wsURL,
		marketType: cfg.MarketType,
		instType:   instType,
		logger:     logger.With("exchange", Name),
	}, nil
}

// Name implements exchange.Protocol.
func (p *Protocol) Name() string { return Name }

// MarketType implements exchange.Protocol.
func (p *Protocol) MarketType() model.MarketType { return p.marketType }

// TokenGated implements exchange.Protocol. Public channels need no token.
func (p *Protocol) TokenGated() bool { return false }

// Handshake returns the fixed public endpoint. No token is required for
// public channels.
func (p *Protocol) Handshake(ctx context.Context) (exchange.Session, error) {
	return exchange.Session{URL: p.wsURL}, nil
}

// PingInterval implements exchange.Protocol.
func (p *Protocol) PingInterval() time.Duration { return pingInterval }

// PingFrame returns the bare-text keepalive. The v2 API rejects JSON pings.
func (p *Protocol) PingFrame() []byte { return []byte("ping") }

// subRequest is the subscribe/unsubscribe wire format.
type subRequest struct {
	Op   string   `json:"op"`
	Args []subArg `json:"args"`
}

type subArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

// SubscribeFrame implements exchange.Protocol.
func (p *Protocol) SubscribeFrame(sub exchange.Subscription) ([]byte, error) {
	return p.opFrame("subscribe", sub)
}

// UnsubscribeFrame implements exchange.Protocol.
func (p *Protocol) UnsubscribeFrame(sub exchange.Subscription) ([]byte, error) {
	return p.opFrame("unsubscribe", sub)
}

func (p *Protocol) opFrame(op string, sub exchange.Subscription) ([]byte, error) {
	symbol := CleanSymbol(sub.Symbol)
	if symbol == "" || sub.Channel == "" {
		return nil, errors.New("bitget: empty symbol or channel")
	}
	return json.Marshal(subRequest{
		Op:   op,
		Args: []subArg{{InstType: p.instType, Channel: sub.Channel, InstID: symbol}},
	})
}

// CleanSymbol strips legacy v1 suffixes ("BTCUSDT_UMCBL" -> "BTCUSDT"). The
// v2 API addresses instruments without a suffix.
func CleanSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if i := strings.IndexByte(symbol, '_'); i >= 0 {
		return symbol[:i]
	}
	return symbol
}
