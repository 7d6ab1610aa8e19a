// Package kucoin implements the KuCoin WebSocket protocol for the futures
// and spot markets.
//
// KuCoin gates its WebSocket behind a two-phase handshake: a REST "bullet"
// request returns a short-lived token and the socket endpoint, and the dial
// URL embeds the token as a query parameter. Keepalive is a JSON ping with a
// correlation ID every 18 seconds; the server answers with a matching pong.
package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phkoenig/marketfeed/internal/auth"
	"github.com/phkoenig/marketfeed/internal/exchange"
	"github.com/phkoenig/marketfeed/internal/model"
)

const (
	Name = "kucoin"

	defaultFuturesRestURL = "https://api-futures.kucoin.com"
	defaultSpotRestURL    = "https://api.kucoin.com"

	// Documented cadence is 18s with a 10s server-side tolerance.
	pingInterval = 18 * time.Second
)

func init() {
	exchange.Register(Name, func(cfg exchange.Config) (exchange.Protocol, error) {
		return New(cfg, nil)
	})
}

// Protocol implements exchange.Protocol for KuCoin.
type Protocol struct {
	marketType model.MarketType
	tokens     *tokenSource
	logger     *slog.Logger

	// Request ID correlation: acks and error replies reference only the ID
	// of the subscribe request, so pending IDs are remembered until
	// resolved. Reset on every handshake since IDs do not survive the
	// socket.
	pendingMu sync.Mutex
	pending   map[string]exchange.Subscription
}

// New creates a KuCoin protocol instance. httpClient may be nil.
func New(cfg exchange.Config, httpClient *http.Client) (*Protocol, error) {
	restURL := strings.TrimSpace(cfg.RestURL)
	switch cfg.MarketType {
	case model.MarketFutures:
		if restURL == "" {
			restURL = defaultFuturesRestURL
		}
	case model.MarketSpot:
		if restURL == "" {
			restURL = defaultSpotRestURL
		}
	default:
		return nil, errors.New("kucoin: unknown market type " + string(cfg.MarketType))
	}

	var creds auth.Credentials
	private := false
	if cfg.Credentials != nil {
		if c, ok := cfg.Credentials.Credentials(Name); ok {
			creds, private = c, true
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Protocol{
		marketType: cfg.MarketType,
		tokens:     newTokenSource(restURL, httpClient, creds, private),
		logger:     logger.With("exchange", Name),
		pending:    make(map[string]exchange.Subscription),
	}, nil
}

// Name implements exchange.Protocol.
func (p *Protocol) Name() string { return Name }

// MarketType implements exchange.Protocol.
func (p *Protocol) MarketType() model.MarketType { return p.marketType }

// TokenGated implements exchange.Protocol. Every connection starts with a
// bullet token request.
func (p *Protocol) TokenGated() bool { return true }

// Handshake performs the bullet request. Called on every (re)connect and
// whenever the supervisor refreshes an expiring token.
func (p *Protocol) Handshake(ctx context.Context) (exchange.Session, error) {
	p.pendingMu.Lock()
	p.pending = make(map[string]exchange.Subscription)
	p.pendingMu.Unlock()

	return p.tokens.acquire(ctx)
}

// PingInterval implements exchange.Protocol.
func (p *Protocol) PingInterval() time.Duration { return pingInterval }

// pingRequest is the keepalive frame: {id, type} only.
type pingRequest struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// wsRequest is the subscribe/unsubscribe frame. privateChannel and response
// are always serialized; the live venue expects the full shape.
type wsRequest struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// PingFrame implements exchange.Protocol.
func (p *Protocol) PingFrame() []byte {
	frame, _ := json.Marshal(pingRequest{ID: uuid.NewString(), Type: "ping"})
	return frame
}

// SubscribeFrame implements exchange.Protocol.
func (p *Protocol) SubscribeFrame(sub exchange.Subscription) ([]byte, error) {
	topic, err := p.topic(sub)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	p.pendingMu.Lock()
	p.pending[id] = sub
	p.pendingMu.Unlock()

	return json.Marshal(wsRequest{
		ID:       id,
		Type:     "subscribe",
		Topic:    topic,
		Response: true,
	})
}

// UnsubscribeFrame implements exchange.Protocol.
func (p *Protocol) UnsubscribeFrame(sub exchange.Subscription) ([]byte, error) {
	topic, err := p.topic(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsRequest{
		ID:       uuid.NewString(),
		Type:     "unsubscribe",
		Topic:    topic,
		Response: true,
	})
}

// topic maps a venue-agnostic (channel, symbol) pair onto the KuCoin topic
// namespace, which differs between the futures and spot markets.
func (p *Protocol) topic(sub exchange.Subscription) (string, error) {
	symbol := strings.TrimSpace(sub.Symbol)
	if symbol == "" || sub.Channel == "" {
		return "", errors.New("kucoin: empty symbol or channel")
	}

	if p.marketType == model.MarketFutures {
		switch sub.Channel {
		case "ticker":
			return "/contractMarket/ticker:" + symbol, nil
		case "level2":
			return "/contractMarket/level2:" + symbol, nil
		case "trade", "execution":
			return "/contractMarket/execution:" + symbol, nil
		default:
			return "/contractMarket/" + sub.Channel + ":" + symbol, nil
		}
	}

	switch {
	case sub.Channel == "ticker":
		return "/market/ticker:" + symbol, nil
	case sub.Channel == "level2":
		return "/market/level2:" + symbol, nil
	case sub.Channel == "trade":
		return "/market/match:" + symbol, nil
	case strings.HasPrefix(sub.Channel, "candle"):
		interval := strings.TrimPrefix(sub.Channel, "candle")
		return "/market/candles:" + symbol + "_" + interval, nil
	default:
		return "/market/" + sub.Channel + ":" + symbol, nil
	}
}

// resolvePending returns and clears the subscription a request ID belongs to.
func (p *Protocol) resolvePending(id string) (exchange.Subscription, bool) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	sub, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return sub, ok
}
