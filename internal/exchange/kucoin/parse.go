package kucoin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"github.com/phkoenig/marketfeed/internal/exchange"
	"github.com/phkoenig/marketfeed/internal/model"
)

// pushMsg is the server-to-client frame envelope.
type pushMsg struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"` // welcome, ack, pong, error, message
	Code    int             `json:"code"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// Parse implements exchange.Protocol.
func (p *Protocol) Parse(raw []byte, receivedAt time.Time) (exchange.Inbound, error) {
	msgType, err := jsonparser.GetUnsafeString(raw, "type")
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("frame missing type field")
	}

	switch msgType {
	case "welcome", "pong":
		return exchange.Inbound{Control: true}, nil

	case "ack":
		id, _ := jsonparser.GetString(raw, "id")
		if sub, ok := p.resolvePending(id); ok {
			return exchange.Inbound{Acks: []exchange.Ack{{Sub: sub, OK: true}}}, nil
		}
		// Ack for an unsubscribe or an unknown request; consume silently.
		return exchange.Inbound{Control: true}, nil

	case "error":
		var msg pushMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return exchange.Inbound{}, fmt.Errorf("decode error frame: %w", err)
		}
		reason := fmt.Sprintf("code %d: %s", msg.Code, string(msg.Data))
		if sub, ok := p.resolvePending(msg.ID); ok {
			return exchange.Inbound{Acks: []exchange.Ack{{Sub: sub, OK: false, Reason: reason}}}, nil
		}
		// Error not correlated to a pending subscribe.
		return exchange.Inbound{}, fmt.Errorf("venue error: %s", reason)

	case "message":
		var msg pushMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return exchange.Inbound{}, fmt.Errorf("decode message frame: %w", err)
		}
		return p.parseMessage(msg, receivedAt)

	default:
		return exchange.Inbound{}, fmt.Errorf("unknown frame type %q", msgType)
	}
}

// parseMessage routes a data frame by its topic path.
func (p *Protocol) parseMessage(msg pushMsg, receivedAt time.Time) (exchange.Inbound, error) {
	path, symbol := splitTopic(msg.Topic)

	base := model.Event{
		Exchange:   Name,
		MarketType: p.marketType,
		Symbol:     symbol,
		ReceivedAt: receivedAt,
	}

	switch {
	case strings.HasSuffix(path, "/ticker"):
		return p.parseTicker(msg, base)
	case strings.HasSuffix(path, "/execution"), strings.HasSuffix(path, "/match"):
		return p.parseTrade(msg, base)
	case strings.HasSuffix(path, "/level2"):
		return p.parseLevel2(msg, base)
	case strings.HasSuffix(path, "/candles"):
		return p.parseCandle(msg, base)
	default:
		return exchange.Inbound{}, fmt.Errorf("unknown topic %q", msg.Topic)
	}
}

// splitTopic separates "/contractMarket/ticker:BTCUSDT" into path and
// instrument. Candle topics suffix the instrument with the interval
// ("BTC-USDT_1min"), which is stripped here.
func splitTopic(topic string) (path, symbol string) {
	path = topic
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		path, symbol = topic[:i], topic[i+1:]
	}
	if i := strings.IndexByte(symbol, '_'); i >= 0 {
		symbol = symbol[:i]
	}
	return path, symbol
}

// tickerData covers both market shapes. Futures reports bestBidPrice/
// bestAskPrice and a nanosecond ts; spot reports bestBid/bestAsk and a
// millisecond time.
type tickerData struct {
	Symbol       string `json:"symbol"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	BestBidPrice string `json:"bestBidPrice"`
	BestAskPrice string `json:"bestAskPrice"`
	BestBid      string `json:"bestBid"`
	BestAsk      string `json:"bestAsk"`
	TS           int64  `json:"ts"`
	Time         int64  `json:"time"`
}

func (p *Protocol) parseTicker(msg pushMsg, base model.Event) (exchange.Inbound, error) {
	var d tickerData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode ticker data: %w", err)
	}

	last, err := decimal.NewFromString(d.Price)
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("ticker price %q: %w", d.Price, err)
	}

	bid, ask := d.BestBidPrice, d.BestAskPrice
	if bid == "" {
		bid = d.BestBid
	}
	if ask == "" {
		ask = d.BestAsk
	}

	ev := base
	ev.Type = model.EventTicker
	if d.Symbol != "" {
		ev.Symbol = d.Symbol
	}
	ev.ExchangeTS = exchange.UnixMillis(firstNonZero(d.TS, d.Time))
	ev.Ticker = &model.Ticker{
		Last:    last,
		BestBid: optDecimal(bid),
		BestAsk: optDecimal(ask),
	}
	return exchange.Inbound{Events: []model.Event{ev}}, nil
}

// tradeData covers futures executions and spot matches. Timestamps arrive as
// a numeric ts (futures) or a string time (spot), both in nanoseconds.
type tradeData struct {
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	TradeID string `json:"tradeId"`
	TS      int64  `json:"ts"`
	Time    string `json:"time"`
}

func (p *Protocol) parseTrade(msg pushMsg, base model.Event) (exchange.Inbound, error) {
	var d tradeData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode trade data: %w", err)
	}

	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("trade price %q: %w", d.Price, err)
	}
	size, err := decimal.NewFromString(d.Size)
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("trade size %q: %w", d.Size, err)
	}

	ts := d.TS
	if ts == 0 && d.Time != "" {
		ts = parseInt(d.Time)
	}

	ev := base
	ev.Type = model.EventTrade
	if d.Symbol != "" {
		ev.Symbol = d.Symbol
	}
	ev.ExchangeTS = exchange.UnixMillis(ts)
	ev.Trade = &model.Trade{
		TradeID: d.TradeID,
		Price:   price,
		Size:    size,
		Side:    d.Side,
	}
	return exchange.Inbound{Events: []model.Event{ev}}, nil
}

// level2SpotData is the spot incremental book shape.
type level2SpotData struct {
	Symbol        string `json:"symbol"`
	SequenceStart int64  `json:"sequenceStart"`
	SequenceEnd   int64  `json:"sequenceEnd"`
	Changes       struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	} `json:"changes"`
	Time int64 `json:"time"`
}

// level2FuturesData is the futures incremental book shape: one change per
// frame encoded as "price,side,size".
type level2FuturesData struct {
	Sequence  int64  `json:"sequence"`
	Change    string `json:"change"`
	Timestamp int64  `json:"timestamp"`
}

func (p *Protocol) parseLevel2(msg pushMsg, base model.Event) (exchange.Inbound, error) {
	if p.marketType == model.MarketFutures {
		var d level2FuturesData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return exchange.Inbound{}, fmt.Errorf("decode level2 data: %w", err)
		}
		parts := strings.Split(d.Change, ",")
		if len(parts) != 3 {
			return exchange.Inbound{}, fmt.Errorf("level2 change %q: want price,side,size", d.Change)
		}
		price, err := decimal.NewFromString(parts[0])
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("level2 price %q: %w", parts[0], err)
		}
		size, err := decimal.NewFromString(parts[2])
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("level2 size %q: %w", parts[2], err)
		}

		level := model.PriceLevel{Price: price, Size: size}
		delta := &model.BookDelta{Sequence: d.Sequence}
		switch parts[1] {
		case "buy":
			delta.Bids = []model.PriceLevel{level}
		case "sell":
			delta.Asks = []model.PriceLevel{level}
		default:
			return exchange.Inbound{}, fmt.Errorf("level2 side %q", parts[1])
		}

		ev := base
		ev.Type = model.EventBookDelta
		ev.ExchangeTS = exchange.UnixMillis(d.Timestamp)
		ev.BookDelta = delta
		return exchange.Inbound{Events: []model.Event{ev}}, nil
	}

	var d level2SpotData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode level2 data: %w", err)
	}
	bids, err := parseChangeLevels(d.Changes.Bids)
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("level2 bids: %w", err)
	}
	asks, err := parseChangeLevels(d.Changes.Asks)
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("level2 asks: %w", err)
	}

	ev := base
	ev.Type = model.EventBookDelta
	if d.Symbol != "" {
		ev.Symbol = d.Symbol
	}
	ev.ExchangeTS = exchange.UnixMillis(d.Time)
	ev.BookDelta = &model.BookDelta{
		Sequence: d.SequenceEnd,
		Bids:     bids,
		Asks:     asks,
	}
	return exchange.Inbound{Events: []model.Event{ev}}, nil
}

// parseChangeLevels decodes [price, size, sequence] rows. A price of "0"
// marks a change relative to an untracked level and is skipped.
func parseChangeLevels(rows [][]string) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("change row has %d fields, want >= 2", len(row))
		}
		if row[0] == "0" {
			continue
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", row[0], err)
		}
		size, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", row[1], err)
		}
		levels = append(levels, model.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

// candleData is the spot candles shape: positional rows of
// [start(s), open, close, high, low, volume, turnover].
type candleData struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"`
	Time    int64    `json:"time"`
}

func (p *Protocol) parseCandle(msg pushMsg, base model.Event) (exchange.Inbound, error) {
	var d candleData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode candle data: %w", err)
	}
	if len(d.Candles) < 6 {
		return exchange.Inbound{}, fmt.Errorf("candle row has %d fields, want >= 6", len(d.Candles))
	}

	open, err := decimal.NewFromString(d.Candles[1])
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("candle open %q: %w", d.Candles[1], err)
	}
	closePr, err := decimal.NewFromString(d.Candles[2])
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("candle close %q: %w", d.Candles[2], err)
	}
	high, err := decimal.NewFromString(d.Candles[3])
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("candle high %q: %w", d.Candles[3], err)
	}
	low, err := decimal.NewFromString(d.Candles[4])
	if err != nil {
		return exchange.Inbound{}, fmt.Errorf("candle low %q: %w", d.Candles[4], err)
	}

	interval := ""
	if i := strings.LastIndexByte(msg.Topic, '_'); i >= 0 {
		interval = msg.Topic[i+1:]
	}

	ev := base
	ev.Type = model.EventCandle
	if d.Symbol != "" {
		ev.Symbol = d.Symbol
	}
	openTime := exchange.UnixMillis(parseInt(d.Candles[0]))
	ev.ExchangeTS = exchange.UnixMillis(d.Time)
	if ev.ExchangeTS == 0 {
		ev.ExchangeTS = openTime
	}
	ev.Candle = &model.Candle{
		Interval: interval,
		OpenTime: openTime,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePr,
		Volume:   optDecimal(d.Candles[5]),
	}
	return exchange.Inbound{Events: []model.Event{ev}}, nil
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// optDecimal parses a wire decimal, returning zero for absent fields.
func optDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}
