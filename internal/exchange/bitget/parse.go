package bitget

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"github.com/phkoenig/marketfeed/internal/exchange"
	"github.com/phkoenig/marketfeed/internal/model"
)

// pushMsg is the envelope of a data frame.
type pushMsg struct {
	Action string          `json:"action"` // "snapshot" or "update"
	Arg    subArg          `json:"arg"`
	Data   json.RawMessage `json:"data"`
	TS     int64           `json:"ts"`
}

// eventMsg is the envelope of a subscribe ack or error frame.
type eventMsg struct {
	Event string `json:"event"` // "subscribe", "unsubscribe", "error"
	Arg   subArg `json:"arg"`
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
}

// Parse implements exchange.Protocol.
func (p *Protocol) Parse(raw []byte, receivedAt time.Time) (exchange.Inbound, error) {
	// Keepalive reply is a bare 4-byte text frame, not JSON.
	if bytes.Equal(raw, []byte("pong")) {
		return exchange.Inbound{Control: true}, nil
	}

	if event, err := jsonparser.GetUnsafeString(raw, "event"); err == nil {
		return p.parseEvent(raw, event)
	}

	if _, err := jsonparser.GetUnsafeString(raw, "action"); err == nil {
		return p.parsePush(raw, receivedAt)
	}

	return exchange.Inbound{}, fmt.Errorf("unrecognized frame shape")
}

func (p *Protocol) parseEvent(raw []byte, event string) (exchange.Inbound, error) {
	var msg eventMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode event frame: %w", err)
	}

	sub := exchange.Subscription{Channel: msg.Arg.Channel, Symbol: msg.Arg.InstID}
	switch event {
	case "subscribe":
		return exchange.Inbound{Acks: []exchange.Ack{{Sub: sub, OK: true}}}, nil
	case "unsubscribe":
		// Removal is already reflected in the desired set; nothing to ack.
		return exchange.Inbound{Control: true}, nil
	case "error":
		if sub.Channel == "" && sub.Symbol == "" {
			// Error not attributable to a subscription.
			return exchange.Inbound{}, fmt.Errorf("venue error %d: %s", msg.Code, msg.Msg)
		}
		return exchange.Inbound{Acks: []exchange.Ack{{
			Sub:    sub,
			OK:     false,
			Reason: fmt.Sprintf("code %d: %s", msg.Code, msg.Msg),
		}}}, nil
	default:
		return exchange.Inbound{}, fmt.Errorf("unknown event %q", event)
	}
}

func (p *Protocol) parsePush(raw []byte, receivedAt time.Time) (exchange.Inbound, error) {
	var msg pushMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode push frame: %w", err)
	}
	if len(msg.Data) == 0 {
		return exchange.Inbound{Control: true}, nil
	}

	base := model.Event{
		Exchange:   Name,
		MarketType: p.marketType,
		Symbol:     msg.Arg.InstID,
		ExchangeTS: exchange.UnixMillis(msg.TS),
		ReceivedAt: receivedAt,
	}

	switch {
	case msg.Arg.Channel == "ticker":
		return p.parseTickers(msg, base)
	case msg.Arg.Channel == "trade":
		return p.parseTrades(msg, base)
	case len(msg.Arg.Channel) > 6 && msg.Arg.Channel[:6] == "candle":
		return p.parseCandles(msg, base)
	case len(msg.Arg.Channel) >= 5 && msg.Arg.Channel[:5] == "books":
		return p.parseBooks(msg, base)
	default:
		return exchange.Inbound{}, fmt.Errorf("unknown channel %q", msg.Arg.Channel)
	}
}

// tickerData is one entry of a ticker push.
type tickerData struct {
	InstID     string `json:"instId"`
	LastPr     string `json:"lastPr"`
	BidPr      string `json:"bidPr"`
	AskPr      string `json:"askPr"`
	BaseVolume string `json:"baseVolume"`
	TS         string `json:"ts"`
}

func (p *Protocol) parseTickers(msg pushMsg, base model.Event) (exchange.Inbound, error) {
	var data []tickerData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode ticker data: %w", err)
	}

	events := make([]model.Event, 0, len(data))
	for _, d := range data {
		last, err := decimal.NewFromString(d.LastPr)
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("ticker lastPr %q: %w", d.LastPr, err)
		}
		ev := base
		ev.Type = model.EventTicker
		if d.InstID != "" {
			ev.Symbol = d.InstID
		}
		if ts := parseInt(d.TS); ts != 0 {
			ev.ExchangeTS = exchange.UnixMillis(ts)
		}
		ev.Ticker = &model.Ticker{
			Last:      last,
			BestBid:   optDecimal(d.BidPr),
			BestAsk:   optDecimal(d.AskPr),
			Volume24h: optDecimal(d.BaseVolume),
		}
		events = append(events, ev)
	}
	return exchange.Inbound{Events: events}, nil
}

// tradeData is one entry of a trade push.
type tradeData struct {
	TS      string `json:"ts"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	TradeID string `json:"tradeId"`
}

func (p *Protocol) parseTrades(msg pushMsg, base model.Event) (exchange.Inbound, error) {
	var data []tradeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode trade data: %w", err)
	}

	events := make([]model.Event, 0, len(data))
	for _, d := range data {
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("trade price %q: %w", d.Price, err)
		}
		size, err := decimal.NewFromString(d.Size)
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("trade size %q: %w", d.Size, err)
		}
		ev := base
		ev.Type = model.EventTrade
		if ts := parseInt(d.TS); ts != 0 {
			ev.ExchangeTS = exchange.UnixMillis(ts)
		}
		ev.Trade = &model.Trade{
			TradeID: d.TradeID,
			Price:   price,
			Size:    size,
			Side:    d.Side,
		}
		events = append(events, ev)
	}
	return exchange.Inbound{Events: events}, nil
}

func (p *Protocol) parseCandles(msg pushMsg, base model.Event) (exchange.Inbound, error) {
	// Candle entries are positional arrays:
	// [ts, open, high, low, close, baseVolume, ...].
	var data [][]string
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode candle data: %w", err)
	}

	interval := msg.Arg.Channel[len("candle"):]
	events := make([]model.Event, 0, len(data))
	for _, row := range data {
		if len(row) < 6 {
			return exchange.Inbound{}, fmt.Errorf("candle row has %d fields, want >= 6", len(row))
		}
		open, err := decimal.NewFromString(row[1])
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("candle open %q: %w", row[1], err)
		}
		high, err := decimal.NewFromString(row[2])
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("candle high %q: %w", row[2], err)
		}
		low, err := decimal.NewFromString(row[3])
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("candle low %q: %w", row[3], err)
		}
		closePr, err := decimal.NewFromString(row[4])
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("candle close %q: %w", row[4], err)
		}
		ev := base
		ev.Type = model.EventCandle
		openTime := exchange.UnixMillis(parseInt(row[0]))
		if openTime != 0 {
			ev.ExchangeTS = openTime
		}
		ev.Candle = &model.Candle{
			Interval: interval,
			OpenTime: openTime,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePr,
			Volume:   optDecimal(row[5]),
		}
		events = append(events, ev)
	}
	return exchange.Inbound{Events: events}, nil
}

// bookData is one entry of a books push.
type bookData struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	TS   string     `json:"ts"`
}

func (p *Protocol) parseBooks(msg pushMsg, base model.Event) (exchange.Inbound, error) {
	var data []bookData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return exchange.Inbound{}, fmt.Errorf("decode books data: %w", err)
	}

	events := make([]model.Event, 0, len(data))
	for _, d := range data {
		bids, err := parseLevels(d.Bids)
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("book bids: %w", err)
		}
		asks, err := parseLevels(d.Asks)
		if err != nil {
			return exchange.Inbound{}, fmt.Errorf("book asks: %w", err)
		}
		ev := base
		ev.Type = model.EventBookDelta
		if ts := parseInt(d.TS); ts != 0 {
			ev.ExchangeTS = exchange.UnixMillis(ts)
		}
		ev.BookDelta = &model.BookDelta{
			Snapshot: msg.Action == "snapshot",
			Bids:     bids,
			Asks:     asks,
		}
		events = append(events, ev)
	}
	return exchange.Inbound{Events: events}, nil
}

func parseLevels(rows [][]string) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level has %d fields, want 2", len(row))
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
