package kucoin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/phkoenig/marketfeed/internal/exchange"
	"github.com/phkoenig/marketfeed/internal/model"
)

func sub(channel, symbol string) exchange.Subscription {
	return exchange.Subscription{Channel: channel, Symbol: symbol}
}

func frameID(t *testing.T, frame []byte) string {
	t.Helper()
	var req wsRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return req.ID
}

func TestParse_WelcomeAndPong(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)

	for _, raw := range []string{
		`{"id":"abc","type":"welcome"}`,
		`{"id":"def","type":"pong"}`,
	} {
		in, err := p.Parse([]byte(raw), time.Now())
		if err != nil {
			t.Fatalf("Parse(%s) failed: %v", raw, err)
		}
		if !in.Control {
			t.Errorf("%s not flagged as control", raw)
		}
	}
}

func TestParse_AckResolvesPending(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)

	frame, err := p.SubscribeFrame(sub("ticker", "XBTUSDTM"))
	if err != nil {
		t.Fatalf("SubscribeFrame failed: %v", err)
	}
	id := frameID(t, frame)

	in, err := p.Parse([]byte(`{"id":"`+id+`","type":"ack"}`), time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(in.Acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(in.Acks))
	}
	ack := in.Acks[0]
	if !ack.OK || ack.Sub.Channel != "ticker" || ack.Sub.Symbol != "XBTUSDTM" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestParse_AckUnknownIDIsControl(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)

	in, err := p.Parse([]byte(`{"id":"never-sent","type":"ack"}`), time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !in.Control || len(in.Acks) != 0 {
		t.Errorf("inbound = %+v, want plain control", in)
	}
}

func TestParse_ErrorResolvesPending(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)

	frame, err := p.SubscribeFrame(sub("ticker", "NOPE"))
	if err != nil {
		t.Fatalf("SubscribeFrame failed: %v", err)
	}
	id := frameID(t, frame)

	in, err := p.Parse([]byte(`{"id":"`+id+`","type":"error","code":404,"data":"topic /contractMarket/ticker:NOPE not found"}`), time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(in.Acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(in.Acks))
	}
	ack := in.Acks[0]
	if ack.OK || ack.Sub.Symbol != "NOPE" || ack.Reason == "" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestParse_UncorrelatedErrorFails(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)

	if _, err := p.Parse([]byte(`{"id":"stray","type":"error","code":401,"data":"token expired"}`), time.Now()); err == nil {
		t.Error("uncorrelated error must fail parsing")
	}
}

func TestParse_FuturesTicker(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)
	raw := []byte(`{
		"type":"message",
		"topic":"/contractMarket/ticker:XBTUSDTM",
		"subject":"ticker",
		"data":{
			"symbol":"XBTUSDTM",
			"price":"88650.0",
			"bestBidPrice":"88649.5",
			"bestAskPrice":"88650.5",
			"ts":1756400000000000000
		}
	}`)

	in, err := p.Parse(raw, time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(in.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(in.Events))
	}

	ev := in.Events[0]
	if ev.Type != model.EventTicker || ev.Symbol != "XBTUSDTM" {
		t.Errorf("event = %s %s", ev.Type, ev.Symbol)
	}
	// Futures ts is nanoseconds; normalized to milliseconds.
	if ev.ExchangeTS != 1756400000000 {
		t.Errorf("exchangeTS = %d, want 1756400000000", ev.ExchangeTS)
	}
	if ev.Ticker.Last.String() != "88650" {
		t.Errorf("last = %s", ev.Ticker.Last)
	}
	if ev.Ticker.BestBid.String() != "88649.5" || ev.Ticker.BestAsk.String() != "88650.5" {
		t.Errorf("bid/ask = %s/%s", ev.Ticker.BestBid, ev.Ticker.BestAsk)
	}
}

func TestParse_SpotTicker(t *testing.T) {
	p := newTestProtocol(t, model.MarketSpot)
	raw := []byte(`{
		"type":"message",
		"topic":"/market/ticker:BTC-USDT",
		"subject":"trade.ticker",
		"data":{
			"price":"88650.1",
			"bestBid":"88649.9",
			"bestAsk":"88650.3",
			"time":1756400000123
		}
	}`)

	in, err := p.Parse(raw, time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ev := in.Events[0]
	// Symbol falls back to the topic when the payload omits it.
	if ev.Symbol != "BTC-USDT" {
		t.Errorf("symbol = %q", ev.Symbol)
	}
	if ev.ExchangeTS != 1756400000123 {
		t.Errorf("exchangeTS = %d", ev.ExchangeTS)
	}
	if ev.Ticker.BestBid.String() != "88649.9" {
		t.Errorf("bestBid = %s", ev.Ticker.BestBid)
	}
}

func TestParse_TickerBadPriceFailsClosed(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)
	raw := []byte(`{"type":"message","topic":"/contractMarket/ticker:XBTUSDTM","data":{"price":"n/a"}}`)

	if _, err := p.Parse(raw, time.Now()); err == nil {
		t.Error("malformed price must fail the frame")
	}
}

func TestParse_SpotMatch(t *testing.T) {
	p := newTestProtocol(t, model.MarketSpot)
	raw := []byte(`{
		"type":"message",
		"topic":"/market/match:BTC-USDT",
		"subject":"trade.l3match",
		"data":{
			"symbol":"BTC-USDT",
			"side":"sell",
			"price":"88650.2",
			"size":"0.005",
			"tradeId":"m-99",
			"time":"1756400000000000000"
		}
	}`)

	in, err := p.Parse(raw, time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ev := in.Events[0]
	if ev.Type != model.EventTrade {
		t.Errorf("type = %v", ev.Type)
	}
	if ev.Trade.Side != "sell" || ev.Trade.TradeID != "m-99" {
		t.Errorf("trade = %+v", ev.Trade)
	}
	// Spot time is a nanosecond string; normalized to milliseconds.
	if ev.ExchangeTS != 1756400000000 {
		t.Errorf("exchangeTS = %d", ev.ExchangeTS)
	}
}

func TestParse_FuturesExecution(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)
	raw := []byte(`{
		"type":"message",
		"topic":"/contractMarket/execution:XBTUSDTM",
		"subject":"match",
		"data":{
			"symbol":"XBTUSDTM",
			"side":"buy",
			"price":"88651",
			"size":"3",
			"tradeId":"e-1",
			"ts":1756400000000000000
		}
	}`)

	in, err := p.Parse(raw, time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if in.Events[0].Trade.Side != "buy" || in.Events[0].ExchangeTS != 1756400000000 {
		t.Errorf("event = %+v", in.Events[0])
	}
}

func TestParse_FuturesLevel2(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)
	raw := []byte(`{
		"type":"message",
		"topic":"/contractMarket/level2:XBTUSDTM",
		"subject":"level2",
		"data":{"sequence":18,"change":"88649.0,buy,10","timestamp":1756400000000}
	}`)

	in, err := p.Parse(raw, time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	bd := in.Events[0].BookDelta
	if bd.Sequence != 18 {
		t.Errorf("sequence = %d", bd.Sequence)
	}
	if len(bd.Bids) != 1 || len(bd.Asks) != 0 {
		t.Fatalf("levels = %d bids / %d asks", len(bd.Bids), len(bd.Asks))
	}
	if bd.Bids[0].Price.String() != "88649" || bd.Bids[0].Size.String() != "10" {
		t.Errorf("bid = %+v", bd.Bids[0])
	}
}

func TestParse_FuturesLevel2BadChange(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)
	raw := []byte(`{"type":"message","topic":"/contractMarket/level2:XBTUSDTM","data":{"change":"88649.0,buy"}}`)

	if _, err := p.Parse(raw, time.Now()); err == nil {
		t.Error("malformed change must fail the frame")
	}
}

func TestParse_SpotLevel2(t *testing.T) {
	p := newTestProtocol(t, model.MarketSpot)
	raw := []byte(`{
		"type":"message",
		"topic":"/market/level2:BTC-USDT",
		"subject":"trade.l2update",
		"data":{
			"symbol":"BTC-USDT",
			"sequenceStart":100,
			"sequenceEnd":102,
			"changes":{
				"asks":[["88651","0.7","101"],["0","1","102"]],
				"bids":[["88649","2.1","100"]]
			},
			"time":1756400000500
		}
	}`)

	in, err := p.Parse(raw, time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	bd := in.Events[0].BookDelta
	if bd.Sequence != 102 {
		t.Errorf("sequence = %d", bd.Sequence)
	}
	// The "0"-price change is skipped.
	if len(bd.Asks) != 1 || len(bd.Bids) != 1 {
		t.Errorf("levels = %d asks / %d bids", len(bd.Asks), len(bd.Bids))
	}
}

func TestParse_SpotCandles(t *testing.T) {
	p := newTestProtocol(t, model.MarketSpot)
	raw := []byte(`{
		"type":"message",
		"topic":"/market/candles:BTC-USDT_1min",
		"subject":"trade.candles.update",
		"data":{
			"symbol":"BTC-USDT",
			"candles":["1756400040","88600.1","88650.2","88700.3","88550.4","12.5","1108125.6"],
			"time":1756400041000
		}
	}`)

	in, err := p.Parse(raw, time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ev := in.Events[0]
	if ev.Symbol != "BTC-USDT" {
		t.Errorf("symbol = %q", ev.Symbol)
	}

	c := ev.Candle
	if c.Interval != "1min" {
		t.Errorf("interval = %q", c.Interval)
	}
	// Candle start is seconds; normalized to milliseconds.
	if c.OpenTime != 1756400040000 {
		t.Errorf("openTime = %d", c.OpenTime)
	}
	// Row order is open, close, high, low.
	if c.Open.String() != "88600.1" || c.Close.String() != "88650.2" ||
		c.High.String() != "88700.3" || c.Low.String() != "88550.4" {
		t.Errorf("ohlc = %s/%s/%s/%s", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume.String() != "12.5" {
		t.Errorf("volume = %s", c.Volume)
	}
}

func TestParse_UnknownTopic(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)
	raw := []byte(`{"type":"message","topic":"/contractMarket/fundingRate:XBTUSDTM","data":{}}`)

	if _, err := p.Parse(raw, time.Now()); err == nil {
		t.Error("unknown topic must fail parsing")
	}
}

func TestParse_MissingType(t *testing.T) {
	p := newTestProtocol(t, model.MarketFutures)

	if _, err := p.Parse([]byte(`{"topic":"/market/ticker:BTC-USDT"}`), time.Now()); err == nil {
		t.Error("frame without type must fail parsing")
	}
}
