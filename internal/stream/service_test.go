package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phkoenig/marketfeed/internal/connection"
	"github.com/phkoenig/marketfeed/internal/dispatch"
	"github.com/phkoenig/marketfeed/internal/exchange"
	"github.com/phkoenig/marketfeed/internal/model"
)

// testVenue is registered once for the whole package. Its WSURL comes from
// the per-test endpoint override.
const testVenue = "testvenue"

func init() {
	exchange.Register(testVenue, func(cfg exchange.Config) (exchange.Protocol, error) {
		return &venueProtocol{url: cfg.WSURL, marketType: cfg.MarketType}, nil
	})
}

// venueProtocol speaks a trivial line protocol: any subscribe is answered by
// the test server with "ack", and any other inbound frame is a ticker.
type venueProtocol struct {
	url        string
	marketType model.MarketType
}

func (v *venueProtocol) Name() string                 { return testVenue }
func (v *venueProtocol) MarketType() model.MarketType { return v.marketType }
func (v *venueProtocol) PingInterval() time.Duration  { return time.Hour }
func (v *venueProtocol) PingFrame() []byte            { return []byte("ping") }
func (v *venueProtocol) TokenGated() bool             { return false }

func (v *venueProtocol) Handshake(ctx context.Context) (exchange.Session, error) {
	return exchange.Session{URL: v.url}, nil
}

func (v *venueProtocol) SubscribeFrame(sub exchange.Subscription) ([]byte, error) {
	return []byte("subscribe " + sub.Channel + " " + sub.Symbol), nil
}

func (v *venueProtocol) UnsubscribeFrame(sub exchange.Subscription) ([]byte, error) {
	return []byte("unsubscribe " + sub.Channel + " " + sub.Symbol), nil
}

func (v *venueProtocol) Parse(raw []byte, receivedAt time.Time) (exchange.Inbound, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 3 && fields[0] == "ack" {
		return exchange.Inbound{Acks: []exchange.Ack{{
			Sub: exchange.Subscription{Channel: fields[1], Symbol: fields[2]},
			OK:  true,
		}}}, nil
	}
	return exchange.Inbound{Events: []model.Event{{
		Type:       model.EventTicker,
		Exchange:   testVenue,
		MarketType: v.marketType,
		Symbol:     string(raw),
		ReceivedAt: receivedAt,
		Ticker:     &model.Ticker{},
	}}}, nil
}

// echoVenueServer acks subscribes and lets tests push raw frames.
func echoVenueServer(t *testing.T) (*httptest.Server, func(string)) {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var mu sync.Mutex
	var current *websocket.Conn

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		current = conn
		mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fields := strings.Fields(string(msg))
			if len(fields) == 3 && fields[0] == "subscribe" {
				conn.WriteMessage(websocket.TextMessage, []byte("ack "+fields[1]+" "+fields[2]))
			}
		}
	}))

	push := func(frame string) {
		mu.Lock()
		conn := current
		mu.Unlock()
		if conn == nil {
			t.Fatal("no active connection to push to")
		}
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
	return server, push
}

func newTestService(t *testing.T, wsEndpoint string) (*Service, dispatch.Dispatcher) {
	t.Helper()
	d := dispatch.New(dispatch.DefaultConfig(), nil)
	svc := New(Config{
		Connection: connection.SupervisorConfig{
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
			HandshakeTimeout:   time.Second,
			WriteTimeout:       time.Second,
			BufferSize:         100,
		},
		Endpoints: map[string]Endpoint{
			testVenue: {WSURL: wsEndpoint},
		},
	}, d)
	svc.Start(context.Background())
	return svc, d
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectionID(t *testing.T) {
	if got := ConnectionID("bitget", model.MarketFutures); got != "bitget:futures" {
		t.Errorf("ConnectionID = %q", got)
	}
}

func TestService_StartConnectionUnknownExchange(t *testing.T) {
	svc, _ := newTestService(t, "ws://localhost:1")
	defer svc.Stop(context.Background())

	if _, err := svc.StartConnection("no-such-venue", model.MarketFutures); err == nil {
		t.Error("expected error for unregistered exchange")
	}
}

func TestService_EndToEnd(t *testing.T) {
	server, push := echoVenueServer(t)
	defer server.Close()

	svc, _ := newTestService(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	defer svc.Stop(context.Background())

	var mu sync.Mutex
	var acked, tickers int
	svc.RegisterConsumer(func(ev model.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Type == model.EventControl && ev.Control.Kind == model.ControlSubscriptionAcked {
			acked++
		}
		if ev.Type == model.EventTicker {
			tickers++
		}
	})

	id, err := svc.StartConnection(testVenue, model.MarketFutures)
	if err != nil {
		t.Fatalf("StartConnection failed: %v", err)
	}
	if id != testVenue+":futures" {
		t.Errorf("connection id = %q", id)
	}

	// Second start is idempotent.
	again, err := svc.StartConnection(testVenue, model.MarketFutures)
	if err != nil || again != id {
		t.Errorf("second StartConnection = %q, %v", again, err)
	}

	if err := svc.AddSubscription(id, "ticker", "BTCUSDT"); err != nil {
		t.Fatalf("AddSubscription failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return acked == 1
	}, "subscription never acked through the dispatcher")

	push("BTCUSDT-frame")
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return tickers == 1
	}, "ticker never reached the consumer")

	statuses := svc.Status()
	if len(statuses) != 1 {
		t.Fatalf("status entries = %d, want 1", len(statuses))
	}
	st := statuses[0]
	if st.ID != id || st.State != connection.StateStreaming {
		t.Errorf("status = %+v", st)
	}
	if st.Desired != 1 || st.Confirmed != 1 {
		t.Errorf("counts = (%d, %d)", st.Desired, st.Confirmed)
	}
}

func TestService_SubscriptionOnUnknownConnection(t *testing.T) {
	svc, _ := newTestService(t, "ws://localhost:1")
	defer svc.Stop(context.Background())

	if err := svc.AddSubscription("nope:futures", "ticker", "BTCUSDT"); err == nil {
		t.Error("expected error for unknown connection")
	}
	if err := svc.RemoveSubscription("nope:futures", "ticker", "BTCUSDT"); err == nil {
		t.Error("expected error for unknown connection")
	}
}

func TestService_StopConnection(t *testing.T) {
	server, _ := echoVenueServer(t)
	defer server.Close()

	svc, _ := newTestService(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	defer svc.Stop(context.Background())

	id, err := svc.StartConnection(testVenue, model.MarketSpot)
	if err != nil {
		t.Fatalf("StartConnection failed: %v", err)
	}

	if err := svc.StopConnection(context.Background(), id); err != nil {
		t.Fatalf("StopConnection failed: %v", err)
	}
	if len(svc.Status()) != 0 {
		t.Error("stopped connection still in status")
	}
	if err := svc.StopConnection(context.Background(), id); err == nil {
		t.Error("second StopConnection did not error")
	}
}

func TestService_UnregisterConsumer(t *testing.T) {
	svc, d := newTestService(t, "ws://localhost:1")
	defer svc.Stop(context.Background())

	var mu sync.Mutex
	count := 0
	cid := svc.RegisterConsumer(func(ev model.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	svc.UnregisterConsumer(cid)

	d.Publish(model.Event{Type: model.EventTicker, Ticker: &model.Ticker{}})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("unregistered consumer received %d events", count)
	}
}
