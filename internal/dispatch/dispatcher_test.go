package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phkoenig/marketfeed/internal/model"
)

func tickerEvent(symbol string) model.Event {
	return model.Event{
		Type:       model.EventTicker,
		Exchange:   "bitget",
		MarketType: model.MarketFutures,
		Symbol:     symbol,
		ReceivedAt: time.Now(),
		Ticker:     &model.Ticker{},
	}
}

func TestDispatcher_DeliversToAllConsumers(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Close(context.Background())

	var mu sync.Mutex
	got := make(map[string]int)

	for _, name := range []string{"a", "b", "c"} {
		name := name
		d.Subscribe(func(ev model.Event) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		})
	}

	d.Publish(tickerEvent("BTCUSDT"))
	d.Publish(tickerEvent("ETHUSDT"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := got["a"] == 2 && got["b"] == 2 && got["c"] == 2
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("deliveries = %v, want 2 each", got)
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Close(context.Background())

	var mu sync.Mutex
	count := 0
	id := d.Subscribe(func(ev model.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.Unsubscribe(id)
	d.Publish(tickerEvent("BTCUSDT"))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("removed consumer received %d events", count)
	}
}

func TestDispatcher_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 64
	d := New(cfg, nil)
	defer d.Close(context.Background())

	block := make(chan struct{})
	d.Subscribe(func(ev model.Event) {
		<-block // stuck consumer
	})

	var mu sync.Mutex
	fast := 0
	d.Subscribe(func(ev model.Event) {
		mu.Lock()
		fast++
		mu.Unlock()
	})

	const n = 50
	published := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			d.Publish(tickerEvent("BTCUSDT"))
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stuck consumer")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := fast
		mu.Unlock()
		if got == n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	got := fast
	mu.Unlock()
	if got != n {
		t.Errorf("fast consumer received %d of %d events", got, n)
	}
	close(block)
}

func TestDispatcher_DropOldestCountsDrops(t *testing.T) {
	cfg := Config{QueueSize: 2, Policy: DropOldest}
	d := New(cfg, nil)
	defer d.Close(context.Background())

	block := make(chan struct{})
	id := d.Subscribe(func(ev model.Event) {
		<-block
	})

	for i := 0; i < 10; i++ {
		d.Publish(tickerEvent("BTCUSDT"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Stats()[id].Dropped > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := d.Stats()[id]
	if stats.Dropped == 0 {
		t.Error("overflow produced no drop count")
	}
	close(block)
}

func TestDispatcher_BlockPolicyTimesOut(t *testing.T) {
	cfg := Config{QueueSize: 1, Policy: Block, PublishTimeout: 20 * time.Millisecond}
	d := New(cfg, nil)
	defer d.Close(context.Background())

	block := make(chan struct{})
	defer close(block)
	id := d.Subscribe(func(ev model.Event) {
		<-block
	})

	start := time.Now()
	for i := 0; i < 5; i++ {
		d.Publish(tickerEvent("BTCUSDT"))
	}
	elapsed := time.Since(start)

	// Each overflowing publish waits at most PublishTimeout.
	if elapsed > time.Second {
		t.Errorf("publishes took %v, block policy did not time out", elapsed)
	}
	if d.Stats()[id].Dropped == 0 {
		t.Error("timed-out publishes were not counted as drops")
	}
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	d := New(DefaultConfig(), nil)

	var mu sync.Mutex
	count := 0
	d.Subscribe(func(ev model.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d.Publish(tickerEvent("BTCUSDT")) // must not panic or deliver

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("consumer received %d events after Close", count)
	}
}
