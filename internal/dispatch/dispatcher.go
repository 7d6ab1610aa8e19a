// Package dispatch fans canonical events out to registered consumers.
// Each consumer gets its own bounded queue and delivery goroutine, so a
// slow consumer never stalls the connection read path. Overflow handling
// is explicit: drop-oldest (counted and logged) or block with a timeout.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phkoenig/marketfeed/internal/model"
)

// Policy selects the overflow behavior for a full consumer queue.
type Policy string

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest Policy = "drop_oldest"
	// Block waits up to PublishTimeout for queue space, then drops the
	// incoming event.
	Block Policy = "block"
)

// Config controls dispatcher queue sizing and overflow behavior.
type Config struct {
	QueueSize      int
	Policy         Policy
	PublishTimeout time.Duration
}

// DefaultConfig returns sane dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		Policy:         DropOldest,
		PublishTimeout: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Policy == "" {
		c.Policy = DropOldest
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 100 * time.Millisecond
	}
	return c
}

// Handler consumes one event. It runs on the consumer's delivery goroutine,
// so a slow handler only backs up its own queue.
type Handler func(ev model.Event)

// ConsumerStats reports delivery counters for one consumer.
type ConsumerStats struct {
	Delivered int64
	Dropped   int64
	Queued    int
}

// Dispatcher is the event fan-out stage.
type Dispatcher interface {
	// Subscribe registers a handler and returns its consumer id.
	Subscribe(h Handler) string

	// Unsubscribe removes a consumer. Events still queued for it are
	// discarded.
	Unsubscribe(id string)

	// Publish delivers an event to every registered consumer.
	Publish(ev model.Event)

	// Stats returns per-consumer delivery counters keyed by consumer id.
	Stats() map[string]ConsumerStats

	// Close stops all delivery goroutines. Publish after Close is a no-op.
	Close(ctx context.Context) error
}

type consumer struct {
	id      string
	handler Handler
	queue   chan model.Event
	done    chan struct{}

	mu        sync.Mutex
	delivered int64
	dropped   int64
}

type dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	consumers map[string]*consumer
	closed    bool
	wg        sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg Config, logger *slog.Logger) Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &dispatcher{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		consumers: make(map[string]*consumer),
	}
}

func (d *dispatcher) Subscribe(h Handler) string {
	c := &consumer{
		id:      uuid.NewString(),
		handler: h,
		queue:   make(chan model.Event, d.cfg.QueueSize),
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return c.id
	}
	d.consumers[c.id] = c
	d.wg.Add(1)
	d.mu.Unlock()

	go d.deliverLoop(c)

	d.logger.Debug("consumer registered", "consumer", c.id, "queue_size", d.cfg.QueueSize)
	return c.id
}

func (d *dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	c, ok := d.consumers[id]
	if ok {
		delete(d.consumers, id)
	}
	d.mu.Unlock()

	if ok {
		close(c.done)
		d.logger.Debug("consumer removed", "consumer", id)
	}
}

func (d *dispatcher) Publish(ev model.Event) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	targets := make([]*consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	for _, c := range targets {
		d.enqueue(c, ev)
	}
}

func (d *dispatcher) enqueue(c *consumer, ev model.Event) {
	select {
	case c.queue <- ev:
		return
	default:
	}

	switch d.cfg.Policy {
	case Block:
		select {
		case c.queue <- ev:
			return
		case <-time.After(d.cfg.PublishTimeout):
			c.drop()
			d.logger.Warn("consumer queue full, event dropped after timeout",
				"consumer", c.id, "timeout", d.cfg.PublishTimeout)
		case <-c.done:
		}
	default: // DropOldest
		select {
		case <-c.queue:
			c.drop()
		default:
		}
		select {
		case c.queue <- ev:
		default:
			// Lost the race with the delivery goroutine; drop the
			// incoming event instead.
			c.drop()
		}
		d.logger.Warn("consumer queue full, oldest event dropped", "consumer", c.id)
	}
}

func (d *dispatcher) deliverLoop(c *consumer) {
	defer d.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.queue:
			c.handler(ev)
			c.mu.Lock()
			c.delivered++
			c.mu.Unlock()
		}
	}
}

func (d *dispatcher) Stats() map[string]ConsumerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]ConsumerStats, len(d.consumers))
	for id, c := range d.consumers {
		c.mu.Lock()
		out[id] = ConsumerStats{
			Delivered: c.delivered,
			Dropped:   c.dropped,
			Queued:    len(c.queue),
		}
		c.mu.Unlock()
	}
	return out
}

func (d *dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, c := range d.consumers {
		close(c.done)
		delete(d.consumers, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *consumer) drop() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}
