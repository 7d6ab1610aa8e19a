// Package stream is the inbound control surface: it owns one reconnect
// supervisor per (exchange, market-type) connection and the shared event
// dispatcher that consumers register against.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/phkoenig/marketfeed/internal/auth"
	"github.com/phkoenig/marketfeed/internal/connection"
	"github.com/phkoenig/marketfeed/internal/dispatch"
	"github.com/phkoenig/marketfeed/internal/exchange"
	"github.com/phkoenig/marketfeed/internal/model"
)

// Config holds the service collaborators and shared connection settings.
type Config struct {
	Connection  connection.SupervisorConfig
	Credentials auth.Lookup
	Endpoints   map[string]Endpoint // overrides keyed by exchange name
	Logger      *slog.Logger
}

// Endpoint overrides a venue's default URLs.
type Endpoint struct {
	WSURL   string
	RestURL string
}

// ConnectionStatus pairs a connection id with its supervisor snapshot.
type ConnectionStatus struct {
	ID string
	connection.Status
}

// Service manages the set of live connections.
type Service struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher dispatch.Dispatcher

	mu    sync.Mutex
	conns map[string]*connection.Supervisor

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a service publishing through the given dispatcher.
func New(cfg Config, dispatcher dispatch.Dispatcher) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		conns:      make(map[string]*connection.Supervisor),
	}
}

// Start prepares the service for opening connections.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// ConnectionID names the connection for a venue and market type.
func ConnectionID(exchangeName string, marketType model.MarketType) string {
	return exchangeName + ":" + string(marketType)
}

// StartConnection opens a supervised connection to a registered exchange.
// Idempotent per (exchange, market-type) pair: a second call returns the
// existing connection id.
func (s *Service) StartConnection(exchangeName string, marketType model.MarketType) (string, error) {
	if s.ctx == nil {
		return "", fmt.Errorf("service not started")
	}
	id := ConnectionID(exchangeName, marketType)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conns[id]; exists {
		return id, nil
	}

	ep := s.cfg.Endpoints[exchangeName]
	proto, err := exchange.New(exchangeName, exchange.Config{
		MarketType:  marketType,
		WSURL:       ep.WSURL,
		RestURL:     ep.RestURL,
		Credentials: s.cfg.Credentials,
		Logger:      s.logger,
	})
	if err != nil {
		return "", fmt.Errorf("create protocol: %w", err)
	}

	sup := connection.NewSupervisor(s.cfg.Connection, proto, s.dispatcher, s.logger)
	sup.Start(s.ctx)
	s.conns[id] = sup

	s.logger.Info("connection started", "connection", id)
	return id, nil
}

// StopConnection closes a connection and removes it from the set.
func (s *Service) StopConnection(ctx context.Context, id string) error {
	s.mu.Lock()
	sup, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown connection %q", id)
	}
	s.logger.Info("connection stopping", "connection", id)
	return sup.Stop(ctx)
}

// AddSubscription adds a desired subscription to a connection. The stream
// for it begins once the venue acknowledges; if the connection is down, the
// subscription is replayed on the next successful connect.
func (s *Service) AddSubscription(id, channel, symbol string) error {
	sup, err := s.connection(id)
	if err != nil {
		return err
	}
	return sup.Add(exchange.Subscription{Channel: channel, Symbol: symbol})
}

// RemoveSubscription drops a subscription from a connection.
func (s *Service) RemoveSubscription(id, channel, symbol string) error {
	sup, err := s.connection(id)
	if err != nil {
		return err
	}
	return sup.Remove(exchange.Subscription{Channel: channel, Symbol: symbol})
}

// RegisterConsumer attaches an event handler and returns its consumer id.
func (s *Service) RegisterConsumer(h dispatch.Handler) string {
	return s.dispatcher.Subscribe(h)
}

// UnregisterConsumer detaches a consumer.
func (s *Service) UnregisterConsumer(consumerID string) {
	s.dispatcher.Unsubscribe(consumerID)
}

// Status snapshots every connection, sorted by id.
func (s *Service) Status() []ConnectionStatus {
	s.mu.Lock()
	out := make([]ConnectionStatus, 0, len(s.conns))
	for id, sup := range s.conns {
		out = append(out, ConnectionStatus{ID: id, Status: sup.Status()})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DispatcherStats exposes per-consumer delivery counters.
func (s *Service) DispatcherStats() map[string]dispatch.ConsumerStats {
	return s.dispatcher.Stats()
}

// Stop closes all connections and then the dispatcher.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	sups := make([]*connection.Supervisor, 0, len(s.conns))
	for id, sup := range s.conns {
		sups = append(sups, sup)
		delete(s.conns, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, sup := range sups {
		if err := sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.dispatcher.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Service) connection(id string) (*connection.Supervisor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sup, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", id)
	}
	return sup, nil
}
