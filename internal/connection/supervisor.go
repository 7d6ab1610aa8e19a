package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phkoenig/marketfeed/internal/exchange"
	"github.com/phkoenig/marketfeed/internal/model"
)

// Publisher receives canonical events produced by a connection. Implemented
// by the event dispatcher.
type Publisher interface {
	Publish(ev model.Event)
}

// Supervisor owns one logical connection to a (exchange, market-type) pair
// and drives it through the connect/authenticate/subscribe/stream cycle.
// Exactly one transport is open at a time; all failures funnel through the
// supervisor's run loop, which applies bounded exponential backoff.
type Supervisor struct {
	cfg    SupervisorConfig
	proto  exchange.Protocol
	pub    Publisher
	logger *slog.Logger
	subs   *SubscriptionSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	state    State
	client   Client
	retries  int
	fatalErr error
}

// Status is a point-in-time snapshot of one connection.
type Status struct {
	Exchange     string
	MarketType   model.MarketType
	State        State
	Retries      int
	Desired      int
	Confirmed    int
	LastActivity time.Time
	FatalError   error
}

// NewSupervisor creates a supervisor for the given protocol. Events flow to
// pub; the connection is not opened until Start.
func NewSupervisor(cfg SupervisorConfig, proto exchange.Protocol, pub Publisher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		proto:  proto,
		pub:    pub,
		logger: logger.With("exchange", proto.Name(), "market", string(proto.MarketType())),
		subs:   NewSubscriptionSet(),
		state:  StateDisconnected,
	}
}

// Start launches the connection cycle.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop shuts the connection down, honoring the context deadline for
// goroutine teardown.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.setState(StateClosing)
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, abandoning connection goroutine")
		return ctx.Err()
	}
	s.setState(StateDisconnected)
	return nil
}

// Add registers a subscription in the desired set and, when streaming,
// sends the subscribe request immediately. While disconnected the mutation
// is deferred until the next replay.
func (s *Supervisor) Add(sub exchange.Subscription) error {
	if !s.subs.Add(sub) {
		return nil // already desired
	}

	client, st := s.transport()
	if client == nil || (st != StateStreaming && st != StateSubscribing) {
		return nil
	}
	frame, err := s.proto.SubscribeFrame(sub)
	if err != nil {
		return err
	}
	return client.Send(frame)
}

// Remove drops a subscription and, when streaming, sends the unsubscribe
// request.
func (s *Supervisor) Remove(sub exchange.Subscription) error {
	if !s.subs.Remove(sub) {
		return nil // was not desired
	}

	client, st := s.transport()
	if client == nil || (st != StateStreaming && st != StateSubscribing) {
		return nil
	}
	frame, err := s.proto.UnsubscribeFrame(sub)
	if err != nil {
		return err
	}
	return client.Send(frame)
}

// Status returns a snapshot of the connection.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	client, state, retries, fatal := s.client, s.state, s.retries, s.fatalErr
	s.mu.RUnlock()

	desired, confirmed := s.subs.Counts()
	st := Status{
		Exchange:   s.proto.Name(),
		MarketType: s.proto.MarketType(),
		State:      state,
		Retries:    retries,
		Desired:    desired,
		Confirmed:  confirmed,
		FatalError: fatal,
	}
	if client != nil {
		st.LastActivity = client.LastActivity()
	}
	return st
}

// State returns the current state machine node.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.logger.Debug("state transition", "from", from.String(), "to", to.String())
	}
}

func (s *Supervisor) transport() (Client, State) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.state
}

func (s *Supervisor) setClient(c Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

// run is the supervisor's single owning goroutine.
func (s *Supervisor) run() {
	defer s.wg.Done()

	bo := newBackoff(s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay, s.cfg.MaxRetries)

	for {
		if s.ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		client, sess, err := s.connect()
		if err != nil {
			if s.ctx.Err() != nil {
				s.setState(StateDisconnected)
				return
			}
			s.logger.Warn("connect failed", "error", err)
			if !s.waitRetry(bo) {
				s.fatal(err)
				return
			}
			continue
		}

		// Replay the full desired set. Fire-and-forget: acks arrive
		// asynchronously and are processed while streaming.
		s.setState(StateSubscribing)
		s.subs.ResetConfirmed()
		s.replay(client)

		s.setState(StateStreaming)
		s.control(model.ControlConnected, "", "", "", nil)

		streamingSince := time.Now()
		cause := s.stream(client, sess)
		client.Close()
		s.setClient(nil)
		s.setState(StateConnecting)

		if s.ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		// A connection that survived a full keepalive cycle counts as a
		// true recovery; restart the backoff schedule.
		if time.Since(streamingSince) > s.proto.PingInterval() {
			bo.Reset()
		}

		s.control(model.ControlDisconnected, "", "", cause.Error(), nil)

		if errors.Is(cause, errTokenExpiring) {
			// Planned reconnect; skip the backoff delay.
			s.logger.Info("session token expiring, reconnecting")
			continue
		}

		s.logger.Warn("connection lost", "error", cause)
		if !s.waitRetry(bo) {
			s.fatal(cause)
			return
		}
	}
}

// connect performs the handshake and opens the transport.
func (s *Supervisor) connect() (Client, exchange.Session, error) {
	s.setState(StateConnecting)
	if s.proto.TokenGated() {
		s.setState(StateAuthenticating)
	}

	hctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	sess, err := s.proto.Handshake(hctx)
	cancel()
	if err != nil {
		return nil, exchange.Session{}, fmt.Errorf("handshake: %w", err)
	}

	s.setState(StateConnecting)
	client := NewClient(ClientConfig{
		URL:              sess.URL,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WriteTimeout:     s.cfg.WriteTimeout,
		BufferSize:       s.cfg.BufferSize,
	}, s.logger)

	if err := client.Connect(s.ctx); err != nil {
		return nil, exchange.Session{}, fmt.Errorf("dial: %w", err)
	}

	s.setClient(client)
	return client, sess, nil
}

// replay sends subscribe requests for the entire desired set.
func (s *Supervisor) replay(client Client) {
	for _, sub := range s.subs.Desired() {
		frame, err := s.proto.SubscribeFrame(sub)
		if err != nil {
			s.logger.Error("build subscribe frame", "channel", sub.Channel, "symbol", sub.Symbol, "error", err)
			continue
		}
		if err := client.Send(frame); err != nil {
			// The read loop will surface the transport failure.
			s.logger.Warn("replay send failed", "channel", sub.Channel, "symbol", sub.Symbol, "error", err)
			return
		}
	}
}

// stream pumps one open connection until it fails, goes stale, needs a
// token refresh, or the supervisor is stopped.
func (s *Supervisor) stream(client Client, sess exchange.Session) error {
	pingInterval := s.proto.PingInterval()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	// Stale check runs on the same cadence; the threshold is 2x the
	// keepalive interval since some venues never close dead sockets.
	stale := time.NewTicker(pingInterval)
	defer stale.Stop()

	var refresh <-chan time.Time
	if !sess.Expiry.IsZero() {
		timer := time.NewTimer(time.Until(sess.Expiry))
		defer timer.Stop()
		refresh = timer.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case err := <-client.Errors():
			return err

		case <-refresh:
			return errTokenExpiring

		case <-ping.C:
			if err := client.Send(s.proto.PingFrame()); err != nil {
				s.logger.Warn("keepalive send failed", "error", err)
			}

		case <-stale.C:
			if time.Since(client.LastActivity()) > 2*pingInterval {
				return ErrStaleConnection
			}

		case msg, ok := <-client.Messages():
			if !ok {
				return errors.New("transport closed")
			}
			s.handleMessage(msg)
		}
	}
}

// handleMessage parses one raw frame and publishes the results. Unparseable
// payloads become protocol_error control events with the raw bytes
// preserved; the connection stays up.
func (s *Supervisor) handleMessage(msg TimestampedMessage) {
	in, err := s.proto.Parse(msg.Data, msg.ReceivedAt)
	if err != nil {
		s.logger.Warn("unparseable frame", "error", err)
		s.control(model.ControlProtocolError, "", "", err.Error(), msg.Data)
		return
	}

	for _, ack := range in.Acks {
		if ack.OK {
			s.subs.Confirm(ack.Sub)
			s.control(model.ControlSubscriptionAcked, ack.Sub.Channel, ack.Sub.Symbol, "", nil)
		} else {
			s.logger.Warn("subscription rejected",
				"channel", ack.Sub.Channel,
				"symbol", ack.Sub.Symbol,
				"reason", ack.Reason,
			)
			s.control(model.ControlSubscriptionFailed, ack.Sub.Channel, ack.Sub.Symbol, ack.Reason, nil)
		}
	}

	for _, ev := range in.Events {
		s.pub.Publish(ev)
	}
}

// waitRetry sleeps for the next backoff delay. Returns false when the retry
// budget is exhausted.
func (s *Supervisor) waitRetry(bo *backoff) bool {
	delay, ok := bo.Next()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.retries = bo.Attempts()
	s.mu.Unlock()

	s.logger.Info("retrying", "attempt", bo.Attempts(), "delay", delay)
	select {
	case <-time.After(delay):
		return true
	case <-s.ctx.Done():
		return true // loop head observes the cancellation
	}
}

// fatal parks the connection in terminal Disconnected and surfaces the
// error to consumers. A fatal connection must be explicitly restarted.
func (s *Supervisor) fatal(err error) {
	wrapped := fmt.Errorf("retry budget exhausted (%d attempts): %w", s.cfg.MaxRetries, err)
	s.mu.Lock()
	s.fatalErr = wrapped
	s.mu.Unlock()

	s.logger.Error("giving up", "error", err, "max_retries", s.cfg.MaxRetries)
	s.control(model.ControlFatalError, "", "", wrapped.Error(), nil)
	s.setState(StateDisconnected)
}

// control publishes a lifecycle/diagnostic event.
func (s *Supervisor) control(kind model.ControlKind, channel, symbol, reason string, raw []byte) {
	s.pub.Publish(model.Event{
		Type:       model.EventControl,
		Exchange:   s.proto.Name(),
		MarketType: s.proto.MarketType(),
		Symbol:     symbol,
		ReceivedAt: time.Now(),
		Control: &model.Control{
			Kind:    kind,
			Channel: channel,
			Reason:  reason,
			Raw:     raw,
		},
	})
}
