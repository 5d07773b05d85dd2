package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/starcom-labs/relaynode/pkg/event"
	"github.com/starcom-labs/relaynode/pkg/protocol"
	"github.com/starcom-labs/relaynode/pkg/subscription"
)

// sessionState is the connection lifecycle: Connecting → Open → Closing →
// Closed. Transitions are monotonic.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateOpen
	stateClosing
	stateClosed
)

const (
	writeTimeout    = 10 * time.Second
	pongTimeout     = 70 * time.Second
	pingInterval    = 30 * time.Second
	outboundBacklog = 256
	maxFrameBytes   = 512 * 1024
)

// Publisher is the orchestrator surface a session needs.
type Publisher interface {
	Publish(ctx context.Context, rawEvent []byte, identity string) Ack
}

// SubscriptionTable is the subscription manager surface a session needs.
type SubscriptionTable interface {
	Register(connectionID, identity string, sender subscription.Sender)
	Subscribe(ctx context.Context, connectionID, subscriptionID string, filters []event.Filter) error
	Unsubscribe(connectionID, subscriptionID string) bool
	DropConnection(connectionID string)
}

// Session multiplexes one client's inbound protocol messages and outbound
// pushes over a single websocket. Inbound messages are processed in arrival
// order; outbound frames go through a buffered queue drained by a dedicated
// writer goroutine so broadcast fan-out never blocks on this socket.
type Session struct {
	id        string
	identity  string
	conn      *websocket.Conn
	publisher Publisher
	subs      SubscriptionTable
	limiter   *rate.Limiter
	log       *slog.Logger

	mu      sync.Mutex
	state   sessionState
	outbox  chan []byte
	closing chan struct{}
}

// NewSession builds a session for an accepted websocket connection.
func NewSession(id, identity string, conn *websocket.Conn, publisher Publisher, subs SubscriptionTable, messagesPerSecond float64) *Session {
	burst := int(messagesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Session{
		id:        id,
		identity:  identity,
		conn:      conn,
		publisher: publisher,
		subs:      subs,
		limiter:   rate.NewLimiter(rate.Limit(messagesPerSecond), burst*2),
		log:       slog.Default().With("component", "session", "connection", id),
		state:     stateConnecting,
		outbox:    make(chan []byte, outboundBacklog),
		closing:   make(chan struct{}),
	}
}

// Run registers the session and serves it until the transport fails or the
// context is cancelled. It always tears down the connection's subscriptions
// before returning.
func (s *Session) Run(ctx context.Context) {
	s.subs.Register(s.id, s.identity, s)
	s.setState(stateOpen)
	s.log.Debug("session open", "identity", s.identity)

	go s.writeLoop()
	s.readLoop(ctx)

	s.teardown()
}

// teardown moves the session to Closed, synchronously removing its
// subscriptions first so no fan-out can target it afterwards.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	close(s.closing)
	s.mu.Unlock()

	s.subs.DropConnection(s.id)
	_ = s.conn.Close()
	s.log.Debug("session closed")
}

func (s *Session) setState(st sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st > s.state {
		s.state = st
	}
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			// Transport-level failure: move to Closing.
			s.setState(stateClosing)
			return
		}
		if !s.limiter.Allow() {
			s.notice("rate limited: slow down")
			continue
		}
		s.handleMessage(ctx, raw)

		select {
		case <-ctx.Done():
			s.setState(stateClosing)
			return
		default:
		}
	}
}

// handleMessage dispatches one inbound frame. A malformed message yields a
// notice without terminating the connection.
func (s *Session) handleMessage(ctx context.Context, raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		s.notice(err.Error())
		return
	}

	switch msg.Kind {
	case protocol.MsgPublish:
		ack := s.publisher.Publish(ctx, msg.RawEvent, s.identity)
		s.enqueueEncoded(protocol.OK(ack.EventID, ack.Accepted, ack.Message))

	case protocol.MsgSubscribe:
		if err := s.subs.Subscribe(ctx, s.id, msg.SubscriptionID, msg.Filters); err != nil {
			if errors.Is(err, subscription.ErrFilterTooBroad) {
				s.enqueueEncoded(protocol.Closed(msg.SubscriptionID, "filter too broad"))
				return
			}
			s.log.Warn("subscribe failed", "subscription", msg.SubscriptionID, "error", err)
			s.enqueueEncoded(protocol.Closed(msg.SubscriptionID, "subscription failed"))
		}

	case protocol.MsgUnsubscribe:
		s.subs.Unsubscribe(s.id, msg.SubscriptionID)
		s.enqueueEncoded(protocol.Closed(msg.SubscriptionID, "subscription closed"))
	}
}

// SendEvent implements subscription.Sender.
func (s *Session) SendEvent(subscriptionID string, ev *event.Event) error {
	frame, err := protocol.EventPush(subscriptionID, ev)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// SendEndOfBacklog implements subscription.Sender.
func (s *Session) SendEndOfBacklog(subscriptionID string) error {
	frame, err := protocol.EndOfBacklog(subscriptionID)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func (s *Session) notice(message string) {
	s.enqueueEncoded(protocol.Notice(message))
}

func (s *Session) enqueueEncoded(frame []byte, err error) {
	if err != nil {
		s.log.Error("encode frame", "error", err)
		return
	}
	_ = s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.closing:
		return fmt.Errorf("session %s closed", s.id)
	case s.outbox <- frame:
		return nil
	default:
		// Outbound queue full: the consumer is too slow to keep its
		// subscriptions; drop the connection rather than block fan-out.
		s.log.Warn("outbound queue full, closing")
		_ = s.conn.Close()
		return fmt.Errorf("session %s overflow", s.id)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case frame := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.setState(stateClosing)
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.setState(stateClosing)
				_ = s.conn.Close()
				return
			}
		}
	}
}
