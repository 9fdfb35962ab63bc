package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/metrics"
	"github.com/scout-hq/scout/protocol"
)

// Reconnect backoff bounds.
const (
	amqpBackoffBase = time.Second
	amqpBackoffCap  = 30 * time.Second
)

// ErrMaxReconnects reports that the broker stayed unreachable past the
// configured attempt budget.
var ErrMaxReconnects = errors.New("amqp: maximum reconnect attempts exhausted")

// AMQPOptions configures the AMQP transport.
type AMQPOptions struct {
	URL                  string
	Exchange             string
	QueuePrefix          string
	MaxReconnectAttempts int
	Limiter              *SessionLimiter
}

// AMQP carries traffic over one durable topic exchange. The session and
// stream ids are minted once and survive reconnects, so bindings and
// in-flight correlation identifiers stay stable.
type AMQP struct {
	d    Dispatcher
	opts AMQPOptions

	sessionID string
	streamID  string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	lg zerolog.Logger
}

// NewAMQP builds the AMQP transport. Session and stream identifiers are
// assigned here and never change.
func NewAMQP(d Dispatcher, opts AMQPOptions) *AMQP {
	if opts.Exchange == "" {
		opts.Exchange = "mcp.topic"
	}
	if opts.QueuePrefix == "" {
		opts.QueuePrefix = "mcp"
	}
	if opts.Limiter == nil {
		opts.Limiter = NewSessionLimiter(0, 0)
	}
	sessionID := uuid.NewString()
	return &AMQP{
		d:         d,
		opts:      opts,
		sessionID: sessionID,
		streamID:  uuid.NewString(),
		lg:        log.WithComponent("amqp").With().Str("session", sessionID).Logger(),
	}
}

// SessionID returns the transport's session identifier.
func (a *AMQP) SessionID() string { return a.sessionID }

// requestQueue is this session's durable work queue.
func (a *AMQP) requestQueue() string {
	return a.opts.QueuePrefix + ".requests." + a.sessionID
}

// requestBindings returns every routing pattern the request queue consumes.
// The session-specific key targets this instance; the generic patterns let
// load-balanced workers share a queue's traffic.
func (a *AMQP) requestBindings() []string {
	return []string{
		a.sessionID + "." + a.streamID + ".requests",
		"mcp.request.#",
		"mcp.tools.#",
		"mcp.resources.#",
		"mcp.prompts.#",
	}
}

// responseKey is the routing key for this session's response channel.
func (a *AMQP) responseKey() string {
	return a.sessionID + "." + a.streamID + ".responses"
}

// Start connects and consumes until ctx is cancelled. Connection and
// channel failures reconnect with exponential backoff, re-declaring the
// exchange, queue, bindings and consumer under the preserved identifiers.
func (a *AMQP) Start(ctx context.Context) error {
	a.d.Subscribe(a.sessionID, a.Send)
	defer a.d.Unsubscribe(a.sessionID)
	metrics.ActiveSessions.WithLabelValues("amqp").Inc()
	defer metrics.ActiveSessions.WithLabelValues("amqp").Dec()

	attempts := 0
	backoff := amqpBackoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		closeCh, err := a.connect()
		if err == nil {
			attempts = 0
			backoff = amqpBackoffBase
			select {
			case <-ctx.Done():
				a.teardown()
				return ctx.Err()
			case connErr := <-closeCh:
				if a.isClosed() {
					return nil
				}
				a.lg.Warn().Err(connErr).Msg("connection lost")
			}
		} else {
			a.lg.Warn().Err(err).Msg("connect failed")
		}

		attempts++
		metrics.AMQPReconnects.Inc()
		if a.opts.MaxReconnectAttempts > 0 && attempts > a.opts.MaxReconnectAttempts {
			return fmt.Errorf("%w (%d attempts)", ErrMaxReconnects, attempts-1)
		}
		a.lg.Info().Int("attempt", attempts).Dur("backoff", backoff).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > amqpBackoffCap {
			backoff = amqpBackoffCap
		}
	}
}

// connect dials the broker, declares the topology, and launches the consume
// loop. The returned channel reports connection or channel closure.
func (a *AMQP) connect() (chan *amqp.Error, error) {
	conn, err := amqp.Dial(a.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", a.opts.Exchange, err)
	}
	queue := a.requestQueue()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	for _, key := range a.requestBindings() {
		if err := ch.QueueBind(queue, key, a.opts.Exchange, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("binding %s to %s: %w", queue, key, err)
		}
	}
	deliveries, err := ch.Consume(queue, a.sessionID, false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consuming %s: %w", queue, err)
	}

	closeCh := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeCh)

	a.mu.Lock()
	a.conn = conn
	a.channel = ch
	a.mu.Unlock()

	go a.consume(deliveries)
	a.lg.Info().Str("exchange", a.opts.Exchange).Str("queue", queue).Msg("amqp transport consuming")
	return closeCh, nil
}

func (a *AMQP) consume(deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		a.handle(delivery)
	}
}

// handle forwards one delivery to the dispatcher. The delivery is acked
// after forwarding; dispatch failures publish an error response and the
// delivery is still acked, never requeued.
func (a *AMQP) handle(delivery amqp.Delivery) {
	m, perr := parseInbound(delivery.Body, a.lg)
	if perr != nil {
		perr.CorrelationID = delivery.CorrelationId
		perr.ReplyTo = delivery.ReplyTo
		_ = a.Send(perr)
		_ = delivery.Ack(false)
		return
	}
	if m == nil {
		_ = delivery.Ack(false)
		return
	}
	m.SessionID = a.sessionID
	m.CorrelationID = delivery.CorrelationId
	m.ReplyTo = delivery.ReplyTo

	ctx := WithName(context.Background(), "amqp")
	if err := a.opts.Limiter.Wait(ctx, a.sessionID); err != nil {
		_ = delivery.Ack(false)
		return
	}

	resp := a.d.Dispatch(ctx, m)
	_ = delivery.Ack(false)
	if resp == nil {
		return
	}
	resp.CorrelationID = m.CorrelationID
	resp.ReplyTo = m.ReplyTo
	if err := a.Send(resp); err != nil {
		a.lg.Error().Err(err).Str("replyTo", m.ReplyTo).Msg("publishing response")
	}
}

// Send publishes one outbound message. Responses go to the stored reply-to
// queue under the request's correlation id; notifications go to the topic
// exchange under a routing key derived from the method or tool name. The
// routing metadata never reaches the wire payload.
func (a *AMQP) Send(m *protocol.Message) error {
	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()
	if ch == nil {
		return errors.New("amqp: not connected")
	}

	correlationID, replyTo := m.CorrelationID, m.ReplyTo
	m.StripRouting()
	body, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
	}

	if replyTo != "" {
		// Direct response: the default exchange routes by queue name.
		if err := ch.Publish("", replyTo, false, false, pub); err != nil {
			return fmt.Errorf("publishing to %s: %w", replyTo, err)
		}
		return nil
	}

	key := a.notificationKey(m)
	if err := ch.Publish(a.opts.Exchange, key, false, false, pub); err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	return nil
}

// notificationKey derives the routing key for a server-initiated message.
// Tool-call progress notifications route by the tool they concern; list
// changes and everything else route by their method name.
func (a *AMQP) notificationKey(m *protocol.Message) string {
	if m.Method == "" {
		return a.responseKey()
	}
	return RoutingKeyFor(m.Method)
}

func (a *AMQP) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *AMQP) teardown() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.channel = nil
	a.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close shuts the connection down permanently.
func (a *AMQP) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.teardown()
	return nil
}
