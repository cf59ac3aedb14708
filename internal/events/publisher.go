// Package events publishes domain lifecycle events for downstream consumers
// (notifications, open-banking collection, analytics). Publishing is
// best-effort: the store is the source of truth and a failed publish never
// fails the operation that produced it.
package events

import (
	"ShiftLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Event types emitted by the engine.
const (
	TypeTradeSubmitted  = "trade_submitted"
	TypeTradeMatched    = "trade_matched"
	TypeTradeLive       = "trade_live"
	TypeTradeRepaid     = "trade_repaid"
	TypeTradeDefaulted  = "trade_defaulted"
	TypeTradeCancelled  = "trade_cancelled"
	TypeTradeExpired    = "trade_expired"
	TypeWithdrawalReady = "withdrawal_ready"
)

// Event is the outbound wire format. Subjects follow the pattern
// shift.ledger.events.{event_type}.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	EventType string         `json:"event_type"`
	TradeID   *uuid.UUID     `json:"trade_id,omitempty"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// NATSPublisher publishes to a JetStream stream.
type NATSPublisher struct {
	js      jetstream.JetStream
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewNATSPublisher(js jetstream.JetStream, metrics *observability.Metrics) *NATSPublisher {
	return &NATSPublisher{
		js:      js,
		logger:  observability.NewLogger("events"),
		metrics: metrics,
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.metrics.EventPublishErrs.Inc()
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("shift.ledger.events.%s", evt.EventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.metrics.EventPublishErrs.Inc()
		p.logger.Warn().Err(err).
			Str("event_type", evt.EventType).
			Msg("event publish failed")
		return err
	}

	p.metrics.EventsPublished.WithLabelValues(evt.EventType).Inc()
	return nil
}

// Nop discards events. Used in tests and when NATS is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// EnsureEventStream creates the outbound events stream.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SHIFT_LEDGER_EVENTS",
		Subjects:  []string{"shift.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
