package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Conductor/internal/domain"
)

// MessageType — тип сообщения.
type MessageType string

const (
	MessageTypeEffectsPending MessageType = "effects.pending"
	MessageTypeNotification   MessageType = "notification"
)

// Message — конверт сообщения.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger, now: time.Now}
}

// Publish публикует сообщение типа msgType с payload в exchange.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: p.now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		msg.Payload = raw
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msgType),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msgType,
		)
		return nil
	})
}

// PublishEffectsPending будит effects worker.
func (p *Publisher) PublishEffectsPending(ctx context.Context) error {
	return p.Publish(ctx, ExchangeEffects, RoutingKeyPending, MessageTypeEffectsPending, nil)
}

// PublishNotification передаёт уведомление внешнему диспетчеру.
func (p *Publisher) PublishNotification(ctx context.Context, rec domain.NotificationRecord) error {
	return p.Publish(ctx, ExchangeNotifications, RoutingKeyOutbound, MessageTypeNotification, rec)
}
