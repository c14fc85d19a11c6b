package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

// Exchanges.
const (
	ExchangeEffects       Exchange = "conductor.effects"
	ExchangeNotifications Exchange = "conductor.notifications"
	ExchangeDLQ           Exchange = "conductor.dlq"
)

// Queues.
const (
	QueueEffectsPending        Queue = "effects.pending"
	QueueNotificationsOutbound Queue = "notifications.outbound"
	QueueDLQNotifications      Queue = "dlq.notifications"
)

// Routing keys.
const (
	RoutingKeyPending          RoutingKey = "pending"
	RoutingKeyOutbound         RoutingKey = "outbound"
	RoutingKeyDLQNotifications RoutingKey = "notifications"
)

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// topology описывает всю схему брокера.
func topology() ([]exchangeDecl, []queueDecl, []bindingDecl) {
	exchanges := []exchangeDecl{
		{ExchangeEffects, "direct"},
		{ExchangeNotifications, "direct"},
		{ExchangeDLQ, "direct"},
	}

	queues := []queueDecl{
		// Сигналы без полезной нагрузки: потеря безопасна, DLQ не нужна.
		// Ограничение длины схлопывает шквал сигналов.
		{QueueEffectsPending, amqp.Table{
			"x-max-length": int32(1000),
			"x-overflow":   "drop-head",
		}},
		{QueueNotificationsOutbound, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQNotifications),
		}},
		{QueueDLQNotifications, nil},
	}

	bindings := []bindingDecl{
		{QueueEffectsPending, RoutingKeyPending, ExchangeEffects},
		{QueueNotificationsOutbound, RoutingKeyOutbound, ExchangeNotifications},
		{QueueDLQNotifications, RoutingKeyDLQNotifications, ExchangeDLQ},
	}
	return exchanges, queues, bindings
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	exchanges, queues, bindings := topology()

	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range exchanges {
			if err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range queues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range bindings {
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conductor RabbitMQ Topology:

    conductor.effects (direct)
    └── effects.pending [routing: pending]
            Consumer: effects worker

    conductor.notifications (direct)
    └── notifications.outbound [routing: outbound]
            Consumer: external dispatcher
            DLQ: dlq.notifications

    conductor.dlq (direct)
    └── dlq.notifications [routing: notifications]
            Manual processing
  `
}
