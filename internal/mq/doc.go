// Package mq — транспорт RabbitMQ для Conductor.
//
// Брокер не хранит состояние: источник истины — outbox эффектов в Postgres.
// Сообщение effects.pending только будит effects worker, а при потере
// сообщения эффекты подхватывает polling.
//
// Структура:
//   - connection.go — соединение с reconnect
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация
//   - consumer.go   — потребление
//
// Типы сообщений:
//   - effects.pending — в outbox появились эффекты
//   - notification    — уведомление для внешнего диспетчера
package mq
