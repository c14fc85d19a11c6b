// Package effects — исполнитель побочных эффектов принятых переходов.
//
// Эффекты пишутся в outbox в одной транзакции с переходом. Worker
// захватывает готовые записи с арендой, применяет их и завершает,
// откладывает с backoff или переводит в DEAD после MaxAttempts.
//
// Worker будят два источника:
//   - сообщение effects.pending из RabbitMQ (event-driven)
//   - таймер PollInterval (fallback, заодно гасит устаревшие очереди)
//
// Все обработчики идемпотентны: после падения worker запись
// выполняется повторно по истечении аренды.
package effects
