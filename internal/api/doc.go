// Package api — HTTP API control plane.
//
// Структура:
//   - handler.go       — Handler и его зависимости
//   - routes.go        — регистрация маршрутов
//   - middleware.go    — logging, recovery, metrics
//   - response.go      — JSON-ответы и маппинг ошибок в статусы
//   - dto.go           — запросы и ответы
//   - *_handler.go     — обработчики по ресурсам
//
// Результат перехода состояния: ACCEPT — 201, REJECT и ABORT — 200
// с причиной и подсказкой повтора.
package api
