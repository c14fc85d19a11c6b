// Package cli реализует инструмент командной строки Conductor.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Conductor API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// Используется операторами для просмотра runs, ручных переходов
// состояний, управления лимитами конкурентности и work queues.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Conductor API. Разбирает обёртку data и
// ошибки API ({"error": {"code", "message"}}) в *APIError.
//
//	client := cli.NewClient("http://localhost:8080")
//	res, err := client.SetRunState(id, cli.StateRequest{Type: "CANCELLING"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conductor run states ID --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - run: show, states, set-state
//   - concurrency: create, ls, reset, delete
//   - work-queue: create, show, pause, resume, status
//   - deployment: materialize
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
