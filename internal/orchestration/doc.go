// Package orchestration реализует движок переходов состояний run.
//
// Клиент (воркер, API, планировщик) предлагает новое состояние run.
// Движок читает текущее состояние и прогоняет предложение через
// упорядоченный список правил (Policy). Каждое правило привязано к
// шаблону перехода (из каких типов → в какие) и возвращает Outcome:
//
//	Accept  — переход разрешён (возможно, с побочными эффектами)
//	Reject  — переход отклонён, состояние run не меняется
//	Abort   — предложение бессмысленно (дубликат) и отбрасывается
//	Mutate  — правило заменяет предлагаемое состояние
//
// Первый Reject или Abort прерывает конвейер. Шаблоны проверяются против
// предложения с учётом мутаций предыдущих правил. Правила, которые успели
// выполниться до отказа, или чей шаблон перестал совпадать с итоговым
// состоянием, получают Cleanup в обратном порядке.
//
// Коммит атомарен: условное обновление run по версии, запись в историю
// и outbox эффектов в одной транзакции. При конфликте версий движок
// откатывает правила и переоценивает предложение против состояния
// победителя (не более MaxCommitRetries раз).
//
// Порядок правил для flow runs (см. Engine.Policy):
//
//	SecureConcurrencySlots           any pending → RUNNING
//	AbortDuplicateTransition         any → any (тот же ID состояния)
//	AbortDuplicateTerminal           terminal → тот же terminal
//	PreventTerminalExit              terminal → any
//	PreventPendingTransitions        PENDING/RUNNING/CANCELLING → PENDING
//	RequireCancellingAcknowledgement RUNNING → CANCELLED
//	RestrictCancellingExit           CANCELLING → non-terminal
//	HandlePausing                    non-terminal → PAUSED
//	ResumePausedRuns                 PAUSED → SCHEDULED/PENDING/RUNNING
//	EnsureScheduledTime              any → SCHEDULED
//	WaitForScheduledTime             SCHEDULED → PENDING/RUNNING
//	RetryFailedRuns                  RUNNING → FAILED
//	MarkWorkQueueReady               any → PENDING/RUNNING
//	ReleaseConcurrencySlots          RUNNING/CANCELLING → other
//	NotifyOnStateChange              any → any
//
// Захват слотов стоит первым: если переход отклонит любое следующее
// правило, Cleanup освободит слоты, и отклонённый переход их не удержит.
package orchestration
