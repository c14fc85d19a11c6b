// Package workqueue отслеживает готовность work queues и отдаёт воркерам
// runs, которые можно запускать.
//
// Статус очереди:
//
//	NOT_READY → READY      опрос воркером, когда очередь может принять работу,
//	                       или явная пометка (новый run попал в очередь)
//	READY     → NOT_READY  очередь не опрашивалась дольше stale_after
//	PAUSED                 флаг оператора, перекрывает READY/NOT_READY
//
// Устаревание проверяется лениво при чтении (EffectiveStatus) и
// периодически сохраняется SweepStale. Смена статуса очереди
// распространяется на deployments, привязанные к ней.
package workqueue
