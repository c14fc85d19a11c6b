// Package concurrency управляет слотами конкурентности.
//
// Лимит задаётся по ключу (тег run или "work_queue:<id>").
// Жёсткий лимит хранит множество держателей и гарантирует
// |active_slots| <= limit в каждой закоммиченной точке.
// Затухающий лимит моделирует ведро токенов: занятость убывает со
// скоростью slot_decay_per_second, Release для него ничего не делает.
//
// Acquire никогда не блокируется: при нехватке ёмкости возвращается
// Grant{Granted: false} с причиной и подсказкой повтора.
// Захват атомарен для всего набора ключей: либо заняты все, либо ни один.
//
// Атомарность обеспечивает repo.ConcurrencyStore.UpdateLimits
// (SELECT ... FOR UPDATE в порядке ключей).
package concurrency
