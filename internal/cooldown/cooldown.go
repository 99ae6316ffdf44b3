// Package cooldown реализует обобщённый трекер задержек по ключу.
// Используется для ограничения частоты запросов кода по пользователю
// и для подавления повторных SMS-уведомлений по товару.
package cooldown

import (
	"sync"
	"time"
)

// Tracker хранит время последнего события по ключу и отвечает,
// прошло ли заданное окно задержки. Записи старше окна считаются
// отсутствующими и вычищаются при следующей записи.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// New создаёт трекер с указанным окном задержки.
func New(window time.Duration) *Tracker {
	return NewWithClock(window, time.Now)
}

// NewWithClock создаёт трекер с внешними часами. Используется в тестах.
func NewWithClock(window time.Duration, now func() time.Time) *Tracker {
	return &Tracker{
		window:  window,
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// CanProceed сообщает, разрешено ли действие по ключу: записи нет
// либо с момента последней записи прошло не меньше окна.
func (t *Tracker) CanProceed(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.entries[key]
	if !ok {
		return true
	}

	return t.now().Sub(last) >= t.window
}

// TryProceed атомарно проверяет ключ и, если действие разрешено,
// сразу записывает отметку времени. Два конкурентных вызова для одного
// ключа не могут пройти проверку оба.
func (t *Tracker) TryProceed(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	last, ok := t.entries[key]
	if ok && now.Sub(last) < t.window {
		return false
	}

	t.prune(now)
	t.entries[key] = now
	return true
}

// Record перезаписывает отметку времени для ключа текущим моментом.
func (t *Tracker) Record(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.prune(now)
	t.entries[key] = now
}

// Reset снимает задержку с ключа.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, key)
}

// Remaining возвращает остаток окна задержки для ключа.
// Для свободного ключа возвращает 0.
func (t *Tracker) Remaining(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.entries[key]
	if !ok {
		return 0
	}

	remaining := t.window - t.now().Sub(last)
	if remaining < 0 {
		return 0
	}

	return remaining
}

// RemainingSeconds возвращает остаток задержки в секундах, округлённый вверх.
func (t *Tracker) RemainingSeconds(key string) int {
	return int(ceilDiv(t.Remaining(key), time.Second))
}

// RemainingMinutes возвращает остаток задержки в минутах, округлённый вверх.
func (t *Tracker) RemainingMinutes(key string) int {
	return int(ceilDiv(t.Remaining(key), time.Minute))
}

// prune удаляет истёкшие записи. Вызывается под мьютексом.
func (t *Tracker) prune(now time.Time) {
	for key, last := range t.entries {
		if now.Sub(last) >= t.window {
			delete(t.entries, key)
		}
	}
}

func ceilDiv(d, unit time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + unit - 1) / unit)
}
