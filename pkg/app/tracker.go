package app

import (
	"sort"
	"sync"
)

// Tracker считает живые компоненты (сервис, сессии, отправитель).
// Приложение может завершиться чисто, когда Count() == 0.
type Tracker struct {
	mu      sync.Mutex
	next    uint64
	holders map[uint64]string
}

// NewTracker создает пустой счетчик
func NewTracker() *Tracker {
	return &Tracker{holders: make(map[uint64]string)}
}

// Acquire регистрирует держателя name.
// Возвращенная функция освобождает слот, повторный вызов ничего не делает.
func (t *Tracker) Acquire(name string) (release func()) {
	t.mu.Lock()
	t.next++
	id := t.next
	t.holders[id] = name
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.holders, id)
			t.mu.Unlock()
		})
	}
}

// Count количество держателей
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.holders)
}

// Names имена держателей в порядке регистрации
func (t *Tracker) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uint64, 0, len(t.holders))
	for id := range t.holders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, t.holders[id])
	}
	return names
}
