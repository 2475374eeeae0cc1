package app

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Workers реестр именованных рабочих горутин
type Workers struct {
	next  atomic.Uint64
	names sync.Map // uint64 -> string
	wg    sync.WaitGroup
}

// NewWorkers создает пустой реестр
func NewWorkers() *Workers {
	return &Workers{}
}

// Go запускает fn в горутине под именем name.
// Запись удаляется из реестра после возврата fn.
func (w *Workers) Go(name string, fn func()) {
	id := w.next.Add(1)
	w.names.Store(id, name)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer w.names.Delete(id)
		fn()
	}()
}

// List имена работающих горутин, отсортированные
func (w *Workers) List() []string {
	var names []string
	w.names.Range(func(_, value any) bool {
		names = append(names, value.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Count количество работающих горутин
func (w *Workers) Count() int {
	n := 0
	w.names.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Wait ждет завершения всех горутин
func (w *Workers) Wait() {
	w.wg.Wait()
}
