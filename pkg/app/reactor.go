package app

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
)

// ErrPanic паника внутри обработчика реактора
var ErrPanic = errors.New("паника в реакторе")

// Reactor однопоточный контекст исполнения.
// Все переданные через Post функции выполняются по очереди в горутине Run.
// Очередь не ограничена, Post никогда не блокируется.
type Reactor struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewReactor создает реактор, Run нужно вызвать отдельно
func NewReactor(logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		logger: logger.With(slog.String("component", "reactor")),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post ставит fn в очередь. После Stop возвращает false, fn не выполнится.
func (r *Reactor) Post(fn func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// BlockedCall выполняет fn на реакторе и ждет завершения.
// Нельзя вызывать из самого реактора.
func (r *Reactor) BlockedCall(fn func()) bool {
	finished := make(chan struct{})
	if !r.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-r.done:
		// Реактор остановлен, но fn могла успеть выполниться
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// Stop останавливает реактор после текущей функции.
// Оставшиеся в очереди функции отбрасываются.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stopped true после Stop
func (r *Reactor) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Done закрывается при выходе из Run
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Run обрабатывает очередь до Stop.
// Паника в обработчике логируется со стеком и возвращается как ErrPanic.
func (r *Reactor) Run() (err error) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.stopped = true
			r.queue = nil
			r.mu.Unlock()

			r.logger.Error("Необработанная паника в реакторе",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			err = errors.Wrapf(ErrPanic, "%v", rec)
		}
	}()

	for {
		r.mu.Lock()
		if r.stopped {
			r.queue = nil
			r.mu.Unlock()
			return nil
		}
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, fn := range batch {
			// Остаток пачки после Stop не выполняется
			if r.Stopped() {
				break
			}
			fn()
		}

		if len(batch) == 0 {
			<-r.wake
		}
	}
}
