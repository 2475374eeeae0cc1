package engine

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWatchdogTimeout время без данных, после которого вход считается мертвым
	DefaultWatchdogTimeout = 5000 * time.Millisecond

	// watchdogLogThreshold задержки больше этого логируются
	watchdogLogThreshold = 3 * time.Second
)

// Watchdog сторожевой таймер входа.
// Сбрасывается при каждом прочитанном кадре, истекает после timeout без сброса.
type Watchdog struct {
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	last       time.Time
	lastLogged int64 // последняя залогированная секунда задержки
}

// NewWatchdog создает сторож, отсчет начинается сразу
func NewWatchdog(timeout time.Duration, logger *slog.Logger) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		timeout: timeout,
		logger:  logger,
		last:    time.Now(),
	}
}

// Reset отмечает прогресс
func (w *Watchdog) Reset() {
	w.mu.Lock()
	w.last = time.Now()
	w.lastLogged = 0
	w.mu.Unlock()
}

// Elapsed время с последнего сброса
func (w *Watchdog) Elapsed() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.last)
}

// Expired true, если с последнего сброса прошло больше timeout
func (w *Watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Since(w.last)
	if elapsed > watchdogLogThreshold {
		// Не чаще раза в секунду
		sec := int64(elapsed / time.Second)
		if sec != w.lastLogged {
			w.lastLogged = sec
			w.logger.Debug("Нет данных на входе", slog.Duration("delay", elapsed))
		}
	}

	return elapsed > w.timeout
}

// Timeout настроенный таймаут
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}
