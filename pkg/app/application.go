// Package app реализует жизненный цикл процесса ретранслятора.
//
// Приложение владеет однопоточным реактором. Сервис (сервер потоков или
// клиентский отправитель) запускается на реакторе через AppRun и
// останавливается через AppStop. Остановка ограничена бюджетом тиков:
//
//	Unload -> processStop: AppStop, затем раз в тик проверка Tracker.Count()
//	Count() == 0        -> чистая остановка, Run возвращает nil
//	бюджет исчерпан     -> принудительная остановка, ErrForceStopped
//
// Повторный сигнал во время выгрузки завершает процесс немедленно.
package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/media_relay/pkg/metrics"
)

const (
	// DefaultShutdownBudget тиков ожидания держателей при остановке
	DefaultShutdownBudget = 10
	// DefaultShutdownTick длительность тика остановки
	DefaultShutdownTick = time.Second
)

// ErrForceStopped держатели не освободились за бюджет остановки
var ErrForceStopped = errors.New("принудительная остановка")

// Service запускаемый приложением сервис.
// Оба метода вызываются на реакторе.
type Service interface {
	Name() string
	AppRun(host *Application) error
	AppStop()
}

// Options параметры жизненного цикла
type Options struct {
	ShutdownBudget int
	ShutdownTick   time.Duration

	// Version печатается в заголовке лога
	Version string

	// HandleSignals подписка на SIGINT/SIGTERM
	HandleSignals bool

	// Exit жесткий выход, по умолчанию os.Exit
	Exit func(code int)
}

// Application жизненный цикл процесса
type Application struct {
	service Service
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Collector

	reactor *Reactor
	tracker *Tracker
	workers *Workers

	unloading atomic.Bool

	// Только на реакторе
	countdown int
	timer     *time.Timer
	forced    bool
	runErr    error

	exitOnce sync.Once
}

// New создает приложение для сервиса
func New(service Service, opts Options, logger *slog.Logger, m *metrics.Collector) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownBudget <= 0 {
		opts.ShutdownBudget = DefaultShutdownBudget
	}
	if opts.ShutdownTick <= 0 {
		opts.ShutdownTick = DefaultShutdownTick
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Version == "" {
		opts.Version = "unknown"
	}

	logger = logger.With(slog.String("component", "app"), slog.String("service", service.Name()))

	return &Application{
		service:   service,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		reactor:   NewReactor(logger),
		tracker:   NewTracker(),
		workers:   NewWorkers(),
		countdown: -1,
	}
}

// Post выполняет fn на реакторе
func (a *Application) Post(fn func()) {
	if !a.reactor.Post(fn) {
		a.logger.Debug("Реактор остановлен, задача отброшена")
	}
}

// BlockedCall выполняет fn на реакторе и ждет завершения
func (a *Application) BlockedCall(fn func()) bool {
	return a.reactor.BlockedCall(fn)
}

// Tracker счетчик держателей
func (a *Application) Tracker() *Tracker {
	return a.tracker
}

// Workers реестр рабочих горутин
func (a *Application) Workers() *Workers {
	return a.workers
}

// Logger логгер приложения
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Unloading true после первого Unload
func (a *Application) Unloading() bool {
	return a.unloading.Load()
}

// Unload запускает остановку. Повторный вызов ничего не делает.
func (a *Application) Unload() {
	if !a.unloading.CompareAndSwap(false, true) {
		return
	}
	a.logger.Info("Выгрузка приложения")
	a.Post(a.processStop)
}

// Interrupt реакция на внешний сигнал остановки:
// первый запускает выгрузку, повторный завершает процесс с кодом 1.
func (a *Application) Interrupt() {
	if a.Unloading() {
		a.logger.Warn("Принудительная остановка по повторному сигналу")
		a.exitOnce.Do(func() { a.opts.Exit(1) })
		return
	}
	a.Unload()
}

// Run запускает сервис и блокируется до остановки реактора.
// nil при чистой остановке, ErrForceStopped при принудительной,
// ошибка AppRun или ErrPanic в остальных случаях.
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("***** " + a.service.Name() + " rev:" + a.opts.Version + " *****")

	if a.opts.HandleSignals {
		stop := a.watchSignals()
		defer stop()
	}

	go func() {
		select {
		case <-ctx.Done():
			a.Unload()
		case <-a.reactor.Done():
		}
	}()

	a.Post(func() {
		if err := a.service.AppRun(a); err != nil {
			a.logger.Error("Ошибка запуска сервиса", slog.String("error", err.Error()))
			a.runErr = err
			a.reactor.Stop()
			return
		}
		a.logger.Info("Сервис запущен")
	})

	if err := a.reactor.Run(); err != nil {
		a.stopTimer()
		return err
	}
	a.stopTimer()

	switch {
	case a.runErr != nil:
		return errors.Wrap(a.runErr, "запуск сервиса")
	case a.forced:
		return ErrForceStopped
	default:
		return nil
	}
}

func (a *Application) watchSignals() func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				a.logger.Info("Получен сигнал", slog.String("signal", sig.String()))
				a.Interrupt()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// processStop шаг остановки, выполняется на реакторе
func (a *Application) processStop() {
	if a.tracker.Count() == 0 || a.countdown == 0 {
		a.stopTimer()

		if a.countdown != 0 {
			a.logger.Info("Приложение успешно остановлено")
		} else {
			a.logger.Warn("Принудительная остановка",
				slog.Any("holders", a.tracker.Names()),
				slog.Any("workers", a.workers.List()))
			a.forced = true
		}
		a.reactor.Stop()
		return
	}

	if a.countdown < 0 {
		a.countdown = a.opts.ShutdownBudget
		a.logger.Info("Начало остановки")

		a.service.AppStop()
		a.stopTimer()
	}

	if a.countdown > 0 {
		a.logger.Info("Процесс выгрузки",
			slog.Int("countdown", a.countdown),
			slog.Int("holders", a.tracker.Count()))
		a.metrics.ShutdownTick()

		a.countdown--
		a.timer = time.AfterFunc(a.opts.ShutdownTick, func() {
			a.Post(a.processStop)
		})
	}
}

func (a *Application) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
