// Package receiver реализует серверный приемник медиа потока.
//
// Приемник открывает вход по SDP описанию сессии и копирует кадры в файл
// out<id>.mp4 без перекодирования. Работает в собственной горутине:
//
//	open_input -> open_output -> process
//	     \             \             \
//	      +-------------+-------------+--> fail -> unloading
//
// Владелец узнает о результате через Events. Колбэки вызываются из рабочей
// горутины, владелец сам переносит их в свой контекст.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/metrics"
)

// Состояния приемника
const (
	StateOpenInput  = "open_input"
	StateOpenOutput = "open_output"
	StateProcess    = "process"
	StateFail       = "fail"
	StateUnloading  = "unloading"
)

const (
	eventInputOpened  = "input_opened"
	eventOutputOpened = "output_opened"
	eventFail         = "fail"
	eventUnload       = "unload"
)

// Events колбэки владельца приемника
type Events interface {
	// OnReceiverStarted вход открыт, поток пошел
	OnReceiverStarted()
	// OnReceiverFailed приемник остановился с ошибкой, вызывается один раз
	OnReceiverFailed()
}

// Spawner запускает именованные горутины
type Spawner interface {
	Go(name string, fn func())
}

// Config параметры приемника
type Config struct {
	// SDPPath файл SDP описания входа
	SDPPath string
	// SessionID идентификатор сессии, входит в имя выходного файла
	SessionID int
	// OutputDir каталог выходного файла
	OutputDir string
	// InputTimeout сторожевой таймаут входа
	InputTimeout time.Duration
	// ReadBufferSize приемный буфер UDP сокетов
	ReadBufferSize int
	// Workers реестр горутин, nil - обычный go
	Workers Spawner
}

// Receiver приемник одной сессии
type Receiver struct {
	cfg     Config
	events  Events
	engine  engine.Engine
	logger  *slog.Logger
	metrics *metrics.Collector

	fsm      *fsm.FSM
	watchdog *engine.Watchdog

	// Только рабочая горутина
	input  engine.InputContext
	output engine.OutputContext

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu          sync.Mutex
	initialized bool
}

// New создает приемник, горутина стартует в Initialize
func New(cfg Config, events Events, eng engine.Engine, logger *slog.Logger, m *metrics.Collector) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}

	r := &Receiver{
		cfg:     cfg,
		events:  events,
		engine:  eng,
		metrics: m,
		logger: logger.With(
			slog.String("component", "receiver"),
			slog.Int("session_id", cfg.SessionID)),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.watchdog = engine.NewWatchdog(cfg.InputTimeout, r.logger)
	r.initStateMachine()
	return r
}

func (r *Receiver) initStateMachine() {
	r.fsm = fsm.NewFSM(
		StateOpenInput,
		fsm.Events{
			{Name: eventInputOpened, Src: []string{StateOpenInput}, Dst: StateOpenOutput},
			{Name: eventOutputOpened, Src: []string{StateOpenOutput}, Dst: StateProcess},
			{Name: eventFail, Src: []string{StateOpenInput, StateOpenOutput, StateProcess}, Dst: StateFail},
			{Name: eventUnload, Src: []string{StateFail}, Dst: StateUnloading},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.logger.Debug("Смена состояния", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
}

// State текущее состояние
func (r *Receiver) State() string {
	return r.fsm.Current()
}

// OutputPath путь выходного файла
func (r *Receiver) OutputPath() string {
	return filepath.Join(r.cfg.OutputDir, fmt.Sprintf("out%d.mp4", r.cfg.SessionID))
}

// Initialize запускает рабочую горутину. Повторный вызов ничего не делает.
func (r *Receiver) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return
	}
	r.initialized = true

	name := fmt.Sprintf("receiver-%d", r.cfg.SessionID)
	if r.cfg.Workers != nil {
		r.cfg.Workers.Go(name, r.run)
	} else {
		go r.run()
	}
}

// Uninitialize ставит флаг остановки и ждет рабочую горутину.
// Блокирует не дольше текущей операции чтения (опрос прерывания ~100мс).
// Повторный вызов безопасен.
func (r *Receiver) Uninitialize() {
	r.stopping.Store(true)
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	initialized := r.initialized
	r.mu.Unlock()

	if initialized {
		<-r.done
	}
	r.logger.Debug("Приемник остановлен")
}

// interrupted хук прерывания входа: остановка или сторож
func (r *Receiver) interrupted() bool {
	if r.stopping.Load() {
		return true
	}
	if r.watchdog.Expired() {
		r.logger.Warn("Прерывание входа по таймауту", slog.Duration("timeout", r.watchdog.Timeout()))
		return true
	}
	return false
}

func (r *Receiver) run() {
	defer close(r.done)
	defer r.release()

	r.logger.Info("Приемник запущен", slog.String("sdp", r.cfg.SDPPath))

	for !r.stopping.Load() {
		switch r.fsm.Current() {
		case StateOpenInput:
			r.openInput()
		case StateOpenOutput:
			r.openOutput()
		case StateProcess:
			r.process()
		case StateFail:
			r.metrics.ReceiverFailed()
			r.events.OnReceiverFailed()
			r.transition(eventUnload)
		case StateUnloading:
			<-r.stopCh
		}
	}
}

func (r *Receiver) transition(event string) {
	if err := r.fsm.Event(context.Background(), event); err != nil {
		r.logger.Error("Недопустимый переход",
			slog.String("event", event),
			slog.String("state", r.fsm.Current()),
			slog.String("error", err.Error()))
	}
}

func (r *Receiver) openInput() {
	r.watchdog.Reset()

	input, err := r.engine.OpenInput(r.cfg.SDPPath, engine.InputOptions{
		Interrupt:      r.interrupted,
		ReadBufferSize: r.cfg.ReadBufferSize,
	})
	if err != nil {
		r.logger.Error("Не удалось открыть SDP вход", slog.String("error", err.Error()))
		r.transition(eventFail)
		return
	}
	r.input = input

	r.events.OnReceiverStarted()

	streams := input.Streams()
	if len(streams) == 0 {
		r.logger.Error("Во входе нет потоков")
		r.transition(eventFail)
		return
	}
	for _, s := range streams {
		r.logger.Info("Входной поток",
			slog.Int("index", s.Index),
			slog.String("kind", s.Kind.String()),
			slog.String("time_base", s.TimeBase.String()))
	}

	r.transition(eventInputOpened)
}

func (r *Receiver) openOutput() {
	output, err := r.engine.OpenOutput(engine.FormatFile, r.OutputPath(), r.input.Streams())
	if err != nil {
		r.logger.Error("Не удалось открыть выход", slog.String("path", r.OutputPath()), slog.String("error", err.Error()))
		r.transition(eventFail)
		return
	}
	r.output = output

	r.logger.Info("Запись в файл", slog.String("path", r.OutputPath()))
	r.transition(eventOutputOpened)
}

func (r *Receiver) process() {
	frame, err := r.input.ReadFrame()
	if err != nil {
		if r.stopping.Load() {
			return
		}
		r.logger.Warn("Ошибка чтения кадра", slog.String("error", err.Error()))
		r.transition(eventFail)
		return
	}

	r.watchdog.Reset()

	streams := r.input.Streams()
	if frame.StreamIndex < 0 || frame.StreamIndex >= len(streams) {
		return
	}
	engine.RescaleTimestamps(&frame, streams[frame.StreamIndex].TimeBase, r.output.TimeBase(frame.StreamIndex))

	if err := r.output.WriteFrame(frame); err != nil {
		// Ошибка записи не останавливает прием
		r.metrics.ReceiverWriteError()
		r.logger.Warn("Ошибка записи кадра",
			slog.Int("stream", frame.StreamIndex),
			slog.String("error", err.Error()))
		return
	}
	r.metrics.ReceiverFrame(len(frame.Data))
}

// release закрывает выход (трейлер) и вход
func (r *Receiver) release() {
	if r.output != nil {
		if err := r.output.Close(); err != nil {
			r.logger.Warn("Ошибка закрытия выхода", slog.String("error", err.Error()))
		}
	}
	if r.input != nil {
		if err := r.input.Close(); err != nil {
			r.logger.Warn("Ошибка закрытия входа", slog.String("error", err.Error()))
		}
	}
}
