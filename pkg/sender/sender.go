// Package sender реализует клиентский отправитель медиа потока.
//
// Отправитель читает входной файл и передает лучший видео и лучший аудио
// поток одним из трех способов (Mode):
//
//	ModeServer  рукопожатие с сервером, два RTP выхода на выданные порты
//	ModeSingle  два RTP выхода на фиксированные порты, без рукопожатия
//	ModeFile    один файл с обоими потоками
//
// Состояния рабочей горутины:
//
//	initialize -> sending -> critical_stop -> unloading
//	     \______________________/
//
// Любая ошибка открытия или передачи ведет в critical_stop без повторов.
package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/metrics"
	"github.com/arzzra/media_relay/pkg/ports"
)

// Mode способ передачи
type Mode int

const (
	ModeServer Mode = 0
	ModeSingle Mode = 1
	ModeFile   Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeSingle:
		return "single"
	case ModeFile:
		return "file"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Valid известный режим
func (m Mode) Valid() bool {
	return m >= ModeServer && m <= ModeFile
}

// Состояния отправителя
const (
	StateInitialize   = "initialize"
	StateSending      = "sending"
	StateCriticalStop = "critical_stop"
	StateUnloading    = "unloading"
)

const (
	eventOpened = "opened"
	eventFail   = "fail"
	eventUnload = "unload"
)

// Индексы выходов в сетевых режимах
const (
	videoIdx     = 0
	audioIdx     = 1
	streamsCount = 2
)

// ErrRejected сервер ответил FAIL на START_STREAM
var ErrRejected = errors.New("сервер отклонил поток")

// ErrNoPorts сервер не выдал порты
var ErrNoPorts = errors.New("сервер не выдал порты")

// Events колбэки владельца
type Events interface {
	// OnSenderStopped вызывается из рабочей горутины один раз
	OnSenderStopped(s *Sender)
}

// Negotiator клиентская сторона управляющего канала
type Negotiator interface {
	Dial(ctx context.Context) error
	ReservePorts(ctx context.Context) (uint16, uint16, error)
	StartStream(ctx context.Context, description string) (bool, error)
	Close() error
}

// Spawner запускает именованные горутины
type Spawner interface {
	Go(name string, fn func())
}

// Config параметры отправителя
type Config struct {
	Mode Mode
	// Input входной файл
	Input string
	// ServerAddress адрес назначения RTP
	ServerAddress string
	// SingleVideoPort и SingleAudioPort порты режима ModeSingle
	SingleVideoPort uint16
	SingleAudioPort uint16
	// OutputFile файл режима ModeFile
	OutputFile string
	// SDPFile копия отправленного описания, пусто - не сохранять
	SDPFile string
	// Pacing пауза после каждого отправленного кадра
	Pacing time.Duration
	// ReplyTimeout таймаут одного шага рукопожатия
	ReplyTimeout time.Duration
	// Workers реестр горутин, nil - обычный go
	Workers Spawner
}

// Sender отправитель, один на процесс клиента
type Sender struct {
	cfg        Config
	events     Events
	engine     engine.Engine
	negotiator Negotiator
	logger     *slog.Logger
	metrics    *metrics.Collector
	instanceID string

	fsm *fsm.FSM

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	done    chan struct{}

	// Только рабочая горутина
	input        engine.InputContext
	inputStreams [streamsCount]engine.StreamInfo
	outputs      [streamsCount]engine.OutputContext
	fileOutput   engine.OutputContext
	description  string
	stopReason   string

	stopping    atomic.Bool
	mu          sync.Mutex
	initialized bool
}

// New создает отправитель. negotiator нужен только в ModeServer.
func New(cfg Config, events Events, eng engine.Engine, negotiator Negotiator, logger *slog.Logger, m *metrics.Collector) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServerAddress == "" {
		cfg.ServerAddress = "127.0.0.1"
	}
	if cfg.SingleVideoPort == 0 {
		cfg.SingleVideoPort = ports.DefaultBasePort
	}
	if cfg.SingleAudioPort == 0 {
		cfg.SingleAudioPort = ports.DefaultBasePort + 2
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	s := &Sender{
		cfg:        cfg,
		events:     events,
		engine:     eng,
		negotiator: negotiator,
		metrics:    m,
		instanceID: id,
		logger: logger.With(
			slog.String("component", "sender"),
			slog.String("mode", cfg.Mode.String()),
			slog.String("instance", id)),
		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan func(), 4),
		done:    make(chan struct{}),
	}
	s.initStateMachine()
	return s
}

func (s *Sender) initStateMachine() {
	s.fsm = fsm.NewFSM(
		StateInitialize,
		fsm.Events{
			{Name: eventOpened, Src: []string{StateInitialize}, Dst: StateSending},
			{Name: eventFail, Src: []string{StateInitialize, StateSending}, Dst: StateCriticalStop},
			{Name: eventUnload, Src: []string{StateInitialize, StateSending, StateCriticalStop}, Dst: StateUnloading},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("Смена состояния", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
}

// State текущее состояние
func (s *Sender) State() string {
	return s.fsm.Current()
}

// InstanceID идентификатор экземпляра, входит в имя SDP сессии
func (s *Sender) InstanceID() string {
	return s.instanceID
}

// Description последнее построенное SDP описание
func (s *Sender) Description() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.description
}

// Initialize запускает рабочую горутину. Повторный вызов ничего не делает.
func (s *Sender) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return
	}
	s.initialized = true
	if s.cfg.Workers != nil {
		s.cfg.Workers.Go("sender", s.run)
	} else {
		go s.run()
	}
}

// Uninitialize ставит выгрузку в почтовый ящик горутины и ждет ее.
// Блокирующие операции прерываются отменой контекста.
func (s *Sender) Uninitialize() {
	if s.stopping.CompareAndSwap(false, true) {
		select {
		case s.mailbox <- func() { s.transition(eventUnload) }:
		default:
		}
		s.cancel()
	}

	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()

	if initialized {
		<-s.done
	}
}

func (s *Sender) run() {
	defer close(s.done)
	defer s.release()

	s.logger.Info("Отправитель запущен", slog.String("input", s.cfg.Input))

	for {
		s.pollMailbox()

		switch s.fsm.Current() {
		case StateInitialize:
			s.openStreams()
		case StateSending:
			s.process()
		case StateCriticalStop:
			s.metrics.SenderStopped(s.stopReason)
			s.events.OnSenderStopped(s)
			s.transition(eventUnload)
		case StateUnloading:
			return
		}
	}
}

// pollMailbox выполняет одно сообщение, если оно есть
func (s *Sender) pollMailbox() {
	select {
	case fn := <-s.mailbox:
		fn()
	default:
	}
}

func (s *Sender) transition(event string) {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		s.logger.Debug("Переход не выполнен",
			slog.String("event", event),
			slog.String("state", s.fsm.Current()),
			slog.String("error", err.Error()))
	}
}

func (s *Sender) fail(reason string, err error) {
	if s.stopping.Load() {
		return
	}
	s.stopReason = reason
	if errors.Is(err, io.EOF) {
		s.logger.Info("Вход передан полностью")
	} else {
		s.logger.Error("Отправитель остановлен", slog.String("reason", reason), slog.String("error", err.Error()))
	}
	s.transition(eventFail)
}

func (s *Sender) interrupted() bool {
	return s.ctx.Err() != nil
}

func (s *Sender) openStreams() {
	if err := s.openInput(); err != nil {
		s.fail("open_input", err)
		return
	}

	var err error
	switch s.cfg.Mode {
	case ModeServer:
		err = s.openServerOutputs()
	case ModeSingle:
		err = s.openRTPOutputs(s.cfg.SingleVideoPort, s.cfg.SingleAudioPort)
	case ModeFile:
		err = s.openFileOutput()
	default:
		err = errors.Errorf("неизвестный режим %d", int(s.cfg.Mode))
	}
	if err != nil {
		s.fail("open_output", err)
		return
	}

	s.transition(eventOpened)
}

func (s *Sender) openInput() error {
	input, err := s.engine.OpenInput(s.cfg.Input, engine.InputOptions{Interrupt: s.interrupted})
	if err != nil {
		return errors.Wrapf(err, "открытие входа %s", s.cfg.Input)
	}
	s.input = input

	video, err := input.FindBestStream(engine.KindVideo)
	if err != nil {
		return errors.Wrap(err, "во входе нет видео потока")
	}
	audio, err := input.FindBestStream(engine.KindAudio)
	if err != nil {
		return errors.Wrap(err, "во входе нет аудио потока")
	}
	s.inputStreams[videoIdx] = video
	s.inputStreams[audioIdx] = audio

	s.logger.Info("Вход открыт",
		slog.Int("video", video.Index),
		slog.Int("audio", audio.Index),
		slog.Int("streams", len(input.Streams())))
	return nil
}

func (s *Sender) openServerOutputs() error {
	if s.negotiator == nil {
		return errors.New("нет управляющего канала")
	}

	if err := s.negotiator.Dial(s.ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ReplyTimeout)
	port1, port2, err := s.negotiator.ReservePorts(ctx)
	cancel()
	if err != nil {
		return err
	}
	s.logger.Info("Получены порты от сервера", slog.Int("video", int(port1)), slog.Int("audio", int(port2)))

	if port1 == ports.NoPort || port2 == ports.NoPort {
		return ErrNoPorts
	}

	if err := s.openRTPOutputs(port1, port2); err != nil {
		return err
	}

	description, err := engine.BuildSessionDescription(s.outputs[:], engine.SessionOptions{
		SessionName: "media_relay " + s.instanceID,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.description = description
	s.mu.Unlock()

	s.logger.Debug("SDP описание", slog.String("sdp", description))
	s.persistDescription(description)

	ctx, cancel = context.WithTimeout(s.ctx, s.cfg.ReplyTimeout)
	ok, err := s.negotiator.StartStream(ctx, description)
	cancel()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}

	s.logger.Info("Сервер принял поток")
	return nil
}

func (s *Sender) persistDescription(description string) {
	if s.cfg.SDPFile == "" {
		return
	}
	if err := os.WriteFile(s.cfg.SDPFile, []byte(description), 0o644); err != nil {
		s.logger.Warn("Не удалось сохранить SDP", slog.String("path", s.cfg.SDPFile), slog.String("error", err.Error()))
	}
}

func (s *Sender) rtpLocator(port uint16) string {
	return "rtp://" + net.JoinHostPort(s.cfg.ServerAddress, strconv.Itoa(int(port)))
}

func (s *Sender) openRTPOutputs(videoPort, audioPort uint16) error {
	for idx, port := range [streamsCount]uint16{videoPort, audioPort} {
		locator := s.rtpLocator(port)
		out, err := s.engine.OpenOutput(engine.FormatRTP, locator, []engine.StreamInfo{s.inputStreams[idx]})
		if err != nil {
			return errors.Wrapf(err, "открытие выхода %s", locator)
		}
		s.outputs[idx] = out
		s.logger.Info("RTP выход открыт", slog.String("url", locator), slog.String("kind", s.inputStreams[idx].Kind.String()))
	}
	return nil
}

func (s *Sender) openFileOutput() error {
	out, err := s.engine.OpenOutput(engine.FormatFile, s.cfg.OutputFile, s.inputStreams[:])
	if err != nil {
		return errors.Wrapf(err, "открытие файла %s", s.cfg.OutputFile)
	}
	s.fileOutput = out
	s.logger.Info("Запись в файл", slog.String("path", s.cfg.OutputFile))
	return nil
}

// route индекс выхода для входного потока, -1 если поток не передается
func (s *Sender) route(streamIndex int) int {
	for idx, st := range s.inputStreams {
		if st.Index == streamIndex {
			return idx
		}
	}
	return -1
}

func (s *Sender) process() {
	frame, err := s.input.ReadFrame()
	if err != nil {
		s.fail("read", err)
		return
	}

	idx := s.route(frame.StreamIndex)
	if idx < 0 {
		return
	}
	from := s.inputStreams[idx].TimeBase

	if s.cfg.Mode == ModeFile {
		frame.StreamIndex = idx
		engine.RescaleTimestamps(&frame, from, s.fileOutput.TimeBase(idx))
		if err := s.fileOutput.WriteFrame(frame); err != nil {
			s.fail("write", err)
			return
		}
		s.metrics.SenderFrame(s.inputStreams[idx].Kind.String())
		return
	}

	out := s.outputs[idx]
	frame.StreamIndex = 0
	engine.RescaleTimestamps(&frame, from, out.TimeBase(0))
	if err := out.WriteFrame(frame); err != nil {
		s.fail("write", err)
		return
	}
	s.metrics.SenderFrame(s.inputStreams[idx].Kind.String())

	s.pace()
}

func (s *Sender) pace() {
	if s.cfg.Pacing <= 0 {
		return
	}
	timer := time.NewTimer(s.cfg.Pacing)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
	}
}

func (s *Sender) release() {
	s.cancel()

	if s.fileOutput != nil {
		if err := s.fileOutput.Close(); err != nil {
			s.logger.Warn("Ошибка закрытия файла", slog.String("error", err.Error()))
		}
	}
	for idx, out := range s.outputs {
		if out == nil {
			continue
		}
		if err := out.Close(); err != nil {
			s.logger.Warn("Ошибка закрытия выхода", slog.Int("index", idx), slog.String("error", err.Error()))
		}
	}
	if s.input != nil {
		if err := s.input.Close(); err != nil {
			s.logger.Warn("Ошибка закрытия входа", slog.String("error", err.Error()))
		}
	}
	if s.negotiator != nil {
		if err := s.negotiator.Close(); err != nil {
			s.logger.Debug("Ошибка закрытия управляющего канала", slog.String("error", err.Error()))
		}
	}

	s.logger.Info(fmt.Sprintf("Отправитель выгружен, состояние %s", s.fsm.Current()))
}
