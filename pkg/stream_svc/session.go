package stream_svc

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/looplab/fsm"

	"github.com/arzzra/media_relay/pkg/app"
	"github.com/arzzra/media_relay/pkg/control"
	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/metrics"
	"github.com/arzzra/media_relay/pkg/ports"
	"github.com/arzzra/media_relay/pkg/receiver"
)

// Состояния сессии
const (
	StateWaitPortQuery      = "wait_port_query"
	StateWaitSDP            = "wait_sdp"
	StateWaitReceiverAnswer = "wait_receiver_answer"
	StateReceiverProcessed  = "receiver_processed"
	StateReceiverStopped    = "receiver_stopped"
	StateStopped            = "stopped"
)

const (
	eventPortsSent       = "ports_sent"
	eventSDPReceived     = "sdp_received"
	eventReceiverStarted = "receiver_started"
	eventReceiverFailed  = "receiver_failed"
	eventStop            = "stop"
)

// SessionOwner то, что сессии нужно от сервиса
type SessionOwner interface {
	PopPort() uint16
	ReturnPort(port uint16)
	StopSession(session *Session)
	Post(fn func())
}

// sessionHost внутренние зависимости сессии
type sessionHost interface {
	SessionOwner
	acquire(name string) func()
	workers() *app.Workers
}

// Session одно управляющее соединение
type Session struct {
	id      int
	conn    net.Conn
	reader  *bufio.Reader
	owner   sessionHost
	cfg     Config
	engine  engine.Engine
	logger  *slog.Logger
	metrics *metrics.Collector

	fsm *fsm.FSM

	port1    uint16
	port2    uint16
	receiver *receiver.Receiver
	release  func()
	reading  bool
}

func newSession(svc *Service, conn net.Conn, id int) *Session {
	s := &Session{
		id:      id,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, control.MaxMessageSize),
		owner:   svc,
		cfg:     svc.cfg,
		engine:  svc.engine,
		metrics: svc.metrics,
		logger: svc.logger.With(
			slog.Int("session_id", id),
			slog.String("remote", conn.RemoteAddr().String())),
	}
	s.initStateMachine()
	return s
}

func (s *Session) initStateMachine() {
	active := []string{
		StateWaitPortQuery, StateWaitSDP, StateWaitReceiverAnswer,
		StateReceiverProcessed, StateReceiverStopped,
	}
	s.fsm = fsm.NewFSM(
		StateWaitPortQuery,
		fsm.Events{
			{Name: eventPortsSent, Src: []string{StateWaitPortQuery}, Dst: StateWaitSDP},
			{Name: eventSDPReceived, Src: []string{StateWaitSDP}, Dst: StateWaitReceiverAnswer},
			{Name: eventReceiverStarted, Src: []string{StateWaitReceiverAnswer}, Dst: StateReceiverProcessed},
			{Name: eventReceiverFailed, Src: []string{StateWaitReceiverAnswer}, Dst: StateReceiverStopped},
			{Name: eventStop, Src: active, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("Смена состояния сессии", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
}

// ID идентификатор сессии
func (s *Session) ID() int {
	return s.id
}

// State текущее состояние
func (s *Session) State() string {
	return s.fsm.Current()
}

// Ports выданные сессии порты
func (s *Session) Ports() (uint16, uint16) {
	return s.port1, s.port2
}

// SDPPath файл SDP описания сессии
func (s *Session) SDPPath() string {
	return filepath.Join(s.cfg.OutputDir, fmt.Sprintf("sdp%d.sdp", s.id))
}

// Start занимает слот трекера и запускает чтение
func (s *Session) Start() {
	s.release = s.owner.acquire(fmt.Sprintf("session-%d", s.id))
	s.logger.Info("Новая сессия")
	s.doRead()
}

// Stop освобождает ресурсы сессии. Повторный вызов ничего не делает.
func (s *Session) Stop() {
	if s.fsm.Current() == StateStopped {
		return
	}
	s.transition(eventStop)

	s.conn.Close()

	s.owner.ReturnPort(s.port1)
	s.owner.ReturnPort(s.port2)
	s.port1, s.port2 = ports.NoPort, ports.NoPort

	if s.receiver != nil {
		s.receiver.Uninitialize()
		s.receiver = nil
	}

	s.owner.StopSession(s)

	if s.release != nil {
		s.release()
		s.release = nil
	}
	s.logger.Info("Сессия остановлена")
}

func (s *Session) transition(event string) {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		s.logger.Error("Недопустимый переход",
			slog.String("event", event),
			slog.String("state", s.fsm.Current()),
			slog.String("error", err.Error()))
	}
}

type readResult struct {
	msg control.Message
	err error
}

// doRead запускает одно асинхронное чтение, результат приходит через Post
func (s *Session) doRead() {
	switch s.fsm.Current() {
	case StateReceiverStopped:
		s.Stop()
		return
	case StateStopped:
		return
	}

	if s.reading {
		return
	}
	s.reading = true

	go func() {
		msg, err := control.ReadRequest(s.reader)
		s.owner.Post(func() { s.onRead(readResult{msg: msg, err: err}) })
	}()
}

func (s *Session) onRead(res readResult) {
	s.reading = false

	if s.fsm.Current() == StateStopped {
		return
	}

	if res.err != nil {
		if control.IsProtocolError(res.err) {
			s.unexpected(res.msg.Tag)
			s.doRead()
			return
		}
		s.logger.Info("Ошибка чтения", slog.String("error", res.err.Error()))
		s.Stop()
		return
	}

	s.logger.Debug("Получено сообщение", slog.String("tag", res.msg.Tag.String()))

	switch {
	case s.fsm.Current() == StateWaitPortQuery && res.msg.Tag == control.TagReserveTwoPorts:
		s.processPortReserve()
	case s.fsm.Current() == StateWaitSDP && res.msg.Tag == control.TagStartStream:
		s.processStartReceiving(res.msg.Description)
	default:
		s.unexpected(res.msg.Tag)
		s.doRead()
	}
}

func (s *Session) unexpected(tag control.Tag) {
	err := &control.ProtocolError{Tag: tag, State: s.fsm.Current()}
	s.logger.Warn("Неожиданное сообщение", slog.String("error", err.Error()))
	s.metrics.ProtocolError(s.fsm.Current())
}

// doWrite асинхронно пишет ответ, по завершении выполняет next в контексте владельца
func (s *Session) doWrite(reply []byte, next func()) {
	go func() {
		_, err := s.conn.Write(reply)
		s.owner.Post(func() {
			if s.fsm.Current() == StateStopped {
				return
			}
			if err != nil {
				s.logger.Info("Ошибка записи", slog.String("error", err.Error()))
				s.Stop()
				return
			}
			if next != nil {
				next()
			}
			s.doRead()
		})
	}()
}

func (s *Session) processPortReserve() {
	s.port1 = s.owner.PopPort()
	s.port2 = s.owner.PopPort()

	if s.port1 == ports.NoPort || s.port2 == ports.NoPort {
		s.logger.Warn("Нет свободных портов на сервере")
	}
	s.logger.Info("Зарезервированы порты", slog.Int("port1", int(s.port1)), slog.Int("port2", int(s.port2)))

	s.metrics.HandshakeReply("ports")
	s.doWrite(control.EncodePorts(s.port1, s.port2), func() {
		s.transition(eventPortsSent)
	})
}

func (s *Session) processStartReceiving(description string) {
	s.logger.Info("Получено SDP описание", slog.Int("size", len(description)))
	s.logger.Debug("SDP", slog.String("sdp", description))

	path := s.SDPPath()
	if err := os.WriteFile(path, []byte(description), 0o644); err != nil {
		// Приемник не откроет вход и сообщит об ошибке
		s.logger.Error("Не удалось сохранить SDP", slog.String("path", path), slog.String("error", err.Error()))
	}

	s.receiver = receiver.New(receiver.Config{
		SDPPath:        path,
		SessionID:      s.id,
		OutputDir:      s.cfg.OutputDir,
		InputTimeout:   s.cfg.InputTimeout,
		ReadBufferSize: s.cfg.ReadBufferSize,
		Workers:        s.owner.workers(),
	}, s, s.engine, s.logger, s.metrics)

	s.transition(eventSDPReceived)
	s.receiver.Initialize()
}

// OnReceiverStarted вызывается из горутины приемника
func (s *Session) OnReceiverStarted() {
	s.owner.Post(s.processReceiverStarted)
}

// OnReceiverFailed вызывается из горутины приемника
func (s *Session) OnReceiverFailed() {
	s.owner.Post(s.processReceiverFailed)
}

func (s *Session) processReceiverStarted() {
	switch s.fsm.Current() {
	case StateStopped:
		return
	case StateWaitReceiverAnswer:
		s.transition(eventReceiverStarted)
		s.metrics.HandshakeReply("ok")
		s.doWrite(control.EncodeStatus(true), nil)
	default:
		s.Stop()
	}
}

func (s *Session) processReceiverFailed() {
	switch s.fsm.Current() {
	case StateStopped:
		return
	case StateWaitReceiverAnswer:
		s.transition(eventReceiverFailed)
		s.metrics.HandshakeReply("fail")
		s.doWrite(control.EncodeStatus(false), nil)
	default:
		s.Stop()
	}
}
