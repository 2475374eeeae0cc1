// Package stream_svc реализует серверную часть ретранслятора:
// прием TCP соединений управляющего канала, реестр сессий и пул портов.
//
// Все состояние сервиса и сессий живет в однопоточном контексте владельца
// (реактор приложения). Горутины приема, чтения и записи только передают
// результаты в этот контекст через Post.
package stream_svc

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/media_relay/pkg/app"
	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/metrics"
	"github.com/arzzra/media_relay/pkg/ports"
)

// firstSessionID счетчик идентификаторов, первая сессия получает 101
const firstSessionID = 100

// Owner однопоточный контекст, которому принадлежит сервис
type Owner interface {
	Post(fn func())
	Tracker() *app.Tracker
	Workers() *app.Workers
}

// Config параметры сервиса
type Config struct {
	ListenAddress  string
	Port           int
	MaxClients     int
	BasePort       uint16
	PortStride     uint16
	OutputDir      string
	InputTimeout   time.Duration
	ReadBufferSize int
}

// Service сервис потоков
type Service struct {
	cfg     Config
	owner   Owner
	engine  engine.Engine
	logger  *slog.Logger
	metrics *metrics.Collector

	// Только в контексте владельца
	pool       *ports.Pool
	sessions   map[*Session]struct{}
	sessionIDs int
	closed     bool
	release    func()

	lnMu     sync.Mutex
	listener net.Listener
}

// New создает сервис, прием начинается в Initialize
func New(cfg Config, owner Owner, eng engine.Engine, logger *slog.Logger, m *metrics.Collector) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = ports.DefaultBasePort
	}

	s := &Service{
		cfg:        cfg,
		owner:      owner,
		engine:     eng,
		logger:     logger.With(slog.String("component", "stream_svc")),
		metrics:    m,
		pool:       ports.NewPool(cfg.MaxClients, cfg.BasePort, cfg.PortStride),
		sessions:   make(map[*Session]struct{}),
		sessionIDs: firstSessionID,
	}
	s.metrics.PortsAvailable(s.pool.Available())
	return s
}

// Initialize открывает порт и запускает прием соединений.
// Вызывается в контексте владельца.
func (s *Service) Initialize() error {
	address := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "прослушивание %s", address)
	}

	s.lnMu.Lock()
	s.listener = ln
	s.lnMu.Unlock()

	s.release = s.owner.Tracker().Acquire("stream_service")

	s.logger.Info("Сервис потоков запущен",
		slog.String("address", ln.Addr().String()),
		slog.Int("max_clients", s.cfg.MaxClients),
		slog.Int("ports", s.pool.Capacity()))

	s.owner.Workers().Go("accept", func() { s.acceptLoop(ln) })
	return nil
}

// Addr адрес прослушивания, nil до Initialize
func (s *Service) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Service) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Ошибка приема соединения", slog.String("error", err.Error()))
			}
			return
		}
		s.owner.Post(func() { s.addSession(conn) })
	}
}

func (s *Service) addSession(conn net.Conn) {
	if s.closed {
		conn.Close()
		return
	}

	s.sessionIDs++
	session := newSession(s, conn, s.sessionIDs)
	s.sessions[session] = struct{}{}
	s.metrics.SessionOpened()

	session.Start()
}

// Uninitialize прекращает прием и останавливает все сессии.
// Вызывается в контексте владельца.
func (s *Service) Uninitialize() {
	if s.closed {
		return
	}
	s.closed = true

	s.lnMu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.lnMu.Unlock()

	// Сессии удаляют себя из реестра в Stop, итерируем копию
	for _, session := range s.Sessions() {
		session.Stop()
	}

	if s.release != nil {
		s.release()
	}
	s.logger.Info("Сервис потоков остановлен")
}

// Sessions копия реестра живых сессий
func (s *Service) Sessions() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// PopPort выдает порт из пула, ports.NoPort если пул пуст
func (s *Service) PopPort() uint16 {
	port := s.pool.Pop()
	s.metrics.PortsAvailable(s.pool.Available())
	return port
}

// ReturnPort возвращает порт в пул, NoPort игнорируется
func (s *Service) ReturnPort(port uint16) {
	if port == ports.NoPort {
		return
	}
	s.pool.Return(port)
	s.metrics.PortsAvailable(s.pool.Available())
}

// AvailablePorts количество свободных портов
func (s *Service) AvailablePorts() int {
	return s.pool.Available()
}

// StopSession удаляет сессию из реестра. Повторный вызов ничего не делает.
func (s *Service) StopSession(session *Session) {
	if _, ok := s.sessions[session]; !ok {
		return
	}
	delete(s.sessions, session)
	s.metrics.SessionClosed()
}

// Post передает fn в контекст владельца
func (s *Service) Post(fn func()) {
	s.owner.Post(fn)
}

func (s *Service) acquire(name string) func() {
	return s.owner.Tracker().Acquire(name)
}

func (s *Service) workers() *app.Workers {
	return s.owner.Workers()
}
