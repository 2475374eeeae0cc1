package main

import (
	"log/slog"
	"sync"

	"github.com/arzzra/media_relay/pkg/app"
	"github.com/arzzra/media_relay/pkg/config"
	"github.com/arzzra/media_relay/pkg/control"
	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/metrics"
	"github.com/arzzra/media_relay/pkg/sender"
)

// clientApp сервис приложения клиента: один отправитель на процесс.
// Приложение выгружается само, когда отправитель остановился.
type clientApp struct {
	cfg     *config.ClientConfig
	engine  engine.Engine
	logger  *slog.Logger
	metrics *metrics.Collector

	// newNegotiator подменяется в тестах
	newNegotiator func(cfg *config.ClientConfig, logger *slog.Logger) sender.Negotiator

	mu      sync.Mutex
	host    *app.Application
	sender  *sender.Sender
	release func()
}

func newClientApp(cfg *config.ClientConfig, eng engine.Engine, logger *slog.Logger, m *metrics.Collector) *clientApp {
	return &clientApp{
		cfg:     cfg,
		engine:  eng,
		logger:  logger,
		metrics: m,
		newNegotiator: func(cfg *config.ClientConfig, logger *slog.Logger) sender.Negotiator {
			return control.NewNegotiator(cfg.ServerAddress, cfg.ServerPort, cfg.DialTimeout, logger)
		},
	}
}

func (c *clientApp) Name() string {
	return "client"
}

func (c *clientApp) AppRun(host *app.Application) error {
	c.logger.Info("Параметры клиента",
		slog.String("server", c.cfg.ServerAddress),
		slog.Int("server_port", c.cfg.ServerPort),
		slog.String("input", c.cfg.Input),
		slog.String("mode", c.cfg.Mode.String()))

	var negotiator sender.Negotiator
	if c.cfg.Mode == sender.ModeServer {
		negotiator = c.newNegotiator(c.cfg, c.logger)
	}

	s := sender.New(sender.Config{
		Mode:            c.cfg.Mode,
		Input:           c.cfg.Input,
		ServerAddress:   c.cfg.ServerAddress,
		SingleVideoPort: c.cfg.SingleVideoPort,
		SingleAudioPort: c.cfg.SingleAudioPort,
		OutputFile:      c.cfg.OutputFile,
		SDPFile:         c.cfg.SDPFile,
		Pacing:          c.cfg.Pacing,
		ReplyTimeout:    c.cfg.ReplyTimeout,
		Workers:         host.Workers(),
	}, c, c.engine, negotiator, c.logger, c.metrics)

	c.mu.Lock()
	c.host = host
	c.sender = s
	c.release = host.Tracker().Acquire("sender")
	c.mu.Unlock()

	s.Initialize()
	return nil
}

func (c *clientApp) AppStop() {
	c.mu.Lock()
	s, release := c.sender, c.release
	c.sender, c.release = nil, nil
	c.mu.Unlock()

	if s != nil {
		s.Uninitialize()
	}
	if release != nil {
		release()
	}
}

// OnSenderStopped вызывается из горутины отправителя
func (c *clientApp) OnSenderStopped(*sender.Sender) {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()

	if host != nil {
		host.Post(host.Unload)
	}
}
