package main

import (
	"log/slog"

	"github.com/arzzra/media_relay/pkg/app"
	"github.com/arzzra/media_relay/pkg/config"
	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/metrics"
	"github.com/arzzra/media_relay/pkg/stream_svc"
)

// serverApp сервис приложения сервера: поднимает сервис потоков
type serverApp struct {
	cfg     *config.ServerConfig
	engine  engine.Engine
	logger  *slog.Logger
	metrics *metrics.Collector

	svc *stream_svc.Service
}

func newServerApp(cfg *config.ServerConfig, eng engine.Engine, logger *slog.Logger, m *metrics.Collector) *serverApp {
	return &serverApp{
		cfg:     cfg,
		engine:  eng,
		logger:  logger,
		metrics: m,
	}
}

func (s *serverApp) Name() string {
	return "server"
}

func (s *serverApp) AppRun(host *app.Application) error {
	s.logger.Info("Параметры сервера",
		slog.String("address", s.cfg.ListenAddress),
		slog.Int("port", s.cfg.Port),
		slog.Int("max_clients", s.cfg.MaxClients),
		slog.String("output_dir", s.cfg.OutputDir))

	s.svc = stream_svc.New(stream_svc.Config{
		ListenAddress:  s.cfg.ListenAddress,
		Port:           s.cfg.Port,
		MaxClients:     s.cfg.MaxClients,
		BasePort:       s.cfg.BasePort,
		PortStride:     s.cfg.PortStride,
		OutputDir:      s.cfg.OutputDir,
		InputTimeout:   s.cfg.InputTimeout,
		ReadBufferSize: s.cfg.ReadBufferSize,
	}, host, s.engine, s.logger, s.metrics)

	return s.svc.Initialize()
}

func (s *serverApp) AppStop() {
	if s.svc != nil {
		s.svc.Uninitialize()
		s.svc = nil
	}
}
