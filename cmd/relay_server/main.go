// relay_server принимает медиа потоки клиентов и пишет их в файлы out<id>.mp4.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arzzra/media_relay/pkg/app"
	"github.com/arzzra/media_relay/pkg/config"
	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/metrics"
)

// version подставляется при сборке через -ldflags
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "relay_server",
		Short:         "Сервер приема медиа потоков",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(v)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Ошибка:", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	d := config.DefaultServerConfig()
	flags.String("address", d.ListenAddress, "адрес управляющего канала")
	flags.Int("port", d.Port, "TCP порт управляющего канала")
	flags.Int("max-clients", d.MaxClients, "максимум одновременных клиентов")
	flags.Uint16("base-port", d.BasePort, "первый UDP порт пула")
	flags.String("output-dir", d.OutputDir, "каталог sdp<id>.sdp и out<id>.mp4")
	flags.Duration("input-timeout", d.InputTimeout, "сторожевой таймаут входа приемника")
	flags.String("metrics-address", "", "адрес /metrics, пусто - выключено")
	flags.String("log-level", d.LogLevel, "уровень логирования: debug, info, warn, error")
	flags.String("log-format", d.LogFormat, "формат логов: text, json")
	flags.String("config", "", "YAML файл конфигурации")

	cobra.CheckErr(config.BindFlags(v, flags, map[string]string{
		config.KeyListenAddress:  "address",
		config.KeyPort:           "port",
		config.KeyMaxClients:     "max-clients",
		config.KeyBasePort:       "base-port",
		config.KeyOutputDir:      "output-dir",
		config.KeyInputTimeout:   "input-timeout",
		config.KeyMetricsAddress: "metrics-address",
		config.KeyLogLevel:       "log-level",
		config.KeyLogFormat:      "log-format",
		config.KeyConfigFile:     "config",
	}))

	return cmd
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "каталог %s", cfg.OutputDir)
	}

	m := metrics.New()
	if cfg.MetricsAddress != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddress, m, logger); err != nil {
				logger.Error("Сервер метрик остановлен", slog.String("error", err.Error()))
			}
		}()
	}

	service := newServerApp(cfg, engine.New(logger), logger, m)
	application := app.New(service, app.Options{
		ShutdownBudget: cfg.ShutdownBudget,
		ShutdownTick:   cfg.ShutdownTick,
		Version:        version,
		HandleSignals:  true,
	}, logger, m)

	err := application.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, app.ErrForceStopped):
		logger.Warn("Сервер остановлен принудительно")
		return nil
	default:
		logger.Error("Сервер завершился с ошибкой", slog.String("error", err.Error()))
		return err
	}
}
