// relay_client передает медиа файл на relay_server, на фиксированные порты или в файл.
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

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "relay_client [input]",
		Short:         "Клиент передачи медиа потока",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set(config.KeyInput, args[0])
			}
			cfg, err := config.LoadClient(v)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Ошибка:", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	d := config.DefaultClientConfig()
	flags.String("server", d.ServerAddress, "адрес сервера")
	flags.Int("port", d.ServerPort, "TCP порт управляющего канала сервера")
	flags.Int("mode", int(d.Mode), "режим: 0 - через сервер, 1 - фиксированные порты, 2 - в файл")
	flags.String("output", d.OutputFile, "выходной файл режима 2")
	flags.String("sdp-file", d.SDPFile, "куда сохранить отправленное SDP")
	flags.Duration("pacing", d.Pacing, "пауза после каждого кадра")
	flags.String("metrics-address", "", "адрес /metrics, пусто - выключено")
	flags.String("log-level", d.LogLevel, "уровень логирования: debug, info, warn, error")
	flags.String("log-format", d.LogFormat, "формат логов: text, json")
	flags.String("config", "", "YAML файл конфигурации")

	cobra.CheckErr(config.BindFlags(v, flags, map[string]string{
		config.KeyServerAddress:  "server",
		config.KeyServerPort:     "port",
		config.KeyMode:           "mode",
		config.KeyOutputFile:     "output",
		config.KeySDPFile:        "sdp-file",
		config.KeyPacing:         "pacing",
		config.KeyMetricsAddress: "metrics-address",
		config.KeyLogLevel:       "log-level",
		config.KeyLogFormat:      "log-format",
		config.KeyConfigFile:     "config",
	}))

	return cmd
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	m := metrics.New()
	if cfg.MetricsAddress != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddress, m, logger); err != nil {
				logger.Error("Сервер метрик остановлен", slog.String("error", err.Error()))
			}
		}()
	}

	service := newClientApp(cfg, engine.New(logger), logger, m)
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
		logger.Warn("Клиент остановлен принудительно")
		return nil
	default:
		logger.Error("Клиент завершился с ошибкой", slog.String("error", err.Error()))
		return err
	}
}
