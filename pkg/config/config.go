// Package config содержит конфигурацию сервера и клиента ретранслятора.
//
// Источники в порядке приоритета: флаги командной строки, переменные
// окружения с префиксом RELAY_, YAML файл (--config), значения по умолчанию.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/arzzra/media_relay/pkg/ports"
	"github.com/arzzra/media_relay/pkg/sender"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "RELAY"

// Ключи общие для сервера и клиента
const (
	KeyConfigFile     = "config"
	KeyMetricsAddress = "metrics_address"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
	KeyShutdownBudget = "shutdown_budget"
	KeyShutdownTick   = "shutdown_tick"
)

// Ключи сервера
const (
	KeyListenAddress  = "address"
	KeyPort           = "port"
	KeyMaxClients     = "max_clients"
	KeyBasePort       = "base_port"
	KeyPortStride     = "port_stride"
	KeyOutputDir      = "output_dir"
	KeyInputTimeout   = "input_timeout"
	KeyReadBufferSize = "read_buffer_size"
)

// Ключи клиента
const (
	KeyServerAddress   = "server"
	KeyServerPort      = "server_port"
	KeyInput           = "input"
	KeyMode            = "mode"
	KeySingleVideoPort = "single_video_port"
	KeySingleAudioPort = "single_audio_port"
	KeyOutputFile      = "output"
	KeySDPFile         = "sdp_file"
	KeyPacing          = "pacing"
	KeyDialTimeout     = "dial_timeout"
	KeyReplyTimeout    = "reply_timeout"
)

// ServerConfig конфигурация сервера
type ServerConfig struct {
	// Сеть
	ListenAddress string // Адрес прослушивания управляющего канала
	Port          int    // TCP порт управляющего канала

	// Порты медиа
	MaxClients int    // Максимум одновременных клиентов, пул содержит 2*MaxClients портов
	BasePort   uint16 // Первый порт пула
	PortStride uint16 // Шаг между парами портов

	// Прием
	OutputDir      string        // Каталог sdp<id>.sdp и out<id>.mp4
	InputTimeout   time.Duration // Сторожевой таймаут входа приемника
	ReadBufferSize int           // Приемный буфер UDP сокетов

	// Остановка
	ShutdownBudget int
	ShutdownTick   time.Duration

	MetricsAddress string // Адрес /metrics, пусто - выключено
	LogLevel       string
	LogFormat      string
}

// DefaultServerConfig конфигурация сервера по умолчанию
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress: "0.0.0.0",
		Port:          8080,

		MaxClients: 10,
		BasePort:   ports.DefaultBasePort,
		PortStride: ports.DefaultStride,

		OutputDir:      ".",
		InputTimeout:   5 * time.Second,
		ReadBufferSize: 10_000_000,

		ShutdownBudget: 10,
		ShutdownTick:   time.Second,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate проверяет конфигурацию сервера
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("некорректный порт %d", c.Port)
	}
	if c.MaxClients <= 0 {
		return errors.New("MaxClients должен быть больше 0")
	}
	if c.BasePort == 0 {
		return errors.New("BasePort не может быть 0")
	}
	if c.PortStride < 4 {
		return errors.New("PortStride должен быть не меньше 4")
	}

	last := int(c.BasePort) + int(c.PortStride)*(c.MaxClients-1) + 2
	if last > 65535 {
		return errors.Errorf("пул портов выходит за 65535 (последний порт %d)", last)
	}

	if c.OutputDir == "" {
		return errors.New("OutputDir не может быть пустым")
	}
	if c.InputTimeout <= 0 {
		return errors.New("InputTimeout должен быть больше 0")
	}
	if c.ReadBufferSize < 0 {
		return errors.New("ReadBufferSize не может быть отрицательным")
	}
	return validateCommon(c.ShutdownBudget, c.ShutdownTick, c.LogLevel, c.LogFormat)
}

// Copy копия конфигурации
func (c *ServerConfig) Copy() *ServerConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ClientConfig конфигурация клиента
type ClientConfig struct {
	// Сервер
	ServerAddress string
	ServerPort    int

	// Передача
	Input           string      // Входной файл
	Mode            sender.Mode // 0 - сервер, 1 - фиксированные порты, 2 - файл
	SingleVideoPort uint16
	SingleAudioPort uint16
	OutputFile      string        // Файл режима 2
	SDPFile         string        // Копия отправленного SDP
	Pacing          time.Duration // Пауза после каждого кадра

	// Таймауты управляющего канала
	DialTimeout  time.Duration
	ReplyTimeout time.Duration

	ShutdownBudget int
	ShutdownTick   time.Duration

	MetricsAddress string
	LogLevel       string
	LogFormat      string
}

// DefaultClientConfig конфигурация клиента по умолчанию
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerAddress: "127.0.0.1",
		ServerPort:    8080,

		Input:           "test_video.mp4",
		Mode:            sender.ModeServer,
		SingleVideoPort: ports.DefaultBasePort,
		SingleAudioPort: ports.DefaultBasePort + 2,
		OutputFile:      "out.mp4",
		SDPFile:         "sender.sdp",
		Pacing:          100 * time.Microsecond,

		DialTimeout:  5 * time.Second,
		ReplyTimeout: 10 * time.Second,

		ShutdownBudget: 10,
		ShutdownTick:   time.Second,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate проверяет конфигурацию клиента
func (c *ClientConfig) Validate() error {
	if c.Input == "" {
		return errors.New("не задан входной файл")
	}
	if !c.Mode.Valid() {
		return errors.Errorf("неизвестный режим %d", int(c.Mode))
	}

	switch c.Mode {
	case sender.ModeServer:
		if c.ServerAddress == "" {
			return errors.New("не задан адрес сервера")
		}
		if c.ServerPort <= 0 || c.ServerPort > 65535 {
			return errors.Errorf("некорректный порт сервера %d", c.ServerPort)
		}
		if c.DialTimeout <= 0 || c.ReplyTimeout <= 0 {
			return errors.New("таймауты управляющего канала должны быть больше 0")
		}
	case sender.ModeSingle:
		if c.ServerAddress == "" {
			return errors.New("не задан адрес сервера")
		}
		if c.SingleVideoPort == 0 || c.SingleAudioPort == 0 {
			return errors.New("не заданы порты режима single")
		}
		if c.SingleVideoPort == c.SingleAudioPort {
			return errors.New("порты видео и аудио совпадают")
		}
	case sender.ModeFile:
		if c.OutputFile == "" {
			return errors.New("не задан выходной файл")
		}
	}

	if c.Pacing < 0 {
		return errors.New("Pacing не может быть отрицательным")
	}
	return validateCommon(c.ShutdownBudget, c.ShutdownTick, c.LogLevel, c.LogFormat)
}

// Copy копия конфигурации
func (c *ClientConfig) Copy() *ClientConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func validateCommon(budget int, tick time.Duration, level, format string) error {
	if budget <= 0 {
		return errors.New("ShutdownBudget должен быть больше 0")
	}
	if tick <= 0 {
		return errors.New("ShutdownTick должен быть больше 0")
	}
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("неизвестный уровень логирования %q", level)
	}
	switch strings.ToLower(format) {
	case "text", "json":
	default:
		return errors.Errorf("неизвестный формат логов %q", format)
	}
	return nil
}

// LoadServer собирает конфигурацию сервера из v.
// Флаги должны быть привязаны к v заранее.
func LoadServer(v *viper.Viper) (*ServerConfig, error) {
	d := DefaultServerConfig()
	v.SetDefault(KeyListenAddress, d.ListenAddress)
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyMaxClients, d.MaxClients)
	v.SetDefault(KeyBasePort, d.BasePort)
	v.SetDefault(KeyPortStride, d.PortStride)
	v.SetDefault(KeyOutputDir, d.OutputDir)
	v.SetDefault(KeyInputTimeout, d.InputTimeout)
	v.SetDefault(KeyReadBufferSize, d.ReadBufferSize)
	setCommonDefaults(v, d.ShutdownBudget, d.ShutdownTick, d.LogLevel, d.LogFormat)

	if err := readSources(v); err != nil {
		return nil, err
	}

	c := &ServerConfig{
		ListenAddress:  v.GetString(KeyListenAddress),
		Port:           v.GetInt(KeyPort),
		MaxClients:     v.GetInt(KeyMaxClients),
		BasePort:       v.GetUint16(KeyBasePort),
		PortStride:     v.GetUint16(KeyPortStride),
		OutputDir:      v.GetString(KeyOutputDir),
		InputTimeout:   v.GetDuration(KeyInputTimeout),
		ReadBufferSize: v.GetInt(KeyReadBufferSize),
		ShutdownBudget: v.GetInt(KeyShutdownBudget),
		ShutdownTick:   v.GetDuration(KeyShutdownTick),
		MetricsAddress: v.GetString(KeyMetricsAddress),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "конфигурация сервера")
	}
	return c, nil
}

// LoadClient собирает конфигурацию клиента из v.
// Флаги должны быть привязаны к v заранее.
func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	d := DefaultClientConfig()
	v.SetDefault(KeyServerAddress, d.ServerAddress)
	v.SetDefault(KeyServerPort, d.ServerPort)
	v.SetDefault(KeyInput, d.Input)
	v.SetDefault(KeyMode, int(d.Mode))
	v.SetDefault(KeySingleVideoPort, d.SingleVideoPort)
	v.SetDefault(KeySingleAudioPort, d.SingleAudioPort)
	v.SetDefault(KeyOutputFile, d.OutputFile)
	v.SetDefault(KeySDPFile, d.SDPFile)
	v.SetDefault(KeyPacing, d.Pacing)
	v.SetDefault(KeyDialTimeout, d.DialTimeout)
	v.SetDefault(KeyReplyTimeout, d.ReplyTimeout)
	setCommonDefaults(v, d.ShutdownBudget, d.ShutdownTick, d.LogLevel, d.LogFormat)

	if err := readSources(v); err != nil {
		return nil, err
	}

	c := &ClientConfig{
		ServerAddress:   v.GetString(KeyServerAddress),
		ServerPort:      v.GetInt(KeyServerPort),
		Input:           v.GetString(KeyInput),
		Mode:            sender.Mode(v.GetInt(KeyMode)),
		SingleVideoPort: v.GetUint16(KeySingleVideoPort),
		SingleAudioPort: v.GetUint16(KeySingleAudioPort),
		OutputFile:      v.GetString(KeyOutputFile),
		SDPFile:         v.GetString(KeySDPFile),
		Pacing:          v.GetDuration(KeyPacing),
		DialTimeout:     v.GetDuration(KeyDialTimeout),
		ReplyTimeout:    v.GetDuration(KeyReplyTimeout),
		ShutdownBudget:  v.GetInt(KeyShutdownBudget),
		ShutdownTick:    v.GetDuration(KeyShutdownTick),
		MetricsAddress:  v.GetString(KeyMetricsAddress),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFormat:       v.GetString(KeyLogFormat),
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "конфигурация клиента")
	}
	return c, nil
}

func setCommonDefaults(v *viper.Viper, budget int, tick time.Duration, level, format string) {
	v.SetDefault(KeyShutdownBudget, budget)
	v.SetDefault(KeyShutdownTick, tick)
	v.SetDefault(KeyMetricsAddress, "")
	v.SetDefault(KeyLogLevel, level)
	v.SetDefault(KeyLogFormat, format)
}

// BindFlags привязывает флаги к ключам v. bindings: ключ -> имя флага.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		flag := flags.Lookup(name)
		if flag == nil {
			return errors.Errorf("нет флага --%s для ключа %s", name, key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return errors.Wrapf(err, "привязка --%s", name)
		}
	}
	return nil
}

// readSources подключает окружение и, если задан, YAML файл
func readSources(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	file := v.GetString(KeyConfigFile)
	if file == "" {
		return nil
	}

	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "чтение %s", file)
	}
	return nil
}
