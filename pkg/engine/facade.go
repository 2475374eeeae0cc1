package engine

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Facade реализация Engine на joy4 и pion
type Facade struct {
	logger *slog.Logger
}

var _ Engine = (*Facade)(nil)

// New создает медиа движок
func New(logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		logger: logger.With(slog.String("component", "engine")),
	}
}

// OpenInput открывает вход по расширению: .sdp - прием RTP, иначе файл
func (e *Facade) OpenInput(locator string, opts InputOptions) (InputContext, error) {
	if strings.EqualFold(filepath.Ext(locator), ".sdp") {
		in, err := openSDPInput(locator, opts, e.logger)
		if err != nil {
			return nil, err
		}
		return in, nil
	}

	in, err := openFileInput(locator, opts, e.logger)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// OpenOutput открывает выход заданного формата
func (e *Facade) OpenOutput(format Format, locator string, streams []StreamInfo) (OutputContext, error) {
	switch format {
	case FormatRTP:
		out, err := openRTPOutput(locator, streams, e.logger)
		if err != nil {
			return nil, err
		}
		return out, nil
	case FormatFile:
		out, err := openFileOutput(locator, streams, e.logger)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, errors.Errorf("неизвестный формат выхода %q", format)
	}
}
