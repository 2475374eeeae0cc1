// Package engine предоставляет медиа движок для ретранслятора.
//
// Движок скрывает за интерфейсами чтение и запись медиа:
//
//   - вход из файла (mp4, flv) через демуксеры joy4;
//   - вход по SDP описанию: UDP сокеты на описанных портах, депакетизация RTP;
//   - выход в RTP поток на rtp://host:port (один поток на выход);
//   - выход в файл (mp4, flv) с копированием параметров кодека.
//
// Конечные автоматы отправителя и приемника работают только с интерфейсами
// Engine, InputContext и OutputContext, поэтому в тестах движок подменяется
// сценарием из пакета enginetest.
package engine

import (
	"github.com/nareix/joy4/av"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

var (
	// ErrInterrupted чтение прервано хуком прерывания (сторож или флаг остановки)
	ErrInterrupted = errors.New("операция прервана")
	// ErrStreamNotFound во входе нет потока нужного типа
	ErrStreamNotFound = errors.New("поток не найден")
	// ErrUnsupportedCodec кодек не поддерживается выходом
	ErrUnsupportedCodec = errors.New("кодек не поддерживается")
	// ErrClosed операция над закрытым контекстом
	ErrClosed = errors.New("контекст закрыт")
)

// Kind тип медиа потока
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Format формат выхода
type Format string

const (
	// FormatRTP поток RTP на rtp://host:port
	FormatRTP Format = "rtp"
	// FormatFile файл, контейнер выбирается по расширению
	FormatFile Format = "file"
)

// StreamInfo описание одного потока входа или выхода
type StreamInfo struct {
	Index    int
	Kind     Kind
	Codec    av.CodecData
	TimeBase Rational
}

// Frame один закодированный кадр.
// Временные метки в единицах TimeBase потока, NoPTS если метка неизвестна.
type Frame struct {
	StreamIndex int
	Data        []byte
	KeyFrame    bool
	PTS         int64
	DTS         int64
	Duration    int64
}

// InputOptions параметры открытия входа
type InputOptions struct {
	// Interrupt опрашивается во время блокирующих операций,
	// true прерывает их с ErrInterrupted
	Interrupt func() bool

	// ReadBufferSize размер приемного буфера UDP сокетов для SDP входа
	ReadBufferSize int
}

// InputContext открытый вход
type InputContext interface {
	// Streams все потоки входа в порядке индексов
	Streams() []StreamInfo

	// FindBestStream первый пригодный поток заданного типа
	FindBestStream(kind Kind) (StreamInfo, error)

	// ReadFrame читает следующий кадр.
	// io.EOF в конце входа, ErrInterrupted если сработал хук прерывания.
	ReadFrame() (Frame, error)

	// SetInterrupt заменяет хук прерывания
	SetInterrupt(fn func() bool)

	Close() error
}

// OutputContext открытый выход
type OutputContext interface {
	// WriteFrame пишет кадр, метки должны быть в TimeBase потока выхода
	WriteFrame(f Frame) error

	// TimeBase единица времени потока выхода с индексом index
	TimeBase(index int) Rational

	// Describe медиа секция SDP для RTP выхода, nil для файла
	Describe() *sdp.MediaDescription

	// Close дописывает трейлер и закрывает выход. Повторный вызов безопасен.
	Close() error
}

// Engine фабрика входов и выходов
type Engine interface {
	OpenInput(locator string, opts InputOptions) (InputContext, error)
	OpenOutput(format Format, locator string, streams []StreamInfo) (OutputContext, error)
}

// KindOf определяет тип потока по параметрам кодека
func KindOf(codec av.CodecData) Kind {
	switch codec.(type) {
	case av.VideoCodecData:
		return KindVideo
	case av.AudioCodecData:
		return KindAudio
	default:
		return KindUnknown
	}
}

// findBest общий выбор потока для реализаций InputContext
func findBest(streams []StreamInfo, kind Kind) (StreamInfo, error) {
	for _, s := range streams {
		if s.Kind == kind {
			return s, nil
		}
	}
	return StreamInfo{}, errors.Wrapf(ErrStreamNotFound, "тип %s", kind)
}
