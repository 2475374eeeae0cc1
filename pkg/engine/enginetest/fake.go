// Package enginetest сценарный медиа движок для тестов конечных автоматов.
package enginetest

import (
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/arzzra/media_relay/pkg/engine"
)

// Codec минимальные параметры кодека для сценариев
type Codec struct {
	CodecType av.CodecType
}

func (c Codec) Type() av.CodecType { return c.CodecType }

// VideoCodec фейковый видео кодек
type VideoCodec struct{ Codec }

func (VideoCodec) Width() int  { return 320 }
func (VideoCodec) Height() int { return 240 }

// NewVideoStream поток H264 с индексом index
func NewVideoStream(index int) engine.StreamInfo {
	return engine.StreamInfo{
		Index:    index,
		Kind:     engine.KindVideo,
		Codec:    VideoCodec{Codec{CodecType: av.H264}},
		TimeBase: engine.MicrosecondTimeBase,
	}
}

// NewAudioStream поток AAC с индексом index
func NewAudioStream(index int) engine.StreamInfo {
	return engine.StreamInfo{
		Index:    index,
		Kind:     engine.KindAudio,
		Codec:    Codec{CodecType: av.AAC},
		TimeBase: engine.MicrosecondTimeBase,
	}
}

// Script сценарий одного входа
type Script struct {
	Streams []engine.StreamInfo
	Frames  []engine.Frame

	// OpenErr ошибка открытия
	OpenErr error
	// EndErr возвращается после кадров, по умолчанию io.EOF
	EndErr error
	// Block после кадров ждать прерывания вместо EndErr
	Block bool
	// FrameDelay пауза перед каждым кадром
	FrameDelay time.Duration
}

// Engine фейковый движок. Входы по локатору, выходы записываются.
type Engine struct {
	mu        sync.Mutex
	scripts   map[string]*Script
	fallback  *Script
	outputErr map[engine.Format]error
	writeErr  error
	inputs    []*Input
	outputs   []*Output
}

var _ engine.Engine = (*Engine)(nil)

// New создает пустой движок
func New() *Engine {
	return &Engine{
		scripts:   make(map[string]*Script),
		outputErr: make(map[engine.Format]error),
	}
}

// SetInput задает сценарий для локатора
func (e *Engine) SetInput(locator string, s *Script) {
	e.mu.Lock()
	e.scripts[locator] = s
	e.mu.Unlock()
}

// SetDefaultInput сценарий для любого неизвестного локатора
func (e *Engine) SetDefaultInput(s *Script) {
	e.mu.Lock()
	e.fallback = s
	e.mu.Unlock()
}

// FailOutput заставляет OpenOutput формата format вернуть err
func (e *Engine) FailOutput(format engine.Format, err error) {
	e.mu.Lock()
	e.outputErr[format] = err
	e.mu.Unlock()
}

// FailWrites заставляет WriteFrame всех новых выходов вернуть err
func (e *Engine) FailWrites(err error) {
	e.mu.Lock()
	e.writeErr = err
	e.mu.Unlock()
}

// Inputs открытые входы
func (e *Engine) Inputs() []*Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Input(nil), e.inputs...)
}

// Outputs открытые выходы
func (e *Engine) Outputs() []*Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Output(nil), e.outputs...)
}

func (e *Engine) OpenInput(locator string, opts engine.InputOptions) (engine.InputContext, error) {
	e.mu.Lock()
	script, ok := e.scripts[locator]
	if !ok {
		script = e.fallback
	}
	e.mu.Unlock()

	if script == nil {
		return nil, errors.Errorf("нет сценария для %s", locator)
	}
	if script.OpenErr != nil {
		return nil, script.OpenErr
	}

	in := &Input{
		Locator:   locator,
		script:    script,
		interrupt: opts.Interrupt,
	}

	e.mu.Lock()
	e.inputs = append(e.inputs, in)
	e.mu.Unlock()
	return in, nil
}

func (e *Engine) OpenOutput(format engine.Format, locator string, streams []engine.StreamInfo) (engine.OutputContext, error) {
	e.mu.Lock()
	err := e.outputErr[format]
	writeErr := e.writeErr
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, engine.ErrStreamNotFound
	}

	timeBase := engine.MillisecondTimeBase
	if format == engine.FormatRTP {
		timeBase = engine.ClockRate(90000)
	}

	out := &Output{
		Format:   format,
		Locator:  locator,
		Streams:  streams,
		timeBase: timeBase,
		writeErr: writeErr,
	}

	e.mu.Lock()
	e.outputs = append(e.outputs, out)
	e.mu.Unlock()
	return out, nil
}

// Input сценарный вход
type Input struct {
	Locator string

	mu        sync.Mutex
	script    *Script
	next      int
	interrupt func() bool
	closed    bool
}

func (in *Input) Streams() []engine.StreamInfo {
	return in.script.Streams
}

func (in *Input) FindBestStream(kind engine.Kind) (engine.StreamInfo, error) {
	for _, s := range in.script.Streams {
		if s.Kind == kind {
			return s, nil
		}
	}
	return engine.StreamInfo{}, engine.ErrStreamNotFound
}

func (in *Input) SetInterrupt(fn func() bool) {
	in.mu.Lock()
	in.interrupt = fn
	in.mu.Unlock()
}

func (in *Input) interrupted() bool {
	in.mu.Lock()
	fn := in.interrupt
	in.mu.Unlock()
	return fn != nil && fn()
}

func (in *Input) ReadFrame() (engine.Frame, error) {
	if in.interrupted() {
		return engine.Frame{}, engine.ErrInterrupted
	}

	if d := in.script.FrameDelay; d > 0 {
		time.Sleep(d)
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return engine.Frame{}, engine.ErrClosed
	}
	if in.next < len(in.script.Frames) {
		f := in.script.Frames[in.next]
		in.next++
		in.mu.Unlock()
		return f, nil
	}
	in.mu.Unlock()

	if in.script.Block {
		for !in.interrupted() {
			time.Sleep(10 * time.Millisecond)
		}
		return engine.Frame{}, engine.ErrInterrupted
	}
	if in.script.EndErr != nil {
		return engine.Frame{}, in.script.EndErr
	}
	return engine.Frame{}, io.EOF
}

func (in *Input) Close() error {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	return nil
}

// Closed true после Close
func (in *Input) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Output записывающий выход
type Output struct {
	Format  engine.Format
	Locator string
	Streams []engine.StreamInfo

	timeBase engine.Rational
	writeErr error

	mu     sync.Mutex
	frames []engine.Frame
	closes int
}

func (out *Output) WriteFrame(f engine.Frame) error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.writeErr != nil {
		return out.writeErr
	}
	if out.closes > 0 {
		return engine.ErrClosed
	}
	out.frames = append(out.frames, f)
	return nil
}

func (out *Output) TimeBase(int) engine.Rational {
	return out.timeBase
}

// Describe медиа секция с портом из rtp://host:port
func (out *Output) Describe() *sdp.MediaDescription {
	if out.Format != engine.FormatRTP {
		return nil
	}

	port := 0
	if u, err := url.Parse(out.Locator); err == nil {
		port, _ = strconv.Atoi(u.Port())
	}

	media, pt := "video", "96"
	if len(out.Streams) > 0 && out.Streams[0].Kind == engine.KindAudio {
		media, pt = "audio", "97"
	}

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   media,
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
	}
}

func (out *Output) Close() error {
	out.mu.Lock()
	out.closes++
	out.mu.Unlock()
	return nil
}

// Frames записанные кадры
func (out *Output) Frames() []engine.Frame {
	out.mu.Lock()
	defer out.mu.Unlock()
	return append([]engine.Frame(nil), out.frames...)
}

// Closed true после первого Close
func (out *Output) Closed() bool {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.closes > 0
}
