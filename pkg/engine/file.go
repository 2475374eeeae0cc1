package engine

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/flv"
	"github.com/nareix/joy4/format/mp4"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// fileInput вход из контейнера mp4 или flv
type fileInput struct {
	file    *os.File
	demuxer av.Demuxer
	streams []StreamInfo

	mu        sync.Mutex
	interrupt func() bool
	closed    bool
}

func openFileInput(path string, opts InputOptions, logger *slog.Logger) (*fileInput, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "открытие входа %s", path)
	}

	var demuxer av.Demuxer
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp4", ".m4v", ".mov":
		d, err := newMP4Demuxer(file)
		if err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "чтение потоков %s", path)
		}
		demuxer = d
	case ".flv":
		demuxer = flv.NewDemuxer(file)
	default:
		file.Close()
		return nil, errors.Errorf("неизвестный формат входа %q", ext)
	}

	codecs, err := demuxer.Streams()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "чтение потоков %s", path)
	}

	streams := make([]StreamInfo, 0, len(codecs))
	for i, codec := range codecs {
		streams = append(streams, StreamInfo{
			Index:    i,
			Kind:     KindOf(codec),
			Codec:    codec,
			TimeBase: MicrosecondTimeBase,
		})
		logger.Debug("Поток входа",
			slog.Int("index", i),
			slog.String("kind", KindOf(codec).String()),
			slog.String("codec", codec.Type().String()))
	}

	return &fileInput{
		file:      file,
		demuxer:   demuxer,
		streams:   streams,
		interrupt: opts.Interrupt,
	}, nil
}

func (in *fileInput) Streams() []StreamInfo {
	return in.streams
}

func (in *fileInput) FindBestStream(kind Kind) (StreamInfo, error) {
	return findBest(in.streams, kind)
}

func (in *fileInput) SetInterrupt(fn func() bool) {
	in.mu.Lock()
	in.interrupt = fn
	in.mu.Unlock()
}

func (in *fileInput) ReadFrame() (Frame, error) {
	in.mu.Lock()
	interrupt, closed := in.interrupt, in.closed
	in.mu.Unlock()

	if closed {
		return Frame{}, ErrClosed
	}
	if interrupt != nil && interrupt() {
		return Frame{}, ErrInterrupted
	}

	pkt, err := in.demuxer.ReadPacket()
	if err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, errors.Wrap(err, "чтение пакета")
	}

	frame := Frame{
		StreamIndex: int(pkt.Idx),
		Data:        pkt.Data,
		KeyFrame:    pkt.IsKeyFrame,
		DTS:         fromDuration(pkt.Time, MicrosecondTimeBase),
		PTS:         fromDuration(pkt.Time+pkt.CompositionTime, MicrosecondTimeBase),
	}

	if int(pkt.Idx) < len(in.streams) {
		if audio, ok := in.streams[pkt.Idx].Codec.(av.AudioCodecData); ok {
			if d, err := audio.PacketDuration(pkt.Data); err == nil {
				frame.Duration = fromDuration(d, MicrosecondTimeBase)
			}
		}
	}

	return frame, nil
}

func (in *fileInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil
	}
	in.closed = true
	return in.file.Close()
}

// fileOutput выход в контейнер mp4 или flv
type fileOutput struct {
	path    string
	file    *os.File
	muxer   av.Muxer
	streams []StreamInfo
	logger  *slog.Logger

	mu      sync.Mutex
	lastDTS []int64
	closed  bool
}

func openFileOutput(path string, streams []StreamInfo, logger *slog.Logger) (*fileOutput, error) {
	if len(streams) == 0 {
		return nil, errors.Wrap(ErrStreamNotFound, "выход без потоков")
	}

	ext := strings.ToLower(filepath.Ext(path))
	codecs := make([]av.CodecData, 0, len(streams))
	for _, s := range streams {
		if s.Codec == nil {
			return nil, errors.Wrapf(ErrUnsupportedCodec, "поток %d без параметров кодека", s.Index)
		}
		if ext != ".flv" && s.Codec.Type() != av.H264 && s.Codec.Type() != av.AAC {
			return nil, errors.Wrapf(ErrUnsupportedCodec, "%s в mp4", s.Codec.Type())
		}
		codecs = append(codecs, s.Codec)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "каталог выхода %s", dir)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "создание выхода %s", path)
	}

	var muxer av.Muxer
	switch ext {
	case ".flv":
		muxer = flv.NewMuxer(file)
	default:
		muxer = mp4.NewMuxer(file)
	}

	if err := muxer.WriteHeader(codecs); err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "заголовок %s", path)
	}

	lastDTS := make([]int64, len(streams))
	for i := range lastDTS {
		lastDTS[i] = NoPTS
	}

	out := make([]StreamInfo, len(streams))
	for i, s := range streams {
		out[i] = StreamInfo{Index: i, Kind: s.Kind, Codec: s.Codec, TimeBase: MillisecondTimeBase}
	}

	logger.Info("Открыт файловый выход", slog.String("path", path), slog.Int("streams", len(streams)))

	return &fileOutput{
		path:    path,
		file:    file,
		muxer:   muxer,
		streams: out,
		logger:  logger,
		lastDTS: lastDTS,
	}, nil
}

func (out *fileOutput) TimeBase(int) Rational {
	return MillisecondTimeBase
}

func (out *fileOutput) Describe() *sdp.MediaDescription {
	return nil
}

func (out *fileOutput) WriteFrame(f Frame) error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.closed {
		return ErrClosed
	}
	if f.StreamIndex < 0 || f.StreamIndex >= len(out.streams) {
		return errors.Errorf("неизвестный поток выхода %d", f.StreamIndex)
	}

	dts, pts := f.DTS, f.PTS
	switch {
	case dts == NoPTS && pts == NoPTS:
		dts = out.lastDTS[f.StreamIndex]
		if dts == NoPTS {
			dts = 0
		}
		pts = dts
	case dts == NoPTS:
		dts = pts
	case pts == NoPTS:
		pts = dts
	}
	out.lastDTS[f.StreamIndex] = dts

	pkt := av.Packet{
		Idx:             int8(f.StreamIndex),
		IsKeyFrame:      f.KeyFrame,
		Data:            f.Data,
		Time:            toDuration(dts, MillisecondTimeBase),
		CompositionTime: toDuration(pts-dts, MillisecondTimeBase),
	}
	return out.muxer.WritePacket(pkt)
}

func (out *fileOutput) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.closed {
		return nil
	}
	out.closed = true

	trailerErr := out.muxer.WriteTrailer()
	closeErr := out.file.Close()

	out.logger.Info("Файловый выход закрыт", slog.String("path", out.path))

	if trailerErr != nil {
		return errors.Wrapf(trailerErr, "трейлер %s", out.path)
	}
	return closeErr
}
