package engine

import (
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pkg/errors"
)

const (
	// interruptPollInterval период опроса хука прерывания при ожидании данных
	interruptPollInterval = 100 * time.Millisecond

	maxUDPPacketSize = 65536
	frameQueueSize   = 256
)

// H.264 NAL unit types
const (
	naluIDR = 5
	naluSPS = 7
	naluPPS = 8
	naluAUD = 9
)

// sdpTrack одна медиа секция SDP входа
type sdpTrack struct {
	index    int
	section  MediaSection
	conn     *net.UDPConn
	timeBase Rational

	// Состояние депакетизации, только горутина чтения
	h264       *codecs.H264Packet
	pending    [][]byte
	pendingTS  uint32
	hasPending bool
	sps, pps   []byte
	haveFirst  bool
	lastTS     uint32
	extTS      int64

	// фрагменты AU, который не поместился в один пакет
	aacFrag     []byte
	aacFragSize int
	aacFragTS   uint32

	mu        sync.Mutex
	codec     av.CodecData
	ready     chan struct{}
	readyOnce sync.Once
}

func (t *sdpTrack) setCodec(codec av.CodecData) {
	t.readyOnce.Do(func() {
		t.mu.Lock()
		t.codec = codec
		t.mu.Unlock()
		close(t.ready)
	})
}

func (t *sdpTrack) codecData() av.CodecData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.codec
}

// extend разворачивает 32-битную RTP метку в монотонную, от первого пакета
func (t *sdpTrack) extend(ts uint32) int64 {
	if !t.haveFirst {
		t.haveFirst = true
		t.lastTS = ts
		return 0
	}
	t.extTS += int64(int32(ts - t.lastTS))
	t.lastTS = ts
	return t.extTS
}

// sdpInput вход по SDP описанию: прием RTP на описанных портах
type sdpInput struct {
	path    string
	tracks  []*sdpTrack
	streams []StreamInfo
	frames  chan Frame
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu        sync.Mutex
	interrupt func() bool
	closed    bool
}

func openSDPInput(path string, opts InputOptions, logger *slog.Logger) (*sdpInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "чтение SDP %s", path)
	}

	desc, err := ParseSessionDescription(string(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "SDP %s", path)
	}

	in := &sdpInput{
		path:      path,
		frames:    make(chan Frame, frameQueueSize),
		done:      make(chan struct{}),
		logger:    logger.With(slog.String("input", path)),
		interrupt: opts.Interrupt,
	}

	for _, section := range desc.Media {
		codec, err := section.CodecData()
		if err != nil {
			in.logger.Warn("Медиа секция пропущена",
				slog.String("encoding", section.Encoding),
				slog.Int("port", section.Port),
				slog.String("error", err.Error()))
			continue
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: section.Port})
		if err != nil {
			in.closeTracks()
			return nil, errors.Wrapf(err, "прием на порту %d", section.Port)
		}
		if opts.ReadBufferSize > 0 {
			if err := setReceiveBuffer(conn, opts.ReadBufferSize); err != nil {
				in.logger.Warn("Не удалось увеличить приемный буфер",
					slog.Int("port", section.Port),
					slog.String("error", err.Error()))
			}
		}

		clock := section.ClockRate
		if aac, ok := codec.(aacparser.CodecData); ok && clock == 0 {
			clock = aac.SampleRate()
		}

		track := &sdpTrack{
			index:    len(in.tracks),
			section:  section,
			conn:     conn,
			timeBase: ClockRate(clock),
			h264:     &codecs.H264Packet{},
			ready:    make(chan struct{}),
		}
		if codec != nil {
			track.setCodec(codec)
		}
		in.tracks = append(in.tracks, track)
	}

	if len(in.tracks) == 0 {
		return nil, errors.Wrapf(ErrStreamNotFound, "в %s нет поддерживаемых потоков", path)
	}

	for _, track := range in.tracks {
		in.wg.Add(1)
		go in.readLoop(track)
	}

	// Параметры H264 без sprop-parameter-sets ищутся в самом потоке
	if err := in.waitCodecs(); err != nil {
		in.Close()
		return nil, err
	}

	for _, track := range in.tracks {
		codec := track.codecData()
		in.streams = append(in.streams, StreamInfo{
			Index:    track.index,
			Kind:     KindOf(codec),
			Codec:    codec,
			TimeBase: track.timeBase,
		})
		in.logger.Info("Поток SDP входа",
			slog.Int("index", track.index),
			slog.Int("port", track.section.Port),
			slog.String("codec", codec.Type().String()))
	}

	return in, nil
}

func (in *sdpInput) waitCodecs() error {
	ticker := time.NewTicker(interruptPollInterval)
	defer ticker.Stop()

	for _, track := range in.tracks {
		for waiting := true; waiting; {
			select {
			case <-track.ready:
				waiting = false
			case <-ticker.C:
				if in.interrupted() {
					return errors.Wrap(ErrInterrupted, "ожидание параметров кодека")
				}
			}
		}
	}
	return nil
}

func (in *sdpInput) interrupted() bool {
	in.mu.Lock()
	fn := in.interrupt
	in.mu.Unlock()
	return fn != nil && fn()
}

func (in *sdpInput) readLoop(t *sdpTrack) {
	defer in.wg.Done()

	buf := make([]byte, maxUDPPacketSize)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-in.done:
			default:
				in.logger.Warn("Ошибка приема RTP", slog.Int("port", t.section.Port), slog.String("error", err.Error()))
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			continue
		}
		if pkt.PayloadType != t.section.PayloadType {
			continue
		}

		var frames []Frame
		switch t.section.Encoding {
		case "H264":
			frames = in.depacketizeH264(t, &pkt)
		case "MPEG4-GENERIC":
			frames = in.depacketizeAAC(t, &pkt)
		}

		for _, f := range frames {
			select {
			case in.frames <- f:
			case <-in.done:
				return
			}
		}
	}
}

func (in *sdpInput) depacketizeH264(t *sdpTrack, pkt *rtp.Packet) []Frame {
	var out []Frame

	// Смена метки без маркера: предыдущий кадр потерял последний пакет
	if t.hasPending && pkt.Timestamp != t.pendingTS {
		if f, ok := t.flushH264(); ok {
			out = append(out, f)
		}
	}

	annexB, err := t.h264.Unmarshal(pkt.Payload)
	if err != nil {
		t.h264 = &codecs.H264Packet{}
		return out
	}
	if len(annexB) > 0 {
		nalus, _ := h264parser.SplitNALUs(annexB)
		t.pending = append(t.pending, nalus...)
	}
	t.pendingTS = pkt.Timestamp
	t.hasPending = true

	if pkt.Marker {
		if f, ok := t.flushH264(); ok {
			out = append(out, f)
		}
	}
	return out
}

// flushH264 собирает накопленные NAL units в кадр AVCC
func (t *sdpTrack) flushH264() (Frame, bool) {
	nalus := t.pending
	t.pending = nil
	t.hasPending = false

	var (
		data []byte
		key  bool
	)
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case naluSPS:
			t.sps = append([]byte(nil), nalu...)
			continue
		case naluPPS:
			t.pps = append([]byte(nil), nalu...)
			continue
		case naluAUD:
			continue
		case naluIDR:
			key = true
		}
		data = binary.BigEndian.AppendUint32(data, uint32(len(nalu)))
		data = append(data, nalu...)
	}

	if t.codecData() == nil && t.sps != nil && t.pps != nil {
		if codec, err := h264parser.NewCodecDataFromSPSAndPPS(t.sps, t.pps); err == nil {
			t.setCodec(codec)
		}
	}

	ts := t.extend(t.pendingTS)
	if len(data) == 0 || t.codecData() == nil {
		return Frame{}, false
	}
	return Frame{
		StreamIndex: t.index,
		Data:        data,
		KeyFrame:    key,
		PTS:         ts,
		DTS:         ts,
	}, true
}

func (in *sdpInput) depacketizeAAC(t *sdpTrack, pkt *rtp.Packet) []Frame {
	if size, part, ok := aacFragment(pkt.Payload); ok {
		return t.collectAAC(pkt, size, part)
	}
	t.aacFrag = nil

	units, err := splitAAC(pkt.Payload)
	if err != nil {
		return nil
	}

	base := t.extend(pkt.Timestamp)
	frames := make([]Frame, 0, len(units))
	for i, unit := range units {
		ts := base + int64(i*aacFrameSamples)
		frames = append(frames, Frame{
			StreamIndex: t.index,
			Data:        unit,
			KeyFrame:    true,
			PTS:         ts,
			DTS:         ts,
			Duration:    aacFrameSamples,
		})
	}
	return frames
}

// collectAAC копит фрагменты одного AU до полного размера
func (t *sdpTrack) collectAAC(pkt *rtp.Packet, size int, part []byte) []Frame {
	if t.aacFrag == nil || pkt.Timestamp != t.aacFragTS || size != t.aacFragSize {
		t.aacFrag = nil
		t.aacFragTS = pkt.Timestamp
		t.aacFragSize = size
	}
	t.aacFrag = append(t.aacFrag, part...)
	if len(t.aacFrag) < size {
		return nil
	}

	unit := t.aacFrag
	t.aacFrag = nil
	if len(unit) != size {
		// потерян пакет или чужой фрагмент
		return nil
	}

	ts := t.extend(pkt.Timestamp)
	return []Frame{{
		StreamIndex: t.index,
		Data:        unit,
		KeyFrame:    true,
		PTS:         ts,
		DTS:         ts,
		Duration:    aacFrameSamples,
	}}
}

func (in *sdpInput) Streams() []StreamInfo {
	return in.streams
}

func (in *sdpInput) FindBestStream(kind Kind) (StreamInfo, error) {
	return findBest(in.streams, kind)
}

func (in *sdpInput) SetInterrupt(fn func() bool) {
	in.mu.Lock()
	in.interrupt = fn
	in.mu.Unlock()
}

func (in *sdpInput) ReadFrame() (Frame, error) {
	if in.interrupted() {
		return Frame{}, ErrInterrupted
	}

	ticker := time.NewTicker(interruptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-in.frames:
			return f, nil
		case <-in.done:
			return Frame{}, ErrClosed
		case <-ticker.C:
			if in.interrupted() {
				return Frame{}, ErrInterrupted
			}
		}
	}
}

func (in *sdpInput) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.mu.Unlock()

	close(in.done)
	in.closeTracks()
	in.wg.Wait()

	in.logger.Debug("SDP вход закрыт")
	return nil
}

func (in *sdpInput) closeTracks() {
	for _, track := range in.tracks {
		track.conn.Close()
	}
}
