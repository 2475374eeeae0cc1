package engine

import (
	"encoding/binary"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

const (
	// rtpMTU размер RTP пакета вместе с заголовком
	rtpMTU = 1200

	rtpHeaderSize = 12

	// aacFrameSamples отсчетов в одном кадре AAC
	aacFrameSamples = 1024

	// maxAACUnit наибольший AU, который помещается в 13 бит размера
	maxAACUnit = 0x1fff
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// rtpOutput один RTP поток на rtp://host:port
type rtpOutput struct {
	conn      *net.UDPConn
	host      string
	port      int
	codec     av.CodecData
	media     *sdp.MediaDescription
	timeBase  Rational
	pt        uint8
	ssrc      uint32
	tsOffset  uint32
	sequencer rtp.Sequencer
	payloader rtp.Payloader
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// parseRTPLocator разбирает rtp://host:port
func parseRTPLocator(locator string) (string, int, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", 0, errors.Wrapf(err, "адрес RTP выхода %q", locator)
	}
	if u.Scheme != "rtp" {
		return "", 0, errors.Errorf("ожидается схема rtp, получено %q", u.Scheme)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("некорректный порт в %q", locator)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

func openRTPOutput(locator string, streams []StreamInfo, logger *slog.Logger) (*rtpOutput, error) {
	if len(streams) != 1 {
		return nil, errors.Errorf("RTP выход несет ровно один поток, передано %d", len(streams))
	}
	codec := streams[0].Codec
	if codec == nil {
		return nil, errors.Wrap(ErrUnsupportedCodec, "поток без параметров кодека")
	}

	host, port, err := parseRTPLocator(locator)
	if err != nil {
		return nil, err
	}

	out := &rtpOutput{
		host:      host,
		port:      port,
		codec:     codec,
		ssrc:      rand.Uint32(),
		tsOffset:  rand.Uint32(),
		sequencer: rtp.NewRandomSequencer(),
		logger:    logger.With(slog.String("output", locator)),
	}

	switch c := codec.(type) {
	case h264parser.CodecData:
		out.pt = payloadTypeH264
		out.timeBase = ClockRate(videoClockRate)
		out.payloader = &codecs.H264Payloader{}
	case aacparser.CodecData:
		out.pt = payloadTypeAAC
		out.timeBase = ClockRate(c.SampleRate())
		out.payloader = aacPayloader{}
	default:
		return nil, errors.Wrapf(ErrUnsupportedCodec, "%s в RTP", codec.Type())
	}

	media, err := describeStream(codec, host, port)
	if err != nil {
		return nil, err
	}
	out.media = media

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "адрес %s", locator)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "открытие RTP выхода %s", locator)
	}
	out.conn = conn

	out.logger.Info("Открыт RTP выход",
		slog.String("codec", codec.Type().String()),
		slog.Uint64("ssrc", uint64(out.ssrc)))
	return out, nil
}

func (out *rtpOutput) TimeBase(int) Rational {
	return out.timeBase
}

func (out *rtpOutput) Describe() *sdp.MediaDescription {
	return out.media
}

func (out *rtpOutput) WriteFrame(f Frame) error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.closed {
		return ErrClosed
	}
	if f.StreamIndex != 0 {
		return errors.Errorf("RTP выход несет только поток 0, получен %d", f.StreamIndex)
	}

	data := f.Data
	if c, ok := out.codec.(h264parser.CodecData); ok {
		data = toAnnexB(f.Data, f.KeyFrame, c)
	}

	ts := f.PTS
	if ts == NoPTS {
		ts = f.DTS
	}
	if ts == NoPTS {
		ts = 0
	}
	timestamp := out.tsOffset + uint32(ts)

	payloads := out.payloader.Payload(rtpMTU-rtpHeaderSize, data)
	if len(payloads) == 0 && len(data) > 0 {
		return errors.Wrapf(ErrUnsupportedCodec, "кадр %d байт не упаковывается в RTP", len(data))
	}
	for i, payload := range payloads {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    out.pt,
				SequenceNumber: out.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           out.ssrc,
			},
			Payload: payload,
		}

		raw, err := pkt.Marshal()
		if err != nil {
			return errors.Wrap(err, "сериализация RTP")
		}
		if _, err := out.conn.Write(raw); err != nil {
			return errors.Wrap(err, "отправка RTP")
		}
	}
	return nil
}

func (out *rtpOutput) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.closed {
		return nil
	}
	out.closed = true
	return out.conn.Close()
}

// toAnnexB переводит кадр из AVCC в Annex B.
// Перед ключевым кадром вставляются SPS и PPS.
func toAnnexB(data []byte, keyFrame bool, codec h264parser.CodecData) []byte {
	nalus, _ := h264parser.SplitNALUs(data)

	out := make([]byte, 0, len(data)+64)
	if keyFrame {
		out = append(out, annexBStartCode...)
		out = append(out, codec.SPS()...)
		out = append(out, annexBStartCode...)
		out = append(out, codec.PPS()...)
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		out = append(out, annexBStartCode...)
		out = append(out, nalu...)
	}
	return out
}

// aacPayloader упаковка AAC в режиме AAC-hbr: один AU на пакет,
// заголовок AU: 13 бит размер, 3 бита индекс.
// AU больше пакета режется на фрагменты, в каждом размер всего AU,
// маркер стоит на последнем.
type aacPayloader struct{}

func (aacPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	chunk := int(mtu) - 4
	if len(payload) == 0 || len(payload) > maxAACUnit || chunk <= 0 {
		return nil
	}

	var out [][]byte
	for rest := payload; len(rest) > 0; {
		n := min(chunk, len(rest))
		p := make([]byte, 4+n)
		binary.BigEndian.PutUint16(p[0:2], 16) // длина заголовков AU в битах
		binary.BigEndian.PutUint16(p[2:4], uint16(len(payload))<<3)
		copy(p[4:], rest[:n])
		out = append(out, p)
		rest = rest[n:]
	}
	return out
}

// aacFragment распознает пакет с частью AU: один заголовок,
// размер в нем больше данных пакета
func aacFragment(payload []byte) (int, []byte, bool) {
	if len(payload) < 4 || binary.BigEndian.Uint16(payload[0:2]) != 16 {
		return 0, nil, false
	}
	size := int(binary.BigEndian.Uint16(payload[2:4]) >> 3)
	data := payload[4:]
	if size <= len(data) {
		return 0, nil, false
	}
	return size, data, true
}

// splitAAC разбор полезной нагрузки AAC-hbr на отдельные AU
func splitAAC(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, errors.New("короткий AAC пакет")
	}
	headersBits := int(binary.BigEndian.Uint16(payload[0:2]))
	headersLen := (headersBits + 7) / 8
	if len(payload) < 2+headersLen {
		return nil, errors.New("обрезанные заголовки AU")
	}

	count := headersBits / 16
	data := payload[2+headersLen:]
	units := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		header := binary.BigEndian.Uint16(payload[2+2*i : 4+2*i])
		size := int(header >> 3)
		if size > len(data) {
			return nil, errors.New("размер AU больше пакета")
		}
		units = append(units, data[:size])
		data = data[size:]
	}
	return units, nil
}
