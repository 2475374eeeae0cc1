package engine

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

const (
	// Динамические payload type для описываемых потоков
	payloadTypeH264 = 96
	payloadTypeAAC  = 97

	videoClockRate = 90000
)

// SessionOptions параметры уровня сессии SDP
type SessionOptions struct {
	SessionName string
	// Origin адрес в строке o=, пусто - 127.0.0.1
	Origin string
}

// BuildSessionDescription собирает SDP из медиа секций открытых RTP выходов
func BuildSessionDescription(outputs []OutputContext, opts SessionOptions) (string, error) {
	origin := opts.Origin
	if origin == "" {
		origin = "127.0.0.1"
	}
	name := opts.SessionName
	if name == "" {
		name = "media_relay"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addressType(origin),
			UnicastAddress: origin,
		},
		SessionName: sdp.SessionName(name),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		Attributes: []sdp.Attribute{{Key: "tool", Value: "media_relay"}},
	}

	for i, out := range outputs {
		media := out.Describe()
		if media == nil {
			return "", errors.Errorf("выход %d не описывается в SDP", i)
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, media)
	}

	if len(desc.MediaDescriptions) == 0 {
		return "", errors.New("нет медиа секций для SDP")
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "сериализация SDP")
	}
	return string(raw), nil
}

// MediaSection разобранная медиа секция SDP
type MediaSection struct {
	Kind        Kind
	Address     string
	Port        int
	PayloadType uint8
	Encoding    string
	ClockRate   int
	Channels    int
	Fmtp        map[string]string
}

// SessionDescription разобранное SDP описание
type SessionDescription struct {
	Name  string
	Media []MediaSection
}

// ParseSessionDescription разбирает SDP текст
func ParseSessionDescription(text string) (*SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(text)); err != nil {
		return nil, errors.Wrap(err, "разбор SDP")
	}

	if len(desc.MediaDescriptions) == 0 {
		return nil, errors.New("нет медиа описаний в SDP")
	}

	result := &SessionDescription{Name: string(desc.SessionName)}
	for _, media := range desc.MediaDescriptions {
		section, err := parseMediaSection(media, &desc)
		if err != nil {
			return nil, err
		}
		result.Media = append(result.Media, section)
	}
	return result, nil
}

func parseMediaSection(media *sdp.MediaDescription, desc *sdp.SessionDescription) (MediaSection, error) {
	section := MediaSection{
		Port:    media.MediaName.Port.Value,
		Address: extractAddress(media, desc),
		Fmtp:    make(map[string]string),
	}

	switch media.MediaName.Media {
	case "video":
		section.Kind = KindVideo
	case "audio":
		section.Kind = KindAudio
	}

	if len(media.MediaName.Formats) == 0 {
		return section, errors.Errorf("медиа секция %s без форматов", media.MediaName.Media)
	}
	pt, err := strconv.Atoi(media.MediaName.Formats[0])
	if err != nil || pt < 0 || pt > 127 {
		return section, errors.Errorf("некорректный payload type %q", media.MediaName.Formats[0])
	}
	section.PayloadType = uint8(pt)

	prefix := strconv.Itoa(pt) + " "
	for _, attr := range media.Attributes {
		if !strings.HasPrefix(attr.Value, prefix) {
			continue
		}
		value := strings.TrimPrefix(attr.Value, prefix)

		switch attr.Key {
		case "rtpmap":
			// encoding/clock[/channels]
			parts := strings.Split(value, "/")
			section.Encoding = strings.ToUpper(parts[0])
			if len(parts) > 1 {
				section.ClockRate, _ = strconv.Atoi(parts[1])
			}
			if len(parts) > 2 {
				section.Channels, _ = strconv.Atoi(parts[2])
			}
		case "fmtp":
			for _, kv := range strings.Split(value, ";") {
				kv = strings.TrimSpace(kv)
				if kv == "" {
					continue
				}
				k, v, _ := strings.Cut(kv, "=")
				section.Fmtp[strings.ToLower(k)] = v
			}
		}
	}

	if section.ClockRate == 0 && section.Kind == KindVideo {
		section.ClockRate = videoClockRate
	}
	if section.Channels == 0 && section.Kind == KindAudio {
		section.Channels = 1
	}

	return section, nil
}

// CodecData восстанавливает параметры кодека из fmtp.
// Для H264 без sprop-parameter-sets возвращает nil без ошибки:
// параметры нужно искать в самом потоке.
func (m MediaSection) CodecData() (av.CodecData, error) {
	switch m.Encoding {
	case "H264":
		sprop, ok := m.Fmtp["sprop-parameter-sets"]
		if !ok {
			return nil, nil
		}
		sets := strings.Split(sprop, ",")
		if len(sets) < 2 {
			return nil, errors.Errorf("sprop-parameter-sets без PPS: %q", sprop)
		}
		sps, err := base64.StdEncoding.DecodeString(sets[0])
		if err != nil {
			return nil, errors.Wrap(err, "SPS")
		}
		pps, err := base64.StdEncoding.DecodeString(sets[1])
		if err != nil {
			return nil, errors.Wrap(err, "PPS")
		}
		codec, err := h264parser.NewCodecDataFromSPSAndPPS(sps, pps)
		if err != nil {
			return nil, errors.Wrap(err, "параметры H264")
		}
		return codec, nil

	case "MPEG4-GENERIC":
		config, ok := m.Fmtp["config"]
		if !ok {
			return nil, errors.Wrap(ErrUnsupportedCodec, "AAC без config")
		}
		raw, err := hex.DecodeString(config)
		if err != nil {
			return nil, errors.Wrap(err, "config AAC")
		}
		codec, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(raw)
		if err != nil {
			return nil, errors.Wrap(err, "параметры AAC")
		}
		return codec, nil

	default:
		return nil, errors.Wrapf(ErrUnsupportedCodec, "%q", m.Encoding)
	}
}

// describeStream медиа секция SDP для одного потока RTP выхода
func describeStream(codec av.CodecData, host string, port int) (*sdp.MediaDescription, error) {
	var (
		media   string
		pt      int
		rtpmap  string
		fmtp    string
		address = host
	)

	switch c := codec.(type) {
	case h264parser.CodecData:
		media = "video"
		pt = payloadTypeH264
		rtpmap = fmt.Sprintf("%d H264/%d", pt, videoClockRate)
		fmtp = fmt.Sprintf("%d packetization-mode=1; sprop-parameter-sets=%s,%s",
			pt,
			base64.StdEncoding.EncodeToString(c.SPS()),
			base64.StdEncoding.EncodeToString(c.PPS()))
		if sps := c.SPS(); len(sps) >= 4 {
			fmtp += fmt.Sprintf("; profile-level-id=%02X%02X%02X", sps[1], sps[2], sps[3])
		}

	case aacparser.CodecData:
		media = "audio"
		pt = payloadTypeAAC
		rtpmap = fmt.Sprintf("%d MPEG4-GENERIC/%d/%d", pt, c.SampleRate(), c.ChannelLayout().Count())
		fmtp = fmt.Sprintf("%d profile-level-id=1;mode=AAC-hbr;sizelength=13;indexlength=3;indexdeltalength=3; config=%s",
			pt, hex.EncodeToString(c.MPEG4AudioConfigBytes()))

	default:
		return nil, errors.Wrapf(ErrUnsupportedCodec, "%s в RTP", codec.Type())
	}

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   media,
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(pt)},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(address),
			Address:     &sdp.Address{Address: address},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: rtpmap},
			{Key: "fmtp", Value: fmtp},
		},
	}, nil
}

// extractAddress адрес медиа секции, затем сессии, затем origin
func extractAddress(media *sdp.MediaDescription, desc *sdp.SessionDescription) string {
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		return media.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return desc.Origin.UnicastAddress
}

func addressType(address string) string {
	if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
