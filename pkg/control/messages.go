// Package control реализует протокол управляющего канала между клиентом и сервером.
//
// Протокол байтовый, тип сообщения всегда в первом байте:
//
//	RESERVE_TWO_PORTS  клиент→сервер  [0x01]
//	                   ответ: 4 байта, два порта uint16 big-endian (0 - порта нет)
//	START_STREAM       клиент→сервер  [0x02] + SDP текст + [0x00]
//	                   ответ: 4 байта статуса "OKAY" или "FAIL"
//
// Ответ на START_STREAM всегда фиксированной длины, клиент читает ровно 4 байта.
package control

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Tag тип сообщения управляющего канала
type Tag byte

const (
	// TagReserveTwoPorts запрос пары портов для видео и аудио
	TagReserveTwoPorts Tag = 0x01
	// TagStartStream запрос старта потока с SDP описанием
	TagStartStream Tag = 0x02
)

// String возвращает строковое представление типа сообщения
func (t Tag) String() string {
	switch t {
	case TagReserveTwoPorts:
		return "RESERVE_TWO_PORTS"
	case TagStartStream:
		return "START_STREAM"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

const (
	// MaxMessageSize максимальный размер сообщения вместе с тегом
	MaxMessageSize = 4096

	// PortsReplySize размер ответа на RESERVE_TWO_PORTS
	PortsReplySize = 4

	// StatusReplySize размер ответа на START_STREAM
	StatusReplySize = 4

	terminator = 0x00
)

var (
	statusOK   = []byte("OKAY")
	statusFail = []byte("FAIL")
)

var (
	// ErrMessageTooLarge сообщение не уместилось в MaxMessageSize
	ErrMessageTooLarge = errors.New("сообщение превышает максимальный размер")
	// ErrEmptyDescription START_STREAM без SDP
	ErrEmptyDescription = errors.New("пустое SDP описание")
	// ErrBadStatus ответ статуса не распознан
	ErrBadStatus = errors.New("неизвестный статус ответа")
)

// ProtocolError неожиданное или нераспознанное сообщение.
// Соединение при этом не разрывается, сообщение просто игнорируется.
type ProtocolError struct {
	Tag   Tag
	State string
}

func (e *ProtocolError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("неизвестный тип сообщения %s", e.Tag)
	}
	return fmt.Sprintf("неожиданное сообщение %s в состоянии %s", e.Tag, e.State)
}

// IsProtocolError проверяет, что ошибка протокольная (не I/O)
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Message одно сообщение управляющего канала
type Message struct {
	Tag Tag
	// SDP описание, только для TagStartStream
	Description string
}

// ReadRequest читает одно сообщение клиента.
// Неизвестный тег возвращает *ProtocolError, все остальное - ошибки I/O.
func ReadRequest(r *bufio.Reader) (Message, error) {
	b, err := r.ReadByte()
	if err != nil {
		return Message{}, err
	}

	tag := Tag(b)
	switch tag {
	case TagReserveTwoPorts:
		return Message{Tag: tag}, nil

	case TagStartStream:
		payload, err := readTerminated(r, MaxMessageSize-1)
		if err != nil {
			return Message{}, errors.Wrap(err, "чтение START_STREAM")
		}
		return Message{Tag: tag, Description: string(payload)}, nil

	default:
		return Message{Tag: tag}, &ProtocolError{Tag: tag}
	}
}

// readTerminated читает байты до терминатора включительно, терминатор отбрасывается
func readTerminated(r *bufio.Reader, limit int) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := r.ReadSlice(terminator)
		if buf.Len()+len(chunk) > limit {
			return nil, ErrMessageTooLarge
		}
		buf.Write(chunk)

		switch {
		case err == nil:
			return buf.Bytes()[:buf.Len()-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// EncodeReserveTwoPorts кодирует запрос пары портов
func EncodeReserveTwoPorts() []byte {
	return []byte{byte(TagReserveTwoPorts)}
}

// EncodeStartStream кодирует запрос старта потока
func EncodeStartStream(description string) ([]byte, error) {
	if description == "" {
		return nil, ErrEmptyDescription
	}
	if len(description)+2 > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if bytes.IndexByte([]byte(description), terminator) >= 0 {
		return nil, errors.New("SDP описание содержит нулевой байт")
	}

	out := make([]byte, 0, len(description)+2)
	out = append(out, byte(TagStartStream))
	out = append(out, description...)
	out = append(out, terminator)
	return out, nil
}

// EncodePorts кодирует ответ с двумя портами в сетевом порядке байт
func EncodePorts(port1, port2 uint16) []byte {
	out := make([]byte, PortsReplySize)
	binary.BigEndian.PutUint16(out[0:2], port1)
	binary.BigEndian.PutUint16(out[2:4], port2)
	return out
}

// DecodePorts разбирает ответ с двумя портами
func DecodePorts(b []byte) (uint16, uint16, error) {
	if len(b) != PortsReplySize {
		return 0, 0, errors.Errorf("ответ с портами должен быть %d байта, получено %d", PortsReplySize, len(b))
	}
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), nil
}

// EncodeStatus кодирует ответ на START_STREAM
func EncodeStatus(ok bool) []byte {
	out := make([]byte, StatusReplySize)
	if ok {
		copy(out, statusOK)
	} else {
		copy(out, statusFail)
	}
	return out
}

// DecodeStatus разбирает ответ на START_STREAM
func DecodeStatus(b []byte) (bool, error) {
	switch {
	case bytes.Equal(b, statusOK):
		return true, nil
	case bytes.Equal(b, statusFail):
		return false, nil
	default:
		return false, errors.Wrapf(ErrBadStatus, "%q", b)
	}
}

// readFull читает ответ фиксированной длины
func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
