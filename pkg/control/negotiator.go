package control

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNotConnected операция до Dial или после Close
var ErrNotConnected = errors.New("управляющий канал не подключен")

// Negotiator клиентская сторона рукопожатия.
// Блокирующий, используется из рабочей горутины отправителя.
type Negotiator struct {
	address     string
	dialTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	logger *slog.Logger
}

// NewNegotiator создает клиента управляющего канала для host:port
func NewNegotiator(host string, port int, dialTimeout time.Duration, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		address:     net.JoinHostPort(host, strconv.Itoa(port)),
		dialTimeout: dialTimeout,
		logger:      logger.With(slog.String("component", "negotiator")),
	}
}

// Address адрес сервера
func (n *Negotiator) Address() string {
	return n.address
}

// Dial подключается к серверу
func (n *Negotiator) Dial(ctx context.Context) error {
	dialer := net.Dialer{Timeout: n.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", n.address)
	if err != nil {
		return errors.Wrapf(err, "подключение к %s", n.address)
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	n.logger.Debug("Управляющий канал подключен", slog.String("address", n.address))
	return nil
}

// ReservePorts запрашивает у сервера пару портов
func (n *Negotiator) ReservePorts(ctx context.Context) (uint16, uint16, error) {
	reply, err := n.roundTrip(ctx, EncodeReserveTwoPorts(), PortsReplySize)
	if err != nil {
		return 0, 0, errors.Wrap(err, "RESERVE_TWO_PORTS")
	}

	port1, port2, err := DecodePorts(reply)
	if err != nil {
		return 0, 0, err
	}

	n.logger.Debug("Получены порты от сервера",
		slog.Int("port1", int(port1)),
		slog.Int("port2", int(port2)))
	return port1, port2, nil
}

// StartStream отправляет SDP описание и ждет статус.
// false без ошибки означает явный отказ сервера.
func (n *Negotiator) StartStream(ctx context.Context, description string) (bool, error) {
	request, err := EncodeStartStream(description)
	if err != nil {
		return false, err
	}

	reply, err := n.roundTrip(ctx, request, StatusReplySize)
	if err != nil {
		return false, errors.Wrap(err, "START_STREAM")
	}

	ok, err := DecodeStatus(reply)
	if err != nil {
		return false, err
	}

	n.logger.Debug("Ответ на START_STREAM", slog.Bool("ok", ok))
	return ok, nil
}

// Close закрывает соединение. Повторный вызов безопасен.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (n *Negotiator) roundTrip(ctx context.Context, request []byte, replySize int) ([]byte, error) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// Отмена контекста прерывает блокирующее чтение
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(request); err != nil {
		return nil, err
	}

	reply, err := readFull(conn, replySize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return reply, nil
}
