// Package metrics собирает Prometheus метрики ретранслятора.
//
// Все метрики живут в собственном реестре коллектора, поэтому несколько
// коллекторов (например, в тестах) не конфликтуют. Методы nil *Collector
// ничего не делают: компоненты могут работать без метрик.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace префикс всех метрик
const Namespace = "media_relay"

// Collector набор метрик процесса
type Collector struct {
	registry *prometheus.Registry

	sessionsTotal    prometheus.Counter
	sessionsActive   prometheus.Gauge
	portsAvailable   prometheus.Gauge
	handshakeReplies *prometheus.CounterVec
	protocolErrors   *prometheus.CounterVec

	receiverFrames      prometheus.Counter
	receiverBytes       prometheus.Counter
	receiverWriteErrors prometheus.Counter
	receiverFailures    prometheus.Counter

	senderFrames *prometheus.CounterVec
	senderStops  *prometheus.CounterVec

	shutdownTicks prometheus.Counter
}

// New создает коллектор с собственным реестром
func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "sessions_total",
			Help:      "Total number of accepted control sessions",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Number of currently registered control sessions",
		}),
		portsAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "ports_available",
			Help:      "Number of free ports in the pool",
		}),
		handshakeReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "handshake_replies_total",
			Help:      "Control channel replies by kind",
		}, []string{"reply"}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "protocol_errors_total",
			Help:      "Unexpected or unknown control messages by session state",
		}, []string{"state"}),

		receiverFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "receiver",
			Name:      "frames_total",
			Help:      "Frames copied from RTP input to file",
		}),
		receiverBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "receiver",
			Name:      "bytes_total",
			Help:      "Payload bytes copied from RTP input to file",
		}),
		receiverWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "receiver",
			Name:      "write_errors_total",
			Help:      "Frames that failed to be written to the output file",
		}),
		receiverFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "receiver",
			Name:      "failures_total",
			Help:      "Receivers that entered the fail state",
		}),

		senderFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sender",
			Name:      "frames_total",
			Help:      "Frames sent by stream kind",
		}, []string{"stream"}),
		senderStops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sender",
			Name:      "stops_total",
			Help:      "Sender critical stops by reason",
		}, []string{"reason"}),

		shutdownTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "app",
			Name:      "shutdown_ticks_total",
			Help:      "Shutdown countdown ticks spent waiting for holders",
		}),
	}
}

// Registry реестр коллектора
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

func (c *Collector) PortsAvailable(n int) {
	if c == nil {
		return
	}
	c.portsAvailable.Set(float64(n))
}

// HandshakeReply учитывает ответ сервера: ports, no_ports, ok, fail
func (c *Collector) HandshakeReply(reply string) {
	if c == nil {
		return
	}
	c.handshakeReplies.WithLabelValues(reply).Inc()
}

func (c *Collector) ProtocolError(state string) {
	if c == nil {
		return
	}
	c.protocolErrors.WithLabelValues(state).Inc()
}

func (c *Collector) ReceiverFrame(size int) {
	if c == nil {
		return
	}
	c.receiverFrames.Inc()
	c.receiverBytes.Add(float64(size))
}

func (c *Collector) ReceiverWriteError() {
	if c == nil {
		return
	}
	c.receiverWriteErrors.Inc()
}

func (c *Collector) ReceiverFailed() {
	if c == nil {
		return
	}
	c.receiverFailures.Inc()
}

func (c *Collector) SenderFrame(stream string) {
	if c == nil {
		return
	}
	c.senderFrames.WithLabelValues(stream).Inc()
}

func (c *Collector) SenderStopped(reason string) {
	if c == nil {
		return
	}
	c.senderStops.WithLabelValues(reason).Inc()
}

func (c *Collector) ShutdownTick() {
	if c == nil {
		return
	}
	c.shutdownTicks.Inc()
}

// Handler HTTP обработчик /metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve отдает /metrics на addr до отмены ctx.
// Пустой addr или nil коллектор - ничего не делает.
func Serve(ctx context.Context, addr string, c *Collector, logger *slog.Logger) error {
	if addr == "" || c == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "metrics"))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "метрики на %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Запуск HTTP сервера метрик", slog.String("address", ln.Addr().String()))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "сервер метрик")
	}
	return nil
}
