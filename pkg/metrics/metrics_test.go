package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.PortsAvailable(18)
	c.HandshakeReply("ports")
	c.HandshakeReply("ports")
	c.HandshakeReply("fail")
	c.ProtocolError("wait_sdp")
	c.ReceiverFrame(100)
	c.ReceiverFrame(50)
	c.SenderFrame("video")
	c.SenderStopped("eof")
	c.ShutdownTick()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 18.0, testutil.ToFloat64(c.portsAvailable))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.handshakeReplies.WithLabelValues("ports")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handshakeReplies.WithLabelValues("fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.protocolErrors.WithLabelValues("wait_sdp")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.receiverFrames))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.receiverBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.senderFrames.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.senderStops.WithLabelValues("eof")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.shutdownTicks))
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.SessionOpened()
		c.SessionClosed()
		c.PortsAvailable(1)
		c.HandshakeReply("ok")
		c.ProtocolError("x")
		c.ReceiverFrame(1)
		c.ReceiverWriteError()
		c.ReceiverFailed()
		c.SenderFrame("audio")
		c.SenderStopped("x")
		c.ShutdownTick()
	})
	assert.Nil(t, c.Registry())
	assert.NoError(t, Serve(context.Background(), ":0", c, nil))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.SessionOpened()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "media_relay_server_sessions_total 1")
}

func TestServe_StopsOnCancel(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", c, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("сервер метрик не остановился")
	}
}

func TestServe_BadAddress(t *testing.T) {
	err := Serve(context.Background(), "256.0.0.1:bad", New(), nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "метрики"))
}
